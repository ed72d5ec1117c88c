package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/store"
)

// printYAML writes v as an indented YAML document.
func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode yaml")
	}
	return enc.Close()
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.AsyncJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSTAGE\tPROGRESS\tATTEMPTS\tUPDATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t--------\t--------\t-------\t-----")

	for _, j := range jobs {
		errMsg := j.ErrorMessage()
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		status := string(j.Status)
		if j.DeadLetter && j.Status != model.JobStatusDead {
			status += "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%d/%d\t%s\t%s\n",
			truncateID(j.ID),
			j.JobType,
			status,
			j.Stage,
			j.Progress,
			j.Attempts,
			j.MaxAttempts,
			j.UpdatedAt.Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatQueueStats writes queue counts to w, one status per line.
func formatQueueStats(out io.Writer, stats *store.QueueStats, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	statuses := []model.JobStatus{
		model.JobStatusQueued,
		model.JobStatusRunning,
		model.JobStatusSucceeded,
		model.JobStatusFailed,
		model.JobStatusDead,
	}
	total := 0
	for _, s := range statuses {
		total += stats.ByStatus[s]
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", s, stats.ByStatus[s])
	}
	_, _ = fmt.Fprintf(w, "Total:\t%d\n", total)
	_, _ = fmt.Fprintf(w, "Dead-lettered:\t%d\n", stats.DeadLetter)
	if stats.OldestQueuedAt != nil {
		_, _ = fmt.Fprintf(w, "Oldest queued:\t%s ago\n", now.Sub(*stats.OldestQueuedAt).Round(time.Second))
	}
	_ = w.Flush()
}

// formatArtifacts writes a tabular list of export artifacts to w.
func formatArtifacts(out io.Writer, artifacts []model.ExportArtifact, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFORMAT\tVERSION\tSTATUS\tEXPIRES\tFILE")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t------\t-------\t----")
	for _, a := range artifacts {
		status := string(a.Status)
		if a.Expired(now) {
			status = "expired"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\tv%d\t%s\t%s\t%s\n",
			truncateID(a.ID),
			a.Format,
			a.Version,
			status,
			a.ExpiresAt.Format("2006-01-02 15:04"),
			a.FileKey,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of an id for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
