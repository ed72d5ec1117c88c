package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/orthogenesis/recon-cli/internal/jobs"
	"github.com/orthogenesis/recon-cli/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage the async job queue",
	Long:  "Commands for listing, inspecting, retrying, watching and enqueueing background jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, most recently updated first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := model.JobFilter{
			Status:  model.JobStatus(status),
			JobType: model.JobType(jobType),
			Limit:   limit,
		}
		if cmd.Flags().Changed("dead") {
			dead, _ := cmd.Flags().GetBool("dead")
			filter.DeadLetter = &dead
		}

		list, err := st.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(cmd.OutOrStdout(), list)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		return printYAML(cmd.OutOrStdout(), job)
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>...",
	Short: "Reset dead or failed jobs to queued, clearing dead-letter state and attempts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			job, err := env.Engine.Retry(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, job.Status) //nolint:errcheck
		}
		return nil
	},
}

// -- jobs dead --

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		dead, err := env.Engine.DeadLetters(ctx, limit)
		if err != nil {
			return err
		}
		if len(dead) == 0 {
			fmt.Fprintln(os.Stderr, "No dead-lettered jobs.")
			return nil
		}
		formatJobsList(cmd.OutOrStdout(), dead)
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.JobStats(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}
		formatQueueStats(cmd.OutOrStdout(), stats, time.Now())
		return nil
	},
}

// -- jobs watch --

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Poll a job until it reaches a terminal status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		out := cmd.OutOrStdout()
		var last *model.AsyncJob
		err = env.Engine.Watch(ctx, args[0], interval, func(job *model.AsyncJob) error {
			last = job
			_, err := fmt.Fprintf(out, "%s  %-9s %-14s %3d%%  attempt %d/%d\n",
				job.UpdatedAt.Format(time.TimeOnly), job.Status, job.Stage, job.Progress, job.Attempts, job.MaxAttempts)
			return err
		})
		if err != nil {
			return err
		}
		if last != nil && last.Status != model.JobStatusSucceeded {
			return eris.Errorf("job %s ended %s: %s", last.ID, last.Status, last.ErrorMessage())
		}
		return nil
	},
}

// -- jobs enqueue --

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Enqueue a job with a JSON payload",
	Long: `Enqueues a job directly. reconstruct and export payloads are checked
before they are queued, for example:

  recon-cli jobs enqueue export --payload '{"reconstruction_id":"...","format":"obj"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, _ := cmd.Flags().GetString("payload")
		payload := map[string]any{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return eris.Wrap(err, "jobs enqueue: parse payload")
			}
		}
		jobType := model.JobType(args[0])
		if err := checkPayload(jobType, payload); err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		job, err := env.Engine.Enqueue(ctx, jobType, payload, maxAttempts)
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), map[string]any{"job_id": job.ID, "status": job.Status})
	},
}

// checkPayload parses payloads of the built-in job types so malformed ones
// fail here instead of dead-lettering in a worker.
func checkPayload(jobType model.JobType, payload map[string]any) error {
	var err error
	switch jobType {
	case model.JobTypeReconstruct:
		_, err = jobs.ParseReconstructPayload(payload)
	case model.JobTypeExport:
		_, err = jobs.ParseExportPayload(payload)
	}
	return err
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (queued, running, succeeded, failed, dead)")
	jobsListCmd.Flags().String("type", "", "filter by job type (reconstruct, export)")
	jobsListCmd.Flags().Bool("dead", false, "filter by dead-letter flag")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsDeadCmd.Flags().Int("limit", jobs.DefaultDeadLimit, fmt.Sprintf("max number of jobs (at most %d)", jobs.MaxDeadLimit))

	jobsWatchCmd.Flags().Duration("interval", jobs.DefaultWatchInterval, "poll interval")

	jobsEnqueueCmd.Flags().String("payload", "", "job payload as a JSON object")
	jobsEnqueueCmd.Flags().Int("max-attempts", 0, "attempts before dead-lettering (default from config)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsDeadCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsEnqueueCmd)
	rootCmd.AddCommand(jobsCmd)
}
