package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/jobs"
	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/meshproc"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	snap, err := s.deps.Collector.Collect(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  s.deps.Registry.Names(),
		"default": reconstruction.DefaultModelName,
	})
}

// handleReconstruct accepts a multipart upload: one or more "radiographs"
// file parts, an optional comma-separated "views" field, and optional
// "model_name" and "seed" fields.
func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	files := r.MultipartForm.File["radiographs"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "at least one radiograph is required")
		return
	}
	views := parseViews(r.FormValue("views"), len(files))

	sub := jobs.Submission{ModelName: strings.TrimSpace(r.FormValue("model_name"))}
	if raw := strings.TrimSpace(r.FormValue("seed")); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seed must be an integer")
			return
		}
		sub.Seed = &seed
	}

	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unreadable radiograph %d", i))
			return
		}
		data, err := io.ReadAll(f)
		f.Close() //nolint:errcheck
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unreadable radiograph %d", i))
			return
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "" || ct == "application/octet-stream" {
			ct = http.DetectContentType(data)
		}
		sub.Inputs = append(sub.Inputs, model.RadiographInput{View: views[i], ContentType: ct, Data: data})
	}

	rec, job, err := s.deps.Submitter.SubmitReconstruction(r.Context(), sub)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"reconstruction": rec,
		"job_id":         job.ID,
		"status":         job.Status,
	})
}

// parseViews lowercases the comma-separated labels. Without labels every
// image is "single"; images past the end of the list are "view-N".
func parseViews(raw string, n int) []string {
	var labels []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			labels = append(labels, v)
		}
	}
	views := make([]string, n)
	for i := range views {
		switch {
		case len(labels) == 0:
			views[i] = "single"
		case i < len(labels):
			views[i] = labels[i]
		default:
			views[i] = "view-" + strconv.Itoa(i+1)
		}
	}
	return views
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := jobs.DefaultDeadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > jobs.MaxDeadLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", jobs.MaxDeadLimit))
			return
		}
		limit = n
	}
	dead, err := s.deps.Engine.DeadLetters(r.Context(), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if dead == nil {
		dead = []model.AsyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(dead), "jobs": dead})
}

func (s *Server) handleGetReconstruction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Records.GetReconstruction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleConfidence merges the stored confidence report and uncertainty map
// into one document. Missing sidecars are left out.
func (s *Server) handleConfidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.deps.Records.GetReconstruction(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	payload := map[string]any{"confidence": rec.Confidence}
	if rec.MeshKey != "" {
		var report map[string]any
		err := blob.ReadJSON(ctx, s.deps.Blobs, blob.SidecarKey(rec.MeshKey, "confidence"), &report)
		switch {
		case err == nil:
			for k, v := range report {
				payload[k] = v
			}
		case !errors.Is(err, blob.ErrNotFound):
			zap.L().Warn("api: unreadable confidence report", zap.String("reconstruction_id", rec.ID), zap.Error(err))
		}
	}
	if rec.UncertaintyMapKey != "" {
		var um model.UncertaintyMap
		err := blob.ReadJSON(ctx, s.deps.Blobs, rec.UncertaintyMapKey, &um)
		switch {
		case err == nil:
			payload["uncertainty"] = um
		case !errors.Is(err, blob.ErrNotFound):
			zap.L().Warn("api: unreadable uncertainty map", zap.String("reconstruction_id", rec.ID), zap.Error(err))
		}
	}
	if rec.ConfidenceVersion != "" {
		payload["confidence_version"] = rec.ConfidenceVersion
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleCreateExport exports synchronously, or enqueues an export job when
// async=true.
func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "stl"
	}

	if cast.ToBool(r.URL.Query().Get("async")) {
		job, err := s.deps.Submitter.SubmitExport(r.Context(), id, format)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":      job.ID,
			"status":      job.Status,
			"resource_id": id,
			"status_url":  "/jobs/" + job.ID,
		})
		return
	}

	artifact, err := s.deps.Exporter.Export(r.Context(), id, format)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifactView(artifact))
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, err := s.deps.Exporter.List(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for i := range list {
		views = append(views, artifactView(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconstruction_id": id, "artifacts": views})
}

func artifactView(a *model.ExportArtifact) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"format":          a.Format,
		"version":         a.Version,
		"status":          a.Status,
		"checksum_sha256": a.ChecksumSHA256,
		"signature":       a.Signature,
		"expires_at":      a.ExpiresAt,
		"download_url":    "/exports/" + a.ID,
	}
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	artifact, data, err := s.deps.Exporter.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	f, err := mesh.ParseFormat(artifact.Format)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="model-%s-v%d.%s"`, artifact.ReconstructionID, artifact.Version, f.Extension()))
	w.Header().Set("X-Checksum-SHA256", artifact.ChecksumSHA256)
	w.Header().Set("X-Signature", artifact.Signature)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// handleConvert converts the raw request body between mesh formats. Query
// parameters: input_format, output_format, profile, and optional units and
// tolerance.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in, out := q.Get("input_format"), q.Get("output_format")
	if in == "" || out == "" {
		writeError(w, http.StatusBadRequest, "input_format and output_format are required")
		return
	}
	profile := q.Get("profile")
	if profile == "" {
		profile = "clinical"
	}

	var opts []meshproc.Option
	if u := q.Get("units"); u != "" {
		opts = append(opts, meshproc.WithUnits(u))
	}
	if raw := q.Get("tolerance"); raw != "" {
		tol, err := strconv.ParseFloat(raw, 64)
		if err != nil || tol <= 0 {
			writeError(w, http.StatusBadRequest, "tolerance must be a positive number")
			return
		}
		opts = append(opts, meshproc.WithTolerance(tol))
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "mesh body too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty mesh body")
		return
	}

	converted, err := meshproc.Convert(data, in, out, profile, opts...)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	f, _ := mesh.ParseFormat(out)
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(converted) //nolint:errcheck
}
