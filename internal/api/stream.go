package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/model"
)

// handleStreamJob streams job snapshots as server-sent events until the job
// reaches a terminal status or the client goes away. Each event is a full
// snapshot; intermediate states may be skipped.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Engine.Get(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.deps.Engine.Watch(r.Context(), id, s.opts.WatchInterval, func(job *model.AsyncJob) error {
		data, err := json.Marshal(job)
		if err != nil {
			return eris.Wrap(err, "api: marshal job snapshot")
		}
		if _, err := fmt.Fprintf(w, "event: job\ndata: %s\n\n", data); err != nil {
			return eris.Wrap(err, "api: write event")
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Warn("api: job stream ended", zap.String("job_id", id), zap.Error(err))
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error()) //nolint:errcheck
		flusher.Flush()
	}
}
