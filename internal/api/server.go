// Package api serves the reconstruction, job and export HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/export"
	"github.com/orthogenesis/recon-cli/internal/jobs"
	"github.com/orthogenesis/recon-cli/internal/monitoring"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
	"github.com/orthogenesis/recon-cli/internal/store"
)

const (
	// DefaultMaxUploadBytes bounds a reconstruct upload or convert body.
	DefaultMaxUploadBytes = 64 << 20
	defaultConvertRPS     = 2
)

// Records is the persistence the handlers read directly.
type Records interface {
	store.ReconstructionStore
	store.ArtifactStore
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Engine     *jobs.Engine
	Submitter  *jobs.Submitter
	Records    Records
	Blobs      blob.Store
	Exporter   *export.Exporter
	Registry   *reconstruction.Registry
	Calibrator *reconstruction.Calibrator
	Collector  *monitoring.Collector
}

// Options tunes the router.
type Options struct {
	CORSOrigins []string
	// ConvertRPS limits POST /convert across all clients.
	ConvertRPS     float64
	WatchInterval  time.Duration
	MaxUploadBytes int64
}

// Server holds the handlers' state.
type Server struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
}

// NewServer creates a Server, filling zero options with defaults.
func NewServer(deps Deps, opts Options) *Server {
	if opts.ConvertRPS <= 0 {
		opts.ConvertRPS = defaultConvertRPS
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = jobs.DefaultWatchInterval
	}
	burst := max(int(opts.ConvertRPS), 1)
	return &Server{
		deps:    deps,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.ConvertRPS), burst),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Checksum-SHA256", "X-Signature"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/reconstruct", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/", s.handleReconstruct)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/dead-letter", s.handleDeadLetters)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/stream", s.handleStreamJob)
		r.Post("/{id}/retry", s.handleRetryJob)
	})

	r.Route("/reconstructions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetReconstruction)
		r.Get("/confidence", s.handleConfidence)
		r.Post("/exports", s.handleCreateExport)
		r.Get("/exports", s.handleListExports)
	})

	r.Get("/exports/{id}", s.handleDownloadExport)

	r.With(s.rateLimit).Post("/convert", s.handleConvert)

	return r
}
