package serverhttp

import (
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"boq-matcher/internal/matching/handler"
	"boq-matcher/internal/middleware"
	"boq-matcher/server/http/handlers"
)

func NewRouter(d *handler.Deps, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// order matters: recover -> requestID -> logging -> cors -> limit
	r.Use(middleware.Recover(logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(d.Cfg.AllowOrigins))
	r.Use(middleware.LimitBytes(int64(d.Cfg.MaxUploadMB) * 1024 * 1024))

	r.Get("/health", handlers.Health)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", handler.SubmitJob(d, logger))
		r.Get("/", handler.ListJobs(d, logger))
		r.Post("/cancel-all", handler.CancelAll(d, logger))
		r.Get("/{id}", handler.GetJob(d, logger))
		r.Post("/{id}/cancel", handler.CancelJob(d, logger))
		r.Get("/{id}/logs", handler.JobLogs(d, logger))
		r.Get("/{id}/events", handler.JobEvents(d, logger))
		r.Get("/{id}/results", handler.JobResults(d, logger))
		r.Patch("/{id}/results/{row}", handler.OverrideResult(d, logger))
	})
	r.Get("/queue", handler.Queue(d, logger))

	r.Route("/catalog", func(r chi.Router) {
		r.Post("/import", handler.ImportCatalog(d, logger))
		r.Get("/search", handler.SearchCatalog(d, logger))
		r.Post("/embeddings", handler.WarmEmbeddings(d, logger))
	})
	r.Post("/match", handler.Match(d, logger))

	return r
}
