package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"boq-matcher/internal/catalog"
	"boq-matcher/internal/config"
	"boq-matcher/internal/embedding"
	"boq-matcher/internal/jobs"
	"boq-matcher/internal/matching/handler"
	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/notify"
	"boq-matcher/internal/resilience"
	"boq-matcher/internal/store"
	serverhttp "boq-matcher/server/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := config.SetupLogger(cfg.Log)

	db, err := store.NewSQLite(cfg.DB.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("migrate store")
	}

	lex := service.NewLexical(service.LexicalOptions{CacheSize: cfg.Match.CacheSize, CacheTTL: cfg.Match.CacheTTL}, logger)
	vectors := embedding.NewCache(cfg.Embed.CacheSize, cfg.Embed.CacheTTL)
	svc := service.New(lex, logger, semanticStrategies(cfg, vectors, db, logger)...)
	cat := catalog.NewCache(db, catalog.Options{TTL: cfg.Catalog.TTL}, logger)
	warmer := catalog.NewWarmer(cat, svc, 0, logger)
	bus := notify.NewBus(256, logger)
	logs := notify.NewLogStorage(notify.DefaultMaxLogs)

	orch := jobs.New(jobs.Deps{
		Store:      db,
		Catalog:    cat,
		Strategies: svc,
		Warmer:     warmer,
		Bus:        bus,
		Logs:       logs,
	}, jobs.Options{
		BatchSize:            cfg.Job.BatchSize,
		FlushThreshold:       cfg.Job.FlushThreshold,
		FlushInterval:        cfg.Job.FlushInterval,
		PollInterval:         cfg.Job.PollInterval,
		CleanupDelay:         cfg.Job.CleanupDelay,
		MaxItems:             cfg.Job.MaxItems,
		Workers:              cfg.Job.Workers,
		MaxDescriptionLength: cfg.MaxDescriptionLength,
		MaxContextHeaders:    cfg.MaxContextHeaders,
		FastBatch:            cfg.Job.FastBatch,
		FastBatchDelay:       cfg.Job.FastBatchDelay,
		SlowBatchDelay:       cfg.Job.SlowBatchDelay,
	}, logger)
	orch.Start()

	r := serverhttp.NewRouter(&handler.Deps{
		Cfg:     *cfg,
		Store:   db,
		Jobs:    orch,
		Catalog: cat,
		Warmer:  warmer,
		Matcher: svc,
		Events:  bus,
	}, logger)

	srv := &http.Server{Addr: cfg.Addr(), Handler: r, ReadHeaderTimeout: 10 * time.Second}
	logger.Info().Str("addr", cfg.Addr()).Bool("cohere", cfg.Cohere.Enabled()).Bool("openai", cfg.OpenAI.Enabled()).Msg("server starting")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus.Close() // ends open event streams
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := orch.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("jobs shutdown")
	}
	warmer.Wait()
	// the LRU sweep goroutines have no stop hook and end with the process
	lex.Purge()
	vectors.Purge()
	if err := db.Close(); err != nil {
		logger.Warn().Err(err).Msg("close store")
	}
	logger.Info().Msg("bye")
}

// semanticStrategies builds a strategy for every provider with an API key.
func semanticStrategies(cfg *config.Config, vectors *embedding.Cache, sink service.EmbeddingSink, logger zerolog.Logger) []*service.Semantic {
	opts := service.SemanticOptions{
		Retry: resilience.RetryConfig{
			Attempts:       cfg.Embed.Attempts,
			Delay:          cfg.Embed.RetryDelay,
			AttemptTimeout: cfg.Embed.Timeout,
		},
		BatchPause: cfg.Embed.BatchPause,
		Sink:       sink,
	}

	var out []*service.Semantic
	if p := cfg.Cohere; p.Enabled() {
		e := embedding.NewCohere(p.APIKey, embedding.WithBaseURL(p.BaseURL), embedding.WithModel(p.Model))
		out = append(out, service.NewSemantic(model.MethodCohere, e, vectors, opts, logger))
	}
	if p := cfg.OpenAI; p.Enabled() {
		e := embedding.NewOpenAI(p.APIKey, embedding.WithBaseURL(p.BaseURL), embedding.WithModel(p.Model))
		out = append(out, service.NewSemantic(model.MethodOpenAI, e, vectors, opts, logger))
	}
	return out
}
