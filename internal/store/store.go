// Package store persists the catalog, jobs and match results.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"boq-matcher/internal/matching/model"
)

var (
	// ErrNotFound is returned when a job, result or catalog item is missing,
	// and by ActiveCatalog when no active item exists.
	ErrNotFound = eris.New("not found")
	// ErrTerminal is returned when a status write targets a finished job.
	ErrTerminal = eris.New("job already finished")
)

// Store is the persistence collaborator of the matcher.
type Store interface {
	// Catalog
	UpsertCatalogItems(ctx context.Context, items []model.CatalogItem) (int, error)
	ActiveCatalog(ctx context.Context) ([]model.CatalogItem, error)
	GetCatalogItem(ctx context.Context, id string) (model.CatalogItem, error)
	SaveEmbeddings(ctx context.Context, p model.Provider, vectors map[string][]float32) error

	// Jobs
	CreateJob(ctx context.Context, job model.JobState) error
	UpdateJobStatus(ctx context.Context, job model.JobState) error
	GetJob(ctx context.Context, id string) (model.JobState, error)
	ListJobs(ctx context.Context, limit int) ([]model.JobState, error)

	// Results
	SaveResults(ctx context.Context, results []model.MatchResult) error
	ListResults(ctx context.Context, jobID string) ([]model.MatchResult, error)
	UpdateResult(ctx context.Context, jobID string, row int, item model.CatalogItem) (model.MatchResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
