package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"boq-matcher/internal/matching/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at path, creating its directory. The
// pragmas go in the DSN so every pooled connection gets them.
func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrapf(err, "sqlite: open %s", path)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id                 TEXT PRIMARY KEY,
	code               TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL,
	unit               TEXT NOT NULL DEFAULT '',
	rate               REAL NOT NULL DEFAULT 0,
	category           TEXT NOT NULL DEFAULT '',
	subcategory        TEXT NOT NULL DEFAULT '',
	keywords           TEXT NOT NULL DEFAULT '[]',
	embedding          BLOB,
	embedding_provider TEXT NOT NULL DEFAULT '',
	active             INTEGER NOT NULL DEFAULT 1,
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	method           TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	total_rows       INTEGER NOT NULL DEFAULT 0,
	item_count       INTEGER NOT NULL DEFAULT 0,
	processed_count  INTEGER NOT NULL DEFAULT 0,
	matched_count    INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	errors           TEXT NOT NULL DEFAULT '[]',
	started_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	finished_at      DATETIME
);

CREATE TABLE IF NOT EXISTS match_results (
	job_id               TEXT NOT NULL REFERENCES jobs(id),
	row_number           INTEGER NOT NULL,
	original_description TEXT NOT NULL,
	original_quantity    REAL NOT NULL DEFAULT 0,
	original_unit        TEXT NOT NULL DEFAULT '',
	matched_item_id      TEXT NOT NULL DEFAULT '',
	matched_description  TEXT NOT NULL DEFAULT '',
	matched_code         TEXT NOT NULL DEFAULT '',
	matched_unit         TEXT NOT NULL DEFAULT '',
	matched_rate         REAL NOT NULL DEFAULT 0,
	confidence           REAL NOT NULL DEFAULT 0,
	method               TEXT NOT NULL,
	breakdown            TEXT,
	total_price          REAL NOT NULL DEFAULT 0,
	notes                TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, row_number)
);

CREATE INDEX IF NOT EXISTS idx_catalog_items_active ON catalog_items(active);
CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- catalog ---

// UpsertCatalogItems inserts or replaces items by id. A stored vector is
// kept unless the item carries a new one.
func (s *SQLiteStore) UpsertCatalogItems(ctx context.Context, items []model.CatalogItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_items
			(id, code, description, unit, rate, category, subcategory, keywords, embedding, embedding_provider, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			description = excluded.description,
			unit = excluded.unit,
			rate = excluded.rate,
			category = excluded.category,
			subcategory = excluded.subcategory,
			keywords = excluded.keywords,
			embedding = COALESCE(excluded.embedding, catalog_items.embedding),
			embedding_provider = CASE WHEN excluded.embedding IS NULL
				THEN catalog_items.embedding_provider ELSE excluded.embedding_provider END,
			active = excluded.active,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert catalog")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, it := range items {
		kw, err := json.Marshal(nonNil(it.Keywords))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal keywords")
		}
		var blob []byte
		if len(it.Embedding) > 0 {
			blob = encodeVector(it.Embedding)
		}
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.Code, it.Description, it.Unit, it.Rate, it.Category, it.Subcategory,
			string(kw), blob, string(it.EmbeddingProvider), it.Active, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert catalog item %s", it.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit catalog")
	}
	return len(items), nil
}

const catalogColumns = `id, code, description, unit, rate, category, subcategory, keywords, embedding, embedding_provider, active`

// ActiveCatalog returns active items in insertion order.
func (s *SQLiteStore) ActiveCatalog(ctx context.Context) ([]model.CatalogItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+catalogColumns+` FROM catalog_items WHERE active = 1 ORDER BY rowid`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query catalog")
	}
	defer rows.Close()

	var out []model.CatalogItem
	for rows.Next() {
		it, err := scanCatalogItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate catalog")
	}
	if len(out) == 0 {
		return nil, eris.Wrap(ErrNotFound, "sqlite: no active catalog items")
	}
	return out, nil
}

func (s *SQLiteStore) GetCatalogItem(ctx context.Context, id string) (model.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+catalogColumns+` FROM catalog_items WHERE id = ?`, id)
	it, err := scanCatalogItem(row)
	if isNoRows(err) {
		return model.CatalogItem{}, eris.Wrapf(ErrNotFound, "catalog item %s", id)
	}
	return it, err
}

// SaveEmbeddings stores vectors by item id in provider p's space.
func (s *SQLiteStore) SaveEmbeddings(ctx context.Context, p model.Provider, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for id, vec := range vectors {
		if _, err := tx.ExecContext(ctx,
			`UPDATE catalog_items SET embedding = ?, embedding_provider = ?, updated_at = ? WHERE id = ?`,
			encodeVector(vec), string(p), now, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save embedding %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit embeddings")
}

// --- jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.JobState) error {
	errs, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal errors")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, method, status, progress, progress_message, total_rows, item_count,
			processed_count, matched_count, error_count, errors, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, string(job.Method), string(job.Status), job.Progress, job.ProgressMessage,
		job.TotalRows, job.ItemCount, job.ProcessedCount, job.MatchedCount, job.ErrorCount, string(errs),
		job.StartedAt.UTC(), job.UpdatedAt.UTC(), job.FinishedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

// UpdateJobStatus writes status, progress and counters. A job already in
// a terminal status is left untouched and ErrTerminal is returned.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, job model.JobState) error {
	errs, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal errors")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, progress_message = ?, total_rows = ?, item_count = ?,
			processed_count = ?, matched_count = ?, error_count = ?, errors = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(job.Status), job.Progress, job.ProgressMessage, job.TotalRows, job.ItemCount,
		job.ProcessedCount, job.MatchedCount, job.ErrorCount, string(errs), time.Now().UTC(), job.FinishedAt,
		job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return eris.Wrapf(ErrTerminal, "job %s", job.ID)
}

const jobColumns = `id, user_id, method, status, progress, progress_message, total_rows, item_count,
	processed_count, matched_count, error_count, errors, started_at, updated_at, finished_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (model.JobState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if isNoRows(err) {
		return model.JobState{}, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, err
}

// ListJobs returns the newest jobs first. limit <= 0 means 100.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.JobState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.JobState
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

// --- results ---

// SaveResults upserts results by (job, row), so a retried flush never
// duplicates a row.
func (s *SQLiteStore) SaveResults(ctx context.Context, results []model.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO match_results (job_id, row_number, original_description, original_quantity, original_unit,
			matched_item_id, matched_description, matched_code, matched_unit, matched_rate, confidence,
			method, breakdown, total_price, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, row_number) DO UPDATE SET
			original_description = excluded.original_description,
			original_quantity = excluded.original_quantity,
			original_unit = excluded.original_unit,
			matched_item_id = excluded.matched_item_id,
			matched_description = excluded.matched_description,
			matched_code = excluded.matched_code,
			matched_unit = excluded.matched_unit,
			matched_rate = excluded.matched_rate,
			confidence = excluded.confidence,
			method = excluded.method,
			breakdown = excluded.breakdown,
			total_price = excluded.total_price,
			notes = excluded.notes`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save results")
	}
	defer stmt.Close()

	for _, r := range results {
		var bd sql.NullString
		if r.Breakdown != nil {
			b, err := json.Marshal(r.Breakdown)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal breakdown")
			}
			bd = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.JobID, r.RowNumber, r.OriginalDescription, r.OriginalQuantity, r.OriginalUnit,
			r.MatchedItemID, r.MatchedDescription, r.MatchedCode, r.MatchedUnit, r.MatchedRate, r.Confidence,
			string(r.Method), bd, r.TotalPrice, r.Notes,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save result %s/%d", r.JobID, r.RowNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit results")
}

const resultColumns = `job_id, row_number, original_description, original_quantity, original_unit,
	matched_item_id, matched_description, matched_code, matched_unit, matched_rate, confidence,
	method, breakdown, total_price, notes`

func (s *SQLiteStore) ListResults(ctx context.Context, jobID string) ([]model.MatchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM match_results WHERE job_id = ? ORDER BY row_number`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.MatchResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate results")
}

// UpdateResult points a stored result at item as a manual choice.
func (s *SQLiteStore) UpdateResult(ctx context.Context, jobID string, row int, item model.CatalogItem) (model.MatchResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM match_results WHERE job_id = ? AND row_number = ?`, jobID, row))
	if isNoRows(err) {
		return model.MatchResult{}, eris.Wrapf(ErrNotFound, "result %s/%d", jobID, row)
	}
	if err != nil {
		return model.MatchResult{}, err
	}
	r.ManualOverride(item)
	if err := s.SaveResults(ctx, []model.MatchResult{r}); err != nil {
		return model.MatchResult{}, err
	}
	return r, nil
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func scanCatalogItem(row scannable) (model.CatalogItem, error) {
	var (
		it       model.CatalogItem
		keywords string
		blob     []byte
		provider string
	)
	err := row.Scan(&it.ID, &it.Code, &it.Description, &it.Unit, &it.Rate, &it.Category, &it.Subcategory,
		&keywords, &blob, &provider, &it.Active)
	if err != nil {
		return it, eris.Wrap(err, "sqlite: scan catalog item")
	}
	if err := json.Unmarshal([]byte(keywords), &it.Keywords); err != nil {
		return it, eris.Wrap(err, "sqlite: unmarshal keywords")
	}
	if len(blob) > 0 {
		it.Embedding = decodeVector(blob)
		it.EmbeddingProvider = model.Provider(provider)
	}
	return it, nil
}

func scanJob(row scannable) (model.JobState, error) {
	var (
		job      model.JobState
		errs     string
		finished sql.NullTime
	)
	err := row.Scan(&job.ID, &job.UserID, &job.Method, &job.Status, &job.Progress, &job.ProgressMessage,
		&job.TotalRows, &job.ItemCount, &job.ProcessedCount, &job.MatchedCount, &job.ErrorCount, &errs,
		&job.StartedAt, &job.UpdatedAt, &finished)
	if err != nil {
		return job, eris.Wrap(err, "sqlite: scan job")
	}
	if err := json.Unmarshal([]byte(errs), &job.Errors); err != nil {
		return job, eris.Wrap(err, "sqlite: unmarshal job errors")
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func scanResult(row scannable) (model.MatchResult, error) {
	var (
		r  model.MatchResult
		bd sql.NullString
	)
	err := row.Scan(&r.JobID, &r.RowNumber, &r.OriginalDescription, &r.OriginalQuantity, &r.OriginalUnit,
		&r.MatchedItemID, &r.MatchedDescription, &r.MatchedCode, &r.MatchedUnit, &r.MatchedRate, &r.Confidence,
		&r.Method, &bd, &r.TotalPrice, &r.Notes)
	if err != nil {
		return r, eris.Wrap(err, "sqlite: scan result")
	}
	if bd.Valid && strings.TrimSpace(bd.String) != "" {
		r.Breakdown = &model.ScoreBreakdown{}
		if err := json.Unmarshal([]byte(bd.String), r.Breakdown); err != nil {
			return r, eris.Wrap(err, "sqlite: unmarshal breakdown")
		}
	}
	return r, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
