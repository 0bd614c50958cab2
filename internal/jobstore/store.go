package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/narrolabs/narro-core/internal/config"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a persisted conversion job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConverting Status = "converting"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("job not found")

// JobRecord is the observable record of one conversion request.
type JobRecord struct {
	ID          string    `json:"id"`
	SourceName  string    `json:"source_name"`
	Language    string    `json:"language"`
	TextLength  int       `json:"text_length"`
	Status      Status    `json:"status"`
	Artifact    string    `json:"artifact,omitempty"`
	Error       string    `json:"error,omitempty"`
	ChunksDone  int       `json:"chunks_done"`
	ChunksTotal int       `json:"chunks_total"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store wraps a SQLite-backed record of conversion jobs.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    source_name TEXT,
    language TEXT,
    text_length INTEGER,
    status TEXT NOT NULL,
    artifact TEXT,
    error TEXT,
    chunks_done INTEGER,
    chunks_total INTEGER,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert writes the full record, preserving created_at for existing rows.
func (s *Store) Upsert(ctx context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return errors.New("job id must not be empty")
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, source_name, language, text_length, status, artifact, error, chunks_done, chunks_total, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    source_name=excluded.source_name,
		    language=excluded.language,
		    text_length=excluded.text_length,
		    status=excluded.status,
		    artifact=excluded.artifact,
		    error=excluded.error,
		    chunks_done=excluded.chunks_done,
		    chunks_total=excluded.chunks_total,
		    updated_at=excluded.updated_at`,
		rec.ID, rec.SourceName, rec.Language, rec.TextLength, string(rec.Status),
		rec.Artifact, rec.Error, rec.ChunksDone, rec.ChunksTotal,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

// Get retrieves one job record by id.
func (s *Store) Get(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_name, language, text_length, status, artifact, error, chunks_done, chunks_total, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return rec, err
}

// List retrieves up to limit records ordered by most recent update.
func (s *Store) List(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_name, language, text_length, status, artifact, error, chunks_done, chunks_total, created_at, updated_at
		 FROM jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var status, created, updated string
	if err := row.Scan(&rec.ID, &rec.SourceName, &rec.Language, &rec.TextLength, &status,
		&rec.Artifact, &rec.Error, &rec.ChunksDone, &rec.ChunksTotal, &created, &updated); err != nil {
		return JobRecord{}, err
	}
	rec.Status = Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE updated_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure pings the handle so readiness checks can observe store health.
func (s *Store) Ensure() error {
	if s == nil || s.db == nil {
		return errors.New("job store not open")
	}
	return s.db.Ping()
}
