// Package runs keeps a history of index and continuity runs in Postgres so
// authors can see how a manuscript's continuity evolved over time.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Score      *int            `json:"score,omitempty"`
	Status     string          `json:"status,omitempty"`
	Incomplete bool            `json:"incomplete"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, run *Run) error {
	query := `INSERT INTO runs (kind, score, status, incomplete, detail) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	var score sql.NullInt64
	if run.Score != nil {
		score = sql.NullInt64{Int64: int64(*run.Score), Valid: true}
	}
	var status sql.NullString
	if run.Status != "" {
		status = sql.NullString{String: run.Status, Valid: true}
	}
	return r.db.QueryRowContext(ctx, query, run.Kind, score, status, run.Incomplete, run.Detail).
		Scan(&run.ID, &run.CreatedAt)
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, kind, score, status, incomplete, detail, created_at FROM runs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Run, error) {
	query := `SELECT id, kind, score, status, incomplete, detail, created_at FROM runs WHERE id = $1`
	return scanRun(r.db.QueryRowContext(ctx, query, id).Scan)
}

func scanRun(scan func(...interface{}) error) (*Run, error) {
	var (
		run    Run
		score  sql.NullInt64
		status sql.NullString
		detail []byte
	)
	if err := scan(&run.ID, &run.Kind, &score, &status, &run.Incomplete, &detail, &run.CreatedAt); err != nil {
		return nil, err
	}
	if score.Valid {
		v := int(score.Int64)
		run.Score = &v
	}
	run.Status = status.String
	run.Detail = detail
	return &run, nil
}

type Repo interface {
	Save(ctx context.Context, run *Run) error
	List(ctx context.Context, limit int) ([]Run, error)
	Get(ctx context.Context, id string) (*Run, error)
}

type Service struct {
	repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

// RecordRun persists one run outcome. A negative score is stored as NULL,
// which index runs use since they have no continuity score. Persistence
// failures are logged and swallowed so history never blocks a request.
func (s *Service) RecordRun(ctx context.Context, kind string, score int, status string, incomplete bool, detail interface{}) {
	body, err := json.Marshal(detail)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal run detail", "kind", kind, "error", err)
		body = nil
	}

	run := &Run{Kind: kind, Status: status, Incomplete: incomplete, Detail: body}
	if score >= 0 {
		run.Score = &score
	}
	if err := s.repo.Save(ctx, run); err != nil {
		slog.ErrorContext(ctx, "failed to record run", "kind", kind, "error", err)
		return
	}
	slog.DebugContext(ctx, "run recorded", "kind", kind, "id", run.ID)
}

func (s *Service) List(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.repo.List(ctx, limit)
}

func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	return s.repo.Get(ctx, id)
}
