package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iamcos/labrunner/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Archive keeps aged terminal jobs in Postgres after retention cleanup
// removes them from the state document.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive creates a pooled connection to Postgres.
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (a *Archive) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := a.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ArchiveJob inserts one terminal job, keeping the full record as JSONB.
// Re-archiving the same id is a no-op.
func (a *Archive) ArchiveJob(ctx context.Context, job *models.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO archived_jobs (id, server, script_id, market, account_id, status,
			created_at, started_at, completed_at, error, progress, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Server, job.ScriptID, job.Market, job.AccountID, string(job.Status),
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.Error, job.Progress, record)
	if err != nil {
		return fmt.Errorf("insert archived job %s: %w", job.ID, err)
	}
	return nil
}

// CountArchived returns how many jobs the archive holds for a server.
func (a *Archive) CountArchived(ctx context.Context, server string) (int64, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM archived_jobs WHERE server = $1
	`, server).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived jobs: %w", err)
	}
	return n, nil
}
