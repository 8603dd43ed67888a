package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given connection pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

const checkpointColumns = `stage, migration_id, run_id, steps_done, total_steps, last_step, status, error, updated_at`

func scanCheckpoint(row pgx.Row) (domain.MigrationCheckpoint, error) {
	var cp domain.MigrationCheckpoint
	var stage, status string
	err := row.Scan(&stage, &cp.MigrationID, &cp.RunID, &cp.StepsDone, &cp.TotalSteps,
		&cp.LastStep, &status, &cp.Error, &cp.UpdatedAt)
	cp.Stage = domain.Stage(stage)
	cp.Status = domain.CheckpointStatus(status)
	return cp, err
}

// Get returns the checkpoint of one migration, or domain.ErrNotFound.
func (s *CheckpointStore) Get(ctx context.Context, stage domain.Stage, migrationID string) (domain.MigrationCheckpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM migration_checkpoints WHERE stage = $1 AND migration_id = $2`
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, string(stage), migrationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MigrationCheckpoint{}, domain.ErrNotFound
		}
		return domain.MigrationCheckpoint{}, fmt.Errorf("postgres: get checkpoint %s/%s: %w", stage, migrationID, err)
	}
	return cp, nil
}

// Save upserts a checkpoint keyed by stage and migration.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.MigrationCheckpoint) error {
	const query = `
		INSERT INTO migration_checkpoints (stage, migration_id, run_id, steps_done, total_steps, last_step, status, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (stage, migration_id) DO UPDATE SET
			run_id      = EXCLUDED.run_id,
			steps_done  = EXCLUDED.steps_done,
			total_steps = EXCLUDED.total_steps,
			last_step   = EXCLUDED.last_step,
			status      = EXCLUDED.status,
			error       = EXCLUDED.error,
			updated_at  = NOW()`
	_, err := s.pool.Exec(ctx, query, string(cp.Stage), cp.MigrationID, cp.RunID, cp.StepsDone,
		cp.TotalSteps, cp.LastStep, string(cp.Status), cp.Error)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint %s/%s: %w", cp.Stage, cp.MigrationID, err)
	}
	return nil
}

// List returns every checkpoint of a stage ordered by migration id.
func (s *CheckpointStore) List(ctx context.Context, stage domain.Stage) ([]domain.MigrationCheckpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM migration_checkpoints WHERE stage = $1 ORDER BY migration_id`
	rows, err := s.pool.Query(ctx, query, string(stage))
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints %s: %w", stage, err)
	}
	defer rows.Close()

	var out []domain.MigrationCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints rows: %w", err)
	}
	return out, nil
}
