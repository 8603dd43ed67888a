package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// ContractRecordStore keeps the history of every contract written to the
// settings registry.
type ContractRecordStore struct {
	pool *pgxpool.Pool
}

// NewContractRecordStore creates a new ContractRecordStore backed by the given connection pool.
func NewContractRecordStore(pool *pgxpool.Pool) *ContractRecordStore {
	return &ContractRecordStore{pool: pool}
}

// Record appends rec.
func (s *ContractRecordStore) Record(ctx context.Context, stage domain.Stage, layer domain.Layer, rec domain.ContractRecord) error {
	const query = `
		INSERT INTO contract_records (stage, layer, name, address, implementation, fully_qualified)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, string(stage), string(layer), rec.Name, rec.Address, rec.Implementation, rec.FullyQualified)
	if err != nil {
		return fmt.Errorf("postgres: record contract %s: %w", rec.Name, err)
	}
	return nil
}

// History returns every record of name, newest first.
func (s *ContractRecordStore) History(ctx context.Context, stage domain.Stage, layer domain.Layer, name string) ([]domain.ContractRecord, error) {
	const query = `
		SELECT name, address, implementation, fully_qualified, recorded_at
		FROM contract_records
		WHERE stage = $1 AND layer = $2 AND name = $3
		ORDER BY recorded_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query, string(stage), string(layer), name)
	if err != nil {
		return nil, fmt.Errorf("postgres: contract history %s: %w", name, err)
	}
	defer rows.Close()

	var out []domain.ContractRecord
	for rows.Next() {
		var rec domain.ContractRecord
		if err := rows.Scan(&rec.Name, &rec.Address, &rec.Implementation, &rec.FullyQualified, &rec.DeployedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan contract record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: contract history rows: %w", err)
	}
	return out, nil
}
