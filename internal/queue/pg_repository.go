package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry

	err := row.Scan(
		&e.ID,
		&e.AppointmentID,
		&e.PatientID,
		&e.PoolKey,
		&e.Position,
		&e.EstimatedWaitMinutes,
		&e.Status,
		&e.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	return &e, nil
}

func (r *PgRepository) LoadPool(ctx context.Context, poolKey string) ([]Entry, int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx, `
		SELECT version
		FROM queue_pools
		WHERE pool_key = $1
	`, poolKey).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("load pool version: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, patient_id, pool_key, position, estimated_wait_minutes, status, joined_at
		FROM queue_entries
		WHERE pool_key = $1
		ORDER BY position
	`, poolKey)
	if err != nil {
		return nil, 0, fmt.Errorf("load pool entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return entries, version, nil
}

// SavePool replaces the stored pool in one transaction. The version guard
// rejects a write that would move the pool backwards.
func (r *PgRepository) SavePool(ctx context.Context, snap PoolSnapshot) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save pool tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_pools (pool_key, version, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (pool_key) DO UPDATE
		SET version = EXCLUDED.version,
		    updated_at = now()
		WHERE queue_pools.version < EXCLUDED.version
	`, snap.PoolKey, snap.Version)
	if err != nil {
		return fmt.Errorf("upsert pool version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE pool_key = $1`, snap.PoolKey); err != nil {
		return fmt.Errorf("clear pool entries: %w", err)
	}

	batch := &pgx.Batch{}
	for _, e := range snap.Entries {
		batch.Queue(`
			INSERT INTO queue_entries (id, appointment_id, patient_id, pool_key, position, estimated_wait_minutes, status, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.ID, e.AppointmentID, e.PatientID, snap.PoolKey, e.Position, e.EstimatedWaitMinutes, e.Status, e.JoinedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert pool entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save pool tx: %w", err)
	}
	return nil
}

func (r *PgRepository) ListPools(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT pool_key FROM queue_pools ORDER BY pool_key`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
