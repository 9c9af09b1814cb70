// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arke-Institute/attestation/internal/models"
)

// ErrHeadConflict is returned when an update would rewind a chain head.
// A single-writer deployment never hits this; it is the backstop that
// keeps a misconfigured second writer from corrupting the sequence.
var ErrHeadConflict = errors.New("repository: chain head update would rewind seq")

// ChainRepository defines the interface for chain head operations.
type ChainRepository interface {
	Get(ctx context.Context, key string) (*models.ChainHead, error)
	Update(ctx context.Context, key, tx, cid string, seq int64) (*models.ChainHead, error)
	Reset(ctx context.Context, key string) error
}

type chainRepo struct {
	pool *pgxpool.Pool
}

// NewChainRepository creates a new chain head repository.
func NewChainRepository(pool *pgxpool.Pool) ChainRepository {
	return &chainRepo{pool: pool}
}

// Get retrieves the head for a chain key. A chain with no committed
// records reads as the genesis head {nil, nil, 0}.
func (r *chainRepo) Get(ctx context.Context, key string) (*models.ChainHead, error) {
	query := `
		SELECT key, tx, cid, seq, updated_at
		FROM chain_state WHERE key = $1`

	var head models.ChainHead
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&head.Key,
		&head.TX,
		&head.CID,
		&head.Seq,
		&head.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenesisHead(key), nil
	}
	if err != nil {
		return nil, err
	}
	return &head, nil
}

// Update upserts the head pointer. The row lock on the upsert makes the
// write linearizable; updates that would decrease seq are rejected.
func (r *chainRepo) Update(ctx context.Context, key, tx, cid string, seq int64) (*models.ChainHead, error) {
	query := `
		INSERT INTO chain_state (key, tx, cid, seq, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
		SET tx = EXCLUDED.tx, cid = EXCLUDED.cid, seq = EXCLUDED.seq, updated_at = now()
		WHERE chain_state.seq <= EXCLUDED.seq
		RETURNING key, tx, cid, seq, updated_at`

	var head models.ChainHead
	err := r.pool.QueryRow(ctx, query, key, tx, cid, seq).Scan(
		&head.Key,
		&head.TX,
		&head.CID,
		&head.Seq,
		&head.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHeadConflict
	}
	if err != nil {
		return nil, err
	}
	return &head, nil
}

// Reset returns a chain to genesis. Operator action only.
func (r *chainRepo) Reset(ctx context.Context, key string) error {
	query := `
		INSERT INTO chain_state (key, tx, cid, seq, updated_at)
		VALUES ($1, NULL, NULL, 0, now())
		ON CONFLICT (key) DO UPDATE
		SET tx = NULL, cid = NULL, seq = 0, updated_at = now()`

	_, err := r.pool.Exec(ctx, query, key)
	return err
}

var _ ChainRepository = (*chainRepo)(nil)
