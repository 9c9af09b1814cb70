package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arke-Institute/attestation/internal/models"
)

// statementChunkSize bounds how many ids a single statement touches.
const statementChunkSize = 50

// QueueRepository defines the interface for attestation queue operations.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *models.QueueItem) (bool, error)
	FetchPending(ctx context.Context, limit int) ([]*models.QueueItem, error)
	MarkSigning(ctx context.Context, ids []int64) (int64, error)
	Delete(ctx context.Context, ids []int64) error
	Defer(ctx context.Context, ids []int64, reason string) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	RevertToPending(ctx context.Context, id int64, errMsg string, maxRetries int) error
	ResetStuck(ctx context.Context, olderThan time.Time) (int64, error)
	ResetFailedUnderLimit(ctx context.Context, maxRetries int) (int64, error)
	ListAbandoned(ctx context.Context, maxRetries int, limit int) ([]*models.QueueItem, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

type queueRepo struct {
	pool *pgxpool.Pool
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(pool *pgxpool.Pool) QueueRepository {
	return &queueRepo{pool: pool}
}

// Enqueue inserts a pending row. Duplicate (entity_id, cid) pairs are
// ignored so re-queues stay idempotent; returns false when skipped.
func (r *queueRepo) Enqueue(ctx context.Context, item *models.QueueItem) (bool, error) {
	query := `
		INSERT INTO attestation_queue (entity_id, cid, op, vis, ts, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (entity_id, cid) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		item.EntityID,
		item.CID,
		item.Op,
		item.Vis,
		item.TS,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	item.Status = models.StatusPending
	return true, nil
}

// FetchPending returns up to limit pending rows, oldest first.
func (r *queueRepo) FetchPending(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	query := `
		SELECT id, entity_id, cid, op, vis, ts, status, retry_count, error_message, created_at, updated_at
		FROM attestation_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		if err := rows.Scan(
			&item.ID,
			&item.EntityID,
			&item.CID,
			&item.Op,
			&item.Vis,
			&item.TS,
			&item.Status,
			&item.RetryCount,
			&item.ErrorMessage,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// MarkSigning locks pending rows for a batch. Only rows still pending
// transition, so a concurrent tick cannot steal them.
func (r *queueRepo) MarkSigning(ctx context.Context, ids []int64) (int64, error) {
	query := `
		UPDATE attestation_queue
		SET status = 'signing', updated_at = now()
		WHERE id = ANY($1) AND status = 'pending'`

	var total int64
	for _, chunk := range chunkIDs(ids, statementChunkSize) {
		tag, err := r.pool.Exec(ctx, query, chunk)
		if err != nil {
			return total, fmt.Errorf("failed to mark signing: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// Delete removes rows whose records were committed.
func (r *queueRepo) Delete(ctx context.Context, ids []int64) error {
	query := `DELETE FROM attestation_queue WHERE id = ANY($1)`

	for _, chunk := range chunkIDs(ids, statementChunkSize) {
		if _, err := r.pool.Exec(ctx, query, chunk); err != nil {
			return fmt.Errorf("failed to delete queue rows: %w", err)
		}
	}
	return nil
}

// Defer returns signed-but-unsent rows to pending without a retry
// penalty. Used when bundle thresholds are not met yet.
func (r *queueRepo) Defer(ctx context.Context, ids []int64, reason string) error {
	query := `
		UPDATE attestation_queue
		SET status = 'pending', error_message = $2, updated_at = now()
		WHERE id = ANY($1)`

	for _, chunk := range chunkIDs(ids, statementChunkSize) {
		if _, err := r.pool.Exec(ctx, query, chunk, reason); err != nil {
			return fmt.Errorf("failed to defer queue rows: %w", err)
		}
	}
	return nil
}

// MarkFailed parks a row in failed state without consuming a retry.
// Used for unrecoverable conditions like a missing manifest.
func (r *queueRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE attestation_queue
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, errMsg)
	return err
}

// RevertToPending sends a failed upload back for another attempt,
// consuming one retry. At maxRetries the row parks in failed instead.
func (r *queueRepo) RevertToPending(ctx context.Context, id int64, errMsg string, maxRetries int) error {
	query := `
		UPDATE attestation_queue
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		    error_message = $2,
		    updated_at = now()
		WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, errMsg, maxRetries)
	return err
}

// ResetStuck reclaims rows abandoned mid-flight by a dead or overrun
// tick. Rows in signing or uploading older than the threshold go back
// to pending.
func (r *queueRepo) ResetStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE attestation_queue
		SET status = 'pending', updated_at = now()
		WHERE status IN ('signing', 'uploading') AND updated_at < $1`

	tag, err := r.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetFailedUnderLimit gives failed rows below the retry cap another
// chance. Rows at the cap stay failed for forensic inspection.
func (r *queueRepo) ResetFailedUnderLimit(ctx context.Context, maxRetries int) (int64, error) {
	query := `
		UPDATE attestation_queue
		SET status = 'pending', updated_at = now()
		WHERE status = 'failed' AND retry_count < $1`

	tag, err := r.pool.Exec(ctx, query, maxRetries)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListAbandoned returns failed rows at or over the retry cap.
func (r *queueRepo) ListAbandoned(ctx context.Context, maxRetries int, limit int) ([]*models.QueueItem, error) {
	query := `
		SELECT id, entity_id, cid, op, vis, ts, status, retry_count, error_message, created_at, updated_at
		FROM attestation_queue
		WHERE status = 'failed' AND retry_count >= $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		if err := rows.Scan(
			&item.ID,
			&item.EntityID,
			&item.CID,
			&item.Op,
			&item.Vis,
			&item.TS,
			&item.Status,
			&item.RetryCount,
			&item.ErrorMessage,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Stats returns row counts by status.
func (r *queueRepo) Stats(ctx context.Context) (*models.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status IN ('signing', 'uploading')),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		FROM attestation_queue`

	var stats models.QueueStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// chunkIDs splits ids into statement-sized groups, preserving order.
func chunkIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for size < len(ids) {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	return append(chunks, ids)
}

var _ QueueRepository = (*queueRepo)(nil)
