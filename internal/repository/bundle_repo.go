package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arke-Institute/attestation/internal/models"
)

// BundleRepository defines the interface for tracked bundle operations.
type BundleRepository interface {
	Track(ctx context.Context, bundle *models.TrackedBundle) error
	ListPending(ctx context.Context, uploadedBefore time.Time) ([]*models.TrackedBundle, error)
	IncrementCheck(ctx context.Context, bundleTX string) error
	MarkVerified(ctx context.Context, bundleTX string) error
	MarkFailed(ctx context.Context, bundleTX string) error
	Prune(ctx context.Context, uploadedBefore time.Time) (int64, error)
	List(ctx context.Context, limit int) ([]*models.TrackedBundle, error)
	CountPending(ctx context.Context) (int64, error)
	CountVerifiedSince(ctx context.Context, since time.Time) (int64, error)
	CountFailedSince(ctx context.Context, since time.Time) (int64, error)
}

type bundleRepo struct {
	pool *pgxpool.Pool
}

// NewBundleRepository creates a new tracked bundle repository.
func NewBundleRepository(pool *pgxpool.Pool) BundleRepository {
	return &bundleRepo{pool: pool}
}

// Track registers an uploaded bundle for seeding verification.
func (r *bundleRepo) Track(ctx context.Context, bundle *models.TrackedBundle) error {
	items, err := json.Marshal(bundle.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle items: %w", err)
	}

	query := `
		INSERT INTO tracked_bundles (bundle_tx, items, item_count, uploaded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bundle_tx) DO NOTHING`

	_, err = r.pool.Exec(ctx, query, bundle.BundleTX, items, bundle.ItemCount, bundle.UploadedAt)
	return err
}

// ListPending returns unresolved bundles uploaded before the cutoff,
// oldest first.
func (r *bundleRepo) ListPending(ctx context.Context, uploadedBefore time.Time) ([]*models.TrackedBundle, error) {
	query := `
		SELECT bundle_tx, items, item_count, uploaded_at, check_count, verified_at, failed_at
		FROM tracked_bundles
		WHERE verified_at IS NULL AND failed_at IS NULL AND uploaded_at < $1
		ORDER BY uploaded_at ASC`

	return r.queryBundles(ctx, query, uploadedBefore)
}

// IncrementCheck records one more unresolved status poll.
func (r *bundleRepo) IncrementCheck(ctx context.Context, bundleTX string) error {
	query := `UPDATE tracked_bundles SET check_count = check_count + 1 WHERE bundle_tx = $1`
	_, err := r.pool.Exec(ctx, query, bundleTX)
	return err
}

// MarkVerified resolves a bundle as seeded.
func (r *bundleRepo) MarkVerified(ctx context.Context, bundleTX string) error {
	query := `
		UPDATE tracked_bundles
		SET verified_at = now(), check_count = check_count + 1
		WHERE bundle_tx = $1 AND verified_at IS NULL AND failed_at IS NULL`
	_, err := r.pool.Exec(ctx, query, bundleTX)
	return err
}

// MarkFailed resolves a bundle as never seeded.
func (r *bundleRepo) MarkFailed(ctx context.Context, bundleTX string) error {
	query := `
		UPDATE tracked_bundles
		SET failed_at = now(), check_count = check_count + 1
		WHERE bundle_tx = $1 AND verified_at IS NULL AND failed_at IS NULL`
	_, err := r.pool.Exec(ctx, query, bundleTX)
	return err
}

// Prune drops resolved bundles older than the retention window.
func (r *bundleRepo) Prune(ctx context.Context, uploadedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM tracked_bundles
		WHERE uploaded_at < $1 AND (verified_at IS NOT NULL OR failed_at IS NOT NULL)`

	tag, err := r.pool.Exec(ctx, query, uploadedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// List returns the most recently uploaded bundles, any state.
func (r *bundleRepo) List(ctx context.Context, limit int) ([]*models.TrackedBundle, error) {
	query := `
		SELECT bundle_tx, items, item_count, uploaded_at, check_count, verified_at, failed_at
		FROM tracked_bundles
		ORDER BY uploaded_at DESC
		LIMIT $1`

	return r.queryBundles(ctx, query, limit)
}

// CountPending counts unresolved bundles.
func (r *bundleRepo) CountPending(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM tracked_bundles WHERE verified_at IS NULL AND failed_at IS NULL`
	var n int64
	err := r.pool.QueryRow(ctx, query).Scan(&n)
	return n, err
}

// CountVerifiedSince counts bundles verified after the given time.
func (r *bundleRepo) CountVerifiedSince(ctx context.Context, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM tracked_bundles WHERE verified_at >= $1`
	var n int64
	err := r.pool.QueryRow(ctx, query, since).Scan(&n)
	return n, err
}

// CountFailedSince counts bundles failed after the given time.
func (r *bundleRepo) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM tracked_bundles WHERE failed_at >= $1`
	var n int64
	err := r.pool.QueryRow(ctx, query, since).Scan(&n)
	return n, err
}

func (r *bundleRepo) queryBundles(ctx context.Context, query string, args ...any) ([]*models.TrackedBundle, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []*models.TrackedBundle
	for rows.Next() {
		var b models.TrackedBundle
		var items []byte
		if err := rows.Scan(
			&b.BundleTX,
			&items,
			&b.ItemCount,
			&b.UploadedAt,
			&b.CheckCount,
			&b.VerifiedAt,
			&b.FailedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &b.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bundle items for %s: %w", b.BundleTX, err)
		}
		bundles = append(bundles, &b)
	}
	return bundles, rows.Err()
}

var _ BundleRepository = (*bundleRepo)(nil)
