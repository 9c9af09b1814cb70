package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/config"
	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/repository"
)

// VerifyResult summarizes one verification sweep.
type VerifyResult struct {
	Checked   int   `json:"checked"`
	Verified  int   `json:"verified"`
	Failed    int   `json:"failed"`
	Requeued  int   `json:"requeued"`
	Pruned    int64 `json:"pruned"`
	StillWait int   `json:"still_waiting"`
}

// Verifier confirms that uploaded bundles actually seed across the
// network. A gateway can accept a transaction and still lose it before
// mining; bundles that miss the seeding deadline get their records
// re-queued so the chain heals itself.
type Verifier struct {
	bundleRepo repository.BundleRepository
	queueRepo  repository.QueueRepository
	gateway    Gateway
	alerter    Alerter
	cfg        config.VerifyConfig
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(
	bundleRepo repository.BundleRepository,
	queueRepo repository.QueueRepository,
	gateway Gateway,
	alerter Alerter,
	cfg config.VerifyConfig,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Verifier {
	return &Verifier{
		bundleRepo: bundleRepo,
		queueRepo:  queueRepo,
		gateway:    gateway,
		alerter:    alerter,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
	}
}

// Verify runs one sweep: prune resolved bundles past the retention
// window, then check every pending bundle older than the grace period.
func (v *Verifier) Verify(ctx context.Context) (*VerifyResult, error) {
	now := v.clock.Now()
	result := &VerifyResult{}

	pruned, err := v.bundleRepo.Prune(ctx, now.Add(-v.cfg.RetentionWindow))
	if err != nil {
		v.logger.Warn("failed to prune resolved bundles", "error", err)
	}
	result.Pruned = pruned

	bundles, err := v.bundleRepo.ListPending(ctx, now.Add(-v.cfg.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bundles: %w", err)
	}

	for _, bundle := range bundles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		switch v.checkBundle(ctx, bundle, now) {
		case bundleVerified:
			result.Verified++
		case bundleFailed:
			result.Failed++
			result.Requeued += v.requeue(ctx, bundle)
		default:
			result.StillWait++
		}
	}

	if result.Checked > 0 {
		v.logger.Info("seeding sweep complete",
			"checked", result.Checked,
			"verified", result.Verified,
			"failed", result.Failed,
			"requeued", result.Requeued,
			"waiting", result.StillWait)
	}
	return result, nil
}

type bundleCheckOutcome int

const (
	bundleWaiting bundleCheckOutcome = iota
	bundleVerified
	bundleFailed
)

// checkBundle resolves the seeding state of one bundle. Status-endpoint
// errors count as still-pending: the deadline, not the probe, decides
// failure.
func (v *Verifier) checkBundle(ctx context.Context, bundle *models.TrackedBundle, now time.Time) bundleCheckOutcome {
	status, err := v.gateway.TransactionStatus(ctx, bundle.BundleTX)
	if err == nil && status.Confirmations >= 1 {
		if err := v.bundleRepo.MarkVerified(ctx, bundle.BundleTX); err != nil {
			v.logger.Error("failed to mark bundle verified", "bundle_tx", bundle.BundleTX, "error", err)
			return bundleWaiting
		}
		bundlesVerifiedTotal.Inc()
		v.logger.Info("bundle seeded",
			"bundle_tx", bundle.BundleTX,
			"items", bundle.ItemCount,
			"confirmations", status.Confirmations)
		return bundleVerified
	}
	if err != nil {
		v.logger.Warn("bundle status probe failed", "bundle_tx", bundle.BundleTX, "error", err)
	}

	if bundle.Age(now) < v.cfg.SeedTimeout {
		if err := v.bundleRepo.IncrementCheck(ctx, bundle.BundleTX); err != nil {
			v.logger.Warn("failed to bump bundle check count", "bundle_tx", bundle.BundleTX, "error", err)
		}
		return bundleWaiting
	}

	if err := v.bundleRepo.MarkFailed(ctx, bundle.BundleTX); err != nil {
		v.logger.Error("failed to mark bundle failed", "bundle_tx", bundle.BundleTX, "error", err)
		return bundleWaiting
	}
	bundlesSeedFailedTotal.Inc()
	return bundleFailed
}

// requeue re-inserts every record of a failed bundle as a fresh pending
// row. Enqueue deduplicates on (entity_id, cid), so records that were
// already re-queued by a producer are skipped.
func (v *Verifier) requeue(ctx context.Context, bundle *models.TrackedBundle) int {
	requeued := 0
	for _, item := range bundle.Items {
		inserted, err := v.queueRepo.Enqueue(ctx, &models.QueueItem{
			EntityID: item.EntityID,
			CID:      item.CID,
			Op:       models.OpUpdate,
			Vis:      models.VisPublic,
			TS:       v.clock.Now().UTC(),
		})
		if err != nil {
			v.logger.Error("failed to re-queue record from failed bundle",
				"bundle_tx", bundle.BundleTX,
				"entity_id", item.EntityID,
				"error", err)
			continue
		}
		if inserted {
			requeued++
		}
	}

	v.alerter.Send(ctx, alert.Alert{
		Title:    "bundle failed to seed",
		Detail:   fmt.Sprintf("bundle %s missed the seeding deadline; its records were re-queued", bundle.BundleTX),
		Severity: alert.SeverityError,
		Fields: map[string]string{
			"bundle_tx": bundle.BundleTX,
			"items":     strconv.Itoa(bundle.ItemCount),
			"requeued":  strconv.Itoa(requeued),
			"checks":    strconv.Itoa(bundle.CheckCount),
		},
	})

	v.logger.Error("bundle missed seeding deadline, records re-queued",
		"bundle_tx", bundle.BundleTX,
		"items", bundle.ItemCount,
		"requeued", requeued)
	return requeued
}
