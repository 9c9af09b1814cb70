package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Arke-Institute/attestation/internal/arweave"
	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/signer"
)

// UploadResult carries per-record outcomes in signing order.
type UploadResult struct {
	// BundleTX is the container transaction id, set in bundle mode when
	// the upload succeeded.
	BundleTX string
	// Outcomes has one entry per input record, same order.
	Outcomes []models.UploadOutcome
	// PaymentRequired is set when the network refused payment; the tick
	// must not retry and the operator needs an alert.
	PaymentRequired bool
}

// Uploader ships signed records to the network and reports per-record
// outcomes. Implementations never return an error for upload failures;
// failures are encoded in the outcomes so the finalizer can settle the
// queue. An error return means no outcome could be produced at all.
type Uploader interface {
	Upload(ctx context.Context, records []*signer.Record) (*UploadResult, error)
	Mode() string
}

// Post-submit existence probe for bundle transactions. An HTTP 200 from
// the gateway does not guarantee the transaction propagated, so success
// is only reported once the status endpoint acknowledges the id.
const (
	bundleVerifyAttempts = 3
	bundleVerifyDelay    = 2 * time.Second
)

// BundleUploader packs a whole batch into one container transaction.
// The batch is all-or-nothing: one POST commits every record or none.
type BundleUploader struct {
	gateway Gateway
	wallet  *arweave.Wallet
	entropy io.Reader
	clock   clockwork.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// NewBundleUploader creates the bundle-mode uploader.
func NewBundleUploader(gateway Gateway, wallet *arweave.Wallet, entropy io.Reader, clock clockwork.Clock, timeout time.Duration, logger *slog.Logger) *BundleUploader {
	return &BundleUploader{
		gateway: gateway,
		wallet:  wallet,
		entropy: entropy,
		clock:   clock,
		timeout: timeout,
		logger:  logger,
	}
}

// Mode reports the configured upload mode label.
func (u *BundleUploader) Mode() string { return "bundle" }

// Upload packs records into a bundle, submits it as one transaction and
// post-verifies it exists on the network.
func (u *BundleUploader) Upload(ctx context.Context, records []*signer.Record) (*UploadResult, error) {
	start := u.clock.Now()
	defer func() {
		uploadDuration.WithLabelValues("bundle").Observe(u.clock.Since(start).Seconds())
	}()

	items := make([]*arweave.DataItem, len(records))
	for i, rec := range records {
		items[i] = rec.DataItem
	}

	raw, err := arweave.PackBundle(items)
	if err != nil {
		return u.allFailed(records, 0, fmt.Errorf("failed to pack bundle: %w", err)), nil
	}
	bundleSizeBytes.Observe(float64(len(raw)))

	tx, err := u.prepareTransaction(ctx, raw)
	if err != nil {
		return u.allFailed(records, 0, err), nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, u.timeout)
	err = u.gateway.SubmitTransaction(submitCtx, tx)
	cancel()
	if err != nil {
		result := u.allFailed(records, 1, fmt.Errorf("failed to submit bundle: %w", err))
		result.PaymentRequired = errors.Is(err, arweave.ErrPaymentRequired)
		return result, nil
	}

	if !u.confirmExists(ctx, tx.ID) {
		u.logger.Error("bundle transaction not visible after submit", "bundle_tx", tx.ID, "size", len(raw))
		return u.allFailed(records, 1, fmt.Errorf("bundle %s not visible on network after submit", tx.ID)), nil
	}

	u.logger.Info("bundle uploaded",
		"bundle_tx", tx.ID,
		"records", len(records),
		"size", len(raw))

	outcomes := make([]models.UploadOutcome, len(records))
	for i, rec := range records {
		outcomes[i] = models.UploadOutcome{ID: rec.ID, Success: true, Attempts: 1}
	}
	return &UploadResult{BundleTX: tx.ID, Outcomes: outcomes}, nil
}

func (u *BundleUploader) prepareTransaction(ctx context.Context, raw []byte) (*arweave.Transaction, error) {
	reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	anchor, err := u.gateway.TxAnchor(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch anchor: %w", err)
	}
	reward, err := u.gateway.Price(reqCtx, len(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price: %w", err)
	}

	tx := arweave.NewDataTransaction(raw, arweave.BundleTags(), anchor, reward)
	if err := tx.Sign(u.wallet, u.entropy); err != nil {
		return nil, fmt.Errorf("failed to sign bundle transaction: %w", err)
	}
	return tx, nil
}

// confirmExists polls the status endpoint until the gateway acknowledges
// the transaction. Accepted-but-unmined counts as existing; seeding depth
// is the verifier's concern, not the uploader's.
func (u *BundleUploader) confirmExists(ctx context.Context, id string) bool {
	for attempt := 1; attempt <= bundleVerifyAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
		status, err := u.gateway.TransactionStatus(reqCtx, id)
		cancel()

		if err == nil && status != nil {
			return true
		}
		if err != nil && !errors.Is(err, arweave.ErrTxNotFound) {
			u.logger.Warn("bundle status probe failed", "bundle_tx", id, "attempt", attempt, "error", err)
		}

		if attempt < bundleVerifyAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-u.clock.After(bundleVerifyDelay):
			}
		}
	}
	return false
}

func (u *BundleUploader) allFailed(records []*signer.Record, attempts int, err error) *UploadResult {
	outcomes := make([]models.UploadOutcome, len(records))
	for i, rec := range records {
		outcomes[i] = models.UploadOutcome{ID: rec.ID, Error: err.Error(), Attempts: attempts}
	}
	return &UploadResult{Outcomes: outcomes}
}

// DirectUploader posts each record to the bundler node individually with
// bounded concurrency. Records succeed or fail independently; the
// finalizer applies the longest-prefix rule afterwards.
type DirectUploader struct {
	gateway     Gateway
	clock       clockwork.Clock
	concurrency int
	maxRetries  int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewDirectUploader creates the direct-mode uploader.
func NewDirectUploader(gateway Gateway, clock clockwork.Clock, concurrency, maxRetries int, timeout time.Duration, logger *slog.Logger) *DirectUploader {
	return &DirectUploader{
		gateway:     gateway,
		clock:       clock,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		timeout:     timeout,
		logger:      logger,
	}
}

// Mode reports the configured upload mode label.
func (u *DirectUploader) Mode() string { return "direct" }

// directRetryBase is the first backoff delay; it doubles per attempt.
const directRetryBase = 500 * time.Millisecond

// Upload submits every record concurrently. A payment-required response
// stops further attempts across the whole batch: the wallet is shared, so
// retrying other records would only burn requests.
func (u *DirectUploader) Upload(ctx context.Context, records []*signer.Record) (*UploadResult, error) {
	start := u.clock.Now()
	defer func() {
		uploadDuration.WithLabelValues("direct").Observe(u.clock.Since(start).Seconds())
	}()

	outcomes := make([]models.UploadOutcome, len(records))
	var paymentRequired atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			outcomes[i] = u.submitItem(gctx, rec, &paymentRequired)
			return nil
		})
	}
	_ = g.Wait()

	return &UploadResult{Outcomes: outcomes, PaymentRequired: paymentRequired.Load()}, nil
}

func (u *DirectUploader) submitItem(ctx context.Context, rec *signer.Record, paymentRequired *atomic.Bool) models.UploadOutcome {
	raw, err := rec.DataItem.Encode()
	if err != nil {
		return models.UploadOutcome{ID: rec.ID, Error: fmt.Sprintf("failed to encode item: %v", err)}
	}

	outcome := models.UploadOutcome{ID: rec.ID}
	delay := directRetryBase

	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		if paymentRequired.Load() {
			outcome.Error = "aborted: payment required"
			return outcome
		}
		if err := ctx.Err(); err != nil {
			outcome.Error = err.Error()
			return outcome
		}

		outcome.Attempts = attempt

		reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
		err := u.gateway.SubmitItem(reqCtx, raw)
		cancel()

		if err == nil {
			outcome.Success = true
			outcome.Error = ""
			return outcome
		}

		outcome.Error = err.Error()
		if errors.Is(err, arweave.ErrPaymentRequired) {
			paymentRequired.Store(true)
			return outcome
		}

		if attempt < u.maxRetries {
			select {
			case <-ctx.Done():
				return outcome
			case <-u.clock.After(delay):
			}
			delay *= 2
		}
	}

	u.logger.Warn("record upload exhausted retries",
		"record_id", rec.ID,
		"entity_id", rec.Item.EntityID,
		"attempts", outcome.Attempts,
		"error", outcome.Error)
	return outcome
}

var (
	_ Uploader = (*BundleUploader)(nil)
	_ Uploader = (*DirectUploader)(nil)
)
