// Package handler provides the admin HTTP surface of the attestation writer.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/config"
	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/pkg/response"
	"github.com/Arke-Institute/attestation/internal/repository"
	"github.com/Arke-Institute/attestation/internal/service"
)

// ServiceName identifies this writer in health documents and alerts.
const ServiceName = "attestation-writer"

// Ticker is the slice of the processor the HTTP surface drives: manual
// ticks, forced batch runs and the last tick outcome.
type Ticker interface {
	Process(ctx context.Context) (*models.ProcessResult, error)
	RunBatch(ctx context.Context, chainKey string, items []*models.QueueItem, force bool) (*service.BatchReport, error)
	LastResult() *models.ProcessResult
}

var _ Ticker = (*service.Processor)(nil)

// WalletStatus reports the last known wallet balance without touching the
// network.
type WalletStatus interface {
	Cached() (service.BalanceStatus, bool)
	Address() string
}

var _ WalletStatus = (*service.BalanceGate)(nil)

// HealthDocument is the response of GET /. External monitors depend on
// this shape, so it is served bare, without the response envelope.
type HealthDocument struct {
	Status       string                `json:"status"`
	Service      string                `json:"service"`
	Version      string                `json:"version"`
	Config       HealthConfig          `json:"config"`
	Chain        HealthChain           `json:"chain"`
	Queue        *models.QueueStats    `json:"queue,omitempty"`
	Wallet       *HealthWallet         `json:"wallet,omitempty"`
	Verification *HealthVerification   `json:"verification,omitempty"`
	LastBatch    *models.ProcessResult `json:"last_batch,omitempty"`
}

// HealthConfig echoes the writer settings operators tune most often.
type HealthConfig struct {
	BatchSize           int    `json:"batch_size"`
	UploadMode          string `json:"upload_mode"`
	BundleSizeThreshold int64  `json:"bundle_size_threshold"`
	BundleTimeThreshold string `json:"bundle_time_threshold"`
	TickInterval        string `json:"tick_interval"`
}

// HealthChain reports the committed chain head.
type HealthChain struct {
	Key    string `json:"key"`
	Seq    int64  `json:"seq"`
	HeadTX string `json:"head_tx,omitempty"`
}

// HealthWallet reports the signing wallet and its last known balance.
type HealthWallet struct {
	Address   string  `json:"address"`
	BalanceAR float64 `json:"balance_ar"`
	Status    string  `json:"status"`
}

// HealthVerification summarizes seeding verification over the last day.
type HealthVerification struct {
	PendingBundles  int64 `json:"pending_bundles"`
	VerifiedLast24h int64 `json:"verified_last_24h"`
	FailedLast24h   int64 `json:"failed_last_24h"`
}

// HealthHandler serves the public health document.
type HealthHandler struct {
	cfg        *config.Config
	version    string
	processor  Ticker
	balance    WalletStatus
	queueRepo  repository.QueueRepository
	chainRepo  repository.ChainRepository
	bundleRepo repository.BundleRepository
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(
	cfg *config.Config,
	version string,
	processor Ticker,
	balance WalletStatus,
	queueRepo repository.QueueRepository,
	chainRepo repository.ChainRepository,
	bundleRepo repository.BundleRepository,
	clock clockwork.Clock,
	logger *slog.Logger,
) *HealthHandler {
	return &HealthHandler{
		cfg:        cfg,
		version:    version,
		processor:  processor,
		balance:    balance,
		queueRepo:  queueRepo,
		chainRepo:  chainRepo,
		bundleRepo: bundleRepo,
		clock:      clock,
		logger:     logger,
	}
}

// Status handles GET /. Store failures degrade the document instead of
// failing it: a monitor should still see whatever the writer knows.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	doc := HealthDocument{
		Status:  "ok",
		Service: ServiceName,
		Version: h.version,
		Config: HealthConfig{
			BatchSize:           h.cfg.Writer.BatchSize,
			UploadMode:          h.cfg.Writer.UploadMode,
			BundleSizeThreshold: h.cfg.Writer.BundleSizeThreshold,
			BundleTimeThreshold: h.cfg.Writer.BundleTimeThreshold.String(),
			TickInterval:        h.cfg.Writer.TickInterval.String(),
		},
		Chain:     HealthChain{Key: h.cfg.Writer.ChainKey},
		LastBatch: h.processor.LastResult(),
	}

	head, err := h.chainRepo.Get(ctx, h.cfg.Writer.ChainKey)
	if err != nil {
		h.logger.Warn("health: failed to read chain head", "error", err)
		doc.Status = "degraded"
	} else {
		doc.Chain.Seq = head.Seq
		doc.Chain.HeadTX = head.TXString()
	}

	stats, err := h.queueRepo.Stats(ctx)
	if err != nil {
		h.logger.Warn("health: failed to read queue stats", "error", err)
		doc.Status = "degraded"
	} else {
		doc.Queue = stats
	}

	if h.balance != nil {
		// Last cached check only; a public endpoint must not fan out to
		// the gateway on every probe.
		status, ok := h.balance.Cached()
		if ok {
			doc.Wallet = &HealthWallet{
				Address:   status.Address,
				BalanceAR: status.AR,
				Status:    string(status.Level),
			}
		} else {
			doc.Wallet = &HealthWallet{Address: h.balance.Address(), Status: string(service.BalanceUnknown)}
		}
	}

	doc.Verification = h.verification(r)

	response.Raw(w, http.StatusOK, doc)
}

func (h *HealthHandler) verification(r *http.Request) *HealthVerification {
	ctx := r.Context()
	since := h.clock.Now().Add(-24 * time.Hour)

	pending, err := h.bundleRepo.CountPending(ctx)
	if err != nil {
		h.logger.Warn("health: failed to count pending bundles", "error", err)
		return nil
	}
	verified, err := h.bundleRepo.CountVerifiedSince(ctx, since)
	if err != nil {
		h.logger.Warn("health: failed to count verified bundles", "error", err)
		return nil
	}
	failed, err := h.bundleRepo.CountFailedSince(ctx, since)
	if err != nil {
		h.logger.Warn("health: failed to count failed bundles", "error", err)
		return nil
	}

	return &HealthVerification{
		PendingBundles:  pending,
		VerifiedLast24h: verified,
		FailedLast24h:   failed,
	}
}
