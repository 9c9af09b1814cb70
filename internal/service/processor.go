package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/config"
	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/repository"
	"github.com/Arke-Institute/attestation/internal/signer"
)

// ErrTickInFlight is returned when a tick is requested while another one
// is still running, either in this process or in another writer replica.
var ErrTickInFlight = errors.New("service: a processing tick is already running")

// manifestFetchLimit caps concurrent manifest reads per batch.
const manifestFetchLimit = 16

// manifestFailedMessage marks rows whose manifest cannot ever resolve.
const manifestFailedMessage = "manifest missing or invalid in content store"

// Bundle container framing costs: a 32-byte item count plus a 64-byte
// (size, id) header per item.
const (
	bundleHeaderBytes      = 32
	bundleEntryHeaderBytes = 64
)

// BatchSigner signs a fetched batch against the chain head.
type BatchSigner interface {
	SignBatch(ctx context.Context, head *models.ChainHead, inputs []signer.Input) ([]*signer.Record, error)
}

var _ BatchSigner = (*signer.Signer)(nil)

// Locker is the distributed tick lock guarding against concurrent writer
// replicas.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// BatchRecordReport details one record of an admin-triggered batch run.
type BatchRecordReport struct {
	EntityID string `json:"entity_id"`
	CID      string `json:"cid"`
	RecordID string `json:"record_id,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// BatchReport is the detailed outcome of RunBatch, consumed by the admin
// test endpoints.
type BatchReport struct {
	Result   models.ProcessResult `json:"result"`
	BundleTX string               `json:"bundle_tx,omitempty"`
	HeadSeq  int64                `json:"head_seq"`
	Records  []BatchRecordReport  `json:"records"`
}

// Processor drives one tick of the write pipeline: reclaim stuck rows,
// gate on balance, fetch and sign pending rows, upload and finalize.
type Processor struct {
	cfg       config.WriterConfig
	queueRepo repository.QueueRepository
	chainRepo repository.ChainRepository
	manifests repository.ManifestSource
	signer    BatchSigner
	uploader  Uploader
	finalizer *Finalizer
	balance   *BalanceGate
	alerter   Alerter
	lock      Locker
	clock     clockwork.Clock
	logger    *slog.Logger

	// mu serializes ticks within this process; the distributed lock
	// covers other replicas.
	mu         sync.Mutex
	lastResult atomic.Pointer[models.ProcessResult]
}

// NewProcessor creates a Processor.
func NewProcessor(
	cfg config.WriterConfig,
	queueRepo repository.QueueRepository,
	chainRepo repository.ChainRepository,
	manifests repository.ManifestSource,
	batchSigner BatchSigner,
	uploader Uploader,
	finalizer *Finalizer,
	balance *BalanceGate,
	alerter Alerter,
	lock Locker,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		cfg:       cfg,
		queueRepo: queueRepo,
		chainRepo: chainRepo,
		manifests: manifests,
		signer:    batchSigner,
		uploader:  uploader,
		finalizer: finalizer,
		balance:   balance,
		alerter:   alerter,
		lock:      lock,
		clock:     clock,
		logger:    logger,
	}
}

// LastResult returns the outcome of the most recent completed tick, or
// nil before the first one.
func (p *Processor) LastResult() *models.ProcessResult {
	return p.lastResult.Load()
}

// Process runs one tick. Overlapping calls return ErrTickInFlight instead
// of queueing: the next scheduled tick picks up whatever is pending.
func (p *Processor) Process(ctx context.Context) (*models.ProcessResult, error) {
	if !p.mu.TryLock() {
		ticksSkippedTotal.Inc()
		return nil, ErrTickInFlight
	}
	defer p.mu.Unlock()

	acquired, err := p.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tick lock: %w", err)
	}
	if !acquired {
		ticksSkippedTotal.Inc()
		return nil, ErrTickInFlight
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.lock.Release(releaseCtx)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.MaxProcessTime)
	defer cancel()

	start := p.clock.Now()
	result, err := p.tick(ctx)
	if err != nil {
		return nil, err
	}

	result.DurationMS = p.clock.Since(start).Milliseconds()
	p.lastResult.Store(result)
	p.publishQueueDepth(ctx)

	if result.Processed > 0 {
		p.logger.Info("tick complete",
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"deferred", result.Deferred,
			"duration_ms", result.DurationMS)
	}
	return result, nil
}

func (p *Processor) tick(ctx context.Context) (*models.ProcessResult, error) {
	// Reclaim rows stranded by a crashed or timed-out tick before
	// admitting new work.
	cutoff := p.clock.Now().Add(-p.cfg.StuckThreshold)
	if n, err := p.queueRepo.ResetStuck(ctx, cutoff); err != nil {
		p.logger.Error("failed to reset stuck rows", "error", err)
	} else if n > 0 {
		p.logger.Warn("reclaimed stuck queue rows", "count", n)
	}

	status := p.balance.Check(ctx)
	if status.Level == BalanceCritical {
		p.logger.Error("wallet balance critical, skipping tick",
			"balance_ar", status.AR,
			"address", status.Address)
		return &models.ProcessResult{}, nil
	}

	items, err := p.queueRepo.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending rows: %w", err)
	}
	if len(items) == 0 {
		return &models.ProcessResult{}, nil
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	marked, err := p.queueRepo.MarkSigning(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to mark rows signing: %w", err)
	}
	if marked != int64(len(ids)) {
		// Should not happen under the tick lock.
		p.logger.Warn("some fetched rows were no longer pending",
			"fetched", len(ids),
			"marked", marked)
	}

	report, err := p.runBatch(ctx, p.cfg.ChainKey, items, false)
	if err != nil {
		return nil, err
	}
	return &report.Result, nil
}

// RunBatch signs and commits the given rows against chainKey, bypassing
// queue admission. force skips the bundle thresholds. It shares the tick
// mutex with Process, so admin-triggered runs never interleave with the
// scheduler.
func (p *Processor) RunBatch(ctx context.Context, chainKey string, items []*models.QueueItem, force bool) (*BatchReport, error) {
	if !p.mu.TryLock() {
		return nil, ErrTickInFlight
	}
	defer p.mu.Unlock()

	return p.runBatch(ctx, chainKey, items, force)
}

func (p *Processor) runBatch(ctx context.Context, chainKey string, items []*models.QueueItem, force bool) (*BatchReport, error) {
	recordsProcessedTotal.Add(float64(len(items)))
	report := &BatchReport{Result: models.ProcessResult{Processed: len(items)}}

	inputs, manifestFailed := p.resolveManifests(ctx, items)
	for _, item := range manifestFailed {
		report.Records = append(report.Records, BatchRecordReport{
			EntityID: item.EntityID,
			CID:      item.CID,
			Error:    manifestFailedMessage,
		})
	}
	report.Result.Failed = len(manifestFailed)
	if len(inputs) == 0 {
		return report, nil
	}

	head, err := p.chainRepo.Get(ctx, chainKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain head: %w", err)
	}

	records, err := p.signer.SignBatch(ctx, head, inputs)
	if err != nil {
		// Rows stay in signing; the stuck reset reclaims them.
		return nil, fmt.Errorf("failed to sign batch: %w", err)
	}

	var deferred []*signer.Record
	if p.uploader.Mode() == "bundle" {
		records, deferred = p.gateBundle(ctx, records, force)
		report.Result.Deferred = len(deferred)
		recordsDeferredTotal.Add(float64(len(deferred)))
		for _, rec := range deferred {
			report.Records = append(report.Records, BatchRecordReport{
				EntityID: rec.Item.EntityID,
				CID:      rec.Item.CID,
				Error:    "deferred to next tick",
			})
		}
		if len(records) == 0 {
			return report, nil
		}
	}

	upload, err := p.uploader.Upload(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("upload produced no outcomes: %w", err)
	}
	if upload.PaymentRequired {
		p.alerter.Send(ctx, alert.Alert{
			Title:    "network refused payment",
			Detail:   "upload rejected with payment required; wallet needs funding",
			Severity: alert.SeverityCritical,
		})
	}

	fin, err := p.finalizer.Finalize(ctx, chainKey, records, upload)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}

	report.Result.Succeeded = fin.Succeeded
	report.Result.Failed += fin.Failed
	report.BundleTX = upload.BundleTX
	if fin.Head != nil {
		report.HeadSeq = fin.Head.Seq
	}
	for i, rec := range records {
		outcome := upload.Outcomes[i]
		rr := BatchRecordReport{
			EntityID: rec.Item.EntityID,
			CID:      rec.Item.CID,
			RecordID: rec.ID,
			Seq:      rec.Seq,
			Success:  i < fin.Succeeded,
		}
		if !rr.Success {
			rr.Error = outcome.Error
			if rr.Error == "" {
				rr.Error = brokenChainMessage
			}
		}
		report.Records = append(report.Records, rr)
	}
	return report, nil
}

// resolveManifests fetches manifests concurrently, preserving fetch order
// in the returned inputs. Rows whose manifest is permanently unavailable
// are marked failed and returned separately; transient fetch errors leave
// the row in signing for the stuck reset to reclaim.
func (p *Processor) resolveManifests(ctx context.Context, items []*models.QueueItem) ([]signer.Input, []*models.QueueItem) {
	const (
		manifestOK = iota
		manifestMissing
		manifestSkip
	)

	states := make([]int, len(items))
	manifests := make([]*models.Manifest, len(items))

	limit := len(items)
	if limit > manifestFetchLimit {
		limit = manifestFetchLimit
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			m, err := p.manifests.Get(gctx, item.CID)
			if err != nil {
				if errors.Is(err, repository.ErrManifestNotFound) || errors.Is(err, repository.ErrManifestInvalid) {
					states[i] = manifestMissing
				} else {
					states[i] = manifestSkip
					p.logger.Warn("manifest fetch failed, leaving row for retry",
						"cid", item.CID,
						"error", err)
				}
				return nil
			}
			manifests[i] = m
			return nil
		})
	}
	_ = g.Wait()

	inputs := make([]signer.Input, 0, len(items))
	var failed []*models.QueueItem
	for i, item := range items {
		switch states[i] {
		case manifestOK:
			inputs = append(inputs, signer.Input{
				Item:     *item,
				Manifest: manifests[i].Raw,
				Ver:      manifests[i].Ver,
			})
		case manifestMissing:
			failed = append(failed, item)
			if err := p.queueRepo.MarkFailed(ctx, item.ID, manifestFailedMessage); err != nil {
				p.logger.Error("failed to mark row failed", "queue_id", item.ID, "error", err)
			}
			recordsFailedTotal.Inc()
		}
	}
	return inputs, failed
}

// gateBundle applies the bundle admission rules: upload only once the
// batch is big enough or old enough, and never more than MAX_BUNDLE_SIZE
// in one container. Deferred rows go back to pending without a retry
// penalty; deferral is scheduling, not failure.
func (p *Processor) gateBundle(ctx context.Context, records []*signer.Record, force bool) (upload, deferredTail []*signer.Record) {
	if len(records) == 0 {
		return nil, nil
	}

	if !force {
		total := int64(bundleHeaderBytes)
		for _, rec := range records {
			total += rec.Size + bundleEntryHeaderBytes
		}
		oldest := p.clock.Now().Sub(records[0].Item.CreatedAt)

		if total < p.cfg.BundleSizeThreshold && oldest < p.cfg.BundleTimeThreshold {
			p.deferRecords(ctx, records, "bundle thresholds not met")
			return nil, records
		}
	}

	cut := 0
	total := int64(bundleHeaderBytes)
	for i, rec := range records {
		entry := rec.Size + bundleEntryHeaderBytes
		if i > 0 && total+entry > p.cfg.MaxBundleSize {
			break
		}
		total += entry
		cut = i + 1
	}
	if cut == len(records) {
		return records, nil
	}

	tail := records[cut:]
	p.deferRecords(ctx, tail, "max bundle size reached")
	return records[:cut], tail
}

func (p *Processor) deferRecords(ctx context.Context, records []*signer.Record, reason string) {
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		if rec.Item.ID != 0 {
			ids = append(ids, rec.Item.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := p.queueRepo.Defer(ctx, ids, "deferred: "+reason); err != nil {
		p.logger.Error("failed to defer rows", "count", len(ids), "error", err)
	}
}

func (p *Processor) publishQueueDepth(ctx context.Context) {
	stats, err := p.queueRepo.Stats(ctx)
	if err != nil {
		p.logger.Warn("failed to read queue stats", "error", err)
		return
	}
	queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	queueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	queueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
}
