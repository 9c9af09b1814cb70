package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/repository"
	"github.com/Arke-Institute/attestation/internal/signer"
)

// brokenChainMessage marks rows that failed only because an earlier record
// in the same batch failed and invalidated their prev_tx link.
const brokenChainMessage = "chain broken by earlier failure in batch"

// FinalizeResult summarizes how a batch settled.
type FinalizeResult struct {
	Succeeded int
	Failed    int
	Head      *models.ChainHead
}

// Finalizer settles a signed batch after upload: it advances the chain
// head to the longest successful prefix, publishes lookup entries, clears
// committed queue rows and reverts the rest.
type Finalizer struct {
	chainRepo  repository.ChainRepository
	queueRepo  repository.QueueRepository
	bundleRepo repository.BundleRepository
	lookupRepo repository.LookupRepository
	maxRetries int
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(
	chainRepo repository.ChainRepository,
	queueRepo repository.QueueRepository,
	bundleRepo repository.BundleRepository,
	lookupRepo repository.LookupRepository,
	maxRetries int,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Finalizer {
	return &Finalizer{
		chainRepo:  chainRepo,
		queueRepo:  queueRepo,
		bundleRepo: bundleRepo,
		lookupRepo: lookupRepo,
		maxRetries: maxRetries,
		clock:      clock,
		logger:     logger,
	}
}

// Finalize applies upload outcomes to the chain and the queue. Outcomes
// must be in signing order. The chain advances only to the last
// contiguously successful record: the first failure invalidates the
// prev_tx link of everything after it, so later successes are treated as
// failed and re-signed next tick.
//
// An error is returned only when the head update itself fails; rows then
// stay in `signing` for the stuck-reset to reclaim, and the head is
// untouched. Uploaded records past a failed head update become orphans,
// which readers never see because reads resolve through the head.
func (f *Finalizer) Finalize(ctx context.Context, chainKey string, records []*signer.Record, upload *UploadResult) (*FinalizeResult, error) {
	if len(records) == 0 {
		return &FinalizeResult{}, nil
	}
	if len(upload.Outcomes) != len(records) {
		return nil, fmt.Errorf("outcome count %d does not match record count %d", len(upload.Outcomes), len(records))
	}

	prefix := 0
	for i := range upload.Outcomes {
		if !upload.Outcomes[i].Success {
			break
		}
		prefix = i + 1
	}

	res := &FinalizeResult{Succeeded: prefix, Failed: len(records) - prefix}

	if prefix > 0 {
		head, err := f.commit(ctx, chainKey, records[:prefix], upload.BundleTX)
		if err != nil {
			return nil, err
		}
		res.Head = head
	}

	f.revertFailed(ctx, records[prefix:], upload.Outcomes[prefix:])

	recordsSucceededTotal.Add(float64(res.Succeeded))
	recordsFailedTotal.Add(float64(res.Failed))
	return res, nil
}

// commit advances the head and then settles everything downstream of it.
// Downstream failures are logged but never unwind the head: the lookup
// index is rebuildable from the chain, and undeleted queue rows are
// deduplicated on re-enqueue.
func (f *Finalizer) commit(ctx context.Context, chainKey string, committed []*signer.Record, bundleTX string) (*models.ChainHead, error) {
	last := committed[len(committed)-1]

	head, err := f.chainRepo.Update(ctx, chainKey, last.ID, last.Item.CID, last.Seq)
	if err != nil {
		if errors.Is(err, repository.ErrHeadConflict) {
			f.logger.Error("chain head moved underneath this writer, refusing to advance",
				"chain_key", chainKey,
				"attempted_seq", last.Seq)
		}
		return nil, fmt.Errorf("failed to update chain head: %w", err)
	}
	chainSeq.Set(float64(head.Seq))

	entries := make([]repository.IndexEntry, len(committed))
	ids := make([]int64, 0, len(committed))
	for i, rec := range committed {
		entries[i] = repository.IndexEntry{
			EntityID: rec.Item.EntityID,
			Ver:      rec.Payload.Ver,
			Entry: models.LookupEntry{
				CID:     rec.Item.CID,
				TX:      rec.ID,
				Seq:     rec.Seq,
				TS:      rec.Payload.TS,
				Bundled: bundleTX != "",
			},
		}
		if rec.Item.ID != 0 {
			ids = append(ids, rec.Item.ID)
		}
	}

	if err := f.lookupRepo.WriteBatch(ctx, entries); err != nil {
		f.logger.Error("failed to write lookup entries", "count", len(entries), "error", err)
	}
	if err := f.lookupRepo.MirrorHead(ctx, head); err != nil {
		f.logger.Warn("failed to mirror chain head", "chain_key", chainKey, "error", err)
	}

	if len(ids) > 0 {
		if err := f.queueRepo.Delete(ctx, ids); err != nil {
			f.logger.Error("failed to delete committed queue rows", "count", len(ids), "error", err)
		}
	}

	if bundleTX != "" {
		f.trackBundle(ctx, bundleTX, committed)
	}

	f.logger.Info("chain advanced",
		"chain_key", chainKey,
		"head_tx", last.ID,
		"seq", head.Seq,
		"records", len(committed))
	return head, nil
}

func (f *Finalizer) trackBundle(ctx context.Context, bundleTX string, committed []*signer.Record) {
	items := make([]models.BundleItem, len(committed))
	for i, rec := range committed {
		items[i] = models.BundleItem{EntityID: rec.Item.EntityID, CID: rec.Item.CID}
	}
	bundle := &models.TrackedBundle{
		BundleTX:   bundleTX,
		Items:      items,
		ItemCount:  len(items),
		UploadedAt: f.clock.Now().UTC(),
	}
	if err := f.bundleRepo.Track(ctx, bundle); err != nil {
		// Seeding verification is lost for this bundle; the records are
		// committed regardless.
		f.logger.Error("failed to track bundle for seeding verification",
			"bundle_tx", bundleTX,
			"items", len(items),
			"error", err)
	}
}

func (f *Finalizer) revertFailed(ctx context.Context, failed []*signer.Record, outcomes []models.UploadOutcome) {
	for i, rec := range failed {
		if rec.Item.ID == 0 {
			continue
		}
		msg := outcomes[i].Error
		if outcomes[i].Success || msg == "" {
			msg = brokenChainMessage
		}
		if err := f.queueRepo.RevertToPending(ctx, rec.Item.ID, msg, f.maxRetries); err != nil {
			f.logger.Error("failed to revert queue row",
				"queue_id", rec.Item.ID,
				"entity_id", rec.Item.EntityID,
				"error", err)
		}
	}
}
