package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/pkg/apierror"
	"github.com/Arke-Institute/attestation/internal/pkg/response"
	"github.com/Arke-Institute/attestation/internal/pkg/ulid"
	"github.com/Arke-Institute/attestation/internal/repository"
	"github.com/Arke-Institute/attestation/internal/service"
)

// testBundleMax caps how many synthetic records one test run may mint;
// every record costs real winston once uploaded.
const testBundleMax = 100

// trackedBundleListLimit bounds the GET /test-verify listing.
const trackedBundleListLimit = 50

// Sweeper runs one seeding verification sweep on demand.
type Sweeper interface {
	Verify(ctx context.Context) (*service.VerifyResult, error)
}

var _ Sweeper = (*service.Verifier)(nil)

// AdminHandler serves the operator endpoints: manual ticks, synthetic
// end-to-end bundle tests and tracked-bundle inspection.
type AdminHandler struct {
	processor  Ticker
	verifier   Sweeper
	chainRepo  repository.ChainRepository
	bundleRepo repository.BundleRepository
	manifests  repository.ManifestSource
	clock      clockwork.Clock
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(
	processor Ticker,
	verifier Sweeper,
	chainRepo repository.ChainRepository,
	bundleRepo repository.BundleRepository,
	manifests repository.ManifestSource,
	clock clockwork.Clock,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		processor:  processor,
		verifier:   verifier,
		chainRepo:  chainRepo,
		bundleRepo: bundleRepo,
		manifests:  manifests,
		clock:      clock,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Trigger handles POST /trigger: runs one processing tick immediately.
func (h *AdminHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.processor.Process(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrTickInFlight) {
			response.Error(w, apierror.ErrConflict.WithMessage("A processing tick is already running"))
			return
		}
		h.logger.Error("manual tick failed", "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}
	response.OK(w, result)
}

// TestBundleRequest carries the validated /test-bundle parameters.
type TestBundleRequest struct {
	Count int `validate:"min=1,max=100"`
}

// TestBundleResponse reports a synthetic end-to-end run.
type TestBundleResponse struct {
	ChainKey   string                      `json:"chain_key"`
	BundleTX   string                      `json:"bundle_tx,omitempty"`
	HeadSeq    int64                       `json:"head_seq"`
	Result     models.ProcessResult        `json:"result"`
	Records    []service.BatchRecordReport `json:"records"`
	DurationMS int64                       `json:"duration_ms"`
}

// TestBundle handles POST /test-bundle?count=N: mints N synthetic
// attestations and pushes them through the full sign, bundle, upload and
// finalize path against an isolated chain key. Production chain state is
// never touched; the records and their upload cost are real.
func (h *AdminHandler) TestBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := TestBundleRequest{Count: 1}
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.ValidationError(w, "count", "count must be an integer")
			return
		}
		req.Count = n
	}
	if err := h.validate.Struct(req); err != nil {
		response.ValidationError(w, "count", fmt.Sprintf("count must be between 1 and %d", testBundleMax))
		return
	}

	chainKey := "test:" + ulid.New()
	if err := h.chainRepo.Reset(ctx, chainKey); err != nil {
		h.logger.Error("failed to reset test chain", "chain_key", chainKey, "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}

	items, err := h.seedSyntheticItems(ctx, req.Count)
	if err != nil {
		h.logger.Error("failed to seed synthetic manifests", "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}

	start := h.clock.Now()
	report, err := h.processor.RunBatch(ctx, chainKey, items, true)
	if err != nil {
		if errors.Is(err, service.ErrTickInFlight) {
			response.Error(w, apierror.ErrConflict.WithMessage("A processing tick is already running"))
			return
		}
		h.logger.Error("test bundle run failed", "chain_key", chainKey, "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}
	report.Result.DurationMS = h.clock.Since(start).Milliseconds()

	h.logger.Info("test bundle complete",
		"chain_key", chainKey,
		"count", req.Count,
		"succeeded", report.Result.Succeeded,
		"bundle_tx", report.BundleTX,
		"duration_ms", report.Result.DurationMS)

	response.OK(w, TestBundleResponse{
		ChainKey:   chainKey,
		BundleTX:   report.BundleTX,
		HeadSeq:    report.HeadSeq,
		Result:     report.Result,
		Records:    report.Records,
		DurationMS: report.Result.DurationMS,
	})
}

// seedSyntheticItems writes one manifest per synthetic entity and returns
// matching unpersisted queue items. The items carry no queue id, so the
// batch path skips every queue mutation for them.
func (h *AdminHandler) seedSyntheticItems(ctx context.Context, count int) ([]*models.QueueItem, error) {
	now := h.clock.Now().UTC()
	items := make([]*models.QueueItem, count)
	for i := range items {
		entityID := "test-" + uuid.NewString()
		cid := "test-cid-" + uuid.NewString()

		manifest := fmt.Sprintf(`{"ver":1,"entity":%q,"synthetic":true,"created_at":%q}`,
			entityID, now.Format(time.RFC3339))
		if err := h.manifests.Put(ctx, cid, []byte(manifest)); err != nil {
			return nil, fmt.Errorf("failed to store synthetic manifest %s: %w", cid, err)
		}

		items[i] = &models.QueueItem{
			EntityID:  entityID,
			CID:       cid,
			Op:        models.OpCreate,
			Vis:       models.VisPublic,
			TS:        now,
			CreatedAt: now,
		}
	}
	return items, nil
}

// TrackedBundlesResponse is the GET /test-verify payload.
type TrackedBundlesResponse struct {
	Pending int64                   `json:"pending"`
	Bundles []*models.TrackedBundle `json:"bundles"`
}

// ListTrackedBundles handles GET /test-verify: recent tracked bundles in
// every state, newest first.
func (h *AdminHandler) ListTrackedBundles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bundles, err := h.bundleRepo.List(ctx, trackedBundleListLimit)
	if err != nil {
		h.logger.Error("failed to list tracked bundles", "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}
	pending, err := h.bundleRepo.CountPending(ctx)
	if err != nil {
		h.logger.Error("failed to count pending bundles", "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}

	response.OK(w, TrackedBundlesResponse{Pending: pending, Bundles: bundles})
}

// InjectBundleRequest is the POST /test-verify body. AgeMinutes backdates
// the upload time so grace and timeout windows can be rehearsed without
// waiting them out.
type InjectBundleRequest struct {
	BundleTX   string              `json:"bundle_tx" validate:"required"`
	Items      []models.BundleItem `json:"items" validate:"required,min=1,dive"`
	AgeMinutes int                 `json:"age_minutes" validate:"min=0"`
	RunSweep   bool                `json:"run_sweep"`
}

// InjectBundleResponse confirms the injected row and, when requested,
// the sweep it provoked.
type InjectBundleResponse struct {
	Bundle *models.TrackedBundle `json:"bundle"`
	Sweep  *service.VerifyResult `json:"sweep,omitempty"`
}

// InjectTrackedBundle handles POST /test-verify: registers a fabricated
// tracked bundle for the seeding verifier to chew on.
func (h *AdminHandler) InjectTrackedBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InjectBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierror.ErrBadRequest.WithMessage(err.Error()))
		return
	}

	bundle := &models.TrackedBundle{
		BundleTX:   req.BundleTX,
		Items:      req.Items,
		ItemCount:  len(req.Items),
		UploadedAt: h.clock.Now().UTC().Add(-time.Duration(req.AgeMinutes) * time.Minute),
	}
	if err := h.bundleRepo.Track(ctx, bundle); err != nil {
		h.logger.Error("failed to inject tracked bundle", "bundle_tx", req.BundleTX, "error", err)
		response.Error(w, apierror.ErrInternal)
		return
	}

	resp := InjectBundleResponse{Bundle: bundle}
	if req.RunSweep {
		sweep, err := h.verifier.Verify(ctx)
		if err != nil {
			h.logger.Error("injected sweep failed", "error", err)
			response.Error(w, apierror.ErrInternal)
			return
		}
		resp.Sweep = sweep
	}

	response.Created(w, resp)
}
