package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/arweave"
	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/repository"
	"github.com/Arke-Institute/attestation/internal/signer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock queue repository ---

type mockQueueRepo struct {
	mu     sync.Mutex
	rows   map[int64]*models.QueueItem
	nextID int64
}

func newMockQueueRepo() *mockQueueRepo {
	return &mockQueueRepo{rows: make(map[int64]*models.QueueItem)}
}

// add inserts a row directly, bypassing dedup. Returns the stored row.
func (m *mockQueueRepo) add(item models.QueueItem) *models.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Unix(1700000000+m.nextID, 0).UTC()
	}
	item.UpdatedAt = item.CreatedAt
	m.rows[item.ID] = &item
	return &item
}

func (m *mockQueueRepo) get(id int64) *models.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *mockQueueRepo) byStatus(status models.Status) []*models.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.QueueItem
	for _, row := range m.rows {
		if row.Status == status {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockQueueRepo) Enqueue(ctx context.Context, item *models.QueueItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EntityID == item.EntityID && row.CID == item.CID {
			return false, nil
		}
	}
	m.nextID++
	item.ID = m.nextID
	item.Status = models.StatusPending
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	clone := *item
	m.rows[item.ID] = &clone
	return true, nil
}

func (m *mockQueueRepo) FetchPending(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.QueueItem
	for _, row := range m.rows {
		if row.Status == models.StatusPending {
			clone := *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockQueueRepo) MarkSigning(ctx context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if row, ok := m.rows[id]; ok && row.Status == models.StatusPending {
			row.Status = models.StatusSigning
			n++
		}
	}
	return n, nil
}

func (m *mockQueueRepo) Delete(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rows, id)
	}
	return nil
}

func (m *mockQueueRepo) Defer(ctx context.Context, ids []int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if row, ok := m.rows[id]; ok {
			row.Status = models.StatusPending
			msg := reason
			row.ErrorMessage = &msg
		}
	}
	return nil
}

func (m *mockQueueRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.Status = models.StatusFailed
		row.ErrorMessage = &errMsg
	}
	return nil
}

func (m *mockQueueRepo) RevertToPending(ctx context.Context, id int64, errMsg string, maxRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.RetryCount++
		if row.RetryCount >= maxRetries {
			row.Status = models.StatusFailed
		} else {
			row.Status = models.StatusPending
		}
		row.ErrorMessage = &errMsg
	}
	return nil
}

func (m *mockQueueRepo) ResetStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if (row.Status == models.StatusSigning || row.Status == models.StatusUploading) && row.UpdatedAt.Before(olderThan) {
			row.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *mockQueueRepo) ResetFailedUnderLimit(ctx context.Context, maxRetries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.Status == models.StatusFailed && row.RetryCount < maxRetries {
			row.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *mockQueueRepo) ListAbandoned(ctx context.Context, maxRetries int, limit int) ([]*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.QueueItem
	for _, row := range m.rows {
		if row.Status == models.StatusFailed && row.RetryCount >= maxRetries {
			clone := *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockQueueRepo) Stats(ctx context.Context) (*models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.QueueStats{}
	for _, row := range m.rows {
		stats.Total++
		switch row.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusSigning, models.StatusUploading:
			stats.Processing++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// --- Mock chain repository ---

type mockChainRepo struct {
	mu        sync.Mutex
	heads     map[string]*models.ChainHead
	getErr    error
	updateErr error
}

func newMockChainRepo() *mockChainRepo {
	return &mockChainRepo{heads: make(map[string]*models.ChainHead)}
}

func (m *mockChainRepo) setHead(key, tx, cid string, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[key] = &models.ChainHead{Key: key, TX: &tx, CID: &cid, Seq: seq}
}

func (m *mockChainRepo) Get(ctx context.Context, key string) (*models.ChainHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if head, ok := m.heads[key]; ok {
		clone := *head
		return &clone, nil
	}
	return models.GenesisHead(key), nil
}

func (m *mockChainRepo) Update(ctx context.Context, key, tx, cid string, seq int64) (*models.ChainHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	if cur, ok := m.heads[key]; ok && cur.Seq > seq {
		return nil, repository.ErrHeadConflict
	}
	head := &models.ChainHead{Key: key, TX: &tx, CID: &cid, Seq: seq, UpdatedAt: time.Now().UTC()}
	m.heads[key] = head
	clone := *head
	return &clone, nil
}

func (m *mockChainRepo) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.heads, key)
	return nil
}

// --- Mock manifest source ---

type mockManifestSource struct {
	mu        sync.Mutex
	manifests map[string]*models.Manifest
	errs      map[string]error
}

func newMockManifestSource() *mockManifestSource {
	return &mockManifestSource{
		manifests: make(map[string]*models.Manifest),
		errs:      make(map[string]error),
	}
}

func (m *mockManifestSource) put(cid string, ver int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := fmt.Sprintf(`{"ver":%d,"cid":%q}`, ver, cid)
	m.manifests[cid] = &models.Manifest{CID: cid, Raw: []byte(raw), Ver: ver}
}

func (m *mockManifestSource) Get(ctx context.Context, cid string) (*models.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[cid]; ok {
		return nil, err
	}
	manifest, ok := m.manifests[cid]
	if !ok {
		return nil, repository.ErrManifestNotFound
	}
	return manifest, nil
}

func (m *mockManifestSource) Put(ctx context.Context, cid string, manifest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[cid] = &models.Manifest{CID: cid, Raw: manifest, Ver: 1}
	return nil
}

// --- Mock lookup repository ---

type mockLookupRepo struct {
	mu       sync.Mutex
	entries  map[string]models.LookupEntry
	heads    map[string]*models.ChainHead
	writeErr error
}

func newMockLookupRepo() *mockLookupRepo {
	return &mockLookupRepo{
		entries: make(map[string]models.LookupEntry),
		heads:   make(map[string]*models.ChainHead),
	}
}

func (m *mockLookupRepo) WriteBatch(ctx context.Context, entries []repository.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	for _, e := range entries {
		m.entries[fmt.Sprintf("%s:%d", e.EntityID, e.Ver)] = e.Entry
		m.entries[e.EntityID+":latest"] = e.Entry
	}
	return nil
}

func (m *mockLookupRepo) Get(ctx context.Context, entityID string, ver string) (*models.LookupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[entityID+":"+ver]; ok {
		return &entry, nil
	}
	return nil, nil
}

func (m *mockLookupRepo) MirrorHead(ctx context.Context, head *models.ChainHead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[head.Key] = head
	return nil
}

func (m *mockLookupRepo) entry(key string) (models.LookupEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// --- Mock bundle repository ---

type mockBundleRepo struct {
	mu       sync.Mutex
	bundles  map[string]*models.TrackedBundle
	trackErr error
}

func newMockBundleRepo() *mockBundleRepo {
	return &mockBundleRepo{bundles: make(map[string]*models.TrackedBundle)}
}

func (m *mockBundleRepo) add(bundle models.TrackedBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[bundle.BundleTX] = &bundle
}

func (m *mockBundleRepo) get(tx string) *models.TrackedBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundles[tx]
}

func (m *mockBundleRepo) Track(ctx context.Context, bundle *models.TrackedBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trackErr != nil {
		return m.trackErr
	}
	if _, ok := m.bundles[bundle.BundleTX]; ok {
		return nil
	}
	clone := *bundle
	m.bundles[bundle.BundleTX] = &clone
	return nil
}

func (m *mockBundleRepo) ListPending(ctx context.Context, uploadedBefore time.Time) ([]*models.TrackedBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrackedBundle
	for _, b := range m.bundles {
		if b.Pending() && b.UploadedAt.Before(uploadedBefore) {
			clone := *b
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (m *mockBundleRepo) IncrementCheck(ctx context.Context, bundleTX string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bundles[bundleTX]; ok {
		b.CheckCount++
	}
	return nil
}

func (m *mockBundleRepo) MarkVerified(ctx context.Context, bundleTX string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bundles[bundleTX]; ok && b.Pending() {
		now := time.Now().UTC()
		b.VerifiedAt = &now
		b.CheckCount++
	}
	return nil
}

func (m *mockBundleRepo) MarkFailed(ctx context.Context, bundleTX string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bundles[bundleTX]; ok && b.Pending() {
		now := time.Now().UTC()
		b.FailedAt = &now
		b.CheckCount++
	}
	return nil
}

func (m *mockBundleRepo) Prune(ctx context.Context, uploadedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for tx, b := range m.bundles {
		if !b.Pending() && b.UploadedAt.Before(uploadedBefore) {
			delete(m.bundles, tx)
			n++
		}
	}
	return n, nil
}

func (m *mockBundleRepo) List(ctx context.Context, limit int) ([]*models.TrackedBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrackedBundle
	for _, b := range m.bundles {
		clone := *b
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockBundleRepo) CountPending(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.bundles {
		if b.Pending() {
			n++
		}
	}
	return n, nil
}

func (m *mockBundleRepo) CountVerifiedSince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.bundles {
		if b.VerifiedAt != nil && !b.VerifiedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockBundleRepo) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.bundles {
		if b.FailedAt != nil && !b.FailedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- Mock gateway ---

type mockGateway struct {
	mu sync.Mutex

	balance    *big.Int
	balanceErr error

	anchor    string
	anchorErr error
	price     string
	priceErr  error

	submitTxErr error
	submittedTx []*arweave.Transaction

	// statuses overrides TransactionStatus by id; statusErrs forces an
	// error. Submitted transactions default to accepted-pending; ghost
	// makes them invisible to the status endpoint.
	statuses   map[string]*arweave.TxStatus
	statusErrs map[string]error
	ghost      bool

	// itemErrs fails SubmitItem by decoded item id; failAtCall fails the
	// Nth SubmitItem call (1-based); failCounts fails the first N calls
	// for an id then succeeds.
	itemErrs       map[string]error
	failAtCall     map[int]error
	failCounts     map[string]int
	itemCalls      int
	submittedItems []*arweave.DataItem
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		balance:    big.NewInt(5_000_000_000_000), // 5 AR
		anchor:     "dGVzdC1hbmNob3I",
		price:      "1000",
		statuses:   make(map[string]*arweave.TxStatus),
		statusErrs: make(map[string]error),
		itemErrs:   make(map[string]error),
		failAtCall: make(map[int]error),
		failCounts: make(map[string]int),
	}
}

func (m *mockGateway) TxAnchor(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anchor, m.anchorErr
}

func (m *mockGateway) Price(ctx context.Context, numBytes int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, m.priceErr
}

func (m *mockGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return new(big.Int).Set(m.balance), nil
}

func (m *mockGateway) SubmitTransaction(ctx context.Context, tx *arweave.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitTxErr != nil {
		return m.submitTxErr
	}
	m.submittedTx = append(m.submittedTx, tx)
	return nil
}

func (m *mockGateway) TransactionStatus(ctx context.Context, id string) (*arweave.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.statusErrs[id]; ok {
		return nil, err
	}
	if status, ok := m.statuses[id]; ok {
		return status, nil
	}
	if !m.ghost {
		for _, tx := range m.submittedTx {
			if tx.ID == id {
				return &arweave.TxStatus{Pending: true}, nil
			}
		}
	}
	return nil, &arweave.GatewayError{StatusCode: http.StatusNotFound, Body: "not found"}
}

func (m *mockGateway) SubmitItem(ctx context.Context, raw []byte) error {
	item, err := arweave.DecodeDataItem(raw)
	if err != nil {
		return err
	}
	id := item.ID()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemCalls++
	if err, ok := m.failAtCall[m.itemCalls]; ok {
		return err
	}
	if n := m.failCounts[id]; n > 0 {
		m.failCounts[id] = n - 1
		return &arweave.GatewayError{StatusCode: http.StatusInternalServerError, Body: "transient"}
	}
	if err, ok := m.itemErrs[id]; ok {
		return err
	}
	m.submittedItems = append(m.submittedItems, item)
	return nil
}

func (m *mockGateway) submittedItemIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.submittedItems))
	for i, item := range m.submittedItems {
		ids[i] = item.ID()
	}
	return ids
}

func (m *mockGateway) lastTx() *arweave.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.submittedTx) == 0 {
		return nil
	}
	return m.submittedTx[len(m.submittedTx)-1]
}

// --- Mock alerter ---

type mockAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (m *mockAlerter) Send(ctx context.Context, al alert.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, al)
}

func (m *mockAlerter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *mockAlerter) last() *alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	al := m.alerts[len(m.alerts)-1]
	return &al
}

// --- Mock tick lock ---

type mockLocker struct {
	mu       sync.Mutex
	denied   bool
	err      error
	acquired int
	released int
}

func (m *mockLocker) Acquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.denied {
		return false, nil
	}
	m.acquired++
	return true, nil
}

func (m *mockLocker) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

// --- Mock uploader ---

// mockUploader succeeds every record unless failMsgs maps its batch index
// to an error message.
type mockUploader struct {
	mu sync.Mutex

	mode            string
	bundleTX        string
	err             error
	paymentRequired bool
	failMsgs        map[int]string
	batches         [][]*signer.Record
}

func newMockUploader(mode string) *mockUploader {
	return &mockUploader{mode: mode, failMsgs: make(map[int]string)}
}

func (m *mockUploader) Mode() string { return m.mode }

func (m *mockUploader) Upload(ctx context.Context, records []*signer.Record) (*UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	batch := make([]*signer.Record, len(records))
	copy(batch, records)
	m.batches = append(m.batches, batch)

	res := &UploadResult{PaymentRequired: m.paymentRequired}
	allOK := true
	for i, rec := range records {
		outcome := models.UploadOutcome{ID: rec.ID, Success: true, Attempts: 1}
		if msg, ok := m.failMsgs[i]; ok {
			outcome.Success = false
			outcome.Error = msg
			allOK = false
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}
	if m.mode == "bundle" && allOK && !m.paymentRequired {
		res.BundleTX = m.bundleTX
	}
	return res, nil
}

func (m *mockUploader) uploadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *mockUploader) lastBatch() []*signer.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil
	}
	return m.batches[len(m.batches)-1]
}

// --- Signing fixtures ---

var (
	walletKeyOnce sync.Once
	walletKey     *rsa.PrivateKey
)

func testWallet(t *testing.T) *arweave.Wallet {
	t.Helper()
	walletKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			panic(err)
		}
		walletKey = key
	})
	w, err := arweave.NewWalletFromKey(walletKey)
	if err != nil {
		t.Fatalf("NewWalletFromKey() error = %v", err)
	}
	return w
}

// signedRecords signs one record per item against head, with a trivial
// manifest per cid.
func signedRecords(t *testing.T, head *models.ChainHead, items []*models.QueueItem) []*signer.Record {
	t.Helper()
	inputs := make([]signer.Input, len(items))
	for i, item := range items {
		inputs[i] = signer.Input{
			Item:     *item,
			Manifest: []byte(fmt.Sprintf(`{"ver":1,"cid":%q}`, item.CID)),
			Ver:      1,
		}
	}
	s := signer.New(testWallet(t), "arke-attest", rand.Reader)
	records, err := s.SignBatch(context.Background(), head, inputs)
	if err != nil {
		t.Fatalf("SignBatch() error = %v", err)
	}
	return records
}

func queueItem(id int64, entity, cid string) *models.QueueItem {
	return &models.QueueItem{
		ID:       id,
		EntityID: entity,
		CID:      cid,
		Op:       models.OpCreate,
		Vis:      models.VisPublic,
		TS:       time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}
}
