package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arke-Institute/attestation/internal/arweave"
	"github.com/Arke-Institute/attestation/internal/models"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testWallet(t *testing.T) *arweave.Wallet {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	w, err := arweave.NewWalletFromKey(testKey)
	require.NoError(t, err)
	return w
}

func testInput(entity, cid string, ver int64) Input {
	return Input{
		Item: models.QueueItem{
			ID:       1,
			EntityID: entity,
			CID:      cid,
			Op:       models.OpCreate,
			Vis:      models.VisPublic,
			TS:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Manifest: json.RawMessage(`{"ver":` + strconv.FormatInt(ver, 10) + `,"files":[]}`),
		Ver:      ver,
	}
}

func TestSignBatchLinksRecordsFromGenesis(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)
	head := models.GenesisHead("head")

	inputs := []Input{
		testInput("ent-a", "bafy-a", 1),
		testInput("ent-b", "bafy-b", 1),
		testInput("ent-c", "bafy-c", 2),
	}

	records, err := s.SignBatch(context.Background(), head, inputs)
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, int64(1), first.Seq)
	assert.Nil(t, first.Payload.PrevTX)
	assert.Nil(t, first.Payload.PrevCID)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "", first.DataItem.TagValue(models.TagPrevTX))

	for i := 1; i < 3; i++ {
		rec := records[i]
		assert.Equal(t, int64(i+1), rec.Seq)
		require.NotNil(t, rec.Payload.PrevTX)
		assert.Equal(t, records[i-1].ID, *rec.Payload.PrevTX)
		require.NotNil(t, rec.Payload.PrevCID)
		assert.Equal(t, records[i-1].Item.CID, *rec.Payload.PrevCID)
		assert.Equal(t, records[i-1].ID, rec.DataItem.TagValue(models.TagPrevTX))
		assert.Equal(t, records[i-1].Item.CID, rec.DataItem.TagValue(models.TagPrevCID))
	}

	for _, rec := range records {
		require.NoError(t, rec.DataItem.Verify())
		assert.Equal(t, rec.ID, rec.DataItem.ID())
		assert.Greater(t, rec.Size, int64(0))
	}
}

func TestSignBatchContinuesFromHead(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)

	tx := "prev-tx-id"
	cid := "bafy-prev"
	head := &models.ChainHead{Key: "head", TX: &tx, CID: &cid, Seq: 41}

	records, err := s.SignBatch(context.Background(), head, []Input{testInput("ent-x", "bafy-x", 7)})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, int64(42), rec.Seq)
	require.NotNil(t, rec.Payload.PrevTX)
	assert.Equal(t, tx, *rec.Payload.PrevTX)
	require.NotNil(t, rec.Payload.PrevCID)
	assert.Equal(t, cid, *rec.Payload.PrevCID)
	assert.Equal(t, tx, rec.DataItem.TagValue(models.TagPrevTX))
}

func TestSignBatchPayloadWireShape(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)

	records, err := s.SignBatch(context.Background(), models.GenesisHead("head"), []Input{testInput("ent-a", "bafy-a", 3)})
	require.NoError(t, err)
	require.Len(t, records, 1)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(records[0].DataItem.Data, &fields))

	// Genesis records carry explicit nulls; field presence is part of the format.
	for _, key := range []string{"pi", "ver", "cid", "op", "vis", "ts", "prev_tx", "prev_cid", "seq", "manifest"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "null", string(fields["prev_tx"]))
	assert.Equal(t, "null", string(fields["prev_cid"]))
	assert.Equal(t, `"ent-a"`, string(fields["pi"]))
	assert.Equal(t, "3", string(fields["ver"]))
	assert.Equal(t, "1", string(fields["seq"]))

	ts, err := strconv.ParseInt(string(fields["ts"]), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), ts)
}

func TestSignBatchTags(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)

	records, err := s.SignBatch(context.Background(), models.GenesisHead("head"), []Input{testInput("ent-a", "bafy-a", 3)})
	require.NoError(t, err)

	item := records[0].DataItem
	assert.Equal(t, "application/json", item.TagValue(models.TagContentType))
	assert.Equal(t, "arke-attest", item.TagValue(models.TagAppName))
	assert.Equal(t, models.TypeAttestation, item.TagValue(models.TagType))
	assert.Equal(t, "ent-a", item.TagValue(models.TagPI))
	assert.Equal(t, "3", item.TagValue(models.TagVer))
	assert.Equal(t, "bafy-a", item.TagValue(models.TagCID))
	assert.Equal(t, models.OpCreate, item.TagValue(models.TagOp))
	assert.Equal(t, models.VisPublic, item.TagValue(models.TagVis))
	assert.Equal(t, "1", item.TagValue(models.TagSeq))
}

func TestSignBatchFreshIDsAcrossTicks(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)
	head := models.GenesisHead("head")
	input := testInput("ent-a", "bafy-a", 1)

	first, err := s.SignBatch(context.Background(), head, []Input{input})
	require.NoError(t, err)
	second, err := s.SignBatch(context.Background(), head, []Input{input})
	require.NoError(t, err)

	// Identical payload re-signed on a later tick must get a new id.
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestSignBatchEmpty(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)

	records, err := s.SignBatch(context.Background(), models.GenesisHead("head"), nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSignBatchCancelled(t *testing.T) {
	s := New(testWallet(t), "arke-attest", rand.Reader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SignBatch(ctx, models.GenesisHead("head"), []Input{testInput("ent-a", "bafy-a", 1)})
	assert.ErrorIs(t, err, context.Canceled)
}
