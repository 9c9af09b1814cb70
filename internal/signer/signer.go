// Package signer turns queue rows into signed attestation records linked
// to the current chain head.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/Arke-Institute/attestation/internal/arweave"
	"github.com/Arke-Institute/attestation/internal/models"
)

// Input pairs a queue row with its resolved manifest.
type Input struct {
	Item     models.QueueItem
	Manifest json.RawMessage
	Ver      int64
}

// Record is a signed attestation ready for upload. ID is known as soon as
// the record is signed, before anything touches the network.
type Record struct {
	Item     models.QueueItem
	Payload  models.RecordPayload
	DataItem *arweave.DataItem
	ID       string
	Seq      int64
	Size     int64
}

// Signer signs batches of attestation records against a chain head.
type Signer struct {
	wallet  *arweave.Wallet
	appName string
	entropy io.Reader
}

// New creates a Signer. entropy feeds PSS salts and record anchors;
// production callers pass crypto/rand.Reader.
func New(wallet *arweave.Wallet, appName string, entropy io.Reader) *Signer {
	return &Signer{wallet: wallet, appName: appName, entropy: entropy}
}

// Address returns the signing wallet's address.
func (s *Signer) Address() string {
	return s.wallet.Address()
}

// SignBatch signs inputs in fetch order against head. Signing is strictly
// sequential: each record's id becomes the next record's prev_tx. Any
// failure aborts the whole batch, because every later record would carry a
// link to an id that will never be committed. The caller's rows stay in
// their current queue state on error.
func (s *Signer) SignBatch(ctx context.Context, head *models.ChainHead, inputs []Input) ([]*Record, error) {
	prevTX := head.TX
	prevCID := head.CID
	seq := head.Seq

	records := make([]*Record, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seq++
		payload := models.RecordPayload{
			PI:       in.Item.EntityID,
			Ver:      in.Ver,
			CID:      in.Item.CID,
			Op:       in.Item.Op,
			Vis:      in.Item.Vis,
			TS:       in.Item.TS.UnixMilli(),
			PrevTX:   prevTX,
			PrevCID:  prevCID,
			Seq:      seq,
			Manifest: in.Manifest,
		}

		rec, err := s.sign(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to sign record seq %d for entity %s: %w", seq, in.Item.EntityID, err)
		}
		rec.Item = in.Item
		records = append(records, rec)

		prevTX = &rec.ID
		prevCID = &rec.Payload.CID
	}
	return records, nil
}

func (s *Signer) sign(payload models.RecordPayload) (*Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	// Fresh anchor per signing attempt: identical payloads re-signed on a
	// later tick must still produce distinct record ids.
	anchor := make([]byte, 32)
	if _, err := io.ReadFull(s.entropy, anchor); err != nil {
		return nil, fmt.Errorf("failed to read anchor entropy: %w", err)
	}

	item, err := arweave.NewDataItem(data, s.tags(payload), anchor)
	if err != nil {
		return nil, err
	}
	if err := item.Sign(s.wallet, s.entropy); err != nil {
		return nil, err
	}
	size, err := item.Size()
	if err != nil {
		return nil, err
	}

	return &Record{
		Payload:  payload,
		DataItem: item,
		ID:       item.ID(),
		Seq:      payload.Seq,
		Size:     size,
	}, nil
}

func (s *Signer) tags(p models.RecordPayload) []arweave.Tag {
	tags := []arweave.Tag{
		{Name: models.TagContentType, Value: "application/json"},
		{Name: models.TagAppName, Value: s.appName},
		{Name: models.TagType, Value: models.TypeAttestation},
		{Name: models.TagPI, Value: p.PI},
		{Name: models.TagVer, Value: strconv.FormatInt(p.Ver, 10)},
		{Name: models.TagCID, Value: p.CID},
		{Name: models.TagOp, Value: p.Op},
		{Name: models.TagVis, Value: p.Vis},
		{Name: models.TagSeq, Value: strconv.FormatInt(p.Seq, 10)},
	}
	if p.PrevTX != nil {
		tags = append(tags, arweave.Tag{Name: models.TagPrevTX, Value: *p.PrevTX})
	}
	if p.PrevCID != nil {
		tags = append(tags, arweave.Tag{Name: models.TagPrevCID, Value: *p.PrevCID})
	}
	return tags
}
