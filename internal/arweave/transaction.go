package arweave

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
)

// Transaction is a format-2 storage transaction. String fields hold the
// base64url form the gateway JSON API expects; Quantity, Reward and
// DataSize are decimal winston/byte counts.
type Transaction struct {
	Format    int     `json:"format"`
	ID        string  `json:"id"`
	LastTX    string  `json:"last_tx"`
	Owner     string  `json:"owner"`
	Tags      []TxTag `json:"tags"`
	Target    string  `json:"target"`
	Quantity  string  `json:"quantity"`
	Data      string  `json:"data"`
	DataSize  string  `json:"data_size"`
	DataRoot  string  `json:"data_root"`
	Reward    string  `json:"reward"`
	Signature string  `json:"signature"`

	rawData []byte
	rawTags []Tag
}

// TxTag is a transaction tag with base64url-encoded name and value.
type TxTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewDataTransaction builds an unsigned format-2 transaction carrying data.
// lastTX is the anchor from the gateway, reward the winston price quote.
func NewDataTransaction(data []byte, tags []Tag, lastTX, reward string) *Transaction {
	txTags := make([]TxTag, len(tags))
	for i, t := range tags {
		txTags[i] = TxTag{
			Name:  base64.RawURLEncoding.EncodeToString([]byte(t.Name)),
			Value: base64.RawURLEncoding.EncodeToString([]byte(t.Value)),
		}
	}
	return &Transaction{
		Format:   2,
		LastTX:   lastTX,
		Tags:     txTags,
		Quantity: "0",
		Data:     base64.RawURLEncoding.EncodeToString(data),
		DataSize: strconv.Itoa(len(data)),
		DataRoot: base64.RawURLEncoding.EncodeToString(dataRoot(data)),
		Reward:   reward,
		rawData:  data,
		rawTags:  tags,
	}
}

// Sign signs the transaction and derives its id from the signature.
func (t *Transaction) Sign(w *Wallet, rng io.Reader) error {
	t.Owner = base64.RawURLEncoding.EncodeToString(w.Owner())

	payload, err := t.signaturePayload(w.Owner())
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)

	sig, err := w.Sign(rng, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	t.Signature = base64.RawURLEncoding.EncodeToString(sig)

	id := sha256.Sum256(sig)
	t.ID = base64.RawURLEncoding.EncodeToString(id[:])
	return nil
}

func (t *Transaction) signaturePayload(owner []byte) ([]byte, error) {
	lastTX, err := base64.RawURLEncoding.DecodeString(t.LastTX)
	if err != nil {
		return nil, fmt.Errorf("invalid last_tx: %w", err)
	}
	target, err := base64.RawURLEncoding.DecodeString(t.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	root, err := base64.RawURLEncoding.DecodeString(t.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid data_root: %w", err)
	}

	// Tags enter the payload as a list of (name, value) pairs, unlike the
	// single tag blob of data items.
	tagDigests := make([][]byte, len(t.rawTags))
	for i, tag := range t.rawTags {
		tagDigests[i] = deepHashList(
			deepHashBlob([]byte(tag.Name)),
			deepHashBlob([]byte(tag.Value)),
		)
	}

	return deepHashList(
		deepHashBlob([]byte(strconv.Itoa(t.Format))),
		deepHashBlob(owner),
		deepHashBlob(target),
		deepHashBlob([]byte(t.Quantity)),
		deepHashBlob([]byte(t.Reward)),
		deepHashBlob(lastTX),
		deepHashList(tagDigests...),
		deepHashBlob([]byte(t.DataSize)),
		deepHashBlob(root),
	), nil
}
