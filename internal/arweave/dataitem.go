package arweave

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// SignatureTypeArweave identifies RSA-PSS signatures from 4096-bit wallet keys.
const SignatureTypeArweave = 1

const (
	signatureLength = 512
	anchorLength    = 32
	targetLength    = 32
)

var (
	ErrUnsigned     = errors.New("arweave: data item is not signed")
	ErrItemTooShort = errors.New("arweave: data item truncated")
)

// DataItem is a single independently-addressed record inside a bundle.
// Its id is the base64url SHA-256 of the signature and is known as soon
// as the item is signed, before anything touches the network.
type DataItem struct {
	SignatureType int
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	Tags          []Tag
	Data          []byte

	rawID []byte
}

// NewDataItem builds an unsigned item. The anchor is optional; when set it
// must be exactly 32 bytes and keeps byte-identical payloads from colliding
// on the same id.
func NewDataItem(data []byte, tags []Tag, anchor []byte) (*DataItem, error) {
	if len(anchor) != 0 && len(anchor) != anchorLength {
		return nil, fmt.Errorf("anchor must be %d bytes, got %d", anchorLength, len(anchor))
	}
	return &DataItem{
		SignatureType: SignatureTypeArweave,
		Anchor:        anchor,
		Tags:          tags,
		Data:          data,
	}, nil
}

// Sign signs the item with the wallet key and derives its id.
// PSS salt entropy comes from rng.
func (d *DataItem) Sign(w *Wallet, rng io.Reader) error {
	d.Owner = w.Owner()

	payload, err := d.signaturePayload()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)

	sig, err := w.Sign(rng, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign data item: %w", err)
	}
	d.Signature = sig

	id := sha256.Sum256(sig)
	d.rawID = id[:]
	return nil
}

// ID returns the base64url record id, or empty string before signing.
func (d *DataItem) ID() string {
	if d.rawID == nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(d.rawID)
}

// RawID returns the 32 raw id bytes.
func (d *DataItem) RawID() []byte {
	return d.rawID
}

// Verify recomputes the signature payload and checks the signature and id.
func (d *DataItem) Verify() error {
	if d.Signature == nil {
		return ErrUnsigned
	}
	if len(d.Signature) != signatureLength || len(d.Owner) != ownerLength {
		return fmt.Errorf("bad signature/owner length %d/%d", len(d.Signature), len(d.Owner))
	}
	payload, err := d.signaturePayload()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	if err := VerifySignature(d.Owner, digest[:], d.Signature); err != nil {
		return fmt.Errorf("data item signature invalid: %w", err)
	}
	id := sha256.Sum256(d.Signature)
	if d.rawID != nil && !bytes.Equal(d.rawID, id[:]) {
		return errors.New("arweave: data item id does not match signature")
	}
	return nil
}

// Size returns the encoded byte size of the item.
func (d *DataItem) Size() (int64, error) {
	tagBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return 0, err
	}
	size := int64(2 + signatureLength + ownerLength + 1 + 1 + 8 + 8)
	size += int64(len(d.Target) + len(d.Anchor) + len(tagBytes) + len(d.Data))
	return size, nil
}

// Encode serializes the signed item into its binary bundle entry form.
func (d *DataItem) Encode() ([]byte, error) {
	if d.Signature == nil {
		return nil, ErrUnsigned
	}
	tagBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return nil, err
	}

	size, err := d.Size()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(d.SignatureType))
	out = append(out, u16[:]...)
	out = append(out, d.Signature...)
	out = append(out, d.Owner...)

	out = appendPresence(out, d.Target)
	out = appendPresence(out, d.Anchor)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(d.Tags)))
	out = append(out, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], uint64(len(tagBytes)))
	out = append(out, u64[:]...)
	out = append(out, tagBytes...)

	out = append(out, d.Data...)
	return out, nil
}

// DecodeDataItem parses a binary data item, recovering its id from the
// signature. Tags are decoded and revalidated.
func DecodeDataItem(raw []byte) (*DataItem, error) {
	const fixedHeader = 2 + signatureLength + ownerLength
	if len(raw) < fixedHeader+2 {
		return nil, ErrItemTooShort
	}

	d := &DataItem{}
	off := 0

	d.SignatureType = int(binary.LittleEndian.Uint16(raw[off : off+2]))
	off += 2
	if d.SignatureType != SignatureTypeArweave {
		return nil, fmt.Errorf("unsupported signature type %d", d.SignatureType)
	}

	d.Signature = raw[off : off+signatureLength]
	off += signatureLength
	d.Owner = raw[off : off+ownerLength]
	off += ownerLength

	var err error
	if d.Target, off, err = readPresence(raw, off, targetLength); err != nil {
		return nil, fmt.Errorf("failed to read target: %w", err)
	}
	if d.Anchor, off, err = readPresence(raw, off, anchorLength); err != nil {
		return nil, fmt.Errorf("failed to read anchor: %w", err)
	}

	if len(raw) < off+16 {
		return nil, ErrItemTooShort
	}
	tagCount := binary.LittleEndian.Uint64(raw[off : off+8])
	tagBytesLen := binary.LittleEndian.Uint64(raw[off+8 : off+16])
	off += 16

	if tagCount > maxTagCount || tagBytesLen > maxDecodedTagSize {
		return nil, fmt.Errorf("implausible tag header: count=%d bytes=%d", tagCount, tagBytesLen)
	}
	if uint64(len(raw)-off) < tagBytesLen {
		return nil, ErrItemTooShort
	}
	d.Tags, err = DecodeTags(raw[off : off+int(tagBytesLen)])
	if err != nil {
		return nil, err
	}
	if uint64(len(d.Tags)) != tagCount {
		return nil, fmt.Errorf("tag count mismatch: header %d, decoded %d", tagCount, len(d.Tags))
	}
	off += int(tagBytesLen)

	d.Data = raw[off:]

	id := sha256.Sum256(d.Signature)
	d.rawID = id[:]
	return d, nil
}

// TagValue returns the first tag value for name, or empty string.
func (d *DataItem) TagValue(name string) string {
	for _, t := range d.Tags {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}

func (d *DataItem) signaturePayload() ([]byte, error) {
	tagBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return nil, err
	}
	return deepHashList(
		deepHashBlob([]byte("dataitem")),
		deepHashBlob([]byte("1")),
		deepHashBlob([]byte(strconv.Itoa(d.SignatureType))),
		deepHashBlob(d.Owner),
		deepHashBlob(d.Target),
		deepHashBlob(d.Anchor),
		deepHashBlob(tagBytes),
		deepHashBlob(d.Data),
	), nil
}

func appendPresence(out, field []byte) []byte {
	if len(field) > 0 {
		out = append(out, 1)
		return append(out, field...)
	}
	return append(out, 0)
}

func readPresence(raw []byte, off, length int) ([]byte, int, error) {
	if off >= len(raw) {
		return nil, 0, ErrItemTooShort
	}
	switch raw[off] {
	case 0:
		return nil, off + 1, nil
	case 1:
		if len(raw) < off+1+length {
			return nil, 0, ErrItemTooShort
		}
		return raw[off+1 : off+1+length], off + 1 + length, nil
	default:
		return nil, 0, fmt.Errorf("invalid presence byte %d", raw[off])
	}
}
