package arweave

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	bundleCountLen  = 32
	bundleHeaderLen = 64
)

// ErrEmptyBundle is returned when packing zero items.
var ErrEmptyBundle = errors.New("arweave: bundle has no items")

// BundleTags returns the envelope tags marking a transaction as a binary bundle.
func BundleTags() []Tag {
	return []Tag{
		{Name: "Bundle-Format", Value: "binary"},
		{Name: "Bundle-Version", Value: "2.0.0"},
	}
}

// PackBundle serializes signed items into the binary bundle container:
// a 32-byte little-endian item count, one 64-byte (size, id) header per
// item, then the item bytes back to back. Item order is preserved.
func PackBundle(items []*DataItem) ([]byte, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBundle
	}

	encoded := make([][]byte, len(items))
	total := bundleCountLen + bundleHeaderLen*len(items)
	for i, item := range items {
		raw, err := item.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %d: %w", i, err)
		}
		encoded[i] = raw
		total += len(raw)
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(items)))

	// Headers, then payloads.
	off := bundleCountLen
	for i, item := range items {
		binary.LittleEndian.PutUint64(out[off:off+8], uint64(len(encoded[i])))
		copy(out[off+32:off+64], item.RawID())
		off += bundleHeaderLen
	}
	for _, raw := range encoded {
		copy(out[off:], raw)
		off += len(raw)
	}

	return out, nil
}

// UnpackBundle parses a binary bundle and re-derives every item id,
// rejecting headers that disagree with the carried signatures.
func UnpackBundle(raw []byte) ([]*DataItem, error) {
	if len(raw) < bundleCountLen {
		return nil, errors.New("arweave: bundle shorter than count header")
	}
	count := binary.LittleEndian.Uint64(raw[0:8])
	if count == 0 {
		return nil, ErrEmptyBundle
	}
	headerEnd := bundleCountLen + bundleHeaderLen*int(count)
	if count > uint64(len(raw)) || headerEnd > len(raw) {
		return nil, fmt.Errorf("arweave: bundle header overruns payload (count=%d)", count)
	}

	items := make([]*DataItem, 0, count)
	off := headerEnd
	for i := 0; i < int(count); i++ {
		h := bundleCountLen + bundleHeaderLen*i
		size := binary.LittleEndian.Uint64(raw[h : h+8])
		if size == 0 || uint64(len(raw)-off) < size {
			return nil, fmt.Errorf("arweave: item %d size %d overruns bundle", i, size)
		}
		item, err := DecodeDataItem(raw[off : off+int(size)])
		if err != nil {
			return nil, fmt.Errorf("failed to decode item %d: %w", i, err)
		}
		if !bytes.Equal(item.RawID(), raw[h+32:h+64]) {
			return nil, fmt.Errorf("arweave: item %d header id mismatch", i)
		}
		items = append(items, item)
		off += int(size)
	}
	return items, nil
}
