package arweave

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Tag is a name/value pair attached to data items and transactions.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const (
	maxTagCount       = 128
	maxTagNameBytes   = 1024
	maxTagValueBytes  = 3072
	maxDecodedTagSize = 1 << 20
)

// EncodeTags serializes tags with the Avro array-of-records block encoding
// the bundle format mandates: a zigzag-varint record count, length-prefixed
// UTF-8 name/value pairs, and a zero terminator. Empty input encodes to nil.
func EncodeTags(tags []Tag) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	if len(tags) > maxTagCount {
		return nil, fmt.Errorf("too many tags: %d > %d", len(tags), maxTagCount)
	}

	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	writeLong := func(v int64) {
		n := binary.PutVarint(scratch[:], v)
		buf.Write(scratch[:n])
	}

	writeLong(int64(len(tags)))
	for _, tag := range tags {
		if tag.Name == "" || len(tag.Name) > maxTagNameBytes {
			return nil, fmt.Errorf("invalid tag name length %d", len(tag.Name))
		}
		if tag.Value == "" || len(tag.Value) > maxTagValueBytes {
			return nil, fmt.Errorf("invalid tag value length %d for %q", len(tag.Value), tag.Name)
		}
		writeLong(int64(len(tag.Name)))
		buf.WriteString(tag.Name)
		writeLong(int64(len(tag.Value)))
		buf.WriteString(tag.Value)
	}
	writeLong(0)

	return buf.Bytes(), nil
}

// DecodeTags parses Avro-encoded tag bytes. Blocks with a negative count
// (count, byte-size form) are accepted for interoperability.
func DecodeTags(data []byte) ([]Tag, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) > maxDecodedTagSize {
		return nil, fmt.Errorf("tag bytes too large: %d", len(data))
	}

	r := bytes.NewReader(data)
	var tags []Tag
	for {
		count, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read tag block count: %w", err)
		}
		if count == 0 {
			break
		}
		if count < 0 {
			// Negative block count is followed by the block byte size.
			if _, err := binary.ReadVarint(r); err != nil {
				return nil, fmt.Errorf("failed to read tag block size: %w", err)
			}
			count = -count
		}
		for i := int64(0); i < count; i++ {
			name, err := readAvroString(r, maxTagNameBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to read tag name: %w", err)
			}
			value, err := readAvroString(r, maxTagValueBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to read tag value: %w", err)
			}
			tags = append(tags, Tag{Name: name, Value: value})
		}
		if len(tags) > maxTagCount {
			return nil, fmt.Errorf("too many tags: %d > %d", len(tags), maxTagCount)
		}
	}
	return tags, nil
}

func readAvroString(r *bytes.Reader, max int) (string, error) {
	n, err := binary.ReadVarint(r)
	if err != nil {
		return "", err
	}
	if n <= 0 || n > int64(max) {
		return "", fmt.Errorf("invalid string length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
