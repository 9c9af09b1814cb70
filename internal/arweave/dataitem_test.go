package arweave

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignedItem(t *testing.T, data []byte, tags []Tag) *DataItem {
	t.Helper()
	item, err := NewDataItem(data, tags, nil)
	require.NoError(t, err)
	require.NoError(t, item.Sign(testWallet(t), rand.Reader))
	return item
}

func TestDataItemSign(t *testing.T) {
	tags := []Tag{{Name: "Content-Type", Value: "application/json"}, {Name: "Type", Value: "attestation"}}

	t.Run("id derives from signature", func(t *testing.T) {
		item := testSignedItem(t, []byte(`{"seq":1}`), tags)

		require.NotEmpty(t, item.ID())
		rawID, err := base64.RawURLEncoding.DecodeString(item.ID())
		require.NoError(t, err)
		assert.Len(t, rawID, 32)
		assert.Equal(t, rawID, item.RawID())
		assert.NoError(t, item.Verify())
	})

	t.Run("unsigned item has no id", func(t *testing.T) {
		item, err := NewDataItem([]byte("x"), nil, nil)
		require.NoError(t, err)
		assert.Empty(t, item.ID())
		assert.ErrorIs(t, item.Verify(), ErrUnsigned)
	})

	t.Run("same payload same entropy same id", func(t *testing.T) {
		w := testWallet(t)
		a, err := NewDataItem([]byte("payload"), tags, nil)
		require.NoError(t, err)
		b, err := NewDataItem([]byte("payload"), tags, nil)
		require.NoError(t, err)

		require.NoError(t, a.Sign(w, zeroReader{}))
		require.NoError(t, b.Sign(w, zeroReader{}))
		assert.Equal(t, a.ID(), b.ID())
	})

	t.Run("anchor separates identical payloads", func(t *testing.T) {
		w := testWallet(t)
		anchorA := make([]byte, 32)
		anchorB := make([]byte, 32)
		anchorB[0] = 1

		a, err := NewDataItem([]byte("payload"), tags, anchorA)
		require.NoError(t, err)
		b, err := NewDataItem([]byte("payload"), tags, anchorB)
		require.NoError(t, err)

		require.NoError(t, a.Sign(w, zeroReader{}))
		require.NoError(t, b.Sign(w, zeroReader{}))
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("rejects short anchor", func(t *testing.T) {
		_, err := NewDataItem([]byte("x"), nil, []byte{1, 2, 3})
		assert.Error(t, err)
	})
}

func TestDataItemEncodeDecode(t *testing.T) {
	tags := []Tag{{Name: "PI", Value: "entity-1"}, {Name: "Seq", Value: "42"}}
	item := testSignedItem(t, []byte(`{"pi":"entity-1","seq":42}`), tags)

	raw, err := item.Encode()
	require.NoError(t, err)

	size, err := item.Size()
	require.NoError(t, err)
	assert.Equal(t, size, int64(len(raw)))

	decoded, err := DecodeDataItem(raw)
	require.NoError(t, err)

	assert.Equal(t, item.ID(), decoded.ID())
	assert.Equal(t, item.Tags, decoded.Tags)
	assert.Equal(t, item.Data, decoded.Data)
	assert.Equal(t, "entity-1", decoded.TagValue("PI"))
	assert.Equal(t, "", decoded.TagValue("Missing"))
	assert.NoError(t, decoded.Verify())
}

func TestDataItemTamperDetection(t *testing.T) {
	item := testSignedItem(t, []byte("original"), []Tag{{Name: "Type", Value: "attestation"}})

	raw, err := item.Encode()
	require.NoError(t, err)

	// Flip a bit in the data section.
	raw[len(raw)-1] ^= 0xff
	decoded, err := DecodeDataItem(raw)
	require.NoError(t, err)
	assert.Error(t, decoded.Verify())
}

func TestDecodeDataItemTruncated(t *testing.T) {
	item := testSignedItem(t, []byte("payload"), []Tag{{Name: "A", Value: "b"}})
	raw, err := item.Encode()
	require.NoError(t, err)

	// Offsets: sigtype 2, signature 512, owner 512, then presence flags
	// and the 16-byte tag header.
	cases := []struct {
		name string
		keep int
	}{
		{"empty", 0},
		{"mid signature", 100},
		{"missing anchor flag", 1027},
		{"mid tag header", 1040},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeDataItem(raw[:tc.keep])
			assert.Error(t, err)
		})
	}
}
