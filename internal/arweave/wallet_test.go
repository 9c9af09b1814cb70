package arweave

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testRSAKey  *rsa.PrivateKey
)

// testKey generates the shared RSA-4096 fixture. Generation is slow, so
// every test in the package reuses one key.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			t.Fatalf("failed to generate test key: %v", err)
		}
		testRSAKey = key
	})
	return testRSAKey
}

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewWalletFromKey(testKey(t))
	require.NoError(t, err)
	return w
}

// zeroReader provides all-zero entropy so signatures are reproducible.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func testWalletJSON(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	enc := func(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	raw, err := json.Marshal(map[string]string{
		"kty": "RSA",
		"n":   enc(key.PublicKey.N.Bytes()),
		"e":   enc([]byte{0x01, 0x00, 0x01}),
		"d":   enc(key.D.Bytes()),
		"p":   enc(key.Primes[0].Bytes()),
		"q":   enc(key.Primes[1].Bytes()),
		"dp":  enc(key.Precomputed.Dp.Bytes()),
		"dq":  enc(key.Precomputed.Dq.Bytes()),
		"qi":  enc(key.Precomputed.Qinv.Bytes()),
	})
	require.NoError(t, err)
	return raw
}

func TestLoadWallet(t *testing.T) {
	key := testKey(t)

	t.Run("valid JWK", func(t *testing.T) {
		w, err := LoadWallet(testWalletJSON(t, key))
		require.NoError(t, err)

		assert.Len(t, w.Owner(), 512)

		wantAddr := sha256.Sum256(key.PublicKey.N.Bytes())
		assert.Equal(t, base64.RawURLEncoding.EncodeToString(wantAddr[:]), w.Address())
	})

	t.Run("rejects non-RSA key", func(t *testing.T) {
		_, err := LoadWallet([]byte(`{"kty":"EC","n":"AQ"}`))
		assert.ErrorIs(t, err, ErrNotRSAKey)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := LoadWallet([]byte(`{not json`))
		assert.Error(t, err)
	})

	t.Run("rejects missing modulus", func(t *testing.T) {
		_, err := LoadWallet([]byte(`{"kty":"RSA","e":"AQAB"}`))
		assert.Error(t, err)
	})
}

func TestWalletSign(t *testing.T) {
	w := testWallet(t)
	digest := sha256.Sum256([]byte("payload"))

	t.Run("signature verifies", func(t *testing.T) {
		sig, err := w.Sign(rand.Reader, digest[:])
		require.NoError(t, err)
		assert.Len(t, sig, 512)
		assert.NoError(t, VerifySignature(w.Owner(), digest[:], sig))
	})

	t.Run("tampered digest fails verification", func(t *testing.T) {
		sig, err := w.Sign(rand.Reader, digest[:])
		require.NoError(t, err)

		other := sha256.Sum256([]byte("other payload"))
		assert.Error(t, VerifySignature(w.Owner(), other[:], sig))
	})

	t.Run("fixed entropy is reproducible", func(t *testing.T) {
		sig1, err := w.Sign(zeroReader{}, digest[:])
		require.NoError(t, err)
		sig2, err := w.Sign(zeroReader{}, digest[:])
		require.NoError(t, err)
		assert.Equal(t, sig1, sig2)
	})
}
