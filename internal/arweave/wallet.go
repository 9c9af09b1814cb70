package arweave

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
)

// ownerLength is the modulus size of an Arweave wallet key (RSA-4096).
const ownerLength = 512

var (
	ErrNotRSAKey  = errors.New("arweave: wallet is not an RSA JWK")
	ErrBadModulus = errors.New("arweave: wallet modulus is not 4096 bits")
)

// jwk is the JSON Web Key layout Arweave wallet files use.
// All fields are base64url-encoded big-endian integers.
type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	Dp  string `json:"dp"`
	Dq  string `json:"dq"`
	Qi  string `json:"qi"`
}

// Wallet holds the RSA signing key of an Arweave wallet.
type Wallet struct {
	key     *rsa.PrivateKey
	owner   []byte
	address string
}

// LoadWallet parses a wallet from JWK JSON bytes.
func LoadWallet(raw []byte) (*Wallet, error) {
	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("failed to parse wallet JWK: %w", err)
	}
	if k.Kty != "RSA" {
		return nil, ErrNotRSAKey
	}

	n, err := decodeJWKInt(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet field n: %w", err)
	}
	e, err := decodeJWKInt(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet field e: %w", err)
	}
	d, err := decodeJWKInt(k.D)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet field d: %w", err)
	}
	p, err := decodeJWKInt(k.P)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet field p: %w", err)
	}
	q, err := decodeJWKInt(k.Q)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet field q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("wallet key validation failed: %w", err)
	}

	return NewWalletFromKey(key)
}

// LoadWalletFile reads and parses a wallet JWK file.
func LoadWalletFile(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}
	return LoadWallet(raw)
}

// NewWalletFromKey wraps an existing RSA private key.
func NewWalletFromKey(key *rsa.PrivateKey) (*Wallet, error) {
	owner := key.PublicKey.N.Bytes()
	if len(owner) != ownerLength {
		return nil, ErrBadModulus
	}
	addr := sha256.Sum256(owner)
	return &Wallet{
		key:     key,
		owner:   owner,
		address: base64.RawURLEncoding.EncodeToString(addr[:]),
	}, nil
}

// Owner returns the public modulus bytes identifying the wallet on-network.
func (w *Wallet) Owner() []byte {
	return w.owner
}

// Address returns the wallet address, base64url of SHA-256(owner).
func (w *Wallet) Address() string {
	return w.address
}

// Sign produces an RSA-PSS signature over a SHA-256 digest.
// The PSS salt is read from rng so callers control reproducibility.
func (w *Wallet) Sign(rng io.Reader, digest []byte) ([]byte, error) {
	return rsa.SignPSS(rng, w.key, crypto.SHA256, digest, &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
}

// VerifySignature checks an RSA-PSS signature against an arbitrary owner modulus.
func VerifySignature(owner, digest, sig []byte) error {
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(owner),
		E: 65537,
	}
	return rsa.VerifyPSS(pub, crypto.SHA256, digest, sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
}

func decodeJWKInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing value")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
