package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"github.com/Arke-Institute/attestation/internal/database"
	"github.com/Arke-Institute/attestation/internal/models"
)

var (
	// ErrManifestNotFound marks a queue row whose manifest never arrived.
	ErrManifestNotFound = errors.New("repository: manifest not found")
	// ErrManifestInvalid marks a manifest without a numeric ver field.
	ErrManifestInvalid = errors.New("repository: manifest invalid")
)

// manifestKeyPrefix namespaces manifest bodies in the shared key-value store.
const manifestKeyPrefix = "manifest:"

// maxManifestBytes caps how much a single manifest may inflate to.
const maxManifestBytes = 16 << 20

// ManifestSource reads manifest bodies the producer stored by content id.
// The writer never creates manifests; Put exists for test seeding only.
type ManifestSource interface {
	Get(ctx context.Context, cid string) (*models.Manifest, error)
	Put(ctx context.Context, cid string, manifest []byte) error
}

type manifestRepo struct {
	redis *database.Redis
}

// NewManifestSource creates a manifest source over the shared Redis store.
func NewManifestSource(r *database.Redis) ManifestSource {
	return &manifestRepo{redis: r}
}

// Get fetches and parses the manifest for a content id. Producers may
// store bodies gzip-compressed; the magic bytes decide transparently.
func (r *manifestRepo) Get(ctx context.Context, cid string) (*models.Manifest, error) {
	raw, err := r.redis.GetBytes(ctx, manifestKeyPrefix+cid)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", cid, err)
	}
	return parseManifest(cid, raw)
}

// Put stores a manifest body. Used by the test-bundle admin path to seed
// synthetic manifests; production bodies are written by the producer.
func (r *manifestRepo) Put(ctx context.Context, cid string, manifest []byte) error {
	return r.redis.Set(ctx, manifestKeyPrefix+cid, manifest, 0)
}

// parseManifest inflates gzip bodies and extracts the mandatory version.
func parseManifest(cid string, raw []byte) (*models.Manifest, error) {
	if isGzip(raw) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip header for %s", ErrManifestInvalid, cid)
		}
		inflated, err := io.ReadAll(io.LimitReader(zr, maxManifestBytes))
		if closeErr := zr.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, fmt.Errorf("%w: gzip inflate failed for %s", ErrManifestInvalid, cid)
		}
		raw = inflated
	}

	var probe struct {
		Ver *int64 `json:"ver"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %s is not JSON", ErrManifestInvalid, cid)
	}
	if probe.Ver == nil {
		return nil, fmt.Errorf("%w: %s has no numeric ver", ErrManifestInvalid, cid)
	}

	return &models.Manifest{CID: cid, Raw: raw, Ver: *probe.Ver}, nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

var _ ManifestSource = (*manifestRepo)(nil)
