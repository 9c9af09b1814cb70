package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Arke-Institute/attestation/internal/database"
	"github.com/Arke-Institute/attestation/internal/models"
)

const (
	lookupKeyPrefix = "attest:"
	mirrorKeyPrefix = "chain:"

	// indexWriteAttempts bounds retries when the store rate-limits a chunk.
	indexWriteAttempts = 3
	indexRetryBase     = 250 * time.Millisecond
)

// IndexEntry pairs an entity/version with its lookup value.
type IndexEntry struct {
	EntityID string
	Ver      int64
	Entry    models.LookupEntry
}

// LookupRepository writes the read-side index mapping entity versions to
// their on-network records, and mirrors the chain head for readers. Both
// are caches: the network record is the source of truth.
type LookupRepository interface {
	WriteBatch(ctx context.Context, entries []IndexEntry) error
	Get(ctx context.Context, entityID string, ver string) (*models.LookupEntry, error)
	MirrorHead(ctx context.Context, head *models.ChainHead) error
}

type lookupRepo struct {
	redis *database.Redis
}

// NewLookupRepository creates a lookup index over the shared Redis store.
func NewLookupRepository(r *database.Redis) LookupRepository {
	return &lookupRepo{redis: r}
}

// WriteBatch upserts two keys per entry, attest:{entity}:{ver} and
// attest:{entity}:latest, pipelined in statement-sized chunks. Entries
// arrive in seq order so the last write for an entity wins :latest.
// Chunks retry with exponential backoff on rate limits.
func (r *lookupRepo) WriteBatch(ctx context.Context, entries []IndexEntry) error {
	for start := 0; start < len(entries); start += statementChunkSize {
		end := start + statementChunkSize
		if end > len(entries) {
			end = len(entries)
		}

		var err error
		backoff := indexRetryBase
		for attempt := 1; attempt <= indexWriteAttempts; attempt++ {
			if err = r.writeChunk(ctx, entries[start:end]); err == nil {
				break
			}
			if attempt < indexWriteAttempts {
				if serr := sleepContext(ctx, backoff); serr != nil {
					return serr
				}
				backoff *= 2
			}
		}
		if err != nil {
			return fmt.Errorf("failed to write index chunk after %d attempts: %w", indexWriteAttempts, err)
		}
	}
	return nil
}

func (r *lookupRepo) writeChunk(ctx context.Context, entries []IndexEntry) error {
	pipe := r.redis.Client().Pipeline()
	for _, e := range entries {
		value, err := json.Marshal(e.Entry)
		if err != nil {
			return fmt.Errorf("failed to marshal index entry for %s: %w", e.EntityID, err)
		}
		pipe.Set(ctx, lookupKey(e.EntityID, strconv.FormatInt(e.Ver, 10)), value, 0)
		pipe.Set(ctx, lookupKey(e.EntityID, "latest"), value, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get reads one index entry; ver may be a number or "latest".
func (r *lookupRepo) Get(ctx context.Context, entityID string, ver string) (*models.LookupEntry, error) {
	raw, err := r.redis.GetBytes(ctx, lookupKey(entityID, ver))
	if err != nil {
		return nil, err
	}
	var entry models.LookupEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt index entry for %s:%s: %w", entityID, ver, err)
	}
	return &entry, nil
}

// MirrorHead copies the authoritative head into the read-side cache.
// Last writer wins; failures here never roll back the chain.
func (r *lookupRepo) MirrorHead(ctx context.Context, head *models.ChainHead) error {
	fields := map[string]any{
		"tx":  head.TXString(),
		"cid": "",
		"seq": head.Seq,
	}
	if head.CID != nil {
		fields["cid"] = *head.CID
	}
	return r.redis.Client().HSet(ctx, mirrorKeyPrefix+head.Key, fields).Err()
}

func lookupKey(entityID, ver string) string {
	return lookupKeyPrefix + entityID + ":" + ver
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ LookupRepository = (*lookupRepo)(nil)
