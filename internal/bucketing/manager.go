package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-service/internal/config"
)

const (
	defaultExpiryBuckets = 16
	defaultEventBuckets  = 64
)

// BucketingManager spreads phones over a fixed number of partitions so that no
// single Scylla partition (expiry index, event tables) grows unbounded.
type BucketingManager struct {
	expiryBuckets int
	eventBuckets  int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		expiryBuckets: cfg.ExpiryBuckets,
		eventBuckets:  cfg.EventBuckets,
	}
	if bm.expiryBuckets <= 0 {
		bm.expiryBuckets = defaultExpiryBuckets
	}
	if bm.eventBuckets <= 0 {
		bm.eventBuckets = defaultEventBuckets
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// ExpiryBucket returns the expiry index partition of a phone (0 to ExpiryBuckets-1).
func (bm *BucketingManager) ExpiryBucket(phone string) int {
	return bm.getBucket(phone, bm.expiryBuckets)
}

// EventBucket returns the audit event partition of an identifier.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// DateBucket returns the UTC day of t, used to partition events by day.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) ExpiryBuckets() int {
	return bm.expiryBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
