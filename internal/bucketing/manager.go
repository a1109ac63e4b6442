package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"authcore/internal/config"
)

// BucketingManager assigns stable partition buckets to event identifiers so
// the append-only security tables spread writes across partitions.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool the hash state to avoid per-call allocation
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// EventBucket returns a consistent bucket in [0, eventBuckets) for an
// identifier such as an IP address or user id.
func (bm *BucketingManager) EventBucket(identifier string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(identifier))
	sum := hasher.Sum64()

	return int(sum % uint64(bm.eventBuckets))
}

// TimeBucket truncates now to the containing window, for coarse grouping of
// events in the analytics sinks.
func (bm *BucketingManager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for an event.
func (bm *BucketingManager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}
