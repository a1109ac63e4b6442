package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"authcore/internal/config"
)

func testManager(buckets int) *BucketingManager {
	return NewBucketingManager(&config.Config{
		Bucketing: config.BucketingConfig{EventBuckets: buckets},
	})
}

func TestEventBucketDeterministic(t *testing.T) {
	bm := testManager(64)

	first := bm.EventBucket("203.0.113.7")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, bm.EventBucket("203.0.113.7"))
	}
}

func TestEventBucketRange(t *testing.T) {
	bm := testManager(16)

	for i := 0; i < 1000; i++ {
		b := bm.EventBucket(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
	}
}

func TestEventBucketSpreads(t *testing.T) {
	bm := testManager(16)

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		seen[bm.EventBucket(fmt.Sprintf("user-%d", i))] = true
	}

	// With 1000 identifiers over 16 buckets every bucket should be hit.
	assert.Len(t, seen, 16)
}
