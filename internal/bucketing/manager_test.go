package bucketing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"security-core/internal/config"
)

func newManager(users, events int) *BucketingManager {
	cfg := &config.Config{}
	cfg.Bucketing.UserBuckets = users
	cfg.Bucketing.EventBuckets = events
	return NewBucketingManager(cfg)
}

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := newManager(16, 4)

	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		b := bm.GetUserBucket(email)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.GetUserBucket(email))
		seen[b] = true

		e := bm.GetEventBucket(email)
		assert.Less(t, e, 4)
	}
	assert.Len(t, seen, 16, "500 keys should touch every bucket")
}

func TestBucketsConcurrent(t *testing.T) {
	bm := newManager(8, 8)
	want := bm.GetUserBucket("alice@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, bm.GetUserBucket("alice@example.com"))
		}()
	}
	wg.Wait()
}

func TestZeroBucketsClamped(t *testing.T) {
	bm := newManager(0, 0)
	assert.Equal(t, 0, bm.GetUserBucket("x"))
	assert.Equal(t, 0, bm.GetEventBucket("198.51.100.7"))
}

func TestGrowingBucketsMovesFewKeys(t *testing.T) {
	small, large := newManager(64, 1), newManager(65, 1)

	moved := 0
	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("user-%d", i)
		before, after := small.GetUserBucket(id), large.GetUserBucket(id)
		if before != after {
			moved++
			assert.Equal(t, 64, after, "keys only move into the new bucket")
		}
	}
	assert.Less(t, moved, 250)
}
