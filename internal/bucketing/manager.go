package bucketing

import (
	"github.com/spaolacci/murmur3"

	"security-core/internal/config"
)

// BucketingManager maps partition keys onto a fixed number of buckets:
// Scylla user partitions and ClickHouse audit rows. Keys are hashed with
// murmur3 and placed with jump consistent hashing, so growing the bucket
// count moves only about 1/n of the keys.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return &BucketingManager{
		userBuckets:  max(cfg.Bucketing.UserBuckets, 1),
		eventBuckets: max(cfg.Bucketing.EventBuckets, 1),
	}
}

// GetUserBucket returns a stable bucket in [0, userBuckets).
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return jump(murmur3.Sum64([]byte(userID)), bm.userBuckets)
}

// GetEventBucket buckets audit rows by user, or by ip for anonymous events.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return jump(murmur3.Sum64([]byte(identifier)), bm.eventBuckets)
}

// jump is Lamping and Veach's jump consistent hash.
func jump(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
