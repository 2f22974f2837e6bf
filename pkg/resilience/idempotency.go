package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencySet answers spec.md §4.2's `is_duplicate(key)`: returns true if
// the key has been seen, and records it otherwise (check-and-insert is a
// single operation so concurrent duplicate keys never both report "new").
type IdempotencySet interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	Reset()
}

// BatchSet is the default, in-memory, per-batch idempotency set described in
// spec.md §4.2: it resets at the start of every batch. Durable dedup across
// batches is deferred to DurableSet (§9 open question).
type BatchSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewBatchSet() *BatchSet {
	return &BatchSet{seen: make(map[string]struct{})}
}

func (s *BatchSet) IsDuplicate(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return true, nil
	}
	s.seen[key] = struct{}{}
	return false, nil
}

func (s *BatchSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
}

// DurableSet backs the optional durable-idempotency mode (spec.md §9,
// resolved in DESIGN.md): a Redis SETNX+TTL key set that survives across
// batches, opt-in via config.
type DurableSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDurableSet(client *redis.Client, prefix string, ttl time.Duration) *DurableSet {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DurableSet{client: client, prefix: prefix, ttl: ttl}
}

func (s *DurableSet) IsDuplicate(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX returns true when the key was newly set, i.e. it was NOT a duplicate.
	return !ok, nil
}

// Reset is a no-op: durable dedup is intentionally not reset per-batch.
func (s *DurableSet) Reset() {}
