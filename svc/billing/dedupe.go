package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisDedupeStore remembers processed webhook event ids in redis with a TTL.
// SET NX makes the check-and-record atomic across instances.
type redisDedupeStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDedupeStore creates a redis-backed webhook dedupe store. Event ids
// expire after ttl; processors stop retrying long before any sane value, so a
// day is plenty.
func NewRedisDedupeStore(client redis.UniversalClient, ttl time.Duration) DedupeStore {
	if client == nil {
		panic("billing: redis client is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisDedupeStore{
		client:    client,
		keyPrefix: "billing:webhook:event:",
		ttl:       ttl,
	}
}

func (s *redisDedupeStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+eventID, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event id: %w", err)
	}
	return ok, nil
}

// memDedupeStore is the in-memory DedupeStore for tests and single-instance
// deployments. Entries are never evicted.
type memDedupeStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemDedupeStore creates an in-memory webhook dedupe store.
func NewMemDedupeStore() DedupeStore {
	return &memDedupeStore{seen: make(map[string]struct{})}
}

func (s *memDedupeStore) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = struct{}{}
	return true, nil
}
