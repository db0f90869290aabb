package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"panic-relay/internal/core/ports"
)

// Ensure MemoryRepository implements DedupRepository
var _ ports.DedupRepository = (*MemoryRepository)(nil)

const defaultMemoryCapacity = 4096

// MemoryRepository is the in-process dedup store used when no Redis is
// configured. Entries expire after the repository TTL; the per-call ttl can
// only shorten an entry's life.
type MemoryRepository struct {
	mu      sync.Mutex
	cache   *expirable.LRU[string, time.Time]
	nowFunc func() time.Time
}

// NewMemoryRepository creates a bounded store. capacity <= 0 uses a default.
func NewMemoryRepository(capacity int, ttl time.Duration) *MemoryRepository {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryRepository{
		cache:   expirable.NewLRU[string, time.Time](capacity, nil, ttl),
		nowFunc: time.Now,
	}
}

// IsDuplicate checks whether an alert id was already handled
func (r *MemoryRepository) IsDuplicate(_ context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt, ok := r.cache.Get(eventID)
	if !ok {
		return false, nil
	}
	if !expiresAt.IsZero() && !r.nowFunc().Before(expiresAt) {
		r.cache.Remove(eventID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records an alert id as handled
func (r *MemoryRepository) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache.Peek(eventID); ok {
		return nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = r.nowFunc().Add(ttl)
	}
	r.cache.Add(eventID, expiresAt)
	return nil
}

// Len returns the number of remembered ids
func (r *MemoryRepository) Len() int {
	return r.cache.Len()
}
