// Package repository implements the dedup store of handled alert ids
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"panic-relay/internal/core/ports"
)

// Ensure RedisRepository implements DedupRepository
var _ ports.DedupRepository = (*RedisRepository)(nil)

// RedisRepository remembers handled alert ids in Redis so every device of a
// principal sharing the instance skips alerts already dealt with.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository creates a new Redis repository instance.
// An empty prefix defaults to "dedup".
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "dedup"
	}
	return &RedisRepository{
		client: client,
		prefix: prefix,
	}
}

// IsDuplicate checks whether an alert id was already handled
func (r *RedisRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	key := r.buildDedupKey(eventID)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		slog.Error("Failed to check deduplication",
			"error", err,
			"event_id", eventID,
		)
		return false, fmt.Errorf("check duplicate: %w", err)
	}

	if n == 0 {
		return false, nil
	}

	slog.Debug("Handled alert redelivered",
		"event_id", eventID,
		"key", key,
	)
	return true, nil
}

// MarkProcessed records an alert id as handled for ttl.
// SET NX keeps the first handling time when two devices race.
func (r *RedisRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	key := r.buildDedupKey(eventID)

	// Value is the handling time, for debugging
	err := r.client.SetArgs(ctx, key, time.Now().Unix(), redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Error("Failed to mark alert as handled",
			"error", err,
			"event_id", eventID,
			"ttl", ttl,
		)
		return fmt.Errorf("mark processed: %w", err)
	}

	slog.Debug("Alert marked as handled",
		"event_id", eventID,
		"key", key,
		"ttl", ttl,
	)
	return nil
}

// buildDedupKey constructs the key, e.g. dedup:alert:42
func (r *RedisRepository) buildDedupKey(eventID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, eventID)
}
