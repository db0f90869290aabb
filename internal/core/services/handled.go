package services

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"panic-relay/internal/core/ports"
)

// DefaultHandledTTL is how long handled alert ids are remembered
const DefaultHandledTTL = 24 * time.Hour

// handledSet remembers alert ids that reached a terminal local state.
// Repository errors fail open: an alert is shown rather than lost.
type handledSet struct {
	repo   ports.DedupRepository
	prefix string
	ttl    time.Duration
}

func newHandledSet(repo ports.DedupRepository, prefix string, ttl time.Duration) handledSet {
	if ttl <= 0 {
		ttl = DefaultHandledTTL
	}
	return handledSet{repo: repo, prefix: prefix, ttl: ttl}
}

func (h handledSet) key(alertID int64) string {
	return h.prefix + ":" + strconv.FormatInt(alertID, 10)
}

func (h handledSet) seen(ctx context.Context, alertID int64) bool {
	if h.repo == nil {
		return false
	}
	dup, err := h.repo.IsDuplicate(ctx, h.key(alertID))
	if err != nil {
		slog.Warn("Dedup check failed, treating alert as new",
			"error", err,
			"alert_id", alertID,
		)
		return false
	}
	return dup
}

func (h handledSet) mark(ctx context.Context, alertID int64) {
	if h.repo == nil {
		return
	}
	if err := h.repo.MarkProcessed(ctx, h.key(alertID), h.ttl); err != nil {
		slog.Warn("Failed to mark alert as handled",
			"error", err,
			"alert_id", alertID,
		)
	}
}
