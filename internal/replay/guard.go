// Package replay implements the anti-replay admission checks: timestamp
// drift validation and duplicate signal-id detection.
//
// The seen-set is redis-backed when a shared store is configured (so several
// instances share one admission view), with an in-process TTL cache as the
// only store otherwise and as the fallback when redis errors. Fallback keeps
// admission available during a redis outage at the cost of per-instance
// duplicate detection.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

const redisOpTimeout = 500 * time.Millisecond

// Error carries the machine-readable reason code plus the HTTP status the
// webhook layer maps it to.
type Error struct {
	Code       types.ReasonCode
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Guard performs the two admission checks. Safe for concurrent use.
type Guard struct {
	maxDrift time.Duration
	ttl      time.Duration

	rdb    *redis.Client // nil = in-memory only
	seen   *gocache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// New creates a guard. redisAddr may be empty for in-memory operation.
func New(maxDrift, ttl time.Duration, redisAddr string, logger *slog.Logger) *Guard {
	g := &Guard{
		maxDrift: maxDrift,
		ttl:      ttl,
		seen:     gocache.New(ttl, ttl/2),
		logger:   logger.With("component", "replay_guard"),
		now:      time.Now,
	}
	if redisAddr != "" {
		g.rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return g
}

// Check validates a payload's timestamp drift and marks its signal id as
// seen. The first call for an id within the TTL succeeds; subsequent calls
// fail with DUPLICATE_SIGNAL_ID.
func (g *Guard) Check(ctx context.Context, signalID, timestamp string) error {
	if signalID == "" {
		return &Error{Code: types.ReasonMissingSignalID, HTTPStatus: 400, Message: "payload has no signal_id"}
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &Error{Code: types.ReasonInvalidTimestamp, HTTPStatus: 400,
			Message: fmt.Sprintf("timestamp %q is not ISO-8601", timestamp)}
	}

	drift := g.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > g.maxDrift {
		return &Error{Code: types.ReasonTimestampDrift, HTTPStatus: 400,
			Message: fmt.Sprintf("timestamp drift %v exceeds %v", drift, g.maxDrift)}
	}

	if !g.markSeen(ctx, signalID) {
		return &Error{Code: types.ReasonDuplicateSignal, HTTPStatus: 409,
			Message: fmt.Sprintf("signal %s already seen within ttl", signalID)}
	}
	return nil
}

// Seen reports whether a signal id is currently in the seen-set without
// marking it.
func (g *Guard) Seen(ctx context.Context, signalID string) bool {
	if g.rdb != nil {
		rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		n, err := g.rdb.Exists(rctx, g.key(signalID)).Result()
		if err == nil {
			return n > 0
		}
		g.logger.Warn("redis exists failed, using memory fallback", "error", err)
	}
	_, found := g.seen.Get(signalID)
	return found
}

// markSeen inserts the id and reports whether it was new.
func (g *Guard) markSeen(ctx context.Context, signalID string) bool {
	if g.rdb != nil {
		rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		ok, err := g.rdb.SetNX(rctx, g.key(signalID), 1, g.ttl).Result()
		if err == nil {
			// Mirror into memory so a later redis outage still rejects
			// duplicates this instance has seen.
			if ok {
				g.seen.Set(signalID, struct{}{}, g.ttl)
			}
			return ok
		}
		g.logger.Warn("redis setnx failed, using memory fallback", "error", err)
	}

	if err := g.seen.Add(signalID, struct{}{}, g.ttl); err != nil {
		return false
	}
	return true
}

func (g *Guard) key(signalID string) string { return "titan:seen:" + signalID }
