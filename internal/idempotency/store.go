// Package idempotency caches webhook response envelopes keyed by signal id,
// guaranteeing at-most-once execution of the handler per id within the TTL.
//
// Like the replay guard, the store is redis-first when a shared store is
// configured and falls back to an in-process TTL cache on redis errors.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

const redisOpTimeout = 500 * time.Millisecond

// Outcome is what Process returns: the envelope plus whether it was served
// from cache.
type Outcome struct {
	Response types.ResponseEnvelope
	Cached   bool
}

// Store maps signal id → cached response envelope.
type Store struct {
	ttl    time.Duration
	rdb    *redis.Client // nil = in-memory only
	mem    *gocache.Cache
	logger *slog.Logger

	// inflight serializes concurrent Process calls for the same id so fn
	// runs at most once even before the result lands in the cache.
	inflightMu sync.Mutex
	inflight   map[string]*sync.Mutex
}

// New creates a store. redisAddr may be empty for in-memory operation.
func New(ttl time.Duration, redisAddr string, logger *slog.Logger) *Store {
	s := &Store{
		ttl:      ttl,
		mem:      gocache.New(ttl, ttl/2),
		logger:   logger.With("component", "idempotency"),
		inflight: make(map[string]*sync.Mutex),
	}
	if redisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return s
}

// Lookup returns a previously cached response for the id.
func (s *Store) Lookup(ctx context.Context, signalID string) (types.ResponseEnvelope, bool) {
	if s.rdb != nil {
		rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		raw, err := s.rdb.Get(rctx, s.key(signalID)).Bytes()
		if err == nil {
			var env types.ResponseEnvelope
			if jerr := json.Unmarshal(raw, &env); jerr == nil {
				return env, true
			}
		} else if err != redis.Nil {
			s.logger.Warn("redis get failed, using memory fallback", "error", err)
		}
	}

	if v, found := s.mem.Get(signalID); found {
		return v.(types.ResponseEnvelope), true
	}
	return types.ResponseEnvelope{}, false
}

// Save stores a response envelope for the id.
func (s *Store) Save(ctx context.Context, signalID string, env types.ResponseEnvelope) {
	s.mem.Set(signalID, env, s.ttl)

	if s.rdb != nil {
		raw, err := json.Marshal(env)
		if err != nil {
			s.logger.Error("marshal envelope", "error", err)
			return
		}
		rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		if err := s.rdb.Set(rctx, s.key(signalID), raw, s.ttl).Err(); err != nil {
			s.logger.Warn("redis set failed, memory copy kept", "error", err)
		}
	}
}

// Process runs fn at most once per signal id within the TTL. Duplicate calls
// are served the first call's envelope with Cached=true.
func (s *Store) Process(ctx context.Context, signalID string, fn func() types.ResponseEnvelope) Outcome {
	lock := s.lockFor(signalID)
	lock.Lock()
	defer s.release(signalID)
	defer lock.Unlock()

	if env, found := s.Lookup(ctx, signalID); found {
		return Outcome{Response: env, Cached: true}
	}

	env := fn()
	s.Save(ctx, signalID, env)
	return Outcome{Response: env}
}

func (s *Store) lockFor(signalID string) *sync.Mutex {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	lock, ok := s.inflight[signalID]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[signalID] = lock
	}
	return lock
}

// release drops the per-id mutex once the response is cached; later callers
// for the id are answered by the cache, not the lock.
func (s *Store) release(signalID string) {
	s.inflightMu.Lock()
	delete(s.inflight, signalID)
	s.inflightMu.Unlock()
}

func (s *Store) key(signalID string) string { return "titan:idem:" + signalID }
