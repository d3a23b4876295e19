// Package redisstore implements an optional, never-authoritative secondary
// lookup cache for objects otherwise held in internal/cache.Caches' in-process
// arena. Grounded on steveyegge-beads's internal/daemon/redis_wisp_store.go
// (redis.ParseURL, a JSON-per-key value, Ping-on-connect); unlike that store
// this one is a pure accelerator a deployment can run without: every method
// degrades to "not found" on a Redis error rather than failing the caller,
// since the in-process arena (backed by internal/jsoncache on disk) is always
// the real source of truth, per spec §5's single-instance invariant.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// defaultTTL bounds how long a warmed entry survives without being refreshed,
// so a Store that stops receiving Put calls (client crashed, redeployed
// without this feature) empties out instead of serving data forever.
const defaultTTL = 24 * time.Hour

// Store is a Redis-backed secondary cache keyed by side/objtype/primary key.
type Store struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	log       logger.Logger
}

// Open connects to redisURL ("redis://host:port/db") and verifies
// connectivity. Returns nil, nil when redisURL is empty: callers treat a nil
// *Store as "warm cache disabled" rather than threading a feature flag
// through every lookup site.
func Open(ctx context.Context, redisURL string, log logger.Logger) (*Store, error) {
	if redisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}

	return &Store{client: client, namespace: "hermes", ttl: defaultTTL, log: log}, nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(side, objtype string, pkey model.PKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.namespace, side, objtype, pkey.Key())
}

// Get returns the cached attributes for side/objtype/pkey. ok is false both
// when the entry isn't cached and when Redis itself is unreachable: a
// warm-cache miss is never distinguishable from "never warmed" to the caller,
// since both fall back to the authoritative in-process arena identically.
func (s *Store) Get(ctx context.Context, side, objtype string, pkey model.PKey) (attrs map[string]any, ok bool) {
	if s == nil {
		return nil, false
	}
	raw, err := s.client.Get(ctx, s.key(side, objtype, pkey)).Bytes()
	if err != nil {
		if err != redis.Nil && s.log != nil {
			s.log.WarnContext(ctx, "redisstore get failed, falling back to authoritative cache", "error", err)
		}
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		if s.log != nil {
			s.log.WarnContext(ctx, "redisstore decode failed, falling back to authoritative cache", "error", err)
		}
		return nil, false
	}
	return out, true
}

// Put warms side/objtype/pkey with attrs, best-effort: a failure here never
// propagates, since losing a warm-cache write only costs a future cache miss,
// not correctness.
func (s *Store) Put(ctx context.Context, side, objtype string, pkey model.PKey, attrs map[string]any) {
	if s == nil {
		return
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.key(side, objtype, pkey), data, s.ttl).Err(); err != nil && s.log != nil {
		s.log.WarnContext(ctx, "redisstore put failed", "error", err)
	}
}

// Delete evicts side/objtype/pkey, called whenever the authoritative arena
// removes or trashes an object so a stale warm entry can't outlive it.
func (s *Store) Delete(ctx context.Context, side, objtype string, pkey model.PKey) {
	if s == nil {
		return
	}
	if err := s.client.Del(ctx, s.key(side, objtype, pkey)).Err(); err != nil && s.log != nil {
		s.log.WarnContext(ctx, "redisstore delete failed", "error", err)
	}
}
