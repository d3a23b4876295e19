package redisstore

import (
	"context"
	"testing"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

func TestOpen_EmptyURLDisablesWarmCache(t *testing.T) {
	s, err := Open(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("expected no error for an empty redis url, got %v", err)
	}
	if s != nil {
		t.Fatalf("expected a nil *Store when no redis url is configured")
	}
}

func TestOpen_InvalidURLFails(t *testing.T) {
	if _, err := Open(context.Background(), "not-a-redis-url", nil); err == nil {
		t.Fatal("expected an error parsing a malformed redis url")
	}
}

// A nil *Store must behave as "warm cache disabled" everywhere, since
// internal/engine threads Processor.WarmCache unconditionally rather than
// nil-checking it at every call site.
func TestNilStore_DegradesToNoop(t *testing.T) {
	var s *Store
	ctx := context.Background()
	pkey := model.NewPKey("42")

	if attrs, ok := s.Get(ctx, "local", "widget", pkey); ok || attrs != nil {
		t.Fatalf("expected a nil Store to report a miss, got %v, %v", attrs, ok)
	}

	// Put/Delete/Close on a nil Store must not panic.
	s.Put(ctx, "local", "widget", pkey, map[string]any{"id": "42"})
	s.Delete(ctx, "local", "widget", pkey)
	if err := s.Close(); err != nil {
		t.Fatalf("expected Close on a nil Store to be a no-op, got %v", err)
	}
}
