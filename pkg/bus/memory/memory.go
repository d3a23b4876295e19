// Package memory is an in-memory bus.Consumer fake for tests and local
// development, grounded on the same Consumer contract pgbus implements but
// backed by a plain slice instead of Postgres.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/pkg/bus"
)

// Consumer is a bus.Consumer backed by an in-memory, append-only event log.
// Safe for concurrent Append calls from a producer goroutine while a single
// consumer drains it.
type Consumer struct {
	mu      sync.Mutex
	events  []*model.Event
	cursor  int
	timeout time.Duration
}

var _ bus.Consumer = (*Consumer)(nil)

// New returns an empty Consumer.
func New() *Consumer {
	return &Consumer{}
}

// Append adds ev to the log, stamping its offset from the log's current
// length. Intended for test fixtures, not for the engine itself.
func (c *Consumer) Append(ev *model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.Offset = uint64(len(c.events))
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Unix(0, 0).UTC()
	}
	c.events = append(c.events, ev)
}

func (c *Consumer) Open(ctx context.Context) error  { return nil }
func (c *Consumer) Close() error                    { return nil }
func (c *Consumer) SetTimeout(d time.Duration)       { c.timeout = d }

func (c *Consumer) SeekToBeginning(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = 0
	return nil
}

func (c *Consumer) Seek(ctx context.Context, offset uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = 0
	for i, ev := range c.events {
		if ev.Offset >= offset {
			c.cursor = i
			return nil
		}
	}
	c.cursor = len(c.events)
	return nil
}

func (c *Consumer) FindNextEventOfCategory(ctx context.Context, category string) (*model.Event, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.cursor; i < len(c.events); i++ {
		if c.events[i].Category == category {
			return c.events[i].Clone(), true, nil
		}
	}
	return nil, false, nil
}

// Next returns the next queued event, or blocks in short polling slices
// until the configured timeout elapses with nothing new appended. With a
// timeout of zero or less it does not block: when nothing is queued it
// returns ok=false at once.
func (c *Consumer) Next(ctx context.Context) (*model.Event, bool, error) {
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	for {
		c.mu.Lock()
		if c.cursor < len(c.events) {
			ev := c.events[c.cursor].Clone()
			c.cursor++
			c.mu.Unlock()
			return ev, true, nil
		}
		c.mu.Unlock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, false, nil
		}
		if c.timeout <= 0 {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
