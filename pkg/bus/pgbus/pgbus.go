// Package pgbus is the Postgres-backed bus.Consumer, grounded on the
// teacher's pkg/events EventBus (database/sql over the pgx stdlib driver,
// a project Logger adapted to the library's logging interface). Unlike the
// teacher's EventBus, this consumer cannot use watermill-sql's Subscriber
// directly: spec §6 requires arbitrary offset seek (seekToBeginning / seek
// to a persisted C1 offset) to replay an init-sync window, which
// watermill-sql's per-consumer-group offset tracking doesn't expose. The
// consumer therefore queries hermes_bus_messages directly over pgx; a
// companion Publisher wraps watermill-sql's own Publisher for seeding test
// traffic and for any forwarder-style fan-out a deployment wants, the same
// role the teacher's forwarder.Publisher plays.
package pgbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/pkg/bus"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// pollInterval bounds how often Consumer re-polls hermes_bus_messages while
// waiting for a new row within its configured timeout.
const pollInterval = 200 * time.Millisecond

// Consumer implements bus.Consumer by querying hermes_bus_messages directly
// over a pgx-backed *sql.DB, keeping its own cursor in memory (spec §6: the
// engine owns one open session per loop iteration and persists the offset
// itself via internal/offsetcache, so the consumer need not persist a
// cursor across restarts).
type Consumer struct {
	db      *sql.DB
	log     logger.Logger
	timeout time.Duration

	cursor  uint64 // next offset_id to read, 0 means "not seeked"
	seeked  bool
}

// Open dials the bus database. The caller owns Close.
func Open(ctx context.Context, databaseURL string, log logger.Logger) (*Consumer, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgbus: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgbus: ping db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Consumer{db: db, log: log}, nil
}

// OpenFromDB wraps an already-open *sql.DB, used by tests that share a pool
// between a Consumer and a Publisher.
func OpenFromDB(db *sql.DB, log logger.Logger) *Consumer {
	return &Consumer{db: db, log: log}
}

func (c *Consumer) Close() error {
	return c.db.Close()
}

// this is a no-op beyond validating the connection: the scoped session the
// engine acquires per iteration (spec §4.7 step 1) is the *sql.DB pool
// itself, already open.
func (c *Consumer) Open(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Consumer) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Consumer) SeekToBeginning(ctx context.Context) error {
	row := c.db.QueryRowContext(ctx, `SELECT COALESCE(MIN(offset_id), 0) FROM hermes_bus_messages`)
	var min uint64
	if err := row.Scan(&min); err != nil {
		return fmt.Errorf("pgbus: seek to beginning: %w", err)
	}
	c.cursor = min
	c.seeked = true
	return nil
}

func (c *Consumer) Seek(ctx context.Context, offset uint64) error {
	c.cursor = offset
	c.seeked = true
	return nil
}

// FindNextEventOfCategory scans forward from the cursor (without advancing
// it) for the next row of the given category, used for init-start/init-stop
// discovery (spec §4.7 step 5).
func (c *Consumer) FindNextEventOfCategory(ctx context.Context, category string) (*model.Event, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT offset_id, evcategory, payload, created_at
		FROM hermes_bus_messages
		WHERE offset_id >= $1 AND evcategory = $2
		ORDER BY offset_id ASC
		LIMIT 1
	`, c.cursor, category)

	ev, ok, err := scanEvent(row)
	if err != nil || !ok {
		return nil, false, err
	}
	return ev, true, nil
}

// Next returns the next event at or after the cursor, polling until one
// appears or the configured timeout elapses.
func (c *Consumer) Next(ctx context.Context) (*model.Event, bool, error) {
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	for {
		row := c.db.QueryRowContext(ctx, `
			SELECT offset_id, evcategory, payload, created_at
			FROM hermes_bus_messages
			WHERE offset_id >= $1
			ORDER BY offset_id ASC
			LIMIT 1
		`, c.cursor)

		ev, ok, err := scanEvent(row)
		if err != nil {
			return nil, false, err
		}
		if ok {
			c.cursor = ev.Offset + 1
			return ev, true, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func scanEvent(row *sql.Row) (*model.Event, bool, error) {
	var (
		offset    uint64
		category  string
		payload   []byte
		createdAt time.Time
	)
	if err := row.Scan(&offset, &category, &payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pgbus: scan event: %w", err)
	}

	ev, err := bus.DecodeEvent(payload, offset, createdAt)
	if err != nil {
		return nil, false, err
	}
	ev.Category = category
	return ev, true, nil
}

// Publisher wraps watermill-sql's Postgres publisher, used to seed test
// traffic or fan out to companion consumers; it does not feed
// hermes_bus_messages (the production read path a Consumer uses), mirroring
// the teacher's separation between the direct write path and its forwarder
// outbox.
type Publisher struct {
	pub message.Publisher
}

// NewPublisher opens a watermill-sql publisher over databaseURL.
func NewPublisher(databaseURL string, log logger.Logger) (*Publisher, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgbus: open publisher db: %w", err)
	}
	pub, err := watermillsql.NewPublisher(
		db,
		watermillsql.PublisherConfig{
			SchemaAdapter:        watermillsql.DefaultPostgreSQLSchema{},
			AutoInitializeSchema: true,
		},
		&slogAdapter{log: log},
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgbus: new publisher: %w", err)
	}
	return &Publisher{pub: pub}, nil
}

// Publish encodes ev and publishes it on topic.
func (p *Publisher) Publish(topic string, ev *model.Event) error {
	payload, err := bus.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("pgbus: encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := p.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("pgbus: publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.pub.Close()
}

// slogAdapter bridges logger.Logger to watermill.LoggerAdapter, grounded on
// the teacher's pkg/events.slogAdapter.
type slogAdapter struct{ log logger.Logger }

func (a *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(fieldsToArgs(fields), "error", err)...)
}
func (a *slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &slogAdapter{log: a.log.With(fieldsToArgs(fields)...)}
}

func fieldsToArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
