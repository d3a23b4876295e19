// Package bus defines the message-bus consumer contract the engine requires
// from its transport (spec §6), plus the JSON wire format events are framed
// in. Concrete transports live in subpackages: pgbus (Postgres-backed; its
// consumer queries the message table with database/sql, and only its
// Publisher goes through watermill-sql) for production, memory for tests
// and local development.
// Grounded on original_source/lib/datamodel/event.py's wire shape and
// original_source/clients/hermesclient.py's consumer usage
// (open/seek/setTimeout/findNextEventOfCategory/iteration).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// Consumer is the bus-transport contract the engine drives (spec §6). A
// scoped Open/Close pair brackets each main-loop iteration (spec §4.7 step 1,
// §5's "the engine holds the bus session scoped to the iteration").
type Consumer interface {
	Open(ctx context.Context) error
	Close() error

	// SeekToBeginning repositions the cursor at the oldest retained offset.
	SeekToBeginning(ctx context.Context) error
	// Seek repositions the cursor so the next Next() call returns the event
	// at offset, or the first event after it if offset was compacted away.
	Seek(ctx context.Context, offset uint64) error

	// SetTimeout bounds how long Next blocks waiting for a new event; zero
	// or negative means block indefinitely.
	SetTimeout(d time.Duration)

	// FindNextEventOfCategory scans forward from the current cursor for the
	// next event of category, without consuming events before it, used by
	// init-sync discovery (spec §4.7 step 5) to locate `init-start`/
	// `init-stop` markers.
	FindNextEventOfCategory(ctx context.Context, category string) (*model.Event, bool, error)

	// Next returns the next event in offset order, or ok=false once the
	// configured timeout elapses with nothing new to deliver.
	Next(ctx context.Context) (*model.Event, bool, error)
}

// wireEvent is the JSON envelope one bus message carries, spec §6 "Event
// wire format". Offset and Timestamp are supplied out of band by the
// transport's framing, not by this payload.
type wireEvent struct {
	Category             string          `json:"evcategory"`
	Type                 string          `json:"eventtype"`
	ObjType              string          `json:"objtype"`
	ObjPKey              json.RawMessage `json:"objpkey"`
	ObjAttrs             json.RawMessage `json:"objattrs"`
	Step                 int             `json:"step"`
	IsPartiallyProcessed bool            `json:"isPartiallyProcessed"`
}

// hermesDatetimePattern matches the "HermesDatetime(yyyy-mm-ddThh:mm:ssZ)"
// sentinel the original wraps datetimes in so they survive a JSON round
// trip without a schema, grounded on
// original_source/lib/datamodel/serialization.py's _json_parser/_json_dumper.
var hermesDatetimePattern = regexp.MustCompile(`^HermesDatetime\((\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})Z\)$`)

// EncodeHermesDatetime renders t using the wire sentinel format.
func EncodeHermesDatetime(t time.Time) string {
	return fmt.Sprintf("HermesDatetime(%sZ)", t.UTC().Format("2006-01-02T15:04:05"))
}

// decodeValue recursively unwraps any HermesDatetime(...) sentinel strings
// found in v into time.Time, leaving every other value untouched.
func decodeValue(v any) any {
	switch t := v.(type) {
	case string:
		if m := hermesDatetimePattern.FindStringSubmatch(t); m != nil {
			if parsed, err := time.Parse("2006-01-02T15:04:05", m[1]); err == nil {
				return parsed.UTC()
			}
		}
		return t
	case map[string]any:
		for k, vv := range t {
			t[k] = decodeValue(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = decodeValue(vv)
		}
		return t
	default:
		return v
	}
}

// encodeValue recursively wraps any time.Time found in v with the
// HermesDatetime(...) sentinel, the mirror of decodeValue.
func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return EncodeHermesDatetime(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = encodeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = encodeValue(vv)
		}
		return out
	default:
		return v
	}
}

// DecodeEvent parses raw (one bus message's payload) into an Event, stamping
// offset and timestamp from the transport's framing.
func DecodeEvent(raw []byte, offset uint64, timestamp time.Time) (*model.Event, error) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, fmt.Errorf("bus: decode event payload: %w", err)
	}

	var pkeyValues []any
	if len(we.ObjPKey) > 0 {
		var pkraw any
		if err := json.Unmarshal(we.ObjPKey, &pkraw); err != nil {
			return nil, fmt.Errorf("bus: decode objpkey: %w", err)
		}
		switch v := pkraw.(type) {
		case []any:
			pkeyValues = v
		default:
			pkeyValues = []any{v}
		}
		for i, v := range pkeyValues {
			pkeyValues[i] = decodeValue(v)
		}
	}

	ev := &model.Event{
		Category: we.Category, Type: we.Type, ObjType: we.ObjType,
		ObjPKey: model.NewPKey(pkeyValues...),
		Offset:  offset, Timestamp: timestamp,
		Step: we.Step, IsPartiallyProcessed: we.IsPartiallyProcessed,
	}

	if len(we.ObjAttrs) == 0 {
		return ev, nil
	}

	switch we.Type {
	case model.TypeAdded:
		var attrs map[string]any
		if err := json.Unmarshal(we.ObjAttrs, &attrs); err != nil {
			return nil, fmt.Errorf("bus: decode added objattrs: %w", err)
		}
		ev.Added = decodeValue(attrs).(map[string]any)
	case model.TypeModified:
		var subtrees struct {
			Added    map[string]any `json:"added"`
			Modified map[string]any `json:"modified"`
			Removed  map[string]any `json:"removed"`
		}
		if err := json.Unmarshal(we.ObjAttrs, &subtrees); err != nil {
			return nil, fmt.Errorf("bus: decode modified objattrs: %w", err)
		}
		ev.Added = decodeValue(subtrees.Added).(map[string]any)
		ev.Modified = decodeValue(subtrees.Modified).(map[string]any)
		ev.Removed = decodeValue(subtrees.Removed).(map[string]any)
	}

	return ev, nil
}

// EncodeEvent serializes ev into the bus wire format (used by test fixtures
// and the memory transport; production events normally arrive already
// encoded from the server side of the bus).
func EncodeEvent(ev *model.Event) ([]byte, error) {
	we := wireEvent{
		Category: ev.Category, Type: ev.Type, ObjType: ev.ObjType,
		Step: ev.Step, IsPartiallyProcessed: ev.IsPartiallyProcessed,
	}
	pkey, err := json.Marshal(pkeyJSONValue(ev.ObjPKey))
	if err != nil {
		return nil, err
	}
	we.ObjPKey = pkey

	var attrs any
	switch ev.Type {
	case model.TypeAdded:
		attrs = encodeValue(orEmpty(ev.Added))
	case model.TypeModified:
		attrs = map[string]any{
			"added":    encodeValue(orEmpty(ev.Added)),
			"modified": encodeValue(orEmpty(ev.Modified)),
			"removed":  encodeValue(orEmpty(ev.Removed)),
		}
	}
	if attrs != nil {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return nil, err
		}
		we.ObjAttrs = raw
	}
	return json.Marshal(we)
}

func pkeyJSONValue(pkey model.PKey) any {
	if pkey.Single() {
		return pkey.First()
	}
	return pkey.Values
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
