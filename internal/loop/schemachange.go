package loop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
)

// handleDataschemaEvent applies a `dataschema` bus event: its Added subtree
// carries the full new remote TypeSpec set (the schema is always published
// whole, never as a diff, mirroring original_source/lib/datamodel/
// dataschema.py's publish-on-every-change policy). This derives the new
// local schema, migrates primary keys, swaps both schemas on the processor,
// runs the local-datamodel-change replay immediately, then saves both
// schemas.
func (l *Loop) handleDataschemaEvent(ctx context.Context, ev *model.Event) error {
	newRemoteSpec, err := decodeSchemaPayload(ev.Added)
	if err != nil {
		return fmt.Errorf("loop: decode dataschema payload: %w", err)
	}
	newRemote, err := schema.New(newRemoteSpec)
	if err != nil {
		return fmt.Errorf("loop: invalid dataschema: %w", err)
	}

	newLocalSpec, err := l.Engine.Datamodel.DeriveLocalSchema(newRemote)
	if err != nil {
		return fmt.Errorf("loop: derive local schema: %w", err)
	}
	newLocal, err := schema.New(newLocalSpec)
	if err != nil {
		return fmt.Errorf("loop: invalid derived local schema: %w", err)
	}

	oldRemote, oldLocal := l.Engine.RemoteSchema, l.Engine.LocalSchema

	l.Engine.MigratePrimaryKeys(oldRemote, newRemote, oldLocal, newLocal)
	if err := l.Queue.Save(l.Store, fileErrorQueue); err != nil {
		return fmt.Errorf("loop: save error queue after primary key migration: %w", err)
	}
	if _, err := l.Queue.Load(l.Store, fileErrorQueue); err != nil {
		return fmt.Errorf("loop: reload error queue after primary key migration: %w", err)
	}

	diff := newLocal.DiffFrom(oldLocal)

	l.Engine.RemoteSchema = newRemote
	l.Engine.LocalSchema = newLocal
	l.Engine.Datamodel.SetLocalTypes(typesByName(newLocal))

	// The replay needs a snapshot of the local cache as it stood under the
	// old local schema's projection; ApplyLocalDatamodelChange diffs every
	// RemoteComplete object's new projection against it. The local-effective
	// cache, keyed by the old schema, serves as that snapshot before any
	// replay touches it.
	oldLocalSnapshot := l.Engine.Caches.LocalEffective.Clone()
	l.Engine.ApplyLocalDatamodelChange(ctx, oldLocalSnapshot, diff.Removed)

	if err := l.Store.Save(fileRemoteSchema, newRemote.ToSpec()); err != nil {
		l.Log.WarnContext(ctx, "save remote schema after dataschema event", "error", err)
	}
	if err := l.Store.Save(fileLocalSchema, newLocal.ToSpec()); err != nil {
		l.Log.WarnContext(ctx, "save local schema after dataschema event", "error", err)
	}

	l.Log.InfoContext(ctx, "applied dataschema change",
		"added", diff.Added, "removed", diff.Removed, "modified", diff.Modified)
	return nil
}

// decodeSchemaPayload JSON-round-trips an event's Added subtree (already a
// map[string]any from the bus wire decoder) into the strongly-typed
// map[string]schema.TypeSpec New expects.
func decodeSchemaPayload(added map[string]any) (map[string]schema.TypeSpec, error) {
	raw, err := json.Marshal(added)
	if err != nil {
		return nil, err
	}
	var spec map[string]schema.TypeSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func typesByName(s *schema.Schema) map[string]*model.ObjectType {
	out := map[string]*model.ObjectType{}
	for _, name := range s.Types() {
		out[name] = s.Get(name)
	}
	return out
}
