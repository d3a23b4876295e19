package loop

import (
	"context"

	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
)

// RequestMappingReload queues mappings to be swapped in at the loop's next
// suspension point. Safe to call from any goroutine (internal/clientconfig's
// fsnotify watcher included); the swap itself always runs on the loop's own
// goroutine, since Engine is only ever mutated from there, per spec §5's
// single-writer model. This is spec §4.2's "mapping may be reloaded at
// runtime" allowance.
func (l *Loop) RequestMappingReload(mappings map[string]*datamodel.Mapping) {
	l.pendingMapping.Store(&mappings)
}

// applyPendingMappingReload checks for (and applies) a queued mapping reload,
// mirroring handleDataschemaEvent's local-schema-rederivation dance but
// leaving the remote schema untouched: only the client-side mapping changed.
func (l *Loop) applyPendingMappingReload(ctx context.Context) {
	pending := l.pendingMapping.Swap(nil)
	if pending == nil {
		return
	}
	mappings := *pending

	newDM := datamodel.New(mappings, l.Engine.RemoteSchema.Types(), remoteAttrsByType(l.Engine.RemoteSchema))
	newLocalSpec, err := newDM.DeriveLocalSchema(l.Engine.RemoteSchema)
	if err != nil {
		l.Log.ErrorContext(ctx, "datamodel mapping reload rejected, keeping previous mapping", "error", err)
		return
	}
	newLocal, err := schema.New(newLocalSpec)
	if err != nil {
		l.Log.ErrorContext(ctx, "datamodel mapping reload produced an invalid local schema, keeping previous mapping", "error", err)
		return
	}
	newDM.SetLocalTypes(typesByName(newLocal))

	oldLocal := l.Engine.LocalSchema
	diff := newLocal.DiffFrom(oldLocal)

	oldLocalSnapshot := l.Engine.Caches.LocalEffective.Clone()
	l.Engine.Datamodel = newDM
	l.Engine.LocalSchema = newLocal
	l.Engine.ApplyLocalDatamodelChange(ctx, oldLocalSnapshot, diff.Removed)

	if err := l.Store.Save(fileLocalSchema, newLocal.ToSpec()); err != nil {
		l.Log.WarnContext(ctx, "save local schema after mapping reload", "error", err)
	}
	l.Log.InfoContext(ctx, "applied datamodel mapping reload",
		"added", diff.Added, "removed", diff.Removed, "modified", diff.Modified)
}

// remoteAttrsByType builds the remote-type -> known-attribute-set index
// datamodel.New needs, from a live schema.Schema.
func remoteAttrsByType(s *schema.Schema) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(s.Types()))
	for _, t := range s.Types() {
		ot := s.Get(t)
		attrs := make(map[string]struct{}, len(ot.Attributes))
		for _, a := range ot.Attributes {
			attrs[a] = struct{}{}
		}
		out[t] = attrs
	}
	return out
}
