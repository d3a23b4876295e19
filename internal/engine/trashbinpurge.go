package engine

import (
	"context"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// PurgeTrashbinEntry finalizes the removal of one expired local trashbin
// entry, spec §4.3's retention-elapsed purge. Unlike ProcessRemoteEvent this
// never touches the remote-side caches: the object already left the remote
// side (it reached the trashbin through a prior `removed` event), so this
// only drives the local applyRemoved transition (TrashbinDelete, handler
// TransitionRemoved, error-queue cleanup for the object).
//
// Guard A still applies: an object with a queued error, or that is a
// foreign-key parent of one, is left in the trashbin and enqueued instead so
// the purge doesn't silently drop state a pending error still depends on.
func (p *Processor) PurgeTrashbinEntry(ctx context.Context, objtype string, pkey model.PKey, enqueueOnError bool) error {
	ev := model.NewRemovedEvent(model.CategoryBase, objtype, pkey)

	if enqueueOnError {
		hadErrors := p.Queue.ContainsObject(objtype, pkey, true)
		isParent := false
		if _, gated := p.foreignKeyEventTypes()[model.TypeRemoved]; gated {
			isParent = p.IsParentOfAnotherError(ctx, objtype, pkey)
		}
		if hadErrors || isParent {
			reason := "trashbin entry is a dependency of an object with unresolved errors: deferring purge"
			p.Queue.Append(nil, ev, &reason)
			return nil
		}
	}

	_, err := p.applyLocal(ctx, nil, ev, false)
	if err != nil && enqueueOnError {
		msg := err.Error()
		p.Queue.Append(nil, ev, &msg)
		return nil
	}
	return err
}

// RetryQueuedEvent replays one error-queue entry, routing through
// ProcessRemoteEvent when it carries a remote event and straight through
// applyLocal when it doesn't (entries synthesized by PurgeTrashbinEntry or
// ApplyLocalDatamodelChange never have one). enqueueOnError is always false
// here: a repeat failure during a retry pass updates the entry's error
// message in place rather than appending a duplicate.
func (p *Processor) RetryQueuedEvent(ctx context.Context, remoteEv, localEv *model.Event) error {
	if remoteEv != nil {
		_, err := p.ProcessRemoteEvent(ctx, remoteEv, localEv, false)
		return err
	}
	_, err := p.applyLocal(ctx, nil, localEv, true)
	return err
}
