// Package handler defines the pluggable target-adapter contract the event
// processor dispatches into (spec §6): one callback per `(local type,
// transition)` pair, plus a global `on_save` invoked once per loop
// iteration that changed state. Grounded on
// original_source/clients/hermesclient.py's handler-lookup-and-call idiom,
// adapted to a typed registry instead of Python's `getattr(self, name,
// None)`.
package handler

import (
	"context"
	"fmt"

	"github.com/insa-strasbourg/hermes-client/internal/model"
)

// Transition names the local-object-lifecycle transition a handler is called
// for, spec §4.6's transition table.
type Transition string

const (
	TransitionAdded    Transition = "added"
	TransitionModified Transition = "modified"
	TransitionRemoved  Transition = "removed"
	TransitionRecycled Transition = "recycled"
	TransitionTrashed  Transition = "trashed"
)

// Context carries the resumable state a handler may update while applying
// a multi-step transition (spec §6/§9): the engine reads Step and
// IsPartiallyProcessed back after the call and persists them on the event so
// a later retry can resume instead of restarting the transition.
type Context struct {
	// Step is the last step number the handler completed; negative means
	// "not started" / "no stepping used".
	Step int
	// IsPartiallyProcessed marks that some but not all of the transition's
	// side effects have been applied, so a retry must not be treated as an
	// idempotent no-op.
	IsPartiallyProcessed bool
	// IsAnErrorRetry is true when this call is a retry of a previously
	// failed transition (the event already exists in the error queue).
	IsAnErrorRetry bool
}

// SetStep records step as completed, typically called after commiting
// step's side effects. It leaves IsPartiallyProcessed unchanged.
func (c *Context) SetStep(step int) {
	c.Step = step
}

// Func is one `on_<type>_<transition>` (or `on_save`) callback. newObj and
// cachedObj are nil where the transition doesn't provide them (e.g. `added`
// has no cachedObj, `removed` has no newObj).
type Func func(ctx context.Context, hctx *Context, pkey model.PKey, eventAttrs map[string]any, newObj, cachedObj map[string]any) error

// SaveFunc is the `on_save` global callback, invoked once per loop iteration
// that changed state, after all events in that iteration were processed.
type SaveFunc func(ctx context.Context) error

// Registry maps `on_<type>_<transition>` names to their Func, mirroring the
// original's attribute-lookup dispatch but resolved once at startup instead
// of on every call.
type Registry struct {
	handlers map[string]Func
	onSave   SaveFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Func{}}
}

// name builds the `on_<type>_<transition>` handler name the spec uses for
// §6's handler contract.
func name(objtype string, transition Transition) string {
	return fmt.Sprintf("on_%s_%s", objtype, transition)
}

// Register binds fn as the handler for objtype's transition. A second
// Register call for the same pair replaces the first, so test doubles and
// application wiring can both use Register without needing a separate
// override path.
func (r *Registry) Register(objtype string, transition Transition, fn Func) {
	r.handlers[name(objtype, transition)] = fn
}

// OnSave binds the global on_save callback.
func (r *Registry) OnSave(fn SaveFunc) {
	r.onSave = fn
}

// Lookup returns objtype's handler for transition, and whether one was
// registered. A missing handler is not an error: spec §4.6 only calls a
// handler "when defined".
func (r *Registry) Lookup(objtype string, transition Transition) (Func, bool) {
	fn, ok := r.handlers[name(objtype, transition)]
	return fn, ok
}

// CallSave invokes the registered on_save callback, if any.
func (r *Registry) CallSave(ctx context.Context) error {
	if r.onSave == nil {
		return nil
	}
	return r.onSave(ctx)
}

// HermesError wraps a handler failure the way the spec's §7 HandlerError
// does: it carries the transition being attempted so the event processor can
// log and enqueue without the handler needing to know about the queue.
type HermesError struct {
	Transition Transition
	ObjType    string
	Pkey       model.PKey
	Err        error
}

func (e *HermesError) Error() string {
	return fmt.Sprintf("handler: on_%s_%s(%s): %v", e.ObjType, e.Transition, e.Pkey, e.Err)
}

func (e *HermesError) Unwrap() error { return e.Err }

// NewHermesError wraps err as a HermesError for the given transition.
func NewHermesError(objtype string, transition Transition, pkey model.PKey, err error) *HermesError {
	return &HermesError{Transition: transition, ObjType: objtype, Pkey: pkey, Err: err}
}
