package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/cache"
	"github.com/insa-strasbourg/hermes-client/internal/errorqueue"
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
	"github.com/insa-strasbourg/hermes-client/pkg/handler"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

type noopLog struct{}

func (noopLog) Info(string, ...any)                          {}
func (noopLog) Error(string, ...any)                         {}
func (noopLog) Warn(string, ...any)                          {}
func (noopLog) Debug(string, ...any)                         {}
func (noopLog) Critical(string, ...any)                      {}
func (noopLog) InfoContext(context.Context, string, ...any)  {}
func (noopLog) ErrorContext(context.Context, string, ...any) {}
func (noopLog) WarnContext(context.Context, string, ...any)  {}
func (noopLog) DebugContext(context.Context, string, ...any) {}
func (l noopLog) With(...any) logger.Logger                  { return l }
func (noopLog) ToSlog() *slog.Logger                          { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustSchema(t *testing.T, spec map[string]schema.TypeSpec) *schema.Schema {
	t.Helper()
	s, err := schema.New(spec)
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return s
}

// usersGroupsSchema builds a two-type local schema with Groups.owner ->
// Users.id, used by both the transition-table tests and the FK-chain guard
// tests. Groups is keyed by owner itself (a foreign-key source attribute
// must be part of its own type's primary key, schema.ObjectType.AddForeignKey's
// rule), i.e. modelled as a weak entity: one Groups row per owning user.
// Remote and local namespaces are identical here, so every test event is
// passed to ProcessRemoteEvent as its own localOverride instead of routing
// through a compiled datamodel mapping (exercised separately in
// internal/datamodel's own tests).
func usersGroupsSchema(t *testing.T) *schema.Schema {
	t.Helper()
	return mustSchema(t, map[string]schema.TypeSpec{
		"Users": {
			Attributes: []string{"id", "name"},
			PrimaryKey: []string{"id"},
		},
		"Groups": {
			Attributes:  []string{"owner", "name"},
			PrimaryKey:  []string{"owner"},
			ForeignKeys: map[string][2]string{"owner": {"Users", "id"}},
		},
	})
}

func newProcessor(t *testing.T, policy string, retention time.Duration) (*Processor, *handler.Registry) {
	t.Helper()
	s := usersGroupsSchema(t)
	reg := handler.NewRegistry()
	p := &Processor{
		RemoteSchema: s,
		LocalSchema:  s,
		Caches: &cache.Caches{
			RemoteEffective: model.NewDatasource(),
			RemoteComplete:  model.NewDatasource(),
			LocalEffective:  model.NewDatasource(),
			LocalComplete:   model.NewDatasource(),
		},
		Queue:             errorqueue.New(map[string]string{"Users": "Users", "Groups": "Groups"}, errorqueue.PolicyDisabled, noopLog{}),
		Handlers:          reg,
		Log:               noopLog{},
		ForeignKeyPolicy:  policy,
		TrashbinRetention: retention,
	}
	p.Queue.SetTypes(map[string]*model.ObjectType{"Users": s.Get("Users"), "Groups": s.Get("Groups")},
		map[string]*model.ObjectType{"Users": s.Get("Users"), "Groups": s.Get("Groups")})
	p.Queue.SetDatasources(p.Caches.RemoteEffective, p.Caches.RemoteComplete, p.Caches.LocalEffective, p.Caches.LocalComplete)
	return p, reg
}

func TestProcessRemoteEvent_Added(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	ev := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})

	res, err := p.ProcessRemoteEvent(context.Background(), ev, ev, true)
	if err != nil {
		t.Fatalf("ProcessRemoteEvent: %v", err)
	}
	if res.Transition != TransitionAdded || !res.Applied {
		t.Fatalf("expected added/applied, got %+v", res)
	}
	if p.Caches.LocalEffective.Get("Users", model.NewPKey("u1")) == nil {
		t.Fatal("expected object present in local effective cache")
	}
	if p.Caches.RemoteEffective.Get("Users", model.NewPKey("u1")) == nil {
		t.Fatal("expected object present in remote effective cache")
	}
}

func TestProcessRemoteEvent_RemovedWithRetentionGoesToTrashbin(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	add := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), add, add, true); err != nil {
		t.Fatalf("add: %v", err)
	}

	rm := model.NewRemovedEvent(model.CategoryBase, "Users", model.NewPKey("u1"))
	rm.Timestamp = time.Unix(1000, 0).UTC()
	res, err := p.ProcessRemoteEvent(context.Background(), rm, rm, true)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res.Transition != TransitionTrashed {
		t.Fatalf("expected trashed transition with retention configured, got %v", res.Transition)
	}
	if p.Caches.LocalEffective.Get("Users", model.NewPKey("u1")) != nil {
		t.Fatal("object should have left the main collection")
	}
	if p.Caches.LocalEffective.TrashbinGet("Users", model.NewPKey("u1")) == nil {
		t.Fatal("object should be in the trashbin")
	}
}

func TestProcessRemoteEvent_RemovedWithoutRetentionDeletesOutright(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, 0)
	add := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), add, add, true); err != nil {
		t.Fatalf("add: %v", err)
	}

	rm := model.NewRemovedEvent(model.CategoryBase, "Users", model.NewPKey("u1"))
	res, err := p.ProcessRemoteEvent(context.Background(), rm, rm, true)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res.Transition != TransitionRemoved {
		t.Fatalf("expected removed transition with no retention, got %v", res.Transition)
	}
	if p.Caches.LocalEffective.TrashbinGet("Users", model.NewPKey("u1")) != nil {
		t.Fatal("object should not land in the trashbin when retention is off")
	}
}

func TestProcessRemoteEvent_AddedWhileTrashedRecycles(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	add := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), add, add, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	rm := model.NewRemovedEvent(model.CategoryBase, "Users", model.NewPKey("u1"))
	rm.Timestamp = time.Unix(1000, 0).UTC()
	if _, err := p.ProcessRemoteEvent(context.Background(), rm, rm, true); err != nil {
		t.Fatalf("remove: %v", err)
	}

	readd := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	res, err := p.ProcessRemoteEvent(context.Background(), readd, readd, true)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if res.Transition != TransitionRecycled {
		t.Fatalf("expected recycled transition, got %v", res.Transition)
	}
	if p.Caches.LocalEffective.TrashbinGet("Users", model.NewPKey("u1")) != nil {
		t.Fatal("object should have left the trashbin on recycle")
	}
	if p.Caches.LocalEffective.Get("Users", model.NewPKey("u1")) == nil {
		t.Fatal("object should be back in the main collection on recycle")
	}
	if p.Queue.Len() != 0 {
		t.Fatalf("recycled with no attribute drift should not enqueue a synthetic event, queue len=%d", p.Queue.Len())
	}
}

func TestProcessRemoteEvent_RecycledWithDriftEnqueuesSyntheticModified(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	add := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), add, add, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	rm := model.NewRemovedEvent(model.CategoryBase, "Users", model.NewPKey("u1"))
	rm.Timestamp = time.Unix(1000, 0).UTC()
	if _, err := p.ProcessRemoteEvent(context.Background(), rm, rm, true); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// Re-added with a different name: the recycled object now differs from
	// the trashed snapshot.
	readd := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alicia"})
	if _, err := p.ProcessRemoteEvent(context.Background(), readd, readd, true); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if p.Queue.Len() != 1 {
		t.Fatalf("expected one synthetic modified event queued for the drift, got %d", p.Queue.Len())
	}
}

func TestProcessRemoteEvent_HandlerFailureEnqueuesWithMessage(t *testing.T) {
	p, reg := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	reg.Register("Users", handler.TransitionAdded, func(ctx context.Context, hctx *handler.Context, pkey model.PKey, eventAttrs map[string]any, newObj, cachedObj map[string]any) error {
		return errFailingHandler
	})

	ev := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	res, err := p.ProcessRemoteEvent(context.Background(), ev, ev, true)
	if err != nil {
		t.Fatalf("expected the error to be enqueued, not returned: %v", err)
	}
	if res.Applied {
		t.Fatal("expected Applied=false when the handler fails")
	}
	if p.Queue.Len() != 1 {
		t.Fatalf("expected one queued error, got %d", p.Queue.Len())
	}
	if p.Caches.LocalEffective.Get("Users", model.NewPKey("u1")) != nil {
		t.Fatal("object should not be applied to the local cache when its handler fails")
	}
}

func TestProcessRemoteEvent_HandlerFailureReturnsErrorOnRetryPass(t *testing.T) {
	p, reg := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	reg.Register("Users", handler.TransitionAdded, func(ctx context.Context, hctx *handler.Context, pkey model.PKey, eventAttrs map[string]any, newObj, cachedObj map[string]any) error {
		return errFailingHandler
	})

	ev := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	_, err := p.ProcessRemoteEvent(context.Background(), ev, ev, false)
	if err == nil {
		t.Fatal("expected the retry pass to surface the handler error directly")
	}
}

func TestProcessRemoteEvent_QueuesWhenObjectAlreadyHasErrors(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	msg := "prior failure"
	failedLocal := model.NewModifiedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), nil, map[string]any{"name": "X"}, nil)
	p.Queue.Append(nil, failedLocal, &msg)

	ev := model.NewModifiedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), nil, map[string]any{"name": "Y"}, nil)
	res, err := p.ProcessRemoteEvent(context.Background(), ev, ev, true)
	if err != nil {
		t.Fatalf("ProcessRemoteEvent: %v", err)
	}
	if res.Applied {
		t.Fatal("expected the event to be queued rather than applied")
	}
	if p.Queue.Len() != 2 {
		t.Fatalf("expected two queued entries, got %d", p.Queue.Len())
	}
}

func TestProcessRemoteEvent_QueuesWhenObjectIsForeignKeyParentOfQueuedError(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyOnEvery, time.Hour)

	// Users/u1 is already the owner referenced by Groups/g1's cached data.
	uAdd := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), uAdd, uAdd, true); err != nil {
		t.Fatalf("add user: %v", err)
	}
	gAdd := model.NewAddedEvent(model.CategoryBase, "Groups", model.NewPKey("u1"), map[string]any{"owner": "u1", "name": "g1"})
	if _, err := p.ProcessRemoteEvent(context.Background(), gAdd, gAdd, true); err != nil {
		t.Fatalf("add group: %v", err)
	}

	// Groups/u1 now has a queued error.
	msg := "group handler failed"
	failedLocal := model.NewModifiedEvent(model.CategoryBase, "Groups", model.NewPKey("u1"), nil, map[string]any{"name": "g1-renamed"}, nil)
	p.Queue.Append(nil, failedLocal, &msg)

	// Modifying Users/u1 (the FK parent of the errored Groups/g1) must be
	// queued instead of applied, under the onEvery policy.
	uMod := model.NewModifiedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), nil, map[string]any{"name": "Alice2"}, nil)
	res, err := p.ProcessRemoteEvent(context.Background(), uMod, uMod, true)
	if err != nil {
		t.Fatalf("ProcessRemoteEvent: %v", err)
	}
	if res.Applied {
		t.Fatal("expected the FK-parent event to be queued, not applied")
	}
	if got, _ := p.Caches.LocalEffective.Get("Users", model.NewPKey("u1")).Get("name"); got != "Alice" {
		t.Fatalf("expected the user's cached name to remain unchanged, got %v", got)
	}
}

func TestProcessRemoteEvent_ForeignKeyDisabledPolicyDoesNotQueueParent(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)

	uAdd := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), uAdd, uAdd, true); err != nil {
		t.Fatalf("add user: %v", err)
	}
	gAdd := model.NewAddedEvent(model.CategoryBase, "Groups", model.NewPKey("u1"), map[string]any{"owner": "u1", "name": "g1"})
	if _, err := p.ProcessRemoteEvent(context.Background(), gAdd, gAdd, true); err != nil {
		t.Fatalf("add group: %v", err)
	}
	msg := "group handler failed"
	failedLocal := model.NewModifiedEvent(model.CategoryBase, "Groups", model.NewPKey("u1"), nil, map[string]any{"name": "g1-renamed"}, nil)
	p.Queue.Append(nil, failedLocal, &msg)

	uMod := model.NewModifiedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), nil, map[string]any{"name": "Alice2"}, nil)
	res, err := p.ProcessRemoteEvent(context.Background(), uMod, uMod, true)
	if err != nil {
		t.Fatalf("ProcessRemoteEvent: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected the event to apply directly when the foreign-key policy is disabled")
	}
}

func TestMigratePrimaryKeys_RekeysCacheAndQueue(t *testing.T) {
	p, _ := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)
	ev := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice", "email": "alice@example.com"})
	if _, err := p.ProcessRemoteEvent(context.Background(), ev, ev, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	msg := "pending"
	pendingLocal := model.NewModifiedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), nil, map[string]any{"name": "X"}, nil)
	p.Queue.Append(nil, pendingLocal, &msg)

	oldSchema := p.LocalSchema
	newSchema := mustSchema(t, map[string]schema.TypeSpec{
		"Users": {
			Attributes: []string{"id", "name", "email"},
			PrimaryKey: []string{"email"},
		},
		"Groups": {
			Attributes:  []string{"owner", "name"},
			PrimaryKey:  []string{"owner"},
			ForeignKeys: map[string][2]string{"owner": {"Users", "email"}},
		},
	})

	p.MigratePrimaryKeys(oldSchema, newSchema, oldSchema, newSchema)
	p.LocalSchema = newSchema
	p.RemoteSchema = newSchema

	if p.Caches.LocalEffective.Get("Users", model.NewPKey("u1")) != nil {
		t.Fatal("object should no longer be reachable under its old primary key")
	}
	rekeyed := p.Caches.LocalEffective.Get("Users", model.NewPKey("alice@example.com"))
	if rekeyed == nil {
		t.Fatal("object should be reachable under its new primary key")
	}
	if name, _ := rekeyed.Get("name"); name != "Alice" {
		t.Fatalf("expected attributes to survive the rekey, got name=%v", name)
	}

	found := false
	p.Queue.AllEvents(func(_ uint64, e errorqueue.Entry) {
		if e.Local.ObjPKey.Key() == model.NewPKey("alice@example.com").Key() {
			found = true
		}
	})
	if !found {
		t.Fatal("expected the queued event's objpkey to have been rewritten to the new primary key")
	}
}

// TestProcessRemoteEvent_ResumableStepSurvivesRetry exercises §8 scenario 6:
// a handler that partially applies a multi-step transition before failing
// leaves its step markers on the queued event, and a later retry resumes
// from them instead of restarting from scratch.
func TestProcessRemoteEvent_ResumableStepSurvivesRetry(t *testing.T) {
	p, reg := newProcessor(t, config.ForeignKeyPolicyDisabled, time.Hour)

	var gotStep int
	var gotPartial, gotRetry bool
	first := true
	reg.Register("Users", handler.TransitionAdded, func(ctx context.Context, hctx *handler.Context, pkey model.PKey, eventAttrs map[string]any, newObj, cachedObj map[string]any) error {
		gotStep, gotPartial, gotRetry = hctx.Step, hctx.IsPartiallyProcessed, hctx.IsAnErrorRetry
		if first {
			first = false
			hctx.SetStep(2)
			hctx.IsPartiallyProcessed = true
			return errFailingHandler
		}
		return nil
	})

	ev := model.NewAddedEvent(model.CategoryBase, "Users", model.NewPKey("u1"), map[string]any{"id": "u1", "name": "Alice"})
	if _, err := p.ProcessRemoteEvent(context.Background(), ev, ev, true); err != nil {
		t.Fatalf("expected the failure to be enqueued, not returned: %v", err)
	}
	if gotStep != -1 || gotPartial || gotRetry {
		t.Fatalf("expected a fresh call to start at step -1/not-partial/not-retry, got step=%d partial=%v retry=%v", gotStep, gotPartial, gotRetry)
	}

	var entry errorqueue.Entry
	p.Queue.AllEvents(func(_ uint64, e errorqueue.Entry) { entry = e })
	if entry.Local.Step != 2 || !entry.Local.IsPartiallyProcessed {
		t.Fatalf("expected the queued event to carry step=2/partial=true, got step=%d partial=%v", entry.Local.Step, entry.Local.IsPartiallyProcessed)
	}

	if err := p.RetryQueuedEvent(context.Background(), entry.Remote, entry.Local); err != nil {
		t.Fatalf("RetryQueuedEvent: %v", err)
	}
	if gotStep != 2 || !gotPartial || !gotRetry {
		t.Fatalf("expected the retry to resume at step=2/partial=true/retry=true, got step=%d partial=%v retry=%v", gotStep, gotPartial, gotRetry)
	}
}

var errFailingHandler = errFailing{}

type errFailing struct{}

func (errFailing) Error() string { return "handler intentionally failed" }
