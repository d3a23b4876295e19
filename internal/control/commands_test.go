package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/insa-strasbourg/hermes-client/internal/cache"
	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"github.com/insa-strasbourg/hermes-client/internal/engine"
	"github.com/insa-strasbourg/hermes-client/internal/errorqueue"
	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/loop"
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/offsetcache"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
	"github.com/insa-strasbourg/hermes-client/pkg/bus/memory"
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

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	remote, err := schema.New(map[string]schema.TypeSpec{
		"Widgets": {Attributes: []string{"id"}, PrimaryKey: []string{"id"}},
	})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	dm := datamodel.New(map[string]*datamodel.Mapping{}, remote.Types(), map[string]map[string]struct{}{
		"Widgets": {"id": {}},
	})

	store, err := jsoncache.New(t.TempDir(), false, 1)
	if err != nil {
		t.Fatalf("jsoncache.New: %v", err)
	}
	caches := cache.New(store)
	queue := errorqueue.New(map[string]string{"Widgets": "Widgets"}, errorqueue.PolicyDisabled, noopLog{})
	widgetsType := map[string]*model.ObjectType{"Widgets": remote.Get("Widgets")}
	queue.SetTypes(widgetsType, widgetsType)
	queue.SetDatasources(caches.RemoteEffective, caches.RemoteComplete, caches.LocalEffective, caches.LocalComplete)

	localSchema, err := schema.New(map[string]schema.TypeSpec{})
	if err != nil {
		t.Fatalf("schema.New (local): %v", err)
	}
	proc := &engine.Processor{
		RemoteSchema: remote,
		LocalSchema:  localSchema,
		Datamodel:    dm,
		Caches:       caches,
		Queue:        queue,
		Handlers:     handler.NewRegistry(),
		Log:          noopLog{},
	}

	cfg := &config.Config{LoopIntervalSeconds: 0, BusUnavailableBackoffSeconds: 1}
	return loop.New(cfg, noopLog{}, memory.New(), store, caches, queue, offsetcache.New(store), proc, proc.Handlers)
}

func TestDispatch_QuitRequestsStop(t *testing.T) {
	l := newTestLoop(t)
	resp := Dispatch(l, "hermes-client", []string{"quit"})
	if resp.Retcode != 0 {
		t.Fatalf("expected retcode 0, got %d (%s)", resp.Retcode, resp.Retmsg)
	}
	if !l.IsStopped() {
		t.Fatalf("expected IsStopped true after quit command")
	}
}

func TestDispatch_PauseResumeCycle(t *testing.T) {
	l := newTestLoop(t)

	resp := Dispatch(l, "hermes-client", []string{"pause"})
	if resp.Retcode != 0 || !l.IsPaused() {
		t.Fatalf("expected pause to succeed, got %+v, paused=%v", resp, l.IsPaused())
	}

	resp = Dispatch(l, "hermes-client", []string{"pause"})
	if resp.Retcode == 0 {
		t.Fatalf("expected a second pause to fail while already paused")
	}
	if !strings.Contains(resp.Retmsg, "already paused") {
		t.Fatalf("expected an 'already paused' message, got %q", resp.Retmsg)
	}

	resp = Dispatch(l, "hermes-client", []string{"resume"})
	if resp.Retcode != 0 || l.IsPaused() {
		t.Fatalf("expected resume to succeed, got %+v, paused=%v", resp, l.IsPaused())
	}

	resp = Dispatch(l, "hermes-client", []string{"resume"})
	if resp.Retcode == 0 {
		t.Fatalf("expected a second resume to fail while not paused")
	}
	if !strings.Contains(resp.Retmsg, "not paused") {
		t.Fatalf("expected a 'not paused' message, got %q", resp.Retmsg)
	}
}

func TestDispatch_PauseResumeRefusedAfterQuit(t *testing.T) {
	l := newTestLoop(t)
	Dispatch(l, "hermes-client", []string{"quit"})

	resp := Dispatch(l, "hermes-client", []string{"pause"})
	if resp.Retcode == 0 || !strings.Contains(resp.Retmsg, "being stopped") {
		t.Fatalf("expected pause to be refused after quit, got %+v", resp)
	}
}

func TestDispatch_StatusJSON(t *testing.T) {
	l := newTestLoop(t)
	resp := Dispatch(l, "hermes-client", []string{"status", "--json"})
	if resp.Retcode != 0 {
		t.Fatalf("expected retcode 0, got %d", resp.Retcode)
	}
	var decoded map[string]map[string]map[string]string
	if err := json.Unmarshal([]byte(resp.Retmsg), &decoded); err != nil {
		t.Fatalf("expected valid JSON status, got error %v on %q", err, resp.Retmsg)
	}
	if _, ok := decoded["errorqueue"]; !ok {
		t.Fatalf("expected an 'errorqueue' component in the status snapshot, got %v", decoded)
	}
}

func TestDispatch_StatusText(t *testing.T) {
	l := newTestLoop(t)
	resp := Dispatch(l, "hermes-client", []string{"status"})
	if resp.Retcode != 0 {
		t.Fatalf("expected retcode 0, got %d", resp.Retcode)
	}
	if !strings.Contains(resp.Retmsg, "errorqueue:") {
		t.Fatalf("expected text status to contain an 'errorqueue:' block, got %q", resp.Retmsg)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	l := newTestLoop(t)
	resp := Dispatch(l, "hermes-client", []string{"bogus"})
	if resp.Retcode == 0 {
		t.Fatalf("expected an unknown command to fail")
	}
}
