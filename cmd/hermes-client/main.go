// Command hermes-client runs one CDC engine instance: it loads its datamodel
// mapping, opens the bus and the persisted caches, then drives
// internal/loop's main loop until a signal or the control socket's `quit`
// command asks it to stop. Grounded on the teacher's cmd/worker/main.go
// wiring style (config -> logger -> telemetry -> resources -> run ->
// signal-driven shutdown), adapted to this engine's own resources in place
// of a database pool/event bus/Redis client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/insa-strasbourg/hermes-client/internal/cache"
	"github.com/insa-strasbourg/hermes-client/internal/cache/redisstore"
	"github.com/insa-strasbourg/hermes-client/internal/clientconfig"
	"github.com/insa-strasbourg/hermes-client/internal/control"
	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"github.com/insa-strasbourg/hermes-client/internal/engine"
	"github.com/insa-strasbourg/hermes-client/internal/errorqueue"
	"github.com/insa-strasbourg/hermes-client/internal/jsoncache"
	"github.com/insa-strasbourg/hermes-client/internal/loop"
	"github.com/insa-strasbourg/hermes-client/internal/model"
	"github.com/insa-strasbourg/hermes-client/internal/offsetcache"
	"github.com/insa-strasbourg/hermes-client/internal/schema"
	"github.com/insa-strasbourg/hermes-client/pkg/bus/pgbus"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
	"github.com/insa-strasbourg/hermes-client/pkg/handler"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
	"github.com/insa-strasbourg/hermes-client/pkg/telemetry"
)

// Fixed jsoncache filenames. Must match internal/loop's own (unexported)
// copies of these names: the loop package owns persisting them during Run,
// but the very first load, before any Loop exists, happens here.
const (
	fileErrorQueue   = "errorqueue"
	fileRemoteSchema = "remoteschema"
	fileLocalSchema  = "localschema"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	ctx := context.Background()

	otelShutdown, _, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	instanceLock, err := loop.AcquireInstanceLock(cfg.AppName)
	if err != nil {
		log.Error("failed to acquire instance lock", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer instanceLock.Release()

	store, err := jsoncache.New(cfg.CacheDirectory, cfg.CacheCompress, cfg.CacheBackupCount)
	if err != nil {
		log.Error("failed to open cache store", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	log.Info("cache store opened", "dir", cfg.CacheDirectory)

	remoteSchema, localSchema, err := loadPersistedSchemas(store)
	if err != nil {
		log.Error("failed to load persisted schema", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	mappings, err := clientconfig.Load(cfg.DatamodelMappingPath)
	if err != nil {
		log.Error("failed to load datamodel mapping", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	dm := datamodel.New(mappings, remoteSchema.Types(), attrsByType(remoteSchema))
	dm.SetLocalTypes(objectTypesByName(localSchema))

	caches := cache.New(store)
	if err := caches.Load(objectTypesByName(remoteSchema), objectTypesByName(localSchema)); err != nil {
		log.Error("failed to load persisted caches", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	warmCache, err := redisstore.Open(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Warn("failed to connect to redis warm cache, continuing without it", "error", err)
	} else if warmCache != nil {
		defer warmCache.Close() //nolint:errcheck
		log.Info("redis warm cache connected")
	}

	queue := errorqueue.New(dm.TypesMapping, autoremediationPolicy(cfg.Autoremediation), log)
	queue.SetTypes(objectTypesByName(remoteSchema), objectTypesByName(localSchema))
	queue.SetDatasources(caches.RemoteEffective, caches.RemoteComplete, caches.LocalEffective, caches.LocalComplete)
	if _, err := queue.Load(store, fileErrorQueue); err != nil {
		log.Error("failed to load persisted error queue", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	registry := handler.NewRegistry()
	registerLoggingHandlers(registry, localSchema.Types(), log)

	proc := &engine.Processor{
		RemoteSchema:      remoteSchema,
		LocalSchema:       localSchema,
		Datamodel:         dm,
		Caches:            caches,
		Queue:             queue,
		Handlers:          registry,
		Log:               log,
		ForeignKeyPolicy:  cfg.ForeignKeyPolicy,
		TrashbinRetention: cfg.TrashbinRetention(),
		WarmCache:         warmCache,
	}

	busConsumer, err := pgbus.Open(ctx, cfg.BusDatabaseURL, log)
	if err != nil {
		log.Error("failed to connect to bus", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer busConsumer.Close() //nolint:errcheck
	log.Info("bus connected", "topic", cfg.BusTopic)

	l := loop.New(cfg, log, busConsumer, store, caches, queue, offsetcache.New(store), proc, registry)

	mappingWatcher := &clientconfig.Watcher{Path: cfg.DatamodelMappingPath, Log: log}
	if err := mappingWatcher.Watch(ctx, l.RequestMappingReload); err != nil {
		log.Warn("failed to start datamodel mapping watcher, live-reload disabled", "error", err)
	} else {
		defer mappingWatcher.Close() //nolint:errcheck
	}

	ctrl, err := control.New(cfg, l, log)
	if err != nil {
		log.Error("failed to build control socket server", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Error("failed to start control socket server", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer ctrl.Close() //nolint:errcheck
	log.Info("control socket listening", "path", cfg.ControlSocketPath)

	loopErrCh := make(chan error, 1)
	go func() { loopErrCh <- l.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down hermes-client...")
	l.RequestStop()

	if err := <-loopErrCh; err != nil {
		log.Error("loop stopped with an error", "error", err)
		os.Exit(1)
	}
	log.Info("hermes-client stopped")
}

// loadPersistedSchemas loads the remote/local schema specs persisted by a
// previous run's clean shutdown, defaulting to an empty schema on first
// start: the remote schema is then populated by the first `dataschema`
// event the bus delivers, see internal/loop/schemachange.go.
func loadPersistedSchemas(store *jsoncache.Store) (*schema.Schema, *schema.Schema, error) {
	var remoteSpec map[string]schema.TypeSpec
	if _, err := store.Load(fileRemoteSchema, &remoteSpec, nil); err != nil {
		return nil, nil, fmt.Errorf("load persisted remote schema: %w", err)
	}
	var localSpec map[string]schema.TypeSpec
	if _, err := store.Load(fileLocalSchema, &localSpec, nil); err != nil {
		return nil, nil, fmt.Errorf("load persisted local schema: %w", err)
	}
	remote, err := schema.New(remoteSpec)
	if err != nil {
		return nil, nil, fmt.Errorf("persisted remote schema: %w", err)
	}
	local, err := schema.New(localSpec)
	if err != nil {
		return nil, nil, fmt.Errorf("persisted local schema: %w", err)
	}
	return remote, local, nil
}

// attrsByType builds the remote-type -> known-attribute-set index
// datamodel.New needs from a live schema.Schema.
func attrsByType(s *schema.Schema) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(s.Types()))
	for _, t := range s.Types() {
		attrs := make(map[string]struct{}, len(s.Get(t).Attributes))
		for _, a := range s.Get(t).Attributes {
			attrs[a] = struct{}{}
		}
		out[t] = attrs
	}
	return out
}

// objectTypesByName indexes every type in s by name, the shape
// cache.Caches.Load/errorqueue.Queue.SetTypes expect.
func objectTypesByName(s *schema.Schema) map[string]*model.ObjectType {
	out := make(map[string]*model.ObjectType, len(s.Types()))
	for _, t := range s.Types() {
		out[t] = s.Get(t)
	}
	return out
}

func autoremediationPolicy(s string) errorqueue.Policy {
	switch s {
	case config.AutoremediationConservative:
		return errorqueue.PolicyConservative
	case config.AutoremediationMaximum:
		return errorqueue.PolicyMaximum
	default:
		return errorqueue.PolicyDisabled
	}
}

// registerLoggingHandlers wires a minimal default target adapter: every
// local type's every transition just logs. A real deployment registers its
// own handler.Registry before constructing the Loop, the same way the
// teacher's cmd/worker registers its own domain subscribers in
// registerSubscribers; this default exists so hermes-client runs
// out of the box and its logs show every transition it would otherwise
// silently drop (spec §6: "when defined" - an unregistered handler is not
// an error, but a deployment with none configured deserves to see why
// nothing downstream is happening).
func registerLoggingHandlers(reg *handler.Registry, localTypes []string, log logger.Logger) {
	transitions := []handler.Transition{
		handler.TransitionAdded, handler.TransitionModified, handler.TransitionRemoved,
		handler.TransitionRecycled, handler.TransitionTrashed,
	}
	for _, objtype := range localTypes {
		for _, transition := range transitions {
			objtype, transition := objtype, transition
			reg.Register(objtype, transition, func(ctx context.Context, hctx *handler.Context, pkey model.PKey, eventAttrs map[string]any, newObj, cachedObj map[string]any) error {
				log.InfoContext(ctx, "unhandled transition, default logging target",
					"objtype", objtype, "transition", string(transition), "pkey", pkey.String())
				return nil
			})
		}
	}
	reg.OnSave(func(ctx context.Context) error {
		log.DebugContext(ctx, "iteration persisted")
		return nil
	})
}
