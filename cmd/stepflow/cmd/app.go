package cmd

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/invoker"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/session"
	"github.com/pitabwire/stepflow/internal/transport"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// seedActor stamps the step rows written from definition files.
const seedActor = "stepflow"

// app holds the long-lived collaborators of a step server.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	gather  prometheus.Gatherer

	store    workflow.RecordStore
	codec    *session.Codec
	handlers *invoker.Registry
	defs     *definition.Registry
	builder  *workflow.Builder
	ready    observability.ReadinessChecks

	reloadMu sync.Mutex
	closers  []func()
}

// newApp opens the backends named by cfg and loads the step definitions.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.InitMetrics(reg),
		gather:   reg,
		handlers: invoker.NewRegistry(),
		defs:     definition.NewRegistry(nil),
	}

	store, storeCheck, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	locker, lockCheck, closeLocker, err := buildLocker(ctx, cfg.Lock, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	if a.codec, err = buildCodec(cfg.Session, logger); err != nil {
		a.close()
		return nil, err
	}

	dispatcher, invokerCheck, err := buildDispatcher(cfg.Invoke, a.codec, a.handlers, a.metrics)
	if err != nil {
		a.close()
		return nil, err
	}
	client := invoker.NewClient(dispatcher, invoker.Options{
		BasePath: cfg.Invoke.BasePath,
		Logger:   logger,
		Metrics:  a.metrics,
	})

	a.builder = workflow.NewBuilder(workflow.Deps{
		Store:   store,
		Locker:  locker,
		Invoker: client,
		Logger:  logger,
		Metrics: a.metrics,
	}, workflow.Definition{BasePath: cfg.Invoke.BasePath})

	a.ready = observability.ReadinessChecks{
		Steps:       a.defs.Len,
		RecordStore: storeCheck,
		LockBackend: lockCheck,
		Invoker:     invokerCheck,
	}

	if err := a.reload(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// reload reads the definition directories and swaps in a fresh engine
// per step. On failure the running engines stay in place.
func (a *app) reload(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	files, err := definition.NewLoader().LoadValid(a.cfg.Definitions.Directories, definition.NewValidator())
	if err != nil {
		a.metrics.RecordDefinitionReload("failure")
		return err
	}

	next := definition.NewRegistry(files)
	if a.cfg.Definitions.Seed {
		if err := next.Seed(ctx, a.store, time.Now().UTC(), seedActor); err != nil {
			a.metrics.RecordDefinitionReload("failure")
			return err
		}
	}

	engines, err := next.Build(a.builder)
	if err != nil {
		a.metrics.RecordDefinitionReload("failure")
		return err
	}
	handlers := make([]model.StepHandler, len(engines))
	for i, eng := range engines {
		handlers[i] = eng
	}

	a.handlers.Replace(handlers)
	a.defs.Replace(files)
	a.metrics.RecordDefinitionReload("success")
	a.metrics.SetDefinitionsLoaded(float64(next.Len()))

	a.logger.Info("step definitions loaded",
		zap.Int("steps", next.Len()),
		zap.Strings("step_ids", a.handlers.StepIDs()),
		zap.String("checksum", next.Checksum()),
	)
	return nil
}

// router builds the HTTP handler of the server.
func (a *app) router() http.Handler {
	return transport.NewRouter(transport.Dependencies{
		Config:         a.cfg,
		Steps:          a.handlers,
		Codec:          a.codec,
		Logger:         a.logger,
		Metrics:        a.metrics,
		ReadyHandler:   observability.HandleReady(a.ready),
		MetricsHandler: observability.HandlerFor(a.gather),
	})
}

// close releases the backends in reverse order of opening.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
