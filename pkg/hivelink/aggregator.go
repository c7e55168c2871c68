package hivelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemind-plus/hivelink/internal/adapters/backup"
	"github.com/hivemind-plus/hivelink/internal/adapters/estimator"
	"github.com/hivemind-plus/hivelink/internal/adapters/mirror"
	"github.com/hivemind-plus/hivelink/internal/adapters/observability"
	"github.com/hivemind-plus/hivelink/internal/adapters/queue"
	"github.com/hivemind-plus/hivelink/internal/adapters/store/sqlite"
	"github.com/hivemind-plus/hivelink/internal/app/pipeline"
	"github.com/hivemind-plus/hivelink/internal/classify"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/httpapi"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/router"
	"github.com/hivemind-plus/hivelink/internal/scheduler"
	"github.com/hivemind-plus/hivelink/internal/transport"
)

const (
	TaskListen = "listen"
	TaskTrain  = "train"
	TaskBackup = "backup"
	TaskCheck  = "check"
)

const postgresConnectTimeout = 10 * time.Second

// AggregatorRuntime wires the link endpoint, bucketed store, mirrors,
// estimators and maintenance tasks behind one scheduler.
type AggregatorRuntime struct {
	cfg      *Config
	obs      ports.Observability
	router   *router.Router
	store    ports.Store
	sinks    []ports.Sink
	endpoint *transport.AggregatorEndpoint
	ingestor *pipeline.Ingestor
	checker  *pipeline.Checker
	trainer  *classify.Trainer
	api      *httpapi.Server
	sched    *scheduler.Scheduler

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// NewAggregatorRuntime bootstraps the default adapters (sqlite store,
// configured Postgres/MQTT mirrors, nearest-centroid estimators, Prometheus
// observability). Options override or extend any of them.
func NewAggregatorRuntime(cfg *Config, opts ...Option) (*AggregatorRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	r, err := cfg.Router.Build()
	if err != nil {
		return nil, err
	}

	obs := o.observability
	if obs == nil {
		obs = observability.NewPromObs(nil)
	}

	a := &AggregatorRuntime{cfg: cfg, obs: obs, router: r}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.store = o.store
	if a.store == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, domain.Backend("create store dir", err)
		}
		st, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.closers = append(a.closers, st)
	}

	if err := a.openMirrors(cfg.Mirror); err != nil {
		return nil, err
	}
	a.sinks = append(a.sinks, o.sinks...)

	bindings := make([]classify.Binding, 0, len(cfg.Estimators))
	for _, e := range cfg.Estimators {
		est, found := o.estimators[e.Name]
		if !found {
			est = estimator.NewCentroid()
		}
		bindings = append(bindings, classify.Binding{Name: e.Name, Features: e.Features, Estimator: est})
	}
	cls, err := classify.NewClassifier(bindings, classify.WithObservability(obs))
	if err != nil {
		return nil, err
	}
	a.trainer = classify.NewTrainer(cls, r, a.store,
		queue.NewMemQueue[*domain.TelemetryMessage](cfg.Policy.MaxQueueLen),
		classify.WithLookback(cfg.Training.Lookback),
		classify.WithHistory(cfg.Training.History),
		classify.WithTrainerObservability(obs))

	a.endpoint = transport.NewAggregatorEndpoint(
		transport.WithWriteTimeout(cfg.Aggregator.WriteTimeout),
		transport.WithAggregatorObservability(obs))
	a.closers = append(a.closers, a.endpoint)

	a.ingestor = pipeline.NewIngestor(a.endpoint, r, a.store,
		pipeline.WithSinks(a.sinks...),
		pipeline.WithClassifier(cls),
		pipeline.WithTrainer(a.trainer),
		pipeline.WithPolicy(cfg.Policy),
		pipeline.WithReceiveTimeout(cfg.Aggregator.ReceiveTimeout),
		pipeline.WithIngestObservability(obs))
	backuper := pipeline.NewBackuper(backup.NewWriter(cfg.Backup.Dir, a.store), r, cfg.Backup.Days, obs)
	a.checker = pipeline.NewChecker(a.store, r, a.sinks, a.trainer.Pending, obs)

	a.api = httpapi.New(r, a.store, a.ingestor, a.checker,
		httpapi.WithLink(cfg.Aggregator.Path, a.endpoint),
		httpapi.WithObservability(obs))

	a.sched = scheduler.New(scheduler.WithObservability(obs))
	tasks := []scheduler.Task{
		{Name: TaskListen, Period: cfg.Aggregator.ListenInterval, Action: a.ingestor.Listen},
		{Name: TaskTrain, Period: cfg.Aggregator.TrainInterval, Action: a.ingestor.Train},
		{Name: TaskBackup, Period: cfg.Aggregator.BackupInterval, Action: backuper.Backup},
		{Name: TaskCheck, Period: cfg.Aggregator.CheckInterval, Action: a.checker.Check},
	}
	for _, t := range tasks {
		if err := a.sched.Register(t); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *AggregatorRuntime) openMirrors(cfg MirrorConfig) error {
	if cfg.Postgres.ConnString != "" {
		ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
		defer cancel()
		pg, err := mirror.OpenPostgres(ctx, cfg.Postgres.ConnString, cfg.Postgres.Table)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, pg)
		a.closers = append(a.closers, pg)
	}
	if cfg.MQTT.Addr != "" {
		mq, err := mirror.NewMQTTSink(cfg.MQTT)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, mq)
		a.closers = append(a.closers, mq)
	}
	return nil
}

// Handler serves the HTTP API and the node link on one mux.
func (a *AggregatorRuntime) Handler() http.Handler {
	return a.api
}

// Ingest stores m as if a node had sent it and returns the reply that node
// would have received.
func (a *AggregatorRuntime) Ingest(ctx context.Context, m *Message) *Response {
	if m == nil || (m.Kind != KindSample && m.Kind != KindLog) || m.NodeID == "" {
		return domain.BadResponse(time.Now().Format(domain.ResponseTimeLayout))
	}
	return a.ingestor.Ingest(ctx, m)
}

// Tick runs every due task once. Run drives it on a schedule; embedders and
// tests may call it directly instead.
func (a *AggregatorRuntime) Tick(ctx context.Context) error {
	return a.sched.Tick(ctx)
}

// Health returns the last backend check.
func (a *AggregatorRuntime) Health() *Health {
	return a.checker.Snapshot()
}

// Store exposes the document store, mostly for inspection tools.
func (a *AggregatorRuntime) Store() Store {
	return a.store
}

// Run serves HTTP and metrics and drives the task schedule until ctx is
// cancelled or a task fails fatally.
func (a *AggregatorRuntime) Run(ctx context.Context) error {
	defer a.Close()

	a.obs.LogInfo("aggregator starting",
		ports.Field{Key: "http", Value: a.cfg.HTTP.Addr},
		ports.Field{Key: "link", Value: a.cfg.Aggregator.Path},
		ports.Field{Key: "mirrors", Value: len(a.sinks)})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.sched.RunForever(gctx)
		if err == nil && gctx.Err() == nil {
			err = errors.New("scheduler stopped")
		}
		return err
	})
	g.Go(func() error {
		return serve(gctx, &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           a.api,
			ReadHeaderTimeout: 5 * time.Second,
		})
	})
	g.Go(func() error {
		return serve(gctx, metricsServer(a.cfg.Metrics.Addr))
	})

	err := g.Wait()
	a.obs.LogInfo("aggregator stopped")
	return err
}

// Close disconnects nodes and releases the store and mirrors opened by the
// runtime. It is safe to call more than once.
func (a *AggregatorRuntime) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		// reverse open order, so the endpoint closes before the store
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
