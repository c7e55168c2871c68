package hivelink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemind-plus/hivelink/internal/adapters/observability"
	"github.com/hivemind-plus/hivelink/internal/adapters/opcua"
	"github.com/hivemind-plus/hivelink/internal/adapters/serial"
	"github.com/hivemind-plus/hivelink/internal/adapters/wal"
	"github.com/hivemind-plus/hivelink/internal/app/pipeline"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/scheduler"
	"github.com/hivemind-plus/hivelink/internal/transport"
)

// ErrWALFull indicates the outbox is at capacity and policy.on_wal_full is "drop".
var ErrWALFull = errors.New("hivelink: wal full")

const (
	TaskPublish = "publish"
	TaskCompact = "compact"
)

// NodeRuntime wires up the collector → outbox → aggregator link and exposes
// simple lifecycle hooks for embedding a node inside any Go service.
type NodeRuntime struct {
	cfg       *Config
	policy    ports.Policy
	obs       ports.Observability
	wal       ports.WAL
	channel   ports.RequestChannel
	collector ports.Collector
	publisher *pipeline.Publisher
	sched     *scheduler.Scheduler
	now       func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewNodeRuntime bootstraps the default adapters (file WAL, websocket link,
// the collector named by node.collector, Prometheus observability). Options
// override any of them.
func NewNodeRuntime(cfg *Config, opts ...Option) (*NodeRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	if o.collector != nil {
		// the injected collector replaces whatever the file asked for
		c := *cfg
		c.Node.Collector = "none"
		if err := c.ValidateNode(); err != nil {
			return nil, err
		}
	} else if err := cfg.ValidateNode(); err != nil {
		return nil, err
	}

	obs := o.observability
	if obs == nil {
		obs = observability.NewPromObs(nil)
	}

	w := o.wal
	if w == nil {
		fw, err := wal.NewFileWAL(cfg.WAL.Dir)
		if err != nil {
			return nil, err
		}
		w = fw
	}

	ch := o.channel
	if ch == nil {
		ch = transport.NewNodeEndpoint(cfg.Node.AggregatorURL,
			transport.WithDialTimeout(cfg.Node.DialTimeout),
			transport.WithNodeObservability(obs))
	}

	col := o.collector
	if col == nil {
		var err error
		col, err = newCollector(cfg, obs)
		if err != nil {
			return nil, err
		}
	}

	pubOpts := []pipeline.PublisherOption{pipeline.WithPublisherObservability(obs)}
	for _, h := range o.replyHandlers {
		pubOpts = append(pubOpts, pipeline.WithReplyHook(pipeline.ReplyHook(h)))
	}
	pub := pipeline.NewPublisher(w, ch, cfg.Policy, cfg.Node.RequestTimeout, pubOpts...)

	sched := scheduler.New(scheduler.WithObservability(obs))
	tasks := []scheduler.Task{
		{Name: TaskPublish, Period: cfg.Node.PublishInterval, Action: pub.Publish},
		{Name: TaskCompact, Period: cfg.Node.CompactInterval, Action: pub.Compact},
	}
	for _, t := range tasks {
		if err := sched.Register(t); err != nil {
			return nil, err
		}
	}

	return &NodeRuntime{
		cfg:       cfg,
		policy:    cfg.Policy,
		obs:       obs,
		wal:       w,
		channel:   ch,
		collector: col,
		publisher: pub,
		sched:     sched,
		now:       time.Now,
	}, nil
}

func newCollector(cfg *Config, obs ports.Observability) (ports.Collector, error) {
	switch cfg.Node.Collector {
	case "opcua":
		return opcua.NewCollector(cfg.Node.ID, cfg.OPCUA, obs)
	case "serial":
		return serial.NewCollector(cfg.Node.ID, cfg.Serial, serial.WithObservability(obs))
	default:
		return nil, nil
	}
}

// Record appends a sample stamped with this node and the current time to the
// outbox. It returns ErrWALFull when the outbox is full and policy drops.
func (n *NodeRuntime) Record(ctx context.Context, fields Reading) error {
	return n.Send(ctx, &Message{Kind: KindSample, Fields: fields})
}

// Label appends an operator log. The aggregator trains its estimators from
// the label fields and the samples recorded shortly before.
func (n *NodeRuntime) Label(ctx context.Context, fields Reading) error {
	return n.Send(ctx, &Message{Kind: KindLog, Fields: fields})
}

// Send appends m to the outbox, filling in the node id and time when unset.
// Field values must be numbers or strings; integers are stored as float64.
func (n *NodeRuntime) Send(ctx context.Context, m *Message) error {
	if m == nil {
		return domain.Malformed("send", errors.New("nil message"))
	}
	if m.Kind != KindSample && m.Kind != KindLog {
		return domain.Malformed("send", fmt.Errorf("unsupported message type %q", m.Kind))
	}

	fields, err := m.Fields.Normalize()
	if err != nil {
		return err
	}
	out := *m
	out.Fields = fields
	if out.NodeID == "" {
		out.NodeID = n.cfg.Node.ID
	}
	if out.Time.IsZero() {
		out.Time = domain.FromEpochSeconds(domain.EpochSeconds(n.now()))
	}

	if _, ok := pipeline.Append(ctx, n.wal, &out, n.policy, n.obs); !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrWALFull
	}
	return nil
}

// Publish delivers pending outbox entries once, outside the schedule.
func (n *NodeRuntime) Publish(ctx context.Context) error {
	return n.publisher.Publish(ctx)
}

// Stats reports the outbox position and size.
func (n *NodeRuntime) Stats() WALStats {
	return n.wal.Stats()
}

// Run starts the collector, the publish/compact schedule and the metrics
// server, and blocks until ctx is cancelled or one of them fails.
func (n *NodeRuntime) Run(ctx context.Context) error {
	defer n.Close()

	n.obs.LogInfo("node starting",
		ports.Field{Key: "node_id", Value: n.cfg.Node.ID},
		ports.Field{Key: "aggregator", Value: n.cfg.Node.AggregatorURL})

	g, gctx := errgroup.WithContext(ctx)
	if n.collector != nil {
		g.Go(func() error {
			return pipeline.RunEdgePipeline(gctx, n.collector, n.wal, n.policy, n.obs)
		})
	}
	g.Go(func() error {
		err := n.sched.RunForever(gctx)
		if err == nil && gctx.Err() == nil {
			err = errors.New("scheduler stopped")
		}
		return err
	})
	g.Go(func() error {
		return serve(gctx, metricsServer(n.cfg.Metrics.Addr))
	})

	err := g.Wait()
	n.obs.LogInfo("node stopped", ports.Field{Key: "node_id", Value: n.cfg.Node.ID})
	return err
}

// Close releases the link and the outbox. It is safe to call more than once.
func (n *NodeRuntime) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if err := n.channel.Close(); err != nil {
			errs = append(errs, err)
		}
		if c, ok := n.wal.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
