package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/router"
)

const (
	DefaultLookback = time.Hour
	DefaultHistory  = 30 * 24 * time.Hour
)

// Trainer refits estimators from operator logs. Logs are queued on the reply
// path and trained later by RunPending, never while a node waits.
type Trainer struct {
	classifier *Classifier
	router     *router.Router
	store      ports.Store
	queue      ports.Queue[*domain.TelemetryMessage]
	obs        ports.Observability

	lookback time.Duration
	history  time.Duration
}

type TrainerOption func(*Trainer)

// WithLookback caps how far before a log its samples are attributed to it.
func WithLookback(d time.Duration) TrainerOption {
	return func(t *Trainer) { t.lookback = d }
}

// WithHistory sets how far back logs are gathered for a refit.
func WithHistory(d time.Duration) TrainerOption {
	return func(t *Trainer) { t.history = d }
}

func WithTrainerObservability(obs ports.Observability) TrainerOption {
	return func(t *Trainer) { t.obs = obs }
}

func NewTrainer(c *Classifier, r *router.Router, store ports.Store, queue ports.Queue[*domain.TelemetryMessage], opts ...TrainerOption) *Trainer {
	t := &Trainer{
		classifier: c,
		router:     r,
		store:      store,
		queue:      queue,
		obs:        ports.NopObservability{},
		lookback:   DefaultLookback,
		history:    DefaultHistory,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enqueue defers training for log. It reports false when the queue is full.
func (t *Trainer) Enqueue(log *domain.TelemetryMessage) bool {
	ok := t.queue.Enqueue(log)
	if !ok {
		t.obs.IncCounter(ports.MetricQueueDropped, 1)
		t.obs.LogError("training queue full", errors.New("log dropped"),
			ports.Field{Key: "node_id", Value: log.NodeID})
	}
	t.obs.SetGauge(ports.MetricTrainingQueueLen, float64(t.queue.Len()))
	return ok
}

func (t *Trainer) Pending() int {
	return t.queue.Len()
}

// RunPending trains every queued log.
func (t *Trainer) RunPending(ctx context.Context) error {
	logs := t.queue.DequeueBatch(t.queue.Len())
	t.obs.SetGauge(ports.MetricTrainingQueueLen, float64(t.queue.Len()))

	var errs []error
	for i, log := range logs {
		if ctx.Err() != nil {
			// put the rest back for the next run
			for _, rest := range logs[i:] {
				t.queue.Enqueue(rest)
			}
			return ctx.Err()
		}
		if err := t.Train(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// example is one labelled feature vector.
type example struct {
	features []float64
	label    string
}

// Train refits every estimator labelled by log. All labelled logs of the same
// node within the history window are replayed; each log claims the samples
// after the previous log of that node, and no more than the lookback before
// itself.
func (t *Trainer) Train(ctx context.Context, log *domain.TelemetryMessage) error {
	targets := t.targets(log)
	if len(targets) == 0 {
		return nil
	}

	logs, samples, err := t.load(ctx, log)
	if err != nil {
		return err
	}

	sets := make(map[string][]example, len(targets))
	var prev time.Time
	for _, l := range logs {
		start := l.Time.Add(-t.lookback)
		if prev.After(start) {
			start = prev
		}
		prev = l.Time

		for _, b := range t.classifier.Bindings() {
			if _, ok := targets[b.Name]; !ok {
				continue
			}
			label, ok := l.Fields.Label(b.Name)
			if !ok {
				continue
			}
			for _, s := range samples {
				if !s.Time.After(start) || s.Time.After(l.Time) {
					continue
				}
				vec, err := Vector(b, s.Fields)
				if err != nil {
					continue
				}
				sets[b.Name] = append(sets[b.Name], example{features: vec, label: label})
			}
		}
	}

	var errs []error
	for _, b := range t.classifier.Bindings() {
		set := sets[b.Name]
		if len(set) == 0 {
			continue
		}
		features := make([][]float64, len(set))
		labels := make([]string, len(set))
		for i, ex := range set {
			features[i] = ex.features
			labels[i] = ex.label
		}
		if err := b.Estimator.Fit(features, labels); err != nil {
			errs = append(errs, domain.Backend("fit "+b.Name, err))
			continue
		}
		t.obs.IncCounter(ports.MetricTrainingRuns, 1)
		t.obs.LogInfo("estimator refit",
			ports.Field{Key: "estimator", Value: b.Name},
			ports.Field{Key: "node_id", Value: log.NodeID},
			ports.Field{Key: "examples", Value: len(set)})
	}
	return errors.Join(errs...)
}

func (t *Trainer) targets(log *domain.TelemetryMessage) map[string]struct{} {
	out := make(map[string]struct{})
	for _, b := range t.classifier.Bindings() {
		if _, ok := log.Fields.Label(b.Name); ok {
			out[b.Name] = struct{}{}
		}
	}
	return out
}

// load fetches the node's logs and samples up to the triggering log. The
// returned logs are oldest first and always include log itself.
func (t *Trainer) load(ctx context.Context, log *domain.TelemetryMessage) ([]*domain.TelemetryMessage, []*domain.TelemetryMessage, error) {
	from := log.Time.Add(-t.history)

	var logs, samples []*domain.TelemetryMessage
	seen := map[string]struct{}{log.Key(): {}}
	for bucket := range t.router.Buckets(from, log.Time) {
		recs, err := t.store.Find(ctx, bucket, log.NodeID, ports.Filter{})
		if err != nil {
			return nil, nil, domain.Backend(fmt.Sprintf("scan %s/%s", bucket, log.NodeID), err)
		}
		for _, rec := range recs {
			m := rec.Message
			if m.Time.Before(from) || m.Time.After(log.Time) {
				continue
			}
			switch m.Kind {
			case domain.KindSample:
				samples = append(samples, m)
			case domain.KindLog:
				if _, dup := seen[m.Key()]; dup {
					continue
				}
				seen[m.Key()] = struct{}{}
				logs = append(logs, m)
			}
		}
	}
	logs = append(logs, log)
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Time.Before(logs[j].Time) })
	return logs, samples, nil
}
