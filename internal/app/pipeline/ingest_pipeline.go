package pipeline

import (
	"context"
	"time"

	"github.com/hivemind-plus/hivelink/internal/classify"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/router"
)

// StoreBackend names the local store in Response.Degraded.
const StoreBackend = "store"

// TrainingBackend names the training queue in Response.Degraded.
const TrainingBackend = "training"

// Ingestor is the aggregator side of the exchange: it stores each received
// message in its bucket, mirrors it, classifies samples and queues logs for
// training. Exactly one reply is sent per received request.
type Ingestor struct {
	ch             ports.ReplyChannel
	router         *router.Router
	store          ports.Store
	sinks          []ports.Sink
	classifier     *classify.Classifier
	trainer        *classify.Trainer
	pol            ports.Policy
	receiveTimeout time.Duration
	obs            ports.Observability
	now            func() time.Time
}

type IngestorOption func(*Ingestor)

func WithSinks(sinks ...ports.Sink) IngestorOption {
	return func(i *Ingestor) { i.sinks = append(i.sinks, sinks...) }
}

func WithClassifier(c *classify.Classifier) IngestorOption {
	return func(i *Ingestor) { i.classifier = c }
}

func WithTrainer(t *classify.Trainer) IngestorOption {
	return func(i *Ingestor) { i.trainer = t }
}

func WithPolicy(pol ports.Policy) IngestorOption {
	return func(i *Ingestor) { i.pol = pol }
}

func WithReceiveTimeout(d time.Duration) IngestorOption {
	return func(i *Ingestor) { i.receiveTimeout = d }
}

func WithIngestObservability(obs ports.Observability) IngestorOption {
	return func(i *Ingestor) { i.obs = obs }
}

func WithNow(now func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.now = now }
}

// NewIngestor wires the aggregator path. ch may be nil when messages are
// only fed through Ingest.
func NewIngestor(ch ports.ReplyChannel, r *router.Router, store ports.Store, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		ch:             ch,
		router:         r,
		store:          store,
		receiveTimeout: 100 * time.Millisecond,
		obs:            ports.NopObservability{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Listen handles at most one request. An idle channel is not an error.
func (i *Ingestor) Listen(ctx context.Context) error {
	m, err := i.ch.Receive(ctx, i.receiveTimeout)
	switch {
	case err == nil:
	case domain.IsKind(err, domain.KindTimeout):
		return nil
	case domain.IsKind(err, domain.KindMalformedPayload):
		i.obs.IncCounter(ports.MetricMalformedPayloads, 1)
		i.obs.LogError("malformed request", err)
		return i.reply(ctx, domain.BadResponse(i.stamp()))
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}

	i.obs.IncCounter(ports.MetricMessagesReceived, 1)
	resp := i.Ingest(ctx, m)
	if err := i.reply(ctx, resp); err != nil {
		return err
	}

	// training never runs before the reply is out
	if m.Kind == domain.KindLog {
		return i.Train(ctx)
	}
	return nil
}

// Ingest processes one message and returns the reply owed for it.
func (i *Ingestor) Ingest(ctx context.Context, m *domain.TelemetryMessage) *domain.Response {
	resp := &domain.Response{Kind: domain.KindResponse, Time: i.stamp(), Status: domain.StatusOK}

	bucket := i.router.BucketFor(m.Time)
	start := time.Now()
	id, err := i.store.Insert(ctx, bucket, m.NodeID, m)
	if err != nil {
		i.obs.IncCounter(ports.MetricBackendFailures, 1)
		i.obs.LogError("store insert failed", err,
			ports.Field{Key: "bucket", Value: string(bucket)},
			ports.Field{Key: "node", Value: m.NodeID})
		resp.Status = domain.StatusBad
		resp.Degraded = append(resp.Degraded, StoreBackend)
		return resp
	}
	i.obs.ObserveLatency(ports.MetricStoreInsertLatency, time.Since(start).Seconds())
	i.obs.IncCounter(ports.MetricDocumentsStored, 1)
	resp.ID = id

	rec := ports.Record{ID: id, Bucket: bucket, Message: m}
	for _, s := range i.sinks {
		if err := s.Write(ctx, rec); err != nil {
			i.obs.IncCounter(ports.MetricBackendFailures, 1)
			i.obs.LogError("mirror write failed", err, ports.Field{Key: "mirror", Value: s.Name()})
			resp.Degraded = append(resp.Degraded, s.Name())
		}
	}

	switch m.Kind {
	case domain.KindSample:
		if i.classifier != nil {
			resp.Estimators = i.classifier.Classify(m)
		}
	case domain.KindLog:
		if i.trainer != nil && !i.trainer.Enqueue(m) && i.pol.OnQueueFull == "reject" {
			resp.Degraded = append(resp.Degraded, TrainingBackend)
		}
	}
	return resp
}

// Train refits estimators from every queued log.
func (i *Ingestor) Train(ctx context.Context) error {
	if i.trainer == nil {
		return nil
	}
	return i.trainer.RunPending(ctx)
}

func (i *Ingestor) reply(ctx context.Context, r *domain.Response) error {
	if err := i.ch.Reply(ctx, r); err != nil {
		return err
	}
	i.obs.IncCounter(ports.MetricRepliesSent, 1)
	return nil
}

func (i *Ingestor) stamp() string {
	return i.now().Format(domain.ResponseTimeLayout)
}
