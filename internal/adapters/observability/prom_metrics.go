package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the hive_ metric set on the default registerer and
// routes log calls to logger (slog.Default when nil).
func NewPromObs(logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	histogram := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		})
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricMessagesReceived:  counter(ports.MetricMessagesReceived, "Requests consumed from the lock-step channel."),
			ports.MetricRepliesSent:       counter(ports.MetricRepliesSent, "Replies written back to nodes."),
			ports.MetricMalformedPayloads: counter(ports.MetricMalformedPayloads, "Requests that failed to parse and were answered with status bad."),
			ports.MetricTransportTimeouts: counter(ports.MetricTransportTimeouts, "Requests that saw no reply before the timeout."),
			ports.MetricTransportErrors:   counter(ports.MetricTransportErrors, "Connection-level failures on the lock-step channel."),
			ports.MetricChannelRefreshes:  counter(ports.MetricChannelRefreshes, "Channels discarded and recreated after a timeout or error."),
			ports.MetricSamplesDelivered:  counter(ports.MetricSamplesDelivered, "Outbox entries acknowledged by the aggregator."),
			ports.MetricDocumentsStored:   counter(ports.MetricDocumentsStored, "Documents accepted by the local store."),
			ports.MetricBackendFailures:   counter(ports.MetricBackendFailures, "Failed writes to the local store or a mirror."),
			ports.MetricTaskRuns:          counter(ports.MetricTaskRuns, "Scheduled task invocations."),
			ports.MetricTaskFailures:      counter(ports.MetricTaskFailures, "Scheduled task invocations that returned an error."),
			ports.MetricTrainingRuns:      counter(ports.MetricTrainingRuns, "Estimator refits triggered by operator logs."),
			ports.MetricDLQ:               counter(ports.MetricDLQ, "Outbox entries abandoned after repeated bad replies."),
			ports.MetricQueueDropped:      counter(ports.MetricQueueDropped, "Items lost due to queue backpressure policies."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricWALSizeBytes:     gauge(ports.MetricWALSizeBytes, "Size of the node outbox on disk."),
			ports.MetricOutboxPending:    gauge(ports.MetricOutboxPending, "Outbox entries not yet acknowledged."),
			ports.MetricTrainingQueueLen: gauge(ports.MetricTrainingQueueLen, "Operator logs waiting for training."),
			ports.MetricBucketDocuments:  gauge(ports.MetricBucketDocuments, "Documents in the current bucket."),
			ports.MetricBackendsHealthy:  gauge(ports.MetricBackendsHealthy, "Backends that answered the last consistency check."),
		},
		histos: map[string]prometheus.Observer{
			ports.MetricRoundTripLatency:   histogram(ports.MetricRoundTripLatency, "Node send to reply latency."),
			ports.MetricTaskDuration:       histogram(ports.MetricTaskDuration, "Scheduled task run time."),
			ports.MetricStoreInsertLatency: histogram(ports.MetricStoreInsertLatency, "Local store insert latency."),
		},
	}

	collectors := make([]prometheus.Collector, 0, len(p.counters)+len(p.gauges)+len(p.histos))
	for _, c := range p.counters {
		collectors = append(collectors, c)
	}
	for _, g := range p.gauges {
		collectors = append(collectors, g)
	}
	for _, h := range p.histos {
		collectors = append(collectors, h.(prometheus.Collector))
	}
	prometheus.MustRegister(collectors...)

	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("err", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), slog.Any("err", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(id ports.WALEntryID, m *domain.TelemetryMessage, err error) {
	p.IncCounter(ports.MetricDLQ, 1)
	fields := []any{slog.Uint64("entry", uint64(id)), slog.Any("err", err)}
	if m != nil {
		fields = append(fields, slog.String("node_id", m.NodeID), slog.Time("time", m.Time))
	}
	p.logger.Warn("outbox entry dead-lettered", fields...)
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
