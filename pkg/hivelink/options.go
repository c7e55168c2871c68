package hivelink

// Option customizes the dependencies used by NodeRuntime and
// AggregatorRuntime. Options that do not apply to a runtime are ignored by it.
type Option func(*overrides)

// ReplyHandler observes every reply the aggregator sent for an outbox entry.
type ReplyHandler func(m *Message, r *Response)

type overrides struct {
	collector     Collector
	wal           WAL
	channel       RequestChannel
	replyHandlers []ReplyHandler

	store      Store
	sinks      []Sink
	estimators map[string]Estimator

	observability Observability
}

func applyOptions(opts []Option) overrides {
	var o overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithCollector injects a custom collector implementation in place of the one
// named by node.collector.
func WithCollector(col Collector) Option {
	return func(o *overrides) {
		o.collector = col
	}
}

// WithWAL lets callers bring their own outbox implementation or reuse an existing instance.
func WithWAL(w WAL) Option {
	return func(o *overrides) {
		o.wal = w
	}
}

// WithChannel replaces the websocket link to the aggregator.
func WithChannel(ch RequestChannel) Option {
	return func(o *overrides) {
		o.channel = ch
	}
}

// WithReplyHandler registers fn for every delivered outbox entry. Responses to
// samples carry the estimator labels.
func WithReplyHandler(fn ReplyHandler) Option {
	return func(o *overrides) {
		if fn != nil {
			o.replyHandlers = append(o.replyHandlers, fn)
		}
	}
}

// WithStore replaces the sqlite document store.
func WithStore(s Store) Option {
	return func(o *overrides) {
		o.store = s
	}
}

// WithSink adds a mirror next to the ones enabled in configuration.
func WithSink(s Sink) Option {
	return func(o *overrides) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithEstimator backs the configured estimator binding name with est instead
// of the built-in nearest-centroid model.
func WithEstimator(name string, est Estimator) Option {
	return func(o *overrides) {
		if o.estimators == nil {
			o.estimators = make(map[string]Estimator)
		}
		o.estimators[name] = est
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) Option {
	return func(o *overrides) {
		o.observability = obs
	}
}
