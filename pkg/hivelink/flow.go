package hivelink

import (
	"context"
	"fmt"
)

// Flow is a convenience builder that lets callers say Conf → StreamIN on a
// node, or Conf → StreamOUT on the aggregator, without touching the
// underlying hexagonal wiring.
type Flow struct {
	cfg  *Config
	opts []Option
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// Conf loads the configuration from disk, applies FlowOption values, and
// returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config. Unset fields
// take their defaults.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw Option values to the builder for advanced scenarios.
func (f *Flow) Options(opts ...Option) *Flow {
	if f == nil {
		return nil
	}
	f.opts = append(f.opts, opts...)
	return f
}

// StreamIN builds the node side: readings stream in from the collector and
// Record, and are published to the aggregator.
func (f *Flow) StreamIN(opts ...Option) (*NodeRuntime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	return NewNodeRuntime(f.cfg, f.merged(opts)...)
}

// StreamOUT builds the aggregator side: messages stream out of the link into
// the store, the mirrors and the estimators.
func (f *Flow) StreamOUT(opts ...Option) (*AggregatorRuntime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	return NewAggregatorRuntime(f.cfg, f.merged(opts)...)
}

// RunNode is a shortcut for StreamIN + runtime.Run.
func (f *Flow) RunNode(ctx context.Context, opts ...Option) error {
	rt, err := f.StreamIN(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// RunAggregator is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) RunAggregator(ctx context.Context, opts ...Option) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func (f *Flow) merged(opts []Option) []Option {
	all := make([]Option, 0, len(f.opts)+len(opts))
	all = append(all, f.opts...)
	return append(all, opts...)
}

// WithFlowOptions appends Option values during Conf.
func WithFlowOptions(opts ...Option) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.opts = append(f.opts, opts...)
		}
	}
}

// StreamOutCallback mirrors every stored document into fn.
func StreamOutCallback(name string, fn RecordHandler) Option {
	return WithSink(NewCallbackSink(name, fn))
}

// StreamInReplies hands every aggregator reply, estimator labels included, to fn.
func StreamInReplies(fn ReplyHandler) Option {
	return WithReplyHandler(fn)
}
