package hivelink

import (
	base "github.com/hivemind-plus/hivelink/pkg/hivelink"
)

// Re-exported errors for convenience.
var (
	ErrWALFull           = base.ErrWALFull
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/hivemind-plus/hivelink directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	NodeConfig        = base.NodeConfig
	AggregatorConfig  = base.AggregatorConfig
	RouterConfig      = base.RouterConfig
	EstimatorConfig   = base.EstimatorConfig
	OPCUAConfig       = base.OPCUAConfig
	OPCUANodeConfig   = base.OPCUANodeConfig
	SerialConfig      = base.SerialConfig
	MirrorConfig      = base.MirrorConfig
	PostgresConfig    = base.PostgresConfig
	MQTTConfig        = base.MQTTConfig
	MetricsConfig     = base.MetricsConfig
	WALConfig         = base.WALConfig
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	Option            = base.Option
	NodeRuntime       = base.NodeRuntime
	AggregatorRuntime = base.AggregatorRuntime
	Message           = base.Message
	Reading           = base.Reading
	Response          = base.Response
	Estimates         = base.Estimates
	Record            = base.Record
	RecordHandler     = base.RecordHandler
	ReplyHandler      = base.ReplyHandler
	Collector         = base.Collector
	Sink              = base.Sink
	Store             = base.Store
	Estimator         = base.Estimator
	RequestChannel    = base.RequestChannel
	Observability     = base.Observability
	Field             = base.Field
	WAL               = base.WAL
	WALEntryID        = base.WALEntryID
	WALStats          = base.WALStats
	Health            = base.Health
)

const (
	KindSample = base.KindSample
	KindLog    = base.KindLog

	StatusOK  = base.StatusOK
	StatusBad = base.StatusBad
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...Option) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamOutCallback(name string, fn RecordHandler) Option {
	return base.StreamOutCallback(name, fn)
}

func StreamInReplies(fn ReplyHandler) Option {
	return base.StreamInReplies(fn)
}

// Runtimes and options.
func NewNodeRuntime(cfg *Config, opts ...Option) (*NodeRuntime, error) {
	return base.NewNodeRuntime(cfg, opts...)
}

func NewAggregatorRuntime(cfg *Config, opts ...Option) (*AggregatorRuntime, error) {
	return base.NewAggregatorRuntime(cfg, opts...)
}

func WithCollector(col Collector) Option {
	return base.WithCollector(col)
}

func WithWAL(w WAL) Option {
	return base.WithWAL(w)
}

func WithChannel(ch RequestChannel) Option {
	return base.WithChannel(ch)
}

func WithReplyHandler(fn ReplyHandler) Option {
	return base.WithReplyHandler(fn)
}

func WithStore(s Store) Option {
	return base.WithStore(s)
}

func WithSink(s Sink) Option {
	return base.WithSink(s)
}

func WithEstimator(name string, est Estimator) Option {
	return base.WithEstimator(name, est)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

// Sink adapters.
func NewCallbackSink(name string, fn RecordHandler) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan Record, func()) {
	return base.NewChannelSink(name, buffer)
}
