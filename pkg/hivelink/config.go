package hivelink

import (
	"github.com/hivemind-plus/hivelink/internal/adapters/mirror"
	"github.com/hivemind-plus/hivelink/internal/adapters/opcua"
	"github.com/hivemind-plus/hivelink/internal/adapters/serial"
	"github.com/hivemind-plus/hivelink/internal/app/config"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls outbox and training queue thresholds.
	Policy = ports.Policy
	// NodeConfig identifies a node and where its aggregator listens.
	NodeConfig = config.NodeConfig
	// AggregatorConfig sets the aggregator task periods and link timeouts.
	AggregatorConfig = config.AggregatorConfig
	// RouterConfig names the bucket pattern and its timezone.
	RouterConfig = config.RouterConfig
	// EstimatorConfig binds an estimator name to its feature fields.
	EstimatorConfig = config.EstimatorConfig
	// OPCUAConfig holds connection + node details.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig maps a monitored tag to a reading field.
	OPCUANodeConfig = opcua.NodeConfig
	// SerialConfig configures the line-oriented device collector.
	SerialConfig = serial.Config
	// MirrorConfig enables the optional remote mirrors.
	MirrorConfig = config.MirrorConfig
	// PostgresConfig configures the Postgres mirror.
	PostgresConfig = config.PostgresConfig
	// MQTTConfig configures the MQTT mirror.
	MQTTConfig = mirror.MQTTConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// WALConfig configures the on-disk outbox.
	WALConfig = config.WALConfig
)

// DefaultConfigPath is read when LoadConfig is given an empty path.
const DefaultConfigPath = config.DefaultPath

// LoadConfig reads YAML, TOML or JSON from disk. Unknown keys end up in
// Config.Warnings rather than failing the load.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}
