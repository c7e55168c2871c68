package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hivemind-plus/hivelink/internal/adapters/mirror"
	"github.com/hivemind-plus/hivelink/internal/adapters/opcua"
	"github.com/hivemind-plus/hivelink/internal/adapters/serial"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/router"
)

// DefaultPath is used when no config path is given. A missing file at this
// path falls back to built-in defaults.
const DefaultPath = "./data/config.yaml"

type Config struct {
	Node       NodeConfig        `yaml:"node" toml:"node"`
	Aggregator AggregatorConfig  `yaml:"aggregator" toml:"aggregator"`
	Router     RouterConfig      `yaml:"router" toml:"router"`
	Store      StoreConfig       `yaml:"store" toml:"store"`
	Mirror     MirrorConfig      `yaml:"mirror" toml:"mirror"`
	Estimators []EstimatorConfig `yaml:"estimators" toml:"estimators"`
	Training   TrainingConfig    `yaml:"training" toml:"training"`
	Backup     BackupConfig      `yaml:"backup" toml:"backup"`
	HTTP       HTTPConfig        `yaml:"http" toml:"http"`
	Metrics    MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Policy     ports.Policy      `yaml:"policy" toml:"policy"`
	WAL        WALConfig         `yaml:"wal" toml:"wal"`
	OPCUA      opcua.Config      `yaml:"opcua" toml:"opcua"`
	Serial     serial.Config     `yaml:"serial" toml:"serial"`
	Log        LogConfig         `yaml:"log" toml:"log"`

	// Warnings lists unknown keys and fallbacks noticed while loading.
	Warnings []string `yaml:"-" toml:"-"`
}

type NodeConfig struct {
	ID              string        `yaml:"id" toml:"id"`
	AggregatorURL   string        `yaml:"aggregator_url" toml:"aggregator_url"`
	Collector       string        `yaml:"collector" toml:"collector"` // "none", "opcua", "serial"
	RequestTimeout  time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	PublishInterval time.Duration `yaml:"publish_interval" toml:"publish_interval"`
	CompactInterval time.Duration `yaml:"compact_interval" toml:"compact_interval"`
}

type AggregatorConfig struct {
	Path           string        `yaml:"path" toml:"path"`
	ListenInterval time.Duration `yaml:"listen_interval" toml:"listen_interval"`
	TrainInterval  time.Duration `yaml:"train_interval" toml:"train_interval"`
	BackupInterval time.Duration `yaml:"backup_interval" toml:"backup_interval"`
	CheckInterval  time.Duration `yaml:"check_interval" toml:"check_interval"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout" toml:"receive_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" toml:"write_timeout"`
}

type RouterConfig struct {
	Format   string `yaml:"format" toml:"format"`
	Timezone string `yaml:"timezone" toml:"timezone"`
}

type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type MirrorConfig struct {
	Postgres PostgresConfig    `yaml:"postgres" toml:"postgres"`
	MQTT     mirror.MQTTConfig `yaml:"mqtt" toml:"mqtt"`
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string" toml:"conn_string"`
	Table      string `yaml:"table" toml:"table"`
}

type EstimatorConfig struct {
	Name     string   `yaml:"name" toml:"name"`
	Features []string `yaml:"features" toml:"features"`
}

type TrainingConfig struct {
	Lookback time.Duration `yaml:"lookback" toml:"lookback"`
	History  time.Duration `yaml:"history" toml:"history"`
}

type BackupConfig struct {
	Dir  string `yaml:"dir" toml:"dir"`
	Days int    `yaml:"days" toml:"days"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type WALConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "tint", "json", "text"
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// Load reads path (DefaultPath when empty). The format follows the file
// extension: .toml, .json or YAML otherwise.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s not found, using built-in defaults", path))
			return cfg, nil
		}
		return nil, domain.Config("load config", err)
	}

	return Parse(raw, strings.ToLower(filepath.Ext(path)))
}

// Parse decodes raw in the format named by ext and applies defaults.
func Parse(raw []byte, ext string) (*Config, error) {
	var (
		cfg      Config
		warnings []string
		err      error
	)
	switch ext {
	case ".toml":
		warnings, err = decodeTOML(raw, &cfg)
	default:
		// JSON is a subset of YAML.
		warnings, err = decodeYAML(raw, &cfg)
	}
	if err != nil {
		return nil, domain.Config("parse config", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Warnings = warnings
	return &cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) ([]string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil, nil
	}

	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return nil, err
	}
	var warnings, hard []string
	for _, msg := range te.Errors {
		if strings.Contains(msg, "not found in type") {
			warnings = append(warnings, "unknown key: "+msg)
			continue
		}
		hard = append(hard, msg)
	}
	if len(hard) > 0 {
		return nil, errors.New(strings.Join(hard, "; "))
	}
	return warnings, nil
}

func decodeTOML(raw []byte, cfg *Config) ([]string, error) {
	md, err := toml.Decode(string(raw), cfg)
	if err != nil {
		return nil, err
	}
	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, "unknown key: "+key.String())
	}
	return warnings, nil
}

// ApplyDefaults fills every unset field. Load calls it; programmatic configs
// should too.
func (c *Config) ApplyDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = "hive-1"
	}
	if c.Node.AggregatorURL == "" {
		c.Node.AggregatorURL = "ws://localhost:8080/link"
	}
	if c.Node.Collector == "" {
		c.Node.Collector = "none"
	}
	if c.Node.RequestTimeout == 0 {
		c.Node.RequestTimeout = time.Second
	}
	if c.Node.DialTimeout == 0 {
		c.Node.DialTimeout = 5 * time.Second
	}
	if c.Node.PublishInterval == 0 {
		c.Node.PublishInterval = time.Second
	}
	if c.Node.CompactInterval == 0 {
		c.Node.CompactInterval = time.Minute
	}

	if c.Aggregator.Path == "" {
		c.Aggregator.Path = "/link"
	}
	if c.Aggregator.ListenInterval == 0 {
		c.Aggregator.ListenInterval = 100 * time.Millisecond
	}
	if c.Aggregator.TrainInterval == 0 {
		c.Aggregator.TrainInterval = time.Second
	}
	if c.Aggregator.BackupInterval == 0 {
		c.Aggregator.BackupInterval = 1500 * time.Second
	}
	if c.Aggregator.CheckInterval == 0 {
		c.Aggregator.CheckInterval = 1500 * time.Second
	}
	if c.Aggregator.ReceiveTimeout == 0 {
		c.Aggregator.ReceiveTimeout = 100 * time.Millisecond
	}
	if c.Aggregator.WriteTimeout == 0 {
		c.Aggregator.WriteTimeout = 5 * time.Second
	}

	if c.Router.Format == "" {
		c.Router.Format = "%Y%m%d"
	}
	if c.Router.Timezone == "" {
		c.Router.Timezone = "UTC"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/hive.db"
	}
	if c.Mirror.Postgres.Table == "" {
		c.Mirror.Postgres.Table = "samples"
	}

	if c.Estimators == nil {
		c.Estimators = []EstimatorConfig{
			{Name: "health", Features: []string{"int_t", "int_h"}},
			{Name: "environment", Features: []string{"ext_t", "ext_h", "pa"}},
			{Name: "activity", Features: []string{"db", "hz"}},
		}
	}
	if c.Training.Lookback == 0 {
		c.Training.Lookback = time.Hour
	}
	if c.Training.History == 0 {
		c.Training.History = 30 * 24 * time.Hour
	}

	if c.Backup.Dir == "" {
		c.Backup.Dir = "./data/backups"
	}
	if c.Backup.Days == 0 {
		c.Backup.Days = 2
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	if c.Policy.MaxWALSizeBytes == 0 {
		c.Policy.MaxWALSizeBytes = 1 << 30
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 10_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 100
	}
	if c.Policy.MaxDeliveryAttempts == 0 {
		c.Policy.MaxDeliveryAttempts = 5
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 5 * time.Millisecond
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "drop"
	}
	if c.Policy.OnWALFull == "" {
		c.Policy.OnWALFull = "block"
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = "./data/wal"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "tint"
	}

	c.OPCUA.ApplyDefaults()
	c.Serial.ApplyDefaults()
}

// Validate checks the settings shared by both binaries.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return domain.Config("validate config", fmt.Errorf(format, args...))
	}

	if _, err := c.Router.Build(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"node.request_timeout":       c.Node.RequestTimeout,
		"node.publish_interval":      c.Node.PublishInterval,
		"node.compact_interval":      c.Node.CompactInterval,
		"aggregator.listen_interval": c.Aggregator.ListenInterval,
		"aggregator.train_interval":  c.Aggregator.TrainInterval,
		"aggregator.backup_interval": c.Aggregator.BackupInterval,
		"aggregator.check_interval":  c.Aggregator.CheckInterval,
		"aggregator.receive_timeout": c.Aggregator.ReceiveTimeout,
		"training.lookback":          c.Training.Lookback,
		"training.history":           c.Training.History,
	} {
		if d < 0 {
			return invalid("%s must be positive, got %s", name, d)
		}
	}
	if c.Training.History < c.Training.Lookback {
		return invalid("training.history (%s) is shorter than training.lookback (%s)", c.Training.History, c.Training.Lookback)
	}
	if c.Backup.Days < 0 {
		return invalid("backup.days must not be negative")
	}
	if !strings.HasPrefix(c.Aggregator.Path, "/") {
		return invalid("aggregator.path must start with /")
	}

	seen := make(map[string]struct{}, len(c.Estimators))
	for _, e := range c.Estimators {
		if e.Name == "" {
			return invalid("estimator name is required")
		}
		if len(e.Features) == 0 {
			return invalid("estimator %s has no features", e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return invalid("estimator %s listed twice", e.Name)
		}
		seen[e.Name] = struct{}{}
	}

	if c.Policy.MaxQueueLen < 0 || c.Policy.MaxBatchSize < 0 || c.Policy.MaxDeliveryAttempts < 0 {
		return invalid("policy limits must not be negative")
	}
	switch c.Policy.OnWALFull {
	case "block", "drop":
	default:
		return invalid("policy.on_wal_full must be block or drop, got %q", c.Policy.OnWALFull)
	}
	switch c.Policy.OnQueueFull {
	case "reject", "drop":
	default:
		return invalid("policy.on_queue_full must be reject or drop, got %q", c.Policy.OnQueueFull)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "tint", "json", "text":
	default:
		return invalid("log.format %q is not one of tint, json, text", c.Log.Format)
	}
	return nil
}

// ValidateNode checks the settings only the node binary needs.
func (c *Config) ValidateNode() error {
	invalid := func(format string, args ...any) error {
		return domain.Config("validate node config", fmt.Errorf(format, args...))
	}
	if c.Node.ID == "" {
		return invalid("node.id is required")
	}
	if !strings.HasPrefix(c.Node.AggregatorURL, "ws://") && !strings.HasPrefix(c.Node.AggregatorURL, "wss://") {
		return invalid("node.aggregator_url must be a ws:// or wss:// url, got %q", c.Node.AggregatorURL)
	}
	if c.WAL.Dir == "" {
		return invalid("wal.dir is required")
	}
	switch c.Node.Collector {
	case "none":
	case "opcua":
		if err := c.OPCUA.Validate(); err != nil {
			return invalid("opcua: %v", err)
		}
	case "serial":
		if err := c.Serial.Validate(); err != nil {
			return invalid("serial: %v", err)
		}
	default:
		return invalid("node.collector must be none, opcua or serial, got %q", c.Node.Collector)
	}
	return nil
}

// Build compiles the bucket pattern in the configured zone.
func (r RouterConfig) Build() (*router.Router, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, domain.Config("router timezone", err)
	}
	return router.New(r.Format, loc)
}
