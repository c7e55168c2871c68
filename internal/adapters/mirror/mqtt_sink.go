package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

type MQTTConfig struct {
	Addr        string        `yaml:"addr" toml:"addr"`
	ClientID    string        `yaml:"client_id" toml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         byte          `yaml:"qos" toml:"qos"`
	KeepAlive   uint16        `yaml:"keep_alive" toml:"keep_alive"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// MQTTSink publishes each stored document to <prefix>/<bucket>/<node_id>.
// The connection is made lazily and rebuilt after any failure.
type MQTTSink struct {
	cfg MQTTConfig

	mu     sync.Mutex
	client *paho.Client
	stale  atomic.Bool
}

// Document is the MQTT payload.
type Document struct {
	ID      string                   `json:"id"`
	Bucket  domain.BucketKey         `json:"bucket"`
	Message *domain.TelemetryMessage `json:"message"`
}

func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Addr == "" {
		return nil, domain.Config("mqtt mirror", errors.New("broker address is required"))
	}
	if cfg.QoS > 2 {
		return nil, domain.Config("mqtt mirror", fmt.Errorf("invalid qos %d", cfg.QoS))
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hive-aggregator"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hive"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &MQTTSink{cfg: cfg}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic a record is published on.
func (s *MQTTSink) Topic(rec ports.Record) string {
	return s.cfg.TopicPrefix + "/" + string(rec.Bucket) + "/" + rec.Message.NodeID
}

func (s *MQTTSink) Write(ctx context.Context, rec ports.Record) error {
	payload, err := json.Marshal(Document{ID: rec.ID, Bucket: rec.Bucket, Message: rec.Message})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.connected(ctx)
	if err != nil {
		return err
	}
	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   s.Topic(rec),
		QoS:     s.cfg.QoS,
		Payload: payload,
	})
	if err != nil {
		s.drop()
		return domain.Backend("mqtt publish", err)
	}
	return nil
}

// Ping reports whether the broker accepts a session.
func (s *MQTTSink) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.connected(ctx)
	return err
}

func (s *MQTTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	s.client = nil
	return err
}

func (s *MQTTSink) connected(ctx context.Context) (*paho.Client, error) {
	if s.client != nil && !s.stale.Load() {
		return s.client, nil
	}
	s.drop()

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, domain.Backend("mqtt dial", err)
	}

	s.stale.Store(false)
	client := paho.NewClient(paho.ClientConfig{
		ClientID:           s.cfg.ClientID,
		Conn:               conn,
		OnClientError:      func(error) { s.stale.Store(true) },
		OnServerDisconnect: func(*paho.Disconnect) { s.stale.Store(true) },
	})
	cctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	if _, err := client.Connect(cctx, &paho.Connect{
		ClientID:   s.cfg.ClientID,
		KeepAlive:  s.cfg.KeepAlive,
		CleanStart: true,
	}); err != nil {
		_ = conn.Close()
		return nil, domain.Backend("mqtt connect", err)
	}
	s.client = client
	return client, nil
}

func (s *MQTTSink) drop() {
	if s.client == nil {
		return
	}
	_ = s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	s.client = nil
}

var (
	_ ports.Sink   = (*MQTTSink)(nil)
	_ ports.Pinger = (*MQTTSink)(nil)
)
