package hivelink

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hivemind-plus/hivelink/internal/ports"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WAL.Dir = filepath.Join(dir, "wal")
	cfg.Store.Path = filepath.Join(dir, "hive.db")
	cfg.Backup.Dir = filepath.Join(dir, "backups")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = ""
	cfg.Aggregator.ListenInterval = time.Millisecond
	cfg.Aggregator.TrainInterval = time.Millisecond
	cfg.Aggregator.ReceiveTimeout = 20 * time.Millisecond
	cfg.Estimators = []EstimatorConfig{{Name: "health", Features: []string{"int_t", "int_h"}}}
	return cfg
}

var nop = WithObservability(ports.NopObservability{})

type stubCollector struct {
	started bool
	stopped bool
}

func (s *stubCollector) Start(chan<- *Message) error {
	s.started = true
	return nil
}

func (s *stubCollector) Stop() error {
	s.stopped = true
	return nil
}

// recordingLink acknowledges every request and keeps what it was sent.
type recordingLink struct {
	mu     sync.Mutex
	sent   []*Message
	closed bool
}

func (l *recordingLink) SendAndAwait(_ context.Context, m *Message, _ time.Duration) (*Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, m)
	return &Response{Kind: KindResponse, Status: StatusOK, Estimators: Estimates{"health": "calm"}}, nil
}

func (l *recordingLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *recordingLink) messages() []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Message(nil), l.sent...)
}

type fixedEstimator struct{ label string }

func (f fixedEstimator) Fit([][]float64, []string) error   { return nil }
func (f fixedEstimator) Predict([]float64) (string, error) { return f.label, nil }
