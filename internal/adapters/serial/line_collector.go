// Package serial reads newline-delimited JSON readings from a character
// device, the way sensor boards attached over USB report them.
package serial

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

type Config struct {
	Device        string        `yaml:"device" toml:"device"`
	RetryInterval time.Duration `yaml:"retry_interval" toml:"retry_interval"`
	MaxLineBytes  int           `yaml:"max_line_bytes" toml:"max_line_bytes"`
}

func (c *Config) ApplyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 64 * 1024
	}
}

func (c *Config) Validate() error {
	if c.Device == "" {
		return errors.New("device is required")
	}
	return nil
}

// Opener opens the device. Tests substitute an in-memory reader.
type Opener func(path string) (io.ReadCloser, error)

type Option func(*Collector)

func WithOpener(open Opener) Option {
	return func(c *Collector) { c.open = open }
}

func WithObservability(obs ports.Observability) Option {
	return func(c *Collector) { c.obs = obs }
}

func WithNow(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// Collector turns each JSON object line into a sample. Lines that do not
// parse are logged and skipped. A failed device is reopened after
// RetryInterval.
type Collector struct {
	cfg    Config
	nodeID string
	open   Opener
	obs    ports.Observability
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	current io.Closer
	wg      sync.WaitGroup
}

func NewCollector(nodeID string, cfg Config, opts ...Option) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, domain.Config("serial", err)
	}
	c := &Collector{
		cfg:    cfg,
		nodeID: nodeID,
		open:   func(p string) (io.ReadCloser, error) { return os.Open(p) },
		obs:    ports.NopObservability{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Collector) Start(out chan<- *domain.TelemetryMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("serial collector already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx, out)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	cur := c.current
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if cur != nil {
		// unblocks a pending read
		err = cur.Close()
	}
	c.wg.Wait()
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Collector) run(ctx context.Context, out chan<- *domain.TelemetryMessage) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		rc, err := c.open(c.cfg.Device)
		if err != nil {
			c.obs.LogError("serial open failed", err, ports.Field{Key: "device", Value: c.cfg.Device})
		} else {
			c.setCurrent(rc)
			err = c.readLines(ctx, rc, out)
			c.setCurrent(nil)
			rc.Close()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.obs.LogError("serial read failed", err, ports.Field{Key: "device", Value: c.cfg.Device})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

func (c *Collector) setCurrent(cl io.Closer) {
	c.mu.Lock()
	c.current = cl
	c.mu.Unlock()
}

func (c *Collector) readLines(ctx context.Context, r io.Reader, out chan<- *domain.TelemetryMessage) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), c.cfg.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fields, err := ParseLine(line)
		if err != nil {
			c.obs.IncCounter(ports.MetricMalformedPayloads, 1)
			c.obs.LogInfo("serial skipping line", ports.Field{Key: "error", Value: err.Error()})
			continue
		}
		msg := &domain.TelemetryMessage{
			Kind:   domain.KindSample,
			NodeID: c.nodeID,
			Time:   domain.FromEpochSeconds(domain.EpochSeconds(c.now())),
			Fields: fields,
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- msg:
		}
	}
	return sc.Err()
}

// ParseLine decodes one JSON object of readings. Numbers become float64 and
// strings pass through; anything else rejects the line.
func ParseLine(line []byte) (domain.Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, domain.Malformed("parse line", err)
	}
	if len(raw) == 0 {
		return nil, domain.Malformed("parse line", errors.New("no readings"))
	}

	out := make(domain.Reading, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case json.Number:
			f, err := val.Float64()
			if err != nil {
				return nil, domain.Malformed("parse line", fmt.Errorf("field %s: %w", k, err))
			}
			out[k] = f
		case string:
			out[k] = val
		default:
			return nil, domain.Malformed("parse line", fmt.Errorf("field %s: unsupported value %T", k, v))
		}
	}
	return out, nil
}

var _ ports.Collector = (*Collector)(nil)
