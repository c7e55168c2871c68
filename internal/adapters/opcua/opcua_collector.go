package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint         string        `yaml:"endpoint" toml:"endpoint"`
	Username         string        `yaml:"username" toml:"username"`
	Password         string        `yaml:"password" toml:"password"`
	SecurityMode     string        `yaml:"security_mode" toml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy" toml:"security_policy"`
	ApplicationName  string        `yaml:"application_name" toml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval" toml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval" toml:"sampling_interval"`
	Nodes            []NodeConfig  `yaml:"nodes" toml:"nodes"`
}

// NodeConfig maps a monitored OPC UA node to a reading field.
type NodeConfig struct {
	NodeID string `yaml:"node_id" toml:"node_id"`
	Field  string `yaml:"field" toml:"field"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "HiveLink Node"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	for i := range c.Nodes {
		if c.Nodes[i].Field == "" {
			c.Nodes[i].Field = c.Nodes[i].NodeID
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	seen := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, dup := seen[n.Field]; dup {
			return fmt.Errorf("field %q mapped twice", n.Field)
		}
		seen[n.Field] = struct{}{}
	}
	return nil
}

// Collector subscribes to the configured nodes and emits one sample per data
// change notification carrying the latest value of every field seen so far.
type Collector struct {
	cfg    Config
	nodeID string
	obs    ports.Observability

	client    *opcua.Client
	sub       *opcua.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handleMap map[uint32]NodeConfig
	latest    domain.Reading
	mu        sync.Mutex
	started   bool
}

// NewCollector builds a collector that stamps samples with nodeID.
func NewCollector(nodeID string, cfg Config, obs ports.Observability) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, domain.Config("opcua", err)
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	handles := make(map[uint32]NodeConfig, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		handles[uint32(i+1)] = n
	}
	return &Collector{
		cfg:       cfg,
		nodeID:    nodeID,
		obs:       obs,
		handleMap: handles,
		latest:    make(domain.Reading),
	}, nil
}

func (c *Collector) Start(out chan<- *domain.TelemetryMessage) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("opcua collector already started")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	client, err := opcua.NewClient(c.cfg.Endpoint, c.buildClientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(c.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: c.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	for handle, node := range c.handleMap {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if c.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(c.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		}
		if len(res.Results) == 0 {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: empty result", node.NodeID)
		}
		if res.Results[0].StatusCode != ua.StatusOK {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: %s", node.NodeID, res.Results[0].StatusCode)
		}
	}

	c.mu.Lock()
	c.client = client
	c.sub = sub
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(ctx, notifyCh, out)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	sub := c.sub
	client := c.client
	c.started = false
	c.cancel = nil
	c.sub = nil
	c.client = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	c.wg.Wait()
	return err
}

func (c *Collector) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- *domain.TelemetryMessage) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.obs.LogError("opcua notification error", notif.Error)
				continue
			}
			msg := c.processNotification(notif.Value)
			if msg == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}
}

// processNotification folds a data change into the latest snapshot and
// returns the sample to emit, or nil when nothing usable changed.
func (c *Collector) processNotification(val any) *domain.TelemetryMessage {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var ts time.Time
	changed := false
	for _, item := range data.MonitoredItems {
		nodeCfg, ok := c.handleMap[item.ClientHandle]
		if !ok || item.Value == nil {
			continue
		}
		v, ok := variantValue(item.Value.Value)
		if !ok {
			c.obs.LogInfo("opcua skipping unsupported value",
				ports.Field{Key: "node", Value: nodeCfg.NodeID},
				ports.Field{Key: "type", Value: fmt.Sprintf("%T", item.Value.Value)})
			continue
		}
		c.latest[nodeCfg.Field] = v
		changed = true

		t := item.Value.SourceTimestamp
		if t.IsZero() {
			t = item.Value.ServerTimestamp
		}
		if t.After(ts) {
			ts = t
		}
	}
	if !changed {
		return nil
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	return &domain.TelemetryMessage{
		Kind:   domain.KindSample,
		NodeID: c.nodeID,
		Time:   domain.FromEpochSeconds(domain.EpochSeconds(ts)),
		Fields: c.latest.Clone(),
	}
}

func (c *Collector) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}

	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (c *Collector) cleanupOnError(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

// variantValue converts numeric variants to float64 and passes strings
// through; readings carry nothing else.
func variantValue(v *ua.Variant) (any, bool) {
	if v == nil {
		return nil, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1.0, true
		}
		return 0.0, true
	case string:
		return val, true
	default:
		return nil, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Collector = (*Collector)(nil)
