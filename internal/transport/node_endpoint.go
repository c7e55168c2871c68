// Package transport implements the lock-step request/reply channel between a
// node and the aggregator over websocket text frames. Each frame carries one
// JSON message; a node never has more than one request in flight.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// State of the node side of the channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	AwaitingReply
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case AwaitingReply:
		return "awaiting_reply"
	default:
		return "unknown"
	}
}

// NodeEndpoint owns the single outbound channel of a node. A timed out or
// failed exchange discards the connection; the next call dials a fresh one.
type NodeEndpoint struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	dialTimeout time.Duration
	obs         ports.Observability

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
}

type NodeOption func(*NodeEndpoint)

func WithDialTimeout(d time.Duration) NodeOption {
	return func(e *NodeEndpoint) { e.dialTimeout = d }
}

func WithHeader(h http.Header) NodeOption {
	return func(e *NodeEndpoint) { e.header = h }
}

func WithNodeObservability(obs ports.Observability) NodeOption {
	return func(e *NodeEndpoint) { e.obs = obs }
}

// NewNodeEndpoint does not connect; the first SendAndAwait does.
func NewNodeEndpoint(url string, opts ...NodeOption) *NodeEndpoint {
	e := &NodeEndpoint{
		url:         url,
		dialer:      &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		dialTimeout: 5 * time.Second,
		obs:         ports.NopObservability{},
		state:       Disconnected,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *NodeEndpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SendAndAwait sends m and blocks until the aggregator replies or timeout
// elapses. Timeouts and connection failures leave the endpoint Disconnected;
// the call is not retried here.
func (e *NodeEndpoint) SendAndAwait(ctx context.Context, m *domain.TelemetryMessage, timeout time.Duration) (*domain.Response, error) {
	const op = "send_and_await"

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, domain.Malformed(op, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		if err := e.connect(ctx); err != nil {
			return nil, err
		}
	}
	conn := e.conn

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	start := time.Now()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, e.fail(ctx, op, err)
	}
	e.state = AwaitingReply

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}

	resp, err := domain.DecodeResponse(data)
	if err != nil {
		// a reply we cannot read leaves the exchange unaccounted for
		e.refresh()
		return nil, err
	}
	e.state = Ready
	e.obs.ObserveLatency(ports.MetricRoundTripLatency, time.Since(start).Seconds())
	return resp, nil
}

// Close drops the connection. The endpoint may be used again afterwards.
func (e *NodeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := e.conn.Close()
	e.conn = nil
	e.state = Disconnected
	return err
}

func (e *NodeEndpoint) connect(ctx context.Context) error {
	e.state = Connecting
	dctx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	conn, _, err := e.dialer.DialContext(dctx, e.url, e.header)
	if err != nil {
		e.state = Disconnected
		e.obs.IncCounter(ports.MetricTransportErrors, 1)
		return domain.Transport("connect", err)
	}
	e.conn = conn
	e.state = Ready
	return nil
}

// fail classifies a read or write error and discards the channel.
func (e *NodeEndpoint) fail(ctx context.Context, op string, err error) error {
	e.refresh()
	if ctx.Err() != nil {
		return domain.Timeout(op, ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		e.obs.IncCounter(ports.MetricTransportTimeouts, 1)
		return domain.Timeout(op, err)
	}
	e.obs.IncCounter(ports.MetricTransportErrors, 1)
	return domain.Transport(op, err)
}

func (e *NodeEndpoint) refresh() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.state = Disconnected
	e.obs.IncCounter(ports.MetricChannelRefreshes, 1)
}

var _ ports.RequestChannel = (*NodeEndpoint)(nil)
