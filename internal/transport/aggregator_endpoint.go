package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// DefaultPath is where the aggregator mounts its endpoint.
const DefaultPath = "/link"

var ErrClosed = errors.New("endpoint closed")

// exchange is one consumed request slot. The connection goroutine blocks on
// reply until the owner of the slot answers.
type exchange struct {
	payload []byte
	reply   chan []byte
	done    chan error
}

// AggregatorEndpoint serves node connections and hands their requests to a
// single consumer one at a time. Every connection is served by the HTTP
// server's goroutine for that request; the consumer side (Receive/Reply) is
// expected to be driven by one task.
type AggregatorEndpoint struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	obs          ports.Observability

	inbound   chan *exchange
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	current *exchange
	conns   map[*websocket.Conn]struct{}
}

type AggregatorOption func(*AggregatorEndpoint)

func WithWriteTimeout(d time.Duration) AggregatorOption {
	return func(e *AggregatorEndpoint) { e.writeTimeout = d }
}

func WithAggregatorObservability(obs ports.Observability) AggregatorOption {
	return func(e *AggregatorEndpoint) { e.obs = obs }
}

func NewAggregatorEndpoint(opts ...AggregatorOption) *AggregatorEndpoint {
	e := &AggregatorEndpoint{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// nodes are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: time.Second,
		obs:          ports.NopObservability{},
		inbound:      make(chan *exchange),
		closed:       make(chan struct{}),
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ServeHTTP upgrades a node connection and relays its requests until the node
// disconnects or the endpoint is closed.
func (e *AggregatorEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-e.closed:
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.obs.IncCounter(ports.MetricTransportErrors, 1)
		return
	}
	if !e.track(conn) {
		_ = conn.Close()
		return
	}
	defer e.untrack(conn)

	e.serve(conn)
}

func (e *AggregatorEndpoint) serve(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.obs.IncCounter(ports.MetricTransportErrors, 1)
			}
			return
		}

		ex := &exchange{
			payload: payload,
			reply:   make(chan []byte, 1),
			done:    make(chan error, 1),
		}
		select {
		case e.inbound <- ex:
		case <-e.closed:
			return
		}

		var out []byte
		select {
		case out = <-ex.reply:
		case <-e.closed:
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		err = conn.WriteMessage(websocket.TextMessage, out)
		ex.done <- err
		if err != nil {
			return
		}
	}
}

// Receive takes the next request, waiting at most timeout. A request that
// does not parse is reported as a malformed-payload error and still occupies
// the slot: the caller must Reply before receiving again.
func (e *AggregatorEndpoint) Receive(ctx context.Context, timeout time.Duration) (*domain.TelemetryMessage, error) {
	const op = "receive"

	e.mu.Lock()
	pending := e.current != nil
	e.mu.Unlock()
	if pending {
		return nil, domain.LockStep(op, errors.New("previous request has not been replied to"))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var ex *exchange
	select {
	case ex = <-e.inbound:
	case <-timer.C:
		return nil, domain.Timeout(op, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, domain.Transport(op, ErrClosed)
	}

	e.mu.Lock()
	e.current = ex
	e.mu.Unlock()
	e.obs.IncCounter(ports.MetricMessagesReceived, 1)

	msg, err := domain.DecodeMessage(ex.payload)
	if err != nil {
		e.obs.IncCounter(ports.MetricMalformedPayloads, 1)
		return nil, err
	}
	return msg, nil
}

// Reply answers the request taken by the last Receive and waits until the
// frame is written.
func (e *AggregatorEndpoint) Reply(ctx context.Context, r *domain.Response) error {
	const op = "reply"

	e.mu.Lock()
	ex := e.current
	e.current = nil
	e.mu.Unlock()
	if ex == nil {
		return domain.LockStep(op, errors.New("no request awaiting a reply"))
	}

	data, err := json.Marshal(r)
	if err != nil {
		// the slot is still owed an answer
		data, _ = json.Marshal(domain.BadResponse(""))
	}
	ex.reply <- data

	timer := time.NewTimer(e.writeTimeout + 100*time.Millisecond)
	defer timer.Stop()

	select {
	case err := <-ex.done:
		if err != nil {
			e.obs.IncCounter(ports.MetricTransportErrors, 1)
			return domain.Transport(op, err)
		}
		e.obs.IncCounter(ports.MetricRepliesSent, 1)
		return nil
	case <-timer.C:
		return domain.Timeout(op, errors.New("reply not written"))
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return domain.Transport(op, ErrClosed)
	}
}

// Close stops accepting requests and drops every node connection.
func (e *AggregatorEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		for c := range e.conns {
			_ = c.Close()
		}
		e.mu.Unlock()
	})
	return nil
}

func (e *AggregatorEndpoint) track(c *websocket.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
		return false
	default:
	}
	e.conns[c] = struct{}{}
	return true
}

func (e *AggregatorEndpoint) untrack(c *websocket.Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
	_ = c.Close()
}

var (
	_ ports.ReplyChannel = (*AggregatorEndpoint)(nil)
	_ http.Handler       = (*AggregatorEndpoint)(nil)
)
