package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sample(node string, secs int64) *domain.TelemetryMessage {
	return &domain.TelemetryMessage{
		Kind:   domain.KindSample,
		NodeID: node,
		Time:   time.Unix(secs, 0),
		Fields: domain.Reading{"int_t": 21.5, "ext_t": 15.0},
	}
}

func newAggregator(t *testing.T) (*AggregatorEndpoint, *httptest.Server) {
	t.Helper()
	agg := NewAggregatorEndpoint(WithWriteTimeout(time.Second))
	srv := httptest.NewServer(agg)
	t.Cleanup(func() {
		_ = agg.Close()
		srv.Close()
	})
	return agg, srv
}

// answer runs one receive/reply cycle on the aggregator side.
func answer(t *testing.T, agg *AggregatorEndpoint, id string) <-chan *domain.TelemetryMessage {
	t.Helper()
	got := make(chan *domain.TelemetryMessage, 1)
	go func() {
		ctx := context.Background()
		msg, err := agg.Receive(ctx, 2*time.Second)
		if err != nil {
			close(got)
			return
		}
		_ = agg.Reply(ctx, &domain.Response{ID: id, Kind: domain.KindResponse, Time: "t", Status: domain.StatusOK})
		got <- msg
	}()
	return got
}

func TestSendAndAwaitRoundTrip(t *testing.T) {
	agg, srv := newAggregator(t)
	node := NewNodeEndpoint(wsURL(srv))
	defer node.Close()

	assert.Equal(t, Disconnected, node.State())

	got := answer(t, agg, "doc-1")
	resp, err := node.SendAndAwait(context.Background(), sample("A1", 1000), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", resp.ID)
	assert.Equal(t, domain.StatusOK, resp.Status)
	assert.Equal(t, Ready, node.State())

	msg := <-got
	require.NotNil(t, msg)
	assert.Equal(t, "A1", msg.NodeID)
	assert.True(t, msg.Time.Equal(time.Unix(1000, 0)))
}

func TestSendAndAwaitRefreshesAfterDroppedReply(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if n == 1 {
				// swallow the first request
				continue
			}
			var m domain.TelemetryMessage
			if err := json.Unmarshal(data, &m); err != nil {
				return
			}
			out, _ := json.Marshal(domain.Response{ID: m.NodeID, Kind: domain.KindResponse, Status: domain.StatusOK})
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	node := NewNodeEndpoint(wsURL(srv))
	defer node.Close()

	_, err := node.SendAndAwait(context.Background(), sample("A1", 1000), 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)
	assert.Equal(t, Disconnected, node.State())

	resp, err := node.SendAndAwait(context.Background(), sample("A1", 1000), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "A1", resp.ID)
	assert.Equal(t, Ready, node.State())
	assert.Equal(t, int32(2), conns.Load())
}

func TestSendAndAwaitTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	node := NewNodeEndpoint(url, WithDialTimeout(200*time.Millisecond))
	_, err := node.SendAndAwait(context.Background(), sample("A1", 1), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransport), "got %v", err)
	assert.Equal(t, Disconnected, node.State())
}

func TestSendAndAwaitRejectsUnreadableReply(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"sample"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	node := NewNodeEndpoint(wsURL(srv))
	_, err := node.SendAndAwait(context.Background(), sample("A1", 1), time.Second)
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)
	assert.Equal(t, Disconnected, node.State())
}

func TestAggregatorLockStepSequence(t *testing.T) {
	agg, srv := newAggregator(t)
	node := NewNodeEndpoint(wsURL(srv))
	defer node.Close()

	ctx := context.Background()
	for i, id := range []string{"x", "y"} {
		errc := make(chan error, 1)
		go func() {
			_, err := node.SendAndAwait(ctx, sample("A1", int64(1000+i)), 2*time.Second)
			errc <- err
		}()

		msg, err := agg.Receive(ctx, 2*time.Second)
		require.NoError(t, err)
		assert.True(t, msg.Time.Equal(time.Unix(int64(1000+i), 0)))
		require.NoError(t, agg.Reply(ctx, &domain.Response{ID: id, Kind: domain.KindResponse, Status: domain.StatusOK}))
		require.NoError(t, <-errc)
	}
}

func TestAggregatorRejectsDoubleReceive(t *testing.T) {
	agg, srv := newAggregator(t)
	node := NewNodeEndpoint(wsURL(srv))
	defer node.Close()

	ctx := context.Background()
	errc := make(chan error, 1)
	go func() {
		_, err := node.SendAndAwait(ctx, sample("A1", 1000), 2*time.Second)
		errc <- err
	}()

	_, err := agg.Receive(ctx, 2*time.Second)
	require.NoError(t, err)

	_, err = agg.Receive(ctx, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockStepViolation), "got %v", err)

	require.NoError(t, agg.Reply(ctx, &domain.Response{Kind: domain.KindResponse, Status: domain.StatusOK}))
	require.NoError(t, <-errc)
}

func TestAggregatorRejectsReplyWithoutReceive(t *testing.T) {
	agg, _ := newAggregator(t)
	err := agg.Reply(context.Background(), domain.BadResponse(""))
	assert.True(t, errors.Is(err, domain.ErrLockStepViolation), "got %v", err)
}

func TestAggregatorReceiveTimesOutWhenIdle(t *testing.T) {
	agg, _ := newAggregator(t)
	_, err := agg.Receive(context.Background(), 20*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)

	// an idle timeout does not occupy the slot
	_, err = agg.Receive(context.Background(), 20*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)
}

func TestAggregatorMalformedPayloadStillAnswered(t *testing.T) {
	agg, srv := newAggregator(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	_, err = agg.Receive(ctx, 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedPayload), "got %v", err)
	require.NoError(t, agg.Reply(ctx, domain.BadResponse("now")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := domain.DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBad, resp.Status)

	payload, err := json.Marshal(sample("A1", 1000))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	msg, err := agg.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "A1", msg.NodeID)
	require.NoError(t, agg.Reply(ctx, &domain.Response{Kind: domain.KindResponse, Status: domain.StatusOK}))
}

func TestAggregatorCloseUnblocksReceive(t *testing.T) {
	agg, _ := newAggregator(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = agg.Close()
	}()
	_, err := agg.Receive(context.Background(), 5*time.Second)
	assert.True(t, errors.Is(err, domain.ErrTransport), "got %v", err)
	assert.True(t, errors.Is(err, ErrClosed))
}
