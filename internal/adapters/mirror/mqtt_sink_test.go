package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startBroker runs an in-process MQTT broker for the duration of the test.
func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "t1",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return addr
}

func subscribe(ctx context.Context, t *testing.T, addr, filter string) <-chan *paho.Publish {
	t.Helper()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)

	got := make(chan *paho.Publish, 8)
	client := paho.NewClient(paho.ClientConfig{
		ClientID: "subscriber",
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				got <- pr.Packet
				return true, nil
			},
		},
	})
	_, err = client.Connect(ctx, &paho.Connect{ClientID: "subscriber", KeepAlive: 5, CleanStart: true})
	require.NoError(t, err)
	_, err = client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(&paho.Disconnect{ReasonCode: 0}) })
	return got
}

func TestMQTTSinkPublishesDocument(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startBroker(t)
	got := subscribe(ctx, t, addr, "hive/#")

	sink, err := NewMQTTSink(MQTTConfig{Addr: addr, ClientID: "agg", TopicPrefix: "hive/", QoS: 1})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Ping(ctx))
	rec := testRecord()
	require.NoError(t, sink.Write(ctx, rec))

	select {
	case pub := <-got:
		assert.Equal(t, "hive/19700101/A1", pub.Topic)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(pub.Payload, &doc))
		assert.Equal(t, "doc-1", doc["id"])
		assert.Equal(t, "19700101", doc["bucket"])
		inner := doc["message"].(map[string]any)
		assert.Equal(t, "A1", inner["node_id"])
		assert.Equal(t, 21.5, inner["int_t"])
	case <-ctx.Done():
		t.Fatal("timed out waiting for mirrored document")
	}
}

func TestMQTTSinkUnreachableBroker(t *testing.T) {
	sink, err := NewMQTTSink(MQTTConfig{Addr: freeAddr(t), DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	err = sink.Write(context.Background(), testRecord())
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable), "got %v", err)
	assert.True(t, errors.Is(sink.Ping(context.Background()), domain.ErrBackendUnavailable))
}

func TestNewMQTTSinkValidates(t *testing.T) {
	_, err := NewMQTTSink(MQTTConfig{})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = NewMQTTSink(MQTTConfig{Addr: "localhost:1883", QoS: 3})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
