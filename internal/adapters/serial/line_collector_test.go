package serial

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

func TestParseLine(t *testing.T) {
	r, err := ParseLine([]byte(`{"int_t": 34.5, "int_h": 61, "mode": "idle"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.Reading{"int_t": 34.5, "int_h": 61.0, "mode": "idle"}, r)

	for _, bad := range []string{`{}`, `[1,2]`, `{"a": true}`, `{"a": {"b": 1}}`, `int_t=3`} {
		_, err := ParseLine([]byte(bad))
		assert.True(t, domain.IsKind(err, domain.KindMalformedPayload), bad)
	}
}

func TestCollectorEmitsSamplesAndSkipsGarbage(t *testing.T) {
	pr, pw := io.Pipe()
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	c, err := NewCollector("A1", Config{Device: "/dev/ttyACM0"},
		WithOpener(func(path string) (io.ReadCloser, error) {
			assert.Equal(t, "/dev/ttyACM0", path)
			return pr, nil
		}),
		WithNow(func() time.Time { return fixed }),
	)
	require.NoError(t, err)

	out := make(chan *domain.TelemetryMessage, 4)
	require.NoError(t, c.Start(out))
	assert.Error(t, c.Start(out), "double start")

	go func() {
		_, _ = io.WriteString(pw, "{\"int_t\": 20}\nnot json\n\n{\"int_t\": 21, \"db\": 40}\n")
	}()

	first := <-out
	assert.Equal(t, domain.KindSample, first.Kind)
	assert.Equal(t, "A1", first.NodeID)
	assert.True(t, first.Time.Equal(fixed))
	assert.Equal(t, domain.Reading{"int_t": 20.0}, first.Fields)

	second := <-out
	assert.Equal(t, domain.Reading{"int_t": 21.0, "db": 40.0}, second.Fields)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}

func TestCollectorRetriesOpen(t *testing.T) {
	var calls atomic.Int32
	pr, pw := io.Pipe()
	c, err := NewCollector("A1", Config{Device: "/dev/ttyUSB0", RetryInterval: 10 * time.Millisecond},
		WithOpener(func(string) (io.ReadCloser, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("no such device")
			}
			return pr, nil
		}),
	)
	require.NoError(t, err)

	out := make(chan *domain.TelemetryMessage, 1)
	require.NoError(t, c.Start(out))
	go func() { _, _ = io.WriteString(pw, "{\"hz\": 250}\n") }()

	select {
	case msg := <-out:
		assert.Equal(t, 250.0, msg.Fields["hz"])
	case <-time.After(2 * time.Second):
		t.Fatal("no sample after device came back")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	require.NoError(t, c.Stop())
}

func TestConfigRequiresDevice(t *testing.T) {
	_, err := NewCollector("A1", Config{})
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}
