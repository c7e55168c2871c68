package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-plus/hivelink/internal/adapters/wal"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// scriptedChannel answers SendAndAwait from a fixed script. A nil response
// with a nil error means "ok".
type scriptedChannel struct {
	script []scripted
	sent   []*domain.TelemetryMessage
}

type scripted struct {
	resp *domain.Response
	err  error
}

func (s *scriptedChannel) SendAndAwait(_ context.Context, m *domain.TelemetryMessage, _ time.Duration) (*domain.Response, error) {
	s.sent = append(s.sent, m)
	step := scripted{}
	if len(s.script) > 0 {
		step, s.script = s.script[0], s.script[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	if step.resp == nil {
		return &domain.Response{Kind: domain.KindResponse, Status: domain.StatusOK, ID: "doc"}, nil
	}
	return step.resp, nil
}

func (s *scriptedChannel) Close() error { return nil }

func newOutbox(t *testing.T, n int) *wal.FileWAL {
	t.Helper()
	w, err := wal.NewFileWAL(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	for i := 0; i < n; i++ {
		_, err := w.Append(sample("A1", float64(1000+i), 20+float64(i)))
		require.NoError(t, err)
	}
	return w
}

func TestPublishCommitsAcknowledgedEntries(t *testing.T) {
	w := newOutbox(t, 5)
	ch := &scriptedChannel{}
	var acked []string
	p := NewPublisher(w, ch, ports.Policy{MaxBatchSize: 3}, time.Second,
		WithReplyHook(func(_ *domain.TelemetryMessage, r *domain.Response) { acked = append(acked, r.ID) }))

	require.NoError(t, p.Publish(context.Background()))
	assert.Len(t, ch.sent, 3, "one tick sends at most one batch")
	assert.Equal(t, ports.WALEntryID(4), w.Stats().OldestUncommitted)
	assert.Len(t, acked, 3)

	require.NoError(t, p.Publish(context.Background()))
	assert.Len(t, ch.sent, 5)
	assert.Equal(t, ports.WALEntryID(6), w.Stats().OldestUncommitted)

	require.NoError(t, p.Publish(context.Background()))
	assert.Len(t, ch.sent, 5, "nothing left to send")
}

func TestPublishKeepsEntryAfterTimeout(t *testing.T) {
	w := newOutbox(t, 2)
	ch := &scriptedChannel{script: []scripted{
		{err: domain.Timeout("await reply", nil)},
	}}
	p := NewPublisher(w, ch, ports.Policy{MaxBatchSize: 10}, time.Second)

	err := p.Publish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, ports.WALEntryID(1), w.Stats().OldestUncommitted, "entry stays for the next tick")
	assert.Len(t, ch.sent, 1, "the tick stops at the first failure")

	// next tick: the channel refreshed and the same entry goes through
	require.NoError(t, p.Publish(context.Background()))
	require.Len(t, ch.sent, 3)
	assert.True(t, ch.sent[0].Time.Equal(ch.sent[1].Time))
	assert.Equal(t, ports.WALEntryID(3), w.Stats().OldestUncommitted)
}

func TestPublishDeadLettersAfterMaxAttempts(t *testing.T) {
	w := newOutbox(t, 2)
	bad := &domain.Response{Kind: domain.KindResponse, Status: domain.StatusBad, Degraded: []string{"store"}}
	ch := &scriptedChannel{script: []scripted{{resp: bad}, {resp: bad}}}
	obs := &mockObs{}
	p := NewPublisher(w, ch, ports.Policy{MaxBatchSize: 10, MaxDeliveryAttempts: 2}, time.Second,
		WithPublisherObservability(obs))

	require.NoError(t, p.Publish(context.Background()))
	assert.Equal(t, ports.WALEntryID(1), w.Stats().OldestUncommitted)
	assert.Empty(t, obs.dlq)

	require.NoError(t, p.Publish(context.Background()))
	assert.Equal(t, []ports.WALEntryID{1}, obs.dlq)
	assert.Equal(t, ports.WALEntryID(3), w.Stats().OldestUncommitted, "dead-lettered entry is committed and the next one delivered")
	assert.Equal(t, 1.0, obs.counters[ports.MetricSamplesDelivered])
	assert.Equal(t, 0.0, obs.gauges[ports.MetricOutboxPending])
}

func TestPublishDeadLettersUndecodableEntries(t *testing.T) {
	w, err := wal.NewFileWAL(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	bad := sample("A1", 1001, 21)
	bad.Fields["door_open"] = true
	for _, m := range []*domain.TelemetryMessage{sample("A1", 1000, 20), bad, sample("A1", 1002, 22)} {
		_, err := w.Append(m)
		require.NoError(t, err)
	}

	ch := &scriptedChannel{}
	obs := &mockObs{}
	p := NewPublisher(w, ch, ports.Policy{MaxBatchSize: 10}, time.Second, WithPublisherObservability(obs))

	// the entry ahead of the undecodable one goes out first
	require.NoError(t, p.Publish(context.Background()))
	require.Len(t, ch.sent, 1)
	assert.Equal(t, ports.WALEntryID(2), w.Stats().OldestUncommitted)

	require.NoError(t, p.Publish(context.Background()))
	assert.Equal(t, []ports.WALEntryID{2}, obs.dlq)
	require.Len(t, ch.sent, 2)
	assert.Equal(t, 22.0, ch.sent[1].Fields["int_t"])
	assert.Equal(t, ports.WALEntryID(4), w.Stats().OldestUncommitted)

	require.NoError(t, p.Publish(context.Background()))
	assert.Len(t, ch.sent, 2)
	assert.Len(t, obs.dlq, 1)
}

func TestCompactDropsCommittedEntries(t *testing.T) {
	w := newOutbox(t, 3)
	p := NewPublisher(w, &scriptedChannel{}, ports.Policy{MaxBatchSize: 2}, time.Second)
	require.NoError(t, p.Publish(context.Background()))

	before := w.Stats().SizeBytes
	require.NoError(t, p.Compact(context.Background()))
	assert.Less(t, w.Stats().SizeBytes, before)

	var left []ports.WALEntryID
	require.NoError(t, w.Iterate(0, func(id ports.WALEntryID, _ *domain.TelemetryMessage) error {
		left = append(left, id)
		return nil
	}))
	assert.Equal(t, []ports.WALEntryID{3}, left)
}
