package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

var errBatchFull = errors.New("batch full")

type outboxEntry struct {
	id  ports.WALEntryID
	msg *domain.TelemetryMessage
}

// ReplyHook observes every acknowledged message together with the
// aggregator's reply.
type ReplyHook func(m *domain.TelemetryMessage, r *domain.Response)

// Publisher drains the node outbox through the lock-step channel, oldest
// entry first. An entry is committed once the aggregator accepted it or it
// ran out of delivery attempts.
type Publisher struct {
	wal     ports.WAL
	ch      ports.RequestChannel
	pol     ports.Policy
	timeout time.Duration
	obs     ports.Observability
	hooks   []ReplyHook

	attempts map[ports.WALEntryID]int
}

type PublisherOption func(*Publisher)

func WithReplyHook(h ReplyHook) PublisherOption {
	return func(p *Publisher) { p.hooks = append(p.hooks, h) }
}

func WithPublisherObservability(obs ports.Observability) PublisherOption {
	return func(p *Publisher) { p.obs = obs }
}

func NewPublisher(wal ports.WAL, ch ports.RequestChannel, pol ports.Policy, timeout time.Duration, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		wal:      wal,
		ch:       ch,
		pol:      pol,
		timeout:  timeout,
		obs:      ports.NopObservability{},
		attempts: make(map[ports.WALEntryID]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends up to MaxBatchSize pending entries. A transport failure
// stops the tick and leaves the entry for the next one.
func (p *Publisher) Publish(ctx context.Context) error {
	batch, err := p.pending()
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	defer p.report()

	for _, e := range batch {
		if ctx.Err() != nil {
			return nil
		}

		resp, err := p.ch.SendAndAwait(ctx, e.msg, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send entry %d: %w", e.id, err)
		}

		if resp.Status != domain.StatusOK {
			p.attempts[e.id]++
			n := p.attempts[e.id]
			if p.pol.MaxDeliveryAttempts <= 0 || n < p.pol.MaxDeliveryAttempts {
				p.obs.LogInfo("aggregator rejected entry",
					ports.Field{Key: "entry", Value: uint64(e.id)},
					ports.Field{Key: "attempt", Value: n},
					ports.Field{Key: "degraded", Value: resp.Degraded})
				return nil
			}
			p.obs.RecordDLQ(e.id, e.msg, fmt.Errorf("rejected %d times", n))
		} else {
			p.obs.IncCounter(ports.MetricSamplesDelivered, 1)
			for _, h := range p.hooks {
				h(e.msg, resp)
			}
		}

		delete(p.attempts, e.id)
		if err := p.wal.Commit(e.id); err != nil {
			return fmt.Errorf("commit entry %d: %w", e.id, err)
		}
	}
	return nil
}

// Compact drops committed entries from the outbox file.
func (p *Publisher) Compact(context.Context) error {
	if err := p.wal.TruncateCommitted(); err != nil {
		return fmt.Errorf("compact outbox: %w", err)
	}
	p.report()
	return nil
}

// pending collects the next batch. An entry that no longer decodes is
// dead-lettered and committed once it reaches the head of the outbox, so it
// cannot hold back the entries behind it.
func (p *Publisher) pending() ([]outboxEntry, error) {
	for {
		batch, err := p.collect()
		var corrupt *ports.CorruptEntryError
		if !errors.As(err, &corrupt) {
			return batch, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
		p.obs.RecordDLQ(corrupt.ID, nil, corrupt)
		delete(p.attempts, corrupt.ID)
		if err := p.wal.Commit(corrupt.ID); err != nil {
			return nil, fmt.Errorf("commit entry %d: %w", corrupt.ID, err)
		}
	}
}

func (p *Publisher) collect() ([]outboxEntry, error) {
	limit := p.pol.MaxBatchSize
	if limit <= 0 {
		limit = 1
	}

	var batch []outboxEntry
	// Iterate holds the WAL lock; commits happen after it returns.
	err := p.wal.Iterate(p.wal.Stats().OldestUncommitted, func(id ports.WALEntryID, m *domain.TelemetryMessage) error {
		batch = append(batch, outboxEntry{id: id, msg: m})
		if len(batch) >= limit {
			return errBatchFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return batch, err
	}
	return batch, nil
}

func (p *Publisher) report() {
	stats := p.wal.Stats()
	p.obs.SetGauge(ports.MetricOutboxPending, float64(pending(stats)))
	p.obs.SetGauge(ports.MetricWALSizeBytes, float64(stats.SizeBytes))
}
