package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// RunEdgePipeline starts col and appends every reading it produces to the
// outbox until ctx ends. The collector is stopped before returning.
func RunEdgePipeline(ctx context.Context, col ports.Collector, wal ports.WAL, pol ports.Policy, obs ports.Observability) error {
	ch := make(chan *domain.TelemetryMessage, max(pol.MaxBatchSize, 1))

	if err := col.Start(ch); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return col.Stop()
		case m := <-ch:
			fields, err := m.Fields.Normalize()
			if err != nil {
				obs.LogError("collector produced an unsendable reading", err, ports.Field{Key: "node", Value: m.NodeID})
				obs.IncCounter(ports.MetricQueueDropped, 1)
				continue
			}
			m.Fields = fields
			Append(ctx, wal, m, pol, obs)
		}
	}
}

// Append writes m to the outbox under the WAL-full policy and reports
// whether it was accepted.
func Append(ctx context.Context, wal ports.WAL, m *domain.TelemetryMessage, pol ports.Policy, obs ports.Observability) (ports.WALEntryID, bool) {
	if !waitForWALCapacity(ctx, wal, pol, obs) {
		obs.IncCounter(ports.MetricQueueDropped, 1)
		return 0, false
	}

	id, err := wal.Append(m)
	if err != nil {
		obs.LogCritical("wal_append_failed", err, ports.Field{Key: "node", Value: m.NodeID})
		return 0, false
	}
	stats := wal.Stats()
	obs.SetGauge(ports.MetricWALSizeBytes, float64(stats.SizeBytes))
	obs.SetGauge(ports.MetricOutboxPending, float64(pending(stats)))
	return id, true
}

func waitForWALCapacity(ctx context.Context, wal ports.WAL, pol ports.Policy, obs ports.Observability) bool {
	if pol.MaxWALSizeBytes <= 0 {
		return true
	}
	sleep := pol.IdleSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}

	for {
		stats := wal.Stats()
		if stats.SizeBytes < pol.MaxWALSizeBytes {
			return true
		}

		switch pol.OnWALFull {
		case "block":
			select {
			case <-ctx.Done():
				return false
			case <-time.After(sleep):
			}
		case "drop":
			obs.LogError("wal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxWALSizeBytes))
			return false
		default:
			obs.LogError("wal_policy_invalid", fmt.Errorf("policy=%s", pol.OnWALFull))
			return false
		}
	}
}

func pending(s ports.WALStats) uint64 {
	if s.LatestAppended < s.OldestUncommitted {
		return 0
	}
	return uint64(s.LatestAppended - s.OldestUncommitted + 1)
}
