package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	var buf bytes.Buffer
	obs := NewPromObs(slog.New(slog.NewTextHandler(&buf, nil)))

	obs.IncCounter(ports.MetricDocumentsStored, 5)
	if got := testutil.ToFloat64(obs.counters[ports.MetricDocumentsStored]); got != 5 {
		t.Fatalf("expected stored counter 5, got %f", got)
	}

	obs.IncCounter(ports.MetricQueueDropped, 2)
	if got := testutil.ToFloat64(obs.counters[ports.MetricQueueDropped]); got != 2 {
		t.Fatalf("expected queue drop counter 2, got %f", got)
	}

	obs.SetGauge(ports.MetricWALSizeBytes, 42)
	if got := testutil.ToFloat64(obs.gauges[ports.MetricWALSizeBytes]); got != 42 {
		t.Fatalf("expected wal gauge 42, got %f", got)
	}

	obs.ObserveLatency(ports.MetricRoundTripLatency, 0.5)
	hCollector := obs.histos[ports.MetricRoundTripLatency].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.RecordDLQ(1, &domain.TelemetryMessage{NodeID: "A1"}, errors.New("rejected"))
	if got := testutil.ToFloat64(obs.counters[ports.MetricDLQ]); got != 1 {
		t.Fatalf("expected dlq counter 1, got %f", got)
	}

	obs.IncCounter("unknown_metric", 1)

	obs.LogError("store_failed", errors.New("disk full"), ports.Field{Key: "bucket", Value: "20240101"})
	out := buf.String()
	if !strings.Contains(out, "store_failed") || !strings.Contains(out, "bucket=20240101") || !strings.Contains(out, "disk full") {
		t.Fatalf("expected structured error log, got %q", out)
	}
	if !strings.Contains(out, "node_id=A1") {
		t.Fatalf("expected dlq log to carry node id, got %q", out)
	}
}

func TestPromObsRegistersOnDefaultRegistry(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	obs := NewPromObs(nil)
	obs.IncCounter(ports.MetricTaskRuns, 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == ports.MetricTaskRuns {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be registered", ports.MetricTaskRuns)
	}
}
