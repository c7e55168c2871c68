package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP hive_documents_stored_total Documents stored.
# TYPE hive_documents_stored_total counter
hive_documents_stored_total 42
# HELP hive_outbox_pending Outbox entries not yet delivered.
# TYPE hive_outbox_pending gauge
hive_outbox_pending 3
# HELP hive_round_trip_latency_seconds Round trip latency.
# TYPE hive_round_trip_latency_seconds histogram
hive_round_trip_latency_seconds_bucket{le="0.1"} 5
hive_round_trip_latency_seconds_bucket{le="+Inf"} 7
hive_round_trip_latency_seconds_sum 0.9
hive_round_trip_latency_seconds_count 7
`

func TestScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	got, err := Scrape(context.Background(), srv.Client(), srv.URL, []string{
		"hive_documents_stored_total",
		"hive_outbox_pending",
		"hive_round_trip_latency_seconds",
		"hive_missing",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"hive_documents_stored_total":     42,
		"hive_outbox_pending":             3,
		"hive_round_trip_latency_seconds": 7,
	}, got)
}

func TestScrapeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Scrape(context.Background(), srv.Client(), srv.URL, nil)
	assert.ErrorContains(t, err, "404")
}

func TestFormatSnapshot(t *testing.T) {
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	line := FormatSnapshot(at, map[string]float64{"hive_outbox_pending": 3, "hive_dlq_total": 1})
	assert.Equal(t, "[2024-03-10T12:00:00Z] dlq_total=1 outbox_pending=3", line)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "node_id", "A1")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"node_id":"A1"`), out)

	for _, format := range []string{"tint", "text"} {
		_, err := NewLogger(&buf, "info", format)
		assert.NoError(t, err, format)
	}

	_, err = NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestPrintBannerHonoursNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	PrintBanner(&buf)
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "|_|")
}

func TestParseFields(t *testing.T) {
	got, err := ParseFields([]string{"health=calm", "int_t=34.5", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"health": "calm", "int_t": 34.5, "note": "a=b"}, got)

	_, err = ParseFields([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseFields([]string{"=x"})
	assert.Error(t, err)
}
