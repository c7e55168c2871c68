// Package cli holds what the hive-node and hive-aggregator binaries share:
// the banner, logger construction and the metrics poller behind "stats".
package cli

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

//go:embed assets/banner.txt
var banner string

const (
	amber = "\x1b[33m"
	reset = "\x1b[0m"
)

// PrintBanner writes the banner, colored unless NO_COLOR is set.
func PrintBanner(w io.Writer) {
	if os.Getenv("NO_COLOR") != "" {
		fmt.Fprintln(w, banner)
		return
	}
	fmt.Fprintln(w, amber+banner+reset)
}

// NewLogger builds the process logger for a log.level / log.format pair.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var h slog.Handler
	switch format {
	case "", "tint":
		h = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			NoColor:    os.Getenv("NO_COLOR") != "",
		})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(h), nil
}

// Scrape fetches a Prometheus text endpoint and returns the value of each
// named metric that is present. Histograms report their sample count.
func Scrape(ctx context.Context, client *http.Client, url string, names []string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	out := make(map[string]float64, len(names))
	for _, name := range names {
		mf, ok := families[name]
		if !ok || len(mf.GetMetric()) == 0 {
			continue
		}
		out[name] = value(mf.GetMetric()[0])
	}
	return out, nil
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return m.GetUntyped().GetValue()
	}
}

// FormatSnapshot renders one stats line with the hive_ prefix trimmed.
func FormatSnapshot(at time.Time, values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", at.Format(time.RFC3339))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%g", strings.TrimPrefix(k, "hive_"), values[k])
	}
	return b.String()
}

// PollStats prints a snapshot of names every interval until ctx ends.
// Scrape failures are reported and polling continues.
func PollStats(ctx context.Context, w, errw io.Writer, url string, interval time.Duration, names []string) error {
	client := &http.Client{Timeout: interval}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fmt.Fprintf(w, "Streaming metrics from %s (Ctrl+C to stop)\n", url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case at := <-ticker.C:
			values, err := Scrape(ctx, client, url, names)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(errw, "stats error: %v\n", err)
				continue
			}
			fmt.Fprintln(w, FormatSnapshot(at, values))
		}
	}
}

// ParseFields turns repeated key=value flags into reading fields. Values
// that parse as numbers become float64.
func ParseFields(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q is not key=value", p)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out, nil
}
