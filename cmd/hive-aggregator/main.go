package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hivemind-plus/hivelink/internal/adapters/backup"
	"github.com/hivemind-plus/hivelink/internal/adapters/observability"
	"github.com/hivemind-plus/hivelink/internal/adapters/store/sqlite"
	"github.com/hivemind-plus/hivelink/internal/cli"
	"github.com/hivemind-plus/hivelink/internal/httpapi"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/pkg/hivelink"
)

var statsMetrics = []string{
	ports.MetricMessagesReceived,
	ports.MetricDocumentsStored,
	ports.MetricBackendFailures,
	ports.MetricMalformedPayloads,
	ports.MetricTrainingQueueLen,
	ports.MetricBucketDocuments,
	ports.MetricBackendsHealthy,
}

func main() {
	cli.PrintBanner(os.Stderr)
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "buckets":
		err = bucketsCommand(os.Args[2:])
	case "dump":
		err = dumpCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive-aggregator %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func loadConfig(fs *pflag.FlagSet, args []string) (*hivelink.Config, error) {
	cfgPath := fs.StringP("config", "c", "", "Path to configuration file (default "+hivelink.DefaultConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	path := *cfgPath
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	cfg, err := hivelink.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return cfg, nil
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logger, err := cli.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	rt, err := hivelink.NewAggregatorRuntime(cfg, hivelink.WithObservability(observability.NewPromObs(logger)))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	fmt.Printf("config looks good: buckets %s (%s), %d estimators, store %s\n",
		cfg.Router.Format, cfg.Router.Timezone, len(cfg.Estimators), cfg.Store.Path)
	return nil
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cli.PollStats(ctx, os.Stdout, os.Stderr, *url, *interval, statsMetrics)
}

// window reads --from/--to, defaulting to the last day.
func window(from, to string) (time.Time, time.Time, error) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	var err error
	if from != "" {
		if start, err = httpapi.ParseTime(from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if end, err = httpapi.ParseTime(to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	if end.Before(start) {
		start, end = end, start
	}
	return start, end, nil
}

func bucketsCommand(args []string) error {
	fs := pflag.NewFlagSet("buckets", pflag.ContinueOnError)
	from := fs.String("from", "", "Window start, epoch seconds or ISO 8601 (default 24h ago)")
	to := fs.String("to", "", "Window end (default now)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	start, end, err := window(*from, *to)
	if err != nil {
		return err
	}

	r, err := cfg.Router.Build()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	for bucket := range r.Buckets(start, end) {
		n, err := store.Count(ctx, bucket)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		nodes, err := store.Collections(ctx, bucket)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d documents\t%d nodes\n", bucket, n, len(nodes))
	}
	return nil
}

func dumpCommand(args []string) error {
	fs := pflag.NewFlagSet("dump", pflag.ContinueOnError)
	from := fs.String("from", "", "Window start, epoch seconds or ISO 8601 (default 24h ago)")
	to := fs.String("to", "", "Window end (default now)")
	node := fs.String("node", "", "Only this node")
	kind := fs.String("type", "", "Only sample or log documents")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	start, end, err := window(*from, *to)
	if err != nil {
		return err
	}
	switch hivelink.Kind(*kind) {
	case "", hivelink.KindSample, hivelink.KindLog:
	default:
		return fmt.Errorf("--type must be sample or log, got %q", *kind)
	}

	r, err := cfg.Router.Build()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	filter := ports.Filter{Kind: hivelink.Kind(*kind)}
	for bucket := range r.Buckets(start, end) {
		nodes := []string{*node}
		if *node == "" {
			if nodes, err = store.Collections(ctx, bucket); err != nil {
				return err
			}
		}
		for _, n := range nodes {
			recs, err := store.Find(ctx, bucket, n, filter)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if rec.Message.Time.Before(start) || rec.Message.Time.After(end) {
					continue
				}
				entry := backup.Entry{ID: rec.ID, Bucket: rec.Bucket, Collection: n, Message: rec.Message}
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func printUsage() {
	fmt.Printf(`HiveLink aggregator

Usage:
  hive-aggregator <command> [flags]

Commands:
  run        Serve the node link, HTTP API and task schedule
  validate   Load and validate a config file without starting the runtime
  stats      Poll the Prometheus metrics endpoint and print live counters
  buckets    List non-empty buckets in a time window
  dump       Print stored documents as JSON lines

Examples:
  hive-aggregator run --config ./data/config.yaml
  hive-aggregator validate -c ./data/config.toml
  hive-aggregator stats --url http://localhost:9100/metrics --interval 1s
  hive-aggregator dump --node A1 --type log --from 2024-03-01T00:00:00Z
`)
}
