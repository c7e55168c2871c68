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

	"github.com/hivemind-plus/hivelink/internal/adapters/observability"
	"github.com/hivemind-plus/hivelink/internal/cli"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/transport"
	"github.com/hivemind-plus/hivelink/pkg/hivelink"
)

var statsMetrics = []string{
	ports.MetricSamplesDelivered,
	ports.MetricOutboxPending,
	ports.MetricWALSizeBytes,
	ports.MetricTransportTimeouts,
	ports.MetricChannelRefreshes,
	ports.MetricDLQ,
	ports.MetricRoundTripLatency,
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
	case "label":
		err = labelCommand(os.Args[2:])
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
		fmt.Fprintf(os.Stderr, "hive-node %s: %v\n", cmd, err)
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
	if err := cfg.ValidateNode(); err != nil {
		return nil, err
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

	rt, err := hivelink.NewNodeRuntime(cfg, hivelink.WithObservability(observability.NewPromObs(logger)))
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
	fmt.Printf("config looks good: node %s, collector %s, aggregator %s\n",
		cfg.Node.ID, cfg.Node.Collector, cfg.Node.AggregatorURL)
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

// labelCommand sends one operator log over its own link and prints the
// reply. It leaves the node outbox alone so it is safe next to a running node.
func labelCommand(args []string) error {
	fs := pflag.NewFlagSet("label", pflag.ContinueOnError)
	pairs := fs.StringArrayP("field", "f", nil, "Label field as key=value, repeatable")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	fields, err := cli.ParseFields(*pairs)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return errors.New("at least one --field is required")
	}

	link := transport.NewNodeEndpoint(cfg.Node.AggregatorURL, transport.WithDialTimeout(cfg.Node.DialTimeout))
	defer link.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	resp, err := link.SendAndAwait(ctx, &hivelink.Message{
		Kind:   hivelink.KindLog,
		NodeID: cfg.Node.ID,
		Time:   domain.FromEpochSeconds(domain.EpochSeconds(now)),
		Fields: fields,
	}, cfg.Node.RequestTimeout)
	if err != nil {
		return err
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.Status != hivelink.StatusOK {
		return fmt.Errorf("aggregator answered %s (degraded: %v)", resp.Status, resp.Degraded)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`HiveLink node

Usage:
  hive-node <command> [flags]

Commands:
  run        Collect readings and publish them to the aggregator
  validate   Load and validate a config file without starting the runtime
  stats      Poll the Prometheus metrics endpoint and print live counters
  label      Send an operator log (estimator labels) for this node

Examples:
  hive-node run --config ./data/config.yaml
  hive-node validate -c ./data/config.toml
  hive-node stats --url http://localhost:9101/metrics --interval 1s
  hive-node label -f health=calm -f activity=foraging
`)
}
