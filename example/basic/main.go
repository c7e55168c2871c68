package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/hivemind-plus/hivelink"
)

func main() {
	flow, err := hivelink.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.RunAggregator(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("aggregator exited: %v", err)
	}
}
