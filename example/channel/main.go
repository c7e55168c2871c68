package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivemind-plus/hivelink"
)

func main() {
	flow, err := hivelink.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, records, closeRecords := hivelink.NewChannelSink("fanout", 32)
	defer closeRecords()

	go fanoutWorker("ingest", records)

	if err := flow.RunAggregator(ctx, hivelink.WithSink(sink)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, records <-chan hivelink.Record) {
	for rec := range records {
		fmt.Printf("[%s] %s %s from %s at %s\n", name, rec.Bucket, rec.Message.Kind, rec.Message.NodeID,
			rec.Message.Time.Format(time.RFC3339))
	}
}
