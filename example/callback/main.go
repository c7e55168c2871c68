package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivemind-plus/hivelink/pkg/hivelink"
)

func main() {
	flow, err := hivelink.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replies := func(m *hivelink.Message, r *hivelink.Response) {
		fmt.Printf("%s %s delivered as %s status=%s estimators=%v\n",
			m.Time.Format(time.RFC3339Nano),
			m.Kind,
			r.ID,
			r.Status,
			r.Estimators,
		)
	}

	node, err := flow.StreamIN(hivelink.StreamInReplies(replies))
	if err != nil {
		log.Fatalf("build node: %v", err)
	}

	go simulate(ctx, node)

	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

// simulate records a synthetic hive reading every second.
func simulate(ctx context.Context, node *hivelink.NodeRuntime) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := node.Record(ctx, hivelink.Reading{
				"int_t": 34 + rand.Float64(),
				"int_h": 55 + 5*rand.Float64(),
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("record: %v", err)
			}
		}
	}
}
