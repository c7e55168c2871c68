package ports

import (
	"context"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

// RequestChannel is the node half of the lock-step exchange.
type RequestChannel interface {
	SendAndAwait(ctx context.Context, m *domain.TelemetryMessage, timeout time.Duration) (*domain.Response, error)
	Close() error
}

// ReplyChannel is the aggregator half. Every Receive that consumed a request,
// including one that failed to parse, must be followed by exactly one Reply.
type ReplyChannel interface {
	Receive(ctx context.Context, timeout time.Duration) (*domain.TelemetryMessage, error)
	Reply(ctx context.Context, r *domain.Response) error
	Close() error
}
