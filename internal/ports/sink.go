package ports

import (
	"context"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

// Record is a document after the local store assigned its bucket and id.
type Record struct {
	ID      string
	Bucket  domain.BucketKey
	Message *domain.TelemetryMessage
}

// Sink mirrors stored records to a remote backend. Writes are independent of
// the local store and of each other.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Name() string
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
