package ports

import (
	"context"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

// Filter narrows Find results. Time filtering is the caller's job because
// buckets are coarser than queries.
type Filter struct {
	Kind domain.Kind
}

// Store is the bucketed document store. Collections are keyed by node id.
type Store interface {
	Insert(ctx context.Context, bucket domain.BucketKey, collection string, m *domain.TelemetryMessage) (string, error)
	Find(ctx context.Context, bucket domain.BucketKey, collection string, f Filter) ([]Record, error)
	Collections(ctx context.Context, bucket domain.BucketKey) ([]string, error)
	Count(ctx context.Context, bucket domain.BucketKey) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
