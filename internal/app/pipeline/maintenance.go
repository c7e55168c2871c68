package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hivemind-plus/hivelink/internal/adapters/backup"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
	"github.com/hivemind-plus/hivelink/internal/router"
)

// Backuper snapshots the buckets of the last few days.
type Backuper struct {
	writer *backup.Writer
	router *router.Router
	days   int
	obs    ports.Observability
	now    func() time.Time
}

func NewBackuper(w *backup.Writer, r *router.Router, days int, obs ports.Observability) *Backuper {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Backuper{writer: w, router: r, days: days, obs: obs, now: time.Now}
}

func (b *Backuper) Backup(ctx context.Context) error {
	end := b.now()
	start := end.AddDate(0, 0, -b.days)
	buckets := b.router.BucketsInRange(start, end)

	n, err := b.writer.Backup(ctx, buckets)
	if err != nil {
		return err
	}
	b.obs.LogInfo("backup complete",
		ports.Field{Key: "buckets", Value: len(buckets)},
		ports.Field{Key: "documents", Value: n})
	return nil
}

// Health is the result of the last check.
type Health struct {
	Status        string            `json:"status"`
	CheckedAt     time.Time         `json:"checked_at"`
	Bucket        domain.BucketKey  `json:"bucket"`
	Documents     int               `json:"documents"`
	Backends      map[string]string `json:"backends"`
	TrainingQueue int               `json:"training_queue"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthUnknown  = "unknown"
)

// Checker pings every backend and keeps the latest Health.
type Checker struct {
	store   ports.Store
	sinks   []ports.Sink
	router  *router.Router
	pending func() int
	obs     ports.Observability
	now     func() time.Time

	last atomic.Pointer[Health]
}

// NewChecker builds a checker. pending reports the training queue length and
// may be nil.
func NewChecker(store ports.Store, r *router.Router, sinks []ports.Sink, pending func() int, obs ports.Observability) *Checker {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Checker{store: store, sinks: sinks, router: r, pending: pending, obs: obs, now: time.Now}
}

func (c *Checker) Check(ctx context.Context) error {
	now := c.now()
	h := &Health{
		Status:    HealthOK,
		CheckedAt: now.UTC(),
		Bucket:    c.router.BucketFor(now),
		Backends:  make(map[string]string, len(c.sinks)+1),
	}

	var errs []error
	healthy := 0
	record := func(name string, err error) {
		if err != nil {
			h.Backends[name] = err.Error()
			h.Status = HealthDegraded
			errs = append(errs, err)
			return
		}
		h.Backends[name] = HealthOK
		healthy++
	}

	record(StoreBackend, c.store.Ping(ctx))
	for _, s := range c.sinks {
		if p, ok := s.(ports.Pinger); ok {
			record(s.Name(), p.Ping(ctx))
		}
	}

	count, err := c.store.Count(ctx, h.Bucket)
	if err != nil {
		h.Status = HealthDegraded
		errs = append(errs, err)
	}
	h.Documents = count
	if c.pending != nil {
		h.TrainingQueue = c.pending()
	}

	c.obs.SetGauge(ports.MetricBucketDocuments, float64(count))
	c.obs.SetGauge(ports.MetricBackendsHealthy, float64(healthy))
	c.last.Store(h)
	return errors.Join(errs...)
}

// Snapshot returns the last check, or an "unknown" health before the first.
func (c *Checker) Snapshot() *Health {
	if h := c.last.Load(); h != nil {
		return h
	}
	return &Health{Status: HealthUnknown, Backends: map[string]string{}}
}
