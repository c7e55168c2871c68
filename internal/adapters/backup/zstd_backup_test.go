package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-plus/hivelink/internal/adapters/store/sqlite"
	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/router"
)

func TestBackupWritesOneFilePerBucket(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "hive.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	put := func(bucket domain.BucketKey, node string, secs int64) {
		_, err := store.Insert(ctx, bucket, node, &domain.TelemetryMessage{
			Kind:   domain.KindSample,
			NodeID: node,
			Time:   time.Unix(secs, 0),
			Fields: domain.Reading{"int_t": float64(secs)},
		})
		require.NoError(t, err)
	}
	put("20240101", "A1", 1704067200)
	put("20240101", "B2", 1704067260)
	put("20240102", "A1", 1704153600)

	w := NewWriter(filepath.Join(dir, "backups"), store)
	n, err := w.Backup(ctx, []domain.BucketKey{"20240101", "20240102", "20240103"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := Read(w.Path("20240101"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "A1", entries[0].Collection)
	assert.Equal(t, "B2", entries[1].Collection)
	assert.Equal(t, 1704067260.0, entries[1].Message.Fields["int_t"])

	_, err = os.Stat(w.Path("20240103"))
	assert.True(t, os.IsNotExist(err), "empty buckets are skipped")

	// a second run replaces the snapshot in place
	put("20240102", "A1", 1704153660)
	_, err = w.Backup(ctx, []domain.BucketKey{"20240102"})
	require.NoError(t, err)
	entries, err = Read(w.Path("20240102"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	leftovers, err := filepath.Glob(filepath.Join(dir, "backups", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestBackupSlashSeparatedBuckets(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "hive.db"))
	require.NoError(t, err)
	defer store.Close()

	r, err := router.New("%Y/%m/%d", time.UTC)
	require.NoError(t, err)

	ctx := context.Background()
	at := time.Unix(1000, 0)
	bucket := r.BucketFor(at)
	require.Equal(t, domain.BucketKey("1970/01/01"), bucket)
	_, err = store.Insert(ctx, bucket, "A1", &domain.TelemetryMessage{
		Kind:   domain.KindSample,
		NodeID: "A1",
		Time:   at,
		Fields: domain.Reading{"int_t": 21.5},
	})
	require.NoError(t, err)

	backups := filepath.Join(dir, "backups")
	w := NewWriter(backups, store)
	n, err := w.Backup(ctx, r.BucketsInRange(at, at))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, filepath.Join(backups, "1970-01-01"+Ext), w.Path(bucket))
	entries, err := Read(w.Path(bucket))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bucket, entries[0].Bucket)
}
