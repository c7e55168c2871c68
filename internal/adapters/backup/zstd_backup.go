package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

const Ext = ".jsonl.zst"

// Entry is one line of a bucket backup.
type Entry struct {
	ID         string                   `json:"id"`
	Bucket     domain.BucketKey         `json:"bucket"`
	Collection string                   `json:"collection"`
	Message    *domain.TelemetryMessage `json:"message"`
}

// Writer snapshots whole buckets to zstd-compressed JSON lines, one file per
// bucket. A snapshot replaces the previous one atomically.
type Writer struct {
	dir   string
	store ports.Store
	level zstd.EncoderLevel
}

func NewWriter(dir string, store ports.Store) *Writer {
	return &Writer{dir: dir, store: store, level: zstd.SpeedDefault}
}

// fileNames flattens path separators a bucket pattern such as "%Y/%m/%d"
// puts into its keys. Entries keep the real key.
var fileNames = strings.NewReplacer("/", "-", `\`, "-")

// Path returns the snapshot file of bucket.
func (w *Writer) Path(bucket domain.BucketKey) string {
	return filepath.Join(w.dir, fileName(bucket)+Ext)
}

func fileName(bucket domain.BucketKey) string {
	return fileNames.Replace(string(bucket))
}

// Backup writes a snapshot of every non-empty bucket and returns the number
// of documents written.
func (w *Writer) Backup(ctx context.Context, buckets []domain.BucketKey) (int, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create backup dir: %w", err)
	}
	total := 0
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.backupBucket(ctx, b)
		if err != nil {
			return total, fmt.Errorf("backup %s: %w", b, err)
		}
		total += n
	}
	return total, nil
}

func (w *Writer) backupBucket(ctx context.Context, bucket domain.BucketKey) (int, error) {
	collections, err := w.store.Collections(ctx, bucket)
	if err != nil {
		return 0, err
	}
	if len(collections) == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(w.dir, fileName(bucket)+".*.tmp")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := w.encode(ctx, tmp, bucket, collections)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), w.Path(bucket)); err != nil {
		return 0, err
	}
	return n, nil
}

func (w *Writer) encode(ctx context.Context, out io.Writer, bucket domain.BucketKey, collections []string) (int, error) {
	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(w.level))
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(zw)

	n := 0
	for _, c := range collections {
		recs, err := w.store.Find(ctx, bucket, c, ports.Filter{})
		if err != nil {
			zw.Close()
			return 0, err
		}
		for _, r := range recs {
			if err := enc.Encode(Entry{ID: r.ID, Bucket: bucket, Collection: c, Message: r.Message}); err != nil {
				zw.Close()
				return 0, err
			}
			n++
		}
	}
	return n, zw.Close()
}

// Read decodes a snapshot file.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []Entry
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
