package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

func sample(node string, sec int64) *domain.TelemetryMessage {
	return &domain.TelemetryMessage{
		Kind:   domain.KindSample,
		NodeID: node,
		Time:   time.Unix(sec, 0),
		Fields: domain.Reading{"int_t": 21.5},
	}
}

func TestFileWALAppendIterateAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}

	id1, err := w.Append(sample("node-1", 1000))
	if err != nil || id1 == 0 {
		t.Fatalf("append message 1: %v id=%d", err, id1)
	}
	id2, err := w.Append(sample("node-2", 1001))
	if err != nil || id2 == 0 {
		t.Fatalf("append message 2: %v id=%d", err, id2)
	}

	var iterated []string
	if err := w.Iterate(1, func(id ports.WALEntryID, m *domain.TelemetryMessage) error {
		iterated = append(iterated, m.NodeID)
		if v, ok := m.Fields.Float("int_t"); !ok || v != 21.5 {
			t.Fatalf("expected int_t to survive the log, got %v", m.Fields)
		}
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(iterated) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(iterated))
	}

	if err := w.Commit(id2); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}

	// Reopen and ensure committed metadata was persisted.
	w2, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}

	stats := w2.Stats()
	if stats.LatestAppended != id2 {
		t.Fatalf("expected latest appended %d, got %d", id2, stats.LatestAppended)
	}
	if stats.OldestUncommitted != id2+1 {
		t.Fatalf("expected oldest uncommitted %d, got %d", id2+1, stats.OldestUncommitted)
	}

	// Ensure truncation handles partial writes by manually corrupting the log.
	path := filepath.Join(dir, "wal.log")
	if err := appendGarbage(path); err != nil {
		t.Fatalf("append garbage: %v", err)
	}

	if err := w2.Close(); err != nil {
		t.Fatalf("close wal2: %v", err)
	}

	w3, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer w3.Close()
	if got := w3.Stats().LatestAppended; got != id2 {
		t.Fatalf("expected latest appended %d after repair, got %d", id2, got)
	}
}

func TestFileWALTruncateCommittedKeepsPendingEntries(t *testing.T) {
	dir := t.TempDir()

	w, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}

	var ids []ports.WALEntryID
	for i := int64(0); i < 4; i++ {
		id, err := w.Append(sample("node-1", 1000+i))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}
	before := w.Stats().SizeBytes

	if err := w.Commit(ids[1]); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.TruncateCommitted(); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	after := w.Stats()
	if after.SizeBytes >= before {
		t.Fatalf("expected log to shrink, before=%d after=%d", before, after.SizeBytes)
	}

	var remaining []ports.WALEntryID
	if err := w.Iterate(after.OldestUncommitted, func(id ports.WALEntryID, _ *domain.TelemetryMessage) error {
		remaining = append(remaining, id)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(remaining) != 2 || remaining[0] != ids[2] || remaining[1] != ids[3] {
		t.Fatalf("expected pending ids %v, got %v", ids[2:], remaining)
	}

	// New appends continue the id sequence after compaction and a restart.
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w2, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	next, err := w2.Append(sample("node-1", 2000))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if next != ids[3]+1 {
		t.Fatalf("expected id %d, got %d", ids[3]+1, next)
	}
}

func appendGarbage(path string) error {
	f, err := openAppend(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write([]byte{0xFF, 0xAA}); err != nil {
		return err
	}
	return nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
}

func TestFileWALIterateReportsUndecodableEntry(t *testing.T) {
	w, err := NewFileWAL(t.TempDir())
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	defer w.Close()

	bad := sample("node-1", 1000)
	bad.Fields["door_open"] = true
	for _, m := range []*domain.TelemetryMessage{sample("node-1", 999), bad, sample("node-1", 1001)} {
		if _, err := w.Append(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var seen []ports.WALEntryID
	err = w.Iterate(1, func(id ports.WALEntryID, _ *domain.TelemetryMessage) error {
		seen = append(seen, id)
		return nil
	})
	var corrupt *ports.CorruptEntryError
	if !errors.As(err, &corrupt) || corrupt.ID != 2 {
		t.Fatalf("expected corrupt entry 2, got %v", err)
	}
	if !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected the decode error to be wrapped, got %v", err)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("expected entries before the corrupt one to be visited, got %v", seen)
	}

	seen = nil
	if err := w.Iterate(3, func(id ports.WALEntryID, _ *domain.TelemetryMessage) error {
		seen = append(seen, id)
		return nil
	}); err != nil {
		t.Fatalf("iterate past corrupt entry: %v", err)
	}
	if len(seen) != 1 || seen[0] != 3 {
		t.Fatalf("expected entry 3, got %v", seen)
	}
}
