package ports

import (
	"fmt"

	"github.com/hivemind-plus/hivelink/internal/domain"
)

type WALEntryID uint64

// WAL is the node-side outbox. Entries stay until an aggregator reply commits them.
type WAL interface {
	Append(m *domain.TelemetryMessage) (WALEntryID, error)
	Iterate(from WALEntryID, fn func(id WALEntryID, m *domain.TelemetryMessage) error) error
	Commit(upto WALEntryID) error
	TruncateCommitted() error
	Stats() WALStats
}

type WALStats struct {
	OldestUncommitted WALEntryID
	LatestAppended    WALEntryID
	SizeBytes         int64
}

// CorruptEntryError is returned by Iterate when an entry is intact on disk but
// no longer decodes as a message. Entries before it were already visited.
type CorruptEntryError struct {
	ID  WALEntryID
	Err error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt WAL entry %d: %v", e.ID, e.Err)
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }
