package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// Store keeps every bucket in one sqlite table. A document is unique per
// (bucket, collection, message key), so a retransmitted message returns the
// id it was given the first time.
type Store struct {
	db *sql.DB
}

// Open opens (and creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, domain.Backend("open store", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under the listen task
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, domain.Backend("migrate store", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		collection TEXT NOT NULL,
		doc_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		ts INTEGER NOT NULL,
		body TEXT NOT NULL,
		UNIQUE(bucket, collection, doc_key)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_bucket_collection_ts ON documents(bucket, collection, ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, bucket domain.BucketKey, collection string, m *domain.TelemetryMessage) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", domain.Malformed("insert", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, bucket, collection, doc_key, kind, ts, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, collection, doc_key) DO NOTHING`,
		uuid.NewString(), string(bucket), collection, m.Key(), string(m.Kind), m.Time.UnixNano(), string(body))
	if err != nil {
		return "", domain.Backend("insert", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE bucket = ? AND collection = ? AND doc_key = ?`,
		string(bucket), collection, m.Key()).Scan(&id)
	if err != nil {
		return "", domain.Backend("insert", err)
	}
	return id, nil
}

// Find returns the collection's documents in the bucket, oldest first.
func (s *Store) Find(ctx context.Context, bucket domain.BucketKey, collection string, f ports.Filter) ([]ports.Record, error) {
	query := `SELECT id, body FROM documents WHERE bucket = ? AND collection = ?`
	args := []any{string(bucket), collection}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY ts, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Backend("find", err)
	}
	defer rows.Close()

	var out []ports.Record
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, domain.Backend("find", err)
		}
		m, err := domain.DecodeMessage([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		out = append(out, ports.Record{ID: id, Bucket: bucket, Message: m})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Backend("find", err)
	}
	return out, nil
}

func (s *Store) Collections(ctx context.Context, bucket domain.BucketKey) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM documents WHERE bucket = ? ORDER BY collection`, string(bucket))
	if err != nil {
		return nil, domain.Backend("collections", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, domain.Backend("collections", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, bucket domain.BucketKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE bucket = ?`, string(bucket)).Scan(&n)
	if err != nil {
		return 0, domain.Backend("count", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.Backend("ping", err)
	}
	return nil
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Close() error {
	return s.db.Close()
}

var _ ports.Store = (*Store)(nil)
