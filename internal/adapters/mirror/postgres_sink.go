package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresSink copies stored documents into a Postgres (or TimescaleDB)
// table. Rows are keyed by the local document id, so replays are no-ops.
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) (*PostgresSink, error) {
	if !tableName.MatchString(table) {
		return nil, domain.Config("postgres mirror", fmt.Errorf("invalid table name %q", table))
	}
	return &PostgresSink{db: db, tableName: table}, nil
}

// OpenPostgres connects with lib/pq and creates the table when missing.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.Config("postgres mirror", err)
	}
	s, err := NewPostgresSink(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (t *PostgresSink) Name() string { return "postgres" }

func (t *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.tableName+
		" (doc_id TEXT PRIMARY KEY, bucket TEXT NOT NULL, node_id TEXT NOT NULL, kind TEXT NOT NULL,"+
		" ts TIMESTAMPTZ NOT NULL, fields JSONB NOT NULL)")
	if err != nil {
		return domain.Backend("postgres schema", err)
	}
	return nil
}

func (t *PostgresSink) Write(ctx context.Context, rec ports.Record) error {
	m := rec.Message
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = t.db.ExecContext(ctx, "INSERT INTO "+t.tableName+
		" (doc_id, bucket, node_id, kind, ts, fields) VALUES ($1,$2,$3,$4,$5,$6)"+
		" ON CONFLICT (doc_id) DO NOTHING",
		rec.ID, string(rec.Bucket), m.NodeID, string(m.Kind), m.Time, fields)
	if err != nil {
		return domain.Backend("postgres write", err)
	}
	return nil
}

func (t *PostgresSink) Ping(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return domain.Backend("postgres ping", err)
	}
	return nil
}

func (t *PostgresSink) Close() error {
	return t.db.Close()
}

var (
	_ ports.Sink   = (*PostgresSink)(nil)
	_ ports.Pinger = (*PostgresSink)(nil)
)
