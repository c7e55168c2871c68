package mirror

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

func testRecord() ports.Record {
	return ports.Record{
		ID:     "doc-1",
		Bucket: "19700101",
		Message: &domain.TelemetryMessage{
			Kind:   domain.KindSample,
			NodeID: "A1",
			Time:   time.Unix(1000, 0).UTC(),
			Fields: domain.Reading{"int_t": 21.5},
		},
	}
}

func TestPostgresSinkWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink, err := NewPostgresSink(db, "samples")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	rec := testRecord()

	expectedQuery := regexp.QuoteMeta("INSERT INTO samples (doc_id, bucket, node_id, kind, ts, fields) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (doc_id) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("doc-1", "19700101", "A1", "sample", rec.Message.Time, []byte(`{"int_t":21.5}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkWriteFailureIsBackendError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink, _ := NewPostgresSink(db, "samples")
	mock.ExpectExec("INSERT INTO samples").WillReturnError(errors.New("connection refused"))

	err = sink.Write(context.Background(), testRecord())
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestPostgresSinkEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink, _ := NewPostgresSink(db, "hive_docs")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS hive_docs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := sink.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkRejectsBadTableName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	if _, err := NewPostgresSink(db, "samples; DROP TABLE x"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPostgresSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	sink, _ := NewPostgresSink(db, "samples")
	if sink.Name() != "postgres" {
		t.Fatalf("expected sink name postgres, got %s", sink.Name())
	}
}
