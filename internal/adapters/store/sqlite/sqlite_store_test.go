package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(kind domain.Kind, node string, secs int64, fields domain.Reading) *domain.TelemetryMessage {
	return &domain.TelemetryMessage{Kind: kind, NodeID: node, Time: time.Unix(secs, 0).UTC(), Fields: fields}
}

func TestInsertAndFind(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id1, err := s.Insert(ctx, "19700101", "A1", msg(domain.KindSample, "A1", 2000, domain.Reading{"int_t": 21.5}))
	require.NoError(t, err)
	id2, err := s.Insert(ctx, "19700101", "A1", msg(domain.KindSample, "A1", 1000, domain.Reading{"int_t": 20.0, "state": "idle"}))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "19700101", "A1", msg(domain.KindLog, "A1", 1500, domain.Reading{"health": "1"}))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "19700101", "B2", msg(domain.KindSample, "B2", 1000, nil))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	recs, err := s.Find(ctx, "19700101", "A1", ports.Filter{Kind: domain.KindSample})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, id2, recs[0].ID, "oldest first")
	assert.Equal(t, domain.BucketKey("19700101"), recs[0].Bucket)
	assert.Equal(t, "idle", recs[0].Message.Fields["state"])
	assert.True(t, recs[0].Message.Time.Equal(time.Unix(1000, 0)))
	assert.Equal(t, id1, recs[1].ID)

	all, err := s.Find(ctx, "19700101", "A1", ports.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.Find(ctx, "19700102", "A1", ports.Filter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInsertIsIdempotentPerMessage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	m := msg(domain.KindSample, "A1", 1000, domain.Reading{"int_t": 21.5})

	first, err := s.Insert(ctx, "19700101", "A1", m)
	require.NoError(t, err)
	again, err := s.Insert(ctx, "19700101", "A1", m)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	n, err := s.Count(ctx, "19700101")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the same instant as a log is a different document
	_, err = s.Insert(ctx, "19700101", "A1", msg(domain.KindLog, "A1", 1000, nil))
	require.NoError(t, err)
	n, err = s.Count(ctx, "19700101")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectionsAndPing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, node := range []string{"C3", "A1", "B2", "A1"} {
		_, err := s.Insert(ctx, "20240101", node, msg(domain.KindSample, node, 1704067200, nil))
		require.NoError(t, err)
	}
	got, err := s.Collections(ctx, "20240101")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "B2", "C3"}, got)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Ping(ctx), domain.ErrBackendUnavailable))
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Insert(ctx, "20240101", "A1", msg(domain.KindSample, "A1", 1704067200, domain.Reading{"pa": 1013.0}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Find(ctx, "20240101", "A1", ports.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, 1013.0, recs[0].Message.Fields["pa"])
}
