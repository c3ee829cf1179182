package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/liveshare/core/merge"
	"github.com/adalundhe/liveshare/core/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := session.Session{
		ID:        "demo",
		Password:  "A1B2C3D4",
		HostID:    "host-1",
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveSession(rec))

	got, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, rec.Password, got[0].Password)
	assert.Equal(t, rec.HostID, got[0].HostID)
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveSession(session.Session{ID: "demo"}))
	require.NoError(t, s.DeleteSession("demo"))
	require.NoError(t, s.DeleteSession("missing"))

	got, err := s.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolutionHistory(t *testing.T) {
	s := openTestStore(t)

	old := merge.Record{
		ID:        "old",
		Method:    merge.MethodLineBased,
		OK:        true,
		Timestamp: time.Now().Add(-8 * 24 * time.Hour),
	}
	fresh := merge.Record{
		ID:        "fresh",
		Method:    merge.MethodManual,
		OK:        false,
		Timestamp: time.Now(),
	}
	require.NoError(t, s.AppendResolution(old))
	require.NoError(t, s.AppendResolution(fresh))

	pruned, err := s.PruneResolutions(merge.HistoryRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	got, err := s.ListResolutions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ID)
}

func TestStoreSatisfiesInterfaces(t *testing.T) {
	s := openTestStore(t)
	var _ merge.HistorySink = s
	var _ session.SessionStore = s
}
