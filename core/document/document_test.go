package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/liveshare/core/scheduler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Close)
	return NewStore(sched, nil)
}

func TestInitializeRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)

	doc, err := store.Initialize("main.go", "package main\n")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Revision())

	_, err = store.Initialize("main.go", "other")
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	// Reset replaces content and starts over at revision 0.
	doc = store.Reset("main.go", "fresh")
	assert.Equal(t, "fresh", doc.Content())
	assert.Equal(t, 0, doc.Revision())
}

func TestApplyKinds(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
	}{
		{
			name:    "insert middle",
			content: "hello world",
			op:      Operation{Kind: OpInsert, Position: 5, Text: ","},
			want:    "hello, world",
		},
		{
			name:    "delete range",
			content: "hello world",
			op:      Operation{Kind: OpDelete, Position: 5, Length: 6},
			want:    "hello",
		},
		{
			name:    "replace range",
			content: "hello world",
			op:      Operation{Kind: OpReplace, Position: 6, OldLength: 5, NewText: "there"},
			want:    "hello there",
		},
		{
			name:    "insert position clamped to end",
			content: "abc",
			op:      Operation{Kind: OpInsert, Position: 99, Text: "!"},
			want:    "abc!",
		},
		{
			name:    "delete length clamped",
			content: "abc",
			op:      Operation{Kind: OpDelete, Position: 1, Length: 99},
			want:    "a",
		},
		{
			name:    "negative position clamped to start",
			content: "abc",
			op:      Operation{Kind: OpInsert, Position: -4, Text: "x"},
			want:    "xabc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			doc, err := store.Initialize("f.txt", tt.content)
			require.NoError(t, err)

			entry, err := doc.Apply(tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.Content())
			assert.Equal(t, 1, entry.Revision)
		})
	}
}

func TestApplyUnknownKind(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "abc")
	require.NoError(t, err)

	_, err = doc.Apply(Operation{Kind: "rotate", Position: 0})
	assert.Error(t, err)
	assert.Equal(t, "abc", doc.Content(), "failed apply must leave content unchanged")
	assert.Equal(t, 0, doc.Revision())
}

func TestRevisionMonotonicity(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "")
	require.NoError(t, err)

	for i := range 25 {
		entry, err := doc.Apply(Operation{Kind: OpInsert, Position: i, Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, i+1, entry.Revision)
	}
	assert.Equal(t, 25, doc.Revision())
}

func TestOperationsSince(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "")
	require.NoError(t, err)

	for range 5 {
		_, err := doc.Apply(Operation{Kind: OpInsert, Position: 0, Text: "x", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	since := doc.OperationsSince(2)
	require.Len(t, since, 3)
	assert.Equal(t, 3, since[0].Revision)
	assert.Equal(t, 5, since[2].Revision)

	assert.Empty(t, doc.OperationsSince(5))
}

func TestLineLockExclusivity(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "a\nb\nc\n")
	require.NoError(t, err)

	assert.True(t, doc.RequestLineLock("alice", 3))
	assert.False(t, doc.RequestLineLock("bob", 3), "second client must be denied")

	// Denial has no side effects: alice still owns the lock.
	owner, held := doc.LockOwner(3)
	require.True(t, held)
	assert.Equal(t, "alice", owner)

	// Re-request by the owner refreshes rather than denies.
	assert.True(t, doc.RequestLineLock("alice", 3))

	assert.True(t, doc.ReleaseLineLock("alice", 3))
	assert.True(t, doc.RequestLineLock("bob", 3))
}

func TestReleaseForeignLockIsNoOp(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "")
	require.NoError(t, err)

	require.True(t, doc.RequestLineLock("alice", 1))
	assert.False(t, doc.ReleaseLineLock("bob", 1))

	_, held := doc.LockOwner(1)
	assert.True(t, held)
}

func TestReleaseAllLocks(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "")
	require.NoError(t, err)

	require.True(t, doc.RequestLineLock("alice", 1))
	require.True(t, doc.RequestLineLock("alice", 2))
	require.True(t, doc.RequestLineLock("bob", 3))

	lines := doc.ReleaseAllLocks("alice")
	assert.ElementsMatch(t, []int{1, 2}, lines)

	owner, held := doc.LockOwner(3)
	require.True(t, held)
	assert.Equal(t, "bob", owner)
}

func TestAnnotations(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "content")
	require.NoError(t, err)

	id := doc.AddAnnotation("alice", 3, "rename this", AnnotationSuggestion)
	require.NotEmpty(t, id)

	assert.True(t, doc.ResolveAnnotation(id))
	assert.False(t, doc.ResolveAnnotation("missing"))

	snap := doc.Snapshot()
	require.Len(t, snap.Annotations, 1)
	assert.True(t, snap.Annotations[0].Resolved)
	assert.Equal(t, AnnotationSuggestion, snap.Annotations[0].Kind)
}

func TestSnapshot(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "hello")
	require.NoError(t, err)

	_, err = doc.Apply(Operation{Kind: OpInsert, Position: 5, Text: "!"})
	require.NoError(t, err)
	require.True(t, doc.RequestLineLock("alice", 1))

	snap := doc.Snapshot()
	assert.Equal(t, "f.txt", snap.Path)
	assert.Equal(t, "hello!", snap.Content)
	assert.Equal(t, 1, snap.Revision)
	require.Len(t, snap.Locks, 1)
	assert.Equal(t, "alice", snap.Locks[0].ClientID)
}

func TestPruneLog(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Initialize("f.txt", "")
	require.NoError(t, err)

	old := Operation{Kind: OpInsert, Position: 0, Text: "x", Timestamp: time.Now().Add(-48 * time.Hour)}
	_, err = doc.Apply(old)
	require.NoError(t, err)
	_, err = doc.Apply(Operation{Kind: OpInsert, Position: 0, Text: "y", Timestamp: time.Now()})
	require.NoError(t, err)

	dropped := doc.PruneLog(24 * time.Hour)
	assert.Equal(t, 1, dropped)
	assert.Len(t, doc.OperationsSince(0), 1)
	// Revision is untouched by pruning.
	assert.Equal(t, 2, doc.Revision())
}

func TestLineLockAutoRelease(t *testing.T) {
	sched := scheduler.New()
	t.Cleanup(sched.Close)

	store := NewStore(sched, nil)
	store.LockTTL = 30 * time.Millisecond

	expired := make(chan int, 1)
	store.OnLockExpired = func(path string, line int) { expired <- line }

	doc, err := store.Initialize("f.txt", "a\nb\nc\n")
	require.NoError(t, err)

	require.True(t, doc.RequestLineLock("alice", 3))
	require.False(t, doc.RequestLineLock("bob", 3))

	select {
	case line := <-expired:
		assert.Equal(t, 3, line)
	case <-time.After(time.Second):
		t.Fatal("lock never auto-released")
	}

	// With alice gone quiet, a later request succeeds.
	assert.True(t, doc.RequestLineLock("carol", 3))
}
