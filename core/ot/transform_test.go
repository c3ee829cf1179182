package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/liveshare/core/document"
	"github.com/adalundhe/liveshare/core/scheduler"
)

func newDoc(t *testing.T, content string) *document.Document {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Close)
	doc, err := document.NewStore(sched, nil).Initialize("f.txt", content)
	require.NoError(t, err)
	return doc
}

func insert(client string, pos int, text string, base int) document.Operation {
	return document.Operation{Kind: document.OpInsert, Position: pos, Text: text, BaseRevision: base, ClientID: client}
}

func del(client string, pos, length, base int) document.Operation {
	return document.Operation{Kind: document.OpDelete, Position: pos, Length: length, BaseRevision: base, ClientID: client}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		op   document.Operation
		ok   bool
	}{
		{"valid insert", insert("a", 0, "x", 0), true},
		{"valid delete", del("a", 0, 1, 0), true},
		{"valid replace", document.Operation{Kind: document.OpReplace, OldLength: 2, NewText: "y", ClientID: "a"}, true},
		{"missing client", insert("", 0, "x", 0), false},
		{"insert without text", document.Operation{Kind: document.OpInsert, ClientID: "a"}, false},
		{"delete without length", document.Operation{Kind: document.OpDelete, ClientID: "a"}, false},
		{"empty replace", document.Operation{Kind: document.OpReplace, ClientID: "a"}, false},
		{"unknown kind", document.Operation{Kind: "move", ClientID: "a"}, false},
		{"negative base revision", insert("a", 0, "x", -1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.op)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}

func TestTransformRejectsFutureBase(t *testing.T) {
	doc := newDoc(t, "abc")
	_, err := Transform(insert("a", 0, "x", 3), doc)
	assert.ErrorIs(t, err, ErrFutureRevision)
}

func TestTransformMalformedLeavesDocumentUnchanged(t *testing.T) {
	doc := newDoc(t, "abc")
	_, err := Transform(document.Operation{Kind: document.OpInsert, ClientID: "a"}, doc)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, "abc", doc.Content())
	assert.Equal(t, 0, doc.Revision())
}

func TestInsertVsDeleteAtStart(t *testing.T) {
	// insert("AB", 0, base=5) concurrent with an applied delete(0, 2) on
	// "CDEF": the transformed insert keeps position 0 and applying both
	// yields "ABEF".
	applied := del("bob", 0, 2, 5)

	got := TransformAgainst(insert("alice", 0, "AB", 5), applied)
	assert.Equal(t, 0, got.Position)

	content, err := document.Splice("CDEF", applied)
	require.NoError(t, err)
	content, err = document.Splice(content, got)
	require.NoError(t, err)
	assert.Equal(t, "ABEF", content)
}

func TestInsertVsDeleteShifts(t *testing.T) {
	applied := del("bob", 2, 3, 0)

	// After the deleted range: shift left by its length.
	got := TransformAgainst(insert("alice", 7, "x", 0), applied)
	assert.Equal(t, 4, got.Position)

	// Inside the deleted range: collapse to the delete start.
	got = TransformAgainst(insert("alice", 3, "x", 0), applied)
	assert.Equal(t, 2, got.Position)
}

func TestInsertVsInsertShift(t *testing.T) {
	applied := insert("bob", 2, "ZZ", 0)

	got := TransformAgainst(insert("alice", 5, "x", 0), applied)
	assert.Equal(t, 7, got.Position)

	got = TransformAgainst(insert("alice", 1, "x", 0), applied)
	assert.Equal(t, 1, got.Position)
}

func TestSamePositionInsertTieBreak(t *testing.T) {
	a := insert("alice", 3, "AA", 0)
	b := insert("bob", 3, "BB", 0)

	// alice has the lower (baseRevision, clientId) key, so her insert is
	// treated as first on both replicas.
	shifted := TransformAgainst(b, a)
	assert.Equal(t, 5, shifted.Position)

	kept := TransformAgainst(a, b)
	assert.Equal(t, 3, kept.Position)
}

func TestDeleteVsDeleteOverlap(t *testing.T) {
	// op deletes 5..10, applied deleted 3..7: two surviving bytes shift
	// to position 3.
	got := TransformAgainst(del("alice", 5, 5, 0), del("bob", 3, 4, 0))
	assert.Equal(t, 3, got.Position)
	assert.Equal(t, 3, got.Length)

	// Disjoint after: plain shift.
	got = TransformAgainst(del("alice", 8, 2, 0), del("bob", 0, 3, 0))
	assert.Equal(t, 5, got.Position)
	assert.Equal(t, 2, got.Length)

	// Disjoint before: untouched.
	got = TransformAgainst(del("alice", 0, 2, 0), del("bob", 5, 3, 0))
	assert.Equal(t, 0, got.Position)
	assert.Equal(t, 2, got.Length)
}

func TestDeleteVsInsertInsideBecomesReplace(t *testing.T) {
	// bob inserted inside the range alice is deleting; the delete grows
	// over the inserted span but turns into a replace that puts bob's
	// text back, matching the replica where bob's insert collapsed to
	// the delete start and survived.
	got := TransformAgainst(del("alice", 2, 4, 0), insert("bob", 4, "xy", 0))
	assert.Equal(t, document.OpReplace, got.Kind)
	assert.Equal(t, 2, got.Position)
	assert.Equal(t, 6, got.OldLength)
	assert.Equal(t, "xy", got.NewText)
}

func TestReplaceTransforms(t *testing.T) {
	rep := document.Operation{Kind: document.OpReplace, Position: 4, OldLength: 3, NewText: "new", ClientID: "alice"}

	// Applied insert before the replace shifts it right.
	got := TransformAgainst(rep, insert("bob", 0, "..", 0))
	assert.Equal(t, 6, got.Position)
	assert.Equal(t, 3, got.OldLength)

	// Applied delete overlapping the tail shrinks the replaced span.
	got = TransformAgainst(rep, del("bob", 5, 4, 0))
	assert.Equal(t, 4, got.Position)
	assert.Equal(t, 1, got.OldLength)
	assert.Equal(t, "new", got.NewText)
}

// applyBoth applies a then b-transformed-against-a to content.
func applyBoth(t *testing.T, content string, a, b document.Operation) string {
	t.Helper()
	out, err := document.Splice(content, a)
	require.NoError(t, err)
	out, err = document.Splice(out, TransformAgainst(b, a))
	require.NoError(t, err)
	return out
}

func TestConvergence(t *testing.T) {
	tests := []struct {
		name    string
		content string
		a, b    document.Operation
	}{
		{"same position inserts", "hello", insert("alice", 2, "AA", 0), insert("bob", 2, "BB", 0)},
		{"insert before delete", "CDEF", insert("alice", 0, "AB", 5), del("bob", 0, 2, 5)},
		{"insert at delete end", "abcdef", insert("alice", 5, "XY", 0), del("bob", 1, 4, 0)},
		{"insert inside delete", "0123456789", insert("alice", 5, "XY", 0), del("bob", 3, 5, 0)},
		{"insert inside replace", "0123456789", insert("alice", 5, "XY", 0), document.Operation{Kind: document.OpReplace, Position: 3, OldLength: 5, NewText: "QQ", ClientID: "bob"}},
		{"overlapping deletes", "abcdefghij", del("alice", 2, 5, 0), del("bob", 4, 5, 0)},
		{"identical deletes", "abcdef", del("alice", 1, 3, 0), del("bob", 1, 3, 0)},
		{"adjacent inserts", "ab", insert("alice", 1, "x", 0), insert("bob", 2, "y", 0)},
		{"replace vs insert", "abcdef", document.Operation{Kind: document.OpReplace, Position: 2, OldLength: 2, NewText: "ZZ", ClientID: "alice"}, insert("bob", 4, "q", 0)},
		{"delete whole vs insert end", "abc", del("alice", 0, 3, 0), insert("bob", 3, "d", 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			one := applyBoth(t, tt.content, tt.a, tt.b)
			two := applyBoth(t, tt.content, tt.b, tt.a)
			assert.Equal(t, one, two, "replicas diverged")
		})
	}
}

func TestTransformFoldsWholeLog(t *testing.T) {
	doc := newDoc(t, "hello world")

	// Two concurrent edits land first.
	for _, op := range []document.Operation{
		insert("bob", 0, ">> ", 0),
		del("carol", 3+5, 1, 1), // removes the space, in post-insert coords
	} {
		_, err := doc.Apply(op.Normalize())
		require.NoError(t, err)
	}

	// alice authored against revision 0; her insert at 5 must end up
	// after ">> " and account for the removed space.
	got, err := Transform(insert("alice", 6, "!", 0), doc)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Position)

	_, err = doc.Apply(got)
	require.NoError(t, err)
	assert.Equal(t, ">> hello!world", doc.Content())
}

func TestTransformCursor(t *testing.T) {
	ins := insert("bob", 2, "xx", 0)
	assert.Equal(t, 7, TransformCursor(5, ins))
	assert.Equal(t, 1, TransformCursor(1, ins))

	rm := del("bob", 2, 3, 0)
	assert.Equal(t, 2, TransformCursor(4, rm), "cursor inside deleted range collapses")
	assert.Equal(t, 3, TransformCursor(6, rm))

	sel := TransformSelection(Selection{Start: 1, End: 6}, rm)
	assert.Equal(t, Selection{Start: 1, End: 3}, sel)
}
