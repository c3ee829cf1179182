// Package ot rebases concurrent text operations so that differently
// ordered delivery of the same edits converges to identical content.
//
// The host folds every incoming operation over the log entries its
// author had not yet seen (revision > baseRevision), in log order. The
// pairwise rules below are the convergence-critical core of the whole
// engine.
package ot

import (
	"errors"
	"fmt"

	"github.com/adalundhe/liveshare/core/document"
)

// ErrMalformed rejects an operation missing required fields before any
// transformation or application happens.
var ErrMalformed = errors.New("malformed operation")

// ErrFutureRevision rejects an operation whose baseRevision is ahead of
// the document. The author claims to have seen edits that do not exist.
var ErrFutureRevision = errors.New("operation base revision ahead of document")

// Validate checks the required fields of an operation. It does not check
// positional bounds; those are clamped at apply time so concurrent edits
// cannot fatally fail each other.
func Validate(op document.Operation) error {
	if op.ClientID == "" {
		return fmt.Errorf("%w: missing clientId", ErrMalformed)
	}
	if op.BaseRevision < 0 {
		return fmt.Errorf("%w: negative baseRevision", ErrMalformed)
	}
	switch op.Kind {
	case document.OpInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrMalformed)
		}
	case document.OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete without length", ErrMalformed)
		}
	case document.OpReplace:
		if op.OldLength <= 0 && op.NewText == "" {
			return fmt.Errorf("%w: replace without range or text", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, op.Kind)
	}
	return nil
}

// Transform rebases op against every log entry its author had not seen,
// producing a position-adjusted operation equivalent in intent, as if it
// had been authored after those concurrent edits.
func Transform(op document.Operation, doc *document.Document) (document.Operation, error) {
	if err := Validate(op); err != nil {
		return document.Operation{}, err
	}
	if op.BaseRevision > doc.Revision() {
		return document.Operation{}, fmt.Errorf("%w: base %d > revision %d", ErrFutureRevision, op.BaseRevision, doc.Revision())
	}

	for _, entry := range doc.OperationsSince(op.BaseRevision) {
		op = TransformAgainst(op, entry.Operation)
	}
	return op, nil
}

// TransformAgainst rebases op against one already-applied concurrent
// operation. A replace counts as a delete followed by an insert at the
// same position, on either side of the pair.
func TransformAgainst(op, applied document.Operation) document.Operation {
	switch applied.Kind {
	case document.OpInsert:
		return againstInsert(op, applied.Position, applied.Text, lowerKey(applied, op))
	case document.OpDelete:
		return againstDelete(op, applied.Position, applied.Length)
	case document.OpReplace:
		op = againstDelete(op, applied.Position, applied.OldLength)
		return againstInsert(op, applied.Position, applied.NewText, lowerKey(applied, op))
	}
	return op
}

// lowerKey orders two operations by (baseRevision, clientId). When both
// target the identical position, the lower key is treated as already
// applied and the other operation shifts. The ordering is the same on
// every replica, which is what makes same-position inserts converge
// regardless of delivery order.
func lowerKey(a, b document.Operation) bool {
	if a.BaseRevision != b.BaseRevision {
		return a.BaseRevision < b.BaseRevision
	}
	return a.ClientID < b.ClientID
}

// againstInsert shifts op to account for an applied insert of insText
// at insPos. appliedFirst resolves the same-position tie: true means
// the applied insert sits before op's intent point.
func againstInsert(op document.Operation, insPos int, insText string, appliedFirst bool) document.Operation {
	insLen := len(insText)

	switch op.Kind {
	case document.OpInsert:
		if op.Position < insPos || (op.Position == insPos && !appliedFirst) {
			return op
		}
		op.Position += insLen
		return op

	case document.OpDelete, document.OpReplace:
		start, length := op.Position, op.RemovedLen()
		end := start + length
		switch {
		case insPos <= start:
			op.Position += insLen
		case insPos < end:
			// The insert landed inside the span being removed. Grow the
			// span so the removal still covers a contiguous range, and
			// re-emit the inserted text so the concurrent edit survives.
			// The mirror rule in againstDelete collapses that insert to
			// the removal start and keeps its text, so both delivery
			// orders land on the same content.
			if op.Kind == document.OpDelete {
				op.Kind = document.OpReplace
				op.OldLength = op.Length + insLen
				op.Length = 0
				op.NewText = insText
			} else {
				op.OldLength += insLen
				if appliedFirst {
					op.NewText = insText + op.NewText
				} else {
					op.NewText = op.NewText + insText
				}
			}
		}
		return op
	}
	return op
}

// againstDelete shifts op to account for an applied delete of delLen
// bytes at delPos.
func againstDelete(op document.Operation, delPos, delLen int) document.Operation {
	delEnd := delPos + delLen

	switch op.Kind {
	case document.OpInsert:
		switch {
		case op.Position <= delPos:
			// Insert at or before the deleted range keeps its place.
		case op.Position >= delEnd:
			op.Position -= delLen
		default:
			// Insertion point fell inside the deleted range; it
			// collapses to where the deletion begins.
			op.Position = delPos
		}
		return op

	case document.OpDelete, document.OpReplace:
		start, length := op.Position, op.RemovedLen()
		end := start + length

		var newStart, newLength int
		switch {
		case end <= delPos:
			// Wholly before the applied delete.
			newStart, newLength = start, length
		case start >= delEnd:
			// Wholly after: shift left.
			newStart, newLength = start-delLen, length
		default:
			// Ranges overlap: shrink by the overlap so already-removed
			// bytes are not double-counted.
			overlap := minInt(end, delEnd) - maxInt(start, delPos)
			newStart = minInt(start, delPos)
			newLength = length - overlap
		}

		op.Position = newStart
		if op.Kind == document.OpDelete {
			op.Length = newLength
		} else {
			op.OldLength = newLength
		}
		return op
	}
	return op
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
