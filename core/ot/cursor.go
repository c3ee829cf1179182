package ot

import "github.com/adalundhe/liveshare/core/document"

// Selection is a half-open byte range a participant has highlighted.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TransformCursor shifts a cursor position through an applied operation
// so presence markers stay attached to the text they pointed at.
func TransformCursor(pos int, applied document.Operation) int {
	switch applied.Kind {
	case document.OpInsert:
		if applied.Position <= pos {
			pos += len(applied.Text)
		}
	case document.OpDelete:
		pos = shiftPastRemoval(pos, applied.Position, applied.Length)
	case document.OpReplace:
		pos = shiftPastRemoval(pos, applied.Position, applied.OldLength)
		if applied.Position <= pos {
			pos += len(applied.NewText)
		}
	}
	if pos < 0 {
		return 0
	}
	return pos
}

// TransformSelection shifts both ends of a selection through an applied
// operation, collapsing the parts of the range the operation removed.
func TransformSelection(sel Selection, applied document.Operation) Selection {
	out := Selection{
		Start: TransformCursor(sel.Start, applied),
		End:   TransformCursor(sel.End, applied),
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

func shiftPastRemoval(pos, delPos, delLen int) int {
	switch {
	case pos <= delPos:
		return pos
	case pos >= delPos+delLen:
		return pos - delLen
	default:
		return delPos
	}
}
