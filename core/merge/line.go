package merge

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict marker lines, git-style.
const (
	markerLocal     = "<<<<<<< LOCAL"
	markerSeparator = "======="
	markerRemote    = ">>>>>>> REMOTE"
)

// sideChanges describes how one side diverged from the base, per base
// line. replaced maps a base line index to its replacement lines (empty
// slice means the line was deleted); inserted maps a base line index to
// lines added before it (index len(base) appends).
type sideChanges struct {
	replaced map[int][]string
	inserted map[int][]string
}

// lineBasedMerge diffs base→local and base→remote independently, then
// walks the base line by line: a line changed on only one side takes
// that change, identical changes collapse, and a line changed
// differently on both sides fails the merge with conflict markers
// bracketing the two versions.
func lineBasedMerge(base, local, remote string) Resolution {
	baseLines := splitLines(base)
	localChanges := diffSide(base, local)
	remoteChanges := diffSide(base, remote)

	var out []string
	conflicts := 0

	takeInserted := func(i int) {
		li, lok := localChanges.inserted[i]
		ri, rok := remoteChanges.inserted[i]
		switch {
		case lok && rok && equalLines(li, ri):
			out = append(out, li...)
		case lok && rok:
			out = appendConflict(out, li, ri)
			conflicts++
		case lok:
			out = append(out, li...)
		case rok:
			out = append(out, ri...)
		}
	}

	for i := range baseLines {
		takeInserted(i)

		lr, lok := localChanges.replaced[i]
		rr, rok := remoteChanges.replaced[i]
		switch {
		case !lok && !rok:
			out = append(out, baseLines[i])
		case lok && !rok:
			out = append(out, lr...)
		case !lok && rok:
			out = append(out, rr...)
		case equalLines(lr, rr):
			out = append(out, lr...)
		default:
			out = appendConflict(out, lr, rr)
			conflicts++
		}
	}
	takeInserted(len(baseLines))

	return Resolution{
		OK:        conflicts == 0,
		Content:   strings.Join(out, ""),
		Method:    MethodLineBased,
		Conflicts: conflicts,
	}
}

// diffSide computes the per-base-line changes between base and side
// using a line-granular diff.
func diffSide(base, side string) sideChanges {
	dmp := diffmatchpatch.New()
	baseChars, sideChars, lineArray := dmp.DiffLinesToChars(base, side)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(baseChars, sideChars, false), lineArray)

	changes := sideChanges{
		replaced: make(map[int][]string),
		inserted: make(map[int][]string),
	}

	baseIdx := 0
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			baseIdx += len(splitLines(d.Text))

		case diffmatchpatch.DiffDelete:
			deleted := splitLines(d.Text)
			var replacement []string
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				replacement = splitLines(diffs[i+1].Text)
				i++
			}
			// The first deleted line carries the replacement block; the
			// rest of the block maps to plain deletions.
			for j := range deleted {
				if j == 0 {
					changes.replaced[baseIdx] = replacement
				} else {
					changes.replaced[baseIdx+j] = nil
				}
			}
			baseIdx += len(deleted)

		case diffmatchpatch.DiffInsert:
			changes.inserted[baseIdx] = append(changes.inserted[baseIdx], splitLines(d.Text)...)
		}
	}
	return changes
}

// splitLines splits text into lines that keep their trailing newline,
// matching the tokens a line-granular diff works with.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// appendConflict emits a marker block bracketing the two versions of a
// contested region.
func appendConflict(out, local, remote []string) []string {
	out = append(out, markerLocal+"\n")
	out = append(out, ensureTerminated(local)...)
	out = append(out, markerSeparator+"\n")
	out = append(out, ensureTerminated(remote)...)
	return append(out, markerRemote+"\n")
}

func ensureTerminated(lines []string) []string {
	if len(lines) == 0 {
		return lines
	}
	last := lines[len(lines)-1]
	if !strings.HasSuffix(last, "\n") {
		out := make([]string, len(lines))
		copy(out, lines)
		out[len(out)-1] = last + "\n"
		return out
	}
	return lines
}

// conflictMarkers brackets two whole versions for manual resolution.
func conflictMarkers(local, remote string) string {
	return strings.Join([]string{markerLocal, local, markerSeparator, remote, markerRemote}, "\n")
}
