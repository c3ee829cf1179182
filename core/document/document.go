// Package document holds the per-file state owned by the host of a live
// session: authoritative content, the revision counter, the applied
// operation log, advisory line locks and annotations.
package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/liveshare/core/scheduler"
)

// LockTTL is how long a granted line lock survives without an explicit
// release before it is freed automatically.
const LockTTL = 30 * time.Second

var (
	// ErrAlreadyInitialized is returned when Initialize is called for a
	// path that already has a document. Callers must Reset explicitly.
	ErrAlreadyInitialized = errors.New("document already initialized")

	// ErrNotFound is returned when a document path is unknown.
	ErrNotFound = errors.New("document not found")
)

// =============================================================================
// Operation
// =============================================================================

// OpKind identifies one of the three textual edit kinds.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// Operation is an atomic textual edit. Values are immutable once created;
// transformation produces new Operation values, never in-place mutation.
type Operation struct {
	ID           string    `json:"id"`
	Kind         OpKind    `json:"kind"`
	Position     int       `json:"position"`
	Text         string    `json:"text,omitempty"`
	Length       int       `json:"length,omitempty"`
	OldLength    int       `json:"oldLength,omitempty"`
	NewText      string    `json:"newText,omitempty"`
	BaseRevision int       `json:"baseRevision"`
	ClientID     string    `json:"clientId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Normalize fills in the identity fields an author may omit.
func (op Operation) Normalize() Operation {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	return op
}

// InsertedLen reports how many bytes the operation adds at its position.
func (op Operation) InsertedLen() int {
	switch op.Kind {
	case OpInsert:
		return len(op.Text)
	case OpReplace:
		return len(op.NewText)
	}
	return 0
}

// RemovedLen reports how many bytes the operation removes at its position.
func (op Operation) RemovedLen() int {
	switch op.Kind {
	case OpDelete:
		return op.Length
	case OpReplace:
		return op.OldLength
	}
	return 0
}

// LogEntry is an applied operation stamped with the revision it produced.
type LogEntry struct {
	Operation
	Revision int `json:"revision"`
}

// =============================================================================
// Locks and annotations
// =============================================================================

// LineLock is an advisory, time-bounded claim on one line by one client.
type LineLock struct {
	ClientID   string    `json:"clientId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Deadline   time.Time `json:"deadline"`

	task *scheduler.Task
}

// AnnotationKind classifies an annotation.
type AnnotationKind string

const (
	AnnotationComment    AnnotationKind = "comment"
	AnnotationSuggestion AnnotationKind = "suggestion"
	AnnotationError      AnnotationKind = "error"
	AnnotationWarning    AnnotationKind = "warning"
)

// Annotation is a positioned note attached to a document.
type Annotation struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"clientId"`
	Position  int            `json:"position"`
	Text      string         `json:"text"`
	Kind      AnnotationKind `json:"kind"`
	Resolved  bool           `json:"resolved"`
	Timestamp time.Time      `json:"timestamp"`
}

// =============================================================================
// Document
// =============================================================================

// Document is the mutable per-file state. Exactly one authoritative copy
// exists at the session host; replicas are reconciled through the OT
// engine and never mutated directly.
type Document struct {
	mu          sync.Mutex
	path        string
	content     string
	revision    int
	log         []LogEntry
	locks       map[int]*LineLock
	annotations map[string]*Annotation

	sched   *scheduler.Scheduler
	lockTTL time.Duration

	// onLockExpired fires when an auto-release deadline frees a lock.
	onLockExpired func(path string, line int)
}

func newDocument(path, content string, sched *scheduler.Scheduler, lockTTL time.Duration, onLockExpired func(string, int)) *Document {
	if lockTTL <= 0 {
		lockTTL = LockTTL
	}
	return &Document{
		path:          path,
		content:       content,
		locks:         make(map[int]*LineLock),
		annotations:   make(map[string]*Annotation),
		sched:         sched,
		lockTTL:       lockTTL,
		onLockExpired: onLockExpired,
	}
}

// Path returns the path-like key identifying the document.
func (d *Document) Path() string { return d.path }

// Content returns the current full text.
func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Revision returns the current revision counter.
func (d *Document) Revision() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revision
}

// Apply executes op against the content, increments the revision and
// appends the stamped entry to the log. Out-of-range positions are
// clamped rather than rejected so that concurrent edits cannot fatally
// fail each other.
func (d *Document) Apply(op Operation) (LogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := Splice(d.content, op)
	if err != nil {
		return LogEntry{}, err
	}

	d.content = next
	d.revision++
	entry := LogEntry{Operation: op, Revision: d.revision}
	d.log = append(d.log, entry)
	return entry, nil
}

// Splice applies a single operation to content and returns the result.
// Pure function of (content, op); positions and lengths are clamped to
// the content bounds.
func Splice(content string, op Operation) (string, error) {
	pos := clamp(op.Position, 0, len(content))

	switch op.Kind {
	case OpInsert:
		return content[:pos] + op.Text + content[pos:], nil
	case OpDelete:
		end := clamp(pos+op.Length, pos, len(content))
		return content[:pos] + content[end:], nil
	case OpReplace:
		end := clamp(pos+op.OldLength, pos, len(content))
		return content[:pos] + op.NewText + content[end:], nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// OperationsSince returns the log entries with revision > baseRevision,
// in apply order. These are exactly the operations a sender at
// baseRevision had not yet seen.
func (d *Document) OperationsSince(baseRevision int) []LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]LogEntry, 0)
	for _, entry := range d.log {
		if entry.Revision > baseRevision {
			out = append(out, entry)
		}
	}
	return out
}

// PruneLog drops log entries older than maxAge. The revision counter is
// untouched; only transform history is discarded.
func (d *Document) PruneLog(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	kept := d.log[:0]
	dropped := 0
	for _, entry := range d.log {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		} else {
			dropped++
		}
	}
	d.log = kept
	return dropped
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
