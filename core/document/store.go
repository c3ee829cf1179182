package document

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adalundhe/liveshare/core/scheduler"
)

// LogRetention bounds how long applied operations stay in a document log
// before PruneAll discards them.
const LogRetention = 24 * time.Hour

// LockState is the externally visible shape of one held line lock.
type LockState struct {
	Line     int    `json:"lineNumber"`
	ClientID string `json:"clientId"`
}

// State is a point-in-time snapshot of a document, as shipped to a
// joining client in full_project_sync and to presence consumers.
type State struct {
	Path        string       `json:"fileName"`
	Content     string       `json:"content"`
	Revision    int          `json:"revision"`
	Locks       []LockState  `json:"locks"`
	Annotations []Annotation `json:"annotations"`
}

// Store owns every document of a hosted session, keyed by path.
type Store struct {
	mu    sync.RWMutex
	docs  map[string]*Document
	sched *scheduler.Scheduler
	log   *slog.Logger

	// OnLockExpired, when set, observes auto-released locks from every
	// document in the store. Set before any document is created.
	OnLockExpired func(path string, line int)

	// LockTTL overrides the auto-release deadline for locks granted by
	// documents in this store. Defaults to LockTTL.
	LockTTL time.Duration
}

// NewStore creates an empty Store using sched for lock timers.
func NewStore(sched *scheduler.Scheduler, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		docs:    make(map[string]*Document),
		sched:   sched,
		log:     logger.With("component", "document-store"),
		LockTTL: LockTTL,
	}
}

// Initialize creates a document at revision 0 with empty log, locks and
// annotations. Initializing an existing path is an error; callers that
// want to replace content must Reset explicitly.
func (s *Store) Initialize(path, content string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[path]; exists {
		return nil, ErrAlreadyInitialized
	}

	doc := newDocument(path, content, s.sched, s.LockTTL, s.lockExpired)
	s.docs[path] = doc
	s.log.Debug("document initialized", "path", path, "bytes", len(content))
	return doc, nil
}

// Reset replaces a document with fresh content at revision 0, discarding
// its log, locks and annotations.
func (s *Store) Reset(path, content string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.docs[path]; ok {
		old.dropLocks()
	}
	doc := newDocument(path, content, s.sched, s.LockTTL, s.lockExpired)
	s.docs[path] = doc
	s.log.Debug("document reset", "path", path)
	return doc
}

// Get returns the document for path.
func (s *Store) Get(path string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	return doc, ok
}

// Remove drops a document, cancelling its pending lock timers.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[path]; ok {
		doc.dropLocks()
		delete(s.docs, path)
	}
}

// Paths lists the known document paths.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.docs))
	for p := range s.docs {
		paths = append(paths, p)
	}
	return paths
}

// ReleaseClientLocks frees every lock clientID holds across all
// documents and returns path -> released lines.
func (s *Store) ReleaseClientLocks(clientID string) map[string][]int {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	released := make(map[string][]int)
	for _, doc := range docs {
		if lines := doc.ReleaseAllLocks(clientID); len(lines) > 0 {
			released[doc.Path()] = lines
		}
	}
	return released
}

// PruneAll drops log entries older than LogRetention from every document.
func (s *Store) PruneAll() {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	total := 0
	for _, doc := range docs {
		total += doc.PruneLog(LogRetention)
	}
	if total > 0 {
		s.log.Debug("pruned operation log", "entries", total)
	}
}

func (s *Store) lockExpired(path string, line int) {
	s.log.Debug("line lock auto-released", "path", path, "line", line)
	if s.OnLockExpired != nil {
		s.OnLockExpired(path, line)
	}
}

// Snapshot captures the externally visible state of one document.
func (d *Document) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	locks := make([]LockState, 0, len(d.locks))
	for line, lock := range d.locks {
		locks = append(locks, LockState{Line: line, ClientID: lock.ClientID})
	}
	anns := make([]Annotation, 0, len(d.annotations))
	for _, a := range d.annotations {
		anns = append(anns, *a)
	}
	return State{
		Path:        d.path,
		Content:     d.content,
		Revision:    d.revision,
		Locks:       locks,
		Annotations: anns,
	}
}

func (d *Document) dropLocks() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for line, lock := range d.locks {
		lock.task.Cancel()
		delete(d.locks, line)
	}
}
