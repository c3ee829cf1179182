// Package sync implements the host-side collaboration engine: it owns
// the session's documents, validates and transforms incoming edits,
// relays the results to every participant, and reconciles out-of-band
// disk changes against the live state.
package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adalundhe/liveshare/core/document"
	"github.com/adalundhe/liveshare/core/events"
	"github.com/adalundhe/liveshare/core/merge"
	"github.com/adalundhe/liveshare/core/ot"
	"github.com/adalundhe/liveshare/core/protocol"
	"github.com/adalundhe/liveshare/core/scheduler"
	"github.com/adalundhe/liveshare/core/session"
	"github.com/adalundhe/liveshare/core/transport"
)

const (
	// diskFlushDelay debounces writes of remotely edited documents back
	// to disk.
	diskFlushDelay = 200 * time.Millisecond

	// quiescence is how long a path stays muted for the watcher after
	// the engine itself wrote it. Guards against feedback loops.
	quiescence = 2 * time.Second

	// opsRateWindow is the sliding window for the ops/sec figure.
	opsRateWindow = time.Second

	// logSweepInterval is how often stale operation-log entries are
	// collected.
	logSweepInterval = time.Hour
)

// CursorState is one participant's last reported cursor in a file.
type CursorState struct {
	ClientID  string
	FileName  string
	Position  int
	Selection *ot.Selection
}

// Sender ships messages toward the session's participants. It is
// satisfied by *Link and by test fakes. Flush forces any batched
// messages onto the wire ahead of whatever is sent next.
type Sender interface {
	Send(msg protocol.Message, opts transport.SendOptions) error
	Flush()
}

// Options configures an Engine.
type Options struct {
	SessionID string
	HostID    string

	// RootDir, when set, is the project directory: documents load from
	// it and remote edits are flushed back to it.
	RootDir string

	// IdleTimeout overrides the client idle eviction deadline.
	IdleTimeout time.Duration

	// SessionStore mirrors session records to persistence. Optional.
	SessionStore session.SessionStore

	// HistorySink persists conflict-resolution records. Optional.
	HistorySink merge.HistorySink

	// OnAuthFailed observes rejected handshakes so the connection owner
	// can close with an auth-failure code.
	OnAuthFailed func(clientID string)
}

// Metrics is a snapshot of engine activity.
type Metrics struct {
	TotalOperations int64   `json:"totalOperations"`
	OpsPerSecond    float64 `json:"opsPerSecond"`
	ActiveClients   int     `json:"activeClients"`
	Documents       int     `json:"documents"`
}

// Engine is the authoritative host for one session.
type Engine struct {
	log      *slog.Logger
	opts     Options
	sender   Sender
	sched    *scheduler.Scheduler
	store    *document.Store
	registry *session.Registry
	clients  *session.Clients
	hub      *events.Hub
	resolver *merge.Resolver

	mu         sync.Mutex
	totalOps   int64
	opTimes    []time.Time
	cursors    map[string]CursorState
	quiescent  map[string]time.Time
	lastSynced map[string]string
	flushTasks map[string]*scheduler.Task
	stopSweep  func()
	closed     bool
}

// NewEngine wires up an engine. Call Host to open the session.
func NewEngine(logger *slog.Logger, sender Sender, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "sync-engine", "session", opts.SessionID)

	e := &Engine{
		log:        log,
		opts:       opts,
		sender:     sender,
		sched:      scheduler.New(),
		registry:   session.NewRegistry(logger, opts.SessionStore),
		hub:        events.NewHub(),
		resolver:   merge.NewResolver(logger),
		cursors:    make(map[string]CursorState),
		quiescent:  make(map[string]time.Time),
		lastSynced: make(map[string]string),
		flushTasks: make(map[string]*scheduler.Task),
	}
	if opts.HistorySink != nil {
		e.resolver.WithSink(opts.HistorySink)
	}

	e.store = document.NewStore(e.sched, logger)
	e.store.OnLockExpired = func(path string, line int) {
		e.broadcastLock(path, line, "", true)
	}
	e.clients = session.NewClients(logger, e.sched, opts.IdleTimeout, e.evictIdleClient)
	e.stopSweep = e.sched.Every(logSweepInterval, e.store.PruneAll)
	return e
}

// Host opens the session and returns its generated password.
func (e *Engine) Host() (string, error) {
	s, err := e.registry.Create(e.opts.SessionID, e.opts.HostID)
	if err != nil {
		return "", err
	}
	if e.opts.RootDir != "" {
		if err := e.loadProject(); err != nil {
			e.registry.Close(e.opts.SessionID)
			return "", err
		}
	}
	return s.Password, nil
}

// Hub exposes the engine's event buses.
func (e *Engine) Hub() *events.Hub { return e.hub }

// Resolver exposes the conflict resolver, for manual resolutions and
// statistics.
func (e *Engine) Resolver() *merge.Resolver { return e.resolver }

// Store exposes the document store.
func (e *Engine) Store() *document.Store { return e.store }

// HandleMessage processes one decoded message from a participant.
func (e *Engine) HandleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Auth:
		e.handleAuth(m)
	case protocol.OperationMessage:
		if _, err := e.ApplyTextOperation(m.FileName, m.Operation); err != nil {
			e.log.Warn("rejected operation",
				"client", m.ClientID, "file", m.FileName, "error", err)
			e.send(protocol.ErrorMessage{Message: err.Error()}, transport.SendOptions{})
		}
	case protocol.CursorUpdate:
		e.handleCursor(m)
	case protocol.LockUpdate:
		e.handleLock(m)
	case protocol.AnnotationAdded:
		e.handleAnnotation(m)
	default:
		e.log.Debug("ignoring message", "type", msg.MessageType())
	}
}

func (e *Engine) handleAuth(m protocol.Auth) {
	clientID := m.ClientInfo.ID
	if _, err := e.registry.Validate(m.SessionID, m.Password); err != nil {
		e.log.Warn("authentication failed", "client", clientID, "error", err)
		e.send(protocol.AuthError{Error: err.Error()}, transport.SendOptions{Priority: true})
		if e.opts.OnAuthFailed != nil {
			e.opts.OnAuthFailed(clientID)
		}
		return
	}

	e.clients.Add(clientID, m.ClientInfo.DisplayName)
	e.log.Info("client authenticated", "client", clientID)

	// The snapshot below already contains any operation still sitting in
	// the batcher. Push those out first so no replica receives an edit
	// after a snapshot that includes it and applies it twice.
	if e.sender != nil {
		e.sender.Flush()
	}
	e.send(protocol.AuthSuccess{SessionID: m.SessionID}, transport.SendOptions{Priority: true})
	e.send(e.projectSnapshot(), transport.SendOptions{Priority: true})
	e.broadcastPresence()
}

// ApplyTextOperation validates an edit, transforms it against every
// operation it has not seen, applies it, and broadcasts the result.
func (e *Engine) ApplyTextOperation(fileName string, op document.Operation) (document.LogEntry, error) {
	doc, ok := e.store.Get(fileName)
	if !ok {
		var err error
		doc, err = e.store.Initialize(fileName, "")
		if err != nil {
			return document.LogEntry{}, err
		}
	}

	transformed, err := ot.Transform(op, doc)
	if err != nil {
		return document.LogEntry{}, err
	}
	entry, err := doc.Apply(transformed)
	if err != nil {
		return document.LogEntry{}, err
	}

	e.clients.SetRevision(op.ClientID, entry.Revision)
	e.shiftCursors(fileName, entry.Operation)
	e.recordOp()
	e.hub.Operations.Publish(events.OperationEvent{FileName: fileName, Entry: entry})

	e.send(protocol.OperationMessage{
		ClientID:  entry.ClientID,
		FileName:  fileName,
		Operation: entry.Operation,
		Revision:  entry.Revision,
	}, transport.SendOptions{Batch: true})

	e.scheduleDiskFlush(fileName)
	return entry, nil
}

func (e *Engine) handleCursor(m protocol.CursorUpdate) {
	e.clients.SetActiveDocument(m.ClientID, m.FileName)
	e.mu.Lock()
	e.cursors[m.ClientID] = CursorState{
		ClientID:  m.ClientID,
		FileName:  m.FileName,
		Position:  m.Position,
		Selection: m.Selection,
	}
	e.mu.Unlock()
	e.send(m, transport.SendOptions{Batch: true})
}

// shiftCursors moves every stored cursor in fileName through an applied
// operation, so stale positions keep pointing at the same text.
func (e *Engine) shiftCursors(fileName string, op document.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.cursors {
		if c.FileName != fileName || id == op.ClientID {
			continue
		}
		c.Position = ot.TransformCursor(c.Position, op)
		if c.Selection != nil {
			sel := ot.TransformSelection(*c.Selection, op)
			c.Selection = &sel
		}
		e.cursors[id] = c
	}
}

// Cursors returns the last known cursor of every participant in a file.
func (e *Engine) Cursors(fileName string) []CursorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []CursorState
	for _, c := range e.cursors {
		if c.FileName == fileName {
			out = append(out, c)
		}
	}
	return out
}

// handleLock serves lock requests and releases. A denied request is
// answered by rebroadcasting the current owner, so the requester learns
// the line is taken.
func (e *Engine) handleLock(m protocol.LockUpdate) {
	if m.Released {
		e.ReleaseLineLock(m.ClientID, m.FileName, m.Line)
		return
	}
	if !e.RequestLineLock(m.ClientID, m.FileName, m.Line) {
		if doc, ok := e.store.Get(m.FileName); ok {
			if owner, held := doc.LockOwner(m.Line); held {
				e.broadcastLock(m.FileName, m.Line, owner, false)
			}
		}
	}
}

// RequestLineLock grants an advisory line lock when free, broadcasting
// the grant. Refreshing an own lock succeeds.
func (e *Engine) RequestLineLock(clientID, fileName string, line int) bool {
	doc, ok := e.store.Get(fileName)
	if !ok {
		return false
	}
	if !doc.RequestLineLock(clientID, line) {
		return false
	}
	e.clients.Touch(clientID)
	e.broadcastLock(fileName, line, clientID, false)
	return true
}

// ReleaseLineLock releases a lock held by clientID.
func (e *Engine) ReleaseLineLock(clientID, fileName string, line int) bool {
	doc, ok := e.store.Get(fileName)
	if !ok {
		return false
	}
	if !doc.ReleaseLineLock(clientID, line) {
		return false
	}
	e.broadcastLock(fileName, line, "", true)
	return true
}

func (e *Engine) handleAnnotation(m protocol.AnnotationAdded) {
	doc, ok := e.store.Get(m.FileName)
	if !ok {
		return
	}
	a := m.Annotation
	doc.AddAnnotation(a.ClientID, a.Position, a.Text, a.Kind)
	e.clients.Touch(a.ClientID)
	e.send(m, transport.SendOptions{})
}

func (e *Engine) broadcastLock(fileName string, line int, owner string, released bool) {
	e.hub.Locks.Publish(events.LockEvent{
		FileName:  fileName,
		Line:      line,
		ClientID:  owner,
		Timestamp: time.Now(),
	})
	e.send(protocol.LockUpdate{
		FileName:  fileName,
		Line:      line,
		ClientID:  owner,
		Released:  released,
		Timestamp: time.Now().UnixMilli(),
	}, transport.SendOptions{})
}

func (e *Engine) broadcastPresence() {
	list := e.clients.List()

	info := make([]events.PresenceInfo, 0, len(list))
	entries := make([]protocol.PresenceEntry, 0, len(list))
	for _, c := range list {
		info = append(info, events.PresenceInfo{
			ClientID:       c.ID,
			DisplayName:    c.DisplayName,
			ColorTag:       c.Color,
			ActiveDocument: c.ActiveDocument,
			LastSeenAt:     c.LastSeenAt,
		})
		entries = append(entries, protocol.PresenceEntry{
			ClientID:       c.ID,
			DisplayName:    c.DisplayName,
			ColorTag:       c.Color,
			ActiveDocument: c.ActiveDocument,
			LastSeenAt:     c.LastSeenAt.UnixMilli(),
		})
	}

	e.hub.Presence.Publish(events.PresenceEvent{Clients: info})
	e.send(protocol.PresenceUpdate{Clients: entries}, transport.SendOptions{})
}

// DisconnectClient removes a participant, releases its locks, and
// refreshes presence.
func (e *Engine) DisconnectClient(clientID string) {
	if !e.clients.Remove(clientID) {
		return
	}
	e.releaseClientState(clientID)
	e.log.Info("client disconnected", "client", clientID)
}

// evictIdleClient is the idle-sweep callback; the client is already
// removed from the registry when it fires.
func (e *Engine) evictIdleClient(clientID string) {
	e.releaseClientState(clientID)
	e.log.Info("client evicted after idle timeout", "client", clientID)
}

func (e *Engine) releaseClientState(clientID string) {
	e.mu.Lock()
	delete(e.cursors, clientID)
	e.mu.Unlock()
	for path, lines := range e.store.ReleaseClientLocks(clientID) {
		for _, line := range lines {
			e.broadcastLock(path, line, "", true)
		}
	}
	e.broadcastPresence()
}

// projectSnapshot builds the full_project_sync payload for a joining
// client.
func (e *Engine) projectSnapshot() protocol.FullProjectSync {
	files := make(map[string]protocol.FileState)
	for _, path := range e.store.Paths() {
		doc, ok := e.store.Get(path)
		if !ok {
			continue
		}
		content := doc.Content()
		files[path] = protocol.FileState{
			Content:  content,
			Modified: time.Now().UnixMilli(),
			Size:     len(content),
		}
	}
	return protocol.FullProjectSync{Files: files}
}

// =============================================================================
// Disk reconciliation
// =============================================================================

// ReconcileDiskChange merges an out-of-band disk edit into the live
// document. The merge runs three-way against the content at the last
// reconciliation point, and the outcome (markers included, on a failed
// merge) becomes the new live state.
func (e *Engine) ReconcileDiskChange(path, diskContent string) error {
	doc, ok := e.store.Get(path)
	if !ok {
		_, err := e.store.Initialize(path, diskContent)
		if err != nil {
			return err
		}
		e.setLastSynced(path, diskContent)
		return nil
	}

	live := doc.Content()
	if diskContent == live {
		e.setLastSynced(path, live)
		return nil
	}

	base := e.getLastSynced(path, live)
	res := e.resolver.Resolve(base, diskContent, live)
	if !res.OK {
		e.log.Warn("disk change conflicts with live edits; applying markers",
			"file", path, "conflicts", res.Conflicts)
	}

	op := document.Operation{
		Kind:         document.OpReplace,
		Position:     0,
		OldLength:    len(live),
		NewText:      res.Content,
		BaseRevision: doc.Revision(),
		ClientID:     e.opts.HostID,
		Timestamp:    time.Now(),
	}
	entry, err := doc.Apply(op)
	if err != nil {
		return err
	}
	e.setLastSynced(path, res.Content)
	e.shiftCursors(path, entry.Operation)
	e.recordOp()
	e.hub.Operations.Publish(events.OperationEvent{FileName: path, Entry: entry})

	e.send(protocol.OperationMessage{
		ClientID:  e.opts.HostID,
		FileName:  path,
		Operation: entry.Operation,
		Revision:  entry.Revision,
	}, transport.SendOptions{Batch: true})
	return nil
}

// IsQuiescent reports whether a path was recently written by the engine
// itself, meaning the watcher should skip its change event.
func (e *Engine) IsQuiescent(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.quiescent[path]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.quiescent, path)
		return false
	}
	return true
}

// MarkQuiescent mutes watcher events for a path the engine is about to
// write.
func (e *Engine) MarkQuiescent(path string) {
	e.mu.Lock()
	e.quiescent[path] = time.Now().Add(quiescence)
	e.mu.Unlock()
}

func (e *Engine) getLastSynced(path, fallback string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if base, ok := e.lastSynced[path]; ok {
		return base
	}
	return fallback
}

func (e *Engine) setLastSynced(path, content string) {
	e.mu.Lock()
	e.lastSynced[path] = content
	e.mu.Unlock()
}

// scheduleDiskFlush debounces writing a remotely edited document back
// to the project directory.
func (e *Engine) scheduleDiskFlush(path string) {
	if e.opts.RootDir == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if task, ok := e.flushTasks[path]; ok {
		task.Cancel()
	}
	e.flushTasks[path] = e.sched.After(diskFlushDelay, func() {
		e.flushToDisk(path)
	})
}

func (e *Engine) flushToDisk(path string) {
	doc, ok := e.store.Get(path)
	if !ok {
		return
	}
	content := doc.Content()

	e.MarkQuiescent(path)
	e.setLastSynced(path, content)

	full := filepath.Join(e.opts.RootDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		e.log.Error("failed to create directory for flush", "file", path, "error", err)
		return
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		e.log.Error("failed to flush document to disk", "file", path, "error", err)
	}
}

// loadProject reads every file under RootDir into the store.
func (e *Engine) loadProject() error {
	root := e.opts.RootDir
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		if _, err := e.store.Initialize(rel, string(data)); err != nil {
			return err
		}
		e.setLastSynced(rel, string(data))
		return nil
	})
}

// =============================================================================
// Metrics
// =============================================================================

func (e *Engine) recordOp() {
	now := time.Now()
	e.mu.Lock()
	e.totalOps++
	e.opTimes = append(e.opTimes, now)
	e.pruneOpTimes(now)
	e.mu.Unlock()
}

// pruneOpTimes must hold e.mu.
func (e *Engine) pruneOpTimes(now time.Time) {
	cutoff := now.Add(-opsRateWindow)
	i := 0
	for i < len(e.opTimes) && e.opTimes[i].Before(cutoff) {
		i++
	}
	e.opTimes = e.opTimes[i:]
}

// Metrics returns a snapshot of engine activity.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	e.pruneOpTimes(time.Now())
	m := Metrics{
		TotalOperations: e.totalOps,
		OpsPerSecond:    float64(len(e.opTimes)) / opsRateWindow.Seconds(),
	}
	e.mu.Unlock()

	m.ActiveClients = e.clients.Count()
	m.Documents = len(e.store.Paths())
	return m
}

func (e *Engine) send(msg protocol.Message, opts transport.SendOptions) {
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(msg, opts); err != nil {
		e.log.Warn("broadcast failed", "type", msg.MessageType(), "error", err)
	}
}

// Close tears the engine down. The session record is removed so the id
// can be reused.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.stopSweep()
	e.registry.Close(e.opts.SessionID)
	e.clients.Close()
	e.hub.Close()
	e.sched.Close()
}
