package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adalundhe/liveshare/core/document"
	"github.com/adalundhe/liveshare/core/protocol"
	"github.com/adalundhe/liveshare/core/scheduler"
	"github.com/adalundhe/liveshare/core/transport"
)

// ErrRoomClosed reports the host ending the session.
var ErrRoomClosed = errors.New("session closed by host")

// ClientOptions configures a joining participant.
type ClientOptions struct {
	SessionID   string
	Password    string
	ClientID    string
	DisplayName string

	// MirrorDir, when set, receives a local copy of the synced project.
	MirrorDir string
}

// Client is a participant replica: it joins a room, authenticates
// against the host, takes the initial snapshot, and applies the edit
// stream in arrival order. The host serializes all edits, so the
// replica never transforms.
type Client struct {
	log   *slog.Logger
	opts  ClientOptions
	link  *Link
	sched *scheduler.Scheduler
	store *document.Store

	mu     sync.Mutex
	authed bool
	synced bool
	failed error
	doneCh chan struct{}

	// OnOperation observes applied remote edits. Optional.
	OnOperation func(fileName string, entry document.LogEntry)
	// OnPresence observes participant-list refreshes. Optional.
	OnPresence func(protocol.PresenceUpdate)
}

// NewClient creates a client for the given relay URL.
func NewClient(logger *slog.Logger, relayURL string, transportOpts transport.Options, dialer transport.Dialer, opts ClientOptions) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		log:    logger.With("component", "sync-client", "session", opts.SessionID),
		opts:   opts,
		sched:  scheduler.New(),
		doneCh: make(chan struct{}),
	}
	c.store = document.NewStore(c.sched, logger)
	c.link = NewLink(logger, relayURL, transportOpts, dialer, LinkEvents{
		OnRoomJoined: c.onRoomJoined,
		OnRoomClosed: c.onRoomClosed,
		OnError:      c.onRelayError,
	})
	c.link.SetHandler(c.handleMessage)
	return c
}

// Connect dials the relay and starts the join handshake.
func (c *Client) Connect() error {
	if err := c.link.Connect(); err != nil {
		return err
	}
	return c.link.JoinRoom(c.opts.SessionID)
}

// Done closes when the session ends. Err reports why.
func (c *Client) Done() <-chan struct{} { return c.doneCh }

// Err returns the terminal error, nil after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Synced reports whether the initial snapshot has been applied.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Store exposes the local replica.
func (c *Client) Store() *document.Store { return c.store }

// SendOperation submits a local edit to the host.
func (c *Client) SendOperation(fileName string, op document.Operation) error {
	op.ClientID = c.opts.ClientID
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	return c.link.Send(protocol.OperationMessage{
		ClientID:  c.opts.ClientID,
		FileName:  fileName,
		Operation: op,
	}, transport.SendOptions{Batch: true})
}

// SendCursor shares the local cursor position.
func (c *Client) SendCursor(fileName string, position int) error {
	return c.link.Send(protocol.CursorUpdate{
		ClientID:  c.opts.ClientID,
		FileName:  fileName,
		Position:  position,
		Timestamp: time.Now().UnixMilli(),
	}, transport.SendOptions{Batch: true})
}

// RequestLock asks the host for an advisory line lock.
func (c *Client) RequestLock(fileName string, line int) error {
	return c.link.Send(protocol.LockUpdate{
		FileName:  fileName,
		Line:      line,
		ClientID:  c.opts.ClientID,
		Timestamp: time.Now().UnixMilli(),
	}, transport.SendOptions{})
}

// ReleaseLock gives a held line lock back.
func (c *Client) ReleaseLock(fileName string, line int) error {
	return c.link.Send(protocol.LockUpdate{
		FileName:  fileName,
		Line:      line,
		ClientID:  c.opts.ClientID,
		Released:  true,
		Timestamp: time.Now().UnixMilli(),
	}, transport.SendOptions{})
}

func (c *Client) onRoomJoined(string) {
	c.log.Info("room joined, authenticating")
	err := c.link.Send(protocol.Auth{
		SessionID: c.opts.SessionID,
		Password:  c.opts.Password,
		ClientInfo: protocol.ClientInfo{
			ID:          c.opts.ClientID,
			DisplayName: c.opts.DisplayName,
		},
	}, transport.SendOptions{Priority: true})
	if err != nil {
		c.fail(err)
	}
}

func (c *Client) onRoomClosed(reason string) {
	c.log.Info("room closed", "reason", reason)
	c.fail(fmt.Errorf("%w: %s", ErrRoomClosed, reason))
}

func (c *Client) onRelayError(message string) {
	c.fail(fmt.Errorf("relay rejected request: %s", message))
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.AuthSuccess:
		c.log.Info("authenticated", "session", m.SessionID)
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
	case protocol.AuthError:
		// The relay fans host frames to every participant, so rejections
		// aimed at other joiners arrive here too. Only our own handshake
		// is terminal.
		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()
		if authed {
			c.log.Debug("ignoring rejection for another participant", "error", m.Error)
			return
		}
		c.fail(fmt.Errorf("authentication rejected: %s", m.Error))
	case protocol.FullProjectSync:
		c.applySnapshot(m)
	case protocol.OperationMessage:
		c.applyOperation(m)
	case protocol.PresenceUpdate:
		if c.OnPresence != nil {
			c.OnPresence(m)
		}
	case protocol.CursorUpdate, protocol.LockUpdate, protocol.AnnotationAdded:
		// Presentation-level traffic; a headless replica has nothing to
		// render.
	default:
		c.log.Debug("ignoring message", "type", msg.MessageType())
	}
}

func (c *Client) applySnapshot(m protocol.FullProjectSync) {
	for path, state := range m.Files {
		c.store.Reset(path, state.Content)
		c.mirror(path, state.Content)
	}
	c.mu.Lock()
	c.synced = true
	c.mu.Unlock()
	c.log.Info("project snapshot applied", "files", len(m.Files))
}

// applyOperation applies one host-serialized edit to the replica. Own
// edits come back too; applying them keeps the replica aligned with
// the host's canonical history.
func (c *Client) applyOperation(m protocol.OperationMessage) {
	doc, ok := c.store.Get(m.FileName)
	if !ok {
		var err error
		doc, err = c.store.Initialize(m.FileName, "")
		if err != nil {
			c.log.Error("failed to create replica document", "file", m.FileName, "error", err)
			return
		}
	}
	entry, err := doc.Apply(m.Operation)
	if err != nil {
		c.log.Error("failed to apply remote operation", "file", m.FileName, "error", err)
		return
	}
	c.mirror(m.FileName, doc.Content())
	if c.OnOperation != nil {
		c.OnOperation(m.FileName, entry)
	}
}

func (c *Client) mirror(path, content string) {
	if c.opts.MirrorDir == "" {
		return
	}
	full := filepath.Join(c.opts.MirrorDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		c.log.Error("failed to create mirror directory", "file", path, "error", err)
		return
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		c.log.Error("failed to mirror file", "file", path, "error", err)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
	c.mu.Unlock()
}

// Metrics returns the transport counters.
func (c *Client) Metrics() transport.MetricsSnapshot {
	return c.link.Metrics()
}

// Close leaves the session.
func (c *Client) Close() error {
	c.mu.Lock()
	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}
	c.mu.Unlock()

	c.sched.Close()
	return c.link.Close()
}
