package sync

import (
	"log/slog"
	"sync"

	"github.com/adalundhe/liveshare/core/protocol"
	"github.com/adalundhe/liveshare/core/scheduler"
	"github.com/adalundhe/liveshare/core/transport"
)

// LinkEvents observes room lifecycle notifications from the relay.
// All callbacks are optional.
type LinkEvents struct {
	OnRoomCreated  func(sessionID string)
	OnRoomJoined   func(sessionID string)
	OnRoomClosed   func(reason string)
	OnClientJoined func(count int)
	OnClientLeft   func(count int)
	OnError        func(message string)
	OnDisconnect   func(code int)
}

// Link runs the session's message stream over a relay connection.
// Application messages are wrapped in relay_data so the relay can
// forward them without understanding them; room management messages
// pass through unwrapped. Batched sends coalesce inside a single
// relay_data payload, since the relay does not speak batch.
type Link struct {
	log    *slog.Logger
	events LinkEvents

	conn    *transport.Conn
	sched   *scheduler.Scheduler
	batcher *transport.Batcher

	mu      sync.Mutex
	handler func(protocol.Message)
}

// NewLink creates a relay link to url.
func NewLink(logger *slog.Logger, url string, opts transport.Options, dialer transport.Dialer, events LinkEvents) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		log:    logger.With("component", "relay-link"),
		events: events,
		sched:  scheduler.New(),
	}
	l.batcher = transport.NewBatcher(l.sched, opts.BatchInterval, opts.MaxBatchSize, l.sendBatch)
	l.conn = transport.NewConn(logger, url, opts, dialer, transport.Handlers{
		OnMessage:    l.dispatch,
		OnDisconnect: events.OnDisconnect,
	})
	return l
}

// Connect dials the relay.
func (l *Link) Connect() error { return l.conn.Connect() }

// SetHandler installs the receiver for unwrapped application messages.
func (l *Link) SetHandler(fn func(protocol.Message)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

// CreateRoom asks the relay to open a room with this link as host.
func (l *Link) CreateRoom(sessionID string) error {
	return l.conn.Send(protocol.CreateRoom{SessionID: sessionID}, transport.SendOptions{Priority: true})
}

// JoinRoom asks the relay to add this link to an existing room.
func (l *Link) JoinRoom(sessionID string) error {
	return l.conn.Send(protocol.JoinRoom{SessionID: sessionID}, transport.SendOptions{Priority: true})
}

// Send ships an application message through the relay.
func (l *Link) Send(msg protocol.Message, opts transport.SendOptions) error {
	if opts.Batch && !opts.Priority {
		raw, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		l.batcher.Add(raw)
		return nil
	}
	return l.wrapSend(msg)
}

// Flush forces any pending batch onto the wire.
func (l *Link) Flush() {
	l.batcher.Flush()
}

func (l *Link) sendBatch(batch protocol.Batch) {
	if err := l.wrapSend(batch); err != nil {
		l.log.Warn("failed to send batch", "error", err)
	}
}

func (l *Link) wrapSend(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return l.conn.Send(protocol.RelayData{Data: raw}, transport.SendOptions{Priority: true})
}

func (l *Link) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RelayData:
		inner, err := protocol.Decode(m.Data)
		if err != nil {
			l.log.Warn("dropping undecodable relayed payload", "error", err)
			return
		}
		l.deliver(inner)
	case protocol.RoomCreated:
		if l.events.OnRoomCreated != nil {
			l.events.OnRoomCreated(m.SessionID)
		}
	case protocol.RoomJoined:
		if l.events.OnRoomJoined != nil {
			l.events.OnRoomJoined(m.SessionID)
		}
	case protocol.RoomClosed:
		if l.events.OnRoomClosed != nil {
			l.events.OnRoomClosed(m.Message)
		}
	case protocol.ClientJoined:
		if l.events.OnClientJoined != nil {
			l.events.OnClientJoined(m.ClientCount)
		}
	case protocol.ClientLeft:
		if l.events.OnClientLeft != nil {
			l.events.OnClientLeft(m.ClientCount)
		}
	case protocol.ErrorMessage:
		l.log.Warn("relay error", "message", m.Message)
		if l.events.OnError != nil {
			l.events.OnError(m.Message)
		}
	default:
		l.log.Debug("ignoring relay frame", "type", msg.MessageType())
	}
}

// deliver unwraps batches and hands messages to the handler.
func (l *Link) deliver(msg protocol.Message) {
	if batch, ok := msg.(protocol.Batch); ok {
		for _, raw := range batch.Messages {
			sub, err := protocol.Decode(raw)
			if err != nil {
				l.log.Warn("dropping malformed batched message", "error", err)
				continue
			}
			l.deliver(sub)
		}
		return
	}

	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// Metrics returns the underlying transport counters.
func (l *Link) Metrics() transport.MetricsSnapshot {
	return l.conn.Metrics()
}

// Close flushes and tears the link down.
func (l *Link) Close() error {
	l.batcher.Flush()
	l.sched.Close()
	return l.conn.Close()
}
