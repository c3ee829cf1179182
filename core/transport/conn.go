// Package transport wraps a websocket link with the resilience the
// editing stream needs: heartbeats with latency tracking, micro-batched
// sends, gzip for large frames, exponential-backoff reconnection, and
// an offline queue that preserves send order across a drop.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/adalundhe/liveshare/core/protocol"
	"github.com/adalundhe/liveshare/core/scheduler"
)

const (
	HeartbeatInterval            = 30 * time.Second
	HeartbeatIntervalInteractive = 15 * time.Second

	ReconnectBase        = time.Second
	ReconnectCap         = 30 * time.Second
	MaxReconnectAttempts = 5
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// WireConn is the underlying socket. *websocket.Conn satisfies it;
// tests inject in-memory pipes.
type WireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a WireConn to a URL.
type Dialer func(url string) (WireConn, error)

func defaultDialer(url string) (WireConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// Options tunes the transport.
type Options struct {
	HeartbeatInterval    time.Duration
	BatchInterval        time.Duration
	MaxBatchSize         int
	CompressionThreshold int
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:    HeartbeatInterval,
		BatchInterval:        BatchInterval,
		MaxBatchSize:         MaxBatchSize,
		CompressionThreshold: CompressionThreshold,
		ReconnectBase:        ReconnectBase,
		MaxReconnectAttempts: MaxReconnectAttempts,
	}
}

// InteractiveOptions tightens the intervals for live typing sessions.
func InteractiveOptions() Options {
	opts := DefaultOptions()
	opts.HeartbeatInterval = HeartbeatIntervalInteractive
	opts.BatchInterval = BatchIntervalInteractive
	return opts
}

// Handlers receives transport events. All callbacks are optional and
// run on transport goroutines.
type Handlers struct {
	OnMessage    func(protocol.Message)
	OnConnect    func()
	OnDisconnect func(code int)
}

// SendOptions controls how one message is shipped.
type SendOptions struct {
	// Batch coalesces the message into the next micro-batch.
	Batch bool
	// Priority bypasses batching; used for auth and liveness frames.
	Priority bool
}

// Conn is a resilient client connection.
type Conn struct {
	log      *slog.Logger
	opts     Options
	dialer   Dialer
	handlers Handlers
	url      string

	sched   *scheduler.Scheduler
	batcher *Batcher
	latency *LatencyWindow
	metrics *Metrics
	pings   *expirable.LRU[string, time.Time]

	writeMu sync.Mutex // serializes socket writes

	mu            sync.Mutex
	ws            WireConn
	connected     bool
	closed        bool
	offline       []json.RawMessage
	attempts      int
	stopHeartbeat func()
	reconnect     *scheduler.Task
}

// NewConn creates a transport for url. A nil dialer uses the gorilla
// default.
func NewConn(logger *slog.Logger, url string, opts Options, dialer Dialer, handlers Handlers) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = defaultDialer
	}
	c := &Conn{
		log:      logger.With("component", "transport"),
		opts:     opts,
		dialer:   dialer,
		handlers: handlers,
		url:      url,
		sched:    scheduler.New(),
		latency:  NewLatencyWindow(LatencySamples),
		metrics:  &Metrics{},
	}
	// Unanswered ping ids age out instead of accumulating.
	c.pings = expirable.NewLRU[string, time.Time](0, nil, 2*opts.HeartbeatInterval)
	c.batcher = NewBatcher(c.sched, opts.BatchInterval, opts.MaxBatchSize, c.sendBatch)
	return c
}

// Connect dials the URL and starts the read loop. A dial failure
// schedules a retry with exponential backoff.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	ws, err := c.dialer(c.url)
	if err != nil {
		c.metrics.failed()
		c.log.Warn("dial failed", "url", c.url, "error", err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.attempts = 0
	c.stopHeartbeat = c.sched.Every(c.opts.HeartbeatInterval, c.heartbeat)
	queued := c.offline
	c.offline = nil
	c.mu.Unlock()

	c.log.Info("connected", "url", c.url)
	go c.readLoop(ws)

	// Drain the offline queue in send order before anything new.
	for _, frame := range queued {
		c.writeFrame(frame)
	}

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
	return nil
}

// Send ships one message. While disconnected the message is queued and
// replayed FIFO after reconnect.
func (c *Conn) Send(msg protocol.Message, opts SendOptions) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.metrics.failed()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.offline = append(c.offline, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if opts.Batch && !opts.Priority {
		c.batcher.Add(data)
		return nil
	}
	return c.writeFrame(data)
}

// Flush forces any pending micro-batch onto the wire.
func (c *Conn) Flush() {
	c.batcher.Flush()
}

func (c *Conn) sendBatch(batch protocol.Batch) {
	data, err := protocol.Encode(batch)
	if err != nil {
		c.metrics.failed()
		c.log.Error("failed to encode batch", "error", err)
		return
	}
	c.writeFrame(data)
}

func (c *Conn) writeFrame(data []byte) error {
	frame, compressed, err := maybeCompress(data, c.opts.CompressionThreshold)
	if err != nil {
		c.metrics.failed()
		return err
	}
	kind := websocket.TextMessage
	if compressed {
		kind = websocket.BinaryMessage
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(kind, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.failed()
		return err
	}
	c.metrics.sent(len(frame))
	return nil
}

func (c *Conn) readLoop(ws WireConn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(closeCode(err))
			return
		}
		c.metrics.received(len(data))

		plain, err := maybeDecompress(data)
		if err != nil {
			c.metrics.failed()
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		msg, err := protocol.Decode(plain)
		if err != nil {
			c.metrics.failed()
			c.log.Warn("dropping malformed message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Batch:
		for _, raw := range m.Messages {
			sub, err := protocol.Decode(raw)
			if err != nil {
				c.metrics.failed()
				c.log.Warn("dropping malformed batched message", "error", err)
				continue
			}
			c.dispatch(sub)
		}
	case protocol.Ping:
		pong := protocol.Pong{
			ID:                m.ID,
			Timestamp:         time.Now().UnixMilli(),
			OriginalTimestamp: m.Timestamp,
		}
		if err := c.Send(pong, SendOptions{Priority: true}); err != nil {
			c.log.Debug("failed to answer ping", "error", err)
		}
	case protocol.Pong:
		if sent, ok := c.pings.Get(m.ID); ok {
			c.pings.Remove(m.ID)
			c.latency.Add(time.Since(sent))
		}
	default:
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

func (c *Conn) heartbeat() {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}

	id := uuid.NewString()
	c.pings.Add(id, time.Now())
	ping := protocol.Ping{ID: id, Timestamp: time.Now().UnixMilli()}
	if err := c.Send(ping, SendOptions{Priority: true}); err != nil {
		c.log.Debug("heartbeat failed", "error", err)
	}
}

func (c *Conn) handleDisconnect(code int) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.ws = nil
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	closed := c.closed
	c.mu.Unlock()

	c.log.Info("disconnected", "code", code)
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(code)
	}

	// Normal closes are final; anything else retries with backoff.
	if !closed && code != protocol.CloseNormal {
		c.scheduleReconnect()
	}
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.attempts >= c.opts.MaxReconnectAttempts {
		if c.attempts >= c.opts.MaxReconnectAttempts {
			c.log.Warn("reconnect attempts exhausted", "attempts", c.attempts)
		}
		return
	}

	delay := backoffDelay(c.opts.ReconnectBase, c.attempts)
	c.attempts++
	attempt := c.attempts
	c.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay)

	c.reconnect = c.sched.After(delay, func() {
		c.metrics.reconnected()
		if err := c.Connect(); err != nil {
			c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
		}
	})
}

// backoffDelay doubles per attempt, capped at ReconnectCap.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > ReconnectCap || delay <= 0 {
		return ReconnectCap
	}
	return delay
}

// Connected reports whether the socket is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Metrics returns a snapshot of transport counters.
func (c *Conn) Metrics() MetricsSnapshot {
	snap := c.metrics.snapshot()
	snap.LatencyCurrentMs = c.latency.Current().Milliseconds()
	snap.LatencyAverageMs = c.latency.Average().Milliseconds()
	snap.BatchPending = c.batcher.Pending()

	c.mu.Lock()
	snap.OfflineQueued = len(c.offline)
	snap.Connected = c.connected
	c.mu.Unlock()
	return snap
}

// ResetMetrics zeroes the counters.
func (c *Conn) ResetMetrics() {
	c.metrics.reset()
}

// Close flushes pending sends and shuts the connection down for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	if c.reconnect != nil {
		c.reconnect.Cancel()
	}
	ws := c.ws
	connected := c.connected
	c.mu.Unlock()

	if connected {
		c.batcher.Flush()
	}

	if ws != nil {
		frame := websocket.FormatCloseMessage(protocol.CloseNormal, "client disconnect")
		c.writeMu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage, frame)
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	c.sched.Close()
	return nil
}

// closeCode extracts the websocket close code from a read error, with
// abnormal closure as the fallback.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
