package sync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/liveshare/core/document"
	"github.com/adalundhe/liveshare/core/protocol"
	"github.com/adalundhe/liveshare/core/transport"
)

// =============================================================================
// Helpers
// =============================================================================

// fakeWire is an in-memory transport.WireConn for driving a link
// without a relay.
type fakeWire struct {
	in chan []byte

	mu      sync.Mutex
	written [][]byte
}

func newFakeWire() *fakeWire {
	return &fakeWire{in: make(chan []byte, 16)}
}

func (w *fakeWire) serve(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	w.in <- data
}

// serveWrapped pushes msg the way a peer would: inside relay_data.
func (w *fakeWire) serveWrapped(t *testing.T, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	w.serve(t, protocol.RelayData{Data: raw})
}

func (w *fakeWire) ReadMessage() (int, []byte, error) {
	data, ok := <-w.in
	if !ok {
		return 0, nil, errors.New("connection reset")
	}
	return websocket.TextMessage, data, nil
}

func (w *fakeWire) WriteMessage(_ int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, append([]byte(nil), data...))
	return nil
}

func (w *fakeWire) Close() error { return nil }

func (w *fakeWire) waitWritten(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		if len(w.written) >= n {
			out := make([][]byte, len(w.written))
			copy(out, w.written)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d written frames", n)
	return nil
}

func wireDialer(w *fakeWire) transport.Dialer {
	return func(string) (transport.WireConn, error) { return w, nil }
}

func linkTestOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.BatchInterval = 10 * time.Millisecond
	return opts
}

func decodeFrame(t *testing.T, frame []byte) protocol.Message {
	t.Helper()
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

// unwrapFrame decodes a relay_data frame and returns its payload.
func unwrapFrame(t *testing.T, frame []byte) protocol.Message {
	t.Helper()
	rd, ok := decodeFrame(t, frame).(protocol.RelayData)
	require.True(t, ok, "expected a relay_data frame")
	inner, err := protocol.Decode(rd.Data)
	require.NoError(t, err)
	return inner
}

// =============================================================================
// Link
// =============================================================================

func TestLinkRoomManagementGoesUnwrapped(t *testing.T) {
	wire := newFakeWire()
	l := NewLink(nil, "ws://relay", linkTestOptions(), wireDialer(wire), LinkEvents{})
	defer l.Close()
	require.NoError(t, l.Connect())

	require.NoError(t, l.CreateRoom("abc"))

	frames := wire.waitWritten(t, 1)
	created, ok := decodeFrame(t, frames[0]).(protocol.CreateRoom)
	require.True(t, ok)
	assert.Equal(t, "abc", created.SessionID)
}

func TestLinkWrapsApplicationMessages(t *testing.T) {
	wire := newFakeWire()
	l := NewLink(nil, "ws://relay", linkTestOptions(), wireDialer(wire), LinkEvents{})
	defer l.Close()
	require.NoError(t, l.Connect())

	require.NoError(t, l.Send(protocol.CursorUpdate{ClientID: "alice", FileName: "a.go", Position: 3}, transport.SendOptions{}))

	frames := wire.waitWritten(t, 1)
	cursor, ok := unwrapFrame(t, frames[0]).(protocol.CursorUpdate)
	require.True(t, ok)
	assert.Equal(t, "alice", cursor.ClientID)
}

func TestLinkBatchesInsideRelayData(t *testing.T) {
	wire := newFakeWire()
	l := NewLink(nil, "ws://relay", linkTestOptions(), wireDialer(wire), LinkEvents{})
	defer l.Close()
	require.NoError(t, l.Connect())

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Send(protocol.CursorUpdate{ClientID: "alice", Position: i}, transport.SendOptions{Batch: true}))
	}

	// A single relay_data frame should carry the whole batch.
	frames := wire.waitWritten(t, 1)
	batch, ok := unwrapFrame(t, frames[0]).(protocol.Batch)
	require.True(t, ok, "expected a batch inside relay_data")
	require.Equal(t, 3, batch.Count)

	for i, raw := range batch.Messages {
		msg, err := protocol.Decode(raw)
		require.NoError(t, err)
		cursor, ok := msg.(protocol.CursorUpdate)
		require.True(t, ok)
		assert.Equal(t, i, cursor.Position)
	}
}

func TestLinkUnwrapsInboundTraffic(t *testing.T) {
	wire := newFakeWire()
	l := NewLink(nil, "ws://relay", linkTestOptions(), wireDialer(wire), LinkEvents{})
	defer l.Close()

	received := make(chan protocol.Message, 8)
	l.SetHandler(func(msg protocol.Message) { received <- msg })
	require.NoError(t, l.Connect())

	wire.serveWrapped(t, protocol.CursorUpdate{ClientID: "bob", Position: 9})

	select {
	case msg := <-received:
		cursor, ok := msg.(protocol.CursorUpdate)
		require.True(t, ok)
		assert.Equal(t, "bob", cursor.ClientID)
	case <-time.After(time.Second):
		t.Fatal("relayed message never reached the handler")
	}
}

func TestLinkUnpacksNestedBatches(t *testing.T) {
	wire := newFakeWire()
	l := NewLink(nil, "ws://relay", linkTestOptions(), wireDialer(wire), LinkEvents{})
	defer l.Close()

	received := make(chan protocol.Message, 8)
	l.SetHandler(func(msg protocol.Message) { received <- msg })
	require.NoError(t, l.Connect())

	first, err := protocol.Encode(protocol.CursorUpdate{ClientID: "bob", Position: 1})
	require.NoError(t, err)
	second, err := protocol.Encode(protocol.CursorUpdate{ClientID: "bob", Position: 2})
	require.NoError(t, err)
	wire.serveWrapped(t, protocol.Batch{
		Messages:  []json.RawMessage{first, second},
		Count:     2,
		Timestamp: time.Now().UnixMilli(),
	})

	for want := 1; want <= 2; want++ {
		select {
		case msg := <-received:
			cursor := msg.(protocol.CursorUpdate)
			assert.Equal(t, want, cursor.Position)
		case <-time.After(time.Second):
			t.Fatal("batched message never reached the handler")
		}
	}
}

func TestLinkRoutesRoomLifecycle(t *testing.T) {
	wire := newFakeWire()
	joined := make(chan string, 1)
	counts := make(chan int, 2)
	l := NewLink(nil, "ws://relay", linkTestOptions(), wireDialer(wire), LinkEvents{
		OnRoomJoined:   func(id string) { joined <- id },
		OnClientJoined: func(n int) { counts <- n },
		OnClientLeft:   func(n int) { counts <- n },
	})
	defer l.Close()
	require.NoError(t, l.Connect())

	wire.serve(t, protocol.RoomJoined{SessionID: "abc"})
	wire.serve(t, protocol.ClientJoined{ClientCount: 2})
	wire.serve(t, protocol.ClientLeft{ClientCount: 1})

	select {
	case id := <-joined:
		assert.Equal(t, "abc", id)
	case <-time.After(time.Second):
		t.Fatal("room_joined never fired")
	}
	assert.Equal(t, 2, <-counts)
	assert.Equal(t, 1, <-counts)
}

// =============================================================================
// Client
// =============================================================================

func newTestClient(t *testing.T, wire *fakeWire, opts ClientOptions) *Client {
	t.Helper()
	if opts.SessionID == "" {
		opts.SessionID = "test-session"
	}
	if opts.ClientID == "" {
		opts.ClientID = "alice"
	}
	c := NewClient(nil, "ws://relay", linkTestOptions(), wireDialer(wire), opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientHandshakeAndSnapshot(t *testing.T) {
	wire := newFakeWire()
	c := newTestClient(t, wire, ClientOptions{Password: "A1B2C3D4", DisplayName: "Alice"})

	require.NoError(t, c.Connect())

	// The join request goes out first.
	frames := wire.waitWritten(t, 1)
	join, ok := decodeFrame(t, frames[0]).(protocol.JoinRoom)
	require.True(t, ok)
	assert.Equal(t, "test-session", join.SessionID)

	// Joining triggers the auth handshake.
	wire.serve(t, protocol.RoomJoined{SessionID: "test-session"})
	frames = wire.waitWritten(t, 2)
	auth, ok := unwrapFrame(t, frames[1]).(protocol.Auth)
	require.True(t, ok)
	assert.Equal(t, "A1B2C3D4", auth.Password)
	assert.Equal(t, "alice", auth.ClientInfo.ID)

	wire.serveWrapped(t, protocol.AuthSuccess{SessionID: "test-session"})
	wire.serveWrapped(t, protocol.FullProjectSync{Files: map[string]protocol.FileState{
		"main.go": {Content: "package main\n", Size: 13},
	}})

	eventually(t, c.Synced, "snapshot never applied")
	doc, ok := c.Store().Get("main.go")
	require.True(t, ok)
	assert.Equal(t, "package main\n", doc.Content())
}

func TestClientAppliesRemoteOperations(t *testing.T) {
	wire := newFakeWire()
	c := newTestClient(t, wire, ClientOptions{Password: "A1B2C3D4"})

	applied := make(chan document.LogEntry, 4)
	c.OnOperation = func(_ string, entry document.LogEntry) { applied <- entry }
	require.NoError(t, c.Connect())

	wire.serveWrapped(t, protocol.FullProjectSync{Files: map[string]protocol.FileState{
		"notes.txt": {Content: "hello"},
	}})
	eventually(t, c.Synced, "snapshot never applied")

	wire.serveWrapped(t, protocol.OperationMessage{
		ClientID: "bob",
		FileName: "notes.txt",
		Operation: document.Operation{
			Kind:         document.OpInsert,
			Position:     5,
			Text:         " world",
			BaseRevision: 0,
			ClientID:     "bob",
			Timestamp:    time.Now(),
		},
		Revision: 1,
	})

	select {
	case entry := <-applied:
		assert.Equal(t, 1, entry.Revision)
	case <-time.After(time.Second):
		t.Fatal("remote operation never applied")
	}

	doc, ok := c.Store().Get("notes.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", doc.Content())
}

func TestClientMirrorsToDisk(t *testing.T) {
	mirror := t.TempDir()
	wire := newFakeWire()
	c := newTestClient(t, wire, ClientOptions{Password: "A1B2C3D4", MirrorDir: mirror})
	require.NoError(t, c.Connect())

	wire.serveWrapped(t, protocol.FullProjectSync{Files: map[string]protocol.FileState{
		"pkg/util.go": {Content: "package pkg\n"},
	}})

	eventually(t, c.Synced, "snapshot never applied")
	data, err := os.ReadFile(filepath.Join(mirror, "pkg", "util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(data))
}

func TestClientAuthRejectionIsTerminal(t *testing.T) {
	wire := newFakeWire()
	c := newTestClient(t, wire, ClientOptions{Password: "WRONG"})
	require.NoError(t, c.Connect())

	wire.serveWrapped(t, protocol.AuthError{Error: "invalid session password"})

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("auth rejection did not end the session")
	}
	require.Error(t, c.Err())
	assert.Contains(t, c.Err().Error(), "password")
}

func TestClientIgnoresOtherParticipantsAuthRejection(t *testing.T) {
	wire := newFakeWire()
	c := newTestClient(t, wire, ClientOptions{Password: "A1B2C3D4"})
	require.NoError(t, c.Connect())

	wire.serveWrapped(t, protocol.AuthSuccess{SessionID: "test-session"})
	wire.serveWrapped(t, protocol.FullProjectSync{Files: map[string]protocol.FileState{
		"notes.txt": {Content: "hello"},
	}})
	eventually(t, c.Synced, "snapshot never applied")

	// The relay fans every host frame to all participants, so mallory's
	// rejection arrives here too. It must not end our session.
	wire.serveWrapped(t, protocol.AuthError{Error: "invalid session password"})

	select {
	case <-c.Done():
		t.Fatal("another participant's rejection ended a healthy session")
	case <-time.After(100 * time.Millisecond):
	}
	assert.NoError(t, c.Err())

	// And the stream keeps applying afterwards.
	wire.serveWrapped(t, protocol.OperationMessage{
		ClientID: "bob",
		FileName: "notes.txt",
		Operation: document.Operation{
			Kind:         document.OpInsert,
			Position:     5,
			Text:         "!",
			BaseRevision: 0,
			ClientID:     "bob",
			Timestamp:    time.Now(),
		},
		Revision: 1,
	})
	eventually(t, func() bool {
		doc, ok := c.Store().Get("notes.txt")
		return ok && doc.Content() == "hello!"
	}, "edit after foreign rejection never applied")
}

func TestClientRoomClosedIsTerminal(t *testing.T) {
	wire := newFakeWire()
	c := newTestClient(t, wire, ClientOptions{Password: "A1B2C3D4"})
	require.NoError(t, c.Connect())

	wire.serve(t, protocol.RoomClosed{Message: "host disconnected"})

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("room_closed did not end the session")
	}
	require.True(t, errors.Is(c.Err(), ErrRoomClosed))
}
