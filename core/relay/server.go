// Package relay implements the rendezvous server that forwards opaque
// payloads between a session host and its clients. The relay never
// inspects relayed data: host traffic fans out to every client, client
// traffic goes to the host only, and clients never see each other.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/adalundhe/liveshare/core/protocol"
)

// Conn is the subset of a websocket connection the relay needs.
// *websocket.Conn satisfies it; tests inject in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type role string

const (
	roleHost   role = "host"
	roleClient role = "client"
)

type peer struct {
	sessionID string
	role      role
}

type room struct {
	host    Conn
	clients map[Conn]struct{}
}

// Server is the relay. All room state is guarded by a single mutex;
// writes happen under it so concurrent read loops never interleave
// frames on a shared connection.
type Server struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
	peers map[Conn]*peer

	httpSrv *http.Server
}

// NewServer creates a relay server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
		peers: make(map[Conn]*peer),
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.Serve(conn)
}

// Listen serves the relay on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	s.mu.Lock()
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	s.log.Info("relay listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener. Open rooms are torn down as their
// connections drop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Serve runs one connection's read loop until it drops. Exported so
// tests can drive the relay with injected connections.
func (s *Server) Serve(conn Conn) {
	defer func() {
		s.disconnect(conn)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Debug("discarding undecodable frame", "error", err)
			continue
		}
		s.handle(conn, msg)
	}
}

func (s *Server) handle(conn Conn, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := msg.(type) {
	case protocol.CreateRoom:
		s.createRoom(conn, m.SessionID)
	case protocol.JoinRoom:
		s.joinRoom(conn, m.SessionID)
	case protocol.RelayData:
		s.relayData(conn, m)
	case protocol.Ping:
		s.send(conn, protocol.Pong{})
	default:
		// The relay only speaks room management; anything else should
		// have been wrapped in relay_data.
		s.log.Debug("ignoring message outside relay vocabulary", "type", msg.MessageType())
	}
}

func (s *Server) createRoom(conn Conn, sessionID string) {
	if _, ok := s.rooms[sessionID]; ok {
		s.send(conn, protocol.ErrorMessage{Message: "session already exists"})
		return
	}
	s.rooms[sessionID] = &room{
		host:    conn,
		clients: make(map[Conn]struct{}),
	}
	s.peers[conn] = &peer{sessionID: sessionID, role: roleHost}
	s.send(conn, protocol.RoomCreated{SessionID: sessionID})
	s.log.Info("room created", "session", sessionID)
}

func (s *Server) joinRoom(conn Conn, sessionID string) {
	rm, ok := s.rooms[sessionID]
	if !ok {
		s.send(conn, protocol.ErrorMessage{Message: "session not found"})
		return
	}
	rm.clients[conn] = struct{}{}
	s.peers[conn] = &peer{sessionID: sessionID, role: roleClient}

	s.send(conn, protocol.RoomJoined{SessionID: sessionID})
	s.send(rm.host, protocol.ClientJoined{ClientCount: len(rm.clients)})
	s.log.Info("client joined room", "session", sessionID, "clients", len(rm.clients))
}

func (s *Server) relayData(conn Conn, m protocol.RelayData) {
	p, ok := s.peers[conn]
	if !ok {
		return
	}
	rm, ok := s.rooms[p.sessionID]
	if !ok {
		return
	}

	if p.role == roleHost {
		for client := range rm.clients {
			s.send(client, m)
		}
		return
	}
	s.send(rm.host, m)
}

// disconnect tears down a dropped connection. A host drop is terminal:
// every client gets room_closed and its connection is closed.
func (s *Server) disconnect(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[conn]
	if !ok {
		return
	}
	delete(s.peers, conn)

	rm, ok := s.rooms[p.sessionID]
	if !ok {
		return
	}

	if p.role == roleHost {
		for client := range rm.clients {
			s.send(client, protocol.RoomClosed{Message: "host disconnected"})
			client.Close()
			delete(s.peers, client)
		}
		delete(s.rooms, p.sessionID)
		s.log.Info("room closed", "session", p.sessionID)
		return
	}

	delete(rm.clients, conn)
	s.send(rm.host, protocol.ClientLeft{ClientCount: len(rm.clients)})
	s.log.Info("client left room", "session", p.sessionID, "clients", len(rm.clients))
}

// send encodes and writes one message, logging write failures instead
// of propagating them; the read loop notices dead connections.
func (s *Server) send(conn Conn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("failed to encode message", "type", msg.MessageType(), "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("write failed", "type", msg.MessageType(), "error", err)
	}
}

// Rooms reports how many rooms are open.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
