// Package protocol defines the JSON wire messages exchanged between
// hosts, clients and the relay, as a tagged union decoded and validated
// at the transport boundary. Nothing past this boundary handles raw
// JSON shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adalundhe/liveshare/core/document"
	"github.com/adalundhe/liveshare/core/ot"
)

// Close codes used on top of the standard websocket set.
const (
	// CloseNormal is the client-initiated close; it must not trigger
	// reconnection.
	CloseNormal = 1000

	// CloseAuthFailure closes a connection that failed session
	// authentication. No retry.
	CloseAuthFailure = 4001
)

var (
	// ErrUnknownType marks a message whose type tag is not part of the
	// protocol. Logged and dropped; the connection stays alive.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed marks a message that failed JSON decoding or field
	// validation. Logged and dropped; the connection stays alive.
	ErrMalformed = errors.New("malformed message")
)

// Type tags every wire message.
type Type string

const (
	TypeCreateRoom      Type = "create_room"
	TypeJoinRoom        Type = "join_room"
	TypeRelayData       Type = "relay_data"
	TypeRoomCreated     Type = "room_created"
	TypeRoomJoined      Type = "room_joined"
	TypeRoomClosed      Type = "room_closed"
	TypeClientJoined    Type = "client_joined"
	TypeClientLeft      Type = "client_left"
	TypeError           Type = "error"
	TypeAuth            Type = "auth"
	TypeAuthSuccess     Type = "auth_success"
	TypeAuthError       Type = "auth_error"
	TypeOperation       Type = "operation"
	TypeCursorUpdate    Type = "cursor_update"
	TypeBatch           Type = "batch"
	TypeFullProjectSync Type = "full_project_sync"
	TypePresenceUpdate  Type = "presence_update"
	TypeLockUpdate      Type = "lock_update"
	TypeAnnotationAdded Type = "annotation_added"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
	validate() error
}

// =============================================================================
// Room lifecycle (client <-> relay)
// =============================================================================

// CreateRoom establishes a room at the relay; sender becomes its host.
type CreateRoom struct {
	SessionID string `json:"sessionId"`
}

// JoinRoom joins an existing room as a client.
type JoinRoom struct {
	SessionID string `json:"sessionId"`
}

// RelayData carries an opaque payload the relay forwards without
// inspecting: host payloads fan out to all clients, client payloads go
// to the host only.
type RelayData struct {
	Data json.RawMessage `json:"data"`
}

// RoomCreated confirms room creation to the host.
type RoomCreated struct {
	SessionID string `json:"sessionId"`
}

// RoomJoined confirms a join to the new client.
type RoomJoined struct {
	SessionID string `json:"sessionId"`
}

// RoomClosed tells clients their room is gone. Host disconnection is
// terminal for the session.
type RoomClosed struct {
	Message string `json:"message,omitempty"`
}

// ClientJoined tells the host a client arrived.
type ClientJoined struct {
	ClientCount int `json:"clientCount"`
}

// ClientLeft tells the host a client disconnected.
type ClientLeft struct {
	ClientCount int `json:"clientCount"`
}

// ErrorMessage reports a request failure (room exists, room not found).
type ErrorMessage struct {
	Message string `json:"message"`
}

// =============================================================================
// Session handshake (client <-> host)
// =============================================================================

// ClientInfo identifies a joining participant.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Auth authenticates a client against the host's session store.
type Auth struct {
	SessionID  string     `json:"sessionId"`
	Password   string     `json:"password"`
	ClientInfo ClientInfo `json:"clientInfo"`
}

// AuthSuccess confirms authentication.
type AuthSuccess struct {
	SessionID string `json:"sessionId"`
}

// AuthError rejects authentication; the connection is closed with
// CloseAuthFailure.
type AuthError struct {
	Error string `json:"error"`
}

// =============================================================================
// Editing stream
// =============================================================================

// OperationMessage carries one OT edit.
type OperationMessage struct {
	ClientID  string             `json:"clientId"`
	FileName  string             `json:"fileName"`
	Operation document.Operation `json:"operation"`
	Revision  int                `json:"revision,omitempty"`
}

// CursorUpdate carries a presence cursor move.
type CursorUpdate struct {
	ClientID  string        `json:"clientId"`
	FileName  string        `json:"fileName"`
	Position  int           `json:"position"`
	Selection *ot.Selection `json:"selection,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// Batch is a micro-batched set of messages flushed together.
type Batch struct {
	Messages  []json.RawMessage `json:"messages"`
	Count     int               `json:"count"`
	Timestamp int64             `json:"timestamp"`
}

// FileState is one file inside a full project snapshot.
type FileState struct {
	Content  string `json:"content"`
	Modified int64  `json:"modified"`
	Size     int    `json:"size"`
}

// FullProjectSync is the initial snapshot a host ships to a joining
// client.
type FullProjectSync struct {
	Files map[string]FileState `json:"files"`
}

// PresenceEntry is one participant in a presence broadcast.
type PresenceEntry struct {
	ClientID       string `json:"clientId"`
	DisplayName    string `json:"displayName"`
	ColorTag       string `json:"colorTag"`
	ActiveDocument string `json:"activeDocument,omitempty"`
	LastSeenAt     int64  `json:"lastSeenAt"`
}

// PresenceUpdate broadcasts the current participant list.
type PresenceUpdate struct {
	Clients []PresenceEntry `json:"clients"`
}

// LockUpdate carries a line lock request (client to host) or a grant or
// release broadcast (host to clients). Released marks releases; an
// empty ClientID on a broadcast means the line is free again.
type LockUpdate struct {
	FileName  string `json:"fileName"`
	Line      int    `json:"lineNumber"`
	ClientID  string `json:"clientId,omitempty"`
	Released  bool   `json:"released,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AnnotationAdded broadcasts a new annotation.
type AnnotationAdded struct {
	FileName   string              `json:"fileName"`
	Annotation document.Annotation `json:"annotation"`
}

// =============================================================================
// Liveness
// =============================================================================

// Ping is a liveness and latency probe.
type Ping struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a Ping, echoing its id.
type Pong struct {
	ID                string `json:"id"`
	Timestamp         int64  `json:"timestamp"`
	OriginalTimestamp int64  `json:"originalTimestamp,omitempty"`
}

func (CreateRoom) MessageType() Type       { return TypeCreateRoom }
func (JoinRoom) MessageType() Type         { return TypeJoinRoom }
func (RelayData) MessageType() Type        { return TypeRelayData }
func (RoomCreated) MessageType() Type      { return TypeRoomCreated }
func (RoomJoined) MessageType() Type       { return TypeRoomJoined }
func (RoomClosed) MessageType() Type       { return TypeRoomClosed }
func (ClientJoined) MessageType() Type     { return TypeClientJoined }
func (ClientLeft) MessageType() Type       { return TypeClientLeft }
func (ErrorMessage) MessageType() Type     { return TypeError }
func (Auth) MessageType() Type             { return TypeAuth }
func (AuthSuccess) MessageType() Type      { return TypeAuthSuccess }
func (AuthError) MessageType() Type        { return TypeAuthError }
func (OperationMessage) MessageType() Type { return TypeOperation }
func (CursorUpdate) MessageType() Type     { return TypeCursorUpdate }
func (Batch) MessageType() Type            { return TypeBatch }
func (FullProjectSync) MessageType() Type  { return TypeFullProjectSync }
func (PresenceUpdate) MessageType() Type   { return TypePresenceUpdate }
func (LockUpdate) MessageType() Type       { return TypeLockUpdate }
func (AnnotationAdded) MessageType() Type  { return TypeAnnotationAdded }
func (Ping) MessageType() Type             { return TypePing }
func (Pong) MessageType() Type             { return TypePong }

func (m CreateRoom) validate() error { return requireField(m.SessionID != "", "sessionId") }
func (m JoinRoom) validate() error   { return requireField(m.SessionID != "", "sessionId") }
func (m RelayData) validate() error  { return requireField(len(m.Data) > 0, "data") }
func (RoomCreated) validate() error  { return nil }
func (RoomJoined) validate() error   { return nil }
func (RoomClosed) validate() error   { return nil }
func (ClientJoined) validate() error { return nil }
func (ClientLeft) validate() error   { return nil }
func (ErrorMessage) validate() error { return nil }
func (m Auth) validate() error {
	if err := requireField(m.SessionID != "", "sessionId"); err != nil {
		return err
	}
	return requireField(m.Password != "", "password")
}
func (AuthSuccess) validate() error { return nil }
func (AuthError) validate() error   { return nil }
func (m OperationMessage) validate() error {
	if err := requireField(m.ClientID != "", "clientId"); err != nil {
		return err
	}
	return requireField(m.FileName != "", "fileName")
}
func (m CursorUpdate) validate() error {
	if err := requireField(m.ClientID != "", "clientId"); err != nil {
		return err
	}
	return requireField(m.FileName != "", "fileName")
}
func (m Batch) validate() error       { return requireField(len(m.Messages) > 0, "messages") }
func (FullProjectSync) validate() error { return nil }
func (PresenceUpdate) validate() error  { return nil }
func (m LockUpdate) validate() error  { return requireField(m.FileName != "", "fileName") }
func (m AnnotationAdded) validate() error {
	return requireField(m.FileName != "", "fileName")
}
// Relay-level liveness pings carry no payload; transport heartbeats
// set an id for latency correlation. Both shapes are valid.
func (Ping) validate() error { return nil }
func (Pong) validate() error { return nil }

func requireField(ok bool, field string) error {
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	return nil
}
