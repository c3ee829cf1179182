package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type Type `json:"type"`
}

// Encode marshals a message with its type tag injected alongside the
// payload fields, matching the flat wire shape the relay understands.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	tag, _ := json.Marshal(m.MessageType())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Decode parses and validates one wire message. Unknown types return
// ErrUnknownType and malformed payloads ErrMalformed; in both cases the
// message is dropped and the connection is kept alive.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg, err := emptyMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}

	out := deref(msg)
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func emptyMessage(t Type) (any, error) {
	switch t {
	case TypeCreateRoom:
		return &CreateRoom{}, nil
	case TypeJoinRoom:
		return &JoinRoom{}, nil
	case TypeRelayData:
		return &RelayData{}, nil
	case TypeRoomCreated:
		return &RoomCreated{}, nil
	case TypeRoomJoined:
		return &RoomJoined{}, nil
	case TypeRoomClosed:
		return &RoomClosed{}, nil
	case TypeClientJoined:
		return &ClientJoined{}, nil
	case TypeClientLeft:
		return &ClientLeft{}, nil
	case TypeError:
		return &ErrorMessage{}, nil
	case TypeAuth:
		return &Auth{}, nil
	case TypeAuthSuccess:
		return &AuthSuccess{}, nil
	case TypeAuthError:
		return &AuthError{}, nil
	case TypeOperation:
		return &OperationMessage{}, nil
	case TypeCursorUpdate:
		return &CursorUpdate{}, nil
	case TypeBatch:
		return &Batch{}, nil
	case TypeFullProjectSync:
		return &FullProjectSync{}, nil
	case TypePresenceUpdate:
		return &PresenceUpdate{}, nil
	case TypeLockUpdate:
		return &LockUpdate{}, nil
	case TypeAnnotationAdded:
		return &AnnotationAdded{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func deref(msg any) Message {
	switch m := msg.(type) {
	case *CreateRoom:
		return *m
	case *JoinRoom:
		return *m
	case *RelayData:
		return *m
	case *RoomCreated:
		return *m
	case *RoomJoined:
		return *m
	case *RoomClosed:
		return *m
	case *ClientJoined:
		return *m
	case *ClientLeft:
		return *m
	case *ErrorMessage:
		return *m
	case *Auth:
		return *m
	case *AuthSuccess:
		return *m
	case *AuthError:
		return *m
	case *OperationMessage:
		return *m
	case *CursorUpdate:
		return *m
	case *Batch:
		return *m
	case *FullProjectSync:
		return *m
	case *PresenceUpdate:
		return *m
	case *LockUpdate:
		return *m
	case *AnnotationAdded:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	}
	panic(fmt.Sprintf("unhandled message type %T", msg))
}
