package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/liveshare/core/document"
)

func TestEncodeInjectsTypeTag(t *testing.T) {
	data, err := Encode(CreateRoom{SessionID: "abc"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "create_room", fields["type"])
	assert.Equal(t, "abc", fields["sessionId"])
}

func TestRoundTrip(t *testing.T) {
	tests := []Message{
		CreateRoom{SessionID: "s1"},
		JoinRoom{SessionID: "s1"},
		RelayData{Data: json.RawMessage(`{"x":1}`)},
		RoomClosed{Message: "host disconnected"},
		ClientJoined{ClientCount: 3},
		Auth{SessionID: "s1", Password: "A1B2C3D4", ClientInfo: ClientInfo{ID: "c1", DisplayName: "alice"}},
		AuthError{Error: "bad password"},
		OperationMessage{
			ClientID: "c1",
			FileName: "main.go",
			Operation: document.Operation{
				Kind:     document.OpInsert,
				Position: 4,
				Text:     "hi",
				ClientID: "c1",
			},
		},
		CursorUpdate{ClientID: "c1", FileName: "main.go", Position: 12},
		LockUpdate{FileName: "main.go", Line: 3, ClientID: "c1", Timestamp: 1700000000000},
		Ping{ID: "ping_1", Timestamp: 1700000000000},
		Pong{ID: "ping_1", Timestamp: 1700000000001, OriginalTimestamp: 1700000000000},
	}

	for _, msg := range tests {
		t.Run(string(msg.MessageType()), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","x":1}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing type", `{"sessionId":"s1"}`},
		{"create_room without session", `{"type":"create_room"}`},
		{"auth without password", `{"type":"auth","sessionId":"s1"}`},
		{"relay_data without data", `{"type":"relay_data"}`},
		{"operation without fileName", `{"type":"operation","clientId":"c1"}`},
		{"ping without id", `{"type":"ping","timestamp":1}`},
		{"wrong field type", `{"type":"client_joined","clientCount":"three"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestBatchCarriesNestedMessages(t *testing.T) {
	op, err := Encode(CursorUpdate{ClientID: "c1", FileName: "a.go", Position: 1})
	require.NoError(t, err)

	data, err := Encode(Batch{Messages: []json.RawMessage{op}, Count: 1, Timestamp: 1})
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	batch, ok := decoded.(Batch)
	require.True(t, ok)
	require.Len(t, batch.Messages, 1)

	inner, err := Decode(batch.Messages[0])
	require.NoError(t, err)
	assert.Equal(t, TypeCursorUpdate, inner.MessageType())
}
