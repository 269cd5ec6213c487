package command

import (
	"chat-broker/errors"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Envelope", func(t *testing.T) {
		req := require.New(t)
		in, err := Parse([]byte(`{"type":"join_room","data":{"roomName":"general"}}`))
		req.NoError(err)
		req.Equal(JoinRoom, in.Type)
		req.JSONEq(`{"roomName":"general"}`, string(in.Data))
	})

	for _, frame := range []string{`not json`, `{"data":{}}`, `[]`} {
		t.Run(frame, func(t *testing.T) {
			_, err := Parse([]byte(frame))
			require.ErrorIs(t, err, errors.ErrValidation)
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		decode  func(json.RawMessage) error
		data    string
		invalid bool
	}{
		{name: "Room message", decode: decodeAs[SendMessagePayload], data: `{"content":"hi","roomName":"general"}`},
		{name: "Blank content", decode: decodeAs[SendMessagePayload], data: `{"content":"  \n "}`, invalid: true},
		{name: "Room and recipient", decode: decodeAs[SendMessagePayload], data: `{"content":"hi","roomName":"a","recipientId":"b"}`, invalid: true},
		{name: "Content too long", decode: decodeAs[SendMessagePayload], data: `{"content":"` + strings.Repeat("x", 4097) + `"}`, invalid: true},
		{name: "Missing data", decode: decodeAs[AuthenticatePayload], data: ``, invalid: true},
		{name: "Null data", decode: decodeAs[TypingPayload], data: `null`},
		{name: "Wrong field type", decode: decodeAs[JoinRoomPayload], data: `{"roomName":12}`, invalid: true},
		{name: "Bad message id", decode: decodeAs[MarkReadPayload], data: `{"messageId":"42"}`, invalid: true},
		{name: "Reaction", decode: decodeAs[AddReactionPayload], data: `{"messageId":"9b2f4a4e-1d7b-4b43-9d4c-0c8f3f1c2a10","emoji":"👍"}`},
		{name: "History by user", decode: decodeAs[GetMessagesPayload], data: `{"scope":{"userId":"bob"},"limit":10}`},
		{name: "History with both scopes", decode: decodeAs[GetMessagesPayload], data: `{"scope":{"userId":"bob","roomName":"general"}}`, invalid: true},
		{name: "Empty search", decode: decodeAs[SearchMessagesPayload], data: `{"query":" "}`, invalid: true},
		{name: "File", decode: decodeAs[SendFilePayload], data: `{"fileName":"cat.png","fileBlobRef":"ref","size":12}`},
		{name: "Negative file size", decode: decodeAs[SendFilePayload], data: `{"fileName":"cat.png","fileBlobRef":"ref","size":-1}`, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode(json.RawMessage(tt.data))
			if tt.invalid {
				require.ErrorIs(t, err, errors.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func decodeAs[T any](raw json.RawMessage) error {
	_, err := Decode[T](raw)
	return err
}

func TestDecode_Cursor(t *testing.T) {
	req := require.New(t)
	payload, err := Decode[GetMessagesPayload](json.RawMessage(`{"scope":{},"beforeCursor":"2026-05-01T09:00:00.000000123Z"}`))
	req.NoError(err)
	req.NotNil(payload.BeforeCursor)
	req.Equal(123, payload.BeforeCursor.Nanosecond())
	req.Nil(payload.Limit)
}
