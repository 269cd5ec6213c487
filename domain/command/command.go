// Package command declares the inbound commands accepted from connections
// and decodes their payloads.
package command

import (
	"chat-broker/errors"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Name string

const (
	Authenticate   Name = "authenticate"
	JoinRoom       Name = "join_room"
	SendMessage    Name = "send_message"
	SendFile       Name = "send_file"
	TypingStart    Name = "typing_start"
	TypingStop     Name = "typing_stop"
	MarkRead       Name = "mark_read"
	AddReaction    Name = "add_reaction"
	GetMessages    Name = "get_messages"
	SearchMessages Name = "search_messages"
)

// Inbound is a raw frame; Data is decoded once the command is known.
type Inbound struct {
	Type Name            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

type JoinRoomPayload struct {
	RoomName string `json:"roomName" validate:"required,notblank,max=64"`
}

type SendMessagePayload struct {
	Content     string `json:"content" validate:"required,notblank,max=4096"`
	RoomName    string `json:"roomName" validate:"omitempty,max=64,excluded_with=RecipientID"`
	RecipientID string `json:"recipientId" validate:"omitempty,max=128"`
}

type SendFilePayload struct {
	FileName    string `json:"fileName" validate:"required,notblank,max=255"`
	FileBlobRef string `json:"fileBlobRef" validate:"required,max=128"`
	MimeType    string `json:"mimeType" validate:"omitempty,max=128"`
	Size        int64  `json:"size" validate:"gte=0"`
	RoomName    string `json:"roomName" validate:"omitempty,max=64,excluded_with=RecipientID"`
	RecipientID string `json:"recipientId" validate:"omitempty,max=128"`
}

// An empty RoomName targets the connection's current room.
type TypingPayload struct {
	RoomName string `json:"roomName" validate:"omitempty,max=64"`
}

type MarkReadPayload struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
}

type AddReactionPayload struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
	Emoji     string `json:"emoji" validate:"required,notblank,max=32"`
}

// HistoryScope selects a room, or the direct conversation with UserID.
// Both empty means the default room.
type HistoryScope struct {
	RoomName string `json:"roomName" validate:"omitempty,max=64,excluded_with=UserID"`
	UserID   string `json:"userId" validate:"omitempty,max=128"`
}

type GetMessagesPayload struct {
	Scope        HistoryScope `json:"scope"`
	BeforeCursor *time.Time   `json:"beforeCursor"`
	Limit        *int         `json:"limit"`
}

type SearchMessagesPayload struct {
	Query string `json:"query" validate:"required,notblank,max=256"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Decode unmarshals and validates a payload. Every failure is reported as
// errors.ErrValidation so the dispatcher can answer with a typed error.
func Decode[T any](raw json.RawMessage) (T, error) {
	var payload T
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	if err := validate.Struct(payload); err != nil {
		return payload, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	return payload, nil
}

// Parse reads the envelope of a frame.
func Parse(frame []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return in, fmt.Errorf("%w: malformed frame: %v", errors.ErrValidation, err)
	}
	if in.Type == "" {
		return in, fmt.Errorf("%w: missing command type", errors.ErrValidation)
	}
	return in, nil
}
