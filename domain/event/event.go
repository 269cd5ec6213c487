// Package event defines the outbound events pushed to connections.
package event

import (
	"chat-broker/domain"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	Authenticated   Type = "authenticated"
	JoinedRoom      Type = "joined_room"
	ReceiveMessage  Type = "receive_message"
	UserOnline      Type = "user_online"
	UserOffline     Type = "user_offline"
	UserTyping      Type = "user_typing"
	MessagesHistory Type = "messages_history"
	SearchResults   Type = "search_results"
	ReactionAdded   Type = "reaction_added"
	MessageRead     Type = "message_read"
	Notification    Type = "notification"
	Error           Type = "error"
)

// Envelope is the frame shape shared by inbound and outbound traffic.
type Envelope struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

type AuthenticatedPayload struct {
	OK     bool             `json:"ok"`
	Reason string           `json:"reason,omitempty"`
	User   *domain.Identity `json:"user,omitempty"`
}

type JoinedRoomPayload struct {
	RoomName domain.RoomName `json:"roomName"`
}

type PresencePayload struct {
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

type TypingPayload struct {
	UserID      domain.UserID   `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	RoomName    domain.RoomName `json:"roomName"`
	IsTyping    bool            `json:"isTyping"`
}

type HistoryScope struct {
	RoomName domain.RoomName `json:"roomName,omitempty"`
	UserID   domain.UserID   `json:"userId,omitempty"`
}

type HistoryPayload struct {
	Scope      HistoryScope     `json:"scope"`
	Messages   []domain.Message `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	NextCursor *time.Time       `json:"nextCursor,omitempty"`
}

type SearchResultsPayload struct {
	Query    string           `json:"query"`
	Messages []domain.Message `json:"messages"`
}

type ReactionPayload struct {
	MessageID uuid.UUID     `json:"messageId"`
	UserID    domain.UserID `json:"userId"`
	Emoji     string        `json:"emoji"`
}

type ReadPayload struct {
	MessageID uuid.UUID       `json:"messageId"`
	UserID    domain.UserID   `json:"userId"`
	ReadBy    []domain.UserID `json:"readBy"`
}

type NotificationPayload struct {
	Kind  string `json:"kind"`
	Text  string `json:"text"`
	RefID string `json:"refId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

const NotificationNewMessage = "new_message"

func NewAuthenticated(identity domain.Identity) Envelope {
	return Envelope{Type: Authenticated, Data: AuthenticatedPayload{OK: true, User: &identity}}
}

func NewAuthenticationFailed(reason string) Envelope {
	return Envelope{Type: Authenticated, Data: AuthenticatedPayload{OK: false, Reason: reason}}
}

func NewJoinedRoom(room domain.RoomName) Envelope {
	return Envelope{Type: JoinedRoom, Data: JoinedRoomPayload{RoomName: room}}
}

func NewReceiveMessage(m domain.Message) Envelope {
	return Envelope{Type: ReceiveMessage, Data: m}
}

func NewUserOnline(identity domain.Identity) Envelope {
	return Envelope{Type: UserOnline, Data: PresencePayload{UserID: identity.UserID, DisplayName: identity.DisplayName}}
}

func NewUserOffline(identity domain.Identity) Envelope {
	return Envelope{Type: UserOffline, Data: PresencePayload{UserID: identity.UserID, DisplayName: identity.DisplayName}}
}

func NewUserTyping(identity domain.Identity, room domain.RoomName, isTyping bool) Envelope {
	return Envelope{Type: UserTyping, Data: TypingPayload{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		RoomName:    room,
		IsTyping:    isTyping,
	}}
}

func NewMessagesHistory(scope HistoryScope, page domain.Page) Envelope {
	return Envelope{Type: MessagesHistory, Data: HistoryPayload{
		Scope:      scope,
		Messages:   nonNil(page.Messages),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}}
}

func NewSearchResults(query string, messages []domain.Message) Envelope {
	return Envelope{Type: SearchResults, Data: SearchResultsPayload{Query: query, Messages: nonNil(messages)}}
}

func NewReactionAdded(state domain.ReactionState) Envelope {
	return Envelope{Type: ReactionAdded, Data: ReactionPayload{
		MessageID: state.MessageID,
		UserID:    state.UserID,
		Emoji:     state.Emoji,
	}}
}

func NewMessageRead(receipt domain.ReadReceipt) Envelope {
	return Envelope{Type: MessageRead, Data: ReadPayload{
		MessageID: receipt.MessageID,
		UserID:    receipt.UserID,
		ReadBy:    receipt.ReadBy,
	}}
}

func NewMessageNotification(m domain.Message) Envelope {
	return Envelope{Type: Notification, Data: NotificationPayload{
		Kind:  NotificationNewMessage,
		Text:  "New message from " + m.SenderDisplayName,
		RefID: m.ID.String(),
	}}
}

func NewError(code, message, command string) Envelope {
	return Envelope{Type: Error, Data: ErrorPayload{Code: code, Message: message, Command: command}}
}

// Clients iterate these arrays; an empty result must encode as [] not null.
func nonNil(messages []domain.Message) []domain.Message {
	if messages == nil {
		return []domain.Message{}
	}
	return messages
}
