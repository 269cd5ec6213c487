package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// File is the opaque descriptor of a shared payload. The broker never reads
// the bytes behind BlobRef.
type File struct {
	Name     string `json:"fileName"`
	BlobRef  string `json:"fileBlobRef"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an entry of the append-only log. ReadBy and Reactions are the
// only fields that change after append.
type Message struct {
	ID                uuid.UUID         `json:"id"`
	SenderID          UserID            `json:"senderId"`
	SenderDisplayName string            `json:"senderDisplayName"`
	Content           string            `json:"content"`
	Kind              MessageKind       `json:"kind"`
	File              *File             `json:"file,omitempty"`
	Language          string            `json:"language,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Scope             Scope             `json:"scope"`
	ReadBy            ReadSet           `json:"readBy"`
	Reactions         map[UserID]string `json:"reactions"`
}

// Draft is what a sender submits; the log assigns identity and time.
type Draft struct {
	Sender   Identity
	Content  string
	Kind     MessageKind
	File     *File
	Language string
	Scope    Scope
}

// Conversation returns the paging scope the message belongs to.
func (m Message) Conversation() Conversation {
	if m.Scope.IsDirect() {
		return DirectConversation(m.SenderID, m.Scope.RecipientID)
	}
	return RoomConversation(m.Scope.RoomName)
}

// VisibleTo reports whether user may see the message. Direct messages are
// restricted to their two parties; room messages are visible to anyone who
// has ever joined the room, as answered by joined.
func (m Message) VisibleTo(user UserID, joined func(RoomName) bool) bool {
	if m.SenderID == user {
		return true
	}
	if m.Scope.IsDirect() {
		return m.Scope.RecipientID == user
	}
	return joined != nil && joined(m.Scope.RoomName)
}

// Participants lists the users notified individually for a direct message.
func (m Message) Participants() []UserID {
	return lo.Uniq([]UserID{m.SenderID, m.Scope.RecipientID})
}

// Clone returns a deep copy so callers cannot alias the log's maps.
func (m Message) Clone() Message {
	c := m
	c.ReadBy = make(ReadSet, len(m.ReadBy))
	for u := range m.ReadBy {
		c.ReadBy[u] = struct{}{}
	}
	c.Reactions = make(map[UserID]string, len(m.Reactions))
	for u, e := range m.Reactions {
		c.Reactions[u] = e
	}
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	return c
}

// ReadSet is the set of users who have read a message.
type ReadSet map[UserID]struct{}

func NewReadSet(users ...UserID) ReadSet {
	s := make(ReadSet, len(users))
	for _, u := range users {
		s[u] = struct{}{}
	}
	return s
}

func (s ReadSet) Has(user UserID) bool {
	_, ok := s[user]
	return ok
}

// Add inserts user and reports whether the set changed.
func (s ReadSet) Add(user UserID) bool {
	if s.Has(user) {
		return false
	}
	s[user] = struct{}{}
	return true
}

func (s ReadSet) Sorted() []UserID {
	users := lo.Keys(map[UserID]struct{}(s))
	slices.Sort(users)
	return users
}

func (s ReadSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *ReadSet) UnmarshalJSON(data []byte) error {
	var users []UserID
	if err := json.Unmarshal(data, &users); err != nil {
		return err
	}
	*s = NewReadSet(users...)
	return nil
}

// ReadReceipt is the outcome of a mark-read. Changed is false for a repeat.
type ReadReceipt struct {
	MessageID uuid.UUID
	UserID    UserID
	ReadBy    []UserID
	Changed   bool
}

// ReactionState is the single entry touched by a reaction.
type ReactionState struct {
	MessageID uuid.UUID
	UserID    UserID
	Emoji     string
	Changed   bool
}

// Page is one slice of a conversation history, oldest first.
type Page struct {
	Messages   []Message
	HasMore    bool
	NextCursor *time.Time
}
