package domain

import (
	"slices"
	"strconv"
)

type RoomName string

type ScopeKind string

const (
	ScopeRoom   ScopeKind = "room"
	ScopeDirect ScopeKind = "direct"
)

// Scope is the addressing target of a message: a room or a direct recipient.
type Scope struct {
	Kind        ScopeKind `json:"kind"`
	RoomName    RoomName  `json:"roomName,omitempty"`
	RecipientID UserID    `json:"recipientId,omitempty"`
}

func RoomScope(room RoomName) Scope {
	return Scope{Kind: ScopeRoom, RoomName: room}
}

func DirectScope(recipient UserID) Scope {
	return Scope{Kind: ScopeDirect, RecipientID: recipient}
}

func (s Scope) IsDirect() bool {
	return s.Kind == ScopeDirect
}

// Conversation is the paging scope: a room, or the unordered pair of users
// of a direct exchange.
type Conversation struct {
	Room  RoomName
	Peers [2]UserID
}

func RoomConversation(room RoomName) Conversation {
	return Conversation{Room: room}
}

// DirectConversation builds the pair in canonical order so that (a, b) and
// (b, a) address the same history.
func DirectConversation(a, b UserID) Conversation {
	peers := []UserID{a, b}
	slices.Sort(peers)
	return Conversation{Peers: [2]UserID{peers[0], peers[1]}}
}

func (c Conversation) IsDirect() bool {
	return c.Room == "" && c.Peers[0] != ""
}

// Includes reports whether the user is one side of a direct conversation.
func (c Conversation) Includes(user UserID) bool {
	return c.Peers[0] == user || c.Peers[1] == user
}

// Key is the storage prefix of the conversation. Names are quoted so that a
// room called `a":b` can never share a prefix with room `a`.
func (c Conversation) Key() string {
	if c.IsDirect() {
		return "dm:" + strconv.Quote(string(c.Peers[0])) + ":" + strconv.Quote(string(c.Peers[1]))
	}
	return "room:" + strconv.Quote(string(c.Room))
}
