// Package domain contains core concepts of the chat broker.
// No runtime, network, or storage logic should be added here.
package domain

type UserID string

type ConnectionID string

// Identity is the verified actor behind a connection. It is supplied by the
// identity collaborator and never changes for the lifetime of a session.
type Identity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Session is one authenticated connection.
type Session struct {
	ConnectionID ConnectionID
	UserID       UserID
	DisplayName  string
	CurrentRoom  *RoomName
}

func (s Session) Identity() Identity {
	return Identity{UserID: s.UserID, DisplayName: s.DisplayName}
}

// DirectoryEntry is a user listing enriched with presence.
type DirectoryEntry struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}
