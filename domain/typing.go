package domain

import "time"

// TypingEntry is the transient "is typing" state of a user in a room.
type TypingEntry struct {
	UserID      UserID
	DisplayName string
	Room        RoomName
	ExpiresAt   time.Time
}

func (t TypingEntry) Identity() Identity {
	return Identity{UserID: t.UserID, DisplayName: t.DisplayName}
}
