package runtime

import (
	"chat-broker/domain"
	"slices"
	"strings"
	"time"
)

type typingKey struct {
	user domain.UserID
	room domain.RoomName
}

// TypingTracker is the idle -> typing -> idle state machine of every
// (user, room) pair. Only transitions are reported so that callers
// broadcast once per change.
type TypingTracker struct {
	ttl     time.Duration
	entries map[typingKey]domain.TypingEntry
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{ttl: ttl, entries: make(map[typingKey]domain.TypingEntry)}
}

// Start marks the user as typing until now+ttl and reports whether the
// pair was idle before. A repeated start only refreshes the expiry.
func (t *TypingTracker) Start(identity domain.Identity, room domain.RoomName, now time.Time) bool {
	key := typingKey{user: identity.UserID, room: room}
	_, typing := t.entries[key]
	t.entries[key] = domain.TypingEntry{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Room:        room,
		ExpiresAt:   now.Add(t.ttl),
	}
	return !typing
}

// Stop reports whether the user was typing.
func (t *TypingTracker) Stop(user domain.UserID, room domain.RoomName) bool {
	key := typingKey{user: user, room: room}
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// Expire removes and returns every entry whose expiry is not after now.
func (t *TypingTracker) Expire(now time.Time) []domain.TypingEntry {
	var expired []domain.TypingEntry
	for key, entry := range t.entries {
		if !entry.ExpiresAt.After(now) {
			expired = append(expired, entry)
			delete(t.entries, key)
		}
	}
	sortEntries(expired)
	return expired
}

// Entries lists the rooms the user is currently typing in.
func (t *TypingTracker) Entries(user domain.UserID) []domain.TypingEntry {
	var entries []domain.TypingEntry
	for key, entry := range t.entries {
		if key.user == user {
			entries = append(entries, entry)
		}
	}
	sortEntries(entries)
	return entries
}

func (t *TypingTracker) Len() int {
	return len(t.entries)
}

func sortEntries(entries []domain.TypingEntry) {
	slices.SortFunc(entries, func(a, b domain.TypingEntry) int {
		if c := strings.Compare(string(a.Room), string(b.Room)); c != 0 {
			return c
		}
		return strings.Compare(string(a.UserID), string(b.UserID))
	})
}
