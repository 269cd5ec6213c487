package runtime

import (
	"chat-broker/domain"
	"slices"

	"github.com/samber/lo"
)

type Set map[domain.ConnectionID]struct{}

// SessionRegistry owns the authenticated sessions and the presence derived
// from them: a user is online while at least one session exists.
// It is not safe for concurrent use, the engine loop owns it.
type SessionRegistry struct {
	sessions map[domain.ConnectionID]*domain.Session
	byUser   map[domain.UserID]Set
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[domain.ConnectionID]*domain.Session),
		byUser:   make(map[domain.UserID]Set),
	}
}

// Register creates the session of a connection and reports whether it is
// the first one of that user.
func (r *SessionRegistry) Register(conn domain.ConnectionID, identity domain.Identity) (*domain.Session, bool) {
	if session, ok := r.sessions[conn]; ok {
		return session, false
	}
	session := &domain.Session{
		ConnectionID: conn,
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
	}
	r.sessions[conn] = session

	conns, ok := r.byUser[identity.UserID]
	if !ok {
		conns = make(Set)
		r.byUser[identity.UserID] = conns
	}
	conns[conn] = struct{}{}
	return session, len(conns) == 1
}

// Unregister removes the session of a connection and reports whether it
// was the last one of that user. ok is false for unknown connections.
func (r *SessionRegistry) Unregister(conn domain.ConnectionID) (session domain.Session, last bool, ok bool) {
	s, ok := r.sessions[conn]
	if !ok {
		return domain.Session{}, false, false
	}
	delete(r.sessions, conn)

	conns := r.byUser[s.UserID]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.byUser, s.UserID)
		last = true
	}
	return *s, last, true
}

func (r *SessionRegistry) Get(conn domain.ConnectionID) (*domain.Session, bool) {
	s, ok := r.sessions[conn]
	return s, ok
}

func (r *SessionRegistry) IsOnline(user domain.UserID) bool {
	_, ok := r.byUser[user]
	return ok
}

// ListOnline returns the online users in a stable order.
func (r *SessionRegistry) ListOnline() []domain.UserID {
	users := lo.Keys(r.byUser)
	slices.Sort(users)
	return users
}

func (r *SessionRegistry) Connections(user domain.UserID) []domain.ConnectionID {
	return lo.Keys(r.byUser[user])
}

func (r *SessionRegistry) Count() int {
	return len(r.sessions)
}
