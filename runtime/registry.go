package runtime

import (
	"chat-broker/contract"
	"chat-broker/domain"
	"chat-broker/domain/event"
	"log/slog"
)

// Membership owns the room -> connections mapping and the outbound sink of
// every open connection. An absent room key is an empty room.
// It is not safe for concurrent use, the engine loop owns it.
type Membership struct {
	log      *slog.Logger
	sessions *SessionRegistry
	sinks    map[domain.ConnectionID]contract.EventSink
	rooms    map[domain.RoomName]Set
}

func NewMembership(sessions *SessionRegistry, log *slog.Logger) *Membership {
	return &Membership{
		log:      log,
		sessions: sessions,
		sinks:    make(map[domain.ConnectionID]contract.EventSink),
		rooms:    make(map[domain.RoomName]Set),
	}
}

// Attach registers the sink of a freshly opened connection.
func (m *Membership) Attach(conn domain.ConnectionID, sink contract.EventSink) {
	m.sinks[conn] = sink
}

// Detach forgets the connection sink and returns it for closing.
func (m *Membership) Detach(conn domain.ConnectionID) (contract.EventSink, bool) {
	sink, ok := m.sinks[conn]
	delete(m.sinks, conn)
	return sink, ok
}

// Join moves the connection to room, leaving its previous room. Joining the
// current room again changes nothing. The previous room is returned when
// the connection actually moved out of one.
func (m *Membership) Join(conn domain.ConnectionID, room domain.RoomName) *domain.RoomName {
	session, ok := m.sessions.Get(conn)
	if !ok {
		return nil
	}
	if session.CurrentRoom != nil && *session.CurrentRoom == room {
		return nil
	}
	previous := m.Leave(conn)

	members, ok := m.rooms[room]
	if !ok {
		members = make(Set)
		m.rooms[room] = members
	}
	members[conn] = struct{}{}
	session.CurrentRoom = &room
	return previous
}

// Leave detaches the connection from its room without joining another one.
func (m *Membership) Leave(conn domain.ConnectionID) *domain.RoomName {
	session, ok := m.sessions.Get(conn)
	if !ok || session.CurrentRoom == nil {
		return nil
	}
	previous := *session.CurrentRoom
	if members, ok := m.rooms[previous]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(m.rooms, previous)
		}
	}
	session.CurrentRoom = nil
	return &previous
}

func (m *Membership) IsIn(conn domain.ConnectionID, room domain.RoomName) bool {
	_, ok := m.rooms[room][conn]
	return ok
}

// UserIn reports whether any connection of user is attached to room.
func (m *Membership) UserIn(user domain.UserID, room domain.RoomName) bool {
	for _, conn := range m.sessions.Connections(user) {
		if m.IsIn(conn, room) {
			return true
		}
	}
	return false
}

func (m *Membership) Send(conn domain.ConnectionID, e event.Envelope) {
	sink, ok := m.sinks[conn]
	if !ok {
		return
	}
	if err := sink.Consume(e); err != nil {
		m.log.Debug("Event not delivered", "conn_id", conn, "event", e.Type, "error", err)
	}
}

// BroadcastToRoom delivers to every member connection except exclude.
func (m *Membership) BroadcastToRoom(room domain.RoomName, e event.Envelope, exclude domain.ConnectionID) {
	for conn := range m.rooms[room] {
		if conn == exclude {
			continue
		}
		m.Send(conn, e)
	}
}

// BroadcastToUser delivers to every session of the user.
func (m *Membership) BroadcastToUser(user domain.UserID, e event.Envelope) {
	for _, conn := range m.sessions.Connections(user) {
		m.Send(conn, e)
	}
}

// BroadcastAll delivers to every open connection, authenticated or not.
func (m *Membership) BroadcastAll(e event.Envelope) {
	for conn := range m.sinks {
		m.Send(conn, e)
	}
}

func (m *Membership) Rooms() int {
	return len(m.rooms)
}

func (m *Membership) Connections() int {
	return len(m.sinks)
}
