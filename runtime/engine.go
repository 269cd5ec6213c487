// Package runtime serializes every change of broker state. Connections,
// inbound commands, presence queries and typing expiry all go through the
// single Engine loop, so the registries it owns need no locking.
package runtime

import (
	"chat-broker/contract"
	"chat-broker/domain"
	"chat-broker/domain/event"
	"chat-broker/errors"
	"chat-broker/observability"
	"chat-broker/repositories"
	"chat-broker/services"
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultRoom domain.RoomName = "global"

// IdentityGate verifies the token presented by a connection.
type IdentityGate interface {
	Authenticate(token string) (domain.Identity, error)
}

// ContentFilter rewrites a draft before it is appended.
type ContentFilter interface {
	Apply(draft domain.Draft) domain.Draft
}

type requestKind int

const (
	connectRequest requestKind = iota
	disconnectRequest
	frameRequest
	presenceRequest
)

type request struct {
	kind     requestKind
	conn     domain.ConnectionID
	sink     contract.EventSink
	frame    []byte
	presence chan observability.Presence
	online   chan map[domain.UserID]struct{}
}

type Engine struct {
	log        *slog.Logger
	requests   chan request
	gate       IdentityGate
	messages   services.IMessageLog
	mutations  services.IMutationEngine
	roster     repositories.IRosterRepository
	filter     ContentFilter
	monitoring *observability.MonitoringManager

	sessions   *SessionRegistry
	membership *Membership
	typing     *TypingTracker
	joined     map[domain.UserID]map[domain.RoomName]struct{}

	now           func() time.Time
	sweepInterval time.Duration
	maxContent    int
	ctx           context.Context
}

type Config struct {
	BufferSize    int
	TypingTTL     time.Duration
	SweepInterval time.Duration

	// MaxContentLength caps text messages in runes. Zero keeps the command limit.
	MaxContentLength int
}

func NewEngine(
	log *slog.Logger,
	gate IdentityGate,
	messages services.IMessageLog,
	mutations services.IMutationEngine,
	roster repositories.IRosterRepository,
	filter ContentFilter,
	monitoring *observability.MonitoringManager,
	config Config,
) *Engine {
	sessions := NewSessionRegistry()
	return &Engine{
		log:           log,
		requests:      make(chan request, config.BufferSize),
		gate:          gate,
		messages:      messages,
		mutations:     mutations,
		roster:        roster,
		filter:        filter,
		monitoring:    monitoring,
		sessions:      sessions,
		membership:    NewMembership(sessions, log),
		typing:        NewTypingTracker(config.TypingTTL),
		joined:        make(map[domain.UserID]map[domain.RoomName]struct{}),
		now:           time.Now,
		sweepInterval: config.SweepInterval,
		maxContent:    config.MaxContentLength,
		ctx:           context.Background(),
	}
}

// Run processes requests one at a time until ctx is cancelled. State lives
// in the Engine, so a restart after a panic resumes where it stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("Stopping engine")
			return ctx.Err()
		case req := <-e.requests:
			e.process(req)
		case now := <-ticker.C:
			e.sweepTyping(now)
		}
	}
}

func (e *Engine) process(req request) {
	switch req.kind {
	case connectRequest:
		e.connect(req.conn, req.sink)
	case disconnectRequest:
		e.disconnect(req.conn)
	case frameRequest:
		e.handleFrame(req.conn, req.frame)
	case presenceRequest:
		if req.presence != nil {
			req.presence <- e.presence()
		}
		if req.online != nil {
			online := make(map[domain.UserID]struct{})
			for _, user := range e.sessions.ListOnline() {
				online[user] = struct{}{}
			}
			req.online <- online
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, req request) error {
	select {
	case e.requests <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errors.ErrEngineStopped, ctx.Err())
	}
}

// Connect attaches the outbound sink of a new, unauthenticated connection.
func (e *Engine) Connect(ctx context.Context, conn domain.ConnectionID, sink contract.EventSink) error {
	return e.enqueue(ctx, request{kind: connectRequest, conn: conn, sink: sink})
}

// Disconnect runs the full cleanup of a connection: membership, typing,
// session and presence. It must be called on every termination path.
func (e *Engine) Disconnect(ctx context.Context, conn domain.ConnectionID) error {
	return e.enqueue(ctx, request{kind: disconnectRequest, conn: conn})
}

// Deliver hands an inbound frame to the loop. Frames of one connection are
// processed in the order they are delivered.
func (e *Engine) Deliver(ctx context.Context, conn domain.ConnectionID, frame []byte) error {
	return e.enqueue(ctx, request{kind: frameRequest, conn: conn, frame: frame})
}

// Online returns the set of users holding at least one session.
func (e *Engine) Online(ctx context.Context) (map[domain.UserID]struct{}, error) {
	reply := make(chan map[domain.UserID]struct{}, 1)
	if err := e.enqueue(ctx, request{kind: presenceRequest, online: reply}); err != nil {
		return nil, err
	}
	select {
	case online := <-reply:
		return online, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errors.ErrEngineStopped, ctx.Err())
	}
}

// Presence returns the live counts used by the stats endpoint.
func (e *Engine) Presence(ctx context.Context) (observability.Presence, error) {
	reply := make(chan observability.Presence, 1)
	if err := e.enqueue(ctx, request{kind: presenceRequest, presence: reply}); err != nil {
		return observability.Presence{}, err
	}
	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return observability.Presence{}, fmt.Errorf("%w: %v", errors.ErrEngineStopped, ctx.Err())
	}
}

func (e *Engine) presence() observability.Presence {
	return observability.Presence{
		OnlineUsers: len(e.sessions.ListOnline()),
		Sessions:    e.sessions.Count(),
		Connections: e.membership.Connections(),
		Rooms:       e.membership.Rooms(),
		Typing:      e.typing.Len(),
	}
}

func (e *Engine) connect(conn domain.ConnectionID, sink contract.EventSink) {
	e.membership.Attach(conn, sink)
	e.monitoring.ConnectionsOpened.Add(1)
	e.log.Debug("Connection opened", "conn_id", conn)
}

func (e *Engine) disconnect(conn domain.ConnectionID) {
	if sink, ok := e.membership.Detach(conn); ok {
		sink.Close()
	}
	e.membership.Leave(conn)

	session, last, ok := e.sessions.Unregister(conn)
	if !ok {
		e.log.Debug("Unauthenticated connection closed", "conn_id", conn)
		return
	}

	// Nothing left of this user in a room means nobody can still be typing there
	for _, entry := range e.typing.Entries(session.UserID) {
		if !e.membership.UserIn(session.UserID, entry.Room) {
			e.stopTyping(entry.Identity(), entry.Room, "")
		}
	}

	if last {
		delete(e.joined, session.UserID)
		e.membership.BroadcastAll(event.NewUserOffline(session.Identity()))
	}
	e.log.Debug("Connection closed", "conn_id", conn, "user_id", session.UserID, "last", last)
}

func (e *Engine) sweepTyping(now time.Time) {
	for _, entry := range e.typing.Expire(now) {
		e.membership.BroadcastToRoom(entry.Room, event.NewUserTyping(entry.Identity(), entry.Room, false), "")
	}
}

func (e *Engine) stopTyping(identity domain.Identity, room domain.RoomName, exclude domain.ConnectionID) {
	if e.typing.Stop(identity.UserID, room) {
		e.membership.BroadcastToRoom(room, event.NewUserTyping(identity, room, false), exclude)
	}
}

// hasJoined answers room visibility from the persisted roster, cached per
// online user.
func (e *Engine) hasJoined(user domain.UserID, room domain.RoomName) bool {
	rooms, ok := e.joined[user]
	if !ok {
		stored, err := e.roster.Rooms(user)
		if err != nil {
			e.log.Error("Unable to load roster", "user_id", user, "error", err)
			return false
		}
		rooms = make(map[domain.RoomName]struct{}, len(stored))
		for _, r := range stored {
			rooms[r] = struct{}{}
		}
		e.joined[user] = rooms
	}
	_, ok = rooms[room]
	return ok
}

func (e *Engine) joinedBy(user domain.UserID) func(domain.RoomName) bool {
	return func(room domain.RoomName) bool { return e.hasJoined(user, room) }
}

func (e *Engine) recordJoin(user domain.UserID, room domain.RoomName) error {
	if e.hasJoined(user, room) {
		return nil
	}
	if err := e.roster.Record(user, room); err != nil {
		return err
	}
	rooms, ok := e.joined[user]
	if !ok {
		rooms = make(map[domain.RoomName]struct{})
		e.joined[user] = rooms
	}
	rooms[room] = struct{}{}
	return nil
}
