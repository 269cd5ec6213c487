package runtime

import (
	"chat-broker/auth"
	"chat-broker/domain"
	"chat-broker/domain/event"
	"chat-broker/errors"
	"chat-broker/observability"
	"chat-broker/repositories"
	"chat-broker/services"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

// recordingSink keeps every event it is handed.
type recordingSink struct {
	mu     sync.Mutex
	events []event.Envelope
	closed bool
}

func (s *recordingSink) Consume(e event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSinkClosed
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) ofType(t event.Type) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.events, func(e event.Envelope, _ int) bool { return e.Type == t })
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type harness struct {
	t        *testing.T
	engine   *Engine
	tokens   auth.Tokens
	messages *services.MessageLog
	clock    time.Time
	sinks    map[domain.ConnectionID]*recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	repository := repositories.NewMessageRepository(db, log)
	messages, err := services.NewMessageLog(repository, repositories.NewSearchIndex(writer, log), log)
	require.NoError(t, err)

	tokens := auth.NewTokens("engine-test-secret", time.Hour)
	h := &harness{
		t:        t,
		tokens:   tokens,
		messages: messages,
		clock:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		sinks:    make(map[domain.ConnectionID]*recordingSink),
	}
	h.engine = NewEngine(log,
		auth.NewGate(tokens),
		messages,
		services.NewMutationEngine(repository, log),
		repositories.NewRosterRepository(db),
		nil,
		observability.NewMonitoringManager(log),
		Config{BufferSize: 16, TypingTTL: 5 * time.Second, SweepInterval: time.Second},
	)
	h.engine.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) connect(conn domain.ConnectionID) *recordingSink {
	sink := &recordingSink{}
	h.sinks[conn] = sink
	h.engine.connect(conn, sink)
	return sink
}

func (h *harness) send(conn domain.ConnectionID, name string, data any) {
	frame, err := json.Marshal(map[string]any{"type": name, "data": data})
	require.NoError(h.t, err)
	h.engine.handleFrame(conn, frame)
}

func (h *harness) token(user domain.UserID) string {
	token, err := h.tokens.GenerateToken(domain.Identity{UserID: user, DisplayName: string(user)})
	require.NoError(h.t, err)
	return token
}

// login connects and authenticates a connection of user.
func (h *harness) login(conn domain.ConnectionID, user domain.UserID) *recordingSink {
	sink := h.connect(conn)
	h.send(conn, "authenticate", map[string]any{"token": h.token(user)})
	replies := sink.ofType(event.Authenticated)
	require.Len(h.t, replies, 1)
	require.True(h.t, replies[0].Data.(event.AuthenticatedPayload).OK)
	return sink
}

func (h *harness) resetAll() {
	for _, sink := range h.sinks {
		sink.reset()
	}
}

func lastError(t *testing.T, sink *recordingSink) event.ErrorPayload {
	t.Helper()
	errs := sink.ofType(event.Error)
	require.NotEmpty(t, errs)
	return errs[len(errs)-1].Data.(event.ErrorPayload)
}

func TestEngine_Authentication(t *testing.T) {
	h := newHarness(t)
	sink := h.connect("c1")

	t.Run("Commands before authentication are refused", func(t *testing.T) {
		req := require.New(t)
		h.send("c1", "join_room", map[string]any{"roomName": "general"})
		req.Equal(errors.CodeAuth, lastError(t, sink).Code)
		req.Empty(sink.ofType(event.JoinedRoom))
	})

	t.Run("A bad token keeps the connection unauthenticated", func(t *testing.T) {
		req := require.New(t)
		h.send("c1", "authenticate", map[string]any{"token": "forged"})
		replies := sink.ofType(event.Authenticated)
		req.Len(replies, 1)
		req.False(replies[0].Data.(event.AuthenticatedPayload).OK)
		req.False(h.engine.sessions.IsOnline("alice"))
	})

	t.Run("Retry succeeds", func(t *testing.T) {
		req := require.New(t)
		h.send("c1", "authenticate", map[string]any{"token": h.token("alice")})
		replies := sink.ofType(event.Authenticated)
		req.Len(replies, 2)
		req.True(replies[1].Data.(event.AuthenticatedPayload).OK)
		req.True(h.engine.sessions.IsOnline("alice"))
	})

	t.Run("Authenticating twice is a validation error", func(t *testing.T) {
		req := require.New(t)
		h.send("c1", "authenticate", map[string]any{"token": h.token("bob")})
		errPayload := lastError(t, sink)
		req.Equal(errors.CodeValidation, errPayload.Code)
		req.Equal("authenticate", errPayload.Command)
		req.False(h.engine.sessions.IsOnline("bob"))
	})

	t.Run("Malformed frames and unknown commands", func(t *testing.T) {
		req := require.New(t)
		h.engine.handleFrame("c1", []byte("{not json"))
		req.Equal(errors.CodeValidation, lastError(t, sink).Code)
		h.send("c1", "teleport", map[string]any{})
		req.Equal(errors.CodeValidation, lastError(t, sink).Code)
		h.send("c1", "send_message", map[string]any{"content": "   "})
		req.Equal(errors.CodeValidation, lastError(t, sink).Code)
	})
}

func TestEngine_Presence_Is_Per_User(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	observer := h.login("o1", "observer")
	h.login("a1", "alice")
	h.login("a2", "alice")
	req.Len(observer.ofType(event.UserOnline), 2, "observer and alice once")

	h.engine.disconnect("a1")
	req.Empty(observer.ofType(event.UserOffline))
	req.True(h.engine.sessions.IsOnline("alice"))

	h.engine.disconnect("a2")
	offline := observer.ofType(event.UserOffline)
	req.Len(offline, 1)
	req.Equal(domain.UserID("alice"), offline[0].Data.(event.PresencePayload).UserID)
	req.False(h.engine.sessions.IsOnline("alice"))
	req.True(h.sinks["a2"].closed)

	// A second disconnect of the same connection changes nothing
	h.engine.disconnect("a2")
	req.Len(observer.ofType(event.UserOffline), 1)
}

func TestEngine_Room_Message_And_Read_Receipt(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.login("a1", "alice")
	bob := h.login("b1", "bob")
	h.send("a1", "join_room", map[string]any{"roomName": "general"})
	h.send("b1", "join_room", map[string]any{"roomName": "general"})
	req.Len(alice.ofType(event.JoinedRoom), 1)

	h.send("a1", "send_message", map[string]any{"content": "hello"})

	received := bob.ofType(event.ReceiveMessage)
	req.Len(received, 1)
	message := received[0].Data.(domain.Message)
	req.Equal("hello", message.Content)
	req.Equal([]domain.UserID{"alice"}, message.ReadBy.Sorted())
	req.Equal(domain.RoomScope("general"), message.Scope)
	req.Len(alice.ofType(event.ReceiveMessage), 1)

	h.send("b1", "mark_read", map[string]any{"messageId": message.ID.String()})
	for _, sink := range []*recordingSink{alice, bob} {
		reads := sink.ofType(event.MessageRead)
		req.Len(reads, 1)
		req.Equal([]domain.UserID{"alice", "bob"}, reads[0].Data.(event.ReadPayload).ReadBy)
	}

	// Idempotent: no second notification
	h.send("b1", "mark_read", map[string]any{"messageId": message.ID.String()})
	req.Len(alice.ofType(event.MessageRead), 1)
	req.Len(bob.ofType(event.MessageRead), 1)
	req.Empty(bob.ofType(event.Error))
}

func TestEngine_Direct_Message_To_Offline_User(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.login("a1", "alice")

	h.send("a1", "send_message", map[string]any{"content": "see you later", "recipientId": "bob"})
	req.Len(alice.ofType(event.ReceiveMessage), 1)
	req.Empty(alice.ofType(event.Notification), "the sender is not notified")

	bob := h.login("b1", "bob")
	h.send("b1", "get_messages", map[string]any{"scope": map[string]any{"userId": "alice"}})
	history := bob.ofType(event.MessagesHistory)
	req.Len(history, 1)
	payload := history[0].Data.(event.HistoryPayload)
	req.Len(payload.Messages, 1)
	req.Equal("see you later", payload.Messages[0].Content)
	req.False(payload.HasMore)

	t.Run("Online recipient gets a notification on every device", func(t *testing.T) {
		req := require.New(t)
		phone := h.login("b2", "bob")
		h.send("a1", "send_message", map[string]any{"content": "ping", "recipientId": "bob"})
		for _, sink := range []*recordingSink{bob, phone} {
			req.Len(sink.ofType(event.ReceiveMessage), 1)
			notifications := sink.ofType(event.Notification)
			req.Len(notifications, 1)
			req.Equal("New message from alice", notifications[0].Data.(event.NotificationPayload).Text)
		}
	})

	t.Run("A third user sees nothing", func(t *testing.T) {
		req := require.New(t)
		carol := h.login("c1", "carol")
		h.send("c1", "get_messages", map[string]any{"scope": map[string]any{"userId": "alice"}})
		req.Empty(carol.ofType(event.MessagesHistory)[0].Data.(event.HistoryPayload).Messages)
		h.send("c1", "search_messages", map[string]any{"query": "later"})
		req.Empty(carol.ofType(event.SearchResults)[0].Data.(event.SearchResultsPayload).Messages)
		h.send("b1", "search_messages", map[string]any{"query": "LATER"})
		req.Len(bob.ofType(event.SearchResults)[0].Data.(event.SearchResultsPayload).Messages, 1)
	})
}

func TestEngine_Typing(t *testing.T) {
	h := newHarness(t)
	alice := h.login("a1", "alice")
	bob := h.login("b1", "bob")
	h.send("a1", "join_room", map[string]any{"roomName": "general"})
	h.send("b1", "join_room", map[string]any{"roomName": "general"})

	typing := func(sink *recordingSink) []bool {
		return lo.Map(sink.ofType(event.UserTyping), func(e event.Envelope, _ int) bool {
			return e.Data.(event.TypingPayload).IsTyping
		})
	}

	t.Run("Only transitions are broadcast", func(t *testing.T) {
		req := require.New(t)
		h.send("a1", "typing_start", map[string]any{"roomName": "general"})
		h.send("a1", "typing_start", map[string]any{"roomName": "general"})
		h.send("a1", "typing_start", map[string]any{})
		req.Equal([]bool{true}, typing(bob))
		req.Empty(typing(alice), "the typist does not hear itself")

		h.send("a1", "typing_stop", map[string]any{"roomName": "general"})
		h.send("a1", "typing_stop", map[string]any{"roomName": "general"})
		req.Equal([]bool{true, false}, typing(bob))
	})

	t.Run("Expiry stops a forgotten indicator", func(t *testing.T) {
		req := require.New(t)
		bob.reset()
		h.send("a1", "typing_start", map[string]any{"roomName": "general"})
		h.engine.sweepTyping(h.clock.Add(4 * time.Second))
		req.Equal([]bool{true}, typing(bob))
		h.engine.sweepTyping(h.clock.Add(5 * time.Second))
		req.Equal([]bool{true, false}, typing(bob))
	})

	t.Run("Disconnect stops typing", func(t *testing.T) {
		req := require.New(t)
		bob.reset()
		h.send("a1", "typing_start", map[string]any{"roomName": "general"})
		h.engine.disconnect("a1")
		req.Equal([]bool{true, false}, typing(bob))
		req.Zero(h.engine.typing.Len())
	})

	t.Run("Typing in a room never joined", func(t *testing.T) {
		req := require.New(t)
		h.send("b1", "typing_start", map[string]any{"roomName": "secret"})
		req.Equal(errors.CodeNotAMember, lastError(t, bob).Code)
	})
}

func TestEngine_Reactions(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.login("a1", "alice")
	bob := h.login("b1", "bob")
	h.send("a1", "join_room", map[string]any{"roomName": "general"})
	h.send("b1", "join_room", map[string]any{"roomName": "general"})
	h.send("a1", "send_message", map[string]any{"content": "vote"})
	message := alice.ofType(event.ReceiveMessage)[0].Data.(domain.Message)

	h.send("b1", "add_reaction", map[string]any{"messageId": message.ID.String(), "emoji": "👍"})
	h.send("b1", "add_reaction", map[string]any{"messageId": message.ID.String(), "emoji": "❤️"})
	h.send("b1", "add_reaction", map[string]any{"messageId": message.ID.String(), "emoji": "❤️"})

	reactions := alice.ofType(event.ReactionAdded)
	req.Len(reactions, 2)
	req.Equal("❤️", reactions[1].Data.(event.ReactionPayload).Emoji)

	stored, err := h.messages.Get(message.ID)
	req.NoError(err)
	req.Equal(map[domain.UserID]string{"bob": "❤️"}, stored.Reactions)

	t.Run("Unknown message", func(t *testing.T) {
		h.send("b1", "add_reaction", map[string]any{"messageId": uuid.NewString(), "emoji": "👍"})
		require.Equal(t, errors.CodeNotFound, lastError(t, bob).Code)
		h.send("b1", "mark_read", map[string]any{"messageId": uuid.NewString()})
		require.Equal(t, errors.CodeNotFound, lastError(t, bob).Code)
	})

	t.Run("Outsider", func(t *testing.T) {
		carol := h.login("c1", "carol")
		h.send("c1", "add_reaction", map[string]any{"messageId": message.ID.String(), "emoji": "👎"})
		require.Equal(t, errors.CodeNotAMember, lastError(t, carol).Code)
		require.Len(t, alice.ofType(event.ReactionAdded), 2)
	})
}

func TestEngine_Pagination_Over_The_Wire(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.login("a1", "alice")
	h.send("a1", "join_room", map[string]any{"roomName": "general"})
	for i := 0; i < 7; i++ {
		h.send("a1", "send_message", map[string]any{"content": fmt.Sprintf("m%d", i)})
	}

	var contents []string
	var cursor *time.Time
	for pages := 1; ; pages++ {
		data := map[string]any{"scope": map[string]any{"roomName": "general"}, "limit": 3}
		if cursor != nil {
			data["beforeCursor"] = cursor
		}
		alice.reset()
		h.send("a1", "get_messages", data)
		payload := alice.ofType(event.MessagesHistory)[0].Data.(event.HistoryPayload)
		contents = append(lo.Map(payload.Messages, func(m domain.Message, _ int) string { return m.Content }), contents...)
		if !payload.HasMore {
			req.Equal(3, pages)
			break
		}
		cursor = payload.NextCursor
	}
	req.Equal([]string{"m0", "m1", "m2", "m3", "m4", "m5", "m6"}, contents)

	h.send("a1", "get_messages", map[string]any{"scope": map[string]any{"roomName": "general"}, "limit": 0})
	req.Equal(errors.CodeValidation, lastError(t, alice).Code)
	h.send("a1", "get_messages", map[string]any{"scope": map[string]any{"roomName": "elsewhere"}})
	req.Equal(errors.CodeNotAMember, lastError(t, alice).Code)
}

type failingLog struct {
	services.IMessageLog
}

func (failingLog) Append(domain.Draft) (domain.Message, error) {
	return domain.Message{}, fmt.Errorf("disk full")
}

func TestEngine_Failed_Send_Does_Not_Join_Room(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.engine.messages = failingLog{IMessageLog: h.messages}
	sink := h.login("c1", "alice")

	h.send("c1", "send_message", map[string]any{"content": "hello", "roomName": "lobby"})

	req.Equal(errors.CodeInternal, lastError(t, sink).Code)
	req.Empty(sink.ofType(event.ReceiveMessage))
	req.False(h.engine.hasJoined("alice", "lobby"))
	rooms, err := h.engine.roster.Rooms("alice")
	req.NoError(err)
	req.NotContains(rooms, domain.RoomName("lobby"))
}

func TestEngine_Default_Room(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.login("a1", "alice")

	h.send("a1", "send_message", map[string]any{"content": "anyone?"})

	received := alice.ofType(event.ReceiveMessage)
	req.Len(received, 1, "a sender outside the room still sees its message")
	req.Equal(DefaultRoom, received[0].Data.(domain.Message).Scope.RoomName)

	h.send("a1", "get_messages", map[string]any{"scope": map[string]any{}})
	history := alice.ofType(event.MessagesHistory)
	req.Len(history, 1)
	req.Len(history[0].Data.(event.HistoryPayload).Messages, 1)
}

func TestEngine_Run_Loop(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	sink := &recordingSink{}
	req.NoError(h.engine.Connect(ctx, "c1", sink))
	frame, err := json.Marshal(map[string]any{"type": "authenticate", "data": map[string]any{"token": h.token("alice")}})
	req.NoError(err)
	req.NoError(h.engine.Deliver(ctx, "c1", frame))

	online, err := h.engine.Online(ctx)
	req.NoError(err)
	req.Contains(online, domain.UserID("alice"))

	presence, err := h.engine.Presence(ctx)
	req.NoError(err)
	req.Equal(1, presence.OnlineUsers)
	req.Equal(1, presence.Connections)

	req.NoError(h.engine.Disconnect(ctx, "c1"))
	online, err = h.engine.Online(ctx)
	req.NoError(err)
	req.Empty(online)

	cancel()
	req.ErrorIs(<-done, context.Canceled)

	_, err = h.engine.Online(ctx)
	req.ErrorIs(err, errors.ErrEngineStopped)
}
