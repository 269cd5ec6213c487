package runtime

import (
	"chat-broker/domain"
	"chat-broker/domain/command"
	"chat-broker/domain/event"
	"chat-broker/errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// handleFrame routes one inbound frame. Every rejection ends with exactly
// one error event to the originating connection and nothing else.
func (e *Engine) handleFrame(conn domain.ConnectionID, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Command handler panicked", "conn_id", conn, "panic", r)
			e.reject(conn, "", fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r))
		}
	}()

	in, err := command.Parse(frame)
	if err != nil {
		e.reject(conn, "", err)
		return
	}

	session, authenticated := e.sessions.Get(conn)
	if in.Type == command.Authenticate {
		e.authenticate(conn, in.Data, authenticated)
		return
	}
	if !authenticated {
		e.reject(conn, in.Type, fmt.Errorf("%w: authenticate first", errors.ErrUnauthenticated))
		return
	}

	switch in.Type {
	case command.JoinRoom:
		err = e.joinRoom(session, in.Data)
	case command.SendMessage:
		err = e.sendMessage(session, in.Data)
	case command.SendFile:
		err = e.sendFile(session, in.Data)
	case command.TypingStart:
		err = e.typingStart(session, in.Data)
	case command.TypingStop:
		err = e.typingStop(session, in.Data)
	case command.MarkRead:
		err = e.markRead(session, in.Data)
	case command.AddReaction:
		err = e.addReaction(session, in.Data)
	case command.GetMessages:
		err = e.getMessages(session, in.Data)
	case command.SearchMessages:
		err = e.searchMessages(session, in.Data)
	default:
		err = fmt.Errorf("%w: unknown command %q", errors.ErrValidation, in.Type)
	}
	if err != nil {
		e.reject(conn, in.Type, err)
	}
}

func (e *Engine) reject(conn domain.ConnectionID, name command.Name, err error) {
	e.monitoring.CommandsRejected.Add(1)
	code := errors.Code(err)
	message := err.Error()
	if code == errors.CodeInternal {
		e.log.Error("Command failed", "conn_id", conn, "command", name, "error", err)
		message = "internal error"
	} else {
		e.log.Debug("Command rejected", "conn_id", conn, "command", name, "error", err)
	}
	e.membership.Send(conn, event.NewError(code, message, string(name)))
}

// authenticate leaves the connection untouched on failure so the client can retry.
func (e *Engine) authenticate(conn domain.ConnectionID, data []byte, authenticated bool) {
	if authenticated {
		e.reject(conn, command.Authenticate, fmt.Errorf("%w: already authenticated", errors.ErrValidation))
		return
	}
	payload, err := command.Decode[command.AuthenticatePayload](data)
	if err != nil {
		e.membership.Send(conn, event.NewAuthenticationFailed("token is required"))
		return
	}
	identity, err := e.gate.Authenticate(payload.Token)
	if err != nil {
		e.log.Debug("Authentication failed", "conn_id", conn, "error", err)
		e.membership.Send(conn, event.NewAuthenticationFailed("invalid token"))
		return
	}

	session, first := e.sessions.Register(conn, identity)
	e.membership.Send(conn, event.NewAuthenticated(session.Identity()))
	if first {
		e.membership.BroadcastAll(event.NewUserOnline(session.Identity()))
	}
	e.log.Info("User authenticated", "conn_id", conn, "user_id", identity.UserID, "first_session", first)
}

func (e *Engine) joinRoom(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.JoinRoomPayload](data)
	if err != nil {
		return err
	}
	room := domain.RoomName(payload.RoomName)
	if err := e.recordJoin(session.UserID, room); err != nil {
		return err
	}

	if previous := e.membership.Join(session.ConnectionID, room); previous != nil {
		if !e.membership.UserIn(session.UserID, *previous) {
			e.stopTyping(session.Identity(), *previous, session.ConnectionID)
		}
	}
	e.membership.Send(session.ConnectionID, event.NewJoinedRoom(room))
	return nil
}

// resolveScope picks the target of a send: the recipient, the named room,
// the current room, or the default room, in that order.
func (e *Engine) resolveScope(session *domain.Session, room, recipient string) domain.Scope {
	if recipient != "" {
		return domain.DirectScope(domain.UserID(recipient))
	}
	return domain.RoomScope(e.resolveRoom(session, room))
}

func (e *Engine) resolveRoom(session *domain.Session, room string) domain.RoomName {
	switch {
	case room != "":
		return domain.RoomName(room)
	case session.CurrentRoom != nil:
		return *session.CurrentRoom
	default:
		return DefaultRoom
	}
}

func (e *Engine) sendMessage(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.SendMessagePayload](data)
	if err != nil {
		return err
	}
	if e.maxContent > 0 && utf8.RuneCountInString(payload.Content) > e.maxContent {
		return fmt.Errorf("%w: content longer than %d characters", errors.ErrValidation, e.maxContent)
	}
	return e.publish(session, domain.Draft{
		Sender:  session.Identity(),
		Content: payload.Content,
		Kind:    domain.KindText,
		Scope:   e.resolveScope(session, payload.RoomName, payload.RecipientID),
	})
}

func (e *Engine) sendFile(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.SendFilePayload](data)
	if err != nil {
		return err
	}
	return e.publish(session, domain.Draft{
		Sender:  session.Identity(),
		Content: "Shared file: " + payload.FileName,
		Kind:    domain.KindFile,
		File: &domain.File{
			Name:     payload.FileName,
			BlobRef:  payload.FileBlobRef,
			MimeType: payload.MimeType,
			Size:     payload.Size,
		},
		Scope: e.resolveScope(session, payload.RoomName, payload.RecipientID),
	})
}

// publish appends the draft and fans the stored message out to its scope.
func (e *Engine) publish(session *domain.Session, draft domain.Draft) error {
	if e.filter != nil {
		draft = e.filter.Apply(draft)
	}
	message, err := e.messages.Append(draft)
	if err != nil {
		return err
	}
	if !message.Scope.IsDirect() {
		// Posting to a room makes its history visible to the sender
		if err := e.recordJoin(session.UserID, message.Scope.RoomName); err != nil {
			e.log.Error("Failed to record room roster", "user_id", session.UserID, "room", message.Scope.RoomName, "error", err)
		}
	}
	e.monitoring.MessagesAppended.Add(1)

	received := event.NewReceiveMessage(message)
	if message.Scope.IsDirect() {
		for _, participant := range message.Participants() {
			e.membership.BroadcastToUser(participant, received)
		}
		if message.Scope.RecipientID != message.SenderID {
			e.membership.BroadcastToUser(message.Scope.RecipientID, event.NewMessageNotification(message))
		}
		return nil
	}

	room := message.Scope.RoomName
	e.membership.BroadcastToRoom(room, received, "")
	if !e.membership.IsIn(session.ConnectionID, room) {
		e.membership.Send(session.ConnectionID, received)
	}
	e.stopTyping(session.Identity(), room, session.ConnectionID)
	return nil
}

func (e *Engine) typingStart(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.TypingPayload](data)
	if err != nil {
		return err
	}
	room := e.resolveRoom(session, payload.RoomName)
	if !e.hasJoined(session.UserID, room) {
		return fmt.Errorf("%w: room %q", errors.ErrNotAMember, room)
	}
	if e.typing.Start(session.Identity(), room, e.now()) {
		e.membership.BroadcastToRoom(room, event.NewUserTyping(session.Identity(), room, true), session.ConnectionID)
	}
	return nil
}

func (e *Engine) typingStop(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.TypingPayload](data)
	if err != nil {
		return err
	}
	e.stopTyping(session.Identity(), e.resolveRoom(session, payload.RoomName), session.ConnectionID)
	return nil
}

func (e *Engine) markRead(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.MarkReadPayload](data)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(payload.MessageID)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	receipt, message, err := e.mutations.MarkRead(id, session.UserID, e.joinedBy(session.UserID))
	if err != nil {
		return err
	}
	if receipt.Changed {
		e.notifyScope(session, message, event.NewMessageRead(receipt))
	}
	return nil
}

func (e *Engine) addReaction(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.AddReactionPayload](data)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(payload.MessageID)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	emoji := strings.TrimSpace(payload.Emoji)
	state, message, err := e.mutations.React(id, session.UserID, emoji, e.joinedBy(session.UserID))
	if err != nil {
		return err
	}
	if state.Changed {
		e.notifyScope(session, message, event.NewReactionAdded(state))
	}
	return nil
}

// notifyScope delivers a metadata change to everyone looking at the
// message: its room, or both parties of a direct exchange. The actor always
// gets it, even when browsing another room.
func (e *Engine) notifyScope(session *domain.Session, message domain.Message, ev event.Envelope) {
	if message.Scope.IsDirect() {
		for _, participant := range message.Participants() {
			e.membership.BroadcastToUser(participant, ev)
		}
		return
	}
	e.membership.BroadcastToRoom(message.Scope.RoomName, ev, "")
	if !e.membership.IsIn(session.ConnectionID, message.Scope.RoomName) {
		e.membership.Send(session.ConnectionID, ev)
	}
}

func (e *Engine) getMessages(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.GetMessagesPayload](data)
	if err != nil {
		return err
	}

	var conversation domain.Conversation
	var scope event.HistoryScope
	if payload.Scope.UserID != "" {
		peer := domain.UserID(payload.Scope.UserID)
		conversation = domain.DirectConversation(session.UserID, peer)
		scope = event.HistoryScope{UserID: peer}
	} else {
		room := DefaultRoom
		if payload.Scope.RoomName != "" {
			room = domain.RoomName(payload.Scope.RoomName)
		}
		if !e.hasJoined(session.UserID, room) {
			return fmt.Errorf("%w: room %q", errors.ErrNotAMember, room)
		}
		conversation = domain.RoomConversation(room)
		scope = event.HistoryScope{RoomName: room}
	}

	page, err := e.messages.Page(conversation, payload.BeforeCursor, payload.Limit)
	if err != nil {
		return err
	}
	e.membership.Send(session.ConnectionID, event.NewMessagesHistory(scope, page))
	return nil
}

func (e *Engine) searchMessages(session *domain.Session, data []byte) error {
	payload, err := command.Decode[command.SearchMessagesPayload](data)
	if err != nil {
		return err
	}
	results, err := e.messages.Search(e.ctx, payload.Query, session.UserID, e.joinedBy(session.UserID))
	if err != nil {
		return err
	}
	e.membership.Send(session.ConnectionID, event.NewSearchResults(payload.Query, results))
	return nil
}
