package services

import (
	"chat-broker/domain"
	"chat-broker/errors"
	"chat-broker/repositories"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type IMutationEngine interface {
	MarkRead(id uuid.UUID, user domain.UserID, joined func(domain.RoomName) bool) (domain.ReadReceipt, domain.Message, error)
	React(id uuid.UUID, user domain.UserID, emoji string, joined func(domain.RoomName) bool) (domain.ReactionState, domain.Message, error)
}

// MutationEngine applies read receipts and reactions. Both are idempotent:
// a repeat reports Changed=false and writes nothing.
type MutationEngine struct {
	mu         sync.Mutex
	repository repositories.IMessageRepository
	log        *slog.Logger
}

func NewMutationEngine(repository repositories.IMessageRepository, log *slog.Logger) *MutationEngine {
	return &MutationEngine{repository: repository, log: log}
}

func (e *MutationEngine) MarkRead(id uuid.UUID, user domain.UserID, joined func(domain.RoomName) bool) (domain.ReadReceipt, domain.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	message, err := e.load(id, user, joined)
	if err != nil {
		return domain.ReadReceipt{}, domain.Message{}, err
	}

	changed := message.ReadBy.Add(user)
	if changed {
		if err := e.repository.Update(message); err != nil {
			return domain.ReadReceipt{}, domain.Message{}, err
		}
	}
	return domain.ReadReceipt{
		MessageID: id,
		UserID:    user,
		ReadBy:    message.ReadBy.Sorted(),
		Changed:   changed,
	}, message, nil
}

// React sets the single reaction of user on the message, replacing any
// previous emoji.
func (e *MutationEngine) React(id uuid.UUID, user domain.UserID, emoji string, joined func(domain.RoomName) bool) (domain.ReactionState, domain.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	message, err := e.load(id, user, joined)
	if err != nil {
		return domain.ReactionState{}, domain.Message{}, err
	}

	state := domain.ReactionState{MessageID: id, UserID: user, Emoji: emoji}
	if message.Reactions[user] == emoji {
		return state, message, nil
	}
	if message.Reactions == nil {
		message.Reactions = map[domain.UserID]string{}
	}
	message.Reactions[user] = emoji
	if err := e.repository.Update(message); err != nil {
		return domain.ReactionState{}, domain.Message{}, err
	}
	state.Changed = true
	return state, message, nil
}

func (e *MutationEngine) load(id uuid.UUID, user domain.UserID, joined func(domain.RoomName) bool) (domain.Message, error) {
	message, err := e.repository.Get(id)
	if err != nil {
		return domain.Message{}, err
	}
	if !message.VisibleTo(user, joined) {
		e.log.Debug("Mutation refused", "message", id, "user", user)
		return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotAMember, id)
	}
	return message, nil
}
