package services

import (
	"chat-broker/domain"
	"chat-broker/errors"
	"chat-broker/repositories"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type IMessageLog interface {
	Append(draft domain.Draft) (domain.Message, error)
	Get(id uuid.UUID) (domain.Message, error)
	Page(conversation domain.Conversation, before *time.Time, limit *int) (domain.Page, error)
	Search(ctx context.Context, query string, viewer domain.UserID, joined func(domain.RoomName) bool) ([]domain.Message, error)
}

// MessageLog is the append-only message history. Timestamps it assigns are
// strictly increasing, even across restarts and clock steps backwards.
type MessageLog struct {
	mu          sync.Mutex
	repository  repositories.IMessageRepository
	index       repositories.ISearchIndex
	log         *slog.Logger
	now         func() time.Time
	last        time.Time
	pageSize    int
	maxPageSize int
	degraded    bool
}

type MessageLogOption func(*MessageLog)

func WithClock(now func() time.Time) MessageLogOption {
	return func(l *MessageLog) { l.now = now }
}

func WithPageSizes(pageSize, maxPageSize int) MessageLogOption {
	return func(l *MessageLog) {
		l.pageSize = pageSize
		l.maxPageSize = maxPageSize
	}
}

func NewMessageLog(
	repository repositories.IMessageRepository,
	index repositories.ISearchIndex,
	log *slog.Logger,
	opts ...MessageLogOption,
) (*MessageLog, error) {
	last, err := repository.LastTimestamp()
	if err != nil {
		return nil, fmt.Errorf("unable to read log clock: %w", err)
	}
	l := &MessageLog{
		repository:  repository,
		index:       index,
		log:         log,
		now:         time.Now,
		last:        last,
		pageSize:    DefaultPageSize,
		maxPageSize: MaxPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append assigns id, timestamp and the initial read set {sender} and
// persists the message. A failed write leaves the log untouched.
func (l *MessageLog) Append(draft domain.Draft) (domain.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.now().UTC()
	if !at.After(l.last) {
		at = l.last.Add(time.Nanosecond)
	}
	message := domain.Message{
		ID:                uuid.New(),
		SenderID:          draft.Sender.UserID,
		SenderDisplayName: draft.Sender.DisplayName,
		Content:           draft.Content,
		Kind:              draft.Kind,
		File:              draft.File,
		Language:          draft.Language,
		Timestamp:         at,
		Scope:             draft.Scope,
		ReadBy:            domain.NewReadSet(draft.Sender.UserID),
		Reactions:         map[domain.UserID]string{},
	}
	if message.Kind == "" {
		message.Kind = domain.KindText
	}
	if err := l.repository.Append(message); err != nil {
		return domain.Message{}, err
	}
	l.last = at

	if l.index != nil {
		if err := l.index.Index(message); err != nil {
			// The message is durable; search scans the log until restart.
			l.degraded = true
			l.log.Error("Unable to index message", "id", message.ID, "error", err)
		}
	}
	return message.Clone(), nil
}

func (l *MessageLog) Get(id uuid.UUID) (domain.Message, error) {
	return l.repository.Get(id)
}

// Page returns the newest messages strictly before the cursor, oldest
// first. A nil limit means the default page size, larger ones are clamped.
func (l *MessageLog) Page(conversation domain.Conversation, before *time.Time, limit *int) (domain.Page, error) {
	size := l.pageSize
	if limit != nil {
		if *limit <= 0 {
			return domain.Page{}, fmt.Errorf("%w: limit must be positive", errors.ErrValidation)
		}
		size = min(*limit, l.maxPageSize)
	}

	messages, hasMore, err := l.repository.Page(conversation, before, size)
	if err != nil {
		return domain.Page{}, err
	}
	slices.Reverse(messages)

	page := domain.Page{Messages: messages, HasMore: hasMore}
	if hasMore && len(messages) > 0 {
		page.NextCursor = lo.ToPtr(messages[0].Timestamp)
	}
	return page, nil
}

// Search returns every message visible to viewer whose content contains
// query, case-insensitively, in chronological order.
func (l *MessageLog) Search(ctx context.Context, query string, viewer domain.UserID, joined func(domain.RoomName) bool) ([]domain.Message, error) {
	needle := strings.ToLower(query)
	if strings.TrimSpace(needle) == "" {
		return nil, fmt.Errorf("%w: empty query", errors.ErrValidation)
	}
	matches := func(m domain.Message) bool {
		return m.VisibleTo(viewer, joined) && strings.Contains(strings.ToLower(m.Content), needle)
	}

	var results []domain.Message
	ids, err := l.candidates(ctx, query)
	if err != nil {
		l.log.Warn("Search index unavailable, scanning the log", "error", err)
		err = l.repository.Scan(func(m domain.Message) bool {
			if matches(m) {
				results = append(results, m)
			}
			return ctx.Err() == nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		for _, id := range ids {
			m, err := l.repository.Get(id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if matches(m) {
				results = append(results, m)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(results, func(a, b domain.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return results, nil
}

func (l *MessageLog) candidates(ctx context.Context, query string) ([]uuid.UUID, error) {
	l.mu.Lock()
	degraded := l.degraded
	l.mu.Unlock()
	if l.index == nil || degraded {
		return nil, fmt.Errorf("index disabled")
	}
	return l.index.Candidates(ctx, query)
}

// Reindex feeds every stored message to the index when it is empty, so a
// lost or fresh index directory catches up with the log.
func (l *MessageLog) Reindex() error {
	if l.index == nil {
		return nil
	}
	count, err := l.index.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	indexed := 0
	var indexErr error
	err = l.repository.Scan(func(m domain.Message) bool {
		if indexErr = l.index.Index(m); indexErr != nil {
			return false
		}
		indexed++
		return true
	})
	if err != nil {
		return err
	}
	if indexErr != nil {
		return indexErr
	}
	if indexed > 0 {
		l.log.Info("Search index rebuilt", "messages", indexed)
	}
	return nil
}
