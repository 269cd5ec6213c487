//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"chat-broker/codec"
	"chat-broker/domain"
	"chat-broker/errors"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	messagePrefix = "msg:"
	idPrefix      = "mid:"
	clockKey      = "meta:last_at"
)

type IMessageRepository interface {
	Append(message domain.Message) error
	Get(id uuid.UUID) (domain.Message, error)
	Update(message domain.Message) error
	Page(conversation domain.Conversation, before *time.Time, limit int) ([]domain.Message, bool, error)
	Scan(fn func(domain.Message) bool) error
	LastTimestamp() (time.Time, error)
}

type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) MessageRepository {
	return MessageRepository{db: db, log: log}
}

// DiskMessage is the stored shape of a message.
type DiskMessage struct {
	ID                string            `cbor:"id"`
	SenderID          string            `cbor:"sender_id"`
	SenderDisplayName string            `cbor:"sender_name"`
	Content           string            `cbor:"content"`
	Kind              string            `cbor:"kind"`
	FileName          string            `cbor:"file_name,omitempty"`
	FileBlobRef       string            `cbor:"file_ref,omitempty"`
	FileMimeType      string            `cbor:"file_mime,omitempty"`
	FileSize          int64             `cbor:"file_size,omitempty"`
	Language          string            `cbor:"lang,omitempty"`
	At                int64             `cbor:"at"`
	ScopeKind         string            `cbor:"scope"`
	Room              string            `cbor:"room,omitempty"`
	RecipientID       string            `cbor:"recipient,omitempty"`
	ReadBy            []string          `cbor:"read_by"`
	Reactions         map[string]string `cbor:"reactions"`
}

// messageKey is "msg:{conversation}:{timestamp_padded}:{uuid}".
//  1. The 19-digit zero padding keeps lexicographical order chronological.
//  2. The uuid suffix keeps two messages of the same nanosecond apart.
func messageKey(message domain.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s",
		messagePrefix,
		message.Conversation().Key(),
		message.Timestamp.UnixNano(),
		message.ID,
	))
}

func conversationPrefix(conversation domain.Conversation) []byte {
	return []byte(messagePrefix + conversation.Key() + ":")
}

func idKey(id uuid.UUID) []byte {
	return []byte(idPrefix + id.String())
}

// Append stores a new message together with its id index and the log clock.
func (m MessageRepository) Append(message domain.Message) error {
	value, err := codec.Marshal(FromMessage(message))
	if err != nil {
		return err
	}
	key := messageKey(message)
	return m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(message.ID)); err == nil {
			return fmt.Errorf("message %s already stored", message.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		if err := txn.Set(idKey(message.ID), key); err != nil {
			return err
		}
		clock := make([]byte, 8)
		binary.BigEndian.PutUint64(clock, uint64(message.Timestamp.UnixNano()))
		return txn.Set([]byte(clockKey), clock)
	})
}

// Get resolves a message by id. Unknown ids yield errors.ErrNotFound.
func (m MessageRepository) Get(id uuid.UUID) (domain.Message, error) {
	var message domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		key, err := m.primaryKey(txn, id)
		if err != nil {
			return err
		}
		message, err = m.read(txn, key)
		return err
	})
	return message, err
}

// Update rewrites the mutable fields of an existing message in place.
func (m MessageRepository) Update(message domain.Message) error {
	value, err := codec.Marshal(FromMessage(message))
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		key, err := m.primaryKey(txn, message.ID)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
}

// Page returns up to limit messages of the conversation strictly older than
// before (newest first) and whether older ones remain.
// Thanks to the padded timestamp in the key a reverse prefix scan walks the
// conversation from newest to oldest.
func (m MessageRepository) Page(conversation domain.Conversation, before *time.Time, limit int) ([]domain.Message, bool, error) {
	var messages []domain.Message
	hasMore := false
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(conversation)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF)
		if before != nil {
			// Keys of the cursor's own nanosecond carry a ":uuid" suffix and
			// sort after the bare timestamp, so they are skipped.
			seekKey = append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%019d", before.UnixNano()))...)
		}

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				hasMore = true
				break
			}
			message, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return messages, hasMore, nil
}

// Scan visits every stored message grouped by conversation, oldest first
// within a conversation, until fn returns false.
func (m MessageRepository) Scan(fn func(domain.Message) bool) error {
	return m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			message, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if !fn(message) {
				return nil
			}
		}
		return nil
	})
}

// LastTimestamp returns the timestamp of the most recent append, or the zero
// time on an empty log.
func (m MessageRepository) LastTimestamp() (time.Time, error) {
	var last time.Time
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(clockKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupted log clock")
			}
			last = time.Unix(0, int64(binary.BigEndian.Uint64(val))).UTC()
			return nil
		})
	})
	return last, err
}

func (m MessageRepository) primaryKey(txn *badger.Txn, id uuid.UUID) ([]byte, error) {
	item, err := txn.Get(idKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (m MessageRepository) read(txn *badger.Txn, key []byte) (domain.Message, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		m.log.Error("Dangling message index", "key", string(key))
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrNotFound, key)
	}
	if err != nil {
		return domain.Message{}, err
	}
	return decodeItem(item)
}

func decodeItem(item *badger.Item) (domain.Message, error) {
	var disk DiskMessage
	err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &disk)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return ToMessage(disk)
}

func FromMessage(message domain.Message) DiskMessage {
	disk := DiskMessage{
		ID:                message.ID.String(),
		SenderID:          string(message.SenderID),
		SenderDisplayName: message.SenderDisplayName,
		Content:           message.Content,
		Kind:              string(message.Kind),
		Language:          message.Language,
		At:                message.Timestamp.UnixNano(),
		ScopeKind:         string(message.Scope.Kind),
		Room:              string(message.Scope.RoomName),
		RecipientID:       string(message.Scope.RecipientID),
		ReadBy:            make([]string, 0, len(message.ReadBy)),
		Reactions:         make(map[string]string, len(message.Reactions)),
	}
	if message.File != nil {
		disk.FileName = message.File.Name
		disk.FileBlobRef = message.File.BlobRef
		disk.FileMimeType = message.File.MimeType
		disk.FileSize = message.File.Size
	}
	for _, user := range message.ReadBy.Sorted() {
		disk.ReadBy = append(disk.ReadBy, string(user))
	}
	for user, emoji := range message.Reactions {
		disk.Reactions[string(user)] = emoji
	}
	return disk
}

func ToMessage(disk DiskMessage) (domain.Message, error) {
	id, err := uuid.Parse(disk.ID)
	if err != nil {
		return domain.Message{}, err
	}
	message := domain.Message{
		ID:                id,
		SenderID:          domain.UserID(disk.SenderID),
		SenderDisplayName: disk.SenderDisplayName,
		Content:           disk.Content,
		Kind:              domain.MessageKind(disk.Kind),
		Language:          disk.Language,
		Timestamp:         time.Unix(0, disk.At).UTC(),
		Scope: domain.Scope{
			Kind:        domain.ScopeKind(disk.ScopeKind),
			RoomName:    domain.RoomName(disk.Room),
			RecipientID: domain.UserID(disk.RecipientID),
		},
		ReadBy:    domain.NewReadSet(),
		Reactions: make(map[domain.UserID]string, len(disk.Reactions)),
	}
	if disk.FileBlobRef != "" {
		message.File = &domain.File{
			Name:     disk.FileName,
			BlobRef:  disk.FileBlobRef,
			MimeType: disk.FileMimeType,
			Size:     disk.FileSize,
		}
	}
	for _, user := range disk.ReadBy {
		message.ReadBy.Add(domain.UserID(user))
	}
	for user, emoji := range disk.Reactions {
		message.Reactions[domain.UserID(user)] = emoji
	}
	return message, nil
}
