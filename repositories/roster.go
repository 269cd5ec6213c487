package repositories

import (
	"chat-broker/domain"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const rosterPrefix = "roster:"

// IRosterRepository remembers every room a user has ever joined. Room
// history and search results are gated on it.
type IRosterRepository interface {
	Record(user domain.UserID, room domain.RoomName) error
	Rooms(user domain.UserID) ([]domain.RoomName, error)
}

type RosterRepository struct {
	db *badger.DB
}

func NewRosterRepository(db *badger.DB) RosterRepository {
	return RosterRepository{db: db}
}

func rosterUserPrefix(user domain.UserID) string {
	return rosterPrefix + strconv.Quote(string(user)) + ":"
}

// Record is idempotent.
func (r RosterRepository) Record(user domain.UserID, room domain.RoomName) error {
	key := []byte(rosterUserPrefix(user) + strconv.Quote(string(room)))
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, nil)
	})
}

func (r RosterRepository) Rooms(user domain.UserID) ([]domain.RoomName, error) {
	var rooms []domain.RoomName
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(rosterUserPrefix(user))
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			quoted := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			room, err := strconv.Unquote(quoted)
			if err != nil {
				return err
			}
			rooms = append(rooms, domain.RoomName(room))
		}
		return nil
	})
	return rooms, err
}
