//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"chat-broker/codec"
	"chat-broker/errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const userPrefix = "user:"

type IUserRepository interface {
	CreateUser(username, hashedPassword string) (User, error)
	GetUserByUsername(username string) (User, error)
	ListUsers() ([]User, error)
}

type UserRepository struct {
	db  *badger.DB
	now func() time.Time
}

func NewUserRepository(db *badger.DB) IUserRepository {
	return &UserRepository{db: db, now: time.Now}
}

// User is the repository representation of an account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type diskUser struct {
	ID           string `cbor:"id"`
	Username     string `cbor:"username"`
	PasswordHash string `cbor:"hash"`
	CreatedAt    int64  `cbor:"created_at"`
}

// Usernames are unique case-insensitively.
func userKey(username string) []byte {
	return []byte(userPrefix + strings.ToLower(username))
}

// CreateUser persists a new account and returns it with its generated id.
func (u *UserRepository) CreateUser(username, hashedPassword string) (User, error) {
	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hashedPassword,
		CreatedAt:    u.now().UTC().Truncate(time.Second),
	}
	data, err := codec.Marshal(diskUser{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.Unix(),
	})
	if err != nil {
		return User{}, fmt.Errorf("marshal failed: %w", err)
	}

	err = u.db.Update(func(txn *badger.Txn) error {
		key := userKey(username)
		if _, err := txn.Get(key); err == nil {
			return errors.ErrUserAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserByUsername returns errors.ErrUserNotFound for unknown accounts.
func (u *UserRepository) GetUserByUsername(username string) (User, error) {
	var disk diskUser
	err := u.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err == badger.ErrKeyNotFound {
			return errors.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return codec.Unmarshal(val, &disk)
		})
	})
	if err != nil {
		return User{}, err
	}
	return toUser(disk), nil
}

// ListUsers returns every account ordered by lowercased username.
func (u *UserRepository) ListUsers() ([]User, error) {
	var users []User
	err := u.db.View(func(txn *badger.Txn) error {
		prefix := []byte(userPrefix)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var disk diskUser
			err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, &disk)
			})
			if err != nil {
				return err
			}
			users = append(users, toUser(disk))
		}
		return nil
	})
	return users, err
}

func toUser(disk diskUser) User {
	return User{
		ID:           disk.ID,
		Username:     disk.Username,
		PasswordHash: disk.PasswordHash,
		CreatedAt:    time.Unix(disk.CreatedAt, 0).UTC(),
	}
}
