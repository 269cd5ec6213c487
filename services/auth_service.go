package services

import (
	"chat-broker/auth"
	"chat-broker/domain"
	"chat-broker/errors"
	"chat-broker/repositories"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

type IAuthService interface {
	Login(username, password string) (Token, domain.Identity, error)
	Register(username, password string) (Token, domain.Identity, error)
	Directory(online func(domain.UserID) bool) ([]domain.DirectoryEntry, error)
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	GenerateToken(identity domain.Identity) (string, error)
}

type AuthService struct {
	userRepository repositories.IUserRepository
	issuer         TokenIssuer
}

type Token string

func (t Token) String() string {
	return string(t)
}

func NewAuthService(repo repositories.IUserRepository, issuer TokenIssuer) IAuthService {
	return &AuthService{userRepository: repo, issuer: issuer}
}

func (s *AuthService) Register(username, password string) (Token, domain.Identity, error) {
	valReq := auth.RegisterRequest{
		Username: username,
		Password: password,
	}

	// Business rules are checked before any expensive hashing.
	if err := auth.ValidateRegister(valReq); err != nil {
		return "", domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrInvalidPassword, err)
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return "", domain.Identity{}, fmt.Errorf("hashing failed: %w", err)
	}

	user, err := s.userRepository.CreateUser(username, hashedPassword)
	if err != nil {
		return "", domain.Identity{}, err
	}

	return s.issue(user)
}

func (s *AuthService) Login(username, password string) (Token, domain.Identity, error) {
	user, err := s.userRepository.GetUserByUsername(username)
	if errors.Is(err, errors.ErrUserNotFound) {
		// Same error as a wrong password, no user enumeration
		return "", domain.Identity{}, errors.ErrInvalidCredentials
	}
	if err != nil {
		return "", domain.Identity{}, fmt.Errorf("user lookup failed: %w", err)
	}

	match, err := auth.ComparePassword(password, user.PasswordHash)
	if err != nil || !match {
		return "", domain.Identity{}, errors.ErrInvalidCredentials
	}

	return s.issue(user)
}

// Directory lists every account, decorated with the presence answered by online.
func (s *AuthService) Directory(online func(domain.UserID) bool) ([]domain.DirectoryEntry, error) {
	users, err := s.userRepository.ListUsers()
	if err != nil {
		return nil, err
	}
	entries := lo.Map(users, func(user repositories.User, _ int) domain.DirectoryEntry {
		id := domain.UserID(user.ID)
		return domain.DirectoryEntry{ID: id, DisplayName: user.Username, Online: online(id)}
	})
	slices.SortFunc(entries, func(a, b domain.DirectoryEntry) int {
		return strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
	})
	return entries, nil
}

func (s *AuthService) issue(user repositories.User) (Token, domain.Identity, error) {
	identity := domain.Identity{UserID: domain.UserID(user.ID), DisplayName: user.Username}
	token, err := s.issuer.GenerateToken(identity)
	if err != nil {
		return "", domain.Identity{}, errors.ErrTokenGeneration
	}
	return Token(token), identity, nil
}
