//go:generate go run go.uber.org/mock/mockgen -source=gate.go -destination=../mocks/mock_token_verifier.go -package=mocks
package auth

import (
	"chat-broker/domain"
	"chat-broker/errors"
	"fmt"
	"strings"
)

// TokenVerifier is the external collaborator that turns an opaque token into
// a verified identity.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

// Gate maps inbound tokens to identities. It has no side effects: a failure
// leaves the caller exactly as unauthenticated as before.
type Gate struct {
	verifier TokenVerifier
}

func NewGate(verifier TokenVerifier) Gate {
	return Gate{verifier: verifier}
}

// Authenticate returns the identity behind token or an error wrapping
// errors.ErrUnauthenticated.
func (g Gate) Authenticate(token string) (domain.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty token", errors.ErrUnauthenticated)
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrUnauthenticated, err)
	}
	if identity.UserID == "" {
		return domain.Identity{}, fmt.Errorf("%w: token carries no user id", errors.ErrUnauthenticated)
	}
	if identity.DisplayName == "" {
		identity.DisplayName = string(identity.UserID)
	}
	return identity, nil
}
