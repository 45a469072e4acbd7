// Package auth defines the authentication collaborator contract consumed
// by the connection manager. Session issuance itself lives outside this
// service; the manager only needs credential -> identity resolution.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredential rejects a credential the backend does not
	// recognize.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrUnavailable signals the backend could not be reached; the
	// breaker converts repeated failures into fast rejections.
	ErrUnavailable = errors.New("auth: backend unavailable")
)

// Credential carries the fields of an inbound auth frame.
type Credential struct {
	Method string
	Token  string
	UserID string
}

// Identity is the resolved principal for an accepted connection.
type Identity struct {
	ID          string
	Role        string
	Permissions []string
}

// Authenticator resolves a credential to an identity or rejects it.
type Authenticator interface {
	Authenticate(ctx context.Context, cred Credential) (Identity, error)
}

// StaticTokenAuthenticator resolves tokens against a fixed map. Intended
// for development and tests; production injects a platform-backed
// implementation.
type StaticTokenAuthenticator struct {
	tokens map[string]Identity
}

func NewStaticTokenAuthenticator(tokens map[string]Identity) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{tokens: tokens}
}

func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, cred Credential) (Identity, error) {
	id, ok := a.tokens[cred.Token]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}
