package server

import (
	"context"
	"errors"
)

// Principal is the verified identity behind a connection.
type Principal struct {
	Subject string
}

// Authenticator verifies the token a client sends with Connect.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// AllowAll accepts every connection as the anonymous principal.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string) (Principal, error) {
	return Principal{Subject: "anonymous"}, nil
}

// ErrBadToken is returned by StaticTokens for an unknown token.
var ErrBadToken = errors.New("unknown token")

// StaticTokens maps accepted tokens to subjects.
type StaticTokens map[string]string

func (t StaticTokens) Authenticate(_ context.Context, token string) (Principal, error) {
	subject, ok := t[token]
	if !ok {
		return Principal{}, ErrBadToken
	}
	return Principal{Subject: subject}, nil
}
