package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AuthSession is an authenticated identity bound to a signed token. It is
// distinct from a chat Session: one auth session (one signed-in browser)
// may open and close many chat sessions over its lifetime.
type AuthSession struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
)

type AuthStore interface {
	// Signin authenticates the user and returns a fresh auth session.
	// An unknown username is registered on the spot: the chat identity is
	// created at the first successful signin and reused afterwards.
	Signin(ctx context.Context, input SigninInput) (*AuthSession, error)

	// Session verifies the token and returns the auth session it encodes.
	Session(ctx context.Context, token string) (*AuthSession, error)
}

type SigninInput struct {
	Username string `json:"username" validate:"required,min=1,max=32"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Password string `json:"password" validate:"required,min=4"`
}

func (i *SigninInput) Validate() error {
	return validate.Struct(i)
}

// TokenAuth issues and verifies JWT auth sessions backed by a UserStore.
type TokenAuth struct {
	users  UserStore
	secret []byte
	exp    time.Duration
}

func NewTokenAuth(users UserStore, secret []byte, exp time.Duration) *TokenAuth {
	return &TokenAuth{users: users, secret: secret, exp: exp}
}

func (a *TokenAuth) Signin(ctx context.Context, input SigninInput) (*AuthSession, error) {
	existing, err := a.users.GetUserByUsername(ctx, input.Username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	if existing == nil {
		user := User{
			Username: input.Username,
			Name:     input.Name,
			Avatar:   input.Avatar,
			Password: input.Password,
		}
		if user.Name == "" {
			user.Name = user.Username
		}
		if err := a.users.CreateUser(ctx, user); err != nil {
			// another signin may have registered the user in between
			if !errors.Is(err, ErrConflictedUser) {
				return nil, fmt.Errorf("create user: %w", err)
			}
		}
	}

	ok, err := a.users.ComparePassword(ctx, input.Username, input.Password)
	if err != nil {
		return nil, fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	token, exp, err := NewToken(input.Username, a.exp, a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &AuthSession{Username: input.Username, Token: token, ExpiresAt: exp}, nil
}

func (a *TokenAuth) Session(ctx context.Context, token string) (*AuthSession, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return &AuthSession{
		Username:  claims.Username,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
