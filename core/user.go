package core

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// User is a persistent chat identity. It is created at the user's first
// successful signin and reused on every reconnect; sessions come and go,
// the user does not.
type User struct {
	Username string `json:"username" validate:"required,min=1,max=32"`
	Name     string `json:"name" validate:"required,min=1,max=64"`
	Avatar   string `json:"avatar"`
	Password string `json:"password,omitempty" validate:"required,min=4"`
}

func (u *User) Validate() error {
	return validate.Struct(u)
}

// UserProfile is a user stripped of credentials, safe to return to clients.
type UserProfile struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

var (
	// ErrConflictedUser is returned when a user with the same username already exists.
	ErrConflictedUser = errors.New("user already exists")
)

type UserStore interface {
	CreateUser(ctx context.Context, user User) error

	// GetUserByUsername returns nil when the user does not exist.
	GetUserByUsername(ctx context.Context, username string) (*UserProfile, error)

	GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserProfile, error)

	ComparePassword(ctx context.Context, username, password string) (bool, error)
}
