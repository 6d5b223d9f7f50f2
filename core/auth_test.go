package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth_SigninRegistersUnknownUser(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()
	auth := NewTokenAuth(f.userStore, []byte("secret"), time.Hour)

	session, err := auth.Signin(f.ctx, SigninInput{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Username)
	assert.NotEmpty(t, session.Token)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	// the identity was persisted, with the name defaulted to the username
	user, err := f.userStore.GetUserByUsername(f.ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Name)
}

func TestTokenAuth_SigninExistingUser(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()
	auth := NewTokenAuth(f.userStore, []byte("secret"), time.Hour)

	_, err := auth.Signin(f.ctx, SigninInput{Username: "alice", Name: "Alice", Password: "secret"})
	require.NoError(t, err)

	// same credentials sign in again instead of re-registering
	session, err := auth.Signin(f.ctx, SigninInput{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Username)

	// the wrong password on an existing identity is rejected
	_, err = auth.Signin(f.ctx, SigninInput{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestTokenAuth_SessionRoundTrip(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()
	auth := NewTokenAuth(f.userStore, []byte("secret"), time.Hour)

	signin, err := auth.Signin(f.ctx, SigninInput{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	session, err := auth.Session(f.ctx, signin.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Username)

	_, err = auth.Session(f.ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSigninInput_Validate(t *testing.T) {
	valid := SigninInput{Username: "alice", Password: "secret"}
	assert.NoError(t, valid.Validate())

	missingPassword := SigninInput{Username: "alice"}
	assert.Error(t, missingPassword.Validate())

	shortPassword := SigninInput{Username: "alice", Password: "abc"}
	assert.Error(t, shortPassword.Validate())

	missingUsername := SigninInput{Password: "secret"}
	assert.Error(t, missingUsername.Validate())
}
