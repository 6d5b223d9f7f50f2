package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteUserStore_CreateAndGetUser(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()

	f.mustCreateUser(User{Username: "alice", Name: "Alice", Avatar: "🦊", Password: "secret"})

	user, err := f.userStore.GetUserByUsername(f.ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "🦊", user.Avatar)
}

func TestSQLiteUserStore_GetUnknownUserReturnsNil(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()

	user, err := f.userStore.GetUserByUsername(f.ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestSQLiteUserStore_CreateDuplicateUser(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()

	f.mustCreateUser(User{Username: "alice", Name: "Alice", Password: "secret"})

	err := f.userStore.CreateUser(f.ctx, User{Username: "alice", Name: "Other", Password: "other"})
	assert.ErrorIs(t, err, ErrConflictedUser)
}

func TestSQLiteUserStore_GetUsersByUsernames(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()

	f.mustCreateUser(User{Username: "alice", Name: "Alice", Password: "secret"})
	f.mustCreateUser(User{Username: "bob", Name: "Bob", Password: "secret"})
	f.mustCreateUser(User{Username: "charlie", Name: "Charlie", Password: "secret"})

	users, err := f.userStore.GetUsersByUsernames(f.ctx, "alice", "charlie", "nobody")
	require.NoError(t, err)
	usernames := make([]string, 0, len(users))
	for _, u := range users {
		usernames = append(usernames, u.Username)
	}
	assert.ElementsMatch(t, []string{"alice", "charlie"}, usernames)

	users, err = f.userStore.GetUsersByUsernames(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, users)
}

func TestSQLiteUserStore_ComparePassword(t *testing.T) {
	f := NewUserFixture(t)
	defer f.tearDown()

	f.mustCreateUser(User{Username: "alice", Name: "Alice", Password: "secret"})

	ok, err := f.userStore.ComparePassword(f.ctx, "alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.userStore.ComparePassword(f.ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.userStore.ComparePassword(f.ctx, "nobody", "secret")
	assert.Error(t, err)
}
