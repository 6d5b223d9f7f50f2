package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		db: db,
	}
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) error {
	existing, err := s.GetUserByUsername(ctx, user.Username)
	if err != nil {
		return fmt.Errorf("checking if user exists: %w", err)
	}
	if existing != nil {
		return ErrConflictedUser
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (username, name, avatar, password) VALUES (@username, @name, @avatar, @password)",
		sql.Named("username", user.Username),
		sql.Named("name", user.Name),
		sql.Named("avatar", user.Avatar),
		sql.Named("password", string(hashed)))
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

func (s *SQLiteUserStore) GetUserByUsername(ctx context.Context, username string) (*UserProfile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT username, name, avatar FROM users WHERE username = ? LIMIT 1", username)

	user := new(UserProfile)
	if err := row.Scan(&user.Username, &user.Name, &user.Avatar); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	return user, nil
}

func (s *SQLiteUserStore) GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserProfile, error) {
	if len(usernames) == 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(usernames))
	for _, username := range usernames {
		values = append(values, username)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT username, name, avatar FROM users WHERE username IN ("+
			strings.Repeat("?,", len(usernames)-1)+"?)", values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var users []UserProfile
	for rows.Next() {
		var user UserProfile
		if err := rows.Scan(&user.Username, &user.Name, &user.Avatar); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return users, nil
}

func (s *SQLiteUserStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT password FROM users WHERE username = ? LIMIT 1", username)

	var storedPassword string
	if err := row.Scan(&storedPassword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("user not found")
		}
		return false, fmt.Errorf("scanning password: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(storedPassword), []byte(password)); err != nil {
		return false, nil
	}

	return true, nil
}
