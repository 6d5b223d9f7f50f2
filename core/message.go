package core

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the default bound on message content, in runes.
const MaxMessageLength = 500

// Reaction is one emoji on a message together with the users who reacted
// with it, in the order they reacted.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// Message is a chat message. A message belongs to exactly one room and is
// immutable except for its reactions. Seq is the room-scoped sequence
// number: strictly increasing and gap-free within the room.
type Message struct {
	Seq       int64      `json:"seq"`
	RoomID    string     `json:"room_id"`
	Sender    string     `json:"sender"`
	Content   string     `json:"content"`
	SentAt    time.Time  `json:"sent_at"`
	Reactions []Reaction `json:"reactions,omitempty"`
}

// ReactionDelta is the aggregate state of one emoji on one message after a
// toggle. Broadcasting the aggregate rather than the raw toggle keeps all
// clients' reaction counts convergent regardless of delivery order.
type ReactionDelta struct {
	RoomID string   `json:"room_id"`
	Seq    int64    `json:"seq"`
	Emoji  string   `json:"emoji"`
	Users  []string `json:"users"`
}

// ValidateContent trims the content and checks it against the length bound.
// It returns the trimmed content.
func ValidateContent(content string, maxLen int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return "", ErrContentTooLarge
	}
	return trimmed, nil
}
