package core

import (
	"slices"
	"sync"
	"time"
)

// DefaultRoomCapacity bounds the per-room message ring. When a room's log is
// full the oldest message is dropped; sequence numbers keep increasing so
// history cursors held by clients stay valid.
const DefaultRoomCapacity = 1000

// DefaultHistoryLimit is the page size used when a history request does not
// specify one.
const DefaultHistoryLimit = 50

// MessageStore is the single source of truth for chat history: an
// append-only, bounded, per-room message log with reaction bookkeeping.
// The server assigns sequence numbers and timestamps; client-supplied ones
// are never trusted.
type MessageStore struct {
	mu       sync.RWMutex
	rooms    map[string]*roomLog
	maxLen   int
	capacity int
	now      func() time.Time
}

// roomLog holds a room's messages ordered by sequence number. messages[0]
// has sequence firstSeq; nextSeq is the sequence the next append receives.
type roomLog struct {
	messages []*Message
	firstSeq int64
	nextSeq  int64
}

type MessageStoreOption func(*MessageStore)

func WithMaxMessageLength(maxLen int) MessageStoreOption {
	return func(s *MessageStore) {
		s.maxLen = maxLen
	}
}

func WithRoomCapacity(capacity int) MessageStoreOption {
	return func(s *MessageStore) {
		s.capacity = capacity
	}
}

func WithMessageClock(now func() time.Time) MessageStoreOption {
	return func(s *MessageStore) {
		s.now = now
	}
}

func NewMessageStore(opts ...MessageStoreOption) *MessageStore {
	s := &MessageStore{
		rooms:    make(map[string]*roomLog),
		maxLen:   MaxMessageLength,
		capacity: DefaultRoomCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append validates the content, assigns the room's next sequence number and
// a server-side timestamp, and stores the message. A rejected append does
// not consume a sequence number.
func (s *MessageStore) Append(roomID, sender, content string) (Message, error) {
	trimmed, err := ValidateContent(content, s.maxLen)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.rooms[roomID]
	if log == nil {
		log = &roomLog{firstSeq: 1, nextSeq: 1}
		s.rooms[roomID] = log
	}
	msg := &Message{
		Seq:     log.nextSeq,
		RoomID:  roomID,
		Sender:  sender,
		Content: trimmed,
		SentAt:  s.now(),
	}
	log.nextSeq++
	log.messages = append(log.messages, msg)
	if len(log.messages) > s.capacity {
		log.messages = log.messages[1:]
		log.firstSeq++
	}
	return copyMessage(msg), nil
}

// React toggles the user's reaction on the message: added when absent,
// removed when present. An emoji entry whose user set becomes empty is
// dropped from the message. The returned delta is the emoji's new aggregate.
func (s *MessageStore) React(roomID string, seq int64, username, emoji string) (ReactionDelta, error) {
	if emoji == "" {
		return ReactionDelta{}, ErrEmptyEmoji
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.messageLocked(roomID, seq)
	if err != nil {
		return ReactionDelta{}, err
	}

	delta := ReactionDelta{RoomID: roomID, Seq: seq, Emoji: emoji, Users: []string{}}
	idx := slices.IndexFunc(msg.Reactions, func(r Reaction) bool { return r.Emoji == emoji })
	if idx == -1 {
		msg.Reactions = append(msg.Reactions, Reaction{Emoji: emoji, Users: []string{username}})
		delta.Users = []string{username}
		return delta, nil
	}

	reaction := &msg.Reactions[idx]
	if i := slices.Index(reaction.Users, username); i != -1 {
		reaction.Users = slices.Delete(reaction.Users, i, i+1)
		if len(reaction.Users) == 0 {
			msg.Reactions = slices.Delete(msg.Reactions, idx, idx+1)
			return delta, nil
		}
	} else {
		reaction.Users = append(reaction.Users, username)
	}
	delta.Users = slices.Clone(reaction.Users)
	return delta, nil
}

// History returns up to limit messages with sequence numbers below
// beforeSeq, newest first. beforeSeq <= 0 means "from the latest". The read
// has no side effects: repeating a call with the same cursor returns the
// same slice unless new messages were appended.
func (s *MessageStore) History(roomID string, beforeSeq int64, limit int) []Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.rooms[roomID]
	if log == nil || len(log.messages) == 0 {
		return nil
	}
	if beforeSeq <= 0 {
		beforeSeq = log.nextSeq
	}
	// index of the newest message with seq < beforeSeq
	end := beforeSeq - log.firstSeq
	if end > int64(len(log.messages)) {
		end = int64(len(log.messages))
	}
	if end <= 0 {
		return nil
	}
	start := end - int64(limit)
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, copyMessage(log.messages[i]))
	}
	return out
}

// Message returns a copy of the message with the given room and sequence.
func (s *MessageStore) Message(roomID string, seq int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, err := s.messageLocked(roomID, seq)
	if err != nil {
		return Message{}, err
	}
	return copyMessage(msg), nil
}

func (s *MessageStore) messageLocked(roomID string, seq int64) (*Message, error) {
	log := s.rooms[roomID]
	if log == nil {
		return nil, ErrUnknownMessage
	}
	idx := seq - log.firstSeq
	if idx < 0 || idx >= int64(len(log.messages)) {
		return nil, ErrUnknownMessage
	}
	return log.messages[idx], nil
}

func copyMessage(m *Message) Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			out.Reactions[i] = Reaction{Emoji: r.Emoji, Users: slices.Clone(r.Users)}
		}
	}
	return out
}
