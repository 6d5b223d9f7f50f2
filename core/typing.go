package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTypingWindow is how long a typing indicator stays alive without
// being refreshed by another start-typing action.
const DefaultTypingWindow = 3 * time.Second

type typingEntry struct {
	startedAt time.Time
	expiresAt time.Time
}

// TypingAggregator maintains, per room, the set of users currently typing.
// Entries expire after a fixed window unless refreshed; expired entries are
// evicted lazily on read and by a periodic sweep so that indicators clear
// even in rooms with no activity.
type TypingAggregator struct {
	mu     sync.Mutex
	rooms  map[string]map[string]typingEntry
	window time.Duration
	now    func() time.Time
}

type TypingOption func(*TypingAggregator)

func WithTypingWindow(window time.Duration) TypingOption {
	return func(t *TypingAggregator) {
		t.window = window
	}
}

func WithTypingClock(now func() time.Time) TypingOption {
	return func(t *TypingAggregator) {
		t.now = now
	}
}

func NewTypingAggregator(opts ...TypingOption) *TypingAggregator {
	t := &TypingAggregator{
		rooms:  make(map[string]map[string]typingEntry),
		window: DefaultTypingWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start sets or refreshes the user's typing entry in the room and reports
// whether the room's visible typing set changed. A new entry changes the
// set and a refresh bumps the entry to the front of the typing list, so
// the set always changes.
func (t *TypingAggregator) Start(roomID, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.evictExpired(roomID, now)
	// evictExpired drops the room map when it empties it, so the map must
	// be fetched after the eviction, never before
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]typingEntry)
		t.rooms[roomID] = room
	}
	room[username] = typingEntry{startedAt: now, expiresAt: now.Add(t.window)}
	return true
}

// Stop removes the user's typing entry immediately, e.g. when they send a
// message. It reports whether the room's typing set changed.
func (t *TypingAggregator) Stop(roomID, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		return false
	}
	changed := t.evictExpired(roomID, t.now())
	if _, ok := room[username]; !ok {
		return changed
	}
	delete(room, username)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// Typing returns the users currently typing in the room, most recent
// start-typing first. Expired entries are evicted before the read.
func (t *TypingAggregator) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpired(roomID, t.now())
	return t.typingLocked(roomID)
}

func (t *TypingAggregator) typingLocked(roomID string) []string {
	room := t.rooms[roomID]
	if len(room) == 0 {
		return nil
	}
	type userEntry struct {
		username string
		entry    typingEntry
	}
	entries := make([]userEntry, 0, len(room))
	for username, entry := range room {
		entries = append(entries, userEntry{username, entry})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].entry.startedAt.Equal(entries[j].entry.startedAt) {
			return entries[i].entry.startedAt.After(entries[j].entry.startedAt)
		}
		return entries[i].username < entries[j].username
	})
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.username)
	}
	return users
}

// evictExpired removes entries past their expiry. Callers must hold mu.
func (t *TypingAggregator) evictExpired(roomID string, now time.Time) bool {
	room := t.rooms[roomID]
	changed := false
	for username, entry := range room {
		if !now.Before(entry.expiresAt) {
			delete(room, username)
			changed = true
		}
	}
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	return changed
}

// Sweep evicts expired entries across all rooms and returns the rooms whose
// typing set changed, so the caller can broadcast the new sets.
func (t *TypingAggregator) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var changed []string
	for roomID := range t.rooms {
		if t.evictExpired(roomID, now) {
			changed = append(changed, roomID)
		}
	}
	sort.Strings(changed)
	return changed
}

// Run sweeps periodically until the context is cancelled, invoking onChange
// with the new typing set of every room that changed.
func (t *TypingAggregator) Run(ctx context.Context, interval time.Duration, onChange func(roomID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, roomID := range t.Sweep() {
				onChange(roomID)
			}
		}
	}
}
