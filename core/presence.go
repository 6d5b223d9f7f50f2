package core

import (
	"sync"
	"time"
)

// PresenceStatus is the derived online state of a user. LastSeenAt is only
// meaningful while the user is offline; it is reset when they come online.
type PresenceStatus struct {
	Online     bool
	LastSeenAt time.Time
}

// PresenceTracker derives online/offline state from session lifecycle
// events. It is never mutated directly by external callers; the broadcast
// router feeds it when the session registry reports a user's first session
// opening or last session closing.
type PresenceTracker struct {
	mu       sync.RWMutex
	online   map[string]struct{}
	lastSeen map[string]time.Time
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// UserConnected marks the user online. It reports whether this was an
// offline-to-online transition.
func (p *PresenceTracker) UserConnected(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[username]; ok {
		return false
	}
	p.online[username] = struct{}{}
	delete(p.lastSeen, username)
	return true
}

// UserDisconnected marks the user offline and records when they were last
// seen. It reports whether this was an online-to-offline transition.
func (p *PresenceTracker) UserDisconnected(username string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[username]; !ok {
		return false
	}
	delete(p.online, username)
	p.lastSeen[username] = at
	return true
}

func (p *PresenceTracker) Status(username string) PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.online[username]; ok {
		return PresenceStatus{Online: true}
	}
	return PresenceStatus{LastSeenAt: p.lastSeen[username]}
}
