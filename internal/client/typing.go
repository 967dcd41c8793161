package client

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TypingExpiry is how long a typing:start counts without a refresh.
const TypingExpiry = 6 * time.Second

// TypingTracker keeps who is typing per room. Entries lapse after
// TypingExpiry even when typing:stop never arrives.
type TypingTracker struct {
	clock  clockwork.Clock
	expiry time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]time.Time
}

func NewTypingTracker(clock clockwork.Clock) *TypingTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TypingTracker{clock: clock, expiry: TypingExpiry, rooms: make(map[string]map[string]time.Time)}
}

func (t *TypingTracker) Start(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[string]time.Time)
		t.rooms[roomID] = users
	}
	users[userID] = t.clock.Now().Add(t.expiry)
}

func (t *TypingTracker) Stop(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms[roomID], userID)
	if len(t.rooms[roomID]) == 0 {
		delete(t.rooms, roomID)
	}
}

// Typing returns the users currently typing in roomID, sorted.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var out []string
	for userID, until := range t.rooms[roomID] {
		if !now.Before(until) {
			delete(t.rooms[roomID], userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}
