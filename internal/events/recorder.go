package events

import "sync"

type Published struct {
	Channel string
	Event   string
	Data    any
}

// Recorder is an in-memory Publisher that keeps everything it is given.
type Recorder struct {
	mu            sync.Mutex
	published     []Published
	subscriptions map[string]map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{subscriptions: make(map[string]map[string]bool)}
}

func (r *Recorder) Publish(channel, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, Published{Channel: channel, Event: event, Data: data})
}

func (r *Recorder) Subscribe(userID string, roomIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subscriptions[userID]
	if set == nil {
		set = make(map[string]bool)
		r.subscriptions[userID] = set
	}
	for _, id := range roomIDs {
		set[id] = true
	}
}

func (r *Recorder) Unsubscribe(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions[userID], roomID)
}

func (r *Recorder) Subscribed(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscriptions[userID][roomID]
}

// Events returns what was published with the given event name, in order.
func (r *Recorder) Events(event string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Published
	for _, p := range r.published {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
}
