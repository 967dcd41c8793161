// Package ws is the realtime transport: a hub that owns the registry of
// live connections and fans events out to room and user channels.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pliu/teamchat/internal/events"
)

type Options struct {
	// SendBuffer is the number of outbound frames queued per connection
	// before the connection is dropped as too slow.
	SendBuffer int
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

type publication struct {
	channel string
	// target, when set, restricts delivery to that one connection.
	target  *Client
	payload []byte
}

type subscription struct {
	userID  string
	roomIDs []string
	remove  bool
}

// Hub implements events.Publisher. All registry state is owned by the run
// goroutine and everything else talks to it over unbuffered channels, so
// calls made in sequence by one goroutine take effect in that order.
type Hub struct {
	opts   Options
	logger *slog.Logger

	// Live connections, at most one per user.
	clients map[string]*Client
	// Room subscriptions per user. They outlive a connection and change
	// only through Subscribe and Unsubscribe.
	rooms map[string]map[string]struct{}

	register   chan *Client
	unregister chan *Client
	publish    chan publication
	subscribe  chan subscription
	queries    chan func()

	done      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewHub(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "ws"),
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan publication),
		subscribe:  make(chan subscription),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start runs the hub until ctx is cancelled or Stop is called. Only the
// first call has an effect, and none after Stop.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
				h.Stop()
			case <-h.done:
			}
		}()
		go h.run()
	})
}

// Stop closes every connection and waits for the run loop to exit. A hub
// that was never started stops immediately.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.startOnce.Do(func() { close(h.stopped) })
	<-h.stopped
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case p := <-h.publish:
			h.deliver(p)
		case s := <-h.subscribe:
			h.applySubscription(s)
		case q := <-h.queries:
			q()
		case <-h.done:
			for userID, c := range h.clients {
				close(c.send)
				delete(h.clients, userID)
			}
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	set := h.roomSet(c.identity.UserID)
	for _, id := range c.initialRooms {
		set[id] = struct{}{}
	}
	old, wasOnline := h.clients[c.identity.UserID]
	if wasOnline {
		h.logger.Info("replacing connection", "user", c.identity.UserID)
		close(old.send)
	}
	h.clients[c.identity.UserID] = c
	if !wasOnline {
		h.announcePresence(c.identity.UserID, true)
	}
}

func (h *Hub) remove(c *Client) {
	if h.clients[c.identity.UserID] != c {
		// Already replaced or dropped.
		return
	}
	delete(h.clients, c.identity.UserID)
	close(c.send)
	h.announcePresence(c.identity.UserID, false)
}

func (h *Hub) roomSet(userID string) map[string]struct{} {
	set, ok := h.rooms[userID]
	if !ok {
		set = make(map[string]struct{})
		h.rooms[userID] = set
	}
	return set
}

func (h *Hub) applySubscription(s subscription) {
	set := h.roomSet(s.userID)
	for _, id := range s.roomIDs {
		if s.remove {
			delete(set, id)
		} else {
			set[id] = struct{}{}
		}
	}
	if len(set) == 0 {
		delete(h.rooms, s.userID)
	}
}

// announcePresence tells every online user who shares a room with userID.
func (h *Hub) announcePresence(userID string, online bool) {
	payload, err := encode(events.Presence, events.PresencePayload{UserID: userID, Online: online})
	if err != nil {
		h.logger.Error("encode presence", "err", err)
		return
	}
	mine := h.rooms[userID]
	for otherID, c := range h.clients {
		if otherID == userID {
			continue
		}
		for roomID := range h.rooms[otherID] {
			if _, ok := mine[roomID]; ok {
				h.send(c, payload)
				break
			}
		}
	}
}

func (h *Hub) deliver(p publication) {
	if p.target != nil {
		if h.clients[p.target.identity.UserID] == p.target {
			h.send(p.target, p.payload)
		}
		return
	}
	switch {
	case strings.HasPrefix(p.channel, "user:"):
		if c, ok := h.clients[strings.TrimPrefix(p.channel, "user:")]; ok {
			h.send(c, p.payload)
		}
	case strings.HasPrefix(p.channel, "room:"):
		roomID := strings.TrimPrefix(p.channel, "room:")
		for userID, c := range h.clients {
			if _, ok := h.rooms[userID][roomID]; ok {
				h.send(c, p.payload)
			}
		}
	default:
		h.logger.Warn("publish to unknown channel", "channel", p.channel)
	}
}

// send never blocks the run loop. A connection whose buffer is full is
// dropped the same way as one that unregistered, so its room peers see it
// go offline.
func (h *Hub) send(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("dropping slow connection", "user", c.identity.UserID)
		h.remove(c)
	}
}

func encode(event string, data any) ([]byte, error) {
	env, err := events.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (h *Hub) enqueue(p publication) {
	select {
	case h.publish <- p:
	case <-h.done:
	}
}

func (h *Hub) Publish(channel, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.logger.Error("encode event", "event", event, "err", err)
		return
	}
	h.enqueue(publication{channel: channel, payload: payload})
}

// reply sends an event to one connection only.
func (h *Hub) reply(c *Client, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.logger.Error("encode reply", "event", event, "err", err)
		return
	}
	h.enqueue(publication{target: c, payload: payload})
}

func (h *Hub) Subscribe(userID string, roomIDs ...string) {
	select {
	case h.subscribe <- subscription{userID: userID, roomIDs: roomIDs}:
	case <-h.done:
	}
}

func (h *Hub) Unsubscribe(userID, roomID string) {
	select {
	case h.subscribe <- subscription{userID: userID, roomIDs: []string{roomID}, remove: true}:
	case <-h.done:
	}
}

// Online reports whether userID has a live connection.
func (h *Hub) Online(userID string) bool {
	var online bool
	h.query(func() { _, online = h.clients[userID] })
	return online
}

// Subscribed reports whether userID receives events for roomID.
func (h *Hub) Subscribed(userID, roomID string) bool {
	var ok bool
	h.query(func() { _, ok = h.rooms[userID][roomID] })
	return ok
}

// query runs fn on the run goroutine.
func (h *Hub) query(fn func()) {
	ran := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(ran) }:
		<-ran
	case <-h.done:
	}
}

var _ events.Publisher = (*Hub)(nil)
