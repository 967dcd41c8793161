package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/models"
)

const (
	DefaultReconnectAttempts = 5
	writeWait                = 10 * time.Second
)

var ErrUnavailable = apperr.New(apperr.CodeUnavailable, "realtime connection unavailable")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// DefaultBackoff retries five times starting at 250ms and doubling.
func DefaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(DefaultReconnectAttempts, retry.NewExponential(250*time.Millisecond))
}

// Realtime is the client end of the websocket. It reconnects on its own
// with bounded backoff and tracks sends the server has not echoed yet.
type Realtime struct {
	url     string
	dialer  *websocket.Dialer
	backoff func() retry.Backoff
	handler func(events.Envelope)
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	pending []events.SendMessage

	writeMu sync.Mutex
}

// NewRealtime prepares a connection to the /ws endpoint of baseURL. jar
// supplies the session cookie. handler sees every inbound event on the read
// goroutine.
func NewRealtime(baseURL string, jar http.CookieJar, backoff func() retry.Backoff, handler func(events.Envelope), logger *slog.Logger) (*Realtime, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	if backoff == nil {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Realtime{
		url:     u.String(),
		dialer:  &websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second},
		backoff: backoff,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (r *Realtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Realtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Connect dials with retries and starts reading.
func (r *Realtime) Connect(ctx context.Context) error {
	r.setState(StateConnecting)
	conn, err := r.dial(ctx)
	if err != nil {
		r.setState(StateDisconnected)
		return err
	}
	r.attach(conn)
	r.wg.Add(1)
	go r.readLoop(conn)
	return nil
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		c, resp, err := r.dialer.DialContext(ctx, r.url, nil)
		if err != nil {
			// A refused handshake will not get better by retrying.
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return apperr.Wrap(apperr.CodeUnauthenticated, "realtime handshake rejected", err)
			}
			r.logger.Debug("realtime dial failed", "url", r.url, "err", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeUnauthenticated {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeUnavailable, "realtime connection unavailable", err)
	}
	return conn, nil
}

func (r *Realtime) attach(conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.state = StateConnected
	r.mu.Unlock()
}

// readLoop reads until the connection fails, then redials. When the
// redial gives up the state stays Disconnected.
func (r *Realtime) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	for {
		for {
			var env events.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				r.logger.Debug("realtime read ended", "err", err)
				break
			}
			r.observe(env)
			if r.handler != nil {
				r.handler(env)
			}
		}
		conn.Close()

		if r.ctx.Err() != nil {
			r.setState(StateDisconnected)
			return
		}
		r.setState(StateReconnecting)
		next, err := r.dial(r.ctx)
		if err != nil {
			r.setState(StateDisconnected)
			r.logger.Warn("realtime reconnect failed", "err", err, "unconfirmed", len(r.Unconfirmed()))
			return
		}
		r.logger.Info("realtime reconnected")
		r.attach(next)
		conn = next
	}
}

// observe confirms pending sends: an echoed message:new carrying the nonce,
// or an error event referring to it.
func (r *Realtime) observe(env events.Envelope) {
	var nonce string
	switch env.Event {
	case events.MessageNew:
		var msg models.Message
		if env.Decode(&msg) != nil {
			return
		}
		nonce = msg.ClientNonce
	case events.Error:
		var e events.ErrorPayload
		if env.Decode(&e) != nil || e.Event != events.MessageSend {
			return
		}
		nonce = e.Ref
	}
	if nonce == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePending(nonce)
}

func (r *Realtime) removePending(nonce string) {
	for i, p := range r.pending {
		if p.ClientNonce == nonce {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Emit writes one event. It fails with ErrUnavailable unless connected.
func (r *Realtime) Emit(ctx context.Context, event string, data any) error {
	env, err := events.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	conn, state := r.conn, r.state
	r.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrUnavailable
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "realtime write failed", err)
	}
	return nil
}

// Send emits message:send and keeps msg pending until the server echoes its
// nonce. A failed send stays pending and shows up in Unconfirmed.
func (r *Realtime) Send(ctx context.Context, msg events.SendMessage) error {
	if msg.ClientNonce == "" {
		return apperr.InvalidArg("send requires a client nonce")
	}
	r.mu.Lock()
	r.removePending(msg.ClientNonce)
	r.pending = append(r.pending, msg)
	r.mu.Unlock()
	return r.Emit(ctx, events.MessageSend, msg)
}

// Unconfirmed lists sends without a server echo, oldest first.
func (r *Realtime) Unconfirmed() []events.SendMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.SendMessage, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *Realtime) RequestRoomKey(ctx context.Context, roomID string) error {
	return r.Emit(ctx, events.KeyRequest, events.KeyRequestPayload{RoomID: roomID})
}

// Close stops reconnecting and closes the connection.
func (r *Realtime) Close() error {
	r.cancel()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	var err error
	if conn != nil {
		r.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = conn.Close()
	}
	r.wg.Wait()
	r.setState(StateDisconnected)
	return err
}
