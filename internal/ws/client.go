package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/models"
)

const maxMessageSize = 256 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Dispatcher handles one client event on behalf of id. A non-nil result is
// sent back to the originating connection as an error event.
type Dispatcher interface {
	Dispatch(ctx context.Context, id models.Identity, env events.Envelope) *events.ErrorPayload
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	identity     models.Identity
	initialRooms []string
	dispatcher   Dispatcher

	// Buffered channel of outbound frames. Only the hub closes it.
	send chan []byte
}

// ServeWs upgrades the request and registers the connection for id, already
// subscribed to roomIDs.
func ServeWs(hub *Hub, d Dispatcher, w http.ResponseWriter, r *http.Request, id models.Identity, roomIDs []string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("upgrade failed", "user", id.UserID, "err", err)
		return
	}
	c := &Client{
		hub:          hub,
		conn:         conn,
		identity:     id,
		initialRooms: roomIDs,
		dispatcher:   d,
		send:         make(chan []byte, hub.opts.SendBuffer),
	}
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}
	hub.logger.Info("connected", "user", id.UserID, "rooms", len(roomIDs))

	// The request context ends when the handler returns, so the pumps get
	// their own.
	ctx, cancel := context.WithCancel(context.Background())
	go c.writePump(cancel)
	go c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.logger.Info("disconnected", "user", c.identity.UserID)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read failed", "user", c.identity.UserID, "err", err)
			}
			return
		}
		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.hub.reply(c, events.Error, events.ErrorPayload{
				Code:    string(apperr.CodeInvalidArgument),
				Message: "malformed event",
			})
			continue
		}
		if failure := c.dispatcher.Dispatch(ctx, c.identity, env); failure != nil {
			c.hub.reply(c, events.Error, failure)
		}
	}
}

func (c *Client) writePump(cancel context.CancelFunc) {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
