// Package client is the user-side half of teamchat: it holds the unlocked
// key material, encrypts before anything leaves the process and decrypts
// what comes back.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/models"
)

const incomingBuffer = 256

type Config struct {
	BaseURL   string
	Workspace string

	HTTPClient        *http.Client
	Clock             clockwork.Clock
	SessionTTL        time.Duration
	KeyRequestTimeout time.Duration
	// KDFIterations is the PBKDF2 cost for newly wrapped private keys.
	KDFIterations int
	Backoff       func() retry.Backoff
	Logger        *slog.Logger
}

type Client struct {
	cfg     Config
	api     *API
	session *Session
	keys    *Keyring
	rt      *Realtime
	typing  *TypingTracker
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	self     models.User
	incoming chan events.Envelope
}

func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api, err := NewAPI(cfg.BaseURL, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		api:      api,
		session:  NewSession(api, cfg.Clock, cfg.SessionTTL),
		typing:   NewTypingTracker(cfg.Clock),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan events.Envelope, incomingBuffer),
	}
	c.rt, err = NewRealtime(cfg.BaseURL, api.http.Jar, cfg.Backoff, c.handle, cfg.Logger)
	if err != nil {
		cancel()
		return nil, err
	}
	c.keys = NewKeyring(api, c.session, c.rt, cfg.KDFIterations, cfg.KeyRequestTimeout, cfg.Logger)
	return c, nil
}

func (c *Client) API() *API { return c.api }

func (c *Client) Session() *Session { return c.session }

func (c *Client) Keyring() *Keyring { return c.keys }

func (c *Client) Realtime() *Realtime { return c.rt }

func (c *Client) Typing() *TypingTracker { return c.typing }

func (c *Client) Self() models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

func (c *Client) setSelf(u *models.User) {
	c.mu.Lock()
	c.self = *u
	c.mu.Unlock()
}

// Incoming delivers every realtime event. Events are dropped when the
// consumer falls more than incomingBuffer behind.
func (c *Client) Incoming() <-chan events.Envelope {
	return c.incoming
}

func (c *Client) Signup(ctx context.Context, username, password string) error {
	u, err := c.api.Signup(ctx, username, password, "")
	if err != nil {
		return err
	}
	c.setSelf(u)
	return nil
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	u, err := c.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	c.setSelf(u)
	return nil
}

// InitializeEncryption creates the key pair on first use and unlocks the
// session with password.
func (c *Client) InitializeEncryption(ctx context.Context, password string) (string, error) {
	pub, err := c.keys.InitializeUserEncryption(ctx, password)
	if err != nil {
		return "", err
	}
	return pub, c.session.Unlock(ctx, password)
}

func (c *Client) Unlock(ctx context.Context, passphrase string) error {
	return c.session.Unlock(ctx, passphrase)
}

// Lock forgets the private key and every cached room key.
func (c *Client) Lock() {
	c.session.Lock()
	c.keys.Purge()
}

// RotateKeys replaces the user's key pair, re-wrapping the room keys of
// every room the user belongs to so history stays readable.
func (c *Client) RotateKeys(ctx context.Context, oldPassword, newPassword string) error {
	ids, err := c.api.RoomIDs(ctx)
	if err != nil {
		return err
	}
	return c.keys.RotateUserKeyPair(ctx, oldPassword, newPassword, ids)
}

func (c *Client) Connect(ctx context.Context) error {
	return c.rt.Connect(ctx)
}

func (c *Client) Close() error {
	c.cancel()
	err := c.rt.Close()
	c.wg.Wait()
	c.Lock()
	return err
}

func (c *Client) handle(env events.Envelope) {
	self := c.Self().ID
	switch env.Event {
	case events.KeyRequest:
		var p events.KeyRequestPayload
		if env.Decode(&p) == nil && p.UserID != self {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
				defer cancel()
				c.keys.HandleKeyRequest(ctx, self, p)
			}()
		}
	case events.KeyProvisioned:
		var p events.KeyProvisionedPayload
		if env.Decode(&p) == nil {
			c.keys.Provisioned(p)
		}
	case events.TypingStart, events.TypingStop:
		var p events.Typing
		if env.Decode(&p) == nil && p.UserID != self {
			if env.Event == events.TypingStart {
				c.typing.Start(p.RoomID, p.UserID)
			} else {
				c.typing.Stop(p.RoomID, p.UserID)
			}
		}
	}

	select {
	case c.incoming <- env:
	default:
		c.logger.Warn("dropping realtime event, consumer too slow", "event", env.Event)
	}
}

// CreateRoom creates a room in the client's workspace. Encrypted rooms get
// version 1 of their key here, wrapped for every member that has a public
// key. Members without one stay key-pending.
func (c *Client) CreateRoom(ctx context.Context, in chat.CreateRoomInput) (*models.Room, error) {
	if !in.IsEncrypted {
		return c.api.CreateRoom(ctx, c.cfg.Workspace, in)
	}
	self := c.Self().ID
	pub, err := c.session.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := crypto.GenerateRoomKey()
	if err != nil {
		return nil, err
	}
	in.KeyCopies, err = c.keys.wrapWith(map[string]string{self: pub.String()}, key, self)
	if err != nil {
		return nil, err
	}
	room, err := c.api.CreateRoom(ctx, c.cfg.Workspace, in)
	if err != nil {
		return nil, err
	}
	c.keys.remember(models.KeyID(room.ID, 1), key)

	var others []string
	for _, m := range room.Members {
		if m.UserID != self {
			others = append(others, m.UserID)
		}
	}
	if len(others) == 0 {
		return room, nil
	}
	if _, err := c.keys.ProvisionMembers(ctx, room.ID, 1, others...); err != nil {
		return nil, err
	}
	return c.api.GetRoom(ctx, room.ID)
}

// AddMember adds userID and, in an encrypted room, immediately provisions
// them with the current key when they have a public key.
func (c *Client) AddMember(ctx context.Context, roomID, userID string, role models.Role) (*models.Member, error) {
	m, err := c.api.AddMember(ctx, roomID, chat.AddMemberInput{UserID: userID, Role: role})
	if err != nil {
		return nil, err
	}
	if !m.KeyPending || !c.session.Unlocked() {
		return m, nil
	}
	room, err := c.api.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := c.keys.ProvisionMembers(ctx, roomID, room.CurrentKeyVersion, userID); err != nil {
		// The member is in; another holder can still answer their key:request.
		c.logger.Warn("provision new member", "room", roomID, "member", userID, "err", err)
		return m, nil
	}
	if room, err = c.api.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	for _, member := range room.Members {
		if member.UserID == userID {
			return &member, nil
		}
	}
	return m, nil
}

func (c *Client) RemoveMember(ctx context.Context, roomID, userID string) error {
	return c.api.RemoveMember(ctx, roomID, userID)
}

func (c *Client) RegenerateRoomKey(ctx context.Context, roomID string) (*RoomKey, error) {
	return c.keys.RegenerateRoomKey(ctx, roomID)
}

type Draft struct {
	Text        string
	Type        models.MessageType
	ReplyTo     string
	Attachments []models.Attachment
}

// Send encrypts d when the room is encrypted and emits message:send. It
// returns the client nonce the server will echo back.
func (c *Client) Send(ctx context.Context, roomID string, d Draft) (string, error) {
	room, err := c.api.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	msg := events.SendMessage{
		RoomID:      roomID,
		ClientNonce: uuid.NewString(),
		Type:        d.Type,
		Attachments: d.Attachments,
		ReplyTo:     d.ReplyTo,
	}
	if room.IsEncrypted {
		msg.EncryptedContent, err = c.encrypt(ctx, roomID, d.Text)
		if err != nil {
			return "", err
		}
	} else {
		msg.Content = d.Text
	}
	return msg.ClientNonce, c.rt.Send(ctx, msg)
}

func (c *Client) encrypt(ctx context.Context, roomID, text string) (*models.EncryptedContent, error) {
	rk, err := c.keys.GetOrCreateRoomKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return sealWith(rk, text)
}

func sealWith(rk *RoomKey, text string) (*models.EncryptedContent, error) {
	box, err := crypto.SealBox([]byte(text), rk.Key)
	if err != nil {
		return nil, err
	}
	return &models.EncryptedContent{EncryptedContent: box.Ciphertext, IV: box.IV, KeyID: rk.KeyID}, nil
}

// Unconfirmed lists sends the server has not echoed, for offering a resend.
func (c *Client) Unconfirmed() []events.SendMessage {
	return c.rt.Unconfirmed()
}

// Resend re-emits an unconfirmed send with its original nonce.
func (c *Client) Resend(ctx context.Context, msg events.SendMessage) error {
	return c.rt.Send(ctx, msg)
}

type DecryptState int

const (
	StatePlain DecryptState = iota
	StateReadable
	StateUnreadable
	StateDeleted
)

func (s DecryptState) String() string {
	switch s {
	case StateReadable:
		return "readable"
	case StateUnreadable:
		return "unreadable"
	case StateDeleted:
		return "deleted"
	default:
		return "plain"
	}
}

// DecryptedMessage is a message as the user sees it. Err explains an
// Unreadable state.
type DecryptedMessage struct {
	Message *models.Message
	State   DecryptState
	Text    string
	Err     error
}

// Decrypt never fails: a message that cannot be opened comes back
// Unreadable with the cause attached.
func (c *Client) Decrypt(ctx context.Context, msg *models.Message) DecryptedMessage {
	out := DecryptedMessage{Message: msg}
	switch {
	case msg.DeletedAt != nil:
		out.State = StateDeleted
		return out
	case msg.EncryptedContent == nil:
		out.State = StatePlain
		out.Text = msg.Content
		return out
	}

	rk, err := c.keys.RoomKeyByID(ctx, msg.EncryptedContent.KeyID)
	if err != nil {
		out.State, out.Err = StateUnreadable, err
		return out
	}
	plaintext, err := crypto.OpenBox(msg.EncryptedContent.Box(), rk.Key)
	if err != nil {
		out.State, out.Err = StateUnreadable, err
		return out
	}
	out.State, out.Text = StateReadable, string(plaintext)
	return out
}

// History fetches a page of messages, oldest first, and decrypts them.
func (c *Client) History(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]DecryptedMessage, error) {
	msgs, err := c.api.ListMessages(ctx, roomID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DecryptedMessage, len(msgs))
	for i := range msgs {
		out[i] = c.Decrypt(ctx, &msgs[i])
	}
	return out, nil
}

// Edit replaces a message body. Encrypted bodies are sealed under the key
// the message was first written with.
func (c *Client) Edit(ctx context.Context, roomID, messageID, text string) (*models.Message, error) {
	orig, err := c.api.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	if orig.EncryptedContent == nil {
		return c.api.EditMessage(ctx, roomID, messageID, nil, text)
	}
	rk, err := c.keys.RoomKeyByID(ctx, orig.EncryptedContent.KeyID)
	if err != nil {
		return nil, err
	}
	enc, err := sealWith(rk, text)
	if err != nil {
		return nil, err
	}
	return c.api.EditMessage(ctx, roomID, messageID, enc, "")
}

func (c *Client) Delete(ctx context.Context, roomID, messageID string) error {
	return c.api.DeleteMessage(ctx, roomID, messageID)
}

func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	event := events.TypingStop
	if typing {
		event = events.TypingStart
	}
	return c.rt.Emit(ctx, event, events.Typing{RoomID: roomID})
}

func (c *Client) MarkRead(ctx context.Context, roomID, messageID string) error {
	return c.rt.Emit(ctx, events.MessageRead, events.Read{RoomID: roomID, MessageID: messageID})
}
