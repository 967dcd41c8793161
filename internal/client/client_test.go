package client

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/handlers"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/models"
	"github.com/pliu/teamchat/internal/store/sqlstore"
	"github.com/pliu/teamchat/internal/ws"
)

const (
	workspace = "acme"
	password  = "correct horse battery"
)

type testServer struct {
	*httptest.Server
	hub *ws.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := sqlstore.New(context.Background(), sqlstore.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(ws.Options{}, logger)
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)

	keySvc := keys.NewService(st, hub, logger, nil)
	chatSvc := chat.NewService(st, keySvc, auth.NewInvitationSigner([]byte("invite-secret"), time.Hour, nil), hub, logger, nil)
	srv := httptest.NewServer(handlers.NewRouter(handlers.Deps{
		Store:      st,
		Sessions:   auth.NewSessionManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour, false),
		Chat:       chatSvc,
		Keys:       keySvc,
		Hub:        hub,
		Dispatcher: ws.NewEventDispatcher(chatSvc, keySvc, hub, logger),
		Logger:     logger,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub}
}

type user struct {
	*Client
	clock *clockwork.FakeClock
}

// newUser signs up, creates a key pair when encrypted is set, and connects
// the realtime channel.
func newUser(t *testing.T, srv *testServer, name string, encrypted bool) *user {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c, err := New(Config{
		BaseURL:           srv.URL,
		Workspace:         workspace,
		Clock:             clock,
		KeyRequestTimeout: 2 * time.Second,
		KDFIterations:     crypto.MinIterations,
		Backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(20*time.Millisecond))
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Signup(ctx, name, password))
	if encrypted {
		pub, err := c.InitializeEncryption(ctx, password)
		require.NoError(t, err)
		require.NotEmpty(t, pub)
	}
	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool { return srv.hub.Online(c.Self().ID) }, 2*time.Second, 10*time.Millisecond)
	return &user{Client: c, clock: clock}
}

// next waits for the first event named event that satisfies match.
func (u *user) next(t *testing.T, event string, match func(events.Envelope) bool) events.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-u.Incoming():
			if env.Event == event && (match == nil || match(env)) {
				return env
			}
		case <-timeout:
			t.Fatalf("%s: no %s event", u.Self().Username, event)
			return events.Envelope{}
		}
	}
}

func (u *user) nextMessage(t *testing.T, nonce string) *models.Message {
	t.Helper()
	var msg models.Message
	u.next(t, events.MessageNew, func(env events.Envelope) bool {
		return env.Decode(&msg) == nil && msg.ClientNonce == nonce
	})
	return &msg
}

func (u *user) encryptedRoom(t *testing.T, members ...*user) *models.Room {
	t.Helper()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Self().ID)
	}
	room, err := u.CreateRoom(context.Background(), chat.CreateRoomInput{
		Name: "secret", Type: models.RoomTypeGroup, IsEncrypted: true, MemberIDs: ids,
	})
	require.NoError(t, err)
	return room
}

func TestEncryptedConversation(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	bob := newUser(t, srv, "bob", true)
	carol := newUser(t, srv, "carol", true)

	room := alice.encryptedRoom(t, bob)
	for _, m := range room.Members {
		assert.False(t, m.KeyPending, "%s has a copy", m.UserID)
	}

	nonce, err := alice.Send(ctx, room.ID, Draft{Text: "hi bob"})
	require.NoError(t, err)
	got := bob.nextMessage(t, nonce)
	require.NotNil(t, got.EncryptedContent)
	assert.Empty(t, got.Content, "server only sees ciphertext")
	assert.Equal(t, models.KeyID(room.ID, 1), got.EncryptedContent.KeyID)

	dm := bob.Decrypt(ctx, got)
	require.NoError(t, dm.Err)
	assert.Equal(t, StateReadable, dm.State)
	assert.Equal(t, "hi bob", dm.Text)

	require.Eventually(t, func() bool { return len(alice.Unconfirmed()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// Outsiders cannot read, even with encryption set up.
	_, err = carol.API().ListMessages(ctx, room.ID, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied), "got %v", err)

	// Adding carol provisions her at once, and she can read history.
	m, err := alice.AddMember(ctx, room.ID, carol.Self().ID, models.RoleMember)
	require.NoError(t, err)
	assert.False(t, m.KeyPending)
	history, err := carol.History(ctx, room.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi bob", history[0].Text)
}

func TestPendingMemberIsProvisionedOnRequest(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	bob := newUser(t, srv, "bob", true)
	carol := newUser(t, srv, "carol", true)
	room := alice.encryptedRoom(t, bob)

	// alice adds carol while locked, so carol joins pending.
	alice.Lock()
	m, err := alice.AddMember(ctx, room.ID, carol.Self().ID, models.RoleMember)
	require.NoError(t, err)
	assert.True(t, m.KeyPending)

	// bob is online and unlocked and answers the request.
	nonce, err := carol.Send(ctx, room.ID, Draft{Text: "thanks for the key"})
	require.NoError(t, err)
	got := bob.nextMessage(t, nonce)
	dm := bob.Decrypt(ctx, got)
	assert.Equal(t, "thanks for the key", dm.Text)
}

func TestKeyRequestTimesOut(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	carol := newUser(t, srv, "carol", true)
	room := alice.encryptedRoom(t)

	alice.Lock()
	_, err := alice.AddMember(ctx, room.ID, carol.Self().ID, models.RoleMember)
	require.NoError(t, err)

	start := time.Now()
	_, err = carol.Send(ctx, room.ID, Draft{Text: "anyone?"})
	assert.True(t, errors.Is(err, apperr.ErrDeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Empty(t, carol.Unconfirmed(), "nothing was emitted")
}

func TestSessionGate(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	room := alice.encryptedRoom(t)

	nonce, err := alice.Send(ctx, room.ID, Draft{Text: "before expiry"})
	require.NoError(t, err)
	msg := alice.nextMessage(t, nonce)

	alice.clock.Advance(DefaultSessionTTL + time.Minute)
	_, err = alice.Send(ctx, room.ID, Draft{Text: "after expiry"})
	assert.True(t, errors.Is(err, apperr.ErrSessionExpired), "got %v", err)
	dm := alice.Decrypt(ctx, msg)
	assert.Equal(t, StateUnreadable, dm.State)
	assert.True(t, errors.Is(dm.Err, apperr.ErrSessionExpired))

	err = alice.Unlock(ctx, "wrong passphrase")
	assert.True(t, errors.Is(err, crypto.ErrWrongPassphrase), "got %v", err)
	assert.False(t, alice.Session().Unlocked())

	require.NoError(t, alice.Unlock(ctx, password))
	assert.Equal(t, alice.clock.Now().Add(DefaultSessionTTL), alice.Session().ExpiresAt())
	dm = alice.Decrypt(ctx, msg)
	assert.Equal(t, "before expiry", dm.Text)

	alice.Lock()
	_, err = alice.CreateRoom(ctx, chat.CreateRoomInput{Name: "x", Type: models.RoomTypeGroup, IsEncrypted: true})
	assert.True(t, errors.Is(err, ErrSessionLocked))
}

func TestInitializeEncryptionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)

	first, err := alice.API().KeyPair(ctx)
	require.NoError(t, err)
	pub, err := alice.InitializeEncryption(ctx, password)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, pub)
}

func TestEditKeepsOriginalKeyAcrossRegeneration(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	bob := newUser(t, srv, "bob", true)
	room := alice.encryptedRoom(t, bob)

	nonce, err := alice.Send(ctx, room.ID, Draft{Text: "first draft"})
	require.NoError(t, err)
	orig := bob.nextMessage(t, nonce)

	rk, err := alice.RegenerateRoomKey(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rk.Version)

	edited, err := alice.Edit(ctx, room.ID, orig.ID, "second draft")
	require.NoError(t, err)
	assert.Equal(t, models.KeyID(room.ID, 1), edited.EncryptedContent.KeyID)
	assert.NotNil(t, edited.EditedAt)

	nonce, err = alice.Send(ctx, room.ID, Draft{Text: "under v2"})
	require.NoError(t, err)
	latest := bob.nextMessage(t, nonce)
	assert.Equal(t, models.KeyID(room.ID, 2), latest.EncryptedContent.KeyID)

	history, err := bob.History(ctx, room.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second draft", history[0].Text)
	assert.Equal(t, "under v2", history[1].Text)

	require.NoError(t, alice.Delete(ctx, room.ID, orig.ID))
	history, err = bob.History(ctx, room.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, history[0].State)
	assert.Empty(t, history[0].Text)
}

func TestTamperedCiphertextIsUnreadable(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	room := alice.encryptedRoom(t)

	nonce, err := alice.Send(ctx, room.ID, Draft{Text: "integrity"})
	require.NoError(t, err)
	msg := alice.nextMessage(t, nonce)

	raw, err := base64.StdEncoding.DecodeString(msg.EncryptedContent.EncryptedContent)
	require.NoError(t, err)
	raw[0] ^= 0xff
	tampered := *msg
	tampered.EncryptedContent = &models.EncryptedContent{
		EncryptedContent: base64.StdEncoding.EncodeToString(raw),
		IV:               msg.EncryptedContent.IV,
		KeyID:            msg.EncryptedContent.KeyID,
	}

	dm := alice.Decrypt(ctx, &tampered)
	assert.Equal(t, StateUnreadable, dm.State)
	assert.True(t, errors.Is(dm.Err, crypto.ErrIntegrity))
	assert.Empty(t, dm.Text)

	assert.Equal(t, "integrity", alice.Decrypt(ctx, msg).Text)
}

func TestRotateKeysKeepsHistoryReadable(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	bob := newUser(t, srv, "bob", true)
	room := alice.encryptedRoom(t, bob)

	nonce, err := bob.Send(ctx, room.ID, Draft{Text: "from bob"})
	require.NoError(t, err)
	alice.nextMessage(t, nonce)

	// A room in another workspace is re-wrapped as well.
	elsewhere, err := alice.API().CreateRoom(ctx, "elsewhere", chat.CreateRoomInput{
		Name: "far", Type: models.RoomTypeGroup, IsEncrypted: true, MemberIDs: []string{bob.Self().ID},
	})
	require.NoError(t, err)
	nonce, err = alice.Send(ctx, elsewhere.ID, Draft{Text: "far away"})
	require.NoError(t, err)
	bob.nextMessage(t, nonce)

	require.NoError(t, alice.RotateKeys(ctx, password, "a brand new passphrase"))
	kp, err := alice.API().KeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, kp.KeyVersion)

	history, err := alice.History(ctx, room.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "from bob", history[0].Text)

	alice.Lock()
	assert.True(t, errors.Is(alice.Unlock(ctx, password), crypto.ErrWrongPassphrase))
	require.NoError(t, alice.Unlock(ctx, "a brand new passphrase"))
	history, err = alice.History(ctx, room.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "from bob", history[0].Text)
	history, err = alice.History(ctx, elsewhere.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StateReadable, history[0].State)
	assert.Equal(t, "far away", history[0].Text)
}

func TestConcurrentKeyCreationConverges(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", true)
	bob := newUser(t, srv, "bob", true)

	// A room created without key copies has no key yet.
	room, err := alice.API().CreateRoom(ctx, workspace, chat.CreateRoomInput{
		Name: "race", Type: models.RoomTypeGroup, IsEncrypted: true, MemberIDs: []string{bob.Self().ID},
	})
	require.NoError(t, err)
	require.Zero(t, room.CurrentKeyVersion)

	var (
		wg      sync.WaitGroup
		results = make([]*RoomKey, 4)
		errs    = make([]error, 4)
	)
	for i := range results {
		u := alice
		if i%2 == 1 {
			u = bob
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = u.Keyring().GetOrCreateRoomKey(ctx, room.ID)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].KeyID, results[i].KeyID)
		assert.Equal(t, results[0].Key, results[i].Key)
	}
	versions, err := alice.API().RoomKeyVersions(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPlainRoomAndTyping(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", false)
	bob := newUser(t, srv, "bob", false)

	room, err := alice.CreateRoom(ctx, chat.CreateRoomInput{Name: "lobby", Type: models.RoomTypeGroup, MemberIDs: []string{bob.Self().ID}})
	require.NoError(t, err)

	require.NoError(t, alice.SetTyping(ctx, room.ID, true))
	bob.next(t, events.TypingStart, nil)
	assert.Equal(t, []string{alice.Self().ID}, bob.Typing().Typing(room.ID))
	bob.clock.Advance(TypingExpiry)
	assert.Empty(t, bob.Typing().Typing(room.ID))

	nonce, err := alice.Send(ctx, room.ID, Draft{Text: "plain hello"})
	require.NoError(t, err)
	got := bob.nextMessage(t, nonce)
	dm := bob.Decrypt(ctx, got)
	assert.Equal(t, StatePlain, dm.State)
	assert.Equal(t, "plain hello", dm.Text)
}

func TestUnconfirmedAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice := newUser(t, srv, "alice", false)
	room, err := alice.CreateRoom(ctx, chat.CreateRoomInput{Name: "solo", Type: models.RoomTypeGroup})
	require.NoError(t, err)

	srv.Close()
	srv.hub.Stop()
	require.Eventually(t, func() bool {
		return alice.Realtime().State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	err = alice.Realtime().Send(ctx, events.SendMessage{RoomID: room.ID, ClientNonce: "n-1", Content: "lost"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	pending := alice.Unconfirmed()
	require.Len(t, pending, 1)
	assert.Equal(t, "lost", pending[0].Content)
	assert.True(t, errors.Is(alice.Resend(ctx, pending[0]), ErrUnavailable))
	assert.Len(t, alice.Unconfirmed(), 1, "a resend keeps one entry per nonce")
}
