package chat

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/models"
	"github.com/pliu/teamchat/internal/store/sqlstore"
)

var (
	alice = models.Identity{UserID: "alice", Name: "Alice"}
	bob   = models.Identity{UserID: "bob", Name: "Bob"}
	carol = models.Identity{UserID: "carol", Name: "Carol"}
	dave  = models.Identity{UserID: "dave", Name: "Dave"}
)

type fixture struct {
	svc      *Service
	keys     *keys.Service
	store    *sqlstore.SQLStore
	recorder *events.Recorder
	clock    *clockwork.FakeClock
	pairs    map[string]*crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.New(ctx, sqlstore.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := events.NewRecorder()
	keySvc := keys.NewService(st, rec, nil, clock)
	signer := auth.NewInvitationSigner([]byte("invite-secret"), 24*time.Hour, clock)
	svc := NewService(st, keySvc, signer, rec, nil, clock)

	var n atomic.Int64
	svc.newID = func() string { return fmt.Sprintf("id-%d", n.Add(1)) }

	for _, id := range []models.Identity{alice, bob, carol, dave} {
		require.NoError(t, st.CreateUser(ctx, &models.User{
			ID: id.UserID, Username: id.UserID, DisplayName: id.Name, PasswordHash: "x", CreatedAt: clock.Now(),
		}))
	}
	return &fixture{svc: svc, keys: keySvc, store: st, recorder: rec, clock: clock, pairs: map[string]*crypto.KeyPair{}}
}

func (f *fixture) initEncryption(t *testing.T, ids ...models.Identity) {
	t.Helper()
	for _, id := range ids {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		wrapped, err := crypto.WrapPrivateKeyIterations(kp.Private, "pw", crypto.MinIterations)
		require.NoError(t, err)
		_, _, err = f.keys.InitializeUserEncryption(context.Background(), id, keys.UploadKeyPair{
			PublicKey: kp.Public.String(), WrappedPrivateKey: *wrapped, KeyVersion: 1,
		})
		require.NoError(t, err)
		f.pairs[id.UserID] = kp
	}
}

func (f *fixture) wrapFor(t *testing.T, roomKey []byte, wrapper models.Identity, members ...models.Identity) []models.RoomKeyCopy {
	t.Helper()
	var out []models.RoomKeyCopy
	for _, m := range members {
		box, err := crypto.WrapRoomKey(roomKey, f.pairs[wrapper.UserID].Private, f.pairs[m.UserID].Public)
		require.NoError(t, err)
		out = append(out, models.RoomKeyCopy{UserID: m.UserID, WrappedKey: *box})
	}
	return out
}

func (f *fixture) groupRoom(t *testing.T, owner models.Identity, members ...models.Identity) *models.Room {
	t.Helper()
	var ids []string
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	room, err := f.svc.CreateRoom(context.Background(), owner, "ws", CreateRoomInput{
		Name: "team", Type: models.RoomTypeGroup, MemberIDs: ids,
	})
	require.NoError(t, err)
	return room
}

// encryptedRoom creates an encrypted room whose version 1 key is held by
// owner and every member listed.
func (f *fixture) encryptedRoom(t *testing.T, owner models.Identity, members ...models.Identity) (*models.Room, []byte) {
	t.Helper()
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	all := append([]models.Identity{owner}, members...)
	var ids []string
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	room, err := f.svc.CreateRoom(context.Background(), owner, "ws", CreateRoomInput{
		Name:        "secret",
		Type:        models.RoomTypePrivate,
		IsEncrypted: true,
		MemberIDs:   ids,
		KeyCopies:   f.wrapFor(t, roomKey, owner, all...),
	})
	require.NoError(t, err)
	return room, roomKey
}

func encrypt(t *testing.T, plaintext string, key []byte, keyID string) *models.EncryptedContent {
	t.Helper()
	box, err := crypto.SealBox([]byte(plaintext), key)
	require.NoError(t, err)
	return &models.EncryptedContent{EncryptedContent: box.Ciphertext, IV: box.IV, KeyID: keyID}
}
