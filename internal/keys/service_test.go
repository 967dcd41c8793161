package keys

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/models"
	"github.com/pliu/teamchat/internal/store/sqlstore"
)

var (
	alice = models.Identity{UserID: "alice", Name: "Alice"}
	bob   = models.Identity{UserID: "bob", Name: "Bob"}
	carol = models.Identity{UserID: "carol", Name: "Carol"}
)

type fixture struct {
	svc      *Service
	store    *sqlstore.SQLStore
	recorder *events.Recorder
	clock    *clockwork.FakeClock
	pairs    map[string]*crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlstore.New(context.Background(), sqlstore.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := events.NewRecorder()
	return &fixture{
		svc:      NewService(st, rec, nil, clock),
		store:    st,
		recorder: rec,
		clock:    clock,
		pairs:    map[string]*crypto.KeyPair{},
	}
}

func (f *fixture) upload(t *testing.T, id models.Identity, version int) UploadKeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	wrapped, err := crypto.WrapPrivateKeyIterations(kp.Private, "pw-"+id.UserID, crypto.MinIterations)
	require.NoError(t, err)
	f.pairs[id.UserID] = kp
	return UploadKeyPair{PublicKey: kp.Public.String(), WrappedPrivateKey: *wrapped, KeyVersion: version}
}

func (f *fixture) initUser(t *testing.T, id models.Identity) {
	t.Helper()
	_, created, err := f.svc.InitializeUserEncryption(context.Background(), id, f.upload(t, id, 1))
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) createRoom(t *testing.T, roomID string, encrypted bool, owner models.Identity, others ...models.Identity) {
	t.Helper()
	now := f.clock.Now()
	room := &models.Room{
		ID:             roomID,
		WorkspaceID:    "ws",
		Name:           roomID,
		Type:           models.RoomTypeGroup,
		CreatedBy:      owner.UserID,
		IsEncrypted:    encrypted,
		Settings:       models.DefaultRoomSettings(),
		Status:         models.RoomStatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Members:        []models.Member{{UserID: owner.UserID, Role: models.RoleOwner, JoinedAt: now}},
	}
	for _, o := range others {
		room.Members = append(room.Members, models.Member{UserID: o.UserID, Role: models.RoleMember, JoinedAt: now})
	}
	require.NoError(t, f.store.CreateRoom(context.Background(), room, nil, nil))
}

// wrapFor wraps roomKey from wrapper to each member.
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

func (f *fixture) unwrap(t *testing.T, rk *models.RoomKey, member models.Identity) []byte {
	t.Helper()
	wrapperPub, err := crypto.ParsePublicKey(rk.WrapperPublicKey)
	require.NoError(t, err)
	key, err := crypto.UnwrapRoomKey(&rk.WrappedKey, f.pairs[member.UserID].Private, wrapperPub)
	require.NoError(t, err)
	return key
}

func TestInitializeUserEncryptionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetKeyPair(ctx, alice)
	assert.ErrorIs(t, err, ErrEncryptionNotInitialized)

	first := f.upload(t, alice, 1)
	kp, created, err := f.svc.InitializeUserEncryption(ctx, alice, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.PublicKey, kp.PublicKey)

	kp, created, err = f.svc.InitializeUserEncryption(ctx, alice, f.upload(t, alice, 1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKey, kp.PublicKey, "second upload is discarded")

	_, _, err = f.svc.InitializeUserEncryption(ctx, bob, UploadKeyPair{PublicKey: "AQ==", KeyVersion: 1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestRotateUserKeyPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initUser(t, alice)

	_, err := f.svc.RotateUserKeyPair(ctx, alice, f.upload(t, alice, 3))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	next := f.upload(t, alice, 2)
	kp, err := f.svc.RotateUserKeyPair(ctx, alice, next)
	require.NoError(t, err)
	assert.Equal(t, 2, kp.KeyVersion)
	assert.NotNil(t, kp.RotatedAt)

	stored, err := f.svc.GetKeyPair(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, next.PublicKey, stored.PublicKey)

	_, err = f.svc.RotateUserKeyPair(ctx, bob, f.upload(t, bob, 2))
	assert.ErrorIs(t, err, ErrEncryptionNotInitialized)
}

func TestCreateRoomKeyVersionAndFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initUser(t, alice)
	f.initUser(t, bob)
	f.createRoom(t, "r1", true, alice, bob)

	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	v, err := f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 1, f.wrapFor(t, roomKey, alice, alice, bob))
	require.NoError(t, err)
	assert.Equal(t, "r1:1", v.KeyID)

	rk, err := f.svc.GetRoomKey(ctx, bob, "r1", 0)
	require.NoError(t, err)
	assert.Equal(t, roomKey, f.unwrap(t, rk, bob))

	provisioned := f.recorder.Events(events.KeyProvisioned)
	require.Len(t, provisioned, 1)
	assert.Equal(t, events.UserChannel("bob"), provisioned[0].Channel)

	keys, err := f.svc.GetPublicKeys(ctx, bob, "r1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	_, err = f.svc.GetPublicKeys(ctx, carol, "r1")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.GetRoomKey(ctx, carol, "r1", 0)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestCreateRoomKeyVersionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initUser(t, alice)
	f.initUser(t, bob)
	f.initUser(t, carol)
	f.createRoom(t, "plain", false, alice)
	f.createRoom(t, "r1", true, alice, bob)
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)

	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "plain", 1, f.wrapFor(t, roomKey, alice, alice))
	assert.ErrorIs(t, err, ErrRoomNotEncrypted)

	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 2, f.wrapFor(t, roomKey, alice, alice))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 1, f.wrapFor(t, roomKey, alice, bob))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "own copy is required")

	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 1, f.wrapFor(t, roomKey, alice, alice, carol))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "carol is not a member")

	_, err = f.svc.CreateRoomKeyVersion(ctx, bob, "r1", 1, f.wrapFor(t, roomKey, bob, bob))
	require.NoError(t, err)

	// Regeneration needs an admin.
	_, err = f.svc.CreateRoomKeyVersion(ctx, bob, "r1", 2, f.wrapFor(t, roomKey, bob, bob))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestConcurrentFirstJoinersConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	members := []models.Identity{alice, bob, carol}
	for _, m := range members {
		f.initUser(t, m)
	}
	f.createRoom(t, "r1", true, alice, bob, carol)

	var g errgroup.Group
	for _, m := range members {
		roomKey, err := crypto.GenerateRoomKey()
		require.NoError(t, err)
		copies := f.wrapFor(t, roomKey, m, members...)
		g.Go(func() error {
			_, err := f.svc.CreateRoomKeyVersion(ctx, m, "r1", 1, copies)
			if err != nil && !errorsIsConflict(err) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	versions, err := f.svc.ListRoomKeyVersions(ctx, alice, "r1")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	var canonical []byte
	for _, m := range members {
		rk, err := f.svc.GetRoomKey(ctx, m, "r1", 0)
		require.NoError(t, err)
		key := f.unwrap(t, rk, m)
		if canonical == nil {
			canonical = key
		}
		assert.Equal(t, canonical, key, "%s holds the canonical key", m.UserID)
	}
}

func errorsIsConflict(err error) bool {
	return apperr.CodeOf(err) == apperr.CodeConflict
}

func TestProvisionRoomKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initUser(t, alice)
	f.initUser(t, bob)
	f.initUser(t, carol)
	f.createRoom(t, "r1", true, alice, bob)

	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 1, f.wrapFor(t, roomKey, alice, alice))
	require.NoError(t, err)

	// Bob has no copy yet, so he cannot provision others and asks instead.
	_, err = f.svc.ProvisionRoomKeys(ctx, bob, "r1", 0, f.wrapFor(t, roomKey, bob, bob))
	assert.ErrorIs(t, err, ErrNotKeyHolder)

	require.NoError(t, f.svc.RequestRoomKey(ctx, bob, "r1"))
	requests := f.recorder.Events(events.KeyRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, events.KeyRequestPayload{RoomID: "r1", UserID: "bob", Version: 1}, requests[0].Data)

	inserted, err := f.svc.ProvisionRoomKeys(ctx, alice, "r1", 0, f.wrapFor(t, roomKey, alice, bob))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, inserted)

	rk, err := f.svc.GetRoomKey(ctx, bob, "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, roomKey, f.unwrap(t, rk, bob))

	inserted, err = f.svc.ProvisionRoomKeys(ctx, alice, "r1", 0, f.wrapFor(t, roomKey, alice, bob))
	require.NoError(t, err)
	assert.Empty(t, inserted)

	_, err = f.svc.ProvisionRoomKeys(ctx, alice, "r1", 0, f.wrapFor(t, roomKey, alice, carol))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestRotationKeepsOtherMembersReadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initUser(t, alice)
	f.initUser(t, bob)
	f.createRoom(t, "r1", true, alice, bob)

	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 1, f.wrapFor(t, roomKey, alice, alice, bob))
	require.NoError(t, err)

	// Alice rotates and re-wraps her own copy to the new pair.
	next := f.upload(t, alice, 2)
	own := f.wrapFor(t, roomKey, alice, alice)[0]
	next.RoomKeys = []RewrappedRoomKey{{RoomID: "r1", Version: 1, WrappedKey: own.WrappedKey}}
	_, err = f.svc.RotateUserKeyPair(ctx, alice, next)
	require.NoError(t, err)

	rk, err := f.svc.GetRoomKey(ctx, alice, "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, roomKey, f.unwrap(t, rk, alice))

	rk, err = f.svc.GetRoomKey(ctx, bob, "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, roomKey, f.unwrap(t, rk, bob))
}

func TestRotationMustRewrapHeldCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initUser(t, alice)
	f.initUser(t, bob)
	f.createRoom(t, "r1", true, alice, bob)

	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	_, err = f.svc.CreateRoomKeyVersion(ctx, alice, "r1", 1, f.wrapFor(t, roomKey, alice, alice, bob))
	require.NoError(t, err)

	oldPair := f.pairs[bob.UserID]
	_, err = f.svc.RotateUserKeyPair(ctx, bob, f.upload(t, bob, 2))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	// The old pair and copy are still in place and readable.
	f.pairs[bob.UserID] = oldPair
	kp, err := f.svc.GetKeyPair(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, kp.KeyVersion)
	assert.Equal(t, oldPair.Public.String(), kp.PublicKey)
	rk, err := f.svc.GetRoomKey(ctx, bob, "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, roomKey, f.unwrap(t, rk, bob))
}
