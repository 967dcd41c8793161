package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

func TestCreateRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	room := newTestRoom("r1", models.RoomTypeGroup, "u-alice", "u-bob")
	require.NoError(t, testStore.CreateRoom(ctx, room, nil, nil))

	got, err := testStore.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomTypeGroup, got.Type)
	assert.Equal(t, models.RoomStatusActive, got.Status)
	assert.True(t, got.Settings.AllowFileUploads)
	require.Len(t, got.Members, 2)
	assert.Equal(t, models.RoleOwner, got.Members[0].Role)

	err = testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice"), nil, nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = testStore.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateEncryptedRoomStoresKeys(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	room := newTestRoom("r1", models.RoomTypePrivate, "u-alice", "u-bob")
	room.IsEncrypted = true
	room.CurrentKeyVersion = 1
	room.EncryptionKeyID = models.KeyID("r1", 1)
	v := &models.RoomKeyVersion{RoomID: "r1", Version: 1, KeyID: room.EncryptionKeyID, CreatedBy: "u-alice", CreatedAt: testNow}
	copies := []models.RoomKey{testRoomKey("r1", "u-alice", 1), testRoomKey("r1", "u-bob", 1)}
	require.NoError(t, testStore.CreateRoom(ctx, room, v, copies))

	rk, err := testStore.GetRoomKey(ctx, "r1", "u-bob", 1)
	require.NoError(t, err)
	assert.Equal(t, "r1:1", rk.KeyID)
	assert.Equal(t, "ct-u-bob-1", rk.WrappedKey.Ciphertext)
}

func TestOneGeneralRoomPerWorkspace(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("g1", models.RoomTypeGeneral, "u-alice"), nil, nil))
	err := testStore.CreateRoom(ctx, newTestRoom("g2", models.RoomTypeGeneral, "u-bob"), nil, nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	general, err := testStore.GetGeneralRoom(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "g1", general.ID)

	_, err = testStore.GetGeneralRoom(ctx, "ws2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListRoomsForUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice", "u-bob"), nil, nil))
	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r2", models.RoomTypeGroup, "u-alice"), nil, nil))
	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r3", models.RoomTypeGroup, "u-carol"), nil, nil))

	rooms, err := testStore.ListRoomsForUser(ctx, "ws1", "u-alice")
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	rooms, err = testStore.ListRoomsForUser(ctx, "ws1", "u-bob")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)
	assert.Len(t, rooms[0].Members, 2)

	ids, err := testStore.ListRoomIDsForUser(ctx, "u-carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids)
}

func TestUpdateRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	room := newTestRoom("r1", models.RoomTypeGroup, "u-alice")
	require.NoError(t, testStore.CreateRoom(ctx, room, nil, nil))

	room.Name = "renamed"
	room.Status = models.RoomStatusArchived
	room.UpdatedAt = testNow.Add(time.Minute)
	require.NoError(t, testStore.UpdateRoom(ctx, room))

	got, err := testStore.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, models.RoomStatusArchived, got.Status)

	assert.ErrorIs(t, testStore.UpdateRoom(ctx, newTestRoom("missing", models.RoomTypeGroup, "u-alice")), apperr.ErrNotFound)
}

func TestDeleteRoomCascades(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice", "u-bob"), nil, nil))
	msg := testMessage("r1", "u-alice", 1)
	require.NoError(t, testStore.AppendMessage(ctx, msg))
	_, err := testStore.AddReaction(ctx, msg.ID, models.Reaction{UserID: "u-bob", Type: "like", CreatedAt: testNow})
	require.NoError(t, err)

	require.NoError(t, testStore.DeleteRoom(ctx, "r1"))

	_, err = testStore.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = testStore.GetMessage(ctx, "r1", msg.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	ids, err := testStore.ListRoomIDsForUser(ctx, "u-bob")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, testStore.DeleteRoom(ctx, "r1"), apperr.ErrNotFound)
}

func TestMembers(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice"), nil, nil))

	bob := &models.Member{UserID: "u-bob", Role: models.RoleMember, JoinedAt: testNow}
	require.NoError(t, testStore.AddMember(ctx, "r1", bob, nil))
	assert.ErrorIs(t, testStore.AddMember(ctx, "r1", bob, nil), apperr.ErrConflict)

	require.NoError(t, testStore.UpdateMemberRole(ctx, "r1", "u-bob", models.RoleAdmin))
	require.NoError(t, testStore.MarkRead(ctx, "r1", "u-bob", "m1", testNow))

	room, err := testStore.GetRoom(ctx, "r1")
	require.NoError(t, err)
	member, ok := findMember(room, "u-bob")
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, member.Role)
	assert.Equal(t, "m1", member.LastReadMessageID)
	require.NotNil(t, member.LastReadAt)

	require.NoError(t, testStore.RemoveMember(ctx, "r1", "u-bob"))
	assert.ErrorIs(t, testStore.RemoveMember(ctx, "r1", "u-bob"), apperr.ErrNotFound)
	assert.ErrorIs(t, testStore.UpdateMemberRole(ctx, "r1", "u-bob", models.RoleMember), apperr.ErrNotFound)
}

func findMember(room *models.Room, userID string) (models.Member, bool) {
	for _, m := range room.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return models.Member{}, false
}
