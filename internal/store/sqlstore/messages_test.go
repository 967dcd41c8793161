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

func TestAppendMessageAssignsSeq(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice", "u-bob"), nil, nil))
	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r2", models.RoomTypeGroup, "u-alice"), nil, nil))

	for i := 1; i <= 3; i++ {
		m := testMessage("r1", "u-alice", i)
		require.NoError(t, testStore.AppendMessage(ctx, m))
		assert.Equal(t, int64(i), m.Seq)
	}
	other := testMessage("r2", "u-alice", 1)
	require.NoError(t, testStore.AppendMessage(ctx, other))
	assert.Equal(t, int64(1), other.Seq, "sequences are per room")

	room, err := testStore.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, room.LastActivityAt.Equal(testMessage("r1", "", 3).CreatedAt))
	alice, _ := findMember(room, "u-alice")
	assert.Equal(t, "r1-m3", alice.LastReadMessageID)

	assert.ErrorIs(t, testStore.AppendMessage(ctx, testMessage("missing", "u-alice", 1)), apperr.ErrNotFound)
}

func TestAppendEncryptedMessageRequiresCurrentKey(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	createEncryptedRoom(t, "r1", "u-alice", "u-bob")
	encrypted := func(n int, keyID string) *models.Message {
		m := testMessage("r1", "u-alice", n)
		m.Content = ""
		m.EncryptedContent = &models.EncryptedContent{EncryptedContent: "ct", IV: "iv", KeyID: keyID}
		return m
	}

	first := encrypted(1, "r1:1")
	require.NoError(t, testStore.AppendMessage(ctx, first))
	assert.Equal(t, int64(1), first.Seq)

	v := &models.RoomKeyVersion{RoomID: "r1", Version: 2, KeyID: "r1:2", CreatedBy: "u-bob", CreatedAt: testNow}
	require.NoError(t, testStore.CreateRoomKeyVersion(ctx, v, []models.RoomKey{testRoomKey("r1", "u-bob", 2)}))

	// A sender that validated against version 1 before the regeneration
	// committed loses the race instead of storing a message under a retired key.
	err := testStore.AppendMessage(ctx, encrypted(2, "r1:1"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Contains(t, err.Error(), "r1:2")

	history, err := testStore.ListMessages(ctx, "r1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	retry := encrypted(3, "r1:2")
	require.NoError(t, testStore.AppendMessage(ctx, retry))
	assert.Equal(t, int64(2), retry.Seq, "the rejected append consumed no sequence number")

	_, err = testStore.GetMessage(ctx, "r1", "r1-m2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, testStore.AppendMessage(ctx, &models.Message{
		ID: "x", RoomID: "missing", SenderID: "u-alice", Type: models.MessageTypeText, CreatedAt: testNow,
		EncryptedContent: &models.EncryptedContent{EncryptedContent: "ct", IV: "iv", KeyID: "missing:1"},
	}), apperr.ErrNotFound)
}

func TestListMessagesPaging(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice"), nil, nil))
	for i := 1; i <= 5; i++ {
		require.NoError(t, testStore.AppendMessage(ctx, testMessage("r1", "u-alice", i)))
	}

	page, err := testStore.ListMessages(ctx, "r1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].Seq)
	assert.Equal(t, int64(5), page[1].Seq)

	page, err = testStore.ListMessages(ctx, "r1", page[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(1), page[0].Seq)
	assert.Equal(t, "hello 3", page[2].Content)
}

func TestEncryptedMessageRoundTrip(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypePrivate, "u-alice"), nil, nil))
	m := testMessage("r1", "u-alice", 1)
	m.Content = ""
	m.EncryptedContent = &models.EncryptedContent{EncryptedContent: "Y3Q=", IV: "aXY=", KeyID: "r1:1"}
	m.Attachments = []models.Attachment{{Filename: "a.png", MimeType: "image/png", Size: 10, URL: "/f/a"}}
	require.NoError(t, testStore.AppendMessage(ctx, m))

	got, err := testStore.GetMessage(ctx, "r1", m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EncryptedContent)
	assert.Equal(t, *m.EncryptedContent, *got.EncryptedContent)
	assert.Equal(t, m.Attachments, got.Attachments)
	assert.Empty(t, got.Content)

	_, err = testStore.GetMessage(ctx, "r2", m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateAndSoftDeleteMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice", "u-bob"), nil, nil))
	m := testMessage("r1", "u-alice", 1)
	require.NoError(t, testStore.AppendMessage(ctx, m))

	edited := testNow.Add(time.Minute)
	m.Content = "edited"
	m.EditedAt = &edited
	require.NoError(t, testStore.UpdateMessage(ctx, m))

	_, err := testStore.AddReaction(ctx, m.ID, models.Reaction{UserID: "u-bob", Type: "like", CreatedAt: testNow})
	require.NoError(t, err)

	got, err := testStore.GetMessage(ctx, "r1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	require.NotNil(t, got.EditedAt)
	assert.Len(t, got.Reactions, 1)

	require.NoError(t, testStore.SoftDeleteMessage(ctx, "r1", m.ID, edited))

	got, err = testStore.GetMessage(ctx, "r1", m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
	assert.Empty(t, got.Content)
	assert.Nil(t, got.EncryptedContent)
	assert.Empty(t, got.Reactions)

	assert.ErrorIs(t, testStore.UpdateMessage(ctx, m), apperr.ErrNotFound)
	assert.ErrorIs(t, testStore.SoftDeleteMessage(ctx, "r1", m.ID, edited), apperr.ErrNotFound)
}

func TestReactionsAreIdempotent(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	require.NoError(t, testStore.CreateRoom(ctx, newTestRoom("r1", models.RoomTypeGroup, "u-alice", "u-bob"), nil, nil))
	m := testMessage("r1", "u-alice", 1)
	require.NoError(t, testStore.AppendMessage(ctx, m))

	r := models.Reaction{UserID: "u-bob", Type: "like", CreatedAt: testNow}
	added, err := testStore.AddReaction(ctx, m.ID, r)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = testStore.AddReaction(ctx, m.ID, r)
	require.NoError(t, err)
	assert.False(t, added)

	r.Type = "love"
	added, err = testStore.AddReaction(ctx, m.ID, r)
	require.NoError(t, err)
	assert.True(t, added)

	got, err := testStore.GetMessage(ctx, "r1", m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions, 2)

	removed, err := testStore.RemoveReaction(ctx, m.ID, "u-bob", "like")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = testStore.RemoveReaction(ctx, m.ID, "u-bob", "like")
	require.NoError(t, err)
	assert.False(t, removed)
}
