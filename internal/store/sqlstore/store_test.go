package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/models"
)

var (
	testStore *SQLStore
	testNow   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func SetupTestDB(t *testing.T) {
	t.Helper()
	var err error
	testStore, err = New(context.Background(), DriverSQLite, ":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.Close()
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), "mysql", "", nil)
	require.Error(t, err)
}

func createTestUser(t *testing.T, username string) *models.User {
	t.Helper()
	u := &models.User{
		ID:           "u-" + username,
		Username:     username,
		DisplayName:  username,
		PasswordHash: "hash",
		CreatedAt:    testNow,
	}
	require.NoError(t, testStore.CreateUser(context.Background(), u))
	return u
}

func newTestRoom(id string, typ models.RoomType, owner string, others ...string) *models.Room {
	room := &models.Room{
		ID:             id,
		WorkspaceID:    "ws1",
		Name:           "room " + id,
		Type:           typ,
		CreatedBy:      owner,
		Settings:       models.DefaultRoomSettings(),
		Status:         models.RoomStatusActive,
		LastActivityAt: testNow,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	room.Members = append(room.Members, models.Member{UserID: owner, Role: models.RoleOwner, JoinedAt: testNow})
	for _, id := range others {
		room.Members = append(room.Members, models.Member{UserID: id, Role: models.RoleMember, JoinedAt: testNow})
	}
	return room
}

func testRoomKey(roomID, userID string, version int) models.RoomKey {
	return models.RoomKey{
		RoomID:           roomID,
		UserID:           userID,
		Version:          version,
		KeyID:            models.KeyID(roomID, version),
		WrappedKey:       crypto.Box{Ciphertext: fmt.Sprintf("ct-%s-%d", userID, version), IV: "iv"},
		WrapperID:        "u-alice",
		WrapperPublicKey: "pub-alice",
		CreatedAt:        testNow,
	}
}

func testMessage(roomID, senderID string, n int) *models.Message {
	return &models.Message{
		ID:        fmt.Sprintf("%s-m%d", roomID, n),
		RoomID:    roomID,
		SenderID:  senderID,
		Type:      models.MessageTypeText,
		Content:   fmt.Sprintf("hello %d", n),
		CreatedAt: testNow.Add(time.Duration(n) * time.Second),
	}
}
