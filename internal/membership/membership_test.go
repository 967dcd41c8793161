package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

func testRoom() *models.Room {
	return &models.Room{
		ID:     "room-1",
		Type:   models.RoomTypeGroup,
		Status: models.RoomStatusActive,
		Members: []models.Member{
			{UserID: "owner", Role: models.RoleOwner},
			{UserID: "admin", Role: models.RoleAdmin},
			{UserID: "alice", Role: models.RoleMember},
			{UserID: "bob", Role: models.RoleMember},
		},
	}
}

func TestPredicates(t *testing.T) {
	room := testRoom()

	assert.True(t, IsMember(room, "alice"))
	assert.False(t, IsMember(room, "carol"))
	assert.True(t, IsAdmin(room, "owner"))
	assert.True(t, IsAdmin(room, "admin"))
	assert.False(t, IsAdmin(room, "alice"))
	assert.False(t, IsAdmin(room, "carol"))
	assert.True(t, IsOwner(room, "owner"))
	assert.ElementsMatch(t, []string{"owner", "admin", "alice", "bob"}, MemberIDs(room))
}

func TestCanRemove(t *testing.T) {
	room := testRoom()

	tests := []struct {
		name   string
		actor  string
		target string
		want   error
	}{
		{"owner removes self", "owner", "owner", ErrOwnerImmutable},
		{"admin removes owner", "admin", "owner", ErrOwnerImmutable},
		{"admin removes member", "admin", "alice", nil},
		{"member removes self", "alice", "alice", nil},
		{"member removes other", "alice", "bob", ErrNotAdmin},
		{"outsider", "carol", "alice", ErrNotMember},
		{"unknown target", "admin", "carol", ErrMemberNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanRemove(room, tt.actor, tt.target)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCanChangeRole(t *testing.T) {
	room := testRoom()

	assert.NoError(t, CanChangeRole(room, "admin", "alice", models.RoleAdmin))
	assert.ErrorIs(t, CanChangeRole(room, "admin", "owner", models.RoleMember), ErrOwnerImmutable)
	assert.ErrorIs(t, CanChangeRole(room, "alice", "bob", models.RoleAdmin), ErrNotAdmin)
	assert.ErrorIs(t, CanChangeRole(room, "owner", "alice", models.RoleOwner), ErrInvalidRole)
	assert.ErrorIs(t, CanChangeRole(room, "owner", "carol", models.RoleAdmin), ErrMemberNotFound)
}

func TestCanPost(t *testing.T) {
	room := testRoom()
	assert.NoError(t, CanPost(room, "alice"))
	assert.ErrorIs(t, CanPost(room, "carol"), apperr.ErrPermissionDenied)

	room.IsEncrypted = true
	Find(room, "bob").KeyPending = true
	assert.ErrorIs(t, CanPost(room, "bob"), ErrKeyPending)

	room.Status = models.RoomStatusArchived
	assert.ErrorIs(t, CanPost(room, "alice"), ErrRoomArchived)
	assert.NoError(t, CanRead(room, "alice"))

	room.Status = models.RoomStatusDeleted
	assert.ErrorIs(t, CanRead(room, "alice"), apperr.ErrNotFound)
}

func TestTransition(t *testing.T) {
	active, archived, deleted := models.RoomStatusActive, models.RoomStatusArchived, models.RoomStatusDeleted

	assert.NoError(t, Transition(active, archived))
	assert.NoError(t, Transition(archived, active))
	assert.NoError(t, Transition(active, deleted))
	assert.NoError(t, Transition(archived, deleted))
	assert.ErrorIs(t, Transition(deleted, active), ErrInvalidTransition)
	assert.ErrorIs(t, Transition(active, active), ErrInvalidTransition)
}

func TestPolicies(t *testing.T) {
	for _, typ := range []models.RoomType{models.RoomTypeGeneral, models.RoomTypePrivate, models.RoomTypeGroup, models.RoomTypeWorkspace} {
		_, err := PolicyFor(typ)
		assert.NoError(t, err, typ)
	}
	_, err := PolicyFor("dm")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	room := testRoom()
	assert.NoError(t, CanInvite(room, "admin"))
	assert.ErrorIs(t, CanSelfJoin(room), apperr.ErrPermissionDenied)
	assert.NoError(t, CanDelete(room, "owner"))
	assert.ErrorIs(t, CanDelete(room, "admin"), apperr.ErrPermissionDenied)

	room.Type = models.RoomTypeGeneral
	assert.NoError(t, CanSelfJoin(room))
	assert.ErrorIs(t, CanInvite(room, "admin"), apperr.ErrFailedPrecondition)
	assert.ErrorIs(t, CanDelete(room, "owner"), apperr.ErrFailedPrecondition)
}
