package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyID(t *testing.T) {
	id := KeyID("7a0c3d2e-room", 3)
	assert.Equal(t, "7a0c3d2e-room:3", id)

	room, version, err := ParseKeyID(id)
	require.NoError(t, err)
	assert.Equal(t, "7a0c3d2e-room", room)
	assert.Equal(t, 3, version)

	for _, bad := range []string{"", "room", ":1", "room:0", "room:x"} {
		_, _, err := ParseKeyID(bad)
		assert.Error(t, err, bad)
	}
}

func TestUserIdentityFallsBackToUsername(t *testing.T) {
	u := User{ID: "u1", Username: "alice"}
	assert.Equal(t, Identity{UserID: "u1", Name: "alice"}, u.Identity())

	u.DisplayName = "Alice A."
	assert.Equal(t, "Alice A.", u.Identity().Name)
}
