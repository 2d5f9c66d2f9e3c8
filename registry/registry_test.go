package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := New()
	_, ok := r.Lookup("c1")
	assert.False(t, ok)

	r.Bind("c1", Identity{RoomId: "r1", UserId: "alice"})
	r.Bind("c2", Identity{RoomId: "r1", UserId: "teacher", IsAdmin: true})
	assert.Equal(t, 2, r.Count())

	identity, ok := r.Lookup("c2")
	require.True(t, ok)
	assert.True(t, identity.IsAdmin)
	assert.False(t, identity.JoinedAt.IsZero())

	r.Bind("c1", Identity{RoomId: "r2", UserId: "alice"})
	identity, _ = r.Lookup("c1")
	assert.Equal(t, "r2", identity.RoomId)
	assert.Equal(t, 2, r.Count())

	identity, ok = r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", identity.UserId)
	_, ok = r.Remove("c1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())
}
