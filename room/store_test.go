package room

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-board/types"
)

func freehand(id string) types.Stroke {
	return types.Stroke{
		Id:     id,
		Type:   types.StrokeTypeFreehand,
		Color:  "#000000",
		Width:  2,
		Points: []types.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
	}
}

func rect(id string) types.Stroke {
	return types.Stroke{Id: id, Type: types.StrokeTypeRectangle, Color: "#ff0000", Width: 1, EndX: 10, EndY: 10}
}

// assertUnique checks that every stroke id appears at most once across the public collection and all private lists.
func assertUnique(t *testing.T, s *Store, roomId string) {
	t.Helper()
	seen := make(map[string]int)
	for _, stroke := range s.PublicStrokes(roomId) {
		seen[stroke.Id]++
	}
	for _, strokes := range s.AllPrivateStrokes(roomId) {
		for _, stroke := range strokes {
			seen[stroke.Id]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "stroke %s appears %d times", id, n)
	}
}

func TestCreateRoom(t *testing.T) {
	s := NewStore()
	assert.False(t, s.RoomExists("r1"))
	assert.True(t, s.CreateRoom("r1", "key"))
	assert.True(t, s.RoomExists("r1"))

	require.NoError(t, s.AppendPublicStroke("r1", freehand("s1")))
	assert.False(t, s.CreateRoom("r1", "other"), "create must not clobber an existing room")
	assert.Len(t, s.PublicStrokes("r1"), 1)
	assert.True(t, s.VerifyAdminSecret("r1", "key"))
	assert.False(t, s.VerifyAdminSecret("r1", "other"))
	assert.False(t, s.CreateRoom("", "key"))
}

func TestMissingRoom(t *testing.T) {
	s := NewStore()
	assert.False(t, s.AddUserConnection("nope", "u", "c"))
	assert.False(t, s.RemoveUserConnection("nope", "u", "c"))
	assert.Equal(t, 0, s.PresentUserCount("nope"))
	assert.ErrorIs(t, s.AppendPublicStroke("nope", freehand("s")), ErrRoomNotFound)
	assert.ErrorIs(t, s.AppendPrivateStroke("nope", "u", freehand("s")), ErrRoomNotFound)
	_, err := s.PromotePrivateStroke("nope", "u", "s")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, ok := s.BindAdmin("nope", "u")
	assert.False(t, ok)
	assert.False(t, s.VerifyAdminSecret("nope", "key"))
	assert.False(t, s.SetCodeBuffer("nope", "u", "x"))
	assert.Equal(t, "", s.GetCodeBuffer("nope", "u"))
	assert.Empty(t, s.GetAllCodeBuffers("nope"))
	assert.False(t, s.DeleteRoom("nope"))
}

func TestPresence(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")

	assert.True(t, s.AddUserConnection("r1", "alice", "c1"))
	assert.True(t, s.AddUserConnection("r1", "alice", "c2"))
	assert.True(t, s.AddUserConnection("r1", "bob", "c3"))
	assert.Equal(t, 2, s.PresentUserCount("r1"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, s.Connections("r1"))
	assert.Equal(t, []string{"c1", "c2"}, s.UserConnections("r1", "alice"))
	assert.Equal(t, 2, s.TotalUsers())

	assert.False(t, s.RemoveUserConnection("r1", "alice", "c1"), "alice still has a tab open")
	assert.Equal(t, 2, s.PresentUserCount("r1"))
	assert.True(t, s.RemoveUserConnection("r1", "alice", "c2"))
	assert.Equal(t, 1, s.PresentUserCount("r1"))
	assert.False(t, s.RemoveUserConnection("r1", "alice", "c2"), "departure is signalled exactly once")
	assert.Empty(t, s.UserConnections("r1", "alice"))
	assert.Equal(t, []string{"c3"}, s.Connections("r1"))
}

func TestIdleRooms(t *testing.T) {
	s := NewStore()
	now := time.Now()
	require.True(t, s.CreateRoomFromRecord(types.RoomRecord{Id: "fresh", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.True(t, s.CreateRoomFromRecord(types.RoomRecord{Id: "expired", CreatedAt: now, ExpiresAt: now.Add(-time.Second)}))
	require.True(t, s.CreateRoomFromRecord(types.RoomRecord{Id: "busy", CreatedAt: now, ExpiresAt: now.Add(-time.Second)}))
	require.True(t, s.AddUserConnection("busy", "alice", "c1"))

	assert.Equal(t, []string{"expired"}, s.IdleRooms(now, now.Add(-time.Minute)))
	assert.Equal(t, []string{"expired", "fresh"}, s.IdleRooms(now, now.Add(time.Minute)), "empty past the grace")

	require.True(t, s.RemoveUserConnection("busy", "alice", "c1"))
	assert.Equal(t, []string{"busy", "expired"}, s.IdleRooms(now, now.Add(-time.Minute)))

	require.True(t, s.AddUserConnection("fresh", "bob", "c2"))
	assert.NotContains(t, s.IdleRooms(now, now.Add(time.Minute)), "fresh")
	require.True(t, s.RemoveUserConnection("fresh", "bob", "c2"))
	assert.NotContains(t, s.IdleRooms(now, now.Add(-time.Minute)), "fresh", "the idle clock restarts when the last user leaves")
}

func TestAdminBindingFirstWriteWins(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")

	admin, ok := s.BindAdmin("r1", "teacher")
	require.True(t, ok)
	assert.Equal(t, "teacher", admin)

	admin, ok = s.BindAdmin("r1", "intruder")
	require.True(t, ok)
	assert.Equal(t, "teacher", admin)
	assert.Equal(t, "teacher", s.AdminId("r1"))
}

func TestStrokeUniqueness(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")

	require.NoError(t, s.AppendPublicStroke("r1", freehand("s1")))
	require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s2")))
	assert.ErrorIs(t, s.AppendPrivateStroke("r1", "bob", freehand("s1")), ErrDuplicateStroke)
	assert.ErrorIs(t, s.AppendPublicStroke("r1", freehand("s2")), ErrDuplicateStroke)
	assert.ErrorIs(t, s.AppendPrivateStroke("r1", "alice", freehand("s2")), ErrDuplicateStroke)
	assertUnique(t, s, "r1")
}

func TestPromotion(t *testing.T) {
	t.Run("promote is a move", func(t *testing.T) {
		s := NewStore()
		s.CreateRoom("r1", "key")
		require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s1")))
		require.NoError(t, s.AppendPrivateStroke("r1", "alice", rect("s2")))

		at := time.Unix(1700000000, 0)
		stroke, owner, err := s.PromoteStroke("r1", "s1", at)
		require.NoError(t, err)
		assert.Equal(t, "alice", owner)
		assert.Equal(t, "alice", stroke.From)
		assert.Equal(t, at.UnixNano()/int64(time.Millisecond), stroke.CreatedAt)

		public := s.PublicStrokes("r1")
		require.Len(t, public, 1)
		assert.Equal(t, "s1", public[0].Id)
		assert.Equal(t, "alice", public[0].From)

		private := s.PrivateStrokes("r1", "alice")
		require.Len(t, private, 1)
		assert.Equal(t, "s2", private[0].Id)
		_, ok := s.StrokeOwner("r1", "s1")
		assert.False(t, ok)
		assertUnique(t, s, "r1")
	})

	t.Run("unknown stroke", func(t *testing.T) {
		s := NewStore()
		s.CreateRoom("r1", "key")
		_, _, err := s.PromoteStroke("r1", "missing", time.Now())
		assert.ErrorIs(t, err, ErrStrokeNotFound)
		assert.Empty(t, s.PublicStrokes("r1"))
	})

	t.Run("promote private stroke leaves the append to the caller", func(t *testing.T) {
		s := NewStore()
		s.CreateRoom("r1", "key")
		require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s1")))

		_, err := s.PromotePrivateStroke("r1", "bob", "s1")
		assert.ErrorIs(t, err, ErrStrokeNotFound, "only the owner's list is searched")

		stroke, err := s.PromotePrivateStroke("r1", "alice", "s1")
		require.NoError(t, err)
		assert.Empty(t, s.PrivateStrokes("r1", "alice"))
		require.NoError(t, s.AppendPublicStroke("r1", stroke))
		assertUnique(t, s, "r1")
	})

	t.Run("concurrent promote and delete", func(t *testing.T) {
		s := NewStore()
		s.CreateRoom("r1", "key")
		for i := 0; i < 100; i++ {
			require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand(fmt.Sprintf("s%d", i))))
		}
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("s%d", i)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _, _ = s.PromoteStroke("r1", id, time.Now())
			}()
			go func() {
				defer wg.Done()
				_, _ = s.DeleteStrokes("r1", "alice", []string{id}, false, false)
			}()
		}
		wg.Wait()
		assert.Empty(t, s.PrivateStrokes("r1", "alice"))
		assertUnique(t, s, "r1")
	})
}

func TestUpdateStroke(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")
	require.NoError(t, s.AppendPublicStroke("r1", rect("p1")))
	require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s1")))

	updated, err := s.UpdateStroke("r1", "bob", "p1", true, map[string]interface{}{"color": "#00ff00", "endX": 42, "id": "hijack"})
	require.NoError(t, err)
	assert.Equal(t, "p1", updated.Id)
	assert.Equal(t, "#00ff00", updated.Color)
	assert.Equal(t, float64(42), updated.EndX)
	assert.Equal(t, "#00ff00", s.PublicStrokes("r1")[0].Color)

	_, err = s.UpdateStroke("r1", "bob", "s1", false, map[string]interface{}{"color": "red"})
	assert.ErrorIs(t, err, ErrStrokeNotFound, "private updates are scoped to the caller's list")

	updated, err = s.UpdateStroke("r1", "alice", "s1", false, map[string]interface{}{"points": []interface{}{map[string]interface{}{"x": 5, "y": 6}}})
	require.NoError(t, err)
	assert.Equal(t, []types.Point{{X: 5, Y: 6}}, updated.Points)

	_, err = s.UpdateStroke("r1", "alice", "s1", false, map[string]interface{}{"type": "blob"})
	assert.ErrorIs(t, err, types.ErrUnknownStrokeType)
	assert.Equal(t, types.StrokeTypeFreehand, s.PrivateStrokes("r1", "alice")[0].Type, "failed update leaves the stroke untouched")
}

func TestDeleteStrokes(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")
	own := freehand("p1")
	own.From = "alice"
	other := freehand("p2")
	other.From = "bob"
	require.NoError(t, s.AppendPublicStroke("r1", own))
	require.NoError(t, s.AppendPublicStroke("r1", other))
	require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s1")))
	require.NoError(t, s.AppendPrivateStroke("r1", "bob", freehand("s2")))

	deleted, err := s.DeleteStrokes("r1", "alice", []string{"p1", "p2", "missing"}, true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, deleted, "non-admins only delete their own public strokes")

	deleted, err = s.DeleteStrokes("r1", "alice", []string{"s1", "s2"}, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, deleted)
	assert.Len(t, s.PrivateStrokes("r1", "bob"), 1)

	deleted, err = s.DeleteStrokes("r1", "teacher", []string{"p2"}, true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, deleted)
	assert.Empty(t, s.PublicStrokes("r1"))

	// a deleted id may be used again
	assert.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s1")))
}

func TestCodeBuffers(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")
	assert.Equal(t, "", s.GetCodeBuffer("r1", "teacher"))
	assert.True(t, s.SetCodeBuffer("r1", "teacher", "print(1)"))
	assert.True(t, s.SetCodeBuffer("r1", "teacher", "print(2)"))
	assert.Equal(t, "print(2)", s.GetCodeBuffer("r1", "teacher"))

	all := s.GetAllCodeBuffers("r1")
	all["teacher"] = "mutated"
	assert.Equal(t, "print(2)", s.GetCodeBuffer("r1", "teacher"), "returned map is a copy")
}

func TestRestoreRoom(t *testing.T) {
	s := NewStore()
	snapshot := types.RoomSnapshot{
		Room:    types.RoomRecord{Id: "r1", AdminKey: "key", AdminId: "teacher"},
		Strokes: []types.Stroke{freehand("p1"), freehand("p1"), rect("p2")},
		Codes:   map[string]string{"alice": "x = 1"},
	}
	require.True(t, s.RestoreRoom(snapshot))
	assert.False(t, s.RestoreRoom(snapshot), "restore must not clobber a live room")
	assert.Len(t, s.PublicStrokes("r1"), 2)
	assert.Equal(t, "teacher", s.AdminId("r1"))
	assert.Equal(t, "x = 1", s.GetCodeBuffer("r1", "alice"))

	rec, ok := s.Record("r1")
	require.True(t, ok)
	assert.Equal(t, "key", rec.AdminKey)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestDeleteRoom(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")
	s.CreateRoom("r2", "key")
	assert.Equal(t, 2, s.RoomCount())
	assert.True(t, s.DeleteRoom("r1"))
	assert.False(t, s.RoomExists("r1"))
	assert.Equal(t, []string{"r2"}, s.RoomIds())
}

func TestReturnedStrokesAreCopies(t *testing.T) {
	s := NewStore()
	s.CreateRoom("r1", "key")
	require.NoError(t, s.AppendPrivateStroke("r1", "alice", freehand("s1")))
	strokes := s.PrivateStrokes("r1", "alice")
	strokes[0].Points[0].X = 999
	assert.Equal(t, float64(1), s.PrivateStrokes("r1", "alice")[0].Points[0].X)
}
