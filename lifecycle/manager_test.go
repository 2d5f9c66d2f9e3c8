package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/persistence"
	"github.com/tcriess/lightspeed-board/registry"
	"github.com/tcriess/lightspeed-board/room"
	"github.com/tcriess/lightspeed-board/types"
	"github.com/tcriess/lightspeed-board/ws"
)

type recordingRooms struct {
	forgotten []string
	reaps     int
	reapErr   error
}

func (r *recordingRooms) ForgetMiss(roomId string) {
	r.forgotten = append(r.forgotten, roomId)
}

func (r *recordingRooms) ReapIdleRooms(context.Context) (int, error) {
	if r.reapErr != nil {
		return 0, r.reapErr
	}
	r.reaps++
	return 2, nil
}

func newTestPersister(t *testing.T, typ string) persistence.Persister {
	t.Helper()
	dsn := ":memory:"
	if typ != "buntdb" {
		dsn = t.TempDir() + "/board.sqlite"
	}
	p, err := persistence.NewPersister(&config.Config{Persistence: config.PersistenceConfig{Type: typ, DSN: dsn}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateRoom(t *testing.T) {
	store := room.NewStore()
	p := newTestPersister(t, "buntdb")
	w := persistence.NewWriteBehind(p, 16, hclog.NewNullLogger())
	defer w.Close()
	rooms := &recordingRooms{}
	m := NewManager(store, p, w, rooms, time.Hour, nil)

	created, err := m.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, created.RoomId)
	assert.Len(t, created.AdminKey, 32)
	assert.True(t, store.RoomExists(created.RoomId))
	assert.True(t, store.VerifyAdminSecret(created.RoomId, created.AdminKey))
	assert.Equal(t, []string{created.RoomId}, rooms.forgotten)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))
	record := types.RoomRecord{Id: created.RoomId}
	require.NoError(t, p.GetRoom(&record))
	assert.Equal(t, created.AdminKey, record.AdminKey)
	assert.NotEmpty(t, record.Name)
	assert.WithinDuration(t, time.Now().Add(time.Hour), record.ExpiresAt, time.Minute)

	other, err := m.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, created.RoomId, other.RoomId)
	assert.NotEqual(t, created.AdminKey, other.AdminKey)
	assert.Equal(t, Stats{Rooms: 2, TotalUsers: 0}, m.Stats())
}

func TestCreateRoomWithoutBackingCache(t *testing.T) {
	store := room.NewStore()
	m := NewManager(store, nil, nil, nil, 0, nil)
	created, err := m.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.True(t, store.RoomExists(created.RoomId))

	store.AddUserConnection(created.RoomId, "alice", "c1")
	store.AddUserConnection(created.RoomId, "alice", "c2")
	store.AddUserConnection(created.RoomId, "bob", "c3")
	assert.Equal(t, Stats{Rooms: 1, TotalUsers: 2}, m.Stats())

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.CreateRoom(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweep(t *testing.T) {
	p := newTestPersister(t, "sqlite")
	now := time.Now()
	require.NoError(t, p.StoreRoom(types.RoomRecord{Id: "old", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, p.StoreRoom(types.RoomRecord{Id: "new", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	rooms := &recordingRooms{}
	m := NewManager(room.NewStore(), p, nil, rooms, time.Hour, nil)
	result, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Idle: 2}, result)
	assert.Equal(t, 1, rooms.reaps)

	records, err := p.GetRooms()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].Id)
}

func TestSweepDropsUnjoinedRooms(t *testing.T) {
	store := room.NewStore()
	hub, err := ws.NewHub(store, registry.New(), nil, nil, ws.Options{IdleGrace: time.Nanosecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-hub.Done()
	}()
	go hub.Run(ctx)

	m := NewManager(store, nil, nil, hub, time.Hour, nil)
	for i := 0; i < 3; i++ {
		_, err := m.CreateRoom(context.Background())
		require.NoError(t, err)
	}
	occupied, err := m.CreateRoom(context.Background())
	require.NoError(t, err)
	require.True(t, store.AddUserConnection(occupied.RoomId, "alice", "c1"))
	time.Sleep(time.Millisecond)

	result, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Idle)
	assert.Equal(t, []string{occupied.RoomId}, store.RoomIds())
}

func TestSweepReapFailure(t *testing.T) {
	rooms := &recordingRooms{reapErr: errors.New("hub stopped")}
	m := NewManager(room.NewStore(), nil, nil, rooms, time.Hour, nil)
	_, err := m.Sweep(context.Background())
	assert.ErrorIs(t, err, rooms.reapErr)
}

func TestStartSweeper(t *testing.T) {
	m := NewManager(room.NewStore(), nil, nil, nil, 0, nil)
	assert.Error(t, m.StartSweeper("not a spec"))
	require.NoError(t, m.StartSweeper("@every 1h"))
	assert.Error(t, m.StartSweeper("@every 1h"), "only one sweeper at a time")
	m.Stop()
	require.NoError(t, m.StartSweeper("@every 1h"))
	m.Stop()
	m.Stop()
}
