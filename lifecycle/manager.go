package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-board/auth"
	"github.com/tcriess/lightspeed-board/persistence"
	"github.com/tcriess/lightspeed-board/room"
	"github.com/tcriess/lightspeed-board/types"
)

const (
	defaultRoomTTL = 24 * time.Hour
	sweepTimeout   = time.Minute
)

// Rooms is the part of the ws hub the manager drives: it drops cached failed lookups of new rooms and reaps rooms
// nobody is in.
type Rooms interface {
	ForgetMiss(roomId string)
	ReapIdleRooms(ctx context.Context) (int, error)
}

type CreatedRoom struct {
	RoomId   string `json:"roomId"`
	AdminKey string `json:"adminKey"`
}

// SweepResult counts the records removed from the backing cache and the idle rooms dropped from memory.
type SweepResult struct {
	Expired int `json:"expired"`
	Idle    int `json:"idle"`
}

type Stats struct {
	Rooms      int `json:"rooms"`
	TotalUsers int `json:"totalUsers"`
}

// Manager creates rooms and periodically removes expired rooms from the backing cache and idle rooms from memory.
type Manager struct {
	store     *room.Store
	persister persistence.Persister
	writer    *persistence.WriteBehind
	rooms     Rooms
	roomTTL   time.Duration
	logger    hclog.Logger

	mu         sync.Mutex
	cronRunner *cron.Cron
	now        func() time.Time
}

// NewManager creates the lifecycle manager. persister, writer and rooms may be nil.
func NewManager(store *room.Store, persister persistence.Persister, writer *persistence.WriteBehind, rooms Rooms, roomTTL time.Duration, logger hclog.Logger) *Manager {
	if roomTTL <= 0 {
		roomTTL = defaultRoomTTL
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		store:     store,
		persister: persister,
		writer:    writer,
		rooms:     rooms,
		roomTTL:   roomTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRoom mints a new room with a fresh admin key. The room is persisted in the background, a failed write is
// only logged.
func (m *Manager) CreateRoom(ctx context.Context) (CreatedRoom, error) {
	if err := ctx.Err(); err != nil {
		return CreatedRoom{}, err
	}
	adminKey, err := auth.GenerateAdminKey()
	if err != nil {
		return CreatedRoom{}, err
	}
	now := m.now()
	record := types.RoomRecord{
		Id:        uuid.New().String(),
		Name:      goname.New(goname.FantasyMap).FirstLast(),
		AdminKey:  adminKey,
		CreatedAt: now,
		ExpiresAt: now.Add(m.roomTTL),
	}
	if !m.store.CreateRoomFromRecord(record) {
		return CreatedRoom{}, fmt.Errorf("room id %s already in use", record.Id)
	}
	if m.writer != nil {
		m.writer.StoreRoom(record)
	}
	if m.rooms != nil {
		m.rooms.ForgetMiss(record.Id)
	}
	m.logger.Info("room created", "room", record.Id, "name", record.Name)
	return CreatedRoom{RoomId: record.Id, AdminKey: adminKey}, nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Rooms:      m.store.RoomCount(),
		TotalUsers: m.store.TotalUsers(),
	}
}

// Sweep removes expired records from the backing cache, then has the hub drop idle rooms from memory.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{}
	if m.persister != nil {
		expired, err := m.persister.DeleteExpired(m.now())
		if err != nil {
			return result, fmt.Errorf("could not delete expired records: %w", err)
		}
		result.Expired = expired
	}
	if m.rooms != nil {
		idle, err := m.rooms.ReapIdleRooms(ctx)
		if err != nil {
			return result, fmt.Errorf("could not reap idle rooms: %w", err)
		}
		result.Idle = idle
	}
	return result, nil
}

// StartSweeper runs Sweep on the given cron spec (f.e. "@every 10m") until Stop is called.
func (m *Manager) StartSweeper(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cronRunner != nil {
		return fmt.Errorf("sweeper already running")
	}
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := cronRunner.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		result, err := m.Sweep(ctx)
		if err != nil {
			m.logger.Error("could not sweep", "error", err)
			return
		}
		stats := m.Stats()
		m.logger.Info("sweep done", "expired", result.Expired, "idle", result.Idle, "rooms", stats.Rooms, "users", stats.TotalUsers)
	})
	if err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	cronRunner.Start()
	m.cronRunner = cronRunner
	return nil
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cronRunner := m.cronRunner
	m.cronRunner = nil
	m.mu.Unlock()
	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
}
