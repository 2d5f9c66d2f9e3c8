package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/types"
)

var ErrNotFound = errors.New("not found")

// Persister is the backing cache of rooms, public strokes and code buffers. All writes are idempotent upserts
// keyed by (room, stroke id) and (room, user id). Records past their ExpiresAt are never returned.
type Persister interface {
	StoreRoom(types.RoomRecord) error
	GetRoom(*types.RoomRecord) error
	GetRooms() ([]*types.RoomRecord, error)
	DeleteRoom(roomId string) error
	StoreStroke(types.StrokeRecord) error
	GetStrokes(roomId string) ([]*types.StrokeRecord, error)
	DeleteStrokes(roomId string, strokeIds []string) error
	StoreCode(types.CodeRecord) error
	GetCodes(roomId string) ([]*types.CodeRecord, error)
	DeleteExpired(now time.Time) (int, error)
	Close() error
}

// NewPersister creates the backend selected by cfg.Persistence.Type.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.Persistence.Type {
	case "", "buntdb":
		return NewBuntPersister(cfg)
	case "gorm-sqlite", "gorm-postgres":
		return NewGormPersister(cfg)
	case "sqlite":
		return NewSQLitePersister(cfg)
	case "postgres":
		return NewPostgresPersister(cfg)
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.Persistence.Type)
}

// LoadRoom reads everything needed to rehydrate a room: its metadata, the public strokes in creation order and the
// code buffers. It returns ErrNotFound if the room is unknown or expired.
func LoadRoom(p Persister, roomId string) (*types.RoomSnapshot, error) {
	record := types.RoomRecord{Id: roomId}
	if err := p.GetRoom(&record); err != nil {
		return nil, err
	}
	strokeRecords, err := p.GetStrokes(roomId)
	if err != nil {
		return nil, fmt.Errorf("could not load strokes: %w", err)
	}
	types.SortStrokeRecords(strokeRecords)
	snapshot := &types.RoomSnapshot{
		Room:    record,
		Strokes: make([]types.Stroke, 0, len(strokeRecords)),
		Codes:   make(map[string]string),
	}
	for _, rec := range strokeRecords {
		stroke, err := rec.DecodeStroke()
		if err != nil {
			continue
		}
		snapshot.Strokes = append(snapshot.Strokes, stroke)
	}
	codeRecords, err := p.GetCodes(roomId)
	if err != nil {
		return nil, fmt.Errorf("could not load code buffers: %w", err)
	}
	for _, rec := range codeRecords {
		snapshot.Codes[rec.UserId] = rec.Code
	}
	return snapshot, nil
}

// expired reports whether a record with the given expiry is gone at now. A zero expiry never expires.
func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !expiresAt.After(now)
}
