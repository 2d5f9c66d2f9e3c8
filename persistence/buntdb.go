package persistence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/globals"
	"github.com/tcriess/lightspeed-board/types"
	"github.com/tidwall/buntdb"
)

const memoryDSN = ":memory:"

type BuntDBPersist struct {
	db   *buntdb.DB
	lock *flock.Flock
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	fileName := cfg.Persistence.DSN
	if fileName == "" {
		fileName = memoryDSN
	}
	var lock *flock.Flock
	if fileName != memoryDSN {
		lockPath := cfg.Persistence.FlockPath
		if lockPath == "" {
			lockPath = fileName + ".lock"
		}
		lock = flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("data file %s is in use by another process", fileName)
		}
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &BuntDBPersist{db: db, lock: lock}, nil
}

func roomKey(roomId string) string {
	return "room:" + roomId
}

func strokeKey(roomId, strokeId string) string {
	return "stroke:" + roomId + ":" + strokeId
}

func codeKey(roomId, userId string) string {
	return "code:" + roomId + ":" + userId
}

// setOptions maps an expiry onto a buntdb TTL; buntdb removes the key on its own once it passes.
func setOptions(expiresAt time.Time) *buntdb.SetOptions {
	if expiresAt.IsZero() {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return &buntdb.SetOptions{Expires: true, TTL: ttl}
}

func (p *BuntDBPersist) set(key string, value interface{}, expiresAt time.Time) error {
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(v), setOptions(expiresAt))
		return err
	})
}

func (p *BuntDBPersist) StoreRoom(room types.RoomRecord) error {
	return p.set(roomKey(room.Id), room, room.ExpiresAt)
}

func (p *BuntDBPersist) GetRoom(room *types.RoomRecord) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		u, err := tx.Get(roomKey(room.Id))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		err = json.Unmarshal([]byte(u), room)
		if err != nil {
			return err
		}
		if expired(room.ExpiresAt, time.Now()) {
			return ErrNotFound
		}
		return nil
	})
}

func (p *BuntDBPersist) GetRooms() ([]*types.RoomRecord, error) {
	rooms := make([]*types.RoomRecord, 0)
	now := time.Now()
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.RoomRecord{}
			if err := json.Unmarshal([]byte(val), room); err != nil {
				globals.AppLogger.Warn("skipping undecodable room", "key", key, "error", err)
				return true
			}
			if !expired(room.ExpiresAt, now) {
				rooms = append(rooms, room)
			}
			return true
		})
	})
	return rooms, err
}

// DeleteRoom removes the room together with its strokes and code buffers.
func (p *BuntDBPersist) DeleteRoom(roomId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		keys := []string{roomKey(roomId)}
		for _, pattern := range []string{strokeKey(roomId, "*"), codeKey(roomId, "*")} {
			err := tx.AscendKeys(pattern, func(key, _ string) bool {
				keys = append(keys, key)
				return true
			})
			if err != nil {
				return err
			}
		}
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) StoreStroke(stroke types.StrokeRecord) error {
	return p.set(strokeKey(stroke.RoomId, stroke.StrokeId), stroke, stroke.ExpiresAt)
}

func (p *BuntDBPersist) GetStrokes(roomId string) ([]*types.StrokeRecord, error) {
	strokes := make([]*types.StrokeRecord, 0)
	now := time.Now()
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(strokeKey(roomId, "*"), func(key, val string) bool {
			stroke := &types.StrokeRecord{}
			if err := json.Unmarshal([]byte(val), stroke); err != nil {
				globals.AppLogger.Warn("skipping undecodable stroke", "key", key, "error", err)
				return true
			}
			if !expired(stroke.ExpiresAt, now) {
				strokes = append(strokes, stroke)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	types.SortStrokeRecords(strokes)
	return strokes, nil
}

func (p *BuntDBPersist) DeleteStrokes(roomId string, strokeIds []string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		for _, strokeId := range strokeIds {
			if _, err := tx.Delete(strokeKey(roomId, strokeId)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) StoreCode(code types.CodeRecord) error {
	return p.set(codeKey(code.RoomId, code.UserId), code, code.ExpiresAt)
}

func (p *BuntDBPersist) GetCodes(roomId string) ([]*types.CodeRecord, error) {
	codes := make([]*types.CodeRecord, 0)
	now := time.Now()
	prefix := codeKey(roomId, "")
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, val string) bool {
			code := &types.CodeRecord{}
			if err := json.Unmarshal([]byte(val), code); err != nil {
				globals.AppLogger.Warn("skipping undecodable code buffer", "key", key, "error", err)
				return true
			}
			if code.UserId == "" {
				code.UserId = strings.TrimPrefix(key, prefix)
			}
			if !expired(code.ExpiresAt, now) {
				codes = append(codes, code)
			}
			return true
		})
	})
	return codes, err
}

// DeleteExpired is a no-op: every key carries a TTL and buntdb evicts it itself.
func (p *BuntDBPersist) DeleteExpired(_ time.Time) (int, error) {
	return 0, nil
}

func (p *BuntDBPersist) Close() error {
	err := p.db.Close()
	if p.lock != nil {
		if unlockErr := p.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}
