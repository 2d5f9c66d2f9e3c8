package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.Persistence.DSN == "" {
		return nil, fmt.Errorf("no dsn configured")
	}
	var dial gorm.Dialector
	switch cfg.Persistence.Type {
	case "gorm-postgres":
		dial = postgres.Open(cfg.Persistence.DSN)

	case "gorm-sqlite":
		dial = sqlite.Open(cfg.Persistence.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.RoomRecord{}, &types.StrokeRecord{}, &types.CodeRecord{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// notExpired restricts a query to records that are still alive at now.
func notExpired(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("(expires_at IS NULL OR expires_at > ? OR expires_at = ?)", now.UTC(), time.Time{})
	}
}

// timestamps are stored in UTC, sqlite compares them as strings
func (p *GormPersist) StoreRoom(room types.RoomRecord) error {
	room.CreatedAt = room.CreatedAt.UTC()
	room.ExpiresAt = room.ExpiresAt.UTC()
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error
}

func (p *GormPersist) GetRoom(room *types.RoomRecord) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	err := p.db.Scopes(notExpired(time.Now())).Where("id = ?", room.Id).First(room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) GetRooms() ([]*types.RoomRecord, error) {
	rooms := make([]*types.RoomRecord, 0)
	err := p.db.Scopes(notExpired(time.Now())).Order("created_at").Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) DeleteRoom(roomId string) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomId).Delete(&types.StrokeRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomId).Delete(&types.CodeRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", roomId).Delete(&types.RoomRecord{}).Error
	})
}

func (p *GormPersist) StoreStroke(stroke types.StrokeRecord) error {
	stroke.CreatedAt = stroke.CreatedAt.UTC()
	stroke.ExpiresAt = stroke.ExpiresAt.UTC()
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&stroke).Error
}

func (p *GormPersist) GetStrokes(roomId string) ([]*types.StrokeRecord, error) {
	strokes := make([]*types.StrokeRecord, 0)
	err := p.db.Scopes(notExpired(time.Now())).Where("room_id = ?", roomId).Order("created_at").Find(&strokes).Error
	if err != nil {
		return nil, err
	}
	return strokes, nil
}

func (p *GormPersist) DeleteStrokes(roomId string, strokeIds []string) error {
	if len(strokeIds) == 0 {
		return nil
	}
	return p.db.Where("room_id = ? AND stroke_id IN ?", roomId, strokeIds).Delete(&types.StrokeRecord{}).Error
}

func (p *GormPersist) StoreCode(code types.CodeRecord) error {
	code.UpdatedAt = time.Now().UTC()
	code.ExpiresAt = code.ExpiresAt.UTC()
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&code).Error
}

func (p *GormPersist) GetCodes(roomId string) ([]*types.CodeRecord, error) {
	codes := make([]*types.CodeRecord, 0)
	err := p.db.Scopes(notExpired(time.Now())).Where("room_id = ?", roomId).Find(&codes).Error
	return codes, err
}

func (p *GormPersist) DeleteExpired(now time.Time) (int, error) {
	var deleted int64
	err := p.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&types.StrokeRecord{}, &types.CodeRecord{}, &types.RoomRecord{}} {
			res := tx.Where("expires_at > ? AND expires_at <= ?", time.Time{}, now.UTC()).Delete(model)
			if res.Error != nil {
				return res.Error
			}
			deleted += res.RowsAffected
		}
		return nil
	})
	return int(deleted), err
}

func (p *GormPersist) Close() error {
	db, err := p.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
