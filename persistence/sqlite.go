package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/types"
)

// SQLitePersist stores timestamps as unix nanoseconds, zero meaning "never expires".
type SQLitePersist struct {
	db *sql.DB
	sync.RWMutex
}

func NewSQLitePersister(cfg *config.Config) (Persister, error) {
	db, err := setupSQLiteDB(cfg)
	if err != nil {
		return nil, err
	}
	return &SQLitePersist{db: db}, nil
}

func setupSQLiteDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Persistence.DSN == "" {
		return nil, fmt.Errorf("no dsn configured")
	}
	db, err := sql.Open("sqlite3", cfg.Persistence.DSN)
	if err != nil {
		return nil, err
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
id TEXT PRIMARY KEY,
name TEXT DEFAULT "" NOT NULL,
admin_key TEXT NOT NULL,
admin_id TEXT DEFAULT "" NOT NULL,
created_at INTEGER DEFAULT 0 NOT NULL,
expires_at INTEGER DEFAULT 0 NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS strokes (
room_id TEXT NOT NULL,
stroke_id TEXT NOT NULL,
author_id TEXT DEFAULT "" NOT NULL,
stroke TEXT NOT NULL,
created_at INTEGER DEFAULT 0 NOT NULL,
expires_at INTEGER DEFAULT 0 NOT NULL,
PRIMARY KEY (room_id, stroke_id)
);`,
		`CREATE TABLE IF NOT EXISTS codes (
room_id TEXT NOT NULL,
user_id TEXT NOT NULL,
code TEXT DEFAULT "" NOT NULL,
updated_at INTEGER DEFAULT 0 NOT NULL,
expires_at INTEGER DEFAULT 0 NOT NULL,
PRIMARY KEY (room_id, user_id)
);`,
		`CREATE INDEX IF NOT EXISTS strokes_created_idx ON strokes (room_id, created_at);`,
	}
	for _, query := range queries {
		_, err = db.Exec(query)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (p *SQLitePersist) StoreRoom(room types.RoomRecord) error {
	p.Lock()
	defer p.Unlock()
	query := `INSERT INTO rooms (id,name,admin_key,admin_id,created_at,expires_at) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name,admin_key=EXCLUDED.admin_key,admin_id=EXCLUDED.admin_id,created_at=EXCLUDED.created_at,expires_at=EXCLUDED.expires_at;`
	_, err := p.db.Exec(query, room.Id, room.Name, room.AdminKey, room.AdminId, toUnixNano(room.CreatedAt), toUnixNano(room.ExpiresAt))
	return err
}

func (p *SQLitePersist) GetRoom(room *types.RoomRecord) error {
	p.RLock()
	defer p.RUnlock()
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	var createdAt, expiresAt int64
	query := `SELECT name,admin_key,admin_id,created_at,expires_at FROM rooms WHERE id=$1 AND (expires_at=0 OR expires_at>$2);`
	err := p.db.QueryRow(query, room.Id, time.Now().UnixNano()).Scan(&room.Name, &room.AdminKey, &room.AdminId, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	room.CreatedAt = fromUnixNano(createdAt)
	room.ExpiresAt = fromUnixNano(expiresAt)
	return nil
}

func (p *SQLitePersist) GetRooms() ([]*types.RoomRecord, error) {
	p.RLock()
	defer p.RUnlock()
	rooms := make([]*types.RoomRecord, 0)
	query := `SELECT id,name,admin_key,admin_id,created_at,expires_at FROM rooms WHERE expires_at=0 OR expires_at>$1 ORDER BY created_at;`
	rows, err := p.db.Query(query, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var room types.RoomRecord
		var createdAt, expiresAt int64
		err = rows.Scan(&room.Id, &room.Name, &room.AdminKey, &room.AdminId, &createdAt, &expiresAt)
		if err != nil {
			return nil, err
		}
		room.CreatedAt = fromUnixNano(createdAt)
		room.ExpiresAt = fromUnixNano(expiresAt)
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

func (p *SQLitePersist) DeleteRoom(roomId string) error {
	p.Lock()
	defer p.Unlock()
	tx, err := p.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	for _, query := range []string{
		`DELETE FROM strokes WHERE room_id=$1;`,
		`DELETE FROM codes WHERE room_id=$1;`,
		`DELETE FROM rooms WHERE id=$1;`,
	} {
		_, err = tx.Exec(query, roomId)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *SQLitePersist) StoreStroke(stroke types.StrokeRecord) error {
	p.Lock()
	defer p.Unlock()
	query := `INSERT INTO strokes (room_id,stroke_id,author_id,stroke,created_at,expires_at) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (room_id,stroke_id) DO UPDATE SET author_id=EXCLUDED.author_id,stroke=EXCLUDED.stroke,expires_at=EXCLUDED.expires_at;`
	_, err := p.db.Exec(query, stroke.RoomId, stroke.StrokeId, stroke.AuthorId, string(stroke.Stroke), toUnixNano(stroke.CreatedAt), toUnixNano(stroke.ExpiresAt))
	return err
}

func (p *SQLitePersist) GetStrokes(roomId string) ([]*types.StrokeRecord, error) {
	p.RLock()
	defer p.RUnlock()
	strokes := make([]*types.StrokeRecord, 0)
	query := `SELECT stroke_id,author_id,stroke,created_at,expires_at FROM strokes WHERE room_id=$1 AND (expires_at=0 OR expires_at>$2) ORDER BY created_at;`
	rows, err := p.db.Query(query, roomId, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		stroke := types.StrokeRecord{RoomId: roomId}
		var raw string
		var createdAt, expiresAt int64
		err = rows.Scan(&stroke.StrokeId, &stroke.AuthorId, &raw, &createdAt, &expiresAt)
		if err != nil {
			return nil, err
		}
		stroke.Stroke = []byte(raw)
		stroke.CreatedAt = fromUnixNano(createdAt)
		stroke.ExpiresAt = fromUnixNano(expiresAt)
		strokes = append(strokes, &stroke)
	}
	return strokes, rows.Err()
}

func (p *SQLitePersist) DeleteStrokes(roomId string, strokeIds []string) error {
	p.Lock()
	defer p.Unlock()
	tx, err := p.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	query := `DELETE FROM strokes WHERE room_id=$1 AND stroke_id=$2;`
	for _, strokeId := range strokeIds {
		_, err = tx.Exec(query, roomId, strokeId)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *SQLitePersist) StoreCode(code types.CodeRecord) error {
	p.Lock()
	defer p.Unlock()
	query := `INSERT INTO codes (room_id,user_id,code,updated_at,expires_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (room_id,user_id) DO UPDATE SET code=EXCLUDED.code,updated_at=EXCLUDED.updated_at,expires_at=EXCLUDED.expires_at;`
	_, err := p.db.Exec(query, code.RoomId, code.UserId, code.Code, time.Now().UnixNano(), toUnixNano(code.ExpiresAt))
	return err
}

func (p *SQLitePersist) GetCodes(roomId string) ([]*types.CodeRecord, error) {
	p.RLock()
	defer p.RUnlock()
	codes := make([]*types.CodeRecord, 0)
	query := `SELECT user_id,code,updated_at,expires_at FROM codes WHERE room_id=$1 AND (expires_at=0 OR expires_at>$2);`
	rows, err := p.db.Query(query, roomId, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		code := types.CodeRecord{RoomId: roomId}
		var updatedAt, expiresAt int64
		err = rows.Scan(&code.UserId, &code.Code, &updatedAt, &expiresAt)
		if err != nil {
			return nil, err
		}
		code.UpdatedAt = fromUnixNano(updatedAt)
		code.ExpiresAt = fromUnixNano(expiresAt)
		codes = append(codes, &code)
	}
	return codes, rows.Err()
}

func (p *SQLitePersist) DeleteExpired(now time.Time) (int, error) {
	p.Lock()
	defer p.Unlock()
	tx, err := p.db.BeginTx(context.Background(), nil)
	if err != nil {
		return 0, err
	}
	deleted := int64(0)
	for _, table := range []string{"strokes", "codes", "rooms"} {
		res, err := tx.Exec(`DELETE FROM `+table+` WHERE expires_at>0 AND expires_at<=$1;`, now.UnixNano())
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	err = tx.Commit()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func (p *SQLitePersist) Close() error {
	p.Lock()
	defer p.Unlock()
	return p.db.Close()
}
