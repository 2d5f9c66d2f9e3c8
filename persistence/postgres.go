package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/types"
)

type PostgresPersist struct {
	db *sql.DB
}

func NewPostgresPersister(cfg *config.Config) (Persister, error) {
	db, err := setupPostgresDB(cfg)
	if err != nil {
		return nil, err
	}
	p := PostgresPersist{db: db}
	return &p, nil
}

func setupPostgresDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Persistence.DSN == "" {
		return nil, fmt.Errorf("no dsn configured")
	}
	db, err := sql.Open("postgres", cfg.Persistence.DSN)
	if err != nil {
		return nil, err
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
id TEXT PRIMARY KEY,
name TEXT DEFAULT '' NOT NULL,
admin_key TEXT NOT NULL,
admin_id TEXT DEFAULT '' NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL,
expires_at TIMESTAMP WITH TIME ZONE
);`,
		`CREATE TABLE IF NOT EXISTS strokes (
room_id TEXT NOT NULL,
stroke_id TEXT NOT NULL,
author_id TEXT DEFAULT '' NOT NULL,
stroke JSONB DEFAULT '{}'::jsonb NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL,
expires_at TIMESTAMP WITH TIME ZONE,
PRIMARY KEY (room_id, stroke_id)
);`,
		`CREATE TABLE IF NOT EXISTS codes (
room_id TEXT NOT NULL,
user_id TEXT NOT NULL,
code TEXT DEFAULT '' NOT NULL,
updated_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL,
expires_at TIMESTAMP WITH TIME ZONE,
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

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresPersist) StoreRoom(room types.RoomRecord) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	query := `INSERT INTO rooms (id,name,admin_key,admin_id,created_at,expires_at) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name,admin_key=EXCLUDED.admin_key,admin_id=EXCLUDED.admin_id,created_at=EXCLUDED.created_at,expires_at=EXCLUDED.expires_at;`
	_, err := p.db.Exec(query, room.Id, room.Name, room.AdminKey, room.AdminId, room.CreatedAt, nullTime(room.ExpiresAt))
	return err
}

func (p *PostgresPersist) GetRoom(room *types.RoomRecord) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	var expiresAt sql.NullTime
	query := `SELECT name,admin_key,admin_id,created_at,expires_at FROM rooms WHERE id=$1 AND (expires_at IS NULL OR expires_at>now());`
	err := p.db.QueryRow(query, room.Id).Scan(&room.Name, &room.AdminKey, &room.AdminId, &room.CreatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	room.ExpiresAt = expiresAt.Time
	return nil
}

func (p *PostgresPersist) GetRooms() ([]*types.RoomRecord, error) {
	rooms := make([]*types.RoomRecord, 0)
	query := `SELECT id,name,admin_key,admin_id,created_at,expires_at FROM rooms WHERE expires_at IS NULL OR expires_at>now() ORDER BY created_at;`
	rows, err := p.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var room types.RoomRecord
		var expiresAt sql.NullTime
		err = rows.Scan(&room.Id, &room.Name, &room.AdminKey, &room.AdminId, &room.CreatedAt, &expiresAt)
		if err != nil {
			return nil, err
		}
		room.ExpiresAt = expiresAt.Time
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

func (p *PostgresPersist) DeleteRoom(roomId string) error {
	ctx := context.Background()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, query := range []string{
		`DELETE FROM strokes WHERE room_id=$1;`,
		`DELETE FROM codes WHERE room_id=$1;`,
		`DELETE FROM rooms WHERE id=$1;`,
	} {
		_, err = tx.ExecContext(ctx, query, roomId)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresPersist) StoreStroke(stroke types.StrokeRecord) error {
	if stroke.CreatedAt.IsZero() {
		stroke.CreatedAt = time.Now()
	}
	query := `INSERT INTO strokes (room_id,stroke_id,author_id,stroke,created_at,expires_at) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (room_id,stroke_id) DO UPDATE SET author_id=EXCLUDED.author_id,stroke=EXCLUDED.stroke,expires_at=EXCLUDED.expires_at;`
	_, err := p.db.Exec(query, stroke.RoomId, stroke.StrokeId, stroke.AuthorId, []byte(stroke.Stroke), stroke.CreatedAt, nullTime(stroke.ExpiresAt))
	return err
}

func (p *PostgresPersist) GetStrokes(roomId string) ([]*types.StrokeRecord, error) {
	strokes := make([]*types.StrokeRecord, 0)
	query := `SELECT stroke_id,author_id,stroke,created_at,expires_at FROM strokes WHERE room_id=$1 AND (expires_at IS NULL OR expires_at>now()) ORDER BY created_at;`
	rows, err := p.db.Query(query, roomId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		stroke := types.StrokeRecord{RoomId: roomId}
		var raw []byte
		var expiresAt sql.NullTime
		err = rows.Scan(&stroke.StrokeId, &stroke.AuthorId, &raw, &stroke.CreatedAt, &expiresAt)
		if err != nil {
			return nil, err
		}
		stroke.Stroke = raw
		stroke.ExpiresAt = expiresAt.Time
		strokes = append(strokes, &stroke)
	}
	return strokes, rows.Err()
}

func (p *PostgresPersist) DeleteStrokes(roomId string, strokeIds []string) error {
	if len(strokeIds) == 0 {
		return nil
	}
	query := `DELETE FROM strokes WHERE room_id=$1 AND stroke_id=ANY($2);`
	_, err := p.db.Exec(query, roomId, pq.Array(strokeIds))
	return err
}

func (p *PostgresPersist) StoreCode(code types.CodeRecord) error {
	query := `INSERT INTO codes (room_id,user_id,code,updated_at,expires_at) VALUES ($1,$2,$3,now(),$4) ON CONFLICT (room_id,user_id) DO UPDATE SET code=EXCLUDED.code,updated_at=EXCLUDED.updated_at,expires_at=EXCLUDED.expires_at;`
	_, err := p.db.Exec(query, code.RoomId, code.UserId, code.Code, nullTime(code.ExpiresAt))
	return err
}

func (p *PostgresPersist) GetCodes(roomId string) ([]*types.CodeRecord, error) {
	codes := make([]*types.CodeRecord, 0)
	query := `SELECT user_id,code,updated_at,expires_at FROM codes WHERE room_id=$1 AND (expires_at IS NULL OR expires_at>now());`
	rows, err := p.db.Query(query, roomId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		code := types.CodeRecord{RoomId: roomId}
		var expiresAt sql.NullTime
		err = rows.Scan(&code.UserId, &code.Code, &code.UpdatedAt, &expiresAt)
		if err != nil {
			return nil, err
		}
		code.ExpiresAt = expiresAt.Time
		codes = append(codes, &code)
	}
	return codes, rows.Err()
}

func (p *PostgresPersist) DeleteExpired(now time.Time) (int, error) {
	ctx := context.Background()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	deleted := int64(0)
	for _, table := range []string{"strokes", "codes", "rooms"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at<=$1;`, now)
		if err != nil {
			tx.Rollback()
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

func (p *PostgresPersist) Close() error {
	return p.db.Close()
}
