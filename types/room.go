package types

import (
	"encoding/json"
	"sort"
	"time"

	"gorm.io/datatypes"
)

// RoomRecord is the persisted room metadata. AdminId is empty until the first admin joined.
type RoomRecord struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	AdminKey  string    `json:"adminKey"`
	AdminId   string    `json:"adminId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`
}

func (RoomRecord) TableName() string {
	return "rooms"
}

// StrokeRecord is a persisted public stroke, keyed by (RoomId, StrokeId).
type StrokeRecord struct {
	RoomId    string         `json:"roomId" gorm:"primaryKey"`
	StrokeId  string         `json:"strokeId" gorm:"primaryKey"`
	AuthorId  string         `json:"authorId"`
	Stroke    datatypes.JSON `json:"stroke"`
	CreatedAt time.Time      `json:"createdAt" gorm:"index"`
	ExpiresAt time.Time      `json:"expiresAt" gorm:"index"`
}

func (StrokeRecord) TableName() string {
	return "strokes"
}

// CodeRecord is the persisted code buffer of one user, keyed by (RoomId, UserId).
type CodeRecord struct {
	RoomId    string    `json:"roomId" gorm:"primaryKey"`
	UserId    string    `json:"userId" gorm:"primaryKey"`
	Code      string    `json:"code"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`
}

func (CodeRecord) TableName() string {
	return "codes"
}

// RoomSnapshot is everything needed to rehydrate a room.
type RoomSnapshot struct {
	Room    RoomRecord
	Strokes []Stroke
	Codes   map[string]string
}

func NewStrokeRecord(roomId string, stroke Stroke, expiresAt time.Time) (StrokeRecord, error) {
	data, err := json.Marshal(stroke)
	if err != nil {
		return StrokeRecord{}, err
	}
	createdAt := time.Now()
	if stroke.CreatedAt > 0 {
		createdAt = time.Unix(0, stroke.CreatedAt*int64(time.Millisecond))
	}
	return StrokeRecord{
		RoomId:    roomId,
		StrokeId:  stroke.Id,
		AuthorId:  stroke.From,
		Stroke:    datatypes.JSON(data),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (r StrokeRecord) DecodeStroke() (Stroke, error) {
	stroke := Stroke{}
	err := json.Unmarshal(r.Stroke, &stroke)
	return stroke, err
}

// SortStrokeRecords orders the records by creation time (stable for equal timestamps).
func SortStrokeRecords(records []*StrokeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
