package room

import (
	"time"

	"github.com/tcriess/lightspeed-board/types"
)

// Room is the in-memory state of one board session. A Room is only ever accessed through the Store, which
// guards it.
type Room struct {
	Id        string
	Name      string
	AdminKey  string
	AdminId   string
	CreatedAt time.Time
	ExpiresAt time.Time

	publicStrokes  []types.Stroke
	publicIds      map[string]struct{}
	privateStrokes map[string][]types.Stroke
	strokeOwners   map[string]string              // private stroke id -> owning user id
	users          map[string]map[string]struct{} // user id -> connection ids
	codes          map[string]string
	idleSince      time.Time // zero while users are present
}

func newRoom(record types.RoomRecord) *Room {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Room{
		Id:             record.Id,
		Name:           record.Name,
		AdminKey:       record.AdminKey,
		AdminId:        record.AdminId,
		CreatedAt:      createdAt,
		ExpiresAt:      record.ExpiresAt,
		publicStrokes:  make([]types.Stroke, 0),
		publicIds:      make(map[string]struct{}),
		privateStrokes: make(map[string][]types.Stroke),
		strokeOwners:   make(map[string]string),
		users:          make(map[string]map[string]struct{}),
		codes:          make(map[string]string),
		idleSince:      time.Now(),
	}
}

func (r *Room) record() types.RoomRecord {
	return types.RoomRecord{
		Id:        r.Id,
		Name:      r.Name,
		AdminKey:  r.AdminKey,
		AdminId:   r.AdminId,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// hasStroke checks the id against the public collection and every private list.
func (r *Room) hasStroke(strokeId string) bool {
	if _, ok := r.publicIds[strokeId]; ok {
		return true
	}
	_, ok := r.strokeOwners[strokeId]
	return ok
}

func (r *Room) appendPublic(stroke types.Stroke) {
	r.publicStrokes = append(r.publicStrokes, stroke)
	r.publicIds[stroke.Id] = struct{}{}
}

func (r *Room) appendPrivate(userId string, stroke types.Stroke) {
	r.privateStrokes[userId] = append(r.privateStrokes[userId], stroke)
	r.strokeOwners[stroke.Id] = userId
}

func (r *Room) removePrivate(userId, strokeId string) (types.Stroke, bool) {
	strokes := r.privateStrokes[userId]
	for i, s := range strokes {
		if s.Id != strokeId {
			continue
		}
		r.privateStrokes[userId] = append(strokes[:i:i], strokes[i+1:]...)
		delete(r.strokeOwners, strokeId)
		return s, true
	}
	return types.Stroke{}, false
}

func (r *Room) removePublic(strokeId string) (types.Stroke, bool) {
	for i, s := range r.publicStrokes {
		if s.Id != strokeId {
			continue
		}
		r.publicStrokes = append(r.publicStrokes[:i:i], r.publicStrokes[i+1:]...)
		delete(r.publicIds, strokeId)
		return s, true
	}
	return types.Stroke{}, false
}

func (r *Room) authoredPublic(userId, strokeId string) bool {
	for _, stroke := range r.publicStrokes {
		if stroke.Id == strokeId {
			return stroke.From == userId
		}
	}
	return false
}

func (r *Room) presentUsers() int {
	return len(r.users)
}

// idle reports whether nobody is in the room and it either expired or has been empty since before idleBefore.
func (r *Room) idle(now, idleBefore time.Time) bool {
	if r.presentUsers() > 0 {
		return false
	}
	if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
		return true
	}
	return r.idleSince.Before(idleBefore)
}

func copyStrokes(strokes []types.Stroke) []types.Stroke {
	res := make([]types.Stroke, len(strokes))
	for i, s := range strokes {
		res[i] = s.Clone()
	}
	return res
}
