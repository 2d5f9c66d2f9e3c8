package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tcriess/lightspeed-board/auth"
	"github.com/tcriess/lightspeed-board/types"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrStrokeNotFound  = errors.New("stroke not found")
	ErrDuplicateStroke = errors.New("stroke id already in use")
)

// Store is the authoritative in-memory state of all active rooms. It performs no I/O.
// All methods are safe for concurrent use; slices and maps handed out are copies.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*Room),
	}
}

// CreateRoom initializes an empty room. It returns false (and leaves the existing room untouched) if the id is
// already in use.
func (s *Store) CreateRoom(roomId, adminKey string) bool {
	return s.CreateRoomFromRecord(types.RoomRecord{Id: roomId, AdminKey: adminKey})
}

// CreateRoomFromRecord is CreateRoom with the full metadata (name, admin, timestamps).
func (s *Store) CreateRoomFromRecord(record types.RoomRecord) bool {
	if record.Id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[record.Id]; ok {
		return false
	}
	s.rooms[record.Id] = newRoom(record)
	return true
}

// RestoreRoom rehydrates a room from a backing cache snapshot. Strokes with duplicate ids are skipped.
func (s *Store) RestoreRoom(snapshot types.RoomSnapshot) bool {
	if snapshot.Room.Id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[snapshot.Room.Id]; ok {
		return false
	}
	r := newRoom(snapshot.Room)
	for _, stroke := range snapshot.Strokes {
		if r.hasStroke(stroke.Id) {
			continue
		}
		r.appendPublic(stroke.Clone())
	}
	for userId, code := range snapshot.Codes {
		r.codes[userId] = code
	}
	s.rooms[r.Id] = r
	return true
}

func (s *Store) RoomExists(roomId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomId]
	return ok
}

// DeleteRoom drops all in-memory state of the room.
func (s *Store) DeleteRoom(roomId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomId]; !ok {
		return false
	}
	delete(s.rooms, roomId)
	return true
}

// IdleRooms returns the ids of the rooms without present users that expired at now or have been empty since
// before idleBefore, sorted.
func (s *Store) IdleRooms(now, idleBefore time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, r := range s.rooms {
		if r.idle(now, idleBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Record returns the room metadata as it would be persisted.
func (s *Store) Record(roomId string) (types.RoomRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return types.RoomRecord{}, false
	}
	return r.record(), true
}

func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *Store) RoomIds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TotalUsers is the number of present users summed over all rooms.
func (s *Store) TotalUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.rooms {
		total += r.presentUsers()
	}
	return total
}

// Presence

func (s *Store) AddUserConnection(roomId, userId, connId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return false
	}
	conns, ok := r.users[userId]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userId] = conns
	}
	conns[connId] = struct{}{}
	r.idleSince = time.Time{}
	return true
}

// RemoveUserConnection removes the connection from the user's set. It returns true exactly when this emptied the
// set, i.e. the user fully left the room.
func (s *Store) RemoveUserConnection(roomId, userId, connId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return false
	}
	conns, ok := r.users[userId]
	if !ok {
		return false
	}
	if _, ok := conns[connId]; !ok {
		return false
	}
	delete(conns, connId)
	if len(conns) == 0 {
		delete(r.users, userId)
		if r.presentUsers() == 0 {
			r.idleSince = time.Now()
		}
		return true
	}
	return false
}

// PresentUserCount is the number of distinct users with at least one connection.
func (s *Store) PresentUserCount(roomId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return 0
	}
	return r.presentUsers()
}

// Connections returns every connection id in the room.
func (s *Store) Connections(roomId string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return nil
	}
	conns := make([]string, 0)
	for _, userConns := range r.users {
		for connId := range userConns {
			conns = append(conns, connId)
		}
	}
	sort.Strings(conns)
	return conns
}

// UserConnections returns the connection ids of one user.
func (s *Store) UserConnections(roomId, userId string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(r.users[userId]))
	for connId := range r.users[userId] {
		conns = append(conns, connId)
	}
	sort.Strings(conns)
	return conns
}

// Admin

// BindAdmin sets the room's admin if none is bound yet. It returns the admin id in effect afterwards; callers
// compare it with userId to learn whether the binding took.
func (s *Store) BindAdmin(roomId, userId string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return "", false
	}
	if r.AdminId == "" {
		r.AdminId = userId
	}
	return r.AdminId, true
}

func (s *Store) AdminId(roomId string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return ""
	}
	return r.AdminId
}

func (s *Store) VerifyAdminSecret(roomId, candidate string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return false
	}
	return auth.VerifyAdminKey(r.AdminKey, candidate)
}

// Strokes

func (s *Store) AppendPublicStroke(roomId string, stroke types.Stroke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return ErrRoomNotFound
	}
	if r.hasStroke(stroke.Id) {
		return ErrDuplicateStroke
	}
	r.appendPublic(stroke.Clone())
	return nil
}

func (s *Store) AppendPrivateStroke(roomId, userId string, stroke types.Stroke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return ErrRoomNotFound
	}
	if r.hasStroke(stroke.Id) {
		return ErrDuplicateStroke
	}
	r.appendPrivate(userId, stroke.Clone())
	return nil
}

// PromotePrivateStroke removes the stroke from the user's private list and returns it. Appending it to the public
// collection is left to the caller; see PromoteStroke for the combined operation.
func (s *Store) PromotePrivateStroke(roomId, userId, strokeId string) (types.Stroke, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return types.Stroke{}, ErrRoomNotFound
	}
	stroke, ok := r.removePrivate(userId, strokeId)
	if !ok {
		return types.Stroke{}, ErrStrokeNotFound
	}
	return stroke, nil
}

// PromoteStroke moves a private stroke, whoever owns it, to the public collection in one step. The public copy is
// authored by the original owner and stamped with at. It returns the public stroke and the owner's id.
func (s *Store) PromoteStroke(roomId, strokeId string, at time.Time) (types.Stroke, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return types.Stroke{}, "", ErrRoomNotFound
	}
	owner, ok := r.strokeOwners[strokeId]
	if !ok {
		return types.Stroke{}, "", ErrStrokeNotFound
	}
	stroke, ok := r.removePrivate(owner, strokeId)
	if !ok {
		return types.Stroke{}, "", ErrStrokeNotFound
	}
	stroke.From = owner
	stroke.CreatedAt = at.UnixNano() / int64(time.Millisecond)
	r.appendPublic(stroke)
	return stroke.Clone(), owner, nil
}

// StrokeOwner returns the user owning the private stroke.
func (s *Store) StrokeOwner(roomId, strokeId string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return "", false
	}
	owner, ok := r.strokeOwners[strokeId]
	return owner, ok
}

func (s *Store) PublicStrokes(roomId string) []types.Stroke {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return nil
	}
	return copyStrokes(r.publicStrokes)
}

func (s *Store) PrivateStrokes(roomId, userId string) []types.Stroke {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return nil
	}
	return copyStrokes(r.privateStrokes[userId])
}

func (s *Store) PrivateStrokeCount(roomId, userId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return 0
	}
	return len(r.privateStrokes[userId])
}

// AllPrivateStrokes returns the private strokes of every user that has any.
func (s *Store) AllPrivateStrokes(roomId string) map[string][]types.Stroke {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[string][]types.Stroke)
	r, ok := s.rooms[roomId]
	if !ok {
		return res
	}
	for userId, strokes := range r.privateStrokes {
		if len(strokes) == 0 {
			continue
		}
		res[userId] = copyStrokes(strokes)
	}
	return res
}

// UpdateStroke applies the field updates to the stroke in place. For isPublic the stroke is looked up in the public
// collection, otherwise in userId's private list.
func (s *Store) UpdateStroke(roomId, userId, strokeId string, isPublic bool, updates map[string]interface{}) (types.Stroke, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return types.Stroke{}, ErrRoomNotFound
	}
	strokes := r.privateStrokes[userId]
	if isPublic {
		strokes = r.publicStrokes
	}
	for i, stroke := range strokes {
		if stroke.Id != strokeId {
			continue
		}
		updated, err := stroke.ApplyUpdates(updates)
		if err != nil {
			return types.Stroke{}, err
		}
		strokes[i] = updated
		return updated.Clone(), nil
	}
	return types.Stroke{}, ErrStrokeNotFound
}

// DeleteStrokes removes the given ids from userId's private list, or from the public collection. Public strokes
// are only removed if userId authored them or isAdmin is set. It returns the ids actually removed.
func (s *Store) DeleteStrokes(roomId, userId string, strokeIds []string, isPublic, isAdmin bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return nil, ErrRoomNotFound
	}
	deleted := make([]string, 0, len(strokeIds))
	for _, strokeId := range strokeIds {
		if !isPublic {
			if _, ok := r.removePrivate(userId, strokeId); ok {
				deleted = append(deleted, strokeId)
			}
			continue
		}
		if !isAdmin && !r.authoredPublic(userId, strokeId) {
			continue
		}
		if _, ok := r.removePublic(strokeId); ok {
			deleted = append(deleted, strokeId)
		}
	}
	return deleted, nil
}

// Code buffers

func (s *Store) SetCodeBuffer(roomId, userId, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return false
	}
	r.codes[userId] = code
	return true
}

func (s *Store) GetCodeBuffer(roomId, userId string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomId]
	if !ok {
		return ""
	}
	return r.codes[userId]
}

func (s *Store) GetAllCodeBuffers(roomId string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[string]string)
	r, ok := s.rooms[roomId]
	if !ok {
		return res
	}
	for userId, code := range r.codes {
		res[userId] = code
	}
	return res
}
