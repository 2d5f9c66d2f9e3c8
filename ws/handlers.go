package ws

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/lightspeed-board/filter"
	"github.com/tcriess/lightspeed-board/registry"
	"github.com/tcriess/lightspeed-board/room"
	"github.com/tcriess/lightspeed-board/types"
)

type handlerFunc func(h *Hub, c *Client, identity registry.Identity, data json.RawMessage) error

// handlers for joined connections, joinRoom and leaveRoom are handled separately
var handlers = map[string]handlerFunc{
	types.EventPublicStroke:   (*Hub).handlePublicStroke,
	types.EventPrivateStroke:  (*Hub).handlePrivateStroke,
	types.EventRequestPromote: (*Hub).handleRequestPromote,
	types.EventPromoteStroke:  (*Hub).handlePromoteStroke,
	types.EventUpdateStroke:   (*Hub).handleUpdateStroke,
	types.EventDeleteStrokes:  (*Hub).handleDeleteStrokes,
	types.EventCodeUpdate:     (*Hub).handleCodeUpdate,
	types.EventCursorMove:     (*Hub).handleCursorMove,
	types.EventLiveStroke:     (*Hub).handleLiveStroke,
	types.EventLiveStrokeEnd:  (*Hub).handleLiveStrokeEnd,
}

func (h *Hub) dispatch(c *Client, message types.WebsocketMessage) {
	var err error
	switch message.Event {
	case types.EventJoinRoom:
		err = h.handleJoinRoom(c, message.Data)

	case types.EventLeaveRoom:
		h.leave(c)

	default:
		handler, ok := handlers[message.Event]
		if !ok {
			h.logger.Debug("ignoring unknown event", "event", message.Event, "conn", c.id)
			return
		}
		identity, ok := h.registry.Lookup(c.id)
		if !ok {
			h.logger.Debug("ignoring event from connection that has not joined", "event", message.Event, "conn", c.id)
			return
		}
		err = handler(h, c, identity, message.Data)
	}
	if err == nil {
		return
	}
	if isClientError(err) {
		h.logger.Debug("rejected event", "event", message.Event, "conn", c.id, "error", err)
		h.replyError(c, err)
		return
	}
	h.logger.Error("could not handle event", "event", message.Event, "conn", c.id, "error", err)
}

func (h *Hub) handleJoinRoom(c *Client, data json.RawMessage) error {
	msg := types.JoinRoomMessage{}
	if err := types.DecodePayload(data, &msg); err != nil {
		return validationErrorf("invalid joinRoom payload: %s", err)
	}
	if msg.RoomId == "" || msg.UserId == "" {
		return validationErrorf("roomId and userId are required")
	}
	if identity, ok := h.registry.Lookup(c.id); ok && identity.RoomId == msg.RoomId && identity.UserId == msg.UserId {
		// a tab that joined without the key may present it now
		if !identity.IsAdmin && h.resolveAdmin(msg) {
			identity.IsAdmin = true
			h.registry.Bind(c.id, identity)
			h.logger.Info("connection upgraded to admin", "room", identity.RoomId, "user", identity.UserId, "conn", c.id)
		}
		h.sendSnapshot(c, identity)
		return nil
	}
	// a connection is in at most one room
	h.leave(c)

	if h.store.RoomExists(msg.RoomId) {
		h.completeJoin(c, msg)
		return nil
	}
	if h.persister == nil || h.isMiss(msg.RoomId) {
		return &NotFoundError{RoomId: msg.RoomId}
	}
	c.pendingJoin = msg
	h.startLoad(c, msg.RoomId)
	return nil
}

// resolveAdmin checks the presented admin key and binds the admin on first use. It reports whether the joining
// user is the room's admin.
func (h *Hub) resolveAdmin(msg types.JoinRoomMessage) bool {
	roomId, userId := msg.RoomId, msg.UserId
	if msg.AdminKey == "" || !h.store.VerifyAdminSecret(roomId, msg.AdminKey) {
		return false
	}
	previous := h.store.AdminId(roomId)
	adminId, _ := h.store.BindAdmin(roomId, userId)
	switch {
	case adminId != userId:
		h.logger.Warn("admin key presented by a second user, joining as non-admin", "room", roomId, "user", userId, "admin", adminId)
		return false
	case previous == "":
		h.logger.Info("admin bound", "room", roomId, "user", userId)
		if record, ok := h.store.Record(roomId); ok && h.writer != nil {
			h.writer.StoreRoom(record)
		}
	}
	return true
}

// completeJoin binds the identity and sends the snapshot. The room must exist.
func (h *Hub) completeJoin(c *Client, msg types.JoinRoomMessage) {
	roomId, userId := msg.RoomId, msg.UserId
	isAdmin := h.resolveAdmin(msg)
	if !h.store.AddUserConnection(roomId, userId, c.id) {
		h.replyError(c, &NotFoundError{RoomId: roomId})
		return
	}
	identity := registry.Identity{RoomId: roomId, UserId: userId, IsAdmin: isAdmin, JoinedAt: h.now()}
	h.registry.Bind(c.id, identity)
	count := h.store.PresentUserCount(roomId)
	h.logger.Info("connection joined room", "room", roomId, "user", userId, "conn", c.id, "admin", isAdmin, "users", count)

	h.sendSnapshot(c, identity)
	h.broadcast(roomId, "", types.EventUsersUpdate, types.UsersUpdate{Count: count})
	if !isAdmin {
		h.sendToAdmin(roomId, types.EventUserJoined, types.UserJoined{UserId: userId, Code: h.store.GetCodeBuffer(roomId, userId)})
	}
}

// sendSnapshot replies join-ack and the room state visible to the identity.
func (h *Hub) sendSnapshot(c *Client, identity registry.Identity) {
	roomId, userId := identity.RoomId, identity.UserId
	h.sendEvent(c, types.EventJoinAck, types.JoinAck{RoomId: roomId, UserId: userId, IsAdmin: identity.IsAdmin})
	joined := types.RoomJoined{
		RoomId:         roomId,
		UserId:         userId,
		IsAdmin:        identity.IsAdmin,
		UserCount:      h.store.PresentUserCount(roomId),
		PublicStrokes:  h.store.PublicStrokes(roomId),
		PrivateStrokes: h.store.PrivateStrokes(roomId, userId),
		MyCode:         h.store.GetCodeBuffer(roomId, userId),
	}
	if identity.IsAdmin {
		joined.AllPrivateStrokes = h.store.AllPrivateStrokes(roomId)
		joined.AllUsersCode = h.store.GetAllCodeBuffers(roomId)
	}
	h.sendEvent(c, types.EventRoomJoined, joined)
}

// decodeStroke decodes and validates a finished stroke and runs the admission policy. A missing id is assigned.
func (h *Hub) decodeStroke(identity registry.Identity, data json.RawMessage, isPublic bool) (types.Stroke, error) {
	stroke, err := types.DecodeStroke(data)
	if err != nil {
		return stroke, validationErrorf("%s", err)
	}
	if stroke.Id == "" {
		stroke.Id = uuid.New().String()
	}
	if err := stroke.Validate(); err != nil {
		return stroke, validationErrorf("%s", err)
	}
	allowed, err := h.filter.Allow(filter.NewEnv(identity.RoomId, identity.UserId, identity.IsAdmin, isPublic, stroke))
	if err != nil {
		h.logger.Error("could not run stroke filter", "filter", h.filter.String(), "error", err)
	}
	if !allowed {
		return stroke, validationErrorf("stroke %s rejected", stroke.Id)
	}
	return stroke, nil
}

func storeError(err error, strokeId string) error {
	switch {
	case errors.Is(err, room.ErrDuplicateStroke):
		return validationErrorf("stroke id %s already in use", strokeId)
	case errors.Is(err, room.ErrRoomNotFound):
		return &NotFoundError{}
	}
	return err
}

func (h *Hub) persistStroke(roomId string, stroke types.Stroke) {
	if h.writer == nil {
		return
	}
	rec, err := types.NewStrokeRecord(roomId, stroke, h.expiry(h.roomTTL))
	if err != nil {
		h.logger.Error("could not encode stroke", "room", roomId, "stroke", stroke.Id, "error", err)
		return
	}
	h.writer.StoreStroke(rec)
}

func (h *Hub) handlePublicStroke(c *Client, identity registry.Identity, data json.RawMessage) error {
	stroke, err := h.decodeStroke(identity, data, true)
	if err != nil {
		return err
	}
	stroke.From = identity.UserId
	stroke.CreatedAt = h.now().UnixNano() / 1e6
	if err := h.store.AppendPublicStroke(identity.RoomId, stroke); err != nil {
		return storeError(err, stroke.Id)
	}
	h.persistStroke(identity.RoomId, stroke)
	h.broadcast(identity.RoomId, c.id, types.EventPublicStroke, stroke)
	return nil
}

func (h *Hub) handlePrivateStroke(c *Client, identity registry.Identity, data json.RawMessage) error {
	stroke, err := h.decodeStroke(identity, data, false)
	if err != nil {
		return err
	}
	if err := h.store.AppendPrivateStroke(identity.RoomId, identity.UserId, stroke); err != nil {
		return storeError(err, stroke.Id)
	}
	h.sendToUser(identity.RoomId, identity.UserId, c.id, types.EventPrivateStroke, stroke)
	if adminId := h.store.AdminId(identity.RoomId); adminId != "" && adminId != identity.UserId {
		h.sendToAdmin(identity.RoomId, types.EventPrivateStrokeFromOther, types.PrivateStrokeFromOther{UserId: identity.UserId, Stroke: stroke})
	}
	return nil
}

func (h *Hub) handleRequestPromote(c *Client, identity registry.Identity, _ json.RawMessage) error {
	if identity.IsAdmin {
		return &AuthorizationError{Op: "request promotion as admin"}
	}
	request := types.PromoteRequest{
		UserId:      identity.UserId,
		StrokeCount: h.store.PrivateStrokeCount(identity.RoomId, identity.UserId),
		Timestamp:   h.now().UnixNano() / 1e6,
	}
	if !h.sendToAdmin(identity.RoomId, types.EventPromoteRequest, request) {
		h.sendEvent(c, types.EventPromoteRequestSent, types.PromoteRequestSent{Success: false, Message: "No admin is connected to this room"})
		return nil
	}
	h.sendEvent(c, types.EventPromoteRequestSent, types.PromoteRequestSent{Success: true, Message: "Promotion request sent to admin"})
	return nil
}

func (h *Hub) handlePromoteStroke(c *Client, identity registry.Identity, data json.RawMessage) error {
	if !identity.IsAdmin {
		h.logger.Warn("promote attempted by non-admin", "room", identity.RoomId, "user", identity.UserId)
		return &AuthorizationError{Op: "promote strokes"}
	}
	msg := types.PromoteStrokeMessage{}
	if err := types.DecodePayload(data, &msg); err != nil {
		return validationErrorf("invalid promote-stroke payload: %s", err)
	}
	for _, strokeId := range msg.StrokeIds {
		stroke, owner, err := h.store.PromoteStroke(identity.RoomId, strokeId, h.now())
		if err != nil {
			h.logger.Debug("skipping stroke promotion", "room", identity.RoomId, "stroke", strokeId, "error", err)
			continue
		}
		h.persistStroke(identity.RoomId, stroke)
		h.broadcast(identity.RoomId, "", types.EventPublicStroke, stroke)
		h.broadcast(identity.RoomId, "", types.EventStrokePromoted, types.StrokePromoted{StrokeId: strokeId, UserId: owner})
	}
	return nil
}

// fanOutStrokeChange sends a change of public strokes to the rest of the room, and a change of private strokes to
// the caller's other connections and the admin.
func (h *Hub) fanOutStrokeChange(c *Client, identity registry.Identity, isPublic bool, event string, payload interface{}) {
	if isPublic {
		h.broadcast(identity.RoomId, c.id, event, payload)
		return
	}
	h.sendToUser(identity.RoomId, identity.UserId, c.id, event, payload)
	if adminId := h.store.AdminId(identity.RoomId); adminId != "" && adminId != identity.UserId {
		h.sendToAdmin(identity.RoomId, event, payload)
	}
}

func (h *Hub) handleUpdateStroke(c *Client, identity registry.Identity, data json.RawMessage) error {
	msg := types.UpdateStrokeMessage{}
	if err := types.DecodePayload(data, &msg); err != nil {
		return validationErrorf("invalid update-stroke payload: %s", err)
	}
	if msg.StrokeId == "" {
		return validationErrorf("strokeId is required")
	}
	stroke, err := h.store.UpdateStroke(identity.RoomId, identity.UserId, msg.StrokeId, msg.IsPublic, msg.Updates)
	switch {
	case errors.Is(err, room.ErrStrokeNotFound):
		h.logger.Debug("skipping update of unknown stroke", "room", identity.RoomId, "stroke", msg.StrokeId)
		return nil
	case errors.Is(err, types.ErrInvalidStroke), errors.Is(err, types.ErrUnknownStrokeType):
		return validationErrorf("%s", err)
	case err != nil:
		return storeError(err, msg.StrokeId)
	}
	if msg.IsPublic {
		h.persistStroke(identity.RoomId, stroke)
	}
	h.fanOutStrokeChange(c, identity, msg.IsPublic, types.EventStrokeUpdated, types.StrokeUpdated{
		UserId:   identity.UserId,
		StrokeId: msg.StrokeId,
		Stroke:   stroke,
		IsPublic: msg.IsPublic,
	})
	return nil
}

func (h *Hub) handleDeleteStrokes(c *Client, identity registry.Identity, data json.RawMessage) error {
	msg := types.DeleteStrokesMessage{}
	if err := types.DecodePayload(data, &msg); err != nil {
		return validationErrorf("invalid delete-strokes payload: %s", err)
	}
	deleted, err := h.store.DeleteStrokes(identity.RoomId, identity.UserId, msg.StrokeIds, msg.IsPublic, identity.IsAdmin)
	if err != nil {
		return storeError(err, "")
	}
	if len(deleted) < len(msg.StrokeIds) {
		h.logger.Debug("skipped deletion of unknown or foreign strokes", "room", identity.RoomId, "requested", len(msg.StrokeIds), "deleted", len(deleted))
	}
	if len(deleted) == 0 {
		return nil
	}
	if msg.IsPublic && h.writer != nil {
		h.writer.DeleteStrokes(identity.RoomId, deleted)
	}
	h.fanOutStrokeChange(c, identity, msg.IsPublic, types.EventStrokesDeleted, types.StrokesDeleted{
		UserId:    identity.UserId,
		StrokeIds: deleted,
		IsPublic:  msg.IsPublic,
	})
	return nil
}

func (h *Hub) handleCodeUpdate(c *Client, identity registry.Identity, data json.RawMessage) error {
	msg := types.CodeUpdateMessage{}
	if err := types.DecodePayload(data, &msg); err != nil {
		return validationErrorf("invalid code-update payload: %s", err)
	}
	if !h.store.SetCodeBuffer(identity.RoomId, identity.UserId, msg.Code) {
		return &NotFoundError{RoomId: identity.RoomId}
	}
	h.persistCode(identity.RoomId, identity.UserId, msg.Code)
	h.broadcast(identity.RoomId, "", types.EventCodeUpdate, types.CodeUpdate{UserId: identity.UserId, Code: msg.Code})
	return nil
}

// persistCode queues the upsert unless the buffer is unchanged since the last persisted version.
func (h *Hub) persistCode(roomId, userId, code string) {
	if h.writer == nil {
		return
	}
	key := codeKey{roomId: roomId, userId: userId}
	hash, err := hashstructure.Hash(code, hashstructure.FormatV2, nil)
	if err == nil {
		if last, ok := h.codeHashes[key]; ok && last == hash {
			return
		}
	}
	if h.writer.StoreCode(types.CodeRecord{RoomId: roomId, UserId: userId, Code: code, UpdatedAt: h.now(), ExpiresAt: h.expiry(h.codeTTL)}) && err == nil {
		h.codeHashes[key] = hash
	}
}

func (h *Hub) handleCursorMove(c *Client, identity registry.Identity, data json.RawMessage) error {
	msg := types.CursorMoveMessage{}
	if err := types.DecodePayload(data, &msg); err != nil {
		return validationErrorf("invalid cursor-move payload: %s", err)
	}
	h.broadcast(identity.RoomId, c.id, types.EventCursorMove, types.CursorMove{UserId: identity.UserId, X: msg.X, Y: msg.Y})
	return nil
}

func (h *Hub) handleLiveStroke(c *Client, identity registry.Identity, data json.RawMessage) error {
	stroke := data
	if len(stroke) == 0 {
		stroke = json.RawMessage("null")
	}
	h.broadcast(identity.RoomId, c.id, types.EventLiveStroke, types.LiveStroke{UserId: identity.UserId, Stroke: stroke})
	return nil
}

func (h *Hub) handleLiveStrokeEnd(c *Client, identity registry.Identity, _ json.RawMessage) error {
	h.broadcast(identity.RoomId, c.id, types.EventLiveStrokeEnd, types.LiveStrokeEnd{UserId: identity.UserId})
	return nil
}
