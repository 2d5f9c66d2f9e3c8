package ws

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/tcriess/lightspeed-board/filter"
	"github.com/tcriess/lightspeed-board/persistence"
	"github.com/tcriess/lightspeed-board/registry"
	"github.com/tcriess/lightspeed-board/room"
	"github.com/tcriess/lightspeed-board/types"
)

const (
	inboxSize            = 1024
	defaultMissCacheSize = 1024
	defaultMissCacheTTL  = 5 * time.Second
	defaultRoomTTL       = 24 * time.Hour
	defaultCodeTTL       = 24 * time.Hour
	defaultIdleGrace     = 10 * time.Minute
)

// Options are the tunables of a Hub. Zero values fall back to defaults.
type Options struct {
	RoomTTL       time.Duration
	CodeTTL       time.Duration
	MissCacheSize int
	MissCacheTTL  time.Duration
	IdleGrace     time.Duration
	StrokeFilter  *filter.StrokeFilter
	Logger        hclog.Logger
}

// messages posted to the hub inbox
type (
	registerMsg struct {
		client *Client
	}
	unregisterMsg struct {
		client *Client
	}
	inboundMsg struct {
		client  *Client
		message types.WebsocketMessage
	}
	loadResult struct {
		roomId   string
		snapshot *types.RoomSnapshot
		err      error
	}
	reapMsg struct {
		done chan int
	}
)

type codeKey struct {
	roomId string
	userId string
}

// Hub is the single event loop of the server. Every inbound event of every connection is processed on the Run
// goroutine, one after the other; handlers therefore never interleave. Outbound messages are queued onto the
// clients' send channels without blocking, a client that cannot keep up is dropped.
type Hub struct {
	store     *room.Store
	registry  *registry.Registry
	persister persistence.Persister
	writer    *persistence.WriteBehind
	filter    *filter.StrokeFilter
	logger    hclog.Logger

	roomTTL      time.Duration
	codeTTL      time.Duration
	missCacheTTL time.Duration
	idleGrace    time.Duration

	inbox chan interface{}
	done  chan struct{}

	// the following fields are only accessed from the Run goroutine
	clients    map[string]*Client
	pending    map[string][]*Client // room id -> connections waiting for the cold load
	dropped    []*Client
	codeHashes map[codeKey]uint64

	// room id -> time.Time of the failed lookup, safe for concurrent use
	misses *lru.Cache

	now func() time.Time
}

// NewHub creates the hub. persister and writer may be nil, in which case rooms are never loaded or persisted.
func NewHub(store *room.Store, reg *registry.Registry, persister persistence.Persister, writer *persistence.WriteBehind, opts Options) (*Hub, error) {
	if opts.MissCacheSize <= 0 {
		opts.MissCacheSize = defaultMissCacheSize
	}
	if opts.MissCacheTTL <= 0 {
		opts.MissCacheTTL = defaultMissCacheTTL
	}
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = defaultRoomTTL
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = defaultCodeTTL
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = defaultIdleGrace
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	misses, err := lru.New(opts.MissCacheSize)
	if err != nil {
		return nil, err
	}
	return &Hub{
		store:        store,
		registry:     reg,
		persister:    persister,
		writer:       writer,
		filter:       opts.StrokeFilter,
		logger:       opts.Logger,
		roomTTL:      opts.RoomTTL,
		codeTTL:      opts.CodeTTL,
		missCacheTTL: opts.MissCacheTTL,
		idleGrace:    opts.IdleGrace,
		inbox:        make(chan interface{}, inboxSize),
		done:         make(chan struct{}),
		clients:      make(map[string]*Client),
		pending:      make(map[string][]*Client),
		codeHashes:   make(map[codeKey]uint64),
		misses:       misses,
		now:          time.Now,
	}, nil
}

// Run is the main hub event loop. It returns when ctx is cancelled, closing all client connections.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				c.close()
			}
			h.logger.Info("hub stopped", "connections", len(h.clients))
			return
		case msg := <-h.inbox:
			h.handle(msg)
		}
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// submit posts to the inbox. It returns false if the hub has stopped.
func (h *Hub) submit(msg interface{}) bool {
	select {
	case h.inbox <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Register adds a new, not yet joined connection.
func (h *Hub) Register(c *Client) bool {
	return h.submit(registerMsg{client: c})
}

// Unregister removes the connection, running the departure logic if it had joined a room.
func (h *Hub) Unregister(c *Client) {
	h.submit(unregisterMsg{client: c})
}

// Dispatch hands an inbound event of the connection to the hub.
func (h *Hub) Dispatch(c *Client, message types.WebsocketMessage) bool {
	return h.submit(inboundMsg{client: c, message: message})
}

// ForgetMiss drops a cached "room does not exist" result.
func (h *Hub) ForgetMiss(roomId string) {
	h.misses.Remove(roomId)
}

// ReapIdleRooms drops rooms nobody is in from memory once they expired or stayed empty for the idle grace. The
// backing cache keeps them, a later join loads them again. It returns the number of rooms dropped.
func (h *Hub) ReapIdleRooms(ctx context.Context) (int, error) {
	done := make(chan int, 1)
	select {
	case h.inbox <- reapMsg{done: done}:
	case <-h.done:
		return 0, ErrHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-done:
		return n, nil
	case <-h.done:
		return 0, ErrHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Hub) handle(msg interface{}) {
	switch m := msg.(type) {
	case registerMsg:
		h.clients[m.client.id] = m.client
		h.logger.Debug("connection registered", "conn", m.client.id, "connections", len(h.clients))

	case unregisterMsg:
		if _, ok := h.clients[m.client.id]; ok {
			delete(h.clients, m.client.id)
			h.leave(m.client)
			m.client.close()
			h.logger.Debug("connection unregistered", "conn", m.client.id, "connections", len(h.clients))
		}

	case inboundMsg:
		if _, ok := h.clients[m.client.id]; !ok {
			return
		}
		h.dispatch(m.client, m.message)

	case loadResult:
		h.finishLoad(m)

	case reapMsg:
		m.done <- h.reapIdleRooms()
	}
	h.flushDropped()
}

// flushDropped runs the departure logic for connections dropped during the last handler. Departure broadcasts may
// drop further connections, those are handled in the same loop.
func (h *Hub) flushDropped() {
	for len(h.dropped) > 0 {
		c := h.dropped[0]
		h.dropped = h.dropped[1:]
		h.leave(c)
		c.close()
	}
}

// isMiss reports whether the room was recently looked up without success.
func (h *Hub) isMiss(roomId string) bool {
	v, ok := h.misses.Get(roomId)
	if !ok {
		return false
	}
	if h.now().Sub(v.(time.Time)) < h.missCacheTTL {
		return true
	}
	h.misses.Remove(roomId)
	return false
}

// startLoad queues the connection for the room and starts the cold load unless one is in flight.
func (h *Hub) startLoad(c *Client, roomId string) {
	c.pendingRoom = roomId
	waiting := h.pending[roomId]
	h.pending[roomId] = append(waiting, c)
	if len(waiting) > 0 {
		return
	}
	h.logger.Debug("loading room from backing cache", "room", roomId)
	go func() {
		snapshot, err := persistence.LoadRoom(h.persister, roomId)
		h.submit(loadResult{roomId: roomId, snapshot: snapshot, err: err})
	}()
}

func (h *Hub) finishLoad(res loadResult) {
	waiting := h.pending[res.roomId]
	delete(h.pending, res.roomId)
	restored := false
	switch {
	case res.err == nil:
		if h.store.RestoreRoom(*res.snapshot) {
			restored = true
			h.logger.Info("room restored", "room", res.roomId, "strokes", len(res.snapshot.Strokes), "codes", len(res.snapshot.Codes))
		}
	case errors.Is(res.err, persistence.ErrNotFound):
		h.misses.Add(res.roomId, h.now())
	default:
		h.logger.Error("could not load room", "room", res.roomId, "error", res.err)
	}
	for _, c := range waiting {
		if _, ok := h.clients[c.id]; !ok || c.pendingRoom != res.roomId {
			continue
		}
		join := c.pendingJoin
		c.pendingRoom = ""
		c.pendingJoin = types.JoinRoomMessage{}
		if !h.store.RoomExists(res.roomId) {
			h.replyError(c, &NotFoundError{RoomId: res.roomId})
			continue
		}
		h.completeJoin(c, join)
	}
	// every waiter disconnected while the room was loading
	if restored && h.store.PresentUserCount(res.roomId) == 0 {
		h.discardRoom(res.roomId)
		h.logger.Info("room restored without joiners, removed from memory", "room", res.roomId)
	}
}

func (h *Hub) reapIdleRooms() int {
	now := h.now()
	ids := h.store.IdleRooms(now, now.Add(-h.idleGrace))
	for _, roomId := range ids {
		h.discardRoom(roomId)
	}
	if len(ids) > 0 {
		h.logger.Info("idle rooms removed from memory", "rooms", len(ids))
	}
	return len(ids)
}

// discardRoom removes the room and its code hashes from memory.
func (h *Hub) discardRoom(roomId string) bool {
	if !h.store.DeleteRoom(roomId) {
		return false
	}
	for key := range h.codeHashes {
		if key.roomId == roomId {
			delete(h.codeHashes, key)
		}
	}
	return true
}

// send queues data on the connection. A full send buffer drops the connection.
func (h *Hub) send(c *Client, data []byte) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("send buffer full, dropping connection", "conn", c.id)
		delete(h.clients, c.id)
		h.dropped = append(h.dropped, c)
	}
}

func (h *Hub) sendEvent(c *Client, event string, payload interface{}) {
	data, err := types.NewWebsocketMessage(event, payload)
	if err != nil {
		h.logger.Error("could not marshal message", "event", event, "error", err)
		return
	}
	h.send(c, data)
}

// sendTo delivers the event to the given connection ids, skipping except.
func (h *Hub) sendTo(connIds []string, except string, event string, payload interface{}) {
	if len(connIds) == 0 {
		return
	}
	data, err := types.NewWebsocketMessage(event, payload)
	if err != nil {
		h.logger.Error("could not marshal message", "event", event, "error", err)
		return
	}
	for _, connId := range connIds {
		if connId == except {
			continue
		}
		if c, ok := h.clients[connId]; ok {
			h.send(c, data)
		}
	}
}

// broadcast delivers the event to every connection of the room except the one given (empty for all).
func (h *Hub) broadcast(roomId, except, event string, payload interface{}) {
	h.sendTo(h.store.Connections(roomId), except, event, payload)
}

// sendToUser delivers the event to every connection of the user in the room except the one given.
func (h *Hub) sendToUser(roomId, userId, except, event string, payload interface{}) {
	h.sendTo(h.store.UserConnections(roomId, userId), except, event, payload)
}

// adminConnections returns the connections of the bound admin that joined with the admin key. Tabs of the same
// user id without the key are not admin connections.
func (h *Hub) adminConnections(roomId string) []string {
	adminId := h.store.AdminId(roomId)
	if adminId == "" {
		return nil
	}
	conns := make([]string, 0)
	for _, connId := range h.store.UserConnections(roomId, adminId) {
		if identity, ok := h.registry.Lookup(connId); ok && identity.IsAdmin && identity.RoomId == roomId {
			conns = append(conns, connId)
		}
	}
	return conns
}

// sendToAdmin delivers the event to the admin connections, it returns false if there are none.
func (h *Hub) sendToAdmin(roomId, event string, payload interface{}) bool {
	conns := h.adminConnections(roomId)
	h.sendTo(conns, "", event, payload)
	return len(conns) > 0
}

func (h *Hub) replyError(c *Client, err error) {
	h.sendEvent(c, types.EventError, types.ErrorMessage{Message: err.Error()})
}

// leave removes the connection from its room. If it was the user's last connection the user departed, if it was
// the room's last user the room is discarded from memory.
func (h *Hub) leave(c *Client) {
	if c.pendingRoom != "" {
		c.pendingRoom = ""
		c.pendingJoin = types.JoinRoomMessage{}
	}
	identity, ok := h.registry.Remove(c.id)
	if !ok {
		return
	}
	roomId, userId := identity.RoomId, identity.UserId
	departed := h.store.RemoveUserConnection(roomId, userId, c.id)
	count := h.store.PresentUserCount(roomId)
	h.logger.Info("connection left room", "room", roomId, "user", userId, "conn", c.id, "departed", departed, "users", count)
	h.broadcast(roomId, "", types.EventUsersUpdate, types.UsersUpdate{Count: count})
	if departed {
		h.broadcast(roomId, "", types.EventUserLeft, types.UserLeft{UserId: userId})
	}
	if count == 0 && h.discardRoom(roomId) {
		h.logger.Info("room is empty, removed from memory", "room", roomId)
	}
}

func (h *Hub) expiry(ttl time.Duration) time.Time {
	return h.now().Add(ttl)
}
