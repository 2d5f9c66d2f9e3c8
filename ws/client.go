package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-board/types"
	"golang.org/x/time/rate"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	defaultSendBufferSize = 256
	defaultMaxMessageSize = 1 << 20
)

// ClientOptions configure the per-connection limits.
type ClientOptions struct {
	SendBufferSize    int
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id  string
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages, closed by the hub.
	send      chan []byte
	closeOnce sync.Once

	limiter        *rate.Limiter
	maxMessageSize int64
	logger         hclog.Logger

	// join in progress while the room is loaded, only accessed by the hub loop
	pendingRoom string
	pendingJoin types.JoinRoomMessage
}

func NewClient(hub *Hub, conn *websocket.Conn, opts ClientOptions) *Client {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := opts.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	id := uuid.New().String()
	return &Client{
		id:             id,
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, opts.SendBufferSize),
		limiter:        rate.NewLimiter(limit, burst),
		maxMessageSize: opts.MaxMessageSize,
		logger:         hub.logger.Named("client").With("conn", id),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("ws closed unexpectedly", "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.logger.Debug("rate limit exceeded, dropping message")
			continue
		}

		message := types.WebsocketMessage{}
		err = json.Unmarshal(raw, &message)
		if err != nil || message.Event == "" {
			c.logger.Debug("could not unmarshal ws message, skipping", "error", err)
			continue
		}
		if !c.hub.Dispatch(c, message) {
			return
		}
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping message, exiting write loop", "error", err)
				return
			}
		}
	}
}

// NewUpgrader returns a websocket upgrader accepting the given origins, all origins if none are given.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[origin] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := origins[origin]
			return ok
		},
	}
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, upgrader *websocket.Upgrader, opts ClientOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Error("could not upgrade connection", "error", err)
			return
		}
		client := NewClient(hub, conn, opts)
		if !hub.Register(client) {
			_ = conn.Close()
			return
		}
		go client.WriteLoop()
		go client.ReadLoop()
	}
}
