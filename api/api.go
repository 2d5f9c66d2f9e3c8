package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-board/lifecycle"
)

const statusRunning = "Server is running"

// Rooms is the part of the lifecycle manager used by the HTTP endpoints.
type Rooms interface {
	CreateRoom(ctx context.Context) (lifecycle.CreatedRoom, error)
	Stats() lifecycle.Stats
}

type HealthResponse struct {
	Status     string `json:"status"`
	Rooms      int    `json:"rooms"`
	TotalUsers int    `json:"totalUsers"`
	Timestamp  string `json:"timestamp"`
}

type API struct {
	rooms  Rooms
	logger hclog.Logger
	now    func() time.Time
}

func New(rooms Rooms, logger hclog.Logger) *API {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &API{
		rooms:  rooms,
		logger: logger,
		now:    time.Now,
	}
}

// NewRouter wires the REST endpoints and the websocket endpoint.
func NewRouter(a *API, wsHandler http.Handler, allowedOrigins []string) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware(allowedOrigins))
	router.HandleFunc("/", a.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/rooms", a.CreateRoomHandler).Methods(http.MethodPost, http.MethodOptions)
	if wsHandler != nil {
		router.Handle("/ws", wsHandler).Methods(http.MethodGet)
	}
	return router
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("could not encode response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := a.rooms.Stats()
	a.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:     statusRunning,
		Rooms:      stats.Rooms,
		TotalUsers: stats.TotalUsers,
		Timestamp:  a.now().UTC().Format(time.RFC3339Nano),
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	created, err := a.rooms.CreateRoom(r.Context())
	if err != nil {
		a.logger.Error("could not create room", "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	a.jsonResponse(w, http.StatusCreated, created)
}

// corsMiddleware allows the given origins (all if none are given) and answers preflight requests.
func corsMiddleware(allowedOrigins []string) mux.MiddlewareFunc {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[origin] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(origins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := origins[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
