package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-board/lifecycle"
	"github.com/tcriess/lightspeed-board/room"
)

type failingRooms struct{}

func (failingRooms) CreateRoom(context.Context) (lifecycle.CreatedRoom, error) {
	return lifecycle.CreatedRoom{}, errors.New("entropy exhausted")
}

func (failingRooms) Stats() lifecycle.Stats {
	return lifecycle.Stats{}
}

func setupTestRouter(t *testing.T, origins ...string) (http.Handler, *room.Store) {
	t.Helper()
	store := room.NewStore()
	manager := lifecycle.NewManager(store, nil, nil, nil, time.Hour, nil)
	return NewRouter(New(manager, nil), nil, origins), store
}

func TestHealthHandler(t *testing.T) {
	router, store := setupTestRouter(t)
	store.CreateRoom("r1", "key")
	store.AddUserConnection("r1", "alice", "c1")
	store.AddUserConnection("r1", "alice", "c2")
	store.AddUserConnection("r1", "bob", "c3")

	for _, path := range []string{"/", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		resp := HealthResponse{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "Server is running", resp.Status)
		assert.Equal(t, 1, resp.Rooms)
		assert.Equal(t, 2, resp.TotalUsers)
		ts, err := time.Parse(time.RFC3339Nano, resp.Timestamp)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), ts, time.Minute)
	}
}

func TestCreateRoomHandler(t *testing.T) {
	router, store := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/rooms", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	created := lifecycle.CreatedRoom{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.NotEmpty(t, created.RoomId)
	assert.Len(t, created.AdminKey, 32)
	assert.True(t, store.RoomExists(created.RoomId))

	req = httptest.NewRequest(http.MethodGet, "/rooms", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCreateRoomFailure(t *testing.T) {
	router := NewRouter(New(failingRooms{}, nil), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/rooms", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := map[string]string{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Failed to create room", resp["error"])
}

func TestCORS(t *testing.T) {
	router, _ := setupTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/rooms", nil)
	req.Header.Set("Origin", "https://board.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	router, _ = setupTestRouter(t, "https://board.example.com")
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://board.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://board.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
