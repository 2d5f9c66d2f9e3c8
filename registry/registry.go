package registry

import (
	"sync"
	"time"
)

// Identity is what a connection has joined as.
type Identity struct {
	RoomId   string
	UserId   string
	IsAdmin  bool
	JoinedAt time.Time
}

// Registry maps connection ids to their identity. A connection without an entry has not joined a room.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

func New() *Registry {
	return &Registry{
		identities: make(map[string]Identity),
	}
}

// Bind records the identity of the connection, replacing a previous one.
func (r *Registry) Bind(connId string, identity Identity) {
	if identity.JoinedAt.IsZero() {
		identity.JoinedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[connId] = identity
}

func (r *Registry) Lookup(connId string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[connId]
	return identity, ok
}

// Remove drops the connection and returns the identity it had.
func (r *Registry) Remove(connId string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[connId]
	if ok {
		delete(r.identities, connId)
	}
	return identity, ok
}

// Count is the number of joined connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}
