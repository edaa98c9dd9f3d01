// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Registry is the in-memory mirror of the conversation↔room mappings. It is
// write-through: every mutation is persisted by the caller before or
// immediately after updating the mirror, and readers only ever see complete
// entries. Values are copied in and out so callers can't mutate shared state.
type Registry struct {
	mu     sync.RWMutex
	byConv map[string]RoomState
	byRoom map[id.RoomID]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConv: make(map[string]RoomState),
		byRoom: make(map[id.RoomID]string),
	}
}

// Upsert inserts or replaces the mapping for state.ConversationID.
func (r *Registry) Upsert(state RoomState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byConv[state.ConversationID]; ok && old.RoomID != state.RoomID {
		delete(r.byRoom, old.RoomID)
	}
	r.byConv[state.ConversationID] = state
	r.byRoom[state.RoomID] = state.ConversationID
}

// Remove deletes the mapping for a conversation, if present.
func (r *Registry) Remove(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.byConv[conversationID]; ok {
		delete(r.byRoom, state.RoomID)
		delete(r.byConv, conversationID)
	}
}

// Get returns the mapping for a conversation.
func (r *Registry) Get(conversationID string) (RoomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.byConv[conversationID]
	return state, ok
}

// ConversationForRoom returns the conversation mapped to a room.
func (r *Registry) ConversationForRoom(roomID id.RoomID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	convID, ok := r.byRoom[roomID]
	return convID, ok
}

// Snapshot returns a copy of all current mappings. The snapshot may be stale
// by the time it is used; callers re-check individual entries when that
// matters.
func (r *Registry) Snapshot() []RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]RoomState, 0, len(r.byConv))
	for _, state := range r.byConv {
		states = append(states, state)
	}
	return states
}

// Len returns the number of mapped conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConv)
}
