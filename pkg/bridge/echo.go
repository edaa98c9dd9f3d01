// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// EchoCache remembers the literal text of messages the bridge just sent to a
// room, so the same text arriving back from the booking side within the
// expiry window can be dropped as a self-echo. Matching is exact-text on
// purpose: the rare false negative from two identical near-simultaneous
// messages is an accepted cost.
type EchoCache struct {
	mu      sync.Mutex
	entries map[id.RoomID]map[string]time.Time
	expiry  time.Duration
	now     func() time.Time
}

// NewEchoCache creates a cache with the given sliding expiry window.
func NewEchoCache(expiry time.Duration) *EchoCache {
	return &EchoCache{
		entries: make(map[id.RoomID]map[string]time.Time),
		expiry:  expiry,
		now:     time.Now,
	}
}

// Record marks text as just sent by the bridge to room.
func (ec *EchoCache) Record(room id.RoomID, text string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	texts, ok := ec.entries[room]
	if !ok {
		texts = make(map[string]time.Time)
		ec.entries[room] = texts
	}
	texts[text] = ec.now()
}

// ShouldSuppress reports whether an unexpired record exists for exactly this
// room and text. Expiry is evaluated lazily at query time.
func (ec *EchoCache) ShouldSuppress(room id.RoomID, text string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	texts, ok := ec.entries[room]
	if !ok {
		return false
	}
	sentAt, ok := texts[text]
	if !ok {
		return false
	}
	if ec.now().Sub(sentAt) >= ec.expiry {
		delete(texts, text)
		if len(texts) == 0 {
			delete(ec.entries, room)
		}
		return false
	}
	return true
}

// Sweep removes all expired entries and drops rooms left with none,
// bounding memory between queries.
func (ec *EchoCache) Sweep() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	now := ec.now()
	for room, texts := range ec.entries {
		for text, sentAt := range texts {
			if now.Sub(sentAt) >= ec.expiry {
				delete(texts, text)
			}
		}
		if len(texts) == 0 {
			delete(ec.entries, room)
		}
	}
}

// Len returns the total number of unexpired-or-unswept entries.
func (ec *EchoCache) Len() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	total := 0
	for _, texts := range ec.entries {
		total += len(texts)
	}
	return total
}
