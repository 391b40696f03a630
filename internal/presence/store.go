// Package presence tracks per-client presence records with liveness
// timestamps. One Store belongs to one room.
package presence

import (
	"sync"
	"time"

	"collabroom/internal/protocol"
)

// Store maps client ids to presence records. The owning room serializes all
// writes, but the store carries its own lock so enumeration stays safe if a
// reader ever lives outside the room loop.
type Store struct {
	mu      sync.Mutex
	records map[string]protocol.UserPresence
	now     func() time.Time
}

func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		records: make(map[string]protocol.UserPresence),
		now:     now,
	}
}

// Upsert stores p under clientID. A zero Timestamp is stamped with the
// current server time; the server always passes zero, so timestamps are
// non-decreasing per client.
func (s *Store) Upsert(clientID string, p protocol.UserPresence) protocol.UserPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Timestamp == 0 {
		p.Timestamp = s.now().UnixMilli()
	}
	s.records[clientID] = p
	return p
}

// Touch refreshes the timestamp of an existing record without altering any
// other field. Reports whether a record existed.
func (s *Store) Touch(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[clientID]
	if !ok {
		return false
	}
	p.Timestamp = s.now().UnixMilli()
	s.records[clientID] = p
	return true
}

// Remove deletes the record. Idempotent.
func (s *Store) Remove(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
}

func (s *Store) Get(clientID string) (protocol.UserPresence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[clientID]
	return p, ok
}

// Entries returns all records. Order is unspecified.
func (s *Store) Entries() []protocol.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]protocol.PresenceEntry, 0, len(s.records))
	for id, p := range s.records {
		entries = append(entries, protocol.PresenceEntry{ClientID: id, Presence: p})
	}
	return entries
}

// PruneOlderThan removes every record untouched for longer than ttl and
// returns the evicted client ids.
func (s *Store) PruneOlderThan(ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ttl).UnixMilli()
	var evicted []string
	for id, p := range s.records {
		if p.Timestamp < cutoff {
			delete(s.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
