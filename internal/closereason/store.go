package closereason

import (
	"sync"
	"time"

	"github.com/chatrelay/internal/session"
)

type recordKind uint8

const (
	kindLoginFailure recordKind = iota
	kindDisconnection
)

// key identifies one recorded reason. Login failures are keyed by the login
// request id; disconnections by the session id.
type key struct {
	userID int64
	device session.DeviceType
	kind   recordKind
	id     int64
}

type entry struct {
	reason    session.CloseReason
	expiresAt time.Time
}

// Store is a concurrent TTL map of close reasons. Reads are read-many: an
// entry stays retrievable until its TTL expires, since a client may poll
// more than once before giving up.
type Store struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[key]entry

	janitor  *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStore starts a store whose entries live for ttl. A janitor goroutine
// evicts expired entries in the background; Close stops it.
func NewStore(ttl time.Duration) *Store {
	s := &Store{
		ttl:      ttl,
		entries:  make(map[key]entry),
		janitor:  time.NewTicker(ttl),
		stopChan: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *Store) Close() {
	s.stopOnce.Do(func() {
		s.janitor.Stop()
		close(s.stopChan)
	})
}

// RecordLoginFailure stores why a login attempt was rejected, keyed by the
// attempt's request id.
func (s *Store) RecordLoginFailure(userID int64, device session.DeviceType, requestID int64, reason session.CloseReason) {
	s.put(key{userID, device, kindLoginFailure, requestID}, reason)
}

// RecordDisconnection stores why a session was closed, keyed by session id.
// It implements session.CloseRecorder.
func (s *Store) RecordDisconnection(userID int64, device session.DeviceType, sessionID int64, reason session.CloseReason) {
	s.put(key{userID, device, kindDisconnection, sessionID}, reason)
}

// GetLoginFailure returns a recorded login-failure reason, if still live.
// Absence is ambiguous between "login succeeded" and "not yet recorded";
// callers must not infer success from it.
func (s *Store) GetLoginFailure(userID int64, device session.DeviceType, requestID int64) (session.CloseReason, bool) {
	return s.get(key{userID, device, kindLoginFailure, requestID})
}

// GetDisconnection returns a recorded disconnection reason, if still live.
func (s *Store) GetDisconnection(userID int64, device session.DeviceType, sessionID int64) (session.CloseReason, bool) {
	return s.get(key{userID, device, kindDisconnection, sessionID})
}

func (s *Store) put(k key, reason session.CloseReason) {
	s.mu.Lock()
	s.entries[k] = entry{reason: reason, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}

func (s *Store) get(k key) (session.CloseReason, bool) {
	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return session.CloseReason{}, false
	}
	return e.reason, true
}

func (s *Store) sweepLoop() {
	for {
		select {
		case <-s.janitor.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
