package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chatrelay/internal/snowflake"
)

var (
	ErrAlreadyConnected  = errors.New("session: device already connected elsewhere")
	ErrSessionNotFound   = errors.New("session: session not found")
	ErrInvalidTransition = errors.New("session: invalid status transition")
)

// ConflictPolicy decides what happens when a device type logs in while an
// earlier session for the same (user, device type) is still alive.
type ConflictPolicy int

const (
	// RejectNewLogin refuses the new connection.
	RejectNewLogin ConflictPolicy = iota
	// KickOldLogin closes the old session with reason "new login" and
	// accepts the new connection.
	KickOldLogin
)

const updateBufferSize = 256

// Registry owns the lifecycle of every locally-terminated connection. All
// mutations of one user's aggregate are serialized by a per-user mutex;
// different users proceed in parallel. Nothing blocking runs under a
// per-user lock: close reasons are recorded and presence updates published
// only after the lock is released.
type Registry struct {
	policy   ConflictPolicy
	ids      *snowflake.Factory
	recorder CloseRecorder
	updates  chan *UserOnlineInfo

	mu    sync.RWMutex
	users map[int64]*userEntry

	pubMu     sync.RWMutex
	pubClosed bool
}

type userEntry struct {
	mu      sync.Mutex
	removed bool
	info    *UserOnlineInfo
}

func NewRegistry(policy ConflictPolicy, ids *snowflake.Factory, recorder CloseRecorder) *Registry {
	return &Registry{
		policy:   policy,
		ids:      ids,
		recorder: recorder,
		updates:  make(chan *UserOnlineInfo, updateBufferSize),
		users:    make(map[int64]*userEntry),
	}
}

// Updates streams a deep-copied aggregate after every effective change. An
// update with an empty session map means the user went fully offline.
// Under sustained overload the incoming update is shed, keeping queued
// updates in per-user order; offline updates are never shed and block until
// the consumer makes room.
func (r *Registry) Updates() <-chan *UserOnlineInfo {
	return r.updates
}

// CloseUpdates seals the update stream. Called once on shutdown, after the
// final offline updates have been produced; consumers drain the channel to
// completion. Later publishes become no-ops.
func (r *Registry) CloseUpdates() {
	r.pubMu.Lock()
	if !r.pubClosed {
		r.pubClosed = true
		close(r.updates)
	}
	r.pubMu.Unlock()
}

func (r *Registry) entryFor(userID int64, create bool) *userEntry {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.users[userID]; e == nil {
		e = &userEntry{info: &UserOnlineInfo{
			UserID:   userID,
			Sessions: make(map[DeviceType]*Session),
		}}
		r.users[userID] = e
	}
	return e
}

// lockUser returns the user's entry with its mutex held, retrying if the
// entry was concurrently evicted between lookup and lock.
func (r *Registry) lockUser(userID int64, create bool) (*userEntry, bool) {
	for {
		e := r.entryFor(userID, create)
		if e == nil {
			return nil, false
		}
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		return e, true
	}
}

// finish releases the per-user lock, evicting the aggregate when its last
// session is gone, then publishes the change outside any lock.
func (r *Registry) finish(e *userEntry, changed bool) {
	var snap *UserOnlineInfo
	if changed {
		snap = e.info.Clone()
	}
	if len(e.info.Sessions) == 0 {
		e.removed = true
		r.mu.Lock()
		delete(r.users, e.info.UserID)
		r.mu.Unlock()
	}
	e.mu.Unlock()
	if snap != nil {
		r.publish(snap)
	}
}

func (r *Registry) publish(info *UserOnlineInfo) {
	r.pubMu.RLock()
	defer r.pubMu.RUnlock()
	if r.pubClosed {
		return
	}

	if len(info.Sessions) == 0 {
		// Offline is the only signal that clears replicated presence; losing
		// one strands the user online on every other node. Block until the
		// consumer makes room.
		r.updates <- info
		return
	}

	// Shedding the incoming update keeps the queue's per-user order intact;
	// the next change to this user republishes the full aggregate anyway.
	select {
	case r.updates <- info:
	default:
		log.Printf("[Session] presence update buffer full, shedding update for user %d", info.UserID)
	}
}

func (r *Registry) record(userID int64, device DeviceType, sessionID int64, reason CloseReason) {
	if r.recorder != nil {
		r.recorder.RecordDisconnection(userID, device, sessionID, reason)
	}
}

// Connect creates a session in Connected state for (userID, device). When a
// live session for the same device type exists the configured policy
// applies: reject the new login, or force-close the old session with close
// status "new login".
func (r *Registry) Connect(userID int64, device DeviceType, loginRequestID int64, status UserStatus, loc *Location) (*Session, error) {
	if !device.Valid() {
		return nil, fmt.Errorf("session: invalid device type %d", device)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("session: invalid user status %d", status)
	}

	// Mint the id before taking the per-user lock.
	sessionID, err := r.ids.NextID(snowflake.ServiceSession)
	if err != nil {
		return nil, err
	}

	var kicked *Session
	e, _ := r.lockUser(userID, true)
	if old := e.info.Sessions[device]; old != nil && old.Status != SessionClosed {
		if r.policy == RejectNewLogin {
			r.finish(e, false)
			return nil, ErrAlreadyConnected
		}
		old.Status = SessionClosed
		kicked = old
		delete(e.info.Sessions, device)
	}

	now := time.Now()
	var locCopy *Location
	if loc != nil {
		l := *loc
		locCopy = &l
	}
	s := &Session{
		ID:            sessionID,
		DeviceType:    device,
		LoginTime:     now.UnixMilli(),
		Location:      locCopy,
		Status:        SessionConnected,
		LoginRequest:  loginRequestID,
		LastHeartbeat: now,
	}
	e.info.Sessions[device] = s
	e.info.Status = status
	out := *s
	r.finish(e, true)

	if kicked != nil {
		r.record(userID, device, kicked.ID, CloseReason{Status: CloseNewLogin})
	}
	return &out, nil
}

// Heartbeat refreshes session liveness without a state transition.
func (r *Registry) Heartbeat(userID int64, device DeviceType) error {
	e, ok := r.lockUser(userID, false)
	if !ok {
		return ErrSessionNotFound
	}
	s := e.info.Sessions[device]
	if s == nil {
		r.finish(e, false)
		return ErrSessionNotFound
	}
	s.LastHeartbeat = time.Now()
	r.finish(e, false)
	return nil
}

// UpdateLocation records the device's latest position.
func (r *Registry) UpdateLocation(userID int64, device DeviceType, loc Location) error {
	e, ok := r.lockUser(userID, false)
	if !ok {
		return ErrSessionNotFound
	}
	s := e.info.Sessions[device]
	if s == nil {
		r.finish(e, false)
		return ErrSessionNotFound
	}
	l := loc
	s.Location = &l
	r.finish(e, true)
	return nil
}

// UpdateUserStatus changes the user's overall status across all devices.
func (r *Registry) UpdateUserStatus(userID int64, status UserStatus) error {
	if !status.Valid() {
		return fmt.Errorf("session: invalid user status %d", status)
	}
	e, ok := r.lockUser(userID, false)
	if !ok {
		return ErrSessionNotFound
	}
	changed := e.info.Status != status
	e.info.Status = status
	r.finish(e, changed)
	return nil
}

// MarkDisconnected flags a session whose transport was lost but whose
// device still reaches the node over a fallback channel.
func (r *Registry) MarkDisconnected(userID int64, device DeviceType) error {
	return r.transition(userID, device, SessionDisconnected)
}

// MarkRecovering flags a disconnected session the node has told to
// re-establish (or is about to evict).
func (r *Registry) MarkRecovering(userID int64, device DeviceType) error {
	return r.transition(userID, device, SessionRecovering)
}

func validTransition(from, to SessionStatus) bool {
	if from == SessionClosed {
		return false
	}
	switch {
	case to == SessionClosed:
		return true
	case from == SessionConnected && to == SessionDisconnected:
		return true
	case from == SessionDisconnected && to == SessionRecovering:
		return true
	}
	return false
}

func (r *Registry) transition(userID int64, device DeviceType, to SessionStatus) error {
	e, ok := r.lockUser(userID, false)
	if !ok {
		return ErrSessionNotFound
	}
	s := e.info.Sessions[device]
	if s == nil {
		r.finish(e, false)
		return ErrSessionNotFound
	}
	if !validTransition(s.Status, to) {
		from := s.Status
		r.finish(e, false)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.Status = to
	r.finish(e, true)
	return nil
}

// Close forces a session to Closed, records the close reason for fallback
// retrieval, and evicts the session. Closed is terminal: the session id can
// never transition again.
func (r *Registry) Close(userID int64, device DeviceType, reason CloseReason) error {
	e, ok := r.lockUser(userID, false)
	if !ok {
		return ErrSessionNotFound
	}
	s := e.info.Sessions[device]
	if s == nil {
		r.finish(e, false)
		return ErrSessionNotFound
	}
	s.Status = SessionClosed
	delete(e.info.Sessions, device)
	sessionID := s.ID
	r.finish(e, true)

	r.record(userID, device, sessionID, reason)
	return nil
}

// SetAllLocalUsersOffline bulk-closes every session owned by this node,
// used on shutdown so peers see accurate presence quickly instead of
// waiting for liveness timeouts. Returns the number of sessions closed.
func (r *Registry) SetAllLocalUsersOffline(reason CloseReason) int {
	r.mu.RLock()
	userIDs := make([]int64, 0, len(r.users))
	for id := range r.users {
		userIDs = append(userIDs, id)
	}
	r.mu.RUnlock()

	closed := 0
	for _, userID := range userIDs {
		e, ok := r.lockUser(userID, false)
		if !ok {
			continue
		}
		type closedSession struct {
			device DeviceType
			id     int64
		}
		var evicted []closedSession
		for dt, s := range e.info.Sessions {
			s.Status = SessionClosed
			evicted = append(evicted, closedSession{dt, s.ID})
			delete(e.info.Sessions, dt)
		}
		r.finish(e, len(evicted) > 0)
		for _, cs := range evicted {
			r.record(userID, cs.device, cs.id, reason)
			closed++
		}
	}
	return closed
}

// EvictStaleSessions walks every session and advances those whose heartbeat
// went silent: disconnected sessions older than recoverAfter move to
// Recovering, and sessions (in any state) older than closeAfter are closed
// with close status "heartbeat timeout". Returns how many sessions moved to
// each state.
func (r *Registry) EvictStaleSessions(recoverAfter, closeAfter time.Duration) (recovering, closed int) {
	now := time.Now()

	r.mu.RLock()
	userIDs := make([]int64, 0, len(r.users))
	for id := range r.users {
		userIDs = append(userIDs, id)
	}
	r.mu.RUnlock()

	for _, userID := range userIDs {
		e, ok := r.lockUser(userID, false)
		if !ok {
			continue
		}
		type closedSession struct {
			device DeviceType
			id     int64
		}
		var evicted []closedSession
		changed := false
		for dt, s := range e.info.Sessions {
			idle := now.Sub(s.LastHeartbeat)
			switch {
			case idle > closeAfter:
				s.Status = SessionClosed
				evicted = append(evicted, closedSession{dt, s.ID})
				delete(e.info.Sessions, dt)
				changed = true
			case idle > recoverAfter && s.Status == SessionDisconnected:
				s.Status = SessionRecovering
				recovering++
				changed = true
			}
		}
		r.finish(e, changed)
		for _, cs := range evicted {
			r.record(userID, cs.device, cs.id, CloseReason{Status: CloseHeartbeatTimeout})
			closed++
		}
	}
	return recovering, closed
}

// GetUserOnlineInfo returns a deep copy of the user's aggregate.
func (r *Registry) GetUserOnlineInfo(userID int64) (*UserOnlineInfo, bool) {
	e, ok := r.lockUser(userID, false)
	if !ok {
		return nil, false
	}
	info := e.info.Clone()
	r.finish(e, false)
	return info, true
}

// GetSession returns a copy of one device's session.
func (r *Registry) GetSession(userID int64, device DeviceType) (*Session, bool) {
	e, ok := r.lockUser(userID, false)
	if !ok {
		return nil, false
	}
	s := e.info.Sessions[device]
	if s == nil {
		r.finish(e, false)
		return nil, false
	}
	out := *s
	r.finish(e, false)
	return &out, true
}

// CountOnlineUsers reports how many users hold at least one session here.
func (r *Registry) CountOnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
