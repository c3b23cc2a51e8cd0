package cluster

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatrelay/pkg/models"
)

// NumSlots is the fixed size of the user-id partition space. Every node
// computes the same slot table from the same active-member set, so routing
// needs no negotiation.
const NumSlots = 4096

var (
	ErrDuplicateMember = errors.New("cluster: member already registered and active")
	ErrUnknownMember   = errors.New("cluster: unknown member")
	ErrNoActiveMembers = errors.New("cluster: no active members")
)

// Snapshot is an immutable view of the routing state. Readers always see a
// complete table; recomputes swap in a whole new snapshot.
type Snapshot struct {
	// Members holds the active members sorted by node id.
	Members []models.Member
	// Slots maps each slot to an index into Members.
	Slots []int
	// LocalIndex is this node's position in Members, or -1 when the local
	// node is not in the active set.
	LocalIndex int
	Version    int64
}

// OwnerForUser resolves the member owning a user id in O(1).
func (s *Snapshot) OwnerForUser(userID int64) (*models.Member, error) {
	if len(s.Members) == 0 {
		return nil, ErrNoActiveMembers
	}
	slot := int(uint64(userID) % NumSlots)
	m := s.Members[s.Slots[slot]]
	return &m, nil
}

// subscriber delivers snapshots to one consumer, in order and without ever
// blocking the publisher. The queue is unbounded; a recompute happens on the
// admin path, never per-message, so it stays tiny in practice.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Snapshot
	closed bool
	out    chan *Snapshot
	done   chan struct{}
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan *Snapshot),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) publish(snap *Snapshot) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		snap := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		// A canceled subscriber may never drain out; done unblocks the send.
		select {
		case s.out <- snap:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// Directory is the single source of truth for "which node owns which user".
// It tracks every member it has heard of (active or not) and rebuilds the
// slot table on each membership change.
type Directory struct {
	localNodeID string

	mu      sync.Mutex // guards known, subs, version
	known   map[string]*models.Member
	subs    []*subscriber
	version int64

	snapshot atomic.Pointer[Snapshot]
}

func NewDirectory(localNodeID string) *Directory {
	d := &Directory{
		localNodeID: localNodeID,
		known:       make(map[string]*models.Member),
	}
	d.snapshot.Store(&Snapshot{Slots: make([]int, NumSlots), LocalIndex: -1})
	return d
}

// RegisterMember admits a member into the known set. Registering a node id
// that is already present and active fails with ErrDuplicateMember; an
// inactive record is replaced.
func (d *Directory) RegisterMember(m models.Member) error {
	d.mu.Lock()
	if existing, ok := d.known[m.NodeID]; ok && existing.IsActive {
		d.mu.Unlock()
		return ErrDuplicateMember
	}
	if m.RegistrationTime.IsZero() {
		m.RegistrationTime = time.Now()
	}
	if m.LastHeartbeat.IsZero() {
		m.LastHeartbeat = time.Now()
	}
	cp := m
	d.known[m.NodeID] = &cp
	d.recomputeLocked()
	d.mu.Unlock()
	return nil
}

// UnregisterMembers removes members. Unknown ids are ignored, so the call is
// idempotent.
func (d *Directory) UnregisterMembers(ids ...string) {
	d.mu.Lock()
	changed := false
	for _, id := range ids {
		if _, ok := d.known[id]; ok {
			delete(d.known, id)
			changed = true
		}
	}
	if changed {
		d.recomputeLocked()
	}
	d.mu.Unlock()
}

// UpdateMemberInfo partially updates a member. Nil fields are left untouched.
func (d *Directory) UpdateMemberInfo(id string, isSeed, isActive *bool) error {
	d.mu.Lock()
	m, ok := d.known[id]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownMember
	}
	changed := false
	if isSeed != nil && m.IsSeed != *isSeed {
		m.IsSeed = *isSeed
	}
	if isActive != nil && m.IsActive != *isActive {
		m.IsActive = *isActive
		changed = true
	}
	if changed {
		d.recomputeLocked()
	}
	d.mu.Unlock()
	return nil
}

// TouchMember refreshes a member's heartbeat without triggering a recompute.
func (d *Directory) TouchMember(id string, at time.Time) {
	d.mu.Lock()
	if m, ok := d.known[id]; ok && at.After(m.LastHeartbeat) {
		m.LastHeartbeat = at
	}
	d.mu.Unlock()
}

// GetMember returns a copy of a known member.
func (d *Directory) GetMember(id string) (models.Member, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.known[id]
	if !ok {
		return models.Member{}, false
	}
	return *m, true
}

// KnownMembers returns copies of every member the directory has heard of,
// active or not, sorted by node id.
func (d *Directory) KnownMembers() []models.Member {
	d.mu.Lock()
	out := make([]models.Member, 0, len(d.known))
	for _, m := range d.known {
		out = append(out, *m)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// GetOwnerForUser resolves the active member that owns a user id.
func (d *Directory) GetOwnerForUser(userID int64) (*models.Member, error) {
	return d.snapshot.Load().OwnerForUser(userID)
}

// LocalMemberIndex returns this node's position in the ordered active-member
// list. ok is false when the local node is not currently active.
func (d *Directory) LocalMemberIndex() (int, bool) {
	idx := d.snapshot.Load().LocalIndex
	return idx, idx >= 0
}

// Snapshot returns the current immutable routing snapshot.
func (d *Directory) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Subscribe returns a channel that receives every snapshot published after
// the call, in order. The current snapshot is delivered first so subscribers
// never start blind. Call the returned cancel func to release the stream.
func (d *Directory) Subscribe() (<-chan *Snapshot, func()) {
	sub := newSubscriber()
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	sub.publish(d.snapshot.Load())
	d.mu.Unlock()
	cancel := func() {
		d.mu.Lock()
		for i, s := range d.subs {
			if s == sub {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// recomputeLocked rebuilds the slot table from the current active set and
// publishes it. Caller holds d.mu.
//
// Active members are sorted by node id and each gets a contiguous run of
// NumSlots/active slots; the last member absorbs the remainder. The result
// is deterministic, so every node in the cluster converges on the same
// table from the same member set.
func (d *Directory) recomputeLocked() {
	active := make([]models.Member, 0, len(d.known))
	for _, m := range d.known {
		if m.IsActive {
			active = append(active, *m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].NodeID < active[j].NodeID })

	slots := make([]int, NumSlots)
	localIndex := -1
	if n := len(active); n > 0 {
		per := NumSlots / n
		for i := 0; i < n; i++ {
			start := i * per
			end := start + per
			if i == n-1 {
				end = NumSlots
			}
			for s := start; s < end; s++ {
				slots[s] = i
			}
			if active[i].NodeID == d.localNodeID {
				localIndex = i
			}
		}
	}

	d.version++
	snap := &Snapshot{
		Members:    active,
		Slots:      slots,
		LocalIndex: localIndex,
		Version:    d.version,
	}
	d.snapshot.Store(snap)
	for _, sub := range d.subs {
		sub.publish(snap)
	}
}
