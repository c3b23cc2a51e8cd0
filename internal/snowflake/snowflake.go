// Package snowflake mints 64-bit, roughly time-ordered unique ids with no
// cross-node coordination. Uniqueness rests on the (timestamp, node id,
// sequence) triple; the node id comes from this node's index in the active
// member list, so at most 32 members may mint ids for one service type at a
// time. A node whose index is reassigned keeps minting unique ids as long as
// membership does not cycle through more than 32 indices inside the reuse
// window, which holds at non-adversarial churn rates.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Layout, most significant bit first: 1 sign bit (always 0), 41 bits of
// milliseconds since the epoch, 5 bits data-center id (reserved, 0), 5 bits
// node id, 12 bits per-millisecond sequence.
const (
	epochMillis int64 = 1577836800000 // 2020-01-01T00:00:00Z

	dataCenterIDBits = 5
	nodeIDBits       = 5
	sequenceBits     = 12

	MaxDataCenterID = (1 << dataCenterIDBits) - 1
	MaxNodeID       = (1 << nodeIDBits) - 1
	maxSequence     = (1 << sequenceBits) - 1

	timestampShift    = dataCenterIDBits + nodeIDBits + sequenceBits
	dataCenterIDShift = nodeIDBits + sequenceBits
	nodeIDShift       = sequenceBits
)

// ErrClockMovedBackwards is returned when the wall clock regresses past the
// last-used timestamp. Minting with a reused timestamp could duplicate ids,
// so the call fails instead; callers retry with backoff.
var ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")

// ServiceType selects an independent generator, so sequence exhaustion in
// one id category never stalls another.
type ServiceType int

const (
	ServiceSession ServiceType = iota
	ServiceRequest
	ServiceMessage
	ServiceNotification
	ServiceConversation

	serviceTypeCount
)

func (s ServiceType) String() string {
	switch s {
	case ServiceSession:
		return "session"
	case ServiceRequest:
		return "request"
	case ServiceMessage:
		return "message"
	case ServiceNotification:
		return "notification"
	case ServiceConversation:
		return "conversation"
	default:
		return fmt.Sprintf("service(%d)", int(s))
	}
}

// Generator mints ids for a single service type. All state is guarded by one
// mutex; the critical section is sub-microsecond, so contention is cheap.
type Generator struct {
	mu            sync.Mutex
	lastTimestamp int64
	sequence      int64
	dataCenterID  int64
	nodeID        int64

	nowMillis func() int64
}

func NewGenerator() *Generator {
	return &Generator{
		lastTimestamp: -1,
		nowMillis:     func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next unique id, busy-waiting into the next millisecond
// when the 4096-per-ms sequence is exhausted. The wait is bounded by ~1ms
// and happens on the calling goroutine.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.nowMillis()
	if ts < g.lastTimestamp {
		return 0, fmt.Errorf("%w: last used %d, now %d", ErrClockMovedBackwards, g.lastTimestamp, ts)
	}

	if ts == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ts <= g.lastTimestamp {
				ts = g.nowMillis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	id := (ts-epochMillis)<<timestampShift |
		g.dataCenterID<<dataCenterIDShift |
		g.nodeID<<nodeIDShift |
		g.sequence
	return id, nil
}

// UpdateNodeInfo swaps the node bits used for subsequent ids. Called when
// this node's member index changes.
func (g *Generator) UpdateNodeInfo(dataCenterID, nodeID int) error {
	if dataCenterID < 0 || dataCenterID > MaxDataCenterID {
		return fmt.Errorf("snowflake: data center id %d out of range [0, %d]", dataCenterID, MaxDataCenterID)
	}
	if nodeID < 0 || nodeID > MaxNodeID {
		return fmt.Errorf("snowflake: node id %d out of range [0, %d]", nodeID, MaxNodeID)
	}
	g.mu.Lock()
	g.dataCenterID = int64(dataCenterID)
	g.nodeID = int64(nodeID)
	g.mu.Unlock()
	return nil
}

// Factory owns one generator per service type.
type Factory struct {
	generators [serviceTypeCount]*Generator
}

func NewFactory() *Factory {
	f := &Factory{}
	for i := range f.generators {
		f.generators[i] = NewGenerator()
	}
	return f
}

func (f *Factory) NextID(service ServiceType) (int64, error) {
	if service < 0 || service >= serviceTypeCount {
		return 0, fmt.Errorf("snowflake: unknown service type %d", service)
	}
	return f.generators[service].NextID()
}

// UpdateNodeInfo propagates a member-index change to every generator.
func (f *Factory) UpdateNodeInfo(dataCenterID, nodeID int) error {
	for _, g := range f.generators {
		if err := g.UpdateNodeInfo(dataCenterID, nodeID); err != nil {
			return err
		}
	}
	return nil
}
