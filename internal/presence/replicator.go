package presence

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chatrelay/internal/mqttclient"
	"github.com/chatrelay/internal/session"
)

const topicPrefix = "chatrelay/presence"

// Replicator keeps the cluster's view of local users fresh and a local view
// of remote users readable. Local presence updates are published retained
// to chatrelay/presence/<node>/<user>; a fully-offline user is published as
// an empty retained payload, which clears the broker-side entry. Updates
// from other nodes land in an in-memory cache keyed by user id.
//
// Replication is eventually consistent by design; readers needing the
// authoritative state for a user must ask the owning node.
type Replicator struct {
	mqtt        *mqttclient.Client
	localNodeID string

	mu     sync.RWMutex
	remote map[int64]*session.UserOnlineInfo

	done chan struct{}
}

func NewReplicator(client *mqttclient.Client, localNodeID string) *Replicator {
	return &Replicator{
		mqtt:        client,
		localNodeID: localNodeID,
		remote:      make(map[int64]*session.UserOnlineInfo),
		done:        make(chan struct{}),
	}
}

// Start subscribes to the cluster presence topic and begins publishing the
// registry's update stream.
func (r *Replicator) Start(updates <-chan *session.UserOnlineInfo) error {
	if err := r.mqtt.Subscribe(topicPrefix+"/+/+", 0, r.handleRemote); err != nil {
		return fmt.Errorf("presence: subscribe failed: %w", err)
	}
	go r.publishLoop(updates)
	return nil
}

// Stop blocks until every queued update has been published, so final
// offline clears reach the broker before the connection goes away. The
// producer must close the update stream first (Registry.CloseUpdates).
func (r *Replicator) Stop() {
	<-r.done
}

// RemotePresence returns the cached presence of a user owned by another
// node, deep-copied.
func (r *Replicator) RemotePresence(userID int64) (*session.UserOnlineInfo, bool) {
	r.mu.RLock()
	info, ok := r.remote[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// CountRemoteUsers reports how many remote users are currently cached.
func (r *Replicator) CountRemoteUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remote)
}

// publishLoop drains the registry's update stream to completion. It exits
// only when the stream is closed, so nothing queued is ever abandoned.
func (r *Replicator) publishLoop(updates <-chan *session.UserOnlineInfo) {
	defer close(r.done)
	for info := range updates {
		r.publish(info)
	}
}

func (r *Replicator) publish(info *session.UserOnlineInfo) {
	topic := fmt.Sprintf("%s/%s/%d", topicPrefix, r.localNodeID, info.UserID)

	if len(info.Sessions) == 0 {
		// Empty retained payload clears the broker-side entry.
		if err := r.mqtt.Publish(topic, nil, 0, true); err != nil {
			log.Printf("[Presence] failed to clear presence for user %d: %v", info.UserID, err)
		}
		return
	}

	buf, err := Encode(info)
	if err != nil {
		log.Printf("[Presence] failed to encode presence for user %d: %v", info.UserID, err)
		return
	}
	if err := r.mqtt.Publish(topic, buf, 0, true); err != nil {
		log.Printf("[Presence] failed to publish presence for user %d: %v", info.UserID, err)
	}
}

func (r *Replicator) handleRemote(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 4 {
		log.Printf("[Presence] unexpected topic %q", msg.Topic())
		return
	}
	nodeID := parts[2]
	if nodeID == r.localNodeID {
		return // our own retained publishes echo back
	}
	userID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		log.Printf("[Presence] bad user id in topic %q: %v", msg.Topic(), err)
		return
	}

	if len(msg.Payload()) == 0 {
		r.mu.Lock()
		delete(r.remote, userID)
		r.mu.Unlock()
		return
	}

	info, err := Decode(msg.Payload())
	if err != nil {
		log.Printf("[Presence] dropping undecodable presence for user %d from %s: %v", userID, nodeID, err)
		return
	}
	if info.UserID != userID {
		log.Printf("[Presence] user id mismatch: topic %d, payload %d", userID, info.UserID)
		return
	}

	r.mu.Lock()
	r.remote[userID] = info
	r.mu.Unlock()
}
