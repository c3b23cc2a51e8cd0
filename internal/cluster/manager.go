package cluster

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/chatrelay/internal/mqttclient"
	"github.com/chatrelay/internal/snowflake"
	"github.com/chatrelay/pkg/cluster"
	"github.com/chatrelay/pkg/models"
	"github.com/chatrelay/pkg/network"
)

const eventsTopic = "chatrelay/cluster/events"

// MemberEvent is published to the cluster bus whenever this node observes a
// member joining or leaving the active set.
type MemberEvent struct {
	Event    string `json:"event"` // "join" or "leave"
	NodeID   string `json:"node_id"`
	Observer string `json:"observer"`
	Version  int64  `json:"version"`
}

// Manager wires the membership directory, the sync protocol, the id
// factory, and the cluster event bus into one lifecycle. It is an explicit
// instance, not process-global state, so tests can run isolated clusters.
type Manager struct {
	directory *cluster.Directory
	syncer    *cluster.Syncer
	server    *network.Server
	ids       *snowflake.Factory
	mqtt      *mqttclient.Client
	local     models.Member

	cancelSub func()
	stopChan  chan struct{}
}

type Config struct {
	Local        models.Member
	TCPPort      int
	SyncInterval time.Duration
	MQTT         *mqttclient.Client
	IDs          *snowflake.Factory
}

func NewManager(cfg Config) *Manager {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 2 * time.Second
	}
	directory := cluster.NewDirectory(cfg.Local.NodeID)
	client := network.NewClient(5 * time.Second)
	syncer := cluster.NewSyncer(directory, cfg.Local, cfg.SyncInterval, client)
	return &Manager{
		directory: directory,
		syncer:    syncer,
		server:    network.NewServer(fmt.Sprintf(":%d", cfg.TCPPort), NewMessageHandler(syncer)),
		ids:       cfg.IDs,
		mqtt:      cfg.MQTT,
		local:     cfg.Local,
		stopChan:  make(chan struct{}),
	}
}

func (m *Manager) Directory() *cluster.Directory {
	return m.directory
}

// Start registers the local member, starts the member transport and sync
// loops, contacts seed nodes, and begins tracking snapshots.
func (m *Manager) Start(seeds []string) error {
	snaps, cancel := m.directory.Subscribe()
	m.cancelSub = cancel
	go m.snapshotLoop(snaps)

	if err := m.server.Start(); err != nil {
		return fmt.Errorf("cluster: failed to start member transport: %w", err)
	}
	if err := m.syncer.Start(); err != nil {
		m.server.Stop()
		return fmt.Errorf("cluster: failed to start membership sync: %w", err)
	}

	for _, seed := range seeds {
		if seed == "" {
			continue
		}
		go func(addr string) {
			if err := m.syncer.AddSeed(addr); err != nil {
				log.Printf("[Cluster] failed to reach seed %s: %v", addr, err)
			} else {
				log.Printf("[Cluster] announced to seed %s", addr)
			}
		}(seed)
	}
	return nil
}

func (m *Manager) Stop() error {
	close(m.stopChan)
	m.syncer.Stop()
	if m.cancelSub != nil {
		m.cancelSub()
	}
	return m.server.Stop()
}

// snapshotLoop reacts to every membership change: it reseeds the id factory
// with this node's member index and publishes join/leave events to the bus.
func (m *Manager) snapshotLoop(snaps <-chan *cluster.Snapshot) {
	var prev map[string]struct{}
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			m.applySnapshot(snap, &prev)
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) applySnapshot(snap *cluster.Snapshot, prev *map[string]struct{}) {
	if m.ids != nil && snap.LocalIndex >= 0 {
		if snap.LocalIndex > snowflake.MaxNodeID {
			log.Printf("[Cluster] member index %d exceeds the id generator's %d-node capacity; ids keep the previous index",
				snap.LocalIndex, snowflake.MaxNodeID+1)
		} else if err := m.ids.UpdateNodeInfo(0, snap.LocalIndex); err != nil {
			log.Printf("[Cluster] failed to reseed id generators: %v", err)
		}
	}

	current := make(map[string]struct{}, len(snap.Members))
	for _, member := range snap.Members {
		current[member.NodeID] = struct{}{}
		if *prev != nil {
			if _, known := (*prev)[member.NodeID]; !known {
				m.publishEvent("join", member.NodeID, snap.Version)
			}
		}
	}
	if *prev != nil {
		for nodeID := range *prev {
			if _, still := current[nodeID]; !still {
				m.publishEvent("leave", nodeID, snap.Version)
			}
		}
	}
	*prev = current
}

func (m *Manager) publishEvent(event, nodeID string, version int64) {
	if m.mqtt == nil {
		return
	}
	payload, err := json.Marshal(MemberEvent{
		Event:    event,
		NodeID:   nodeID,
		Observer: m.local.NodeID,
		Version:  version,
	})
	if err != nil {
		return
	}
	if err := m.mqtt.Publish(eventsTopic, payload, 0, false); err != nil {
		log.Printf("[Cluster] failed to publish %s event for %s: %v", event, nodeID, err)
	}
}
