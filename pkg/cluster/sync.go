package cluster

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/chatrelay/pkg/models"
	"github.com/chatrelay/pkg/network"
)

// Syncer keeps a Directory loosely consistent across nodes. Each tick it
// announces the full locally-known member table to every other known member
// and marks members inactive once their heartbeat goes stale. The view on
// any single node can lag; routing callers tolerate transient misroutes via
// redirect, so eventual convergence is enough here.
type Syncer struct {
	directory      *Directory
	local          models.Member
	interval       time.Duration
	suspectTimeout time.Duration
	client         *network.Client

	mu       sync.Mutex
	version  int64
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewSyncer(directory *Directory, local models.Member, interval time.Duration, client *network.Client) *Syncer {
	return &Syncer{
		directory:      directory,
		local:          local,
		interval:       interval,
		suspectTimeout: interval * 5,
		client:         client,
		stopChan:       make(chan struct{}),
	}
}

// Start registers the local member as active and begins announcing.
func (sy *Syncer) Start() error {
	sy.local.IsActive = true
	sy.local.LastHeartbeat = time.Now()
	if err := sy.directory.RegisterMember(sy.local); err != nil {
		return err
	}

	sy.ticker = time.NewTicker(sy.interval)
	go sy.announceLoop()
	go sy.failureDetectionLoop()
	return nil
}

func (sy *Syncer) Stop() {
	sy.stopOnce.Do(func() {
		if sy.ticker != nil {
			sy.ticker.Stop()
		}
		close(sy.stopChan)
	})
}

// AddSeed sends an immediate announcement to a bootstrap address that is not
// yet in the directory.
func (sy *Syncer) AddSeed(address string) error {
	data, err := sy.encodeAnnouncement()
	if err != nil {
		return err
	}
	return sy.client.Send(address, data)
}

func (sy *Syncer) announceLoop() {
	for {
		select {
		case <-sy.ticker.C:
			sy.announce()
		case <-sy.stopChan:
			return
		}
	}
}

func (sy *Syncer) announce() {
	sy.directory.TouchMember(sy.local.NodeID, time.Now())

	data, err := sy.encodeAnnouncement()
	if err != nil {
		log.Printf("[Membership] failed to encode announcement: %v", err)
		return
	}

	for _, m := range sy.directory.KnownMembers() {
		if m.NodeID == sy.local.NodeID || m.MemberAddress == "" {
			continue
		}
		go func(addr, id string) {
			if err := sy.client.Send(addr, data); err != nil {
				log.Printf("[Membership] announce to %s (%s) failed: %v", id, addr, err)
			}
		}(m.MemberAddress, m.NodeID)
	}
}

func (sy *Syncer) encodeAnnouncement() ([]byte, error) {
	members := make(map[string]*models.Member)
	for _, m := range sy.directory.KnownMembers() {
		cp := m
		members[m.NodeID] = &cp
	}

	sy.mu.Lock()
	sy.version++
	table := models.MemberTable{
		Members: members,
		From:    sy.local.NodeID,
		Version: sy.version,
	}
	sy.mu.Unlock()

	msg := models.InternalMessage{Type: "announce", From: sy.local.NodeID}
	payload, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	msg.Payload = json.RawMessage(payload)
	return json.Marshal(msg)
}

// HandleAnnouncement merges a peer's member table into the directory.
// Unknown members are registered; known ones get their heartbeat refreshed
// and are reactivated when the peer reports a fresher, active view of them.
func (sy *Syncer) HandleAnnouncement(table models.MemberTable) {
	for id, remote := range table.Members {
		if remote == nil || id == "" {
			continue
		}

		local, known := sy.directory.GetMember(id)
		if !known {
			if err := sy.directory.RegisterMember(*remote); err != nil && err != ErrDuplicateMember {
				log.Printf("[Membership] failed to register %s from announcement: %v", id, err)
			}
			continue
		}

		if id == sy.local.NodeID {
			continue
		}
		if !remote.LastHeartbeat.After(local.LastHeartbeat) {
			continue
		}

		sy.directory.TouchMember(id, remote.LastHeartbeat)
		if remote.IsActive != local.IsActive {
			active := remote.IsActive
			if err := sy.directory.UpdateMemberInfo(id, nil, &active); err != nil {
				log.Printf("[Membership] failed to flip %s active=%v: %v", id, active, err)
			}
		}
	}
}

func (sy *Syncer) failureDetectionLoop() {
	ticker := time.NewTicker(sy.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sy.detectFailures()
		case <-sy.stopChan:
			return
		}
	}
}

func (sy *Syncer) detectFailures() {
	now := time.Now()
	for _, m := range sy.directory.KnownMembers() {
		if m.NodeID == sy.local.NodeID || !m.IsActive {
			continue
		}
		if now.Sub(m.LastHeartbeat) > sy.suspectTimeout {
			inactive := false
			if err := sy.directory.UpdateMemberInfo(m.NodeID, nil, &inactive); err == nil {
				log.Printf("[Membership] member %s marked inactive (no heartbeat for %v)",
					m.NodeID, now.Sub(m.LastHeartbeat).Round(time.Second))
			}
		}
	}
}
