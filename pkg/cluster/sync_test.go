package cluster

import (
	"testing"
	"time"

	"github.com/chatrelay/pkg/models"
	"github.com/chatrelay/pkg/network"
)

func newTestSyncer(t *testing.T) (*Syncer, *Directory) {
	d := NewDirectory("node-1")
	sy := NewSyncer(d, newTestMember("node-1", true), time.Second, network.NewClient(time.Second))
	local := newTestMember("node-1", true)
	local.LastHeartbeat = time.Now()
	if err := d.RegisterMember(local); err != nil {
		t.Fatalf("failed to register local member: %v", err)
	}
	return sy, d
}

// TestSyncer_HandleAnnouncement tests merging a peer's member table
func TestSyncer_HandleAnnouncement(t *testing.T) {
	sy, d := newTestSyncer(t)

	peer := newTestMember("node-2", true)
	peer.LastHeartbeat = time.Now()
	sy.HandleAnnouncement(models.MemberTable{
		Members: map[string]*models.Member{"node-2": &peer},
		From:    "node-2",
	})

	if len(d.KnownMembers()) != 2 {
		t.Fatalf("Expected 2 known members after announcement, got %d", len(d.KnownMembers()))
	}
	m, ok := d.GetMember("node-2")
	if !ok || !m.IsActive {
		t.Errorf("Expected node-2 to be known and active")
	}
}

// TestSyncer_AnnouncementRefreshesHeartbeat tests that fresher views win
func TestSyncer_AnnouncementRefreshesHeartbeat(t *testing.T) {
	sy, d := newTestSyncer(t)

	peer := newTestMember("node-2", true)
	peer.LastHeartbeat = time.Now().Add(-time.Minute)
	sy.HandleAnnouncement(models.MemberTable{
		Members: map[string]*models.Member{"node-2": &peer},
		From:    "node-2",
	})

	// A fresher announcement reporting the member inactive flips it.
	gone := peer
	gone.IsActive = false
	gone.LastHeartbeat = time.Now()
	sy.HandleAnnouncement(models.MemberTable{
		Members: map[string]*models.Member{"node-2": &gone},
		From:    "node-3",
	})

	m, _ := d.GetMember("node-2")
	if m.IsActive {
		t.Errorf("Expected node-2 inactive after fresher announcement")
	}

	// A stale announcement must not resurrect it.
	stale := peer
	stale.IsActive = true
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	sy.HandleAnnouncement(models.MemberTable{
		Members: map[string]*models.Member{"node-2": &stale},
		From:    "node-4",
	})

	m, _ = d.GetMember("node-2")
	if m.IsActive {
		t.Errorf("Stale announcement should not reactivate node-2")
	}
}

// TestSyncer_FailureDetection tests marking silent members inactive
func TestSyncer_FailureDetection(t *testing.T) {
	sy, d := newTestSyncer(t)
	sy.suspectTimeout = 10 * time.Millisecond

	peer := newTestMember("node-2", true)
	peer.LastHeartbeat = time.Now()
	if err := d.RegisterMember(peer); err != nil {
		t.Fatalf("RegisterMember failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	sy.detectFailures()

	m, _ := d.GetMember("node-2")
	if m.IsActive {
		t.Errorf("Expected node-2 inactive after heartbeat silence")
	}

	// The local node never suspects itself.
	m, _ = d.GetMember("node-1")
	if !m.IsActive {
		t.Errorf("Local member must stay active")
	}
}
