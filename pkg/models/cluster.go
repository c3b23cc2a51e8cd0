package models

import (
	"encoding/json"
	"time"
)

// NodeType distinguishes the two roles a process can play in the cluster.
type NodeType string

const (
	NodeTypeGateway NodeType = "gateway"
	NodeTypeService NodeType = "service"
)

// Member is one known cluster node. NodeID must be unique within ClusterID.
type Member struct {
	ClusterID        string    `json:"cluster_id"`
	NodeID           string    `json:"node_id"`
	NodeType         NodeType  `json:"node_type"`
	Version          string    `json:"version"`
	IsSeed           bool      `json:"is_seed"`
	RegistrationTime time.Time `json:"registration_time"`
	Priority         int       `json:"priority"`
	MemberAddress    string    `json:"member_address"` // private address for node-to-node traffic
	AdminAddress     string    `json:"admin_address"`  // public address advertised to clients
	IsActive         bool      `json:"is_active"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
}

// MemberTable is the payload a node announces to its peers: its full
// best-effort view of the cluster.
type MemberTable struct {
	Members map[string]*Member `json:"members"`
	From    string             `json:"from"`
	Version int64              `json:"version"`
}

// InternalMessage is the envelope for every frame on the member transport.
// Payload stays raw until the handler knows the type.
type InternalMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from"`
}
