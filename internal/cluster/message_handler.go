package cluster

import (
	"encoding/json"
	"log"
	"net"

	"github.com/chatrelay/pkg/cluster"
	"github.com/chatrelay/pkg/models"
)

// MessageHandler decodes frames from the member transport and feeds them to
// the membership syncer.
type MessageHandler struct {
	syncer *cluster.Syncer
}

func NewMessageHandler(syncer *cluster.Syncer) *MessageHandler {
	return &MessageHandler{syncer: syncer}
}

func (mh *MessageHandler) HandleMessage(data []byte, conn net.Conn) error {
	var msg models.InternalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	switch msg.Type {
	case "announce":
		var table models.MemberTable
		if err := json.Unmarshal(msg.Payload, &table); err != nil {
			return err
		}
		mh.syncer.HandleAnnouncement(table)
	default:
		log.Printf("[Cluster] unknown message type %q from %s", msg.Type, conn.RemoteAddr())
	}
	return nil
}
