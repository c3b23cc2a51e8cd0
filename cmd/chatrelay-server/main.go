package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	clusterruntime "github.com/chatrelay/internal/cluster"
	"github.com/chatrelay/internal/closereason"
	"github.com/chatrelay/internal/gateway"
	"github.com/chatrelay/internal/mqttclient"
	"github.com/chatrelay/internal/presence"
	"github.com/chatrelay/internal/session"
	"github.com/chatrelay/internal/snowflake"
	"github.com/chatrelay/pkg/models"
)

func main() {
	nodeID := flag.String("node_id", "gw1", "node identifier (must be unique within the cluster)")
	clusterID := flag.String("cluster_id", "chatrelay", "cluster identifier")
	httpPort := flag.Int("port", 8080, "HTTP/WebSocket port for clients")
	tcpPort := flag.Int("tcp_port", 9100, "TCP port for node-to-node membership traffic")
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL for the cluster bus")
	seeds := flag.String("seeds", "", "comma-separated seed node addresses (host:port)")
	kickOld := flag.Bool("kick_old_login", true, "close the old session when the same device type logs in again")
	reasonTTL := flag.Duration("close_reason_ttl", 5*time.Minute, "how long close reasons stay retrievable")
	flag.Parse()

	log.Printf("Starting node %s in cluster %s (broker=%s)", *nodeID, *clusterID, *broker)

	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL: *broker,
		ClientID:  fmt.Sprintf("chatrelay-%s-%d", *nodeID, time.Now().UnixNano()),
	})
	if err != nil {
		log.Fatalf("MQTT client error: %v", err)
	}
	defer mqttc.Close()

	ids := snowflake.NewFactory()

	local := models.Member{
		ClusterID:     *clusterID,
		NodeID:        *nodeID,
		NodeType:      models.NodeTypeGateway,
		Version:       "0.1.0",
		IsSeed:        *seeds == "",
		MemberAddress: fmt.Sprintf("%s:%d", hostname(), *tcpPort),
		AdminAddress:  fmt.Sprintf("%s:%d", hostname(), *httpPort),
	}

	manager := clusterruntime.NewManager(clusterruntime.Config{
		Local:   local,
		TCPPort: *tcpPort,
		MQTT:    mqttc,
		IDs:     ids,
	})
	if err := manager.Start(splitSeeds(*seeds)); err != nil {
		log.Fatalf("Cluster start error: %v", err)
	}

	reasons := closereason.NewStore(*reasonTTL)
	defer reasons.Close()

	policy := session.RejectNewLogin
	if *kickOld {
		policy = session.KickOldLogin
	}
	registry := session.NewRegistry(policy, ids, reasons)

	replicator := presence.NewReplicator(mqttc, *nodeID)
	if err := replicator.Start(registry.Updates()); err != nil {
		log.Fatalf("Presence replicator error: %v", err)
	}

	hub := gateway.NewHub(*nodeID, manager.Directory(), registry, reasons)
	go hub.Run()

	mux := http.NewServeMux()
	gateway.NewHTTPHandler(hub, reasons).RegisterRoutes(mux)
	server := &http.Server{Addr: fmt.Sprintf(":%d", *httpPort), Handler: mux}
	go func() {
		log.Printf("[%s] gateway listening on :%d", *nodeID, *httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Printf("[%s] shutting down...", *nodeID)

	// Close every local session first so peers see accurate presence
	// instead of waiting out liveness timeouts.
	closed := registry.SetAllLocalUsersOffline(session.CloseReason{Status: session.CloseServerClosed})
	log.Printf("[%s] closed %d local sessions", *nodeID, closed)

	hub.Stop()
	// Seal the update stream and wait for the replicator to flush every
	// queued offline clear to the broker before tearing anything else down.
	registry.CloseUpdates()
	replicator.Stop()
	server.Close()
	if err := manager.Stop(); err != nil {
		log.Printf("[%s] cluster stop error: %v", *nodeID, err)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func splitSeeds(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
