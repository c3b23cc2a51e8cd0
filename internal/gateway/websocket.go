package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/internal/closereason"
	"github.com/chatrelay/internal/session"
	"github.com/chatrelay/pkg/cluster"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sweepPeriod = 30 * time.Second

	recoverAfter = 2 * time.Minute

	closeAfter = 5 * time.Minute
)

// Message is the envelope for every client frame.
type Message struct {
	Type       string             `json:"type"`
	UserID     int64              `json:"user_id,omitempty"`
	DeviceType session.DeviceType `json:"device_type,omitempty"`
	RequestID  int64              `json:"request_id,omitempty"`
	UserStatus session.UserStatus `json:"user_status,omitempty"`
	Location   *locationPayload   `json:"location,omitempty"`

	// Server-to-client fields.
	SessionID  int64  `json:"session_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Address    string `json:"address,omitempty"`
	StatusCode int32  `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type locationPayload struct {
	Latitude  float32 `json:"latitude"`
	Longitude float32 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

type sessionKey struct {
	userID int64
	device session.DeviceType
}

// Hub owns every websocket connection terminated on this node and drives
// the session registry from connection events.
type Hub struct {
	localNodeID string
	directory   *cluster.Directory
	registry    *session.Registry
	reasons     *closereason.Store

	mu       sync.RWMutex
	clients  map[*Client]bool
	byKey    map[sessionKey]*Client
	stopChan chan struct{}
	stopOnce sync.Once
}

// Client is one websocket connection. A client becomes interesting only
// after a successful login binds it to a (user, device type) session.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	send   chan []byte

	// writeMu serializes data writes and write deadlines; WriteControl is
	// safe without it.
	writeMu sync.Mutex

	mu        sync.Mutex
	loggedIn  bool
	userID    int64
	device    session.DeviceType
	sessionID int64
	// closedByServer marks that the session was already closed with a
	// reason, so the read pump must not mark it disconnected again.
	closedByServer bool
}

func NewHub(localNodeID string, directory *cluster.Directory, registry *session.Registry, reasons *closereason.Store) *Hub {
	return &Hub{
		localNodeID: localNodeID,
		directory:   directory,
		registry:    registry,
		reasons:     reasons,
		clients:     make(map[*Client]bool),
		byKey:       make(map[sessionKey]*Client),
		stopChan:    make(chan struct{}),
	}
}

// Run drives the stale-session sweeper until Stop is called.
func (h *Hub) Run() {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			recovering, closed := h.registry.EvictStaleSessions(recoverAfter, closeAfter)
			if recovering > 0 || closed > 0 {
				log.Printf("[Gateway] sweep: %d sessions recovering, %d closed", recovering, closed)
			}
		case <-h.stopChan:
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// ClientCount reports currently attached websocket connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request and starts the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		connID: uuid.NewString(),
		send:   make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Gateway] connection %s attached (%d total)", client.connID, total)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	c.mu.Lock()
	if c.loggedIn {
		key := sessionKey{c.userID, c.device}
		if h.byKey[key] == c {
			delete(h.byKey, key)
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()
}

// bind records the client as the live connection for its session key and
// returns the previous holder, if any.
func (h *Hub) bind(c *Client, key sessionKey) *Client {
	h.mu.Lock()
	old := h.byKey[key]
	h.byKey[key] = c
	h.mu.Unlock()
	if old == c {
		return nil
	}
	return old
}

func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
		c.markTransportLost()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touchSession()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] connection %s read error: %v", c.connID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(closereason.NewError(closereason.StatusIllegalArgument, "malformed message", false))
			continue
		}
		if done := c.handle(&msg); done {
			return
		}
	}
}

// handle processes one frame. It returns true when the connection should be
// torn down.
func (c *Client) handle(msg *Message) bool {
	switch msg.Type {
	case "login":
		return c.handleLogin(msg)
	case "heartbeat":
		c.withSession(func(userID int64, device session.DeviceType) error {
			return c.hub.registry.Heartbeat(userID, device)
		})
	case "status":
		c.withSession(func(userID int64, device session.DeviceType) error {
			return c.hub.registry.UpdateUserStatus(userID, msg.UserStatus)
		})
	case "location":
		if msg.Location == nil {
			c.sendError(closereason.NewError(closereason.StatusIllegalArgument, "missing location", false))
			return false
		}
		c.withSession(func(userID int64, device session.DeviceType) error {
			return c.hub.registry.UpdateLocation(userID, device, session.Location{
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Timestamp: msg.Location.Timestamp,
			})
		})
	case "logout":
		c.closeSession(session.CloseReason{StatusCode: int32(closereason.StatusOK)})
		return true
	default:
		c.sendError(closereason.NewError(closereason.StatusIllegalArgument, "unknown message type", false))
	}
	return false
}

func (c *Client) handleLogin(msg *Message) bool {
	c.mu.Lock()
	already := c.loggedIn
	c.mu.Unlock()
	if already {
		c.sendError(closereason.NewError(closereason.StatusIllegalArgument, "already logged in", false))
		return false
	}
	if !msg.DeviceType.Valid() {
		err := closereason.NewError(closereason.StatusForbiddenDeviceType, "unsupported device type", false)
		c.hub.recordLoginFailure(msg, err)
		c.sendError(err)
		return true
	}

	// Ownership check: accepting a user this node does not own would split
	// their presence, so misrouted clients get redirected instead.
	owner, err := c.hub.directory.GetOwnerForUser(msg.UserID)
	if err != nil {
		domainErr := closereason.NewError(closereason.StatusServerUnavailable, "", true)
		c.hub.recordLoginFailure(msg, domainErr)
		c.sendError(domainErr)
		return true
	}
	if owner.NodeID != c.hub.localNodeID {
		// Written synchronously so the redirect reaches the client before
		// the close frame tears the connection down.
		c.writeNow(&Message{
			Type:    "redirect",
			NodeID:  owner.NodeID,
			Address: owner.AdminAddress,
		})
		c.closeWithStatus(session.CloseReason{Status: session.CloseRedirect, Reason: owner.NodeID})
		return true
	}

	var loc *session.Location
	if msg.Location != nil {
		loc = &session.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
			Timestamp: msg.Location.Timestamp,
		}
	}
	s, err := c.hub.registry.Connect(msg.UserID, msg.DeviceType, msg.RequestID, msg.UserStatus, loc)
	if err != nil {
		var domainErr *closereason.Error
		if err == session.ErrAlreadyConnected {
			domainErr = closereason.NewError(closereason.StatusIllegalArgument, "device already connected", false)
		} else {
			domainErr = closereason.NewError(closereason.StatusServerInternalError, err.Error(), true)
		}
		c.hub.recordLoginFailure(msg, domainErr)
		c.sendError(domainErr)
		return true
	}

	c.mu.Lock()
	c.loggedIn = true
	c.userID = msg.UserID
	c.device = msg.DeviceType
	c.sessionID = s.ID
	c.mu.Unlock()

	// Under the kick policy the registry already closed the old session;
	// its websocket still needs the close frame.
	if old := c.hub.bind(c, sessionKey{msg.UserID, msg.DeviceType}); old != nil {
		old.terminate(session.CloseReason{Status: session.CloseNewLogin})
	}

	c.sendMessage(&Message{Type: "login_ack", SessionID: s.ID})
	log.Printf("[Gateway] user %d logged in on %s (session %d, conn %s)",
		msg.UserID, msg.DeviceType, s.ID, c.connID)
	return false
}

func (h *Hub) recordLoginFailure(msg *Message, err error) {
	if h.reasons == nil {
		return
	}
	h.reasons.RecordLoginFailure(msg.UserID, msg.DeviceType, msg.RequestID, closereason.Translate(err))
}

func (c *Client) withSession(fn func(userID int64, device session.DeviceType) error) {
	c.mu.Lock()
	loggedIn, userID, device := c.loggedIn, c.userID, c.device
	c.mu.Unlock()
	if !loggedIn {
		c.sendError(closereason.NewError(closereason.StatusIllegalArgument, "not logged in", false))
		return
	}
	if err := fn(userID, device); err != nil {
		log.Printf("[Gateway] session op for user %d failed: %v", userID, err)
		c.sendError(err)
	}
}

func (c *Client) touchSession() {
	c.mu.Lock()
	loggedIn, userID, device := c.loggedIn, c.userID, c.device
	c.mu.Unlock()
	if loggedIn {
		c.hub.registry.Heartbeat(userID, device)
	}
}

// markTransportLost drives the session to Disconnected when the socket dies
// without the server having closed it first. The sweeper later recovers or
// closes it if the device never comes back.
func (c *Client) markTransportLost() {
	c.mu.Lock()
	loggedIn, closed, userID, device := c.loggedIn, c.closedByServer, c.userID, c.device
	c.mu.Unlock()
	if !loggedIn || closed {
		return
	}
	if err := c.hub.registry.MarkDisconnected(userID, device); err != nil &&
		err != session.ErrSessionNotFound {
		log.Printf("[Gateway] failed to mark user %d disconnected: %v", userID, err)
	}
}

// closeSession closes the registry session and the socket, in that order.
func (c *Client) closeSession(reason session.CloseReason) {
	c.mu.Lock()
	loggedIn, userID, device := c.loggedIn, c.userID, c.device
	c.closedByServer = true
	c.mu.Unlock()
	if loggedIn {
		if err := c.hub.registry.Close(userID, device, reason); err != nil &&
			err != session.ErrSessionNotFound {
			log.Printf("[Gateway] failed to close session for user %d: %v", userID, err)
		}
	}
	c.closeWithStatus(reason)
}

// terminate tears the socket down for a session the registry already
// evicted (kick by a competing login).
func (c *Client) terminate(reason session.CloseReason) {
	c.mu.Lock()
	c.closedByServer = true
	c.mu.Unlock()
	c.closeWithStatus(reason)
}

// closeWithStatus delivers a close frame carrying the reason. Close codes
// live in the private-use range: 4000 plus the close status. WriteControl
// is safe alongside writePump and carries its own deadline, so no write
// deadline is set here.
func (c *Client) closeWithStatus(reason session.CloseReason) {
	code := 4000 + int(reason.Status)
	frame := websocket.FormatCloseMessage(code, reason.Reason)
	c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
	c.conn.Close()
}

// write is the single entry point for data frames and write deadlines.
func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Gateway] failed to marshal %s message: %v", msg.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[Gateway] send buffer full for connection %s, dropping %s", c.connID, msg.Type)
	}
}

// writeNow bypasses the send queue for messages that must precede an
// imminent close frame.
func (c *Client) writeNow(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Gateway] failed to marshal %s message: %v", msg.Type, err)
		return
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		log.Printf("[Gateway] failed to write %s message to connection %s: %v", msg.Type, c.connID, err)
	}
}

func (c *Client) sendError(err error) {
	reason := closereason.Translate(err)
	c.sendMessage(&Message{
		Type:       "error",
		StatusCode: reason.StatusCode,
		Reason:     reason.Reason,
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
