package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/session"
	"github.com/chatrelay/internal/snowflake"
	"github.com/chatrelay/pkg/cluster"
	"github.com/chatrelay/pkg/models"
)

func newTestGateway(t *testing.T, extraNodes ...string) (*Hub, *httptest.Server) {
	t.Helper()
	d := cluster.NewDirectory("node-1")
	nodes := append([]string{"node-1"}, extraNodes...)
	for _, id := range nodes {
		err := d.RegisterMember(models.Member{
			ClusterID:     "test",
			NodeID:        id,
			NodeType:      models.NodeTypeGateway,
			MemberAddress: id + ":9100",
			AdminAddress:  id + ":8080",
			IsActive:      true,
		})
		require.NoError(t, err)
	}

	registry := session.NewRegistry(session.KickOldLogin, snowflake.NewFactory(), nil)
	hub := NewHub("node-1", d, registry, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialTestGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func loginTestClient(t *testing.T, conn *websocket.Conn, userID int64, device session.DeviceType) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&Message{
		Type:       "login",
		UserID:     userID,
		DeviceType: device,
		RequestID:  1,
	}))
	var ack Message
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "login_ack", ack.Type)
	assert.NotZero(t, ack.SessionID)
}

func TestLogoutDeliversCloseFrame(t *testing.T) {
	hub, srv := newTestGateway(t)
	conn := dialTestGateway(t, srv)
	loginTestClient(t, conn, 42, session.DeviceAndroid)

	require.NoError(t, conn.WriteJSON(&Message{Type: "logout"}))

	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, 4000), "expected close code 4000, got %v", err)

	_, ok := hub.registry.GetSession(42, session.DeviceAndroid)
	assert.False(t, ok)
}

func TestKickedConnectionGetsNewLoginClose(t *testing.T) {
	_, srv := newTestGateway(t)

	first := dialTestGateway(t, srv)
	loginTestClient(t, first, 7, session.DeviceAndroid)

	second := dialTestGateway(t, srv)
	loginTestClient(t, second, 7, session.DeviceAndroid)

	// The displaced connection is told why it died.
	want := 4000 + int(session.CloseNewLogin)
	_, _, err := first.ReadMessage()
	require.True(t, websocket.IsCloseError(err, want), "expected close code %d, got %v", want, err)
}

func TestMisroutedLoginRedirects(t *testing.T) {
	_, srv := newTestGateway(t, "node-2")
	conn := dialTestGateway(t, srv)

	// With two members, user id 2048 lands in node-2's slot range.
	require.NoError(t, conn.WriteJSON(&Message{
		Type:       "login",
		UserID:     2048,
		DeviceType: session.DeviceAndroid,
		RequestID:  1,
	}))

	var redirect Message
	require.NoError(t, conn.ReadJSON(&redirect))
	require.Equal(t, "redirect", redirect.Type)
	assert.Equal(t, "node-2", redirect.NodeID)
	assert.Equal(t, "node-2:8080", redirect.Address)

	want := 4000 + int(session.CloseRedirect)
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, want), "expected close code %d, got %v", want, err)
}
