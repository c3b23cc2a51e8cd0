package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/snowflake"
)

type recordedClose struct {
	userID    int64
	device    DeviceType
	sessionID int64
	reason    CloseReason
}

type stubRecorder struct {
	mu      sync.Mutex
	records []recordedClose
}

func (s *stubRecorder) RecordDisconnection(userID int64, device DeviceType, sessionID int64, reason CloseReason) {
	s.mu.Lock()
	s.records = append(s.records, recordedClose{userID, device, sessionID, reason})
	s.mu.Unlock()
}

func (s *stubRecorder) all() []recordedClose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedClose(nil), s.records...)
}

func newTestRegistry(t *testing.T, policy ConflictPolicy) (*Registry, *stubRecorder) {
	t.Helper()
	rec := &stubRecorder{}
	return NewRegistry(policy, snowflake.NewFactory(), rec), rec
}

func TestConnectCreatesSession(t *testing.T) {
	r, _ := newTestRegistry(t, RejectNewLogin)

	s, err := r.Connect(42, DeviceAndroid, 9, StatusAvailable, nil)
	require.NoError(t, err)
	assert.Equal(t, SessionConnected, s.Status)
	assert.NotZero(t, s.ID)

	info, ok := r.GetUserOnlineInfo(42)
	require.True(t, ok)
	assert.Equal(t, StatusAvailable, info.Status)
	assert.Len(t, info.Sessions, 1)

	// Sessions for distinct device types coexist.
	_, err = r.Connect(42, DeviceBrowser, 10, StatusAvailable, nil)
	require.NoError(t, err)
	info, _ = r.GetUserOnlineInfo(42)
	assert.Len(t, info.Sessions, 2)
}

func TestConnectRejectPolicy(t *testing.T) {
	r, _ := newTestRegistry(t, RejectNewLogin)

	first, err := r.Connect(42, DeviceAndroid, 1, StatusAvailable, nil)
	require.NoError(t, err)

	_, err = r.Connect(42, DeviceAndroid, 2, StatusAvailable, nil)
	require.ErrorIs(t, err, ErrAlreadyConnected)

	// The first session survived the rejected attempt.
	s, ok := r.GetSession(42, DeviceAndroid)
	require.True(t, ok)
	assert.Equal(t, first.ID, s.ID)
}

func TestConnectKickPolicy(t *testing.T) {
	r, rec := newTestRegistry(t, KickOldLogin)

	first, err := r.Connect(42, DeviceAndroid, 1, StatusAvailable, nil)
	require.NoError(t, err)
	second, err := r.Connect(42, DeviceAndroid, 2, StatusAvailable, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	s, ok := r.GetSession(42, DeviceAndroid)
	require.True(t, ok)
	assert.Equal(t, second.ID, s.ID)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, records[0].sessionID)
	assert.Equal(t, CloseNewLogin, records[0].reason.Status)
}

func TestLifecycleTransitions(t *testing.T) {
	r, rec := newTestRegistry(t, RejectNewLogin)

	s, err := r.Connect(7, DeviceIOS, 1, StatusBusy, nil)
	require.NoError(t, err)

	require.NoError(t, r.MarkDisconnected(7, DeviceIOS))
	require.NoError(t, r.MarkRecovering(7, DeviceIOS))
	require.NoError(t, r.Close(7, DeviceIOS, CloseReason{Status: CloseServerClosed}))

	// Closed is terminal: the session is gone, so anything after fails.
	assert.ErrorIs(t, r.MarkDisconnected(7, DeviceIOS), ErrSessionNotFound)
	assert.ErrorIs(t, r.Heartbeat(7, DeviceIOS), ErrSessionNotFound)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, s.ID, records[0].sessionID)
	assert.Equal(t, CloseServerClosed, records[0].reason.Status)

	// The user aggregate was evicted with its last session.
	_, ok := r.GetUserOnlineInfo(7)
	assert.False(t, ok)
}

func TestInvalidTransitions(t *testing.T) {
	r, _ := newTestRegistry(t, RejectNewLogin)
	_, err := r.Connect(7, DeviceIOS, 1, StatusAvailable, nil)
	require.NoError(t, err)

	// Recovering straight from Connected skips Disconnected.
	assert.ErrorIs(t, r.MarkRecovering(7, DeviceIOS), ErrInvalidTransition)

	require.NoError(t, r.MarkDisconnected(7, DeviceIOS))
	// Disconnected twice is not a legal edge.
	assert.ErrorIs(t, r.MarkDisconnected(7, DeviceIOS), ErrInvalidTransition)
}

func TestHeartbeatAndLocation(t *testing.T) {
	r, _ := newTestRegistry(t, RejectNewLogin)

	assert.ErrorIs(t, r.Heartbeat(1, DeviceAndroid), ErrSessionNotFound)

	_, err := r.Connect(1, DeviceAndroid, 1, StatusAvailable, nil)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(1, DeviceAndroid))

	loc := Location{Latitude: 48.8584, Longitude: 2.2945, Timestamp: time.Now().UnixMilli()}
	require.NoError(t, r.UpdateLocation(1, DeviceAndroid, loc))

	s, ok := r.GetSession(1, DeviceAndroid)
	require.True(t, ok)
	require.NotNil(t, s.Location)
	assert.Equal(t, loc.Latitude, s.Location.Latitude)
}

func TestSetAllLocalUsersOffline(t *testing.T) {
	r, rec := newTestRegistry(t, RejectNewLogin)

	for userID := int64(1); userID <= 3; userID++ {
		_, err := r.Connect(userID, DeviceAndroid, userID, StatusAvailable, nil)
		require.NoError(t, err)
	}
	_, err := r.Connect(1, DeviceBrowser, 10, StatusAvailable, nil)
	require.NoError(t, err)

	closed := r.SetAllLocalUsersOffline(CloseReason{Status: CloseServerClosed})
	assert.Equal(t, 4, closed)
	assert.Equal(t, 0, r.CountOnlineUsers())
	assert.Len(t, rec.all(), 4)
}

func TestEvictStaleSessions(t *testing.T) {
	r, rec := newTestRegistry(t, RejectNewLogin)

	_, err := r.Connect(5, DeviceDesktop, 1, StatusAvailable, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkDisconnected(5, DeviceDesktop))

	// Fresh heartbeat: nothing to do.
	recovering, closed := r.EvictStaleSessions(time.Minute, time.Hour)
	assert.Zero(t, recovering)
	assert.Zero(t, closed)

	// Stale beyond the recover threshold: Disconnected -> Recovering.
	recovering, closed = r.EvictStaleSessions(0, time.Hour)
	assert.Equal(t, 1, recovering)
	assert.Zero(t, closed)

	// Stale beyond the close threshold: closed with heartbeat timeout.
	_, closed = r.EvictStaleSessions(0, 0)
	assert.Equal(t, 1, closed)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, CloseHeartbeatTimeout, records[0].reason.Status)
}

func TestPresenceUpdatesEmitted(t *testing.T) {
	r, _ := newTestRegistry(t, RejectNewLogin)

	_, err := r.Connect(9, DeviceAndroid, 1, StatusAvailable, nil)
	require.NoError(t, err)

	select {
	case update := <-r.Updates():
		assert.Equal(t, int64(9), update.UserID)
		assert.Len(t, update.Sessions, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a presence update after connect")
	}

	require.NoError(t, r.Close(9, DeviceAndroid, CloseReason{Status: CloseServerClosed}))

	select {
	case update := <-r.Updates():
		assert.Empty(t, update.Sessions, "offline update carries no sessions")
	case <-time.After(time.Second):
		t.Fatal("expected an offline update after close")
	}
}

func TestConcurrentUsersIndependent(t *testing.T) {
	r, _ := newTestRegistry(t, KickOldLogin)

	// Drain updates so the buffer never interferes.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-r.Updates():
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	var wg sync.WaitGroup
	for userID := int64(0); userID < 32; userID++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := r.Connect(uid, DeviceAndroid, int64(i), StatusAvailable, nil)
				require.NoError(t, err)
				require.NoError(t, r.Heartbeat(uid, DeviceAndroid))
				require.NoError(t, r.Close(uid, DeviceAndroid, CloseReason{Status: CloseServerClosed}))
			}
		}(userID)
	}
	wg.Wait()

	assert.Equal(t, 0, r.CountOnlineUsers())
}

func TestOfflineUpdatesSurviveBufferPressure(t *testing.T) {
	r, _ := newTestRegistry(t, KickOldLogin)

	// Overflow the update buffer with nobody draining it. Online updates are
	// shed under pressure and must never block the caller.
	const users = updateBufferSize + 64
	for i := 0; i < users; i++ {
		_, err := r.Connect(int64(i+1), DeviceAndroid, 1, StatusAvailable, nil)
		require.NoError(t, err)
	}

	go func() {
		r.SetAllLocalUsersOffline(CloseReason{Status: CloseServerClosed})
		r.CloseUpdates()
	}()

	// Every user's offline update must come through, buffer pressure or not.
	offline := make(map[int64]bool)
	for info := range r.Updates() {
		if len(info.Sessions) == 0 {
			offline[info.UserID] = true
		}
	}
	assert.Len(t, offline, users)
}

func TestPublishAfterCloseUpdatesIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, KickOldLogin)
	r.CloseUpdates()
	r.CloseUpdates() // idempotent

	// Session ops still work; their updates just go nowhere.
	_, err := r.Connect(7, DeviceIOS, 1, StatusAvailable, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close(7, DeviceIOS, CloseReason{Status: CloseServerClosed}))
}
