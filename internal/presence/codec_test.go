package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/internal/session"
)

func infoWithSessions(userID int64, status session.UserStatus, sessions ...*session.Session) *session.UserOnlineInfo {
	info := &session.UserOnlineInfo{
		UserID:   userID,
		Status:   status,
		Sessions: make(map[session.DeviceType]*session.Session, len(sessions)),
	}
	for _, s := range sessions {
		info.Sessions[s.DeviceType] = s
	}
	return info
}

func requireRoundTrip(t *testing.T, info *session.UserOnlineInfo) *session.UserOnlineInfo {
	t.Helper()
	buf, err := Encode(info)
	require.NoError(t, err)
	decoded, err := Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, info.UserID, decoded.UserID)
	assert.Equal(t, info.Status, decoded.Status)
	require.Len(t, decoded.Sessions, len(info.Sessions))
	for dt, want := range info.Sessions {
		got := decoded.Sessions[dt]
		require.NotNil(t, got, "missing session for %s", dt)
		assert.Equal(t, want.DeviceType, got.DeviceType)
		assert.Equal(t, want.LoginTime, got.LoginTime)
		if want.Location == nil {
			assert.Nil(t, got.Location)
		} else {
			require.NotNil(t, got.Location)
			assert.Equal(t, *want.Location, *got.Location)
		}
	}
	return decoded
}

func TestRoundTripNoSessions(t *testing.T) {
	requireRoundTrip(t, infoWithSessions(12345, session.StatusInvisible))
}

func TestRoundTripSingleSession(t *testing.T) {
	requireRoundTrip(t, infoWithSessions(-9876543210, session.StatusBusy,
		&session.Session{DeviceType: session.DeviceIOS, LoginTime: 1700000000123},
	))
}

func TestRoundTripSingleSessionWithLocation(t *testing.T) {
	requireRoundTrip(t, infoWithSessions(42, session.StatusAvailable,
		&session.Session{
			DeviceType: session.DeviceAndroid,
			LoginTime:  1700000000123,
			Location:   &session.Location{Latitude: 40.7128, Longitude: -74.006, Timestamp: 1700000001000},
		},
	))
}

func TestRoundTripSevenSessionsMixedLocations(t *testing.T) {
	sessions := make([]*session.Session, 0, MaxSessions)
	for i := 0; i < MaxSessions; i++ {
		s := &session.Session{
			DeviceType: session.DeviceType(i),
			LoginTime:  1700000000000 + int64(i),
		}
		if i%2 == 0 {
			s.Location = &session.Location{
				Latitude:  float32(10 + i),
				Longitude: float32(-20 - i),
				Timestamp: 1700000002000 + int64(i),
			}
		}
		sessions = append(sessions, s)
	}
	requireRoundTrip(t, infoWithSessions(777, session.StatusDoNotDisturb, sessions...))
}

func TestEncodeWithoutLocationsOmitsLocationByte(t *testing.T) {
	buf, err := Encode(infoWithSessions(1, session.StatusAvailable,
		&session.Session{DeviceType: session.DeviceBrowser, LoginTime: 5},
	))
	require.NoError(t, err)
	// 8 user id + 1 schema + 1 device + 8 login time.
	assert.Len(t, buf, 18)
	assert.Zero(t, buf[8]&(1<<7), "location flag must be clear")
}

func TestEncodeTooManySessions(t *testing.T) {
	info := &session.UserOnlineInfo{
		UserID:   1,
		Status:   session.StatusAvailable,
		Sessions: make(map[session.DeviceType]*session.Session),
	}
	// Force 8 entries by bypassing device validity on the map key side.
	for i := 0; i < MaxSessions+1; i++ {
		info.Sessions[session.DeviceType(i)] = &session.Session{DeviceType: session.DeviceType(i)}
	}
	_, err := Encode(info)
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(infoWithSessions(42, session.StatusAvailable,
		&session.Session{
			DeviceType: session.DeviceAndroid,
			LoginTime:  1700000000123,
			Location:   &session.Location{Latitude: 1, Longitude: 2, Timestamp: 3},
		},
	))
	require.NoError(t, err)

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"user id only", valid[:8]},
		{"truncated mid-session", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0xFF)},
		{"bad status ordinal", []byte{0, 0, 0, 0, 0, 0, 0, 1, 0x0F}},
		{"bad device ordinal", append(append([]byte{}, valid[:10]...), 0xEE)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			assert.ErrorIs(t, err, ErrMalformedEncoding)
		})
	}
}

func TestDecodeDuplicateDevice(t *testing.T) {
	buf, err := Encode(infoWithSessions(9, session.StatusAvailable,
		&session.Session{DeviceType: session.DeviceAndroid, LoginTime: 1},
		&session.Session{DeviceType: session.DeviceIOS, LoginTime: 2},
	))
	require.NoError(t, err)

	// Both sessions carry no location, so the layout is:
	// 8 user id, 1 schema, then two 9-byte session blocks.
	// Overwrite the second device ordinal with the first.
	buf[9+9] = buf[9]
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}
