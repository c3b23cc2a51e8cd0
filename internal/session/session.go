package session

import (
	"fmt"
	"time"
)

// DeviceType identifies the kind of client a session belongs to. A user
// holds at most one live session per device type.
type DeviceType uint8

const (
	DeviceAndroid DeviceType = iota
	DeviceIOS
	DeviceDesktop
	DeviceBrowser
	DeviceAndroidTablet
	DeviceIPad
	DeviceOthers

	deviceTypeCount
)

func (d DeviceType) Valid() bool { return d < deviceTypeCount }

func (d DeviceType) String() string {
	switch d {
	case DeviceAndroid:
		return "android"
	case DeviceIOS:
		return "ios"
	case DeviceDesktop:
		return "desktop"
	case DeviceBrowser:
		return "browser"
	case DeviceAndroidTablet:
		return "android_tablet"
	case DeviceIPad:
		return "ipad"
	case DeviceOthers:
		return "others"
	default:
		return fmt.Sprintf("device(%d)", uint8(d))
	}
}

// UserStatus is the user-chosen overall status, replicated cluster-wide as
// part of the presence encoding (it must fit in four bits there).
type UserStatus uint8

const (
	StatusAvailable UserStatus = iota
	StatusBusy
	StatusDoNotDisturb
	StatusAway
	StatusInvisible

	userStatusCount
)

func (u UserStatus) Valid() bool { return u < userStatusCount }

func (u UserStatus) String() string {
	switch u {
	case StatusAvailable:
		return "available"
	case StatusBusy:
		return "busy"
	case StatusDoNotDisturb:
		return "do_not_disturb"
	case StatusAway:
		return "away"
	case StatusInvisible:
		return "invisible"
	default:
		return fmt.Sprintf("status(%d)", uint8(u))
	}
}

// SessionStatus is the lifecycle state of one connection. The only legal
// path is Connected -> Disconnected -> Recovering -> Closed; Closed is
// terminal and the session is removed on reaching it.
type SessionStatus uint8

const (
	SessionConnected SessionStatus = iota
	SessionDisconnected
	SessionRecovering
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionRecovering:
		return "recovering"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session_status(%d)", uint8(s))
	}
}

// Location is the last reported client position.
type Location struct {
	Latitude  float32
	Longitude float32
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64
}

// Session is the server-side record of one (user, device type) connection.
// It is mutated only by the registry that owns the user.
type Session struct {
	ID         int64
	DeviceType DeviceType
	// LoginTime is milliseconds since the Unix epoch.
	LoginTime     int64
	Location      *Location
	Status        SessionStatus
	LoginRequest  int64
	LastHeartbeat time.Time
}

// UserOnlineInfo aggregates a user's device sessions. An info with no
// sessions is not "online" and is dropped from the registry.
type UserOnlineInfo struct {
	UserID   int64
	Status   UserStatus
	Sessions map[DeviceType]*Session
}

// Clone deep-copies the aggregate so snapshots can leave the per-user lock.
func (u *UserOnlineInfo) Clone() *UserOnlineInfo {
	cp := &UserOnlineInfo{
		UserID:   u.UserID,
		Status:   u.Status,
		Sessions: make(map[DeviceType]*Session, len(u.Sessions)),
	}
	for dt, s := range u.Sessions {
		sc := *s
		if s.Location != nil {
			loc := *s.Location
			sc.Location = &loc
		}
		cp.Sessions[dt] = &sc
	}
	return cp
}

// CloseStatus classifies why a connection or login attempt ended. Values
// are stable: clients match on them over the fallback lookup channel.
type CloseStatus int32

const (
	CloseNewLogin          CloseStatus = 100
	CloseHeartbeatTimeout  CloseStatus = 110
	CloseRedirect          CloseStatus = 120
	CloseServerClosed      CloseStatus = 200
	CloseServerError       CloseStatus = 201
	CloseServerUnavailable CloseStatus = 202
	CloseIllegalRequest    CloseStatus = 300
	CloseUnknownError      CloseStatus = 500
)

// CloseReason is what a disconnected client can still retrieve out-of-band:
// the originating business status code, the close classification, and an
// optional human-readable detail.
type CloseReason struct {
	StatusCode int32       `json:"status_code"`
	Status     CloseStatus `json:"close_status"`
	Reason     string      `json:"reason,omitempty"`
}

// CloseRecorder persists close reasons for short-lived client polling. The
// registry records through it before evicting a session, so a client whose
// transport died can still learn why.
type CloseRecorder interface {
	RecordDisconnection(userID int64, device DeviceType, sessionID int64, reason CloseReason)
}
