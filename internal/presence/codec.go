// Package presence encodes a user's multi-device online state into a dense
// byte sequence for cross-node caching.
//
// Layout: 8 bytes user id, then a schema byte (bit 7: any session carries a
// location, bits 6-4: session count, bits 3-0: user status ordinal). When
// bit 7 is set, a location-existence byte follows with one bit per session
// in iteration order. Then per session, in ascending device-type order: 1
// byte device ordinal, 8 bytes login timestamp, and, if that session's
// location bit is set, 4 bytes latitude, 4 bytes longitude (float32) and 8
// bytes location timestamp. All integers are big-endian.
//
// The format carries no version byte; cached entries across node versions
// must stay mutually readable, so any field addition needs a new cache
// keyspace instead.
package presence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/chatrelay/internal/session"
)

// MaxSessions is the most device sessions the schema byte can describe.
const MaxSessions = 7

const (
	schemaLocationFlag = 1 << 7
	schemaCountShift   = 4
	schemaCountMask    = 0x7
	schemaStatusMask   = 0xF
)

// ErrMalformedEncoding reports a decode-time validation failure: truncated
// buffer, trailing bytes, or field values outside their domain.
var ErrMalformedEncoding = errors.New("presence: malformed encoding")

// Encode serializes a user's online info. It fails when the info cannot be
// represented: more than MaxSessions sessions, a status ordinal beyond four
// bits, or an invalid device type.
func Encode(info *session.UserOnlineInfo) ([]byte, error) {
	n := len(info.Sessions)
	if n > MaxSessions {
		return nil, fmt.Errorf("presence: %d sessions exceed the encodable maximum of %d", n, MaxSessions)
	}
	if uint8(info.Status) > schemaStatusMask || !info.Status.Valid() {
		return nil, fmt.Errorf("presence: user status %d not encodable", info.Status)
	}

	// Fixed iteration order: ascending device type.
	devices := make([]session.DeviceType, 0, n)
	for dt := range info.Sessions {
		if !dt.Valid() {
			return nil, fmt.Errorf("presence: invalid device type %d", dt)
		}
		devices = append(devices, dt)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })

	var locationBits byte
	size := 8 + 1
	for i, dt := range devices {
		size += 1 + 8
		if info.Sessions[dt].Location != nil {
			locationBits |= 1 << uint(i)
			size += 4 + 4 + 8
		}
	}
	if locationBits != 0 {
		size++
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, uint64(info.UserID))

	schema := byte(n)<<schemaCountShift | byte(info.Status)&schemaStatusMask
	if locationBits != 0 {
		schema |= schemaLocationFlag
	}
	buf = append(buf, schema)
	if locationBits != 0 {
		buf = append(buf, locationBits)
	}

	for _, dt := range devices {
		s := info.Sessions[dt]
		buf = append(buf, byte(dt))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.LoginTime))
		if s.Location != nil {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(s.Location.Latitude))
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(s.Location.Longitude))
			buf = binary.BigEndian.AppendUint64(buf, uint64(s.Location.Timestamp))
		}
	}
	return buf, nil
}

// reader is a cursor with length checks at every read.
type reader struct {
	buf []byte
	off int
}

func (r *reader) require(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("%w: truncated at offset %d, need %d more bytes", ErrMalformedEncoding, r.off, n)
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Decode reconstructs a UserOnlineInfo from its encoded form. Fields the
// wire format intentionally omits (heartbeat, login request, transport
// state) stay at their zero values: this encoding exists for presence
// visibility, not full session transfer.
func Decode(buf []byte) (*session.UserOnlineInfo, error) {
	r := &reader{buf: buf}

	rawUser, err := r.uint64()
	if err != nil {
		return nil, err
	}
	schema, err := r.byte()
	if err != nil {
		return nil, err
	}

	count := int(schema>>schemaCountShift) & schemaCountMask
	status := session.UserStatus(schema & schemaStatusMask)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown user status %d", ErrMalformedEncoding, status)
	}

	var locationBits byte
	if schema&schemaLocationFlag != 0 {
		locationBits, err = r.byte()
		if err != nil {
			return nil, err
		}
	}

	info := &session.UserOnlineInfo{
		UserID:   int64(rawUser),
		Status:   status,
		Sessions: make(map[session.DeviceType]*session.Session, count),
	}

	for i := 0; i < count; i++ {
		rawDevice, err := r.byte()
		if err != nil {
			return nil, err
		}
		device := session.DeviceType(rawDevice)
		if !device.Valid() {
			return nil, fmt.Errorf("%w: unknown device type %d", ErrMalformedEncoding, rawDevice)
		}
		if _, dup := info.Sessions[device]; dup {
			return nil, fmt.Errorf("%w: duplicate device type %s", ErrMalformedEncoding, device)
		}

		loginTime, err := r.uint64()
		if err != nil {
			return nil, err
		}
		s := &session.Session{
			DeviceType: device,
			LoginTime:  int64(loginTime),
			Status:     session.SessionConnected,
		}

		if locationBits&(1<<uint(i)) != 0 {
			lat, err := r.uint32()
			if err != nil {
				return nil, err
			}
			lon, err := r.uint32()
			if err != nil {
				return nil, err
			}
			ts, err := r.uint64()
			if err != nil {
				return nil, err
			}
			s.Location = &session.Location{
				Latitude:  math.Float32frombits(lat),
				Longitude: math.Float32frombits(lon),
				Timestamp: int64(ts),
			}
		}
		info.Sessions[device] = s
	}

	if r.off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEncoding, len(buf)-r.off)
	}
	return info, nil
}
