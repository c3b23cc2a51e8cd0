// Package closereason maps failure causes to close reasons and keeps them
// retrievable for a short window, so a client whose transport died without
// receiving an in-band close frame can still poll for why.
package closereason

import (
	"errors"
	"fmt"

	"github.com/chatrelay/internal/session"
)

// StatusCode is a business status code carried by domain errors and echoed
// back to clients alongside the close status.
type StatusCode int32

const (
	StatusOK                  StatusCode = 0
	StatusServerInternalError StatusCode = 100
	StatusServerUnavailable   StatusCode = 101
	StatusIllegalArgument     StatusCode = 102
	StatusForbiddenDeviceType StatusCode = 103
	StatusUnauthorized        StatusCode = 104
)

// Error is a domain failure carrying a business status code. Errors are
// plain values built per call site, never shared singletons, so they can
// grow per-call context safely under concurrency.
type Error struct {
	Code       StatusCode
	Reason     string
	ServerSide bool
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Reason)
}

// NewError builds a domain error. ServerSide marks faults the server is
// responsible for, which steers the close-status mapping.
func NewError(code StatusCode, reason string, serverSide bool) *Error {
	return &Error{Code: code, Reason: reason, ServerSide: serverSide}
}

// Translate maps any failure to the CloseReason a client should see.
//
// Domain errors map through a fixed table: service unavailable becomes
// close-status "server unavailable" (no detail text), illegal arguments and
// forbidden device types become "illegal request", and everything else
// becomes "server error" or "unknown error" depending on fault ownership,
// carrying the original reason text. A non-domain error is always a server
// fault and keeps its raw message.
func Translate(err error) session.CloseReason {
	var de *Error
	if errors.As(err, &de) {
		switch de.Code {
		case StatusServerUnavailable:
			return session.CloseReason{
				StatusCode: int32(de.Code),
				Status:     session.CloseServerUnavailable,
			}
		case StatusIllegalArgument, StatusForbiddenDeviceType:
			return session.CloseReason{
				StatusCode: int32(de.Code),
				Status:     session.CloseIllegalRequest,
				Reason:     de.Reason,
			}
		default:
			status := session.CloseUnknownError
			if de.ServerSide {
				status = session.CloseServerError
			}
			return session.CloseReason{
				StatusCode: int32(de.Code),
				Status:     status,
				Reason:     de.Reason,
			}
		}
	}
	return session.CloseReason{
		StatusCode: int32(StatusServerInternalError),
		Status:     session.CloseServerError,
		Reason:     err.Error(),
	}
}
