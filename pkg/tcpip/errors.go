// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcpip

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
//
// All errors have distinct messages and compare by identity, so callers use
// errors.Is against the values below.
type Error struct {
	msg   string
	errno unix.Errno

	ignoreStats bool
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	return e.Error()
}

// Errno returns the host errno the error is translated to at the management
// surface.
func (e *Error) Errno() unix.Errno {
	return e.errno
}

// IgnoreStats indicates whether this error type should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the TCP endpoint tables.
var (
	// ErrPortInUse is AddressInUse: the requested port conflicts with an
	// existing claim, or the ephemeral range is exhausted.
	ErrPortInUse = &Error{msg: "port is in use", errno: unix.EADDRINUSE}

	// ErrConnectionExists means the 4-tuple is already established.
	ErrConnectionExists = &Error{msg: "connection already exists", errno: unix.EADDRNOTAVAIL}

	// ErrNoRoute is returned when no route towards the destination exists.
	ErrNoRoute = &Error{msg: "no route", errno: unix.EHOSTUNREACH}

	// ErrNetworkUnreachable is a soft NoRoute recorded from the network
	// layer.
	ErrNetworkUnreachable = &Error{msg: "network is unreachable", errno: unix.ENETUNREACH}

	// ErrHostUnreachable is Unreachable.
	ErrHostUnreachable = &Error{msg: "host is unreachable", errno: unix.EHOSTUNREACH}

	ErrTimeout              = &Error{msg: "operation timed out", errno: unix.ETIMEDOUT}
	ErrResourceExhausted    = &Error{msg: "no buffer space available", errno: unix.ENOBUFS}
	ErrProtocolViolation    = &Error{msg: "protocol error", errno: unix.EPROTO, ignoreStats: true}
	ErrConnectionRefused    = &Error{msg: "connection was refused", errno: unix.ECONNREFUSED}
	ErrConnectionReset      = &Error{msg: "connection reset by peer", errno: unix.ECONNRESET}
	ErrConnectionAborted    = &Error{msg: "connection aborted", errno: unix.ECONNABORTED}
	ErrInvalidEndpointState = &Error{msg: "endpoint is in invalid state", errno: unix.EINVAL}
	ErrAlreadyBound         = &Error{msg: "endpoint already bound", errno: unix.EINVAL, ignoreStats: true}
	ErrClosedForSend        = &Error{msg: "endpoint is closed for send", errno: unix.EPIPE}
	ErrWouldBlock           = &Error{msg: "operation would block", errno: unix.EWOULDBLOCK, ignoreStats: true}
	ErrInvalidOptionValue   = &Error{msg: "invalid option value specified", errno: unix.EINVAL}
	ErrBadLocalAddress      = &Error{msg: "bad local address", errno: unix.EADDRNOTAVAIL}
)

// ErrnoOf translates err into the errno of the first tcpip.Error it wraps.
// Errors from outside the netstack space translate to EIO.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.errno
	}
	return unix.EIO
}

// ControlError returns the error recorded on a connection when the network
// layer reports ct.
func ControlError(ct ControlType) *Error {
	switch ct {
	case ControlNoRoute:
		return ErrNoRoute
	case ControlNetworkUnreachable:
		return ErrNetworkUnreachable
	case ControlHostUnreachable:
		return ErrHostUnreachable
	case ControlPortUnreachable:
		return ErrConnectionRefused
	case ControlTimedOut:
		return ErrTimeout
	default:
		return ErrHostUnreachable
	}
}
