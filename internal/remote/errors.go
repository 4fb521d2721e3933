package remote

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
	ErrExecFailed       = errors.New("exec request failed")
	ErrTransmission     = errors.New("transmission error")
)

// ConnectReason classifies why Connect failed.
type ConnectReason int

const (
	Unreachable ConnectReason = iota + 1
	AuthRejected
	ProtocolError
)

func (r ConnectReason) String() string {
	switch r {
	case Unreachable:
		return "unreachable"
	case AuthRejected:
		return "auth rejected"
	case ProtocolError:
		return "protocol error"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Session.Connect.
type ConnectError struct {
	Reason ConnectReason
	Addr   string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// classifyDialErr maps a dial/handshake error onto a ConnectReason. TCP dial
// failures surface as net errors; authentication failures only as message text.
func classifyDialErr(err error) ConnectReason {
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		return AuthRejected
	case errors.As(err, &dnsErr):
		return Unreachable
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return Unreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return Unreachable
	default:
		return ProtocolError
	}
}
