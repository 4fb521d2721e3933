package remote

import (
	"context"
	"net"
	"strconv"
	"time"
)

const DefaultProbeTimeout = 2 * time.Second

// Probe reports whether host accepts TCP connections on its SSH port. host may
// carry an explicit port ("10.0.0.5:2222"); otherwise 22 is used. It never
// fails: DNS errors, refusals and timeouts all yield false.
func Probe(ctx context.Context, host string) bool {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(22))
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
