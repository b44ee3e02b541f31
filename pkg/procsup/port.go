package procsup

import (
	"context"
	"net"
	"strconv"
	"time"
)

const probeDialTimeout = 500 * time.Millisecond

// AwaitPortReleased polls host:port until a connection attempt fails, which
// means the listener is gone. It returns false if the port is still
// connectable when timeout elapses or ctx is done.
func (s *Supervisor) AwaitPortReleased(ctx context.Context, host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	log := s.logger().With("addr", addr)

	for {
		if !portConnectable(ctx, addr) {
			log.Debug("port released")
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Warn("port still bound", "timeout", timeout)
			return false
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// portConnectable connects to addr and writes a single byte.
func portConnectable(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: probeDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(probeDialTimeout))
	if _, err := conn.Write([]byte{'\n'}); err != nil {
		return false
	}
	return true
}
