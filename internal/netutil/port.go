// Package netutil picks listen addresses for the control API.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Listen binds preferred, or with autoFallback the first free candidate.
// The listener is returned still open so the address cannot be taken between
// selection and serving.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	tried := make(map[string]bool)
	if preferred != "" {
		tried[preferred] = true
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s: %w", preferred, err)
		}
		slog.Warn("preferred bind address unavailable, trying candidates", "addr", preferred, "error", err)
	}

	for _, addr := range candidates {
		if addr == "" || tried[addr] {
			continue
		}
		tried[addr] = true
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		slog.Debug("bind candidate unavailable", "addr", addr, "error", err)
	}

	return nil, errors.New("no available netreplay bind addresses")
}

// Reachable reports whether something accepts TCP connections on addr.
func Reachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
