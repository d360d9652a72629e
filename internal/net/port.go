// Package net has network helpers for tests and binaries that need a free local port.
package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort returns a loopback TCP port that was free a moment ago.
// Another process may grab it before the caller listens on it.
func GetEphemeralTCPPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
