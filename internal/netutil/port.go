package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// GetEphemeralTCPPort asks the OS for a currently free TCP port.
// The port is released before returning, so there is a window in which
// another process can grab it; callers must tolerate a later bind failure.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// IsAddrInUse reports whether err is a bind failure caused by the address
// already being bound.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// MentionsAddrInUse reports whether captured process output describes an
// address-in-use bind failure. Matches both the Go net package's error text
// and the libuv/node error code, since the spawned server binary is not
// necessarily this one.
func MentionsAddrInUse(output string) bool {
	return strings.Contains(output, "address already in use") ||
		strings.Contains(output, "EADDRINUSE")
}
