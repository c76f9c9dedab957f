package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout means the spawned process did not complete the
	// startup handshake in time. The process is left running: it may still
	// become ready later and be found by a subsequent probe.
	ErrStartupTimeout = errors.New("timed out waiting for startup handshake")

	// ErrPortInUse means the spawn lost the bind race for the target port.
	// Callers should re-probe: the winner is likely starting or ready.
	ErrPortInUse = errors.New("port is already bound by another process")

	// ErrConnectionRefused means the instance stayed unreachable after the
	// bounded probe retries.
	ErrConnectionRefused = errors.New("instance unreachable")

	// ErrHealthCheckMismatch means something answered the health check but
	// not with the configured literal, so it cannot be trusted to be a
	// compatible instance.
	ErrHealthCheckMismatch = errors.New("unexpected health check output")
)

// ProtocolViolationError reports a spawned process whose standard output did
// not follow the two-line startup protocol.
type ProtocolViolationError struct {
	Output string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("startup protocol violation, got output %q", e.Output)
}

// ProcessExitedError reports a spawned process that exited before completing
// the startup handshake.
type ProcessExitedError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("process exited with code %d before startup completed: %s", e.ExitCode, e.Stderr)
}
