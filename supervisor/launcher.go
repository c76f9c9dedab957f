package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// LaunchSpec describes the control server a launcher must start.
// Command is the base argv of the server binary; the launcher appends the
// server's required arguments, adjusting address and port to whatever makes
// the instance reachable from this host.
type LaunchSpec struct {
	Command []string

	Address                  string
	Port                     int
	ExpectedStartupOutput    string
	TestEndpoint             string
	ExpectedTestOutput       string
	AddServiceEndpoint       string
	ExpectedAddServiceOutput string
}

// serverArgs renders the control server's required arguments for the given
// listen address.
func (s LaunchSpec) serverArgs(address string, port int) []string {
	return []string{
		"--address", address,
		"--port", strconv.Itoa(port),
		"--expected-startup-output", s.ExpectedStartupOutput,
		"--test-endpoint", s.TestEndpoint,
		"--expected-test-output", s.ExpectedTestOutput,
		"--add-service-endpoint", s.AddServiceEndpoint,
		"--expected-add-service-output", s.ExpectedAddServiceOutput,
	}
}

// Proc is a launched control server process, observed during the startup
// handshake.
type Proc interface {
	// Stdout streams the process's standard output, the handshake channel.
	Stdout() io.Reader

	// StderrContents returns the standard error captured so far.
	StderrContents() string

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// ExitCode is valid only after Done is closed.
	ExitCode() int

	// Endpoint maps the address the process reported in its handshake to
	// the address reachable from this host. For a directly spawned process
	// they are the same; for a containerized one they differ.
	Endpoint(reportedAddr string, reportedPort int) (string, int)

	// Kill terminates the process.
	Kill() error
}

// Launcher starts a control server process somewhere this host can reach it.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Proc, error)
}

// ExecLauncher starts the control server as a direct child process.
type ExecLauncher struct {
	Log *zap.SugaredLogger

	// Env is appended to the child's environment.
	Env []string
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("launch spec has no command")
	}

	args := append(append([]string{}, spec.Command[1:]...), spec.serverArgs(spec.Address, spec.Port)...)
	cmd := exec.Command(spec.Command[0], args...)
	if len(l.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.Env...)
	}

	// Stdout goes through an in-process pipe rather than StdoutPipe so that
	// Wait cannot close the pipe out from under a reader mid-handshake: Wait
	// returns only after the child's output has been fully copied across.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if l.Log != nil {
		l.Log.Debugw("starting control server process", "command", spec.Command[0], "args", args)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", spec.Command[0], err)
	}

	p := &execProc{
		cmd:    cmd,
		stdout: pr,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
		} else if err != nil {
			p.exitCode = -1
		}
		pw.Close()
		close(p.done)
	}()

	return p, nil
}

type execProc struct {
	cmd      *exec.Cmd
	stdout   io.Reader
	stderr   *lockedBuffer
	done     chan struct{}
	exitCode int
}

func (p *execProc) Stdout() io.Reader      { return p.stdout }
func (p *execProc) StderrContents() string { return p.stderr.String() }
func (p *execProc) Done() <-chan struct{}  { return p.done }
func (p *execProc) ExitCode() int          { return p.exitCode }

func (p *execProc) Endpoint(reportedAddr string, reportedPort int) (string, int) {
	return reportedAddr, reportedPort
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}

// lockedBuffer is a byte buffer safe for the concurrent writes exec.Cmd
// performs while the supervisor reads captured stderr. Capture is capped so
// a chatty long-lived server cannot grow it without bound; startup failures
// show up in the first bytes, which are the ones kept.
type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const maxCapturedStderr = 64 << 10

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := maxCapturedStderr - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
