// Package supervisor locates or creates a live control server instance for a
// target (address, port) and hands back an addressable handle to it.
//
// Multiple independent hosts may race to bring up the same target. The
// supervisor resolves the race without a cross-process lock: a spawn that
// loses the bind race fails with ErrPortInUse, which triggers a bounded
// number of re-probe cycles until the winner answers the health check.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/runbridge/runbridge/internal/netutil"
)

// State is the supervisor's view of the target instance.
type State int32

const (
	StateUnknown State = iota
	StateProbing
	StateSpawning
	StateStarting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateProbing:
		return "probing"
	case StateSpawning:
		return "spawning"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes the target instance and the literals used to recognize it.
type Config struct {
	// Address and Port identify the target. Port 0 requests an OS-assigned
	// port, which disables the reuse probe: there is nothing to probe until
	// a spawned instance reports where it bound.
	Address string
	Port    int

	// Command is the base argv of the control server binary.
	Command []string

	ExpectedStartupOutput    string
	ExpectedTestOutput       string
	ExpectedAddServiceOutput string
	TestEndpoint             string
	AddServiceEndpoint       string

	// StartupTimeout bounds the two-line stdout handshake.
	StartupTimeout time.Duration

	// ProbeRetries and ProbeBackoff bound the health check attempts of a
	// single probe step.
	ProbeRetries int
	ProbeBackoff time.Duration

	// ReprobeCycles bounds how many times a lost spawn race may fall back
	// to probing before giving up.
	ReprobeCycles int
}

// DefaultConfig returns a config targeting an ephemeral loopback port, with
// uuid-suffixed confirmation literals so a stale process started under a
// different configuration cannot pass the health check.
func DefaultConfig(command ...string) Config {
	return Config{
		Address:                  "127.0.0.1",
		Port:                     0,
		Command:                  command,
		ExpectedStartupOutput:    "control server started",
		ExpectedTestOutput:       fmt.Sprintf("control server running %s", uuid.NewString()),
		ExpectedAddServiceOutput: fmt.Sprintf("added endpoint %s", uuid.NewString()),
		TestEndpoint:             "/__test__",
		AddServiceEndpoint:       "/__add_service__",
		StartupTimeout:           10 * time.Second,
		ProbeRetries:             3,
		ProbeBackoff:             50 * time.Millisecond,
		ReprobeCycles:            3,
	}
}

// Instance is a live, addressable control server, whether spawned by this
// supervisor or reused.
type Instance struct {
	Address string
	Port    int

	// Proc is non-nil only if this supervisor spawned the process.
	Proc Proc
}

func (i *Instance) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Address, i.Port)
}

// Supervisor brings up and tracks one target instance.
type Supervisor struct {
	log        *zap.SugaredLogger
	cfg        Config
	launcher   Launcher
	httpClient *http.Client

	mu    sync.Mutex
	state State
	inst  *Instance
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithLauncher replaces the default direct-exec launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("config has no address")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("config has no command")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	s := &Supervisor{
		log:   logger.Named("supervisor").Sugar(),
		cfg:   cfg,
		state: StateUnknown,
	}
	for _, o := range opts {
		o(s)
	}
	if s.launcher == nil {
		s.launcher = &ExecLauncher{Log: s.log.Named("exec_launcher")}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.ProbeRetries
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return cfg.ProbeBackoff
	}
	retryClient.Logger = &logAdapter{SugaredLogger: s.log}
	retryClient.HTTPClient.Timeout = 5 * time.Second
	s.httpClient = retryClient.StandardClient()

	return s, nil
}

// Config returns a copy of the supervisor's configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// State returns the current lifecycle state of the target.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	if s.state != st {
		s.log.Debugw("state transition", "from", s.state.String(), "to", st.String())
		s.state = st
	}
}

// EnsureRunning returns a ready instance for the target, reusing one that
// already answers the health check, or spawning one otherwise. Calls within
// a process are serialized; across processes the probe/spawn/re-probe cycle
// provides best-effort mutual exclusion.
func (s *Supervisor) EnsureRunning(ctx context.Context) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil {
		return s.inst, nil
	}

	var lastErr error
	for cycle := 0; cycle <= s.cfg.ReprobeCycles; cycle++ {
		if s.cfg.Port != 0 {
			s.setState(StateProbing)
			if err := s.probe(ctx, s.cfg.Address, s.cfg.Port); err == nil {
				s.log.Infow("reusing running instance", "address", s.cfg.Address, "port", s.cfg.Port)
				s.setState(StateReady)
				s.inst = &Instance{Address: s.cfg.Address, Port: s.cfg.Port}
				return s.inst, nil
			} else {
				s.log.Debugf("probe failed: %s", err)
				lastErr = err
			}
		}

		inst, err := s.spawn(ctx)
		if err == nil {
			s.setState(StateReady)
			s.inst = inst
			return inst, nil
		}
		if errors.Is(err, ErrPortInUse) && s.cfg.Port != 0 {
			s.log.Debugw("spawn lost the bind race, re-probing", "port", s.cfg.Port)
			lastErr = err
			continue
		}
		s.setState(StateFailed)
		return nil, err
	}

	s.setState(StateFailed)
	return nil, fmt.Errorf("no instance became ready after %d probe/spawn cycles: %w", s.cfg.ReprobeCycles+1, lastErr)
}

// probe performs the health check against addr:port, succeeding only when
// the response is exactly the configured literal. Connection failures are
// retried by the underlying client per ProbeRetries/ProbeBackoff.
func (s *Supervisor) probe(ctx context.Context, addr string, port int) error {
	u := fmt.Sprintf("http://%s:%d%s", addr, port, s.cfg.TestEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %s: %w", u, err, ErrConnectionRefused)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d: %w", resp.StatusCode, ErrHealthCheckMismatch)
	}
	if string(body) != s.cfg.ExpectedTestOutput {
		return fmt.Errorf("probe returned %q: %w", string(body), ErrHealthCheckMismatch)
	}
	return nil
}

type serverDetails struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// spawn starts a new process and walks it through the startup handshake:
// the first stdout line must equal the startup literal, the second must be a
// JSON encoding of the actually bound address.
func (s *Supervisor) spawn(ctx context.Context) (*Instance, error) {
	s.setState(StateSpawning)

	spec := LaunchSpec{
		Command:                  s.cfg.Command,
		Address:                  s.cfg.Address,
		Port:                     s.cfg.Port,
		ExpectedStartupOutput:    s.cfg.ExpectedStartupOutput,
		TestEndpoint:             s.cfg.TestEndpoint,
		ExpectedTestOutput:       s.cfg.ExpectedTestOutput,
		AddServiceEndpoint:       s.cfg.AddServiceEndpoint,
		ExpectedAddServiceOutput: s.cfg.ExpectedAddServiceOutput,
	}

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		if netutil.IsAddrInUse(err) {
			return nil, fmt.Errorf("launching control server: %s: %w", err, ErrPortInUse)
		}
		return nil, fmt.Errorf("launching control server: %w", err)
	}

	s.setState(StateStarting)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(proc.Stdout())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	// Keep the stdout pipe drained on every exit path so the server never
	// blocks writing to it.
	defer func() {
		go func() {
			for range lines {
			}
		}()
	}()

	timeout := time.NewTimer(s.cfg.StartupTimeout)
	defer timeout.Stop()

	startupLine, err := s.readHandshakeLine(ctx, proc, lines, timeout.C)
	if err != nil {
		return nil, err
	}
	if startupLine != s.cfg.ExpectedStartupOutput {
		proc.Kill()
		return nil, &ProtocolViolationError{Output: startupLine}
	}

	detailsLine, err := s.readHandshakeLine(ctx, proc, lines, timeout.C)
	if err != nil {
		return nil, err
	}
	var details serverDetails
	if err := json.Unmarshal([]byte(detailsLine), &details); err != nil {
		proc.Kill()
		return nil, &ProtocolViolationError{Output: detailsLine}
	}
	if details.Port <= 0 {
		proc.Kill()
		return nil, &ProtocolViolationError{Output: detailsLine}
	}

	addr, port := proc.Endpoint(details.Address, details.Port)

	// Confirm the instance over the network before reporting it ready.
	if err := s.probe(ctx, addr, port); err != nil {
		proc.Kill()
		return nil, fmt.Errorf("verifying spawned instance at %s:%d: %w", addr, port, err)
	}

	s.log.Infow("spawned instance is ready", "address", addr, "port", port)
	return &Instance{Address: addr, Port: port, Proc: proc}, nil
}

// readHandshakeLine waits for the next stdout line, a process exit, or the
// handshake timeout, whichever comes first.
func (s *Supervisor) readHandshakeLine(ctx context.Context, proc Proc, lines <-chan string, timeout <-chan time.Time) (string, error) {
	select {
	case line, ok := <-lines:
		if !ok {
			return "", s.exitedOrViolated(proc)
		}
		return line, nil
	case <-proc.Done():
		// Drain any line the scanner already buffered before the exit won
		// the select.
		select {
		case line, ok := <-lines:
			if ok {
				return line, nil
			}
		case <-time.After(100 * time.Millisecond):
		}
		return "", s.exitError(proc)
	case <-timeout:
		// The process is left running: it may finish starting later and be
		// found by a subsequent probe.
		return "", ErrStartupTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exitedOrViolated classifies a stdout EOF: if the process is exiting this
// is a process death, otherwise the protocol was violated.
func (s *Supervisor) exitedOrViolated(proc Proc) error {
	select {
	case <-proc.Done():
		return s.exitError(proc)
	case <-time.After(1 * time.Second):
		proc.Kill()
		return &ProtocolViolationError{Output: ""}
	}
}

func (s *Supervisor) exitError(proc Proc) error {
	stderr := proc.StderrContents()
	if netutil.MentionsAddrInUse(stderr) {
		return fmt.Errorf("%s: %w", stderr, ErrPortInUse)
	}
	return &ProcessExitedError{ExitCode: proc.ExitCode(), Stderr: stderr}
}

// Stop kills the spawned process, if this supervisor spawned one. Reused
// instances are never touched.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inst == nil || s.inst.Proc == nil {
		return nil
	}
	err := s.inst.Proc.Kill()
	s.inst = nil
	s.setState(StateUnknown)
	return err
}
