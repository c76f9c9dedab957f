package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbridge/runbridge/handler"
	"github.com/runbridge/runbridge/internal/netutil"
	"github.com/runbridge/runbridge/server"
)

func testConfig(command ...string) Config {
	cfg := DefaultConfig(command...)
	cfg.StartupTimeout = 5 * time.Second
	cfg.ProbeRetries = 5
	cfg.ProbeBackoff = 20 * time.Millisecond
	return cfg
}

// startInstance runs an in-process control server carrying cfg's literals,
// standing in for an instance some other host already brought up.
func startInstance(t *testing.T, cfg Config) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		Address:                  "127.0.0.1",
		Port:                     0,
		ExpectedStartupOutput:    cfg.ExpectedStartupOutput,
		TestEndpoint:             cfg.TestEndpoint,
		ExpectedTestOutput:       cfg.ExpectedTestOutput,
		AddServiceEndpoint:       cfg.AddServiceEndpoint,
		ExpectedAddServiceOutput: cfg.ExpectedAddServiceOutput,
	},
		server.WithStartupWriter(io.Discard),
		server.WithLoader(handler.NewStaticLoader()),
	)
	require.NoError(t, err)
	go srv.Run()
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestEnsureRunningReusesExistingInstance(t *testing.T) {
	cfg := testConfig("/nonexistent-binary")
	srv := startInstance(t, cfg)
	cfg.Port = srv.Addr().Port

	sup, err := New(cfg)
	require.NoError(t, err)

	inst, err := sup.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Port, inst.Port)
	assert.Nil(t, inst.Proc, "a reused instance has no process handle")
	assert.Equal(t, StateReady, sup.State())

	// The handle is memoized.
	inst2, err := sup.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Same(t, inst, inst2)
}

func TestSpawnHandshake(t *testing.T) {
	cfg := testConfig()
	srv := startInstance(t, cfg)

	// The stand-in process speaks the two-line protocol and points at the
	// already-listening instance, then stays alive.
	details := fmt.Sprintf(`{"address":"127.0.0.1","port":%d}`, srv.Addr().Port)
	script := fmt.Sprintf("echo %q; echo %q; sleep 60", cfg.ExpectedStartupOutput, details)
	cfg.Command = []string{"sh", "-c", script}

	sup, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Stop() })

	inst, err := sup.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", inst.Address)
	assert.Equal(t, srv.Addr().Port, inst.Port)
	assert.NotNil(t, inst.Proc, "a spawned instance keeps its process handle")
	assert.Equal(t, StateReady, sup.State())
}

func TestSpawnWrongStartupLine(t *testing.T) {
	cfg := testConfig("sh", "-c", "echo unexpected greeting; sleep 60")

	sup, err := New(cfg)
	require.NoError(t, err)

	_, err = sup.EnsureRunning(context.Background())
	require.Error(t, err)

	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "unexpected greeting", violation.Output)
	assert.Equal(t, StateFailed, sup.State())
}

func TestSpawnMalformedDetailsLine(t *testing.T) {
	cfg := testConfig()
	script := fmt.Sprintf("echo %q; echo not json at all; sleep 60", cfg.ExpectedStartupOutput)
	cfg.Command = []string{"sh", "-c", script}

	sup, err := New(cfg)
	require.NoError(t, err)

	_, err = sup.EnsureRunning(context.Background())
	require.Error(t, err)

	var violation *ProtocolViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "not json at all", violation.Output)
}

func TestSpawnProcessExits(t *testing.T) {
	cfg := testConfig("sh", "-c", "echo cannot load runtime 1>&2; exit 3")

	sup, err := New(cfg)
	require.NoError(t, err)

	_, err = sup.EnsureRunning(context.Background())
	require.Error(t, err)

	var exited *ProcessExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, 3, exited.ExitCode)
	assert.Contains(t, exited.Stderr, "cannot load runtime")
}

// exitedProc simulates a spawn that lost the bind race.
type exitedProc struct {
	stderr string
	done   chan struct{}
}

func newExitedProc(stderr string) *exitedProc {
	done := make(chan struct{})
	close(done)
	return &exitedProc{stderr: stderr, done: done}
}

func (p *exitedProc) Stdout() io.Reader      { return strings.NewReader("") }
func (p *exitedProc) StderrContents() string { return p.stderr }
func (p *exitedProc) Done() <-chan struct{}  { return p.done }
func (p *exitedProc) ExitCode() int          { return 1 }
func (p *exitedProc) Kill() error            { return nil }

func (p *exitedProc) Endpoint(reportedAddr string, reportedPort int) (string, int) {
	return reportedAddr, reportedPort
}

// raceLosingLauncher brings the "winner" up out of band on the target port
// and hands back a process that lost the bind race.
type raceLosingLauncher struct {
	startWinner func()
	launches    int
}

func (l *raceLosingLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	l.launches++
	l.startWinner()
	return newExitedProc("listen tcp 127.0.0.1:0: bind: address already in use"), nil
}

func TestPortInUseTriggersReprobe(t *testing.T) {
	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	cfg := testConfig("/nonexistent-binary")
	cfg.Port = port

	var winner *server.Server
	launcher := &raceLosingLauncher{
		startWinner: func() {
			srv, err := server.New(server.Config{
				Address:                  "127.0.0.1",
				Port:                     port,
				ExpectedStartupOutput:    cfg.ExpectedStartupOutput,
				TestEndpoint:             cfg.TestEndpoint,
				ExpectedTestOutput:       cfg.ExpectedTestOutput,
				AddServiceEndpoint:       cfg.AddServiceEndpoint,
				ExpectedAddServiceOutput: cfg.ExpectedAddServiceOutput,
			},
				server.WithStartupWriter(io.Discard),
				server.WithLoader(handler.NewStaticLoader()),
			)
			require.NoError(t, err)
			go srv.Run()
			winner = srv
		},
	}
	t.Cleanup(func() {
		if winner != nil {
			winner.Stop()
		}
	})

	sup, err := New(cfg, WithLauncher(launcher))
	require.NoError(t, err)

	inst, err := sup.EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, inst.Port)
	assert.Nil(t, inst.Proc, "re-probe after a lost race reuses the winner")
	assert.Equal(t, 1, launcher.launches)
}

// alwaysLosingLauncher loses the bind race with no winner ever showing up.
type alwaysLosingLauncher struct{}

func (l *alwaysLosingLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	return newExitedProc("EADDRINUSE"), nil
}

func TestPortInUseExhaustsReprobeCycles(t *testing.T) {
	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	cfg := testConfig("/nonexistent-binary")
	cfg.Port = port
	cfg.ProbeRetries = 0
	cfg.ProbeBackoff = time.Millisecond
	cfg.ReprobeCycles = 1

	sup, err := New(cfg, WithLauncher(&alwaysLosingLauncher{}))
	require.NoError(t, err)

	_, err = sup.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortInUse)
	assert.Equal(t, StateFailed, sup.State())
}

// recordingLauncher keeps handles to everything it launched so tests can
// clean up processes the supervisor deliberately leaves running.
type recordingLauncher struct {
	inner Launcher
	procs []Proc
}

func (l *recordingLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	p, err := l.inner.Launch(ctx, spec)
	if p != nil {
		l.procs = append(l.procs, p)
	}
	return p, err
}

func TestStartupTimeoutLeavesProcessRunning(t *testing.T) {
	cfg := testConfig("sh", "-c", "sleep 60")
	cfg.StartupTimeout = 200 * time.Millisecond

	launcher := &recordingLauncher{inner: &ExecLauncher{}}
	t.Cleanup(func() {
		for _, p := range launcher.procs {
			p.Kill()
		}
	})

	sup, err := New(cfg, WithLauncher(launcher))
	require.NoError(t, err)

	_, err = sup.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartupTimeout)

	// Documented risk: the slow process is not killed on timeout.
	require.Len(t, launcher.procs, 1)
	select {
	case <-launcher.procs[0].Done():
		t.Fatal("process should still be running after a handshake timeout")
	default:
	}
}

func TestProbeRejectsForeignListener(t *testing.T) {
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello from something else")
	}))
	t.Cleanup(foreign.Close)

	u, err := url.Parse(foreign.URL)
	require.NoError(t, err)

	cfg := testConfig("/nonexistent-binary")
	cfg.ProbeRetries = 0

	sup, err := New(cfg)
	require.NoError(t, err)

	err = sup.probe(context.Background(), u.Hostname(), mustPort(t, u))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthCheckMismatch)
}

func TestProbeConnectionRefused(t *testing.T) {
	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	cfg := testConfig("/nonexistent-binary")
	cfg.ProbeRetries = 1
	cfg.ProbeBackoff = time.Millisecond

	sup, err := New(cfg)
	require.NoError(t, err)

	err = sup.probe(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestDefaultConfigLiteralsAreUnique(t *testing.T) {
	a := DefaultConfig("controld")
	b := DefaultConfig("controld")
	assert.NotEqual(t, a.ExpectedTestOutput, b.ExpectedTestOutput)
	assert.NotEqual(t, a.ExpectedAddServiceOutput, b.ExpectedAddServiceOutput)
}

func mustPort(t *testing.T, u *url.URL) int {
	t.Helper()
	var port int
	_, err := fmt.Sscanf(u.Port(), "%d", &port)
	require.NoError(t, err)
	return port
}
