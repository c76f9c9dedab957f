package supervisor

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/runbridge/runbridge/internal/netutil"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// DockerLauncher runs the control server in a Docker container, with the
// server binary bind-mounted in and the container port published on
// 127.0.0.1. The underlying host must have a Docker daemon running; standard
// environment variables (DOCKER_HOST etc.) configure the client.
type DockerLauncher struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client

	// ServerBin is the host path of the control server binary; it is
	// bind-mounted into the container.
	ServerBin string

	// BaseImage is the image to run. It only needs a dynamic loader
	// compatible with ServerBin.
	BaseImage string

	// ContainerPort is the port the server binds inside the container.
	// Defaults to 9700.
	ContainerPort int

	ContainerPrefix string

	mu          sync.Mutex
	imagePulled bool
}

// NewDockerLauncher builds a launcher using the Docker daemon from the
// environment.
func NewDockerLauncher(serverBin string) (*DockerLauncher, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &DockerLauncher{
		Log:             log.Named("docker_launcher").Sugar(),
		DockerClient:    dockerClient,
		ServerBin:       serverBin,
		BaseImage:       "debian:stable-slim",
		ContainerPort:   9700,
		ContainerPrefix: randString(6),
	}, nil
}

func (l *DockerLauncher) ensureImagePulled(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.imagePulled {
		return nil
	}
	out, err := l.DockerClient.ImagePull(ctx, l.BaseImage, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	l.imagePulled = true
	return nil
}

func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	if err := l.ensureImagePulled(ctx); err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	containerPort := l.ContainerPort
	if containerPort == 0 {
		containerPort = 9700
	}
	hostPort, err := netutil.GetEphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("acquiring ephemeral port: %w", err)
	}

	// The container must bind a fixed, published port; the handshake's
	// reported address is rewritten to the host-side mapping by Endpoint.
	entrypoint := append([]string{"/controld"}, spec.serverArgs("0.0.0.0", containerPort)...)

	exposed := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	containerName := fmt.Sprintf("runbridge-%s-%s", l.ContainerPrefix, randString(6))

	createResp, err := l.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        l.BaseImage,
			Entrypoint:   entrypoint,
			ExposedPorts: nat.PortSet{exposed: struct{}{}},
		},
		&container.HostConfig{
			Binds:        []string{fmt.Sprintf("%s:/controld", l.ServerBin)},
			PortBindings: nat.PortMap{exposed: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
		},
		nil,
		nil,
		containerName,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	if err := l.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	logs, err := l.DockerClient.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching container logs: %w", err)
	}

	stderr := &lockedBuffer{}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, logs)
		pw.CloseWithError(err)
	}()

	p := &dockerProc{
		dockerClient: l.DockerClient,
		containerID:  containerID,
		hostPort:     hostPort,
		stdout:       pr,
		stderr:       stderr,
		done:         make(chan struct{}),
	}

	waitCh, errCh := l.DockerClient.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
	go func() {
		select {
		case body := <-waitCh:
			p.exitCode = int(body.StatusCode)
		case err := <-errCh:
			l.Log.Debugf("waiting on container %s: %s", containerID, err)
			p.exitCode = -1
		}
		close(p.done)
	}()

	l.Log.Debugw("started container", "name", containerName, "id", containerID, "host_port", hostPort)

	return p, nil
}

type dockerProc struct {
	dockerClient *client.Client
	containerID  string
	hostPort     int
	stdout       io.Reader
	stderr       *lockedBuffer
	done         chan struct{}
	exitCode     int
}

func (p *dockerProc) Stdout() io.Reader      { return p.stdout }
func (p *dockerProc) StderrContents() string { return p.stderr.String() }
func (p *dockerProc) Done() <-chan struct{}  { return p.done }
func (p *dockerProc) ExitCode() int          { return p.exitCode }

// Endpoint discards the container-internal address in favor of the published
// host port binding.
func (p *dockerProc) Endpoint(reportedAddr string, reportedPort int) (string, int) {
	return "127.0.0.1", p.hostPort
}

func (p *dockerProc) Kill() error {
	return p.dockerClient.ContainerRemove(context.Background(), p.containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
}
