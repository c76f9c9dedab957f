package handler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultExecTimeout = 30 * time.Second

// ExecLoader resolves a source reference as a path to an executable program
// file. The resulting handler runs the program once per request: query
// parameters are exported as QUERY_<key> environment variables, the request
// body is piped to stdin, and stdout becomes the response text. A nonzero
// exit is reported as a handler failure carrying the program's stderr.
type ExecLoader struct {
	Log *zap.SugaredLogger

	// Timeout bounds a single program run. Zero means a 30s default.
	Timeout time.Duration
}

func (l *ExecLoader) Resolve(sourceRef string) (Handler, error) {
	info, err := os.Stat(sourceRef)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("resolving %q: %w", sourceRef, ErrNotFound)
		}
		return nil, fmt.Errorf("resolving %q: %w", sourceRef, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("resolving %q: is a directory: %w", sourceRef, ErrNotFound)
	}

	log := l.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := l.Timeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}

	return &execHandler{path: sourceRef, timeout: timeout, log: log}, nil
}

type execHandler struct {
	path    string
	timeout time.Duration
	log     *zap.SugaredLogger
}

func (h *execHandler) Process(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.path)
	cmd.Env = append(os.Environ(), queryEnv(req.Query)...)
	if len(req.Body) > 0 {
		cmd.Stdin = bytes.NewReader(req.Body)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	h.log.Debugw("running handler program", "path", h.path, "query", req.Query)

	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("handler %q exited with code %d: %s", h.path, exitErr.ExitCode(), stderr.String())
		}
		return nil, fmt.Errorf("running handler %q: %w", h.path, err)
	}

	return &Response{Status: 200, Text: stdout.String()}, nil
}

// queryEnv encodes query parameters as QUERY_<key> environment variables.
// Key characters outside [A-Za-z0-9_] are mapped to underscores.
func queryEnv(query map[string]string) []string {
	var env []string
	for k, v := range query {
		env = append(env, fmt.Sprintf("QUERY_%s=%s", envKey(k), v))
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, k)
}
