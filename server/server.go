// Package server implements the control server: a long-lived HTTP process
// exposing a fixed control surface (endpoint listing, health check, service
// registration) plus every dynamically registered endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/runbridge/runbridge/handler"
	"github.com/runbridge/runbridge/registry"
)

// Config carries the startup arguments of a control server.
// Every field is required; the expected-output literals are what the server
// echoes so a supervising process can tell it apart from an unrelated
// listener on the same address.
type Config struct {
	Address                  string
	Port                     int
	ExpectedStartupOutput    string
	TestEndpoint             string
	ExpectedTestOutput       string
	AddServiceEndpoint       string
	ExpectedAddServiceOutput string
}

// Validate checks that every required argument is present, naming the
// missing argument and an example value in the error.
func (c *Config) Validate() error {
	required := []struct {
		name, value, example string
	}{
		{"address", c.Address, "127.0.0.1"},
		{"expected-startup-output", c.ExpectedStartupOutput, "server has started"},
		{"test-endpoint", c.TestEndpoint, "/__test__"},
		{"expected-test-output", c.ExpectedTestOutput, "ok"},
		{"add-service-endpoint", c.AddServiceEndpoint, "/__add_service__"},
		{"expected-add-service-output", c.ExpectedAddServiceOutput, "added endpoint"},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required argument %q (example: %q)", r.name, r.example)
		}
	}
	if c.Port < 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	for _, ep := range []struct{ name, value string }{
		{"test-endpoint", c.TestEndpoint},
		{"add-service-endpoint", c.AddServiceEndpoint},
	} {
		if ep.value[0] != '/' {
			return fmt.Errorf("argument %q must start with / (example: %q)", ep.name, "/__test__")
		}
		if ep.value == "/" {
			return fmt.Errorf("argument %q conflicts with the root listing endpoint", ep.name)
		}
	}
	if c.TestEndpoint == c.AddServiceEndpoint {
		return fmt.Errorf("test-endpoint and add-service-endpoint must differ, both are %q", c.TestEndpoint)
	}
	return nil
}

// Server hosts the control protocol and dispatches to registered handlers.
type Server struct {
	log        *zap.SugaredLogger
	cfg        Config
	loader     handler.Loader
	registry   *registry.Registry
	startupOut io.Writer

	listener   net.Listener
	boundAddr  *net.TCPAddr
	httpServer *http.Server

	mu sync.Mutex
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("control_server").Sugar()
	}
}

// WithLoader sets the loader used to resolve source references during
// service registration. The default loads executable handler programs from
// disk.
func WithLoader(l handler.Loader) Option {
	return func(s *Server) {
		s.loader = l
	}
}

// WithStartupWriter redirects the two-line startup handshake, which goes to
// stdout by default.
func WithStartupWriter(w io.Writer) Option {
	return func(s *Server) {
		s.startupOut = w
	}
}

// New validates cfg and binds the listening socket. A port of 0 requests an
// OS-assigned port; the actual bound address is available via Addr once New
// returns. The startup handshake is not written until Run.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	s := &Server{
		log:        logger.Named("control_server").Sugar(),
		cfg:        cfg,
		startupOut: os.Stdout,
		registry:   registry.New("/", cfg.TestEndpoint, cfg.AddServiceEndpoint),
	}
	for _, o := range opts {
		o(s)
	}
	if s.loader == nil {
		s.loader = &handler.ExecLoader{Log: s.log.Named("exec_loader")}
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("binding %s:%d: %w", cfg.Address, cfg.Port, err)
	}
	s.listener = listener
	s.boundAddr = listener.Addr().(*net.TCPAddr)

	return s, nil
}

// Addr returns the actually bound address, which differs from the configured
// one when an ephemeral port was requested.
func (s *Server) Addr() *net.TCPAddr {
	return s.boundAddr
}

// Run writes the startup handshake and serves until Stop is called.
func (s *Server) Run() error {
	if err := s.writeStartupHandshake(); err != nil {
		return err
	}

	router := httprouter.New()
	router.GET("/", s.listEndpoints)
	router.GET(s.cfg.TestEndpoint, s.test)
	router.POST(s.cfg.AddServiceEndpoint, s.addService)
	router.NotFound = http.HandlerFunc(s.dispatch)

	server := &http.Server{Handler: router}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	s.log.Infow("serving", "address", s.boundAddr.String())
	err := server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// writeStartupHandshake emits the expected startup literal followed by a
// JSON encoding of the bound address, the protocol a supervising process
// reads to confirm the server came up.
func (s *Server) writeStartupHandshake() error {
	if _, err := fmt.Fprintln(s.startupOut, s.cfg.ExpectedStartupOutput); err != nil {
		return fmt.Errorf("writing startup output: %w", err)
	}
	details := struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	}{
		Address: s.cfg.Address,
		Port:    s.boundAddr.Port,
	}
	b, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshaling server details: %w", err)
	}
	if _, err := fmt.Fprintln(s.startupOut, string(b)); err != nil {
		return fmt.Errorf("writing server details: %w", err)
	}
	return nil
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Endpoints</h1><ul>")
	for _, p := range []string{"/", s.cfg.TestEndpoint, s.cfg.AddServiceEndpoint} {
		fmt.Fprintf(w, "<li>%s</li>", html.EscapeString(p))
	}
	for _, p := range s.registry.List() {
		fmt.Fprintf(w, "<li>%s</li>", html.EscapeString(p))
	}
	fmt.Fprint(w, "</ul></body></html>")
}

func (s *Server) test(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	fmt.Fprint(w, s.cfg.ExpectedTestOutput)
}

// addService registers a new endpoint. Validation failures map to distinct
// status codes so callers can tell the kinds apart: 400 missing/malformed,
// 403 reserved, 409 duplicate, 404 unresolvable source reference.
func (s *Server) addService(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("parsing form: %s", err), http.StatusBadRequest)
		return
	}
	endpoint := r.PostFormValue("endpoint")
	pathToSource := r.PostFormValue("path_to_source")

	s.log.Debugw("add service", "endpoint", endpoint, "path_to_source", pathToSource)

	if err := s.registry.Validate(endpoint); err != nil {
		s.writeRegistrationError(w, endpoint, err)
		return
	}

	h, err := s.loader.Resolve(pathToSource)
	if err != nil {
		if errors.Is(err, handler.ErrNotFound) {
			http.Error(w, fmt.Sprintf("no handler found for %q", pathToSource), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("loading handler %q: %s", pathToSource, err), http.StatusInternalServerError)
		return
	}

	// Re-validates under the registry lock, so a concurrent registration of
	// the same path loses with a duplicate error instead of clobbering.
	if err := s.registry.Add(endpoint, h); err != nil {
		s.writeRegistrationError(w, endpoint, err)
		return
	}

	s.log.Infow("registered endpoint", "endpoint", endpoint, "path_to_source", pathToSource)
	fmt.Fprint(w, s.cfg.ExpectedAddServiceOutput)
}

func (s *Server) writeRegistrationError(w http.ResponseWriter, endpoint string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, registry.ErrReservedEndpoint):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrDuplicateEndpoint):
		status = http.StatusConflict
	}
	http.Error(w, fmt.Sprintf("endpoint %q: %s", endpoint, err), status)
}

// dispatch routes requests for paths outside the fixed control surface to
// the dynamically registered handler, if any. A handler failure becomes a
// 500 for that one request.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	h, ok := s.registry.Lookup(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading request body: %s", err), http.StatusBadRequest)
		return
	}

	resp, err := h.Process(r.Context(), &handler.Request{Query: query, Body: body})
	if err != nil {
		s.log.Errorw("handler failed", "endpoint", r.URL.Path, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	fmt.Fprint(w, resp.Text)
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.httpServer
	s.mu.Unlock()
	if server == nil {
		return s.listener.Close()
	}
	return server.Close()
}
