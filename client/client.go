// Package client is the host-side entry point for calling services hosted on
// a control server: it ensures an instance is running, registers endpoints,
// and issues application calls.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/runbridge/runbridge/supervisor"
)

// RegistrationFailedError reports a failed service registration with its
// underlying cause.
type RegistrationFailedError struct {
	Endpoint string
	Cause    error
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registering %q: %s", e.Endpoint, e.Cause)
}

func (e *RegistrationFailedError) Unwrap() error { return e.Cause }

// HandlerError reports a non-2xx response from a registered handler.
type HandlerError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("endpoint %q returned status %d: %s", e.Endpoint, e.Status, e.Message)
}

// ConnectionError reports a network failure while talking to an instance
// that was expected to be live.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Client calls services on the instance managed by its supervisor.
type Client struct {
	log        *zap.SugaredLogger
	sup        *supervisor.Supervisor
	httpClient *http.Client
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("service_client").Sugar()
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(sup *supervisor.Supervisor, opts ...Option) (*Client, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	c := &Client{
		log: logger.Named("service_client").Sugar(),
		sup: sup,
	}
	for _, o := range opts {
		o(c)
	}

	if c.httpClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 2
		retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
			return 10 * time.Millisecond
		}
		retryClient.Logger = &logAdapter{SugaredLogger: c.log}
		c.httpClient = retryClient.StandardClient()
	}

	return c, nil
}

// Register ensures an instance is running and binds sourceRef to endpoint on
// it. An endpoint that is already registered is treated as an idempotent
// success; every other failure is reported as a RegistrationFailedError.
func (c *Client) Register(ctx context.Context, endpoint, sourceRef string) error {
	inst, err := c.sup.EnsureRunning(ctx)
	if err != nil {
		return &RegistrationFailedError{Endpoint: endpoint, Cause: err}
	}

	cfg := c.sup.Config()
	u := inst.URL() + cfg.AddServiceEndpoint

	c.log.Debugw("adding service", "endpoint", endpoint, "path_to_source", sourceRef)

	form := url.Values{}
	form.Set("endpoint", endpoint)
	form.Set("path_to_source", sourceRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return &RegistrationFailedError{Endpoint: endpoint, Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RegistrationFailedError{Endpoint: endpoint, Cause: &ConnectionError{URL: u, Err: err}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RegistrationFailedError{Endpoint: endpoint, Cause: err}
	}

	if resp.StatusCode == http.StatusConflict {
		// A prior registration, possibly by another host sharing the
		// instance, already bound this endpoint. It exists and is usable.
		c.log.Debugw("endpoint already registered", "endpoint", endpoint)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return &RegistrationFailedError{
			Endpoint: endpoint,
			Cause:    fmt.Errorf("status %d: %s", resp.StatusCode, cleanErrorMessage(string(body))),
		}
	}
	if string(body) != cfg.ExpectedAddServiceOutput {
		return &RegistrationFailedError{
			Endpoint: endpoint,
			Cause:    fmt.Errorf("unexpected registration output %q", cleanErrorMessage(string(body))),
		}
	}
	return nil
}

// Response is the outcome of an application call.
type Response struct {
	Status int
	Text   string
	Header http.Header
}

// Send issues an application call against endpoint with params encoded as
// query parameters.
func (c *Client) Send(ctx context.Context, endpoint string, params map[string]string) (*Response, error) {
	inst, err := c.sup.EnsureRunning(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	u := inst.URL() + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	c.log.Debugw("sending request", "url", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HandlerError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  cleanErrorMessage(string(body)),
		}
	}

	return &Response{Status: resp.StatusCode, Text: string(body), Header: resp.Header}, nil
}

// ServiceFunc is a call function bound to one endpoint.
type ServiceFunc func(ctx context.Context, params map[string]string) (*Response, error)

// Service returns a call function bound to endpoint.
func (c *Client) Service(endpoint string) ServiceFunc {
	return func(ctx context.Context, params map[string]string) (*Response, error) {
		return c.Send(ctx, endpoint, params)
	}
}

// cleanErrorMessage converts an HTML error body to readable plain text.
func cleanErrorMessage(html string) string {
	r := strings.NewReplacer("<br>", "\n", "&nbsp;", " ", "&quot;", `"`)
	return strings.Join(strings.Fields(r.Replace(html)), " ")
}
