package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// HTTPClient implements Client over a small REST-ish contract: POST
// /sandboxes to create, POST /sandboxes/{id}/run to execute a command,
// POST /sandboxes/{id}/kill to tear down, GET /sandboxes to list. Retry is
// deliberately absent here: Temporal's activity RetryPolicy is the retry
// layer for every call this client makes.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	headers  http.Header
	reqID    uint64
}

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *HTTPClient) { cl.http = c }
}

// WithHeader adds a static header to every outgoing request, e.g. an API key.
func WithHeader(name, value string) Option {
	return func(cl *HTTPClient) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// NewHTTPClient builds an HTTPClient against endpoint, the provider's base
// URL (for example "https://sandboxes.example.com/api").
func NewHTTPClient(endpoint string, opts ...Option) *HTTPClient {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:9000"
	}
	cl := &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 60 * time.Second},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	return cl
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) nextID() uint64 { return atomic.AddUint64(&c.reqID, 1) }

type createRequest struct {
	TemplateID string            `json:"template_id"`
	TimeoutSec int               `json:"timeout_seconds,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Envs       map[string]string `json:"envs,omitempty"`
}

type sandboxResponse struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Running   bool              `json:"running"`
	Error     string            `json:"error,omitempty"`
}

func (c *HTTPClient) Create(ctx context.Context, params CreateParams) (Sandbox, error) {
	body, err := json.Marshal(createRequest{
		TemplateID: params.TemplateID,
		TimeoutSec: params.TimeoutSec,
		Metadata:   params.Metadata,
		Envs:       params.Envs,
	})
	if err != nil {
		return Sandbox{}, err
	}
	var out sandboxResponse
	if err := c.do(ctx, http.MethodPost, "/sandboxes", body, &out); err != nil {
		return Sandbox{}, err
	}
	return Sandbox{ID: out.ID, Hostname: out.Hostname, StartedAt: out.StartedAt, Metadata: out.Metadata}, nil
}

func (c *HTTPClient) Connect(ctx context.Context, sandboxID string) (Sandbox, error) {
	var out sandboxResponse
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID, nil, &out); err != nil {
		return Sandbox{}, err
	}
	return Sandbox{ID: out.ID, Hostname: out.Hostname, StartedAt: out.StartedAt, Metadata: out.Metadata}, nil
}

type runRequest struct {
	Command    string            `json:"command"`
	Cwd        string            `json:"cwd,omitempty"`
	Envs       map[string]string `json:"envs,omitempty"`
	TimeoutSec int               `json:"timeout_seconds,omitempty"`
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (c *HTTPClient) Run(ctx context.Context, sandboxID string, params RunParams) (RunResult, error) {
	body, err := json.Marshal(runRequest{
		Command:    params.Command,
		Cwd:        params.Cwd,
		Envs:       params.Envs,
		TimeoutSec: int(params.Timeout.Seconds()),
	})
	if err != nil {
		return RunResult{}, err
	}
	var out runResponse
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/run", body, &out); err != nil {
		return RunResult{}, err
	}
	return RunResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

func (c *HTTPClient) Kill(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/kill", nil, nil)
}

func (c *HTTPClient) List(ctx context.Context) ([]Sandbox, error) {
	var out []sandboxResponse
	if err := c.do(ctx, http.MethodGet, "/sandboxes", nil, &out); err != nil {
		return nil, err
	}
	sandboxes := make([]Sandbox, len(out))
	for i, s := range out {
		sandboxes[i] = Sandbox{ID: s.ID, Hostname: s.Hostname, StartedAt: s.StartedAt, Metadata: s.Metadata}
	}
	return sandboxes, nil
}

func (c *HTTPClient) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	var out sandboxResponse
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID, nil, &out); err != nil {
		return false, err
	}
	return out.Running, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", fmt.Sprintf("%d", c.nextID()))
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var errBody sandboxResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("sandbox provider error: %s", errBody.Error)
		}
		return fmt.Errorf("sandbox provider http status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
