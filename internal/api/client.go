// Package api is the HTTP side of the backend protocol: assigning actions,
// task snapshots and controls, state fetches and file retrieval.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/devsync/internal/otel"
	"github.com/basket/devsync/internal/store"
)

const (
	// HeaderInstanceID attributes an assignment to a client instance.
	HeaderInstanceID = "X-Instance-Id"
	// HeaderReference carries the client's sync-key reference.
	HeaderReference = "X-Reference"

	maxBodyBytes     = 8 << 20
	maxFileBytes     = 64 << 20
	maxErrorBodySize = 4 << 10
)

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Options configures a Client. BaseURL is required.
type Options struct {
	BaseURL    string
	InstanceID string
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Timeout    time.Duration
	Tracer     trace.Tracer
	Metrics    *otelPkg.Metrics
	Logger     *slog.Logger
}

// Client talks to the backend's HTTP surface.
type Client struct {
	base       *url.URL
	instanceID string
	http       *http.Client
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics
	logger     *slog.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported scheme %q", base.Scheme)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(otelPkg.TracerName)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:       base,
		instanceID: opts.InstanceID,
		http:       hc,
		tracer:     tracer,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "api"),
	}, nil
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.base.String() }

// AssignRequest asks the backend to start an action.
type AssignRequest struct {
	Action string
	// Args is the validated argument object, sent as the request body.
	Args      json.RawMessage
	Reference string
	// Step asks the backend to pause at the first breakpoint.
	Step bool
	// Timeout is passed through to the backend; it is not enforced locally.
	Timeout time.Duration
}

// AssignResponse is the backend's acknowledgement of an assignment.
type AssignResponse struct {
	TaskID string           `json:"task_id"`
	Status store.TaskStatus `json:"status"`
}

// Assign posts validated arguments to /{action}.
func (c *Client) Assign(ctx context.Context, req AssignRequest) (AssignResponse, error) {
	if req.Action == "" {
		return AssignResponse{}, errors.New("assign: action is required")
	}
	body := req.Args
	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage(`{}`)
	}
	q := url.Values{}
	if req.Step {
		q.Set("step", "true")
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.FormatFloat(req.Timeout.Seconds(), 'f', -1, 64))
	}
	header := http.Header{}
	if c.instanceID != "" {
		header.Set(HeaderInstanceID, c.instanceID)
	}
	if req.Reference != "" {
		header.Set(HeaderReference, req.Reference)
	}

	var resp AssignResponse
	err := c.do(ctx, "assign", http.MethodPost, "/"+url.PathEscape(req.Action), q, header, body, &resp,
		otelPkg.AttrAction.String(req.Action))
	if err != nil {
		return AssignResponse{}, err
	}
	if resp.TaskID == "" {
		return AssignResponse{}, fmt.Errorf("assign %s: response has no task_id", req.Action)
	}
	if resp.Status == "" {
		resp.Status = store.StatusPending
	}
	return resp, nil
}

// TaskSnapshot is the backend's view of one task.
type TaskSnapshot struct {
	TaskID    string           `json:"task_id"`
	ID        string           `json:"id"`
	Action    string           `json:"action"`
	Args      json.RawMessage  `json:"args"`
	Status    store.TaskStatus `json:"status"`
	Result    json.RawMessage  `json:"result"`
	Error     string           `json:"error"`
	Progress  *float64         `json:"progress"`
	Message   string           `json:"message"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

// Identifier returns task_id, falling back to id.
func (s TaskSnapshot) Identifier() string {
	if s.TaskID != "" {
		return s.TaskID
	}
	return s.ID
}

// Task converts the snapshot to a store record.
func (s TaskSnapshot) Task() store.Task {
	t := store.Task{
		ID:              s.Identifier(),
		Action:          s.Action,
		Args:            s.Args,
		Status:          s.Status,
		Error:           s.Error,
		ProgressMessage: s.Message,
	}
	if len(s.Result) > 0 && string(s.Result) != "null" {
		t.Result = s.Result
	}
	if s.Progress != nil {
		p := store.ClampProgress(*s.Progress)
		t.Progress = &p
	}
	return t
}

// GetTask fetches /tasks/{id}.
func (c *Client) GetTask(ctx context.Context, id string) (TaskSnapshot, error) {
	var snap TaskSnapshot
	err := c.do(ctx, "get_task", http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, nil, &snap,
		otelPkg.AttrTaskID.String(id))
	if err != nil {
		return TaskSnapshot{}, err
	}
	if snap.Identifier() == "" {
		snap.TaskID = id
	}
	return snap, nil
}

// ControlOp is a task control endpoint.
type ControlOp string

const (
	OpCancel ControlOp = "cancel"
	OpPause  ControlOp = "pause"
	OpResume ControlOp = "resume"
	OpStep   ControlOp = "step"
)

// Control posts to /tasks/{id}/{op}.
func (c *Client) Control(ctx context.Context, id string, op ControlOp) error {
	switch op {
	case OpCancel, OpPause, OpResume, OpStep:
	default:
		return fmt.Errorf("unknown task control %q", op)
	}
	return c.do(ctx, string(op), http.MethodPost, "/tasks/"+url.PathEscape(id)+"/"+string(op), nil, nil, nil, nil,
		otelPkg.AttrTaskID.String(id))
}

func (c *Client) Cancel(ctx context.Context, id string) error { return c.Control(ctx, id, OpCancel) }
func (c *Client) Pause(ctx context.Context, id string) error  { return c.Control(ctx, id, OpPause) }
func (c *Client) Resume(ctx context.Context, id string) error { return c.Control(ctx, id, OpResume) }
func (c *Client) Step(ctx context.Context, id string) error   { return c.Control(ctx, id, OpStep) }

// GetState fetches the raw value of /states/{key}.
func (c *Client) GetState(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, "get_state", http.MethodGet, "/states/"+url.PathEscape(key), nil, nil, nil, &raw,
		otelPkg.AttrStateKey.String(key))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// FileURL returns the absolute URL of /files/{path}.
func (c *Client) FileURL(path string) string {
	return c.base.String() + "/files/" + url.PathEscape(path)
}

// GetFile downloads /files/{path} and returns its bytes and content type.
func (c *Client) GetFile(ctx context.Context, path string) ([]byte, string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "api.get_file")
	defer span.End()
	started := time.Now()

	data, ctype, err := c.getFile(ctx, path)
	c.metrics.HTTPCall(ctx, "get_file", started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, ctype, err
}

func (c *Client) getFile(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FileURL(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("GET /files/%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", c.httpError(http.MethodGet, "/files/"+path, resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read file %s: %w", path, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, header http.Header, body []byte, out any, attrs ...attribute.KeyValue) error {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "api."+op, append(attrs, otelPkg.AttrOperation.String(op))...)
	defer span.End()
	started := time.Now()

	err := c.roundTrip(ctx, method, path, query, header, body, out)
	c.metrics.HTTPCall(ctx, op, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("backend call failed", "op", op, "path", path, "error", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, header http.Header, body []byte, out any) error {
	target := c.base.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.httpError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", method, path, err)
	}
	return nil
}

func (c *Client) httpError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &HTTPError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
