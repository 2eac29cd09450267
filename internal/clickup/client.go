// Package clickup is a thin client for the ClickUp REST API v2. Every
// operation is one HTTP call; failures come back as *Error classified into
// NotFound, AccessDenied or Transient.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	tbotel "github.com/basket/taskbridge/internal/otel"
)

const (
	DefaultBaseURL = "https://api.clickup.com/api/v2"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20
)

// API is the set of remote operations the rest of the daemon depends on.
// *Client implements it; clickuptest.Stub fakes it.
type API interface {
	GetUser(ctx context.Context) (User, error)
	GetTeams(ctx context.Context) ([]Team, error)
	GetSpaces(ctx context.Context, teamID string) ([]Space, error)
	GetFolders(ctx context.Context, spaceID string) ([]Folder, error)
	GetFolderLists(ctx context.Context, folderID string) ([]List, error)
	GetSpaceLists(ctx context.Context, spaceID string) ([]List, error)
	GetCustomFields(ctx context.Context, listID string) ([]CustomField, error)
	GetListTasks(ctx context.Context, listID string, filter TaskFilter) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	GetTeamTasks(ctx context.Context, teamID string, filter TeamTaskFilter) ([]Task, error)
	CreateTask(ctx context.Context, listID string, req CreateTaskRequest) (Task, error)
	AddComment(ctx context.Context, taskID, text string) error
	UploadAttachment(ctx context.Context, taskID, filename, contentType string, content []byte) error
	TrackTime(ctx context.Context, teamID string, entry TimeEntry) error
}

// TaskFetcher is the slice of API used for verification.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (Task, error)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *tbotel.Metrics
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTelemetry records a client span and duration/error metrics per call.
func WithTelemetry(tracer trace.Tracer, m *tbotel.Metrics) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
		if m != nil {
			c.metrics = m
		}
	}
}

func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
		tracer:  nooptrace.NewTracerProvider().Tracer(tbotel.ScopeName),
		metrics: tbotel.NopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthHeader formats the Authorization header value. Personal tokens (pk_)
// are sent as-is, OAuth access tokens as Bearer.
func AuthHeader(token string) string {
	if strings.HasPrefix(token, "pk_") {
		return token
	}
	return "Bearer " + token
}

func (c *Client) GetUser(ctx context.Context) (User, error) {
	var env userEnvelope
	err := c.do(ctx, "GetUser", http.MethodGet, "/user", nil, nil, &env)
	return env.User, err
}

func (c *Client) GetTeams(ctx context.Context) ([]Team, error) {
	var env teamsEnvelope
	err := c.do(ctx, "GetTeams", http.MethodGet, "/team", nil, nil, &env)
	return env.Teams, err
}

func (c *Client) GetSpaces(ctx context.Context, teamID string) ([]Space, error) {
	var env spacesEnvelope
	err := c.do(ctx, "GetSpaces", http.MethodGet, "/team/"+url.PathEscape(teamID)+"/space", nil, nil, &env)
	return env.Spaces, err
}

func (c *Client) GetFolders(ctx context.Context, spaceID string) ([]Folder, error) {
	var env foldersEnvelope
	err := c.do(ctx, "GetFolders", http.MethodGet, "/space/"+url.PathEscape(spaceID)+"/folder", nil, nil, &env)
	return env.Folders, err
}

func (c *Client) GetFolderLists(ctx context.Context, folderID string) ([]List, error) {
	var env listsEnvelope
	err := c.do(ctx, "GetFolderLists", http.MethodGet, "/folder/"+url.PathEscape(folderID)+"/list", nil, nil, &env)
	return env.Lists, err
}

// GetSpaceLists returns the folderless lists of a space.
func (c *Client) GetSpaceLists(ctx context.Context, spaceID string) ([]List, error) {
	var env listsEnvelope
	err := c.do(ctx, "GetSpaceLists", http.MethodGet, "/space/"+url.PathEscape(spaceID)+"/list", nil, nil, &env)
	return env.Lists, err
}

func (c *Client) GetCustomFields(ctx context.Context, listID string) ([]CustomField, error) {
	var env fieldsEnvelope
	err := c.do(ctx, "GetCustomFields", http.MethodGet, "/list/"+url.PathEscape(listID)+"/field", nil, nil, &env)
	return env.Fields, err
}

func (c *Client) GetListTasks(ctx context.Context, listID string, filter TaskFilter) ([]Task, error) {
	q := url.Values{}
	if len(filter.CustomFields) > 0 {
		raw, err := json.Marshal(filter.CustomFields)
		if err != nil {
			return nil, fmt.Errorf("encode custom field filter: %w", err)
		}
		q.Set("custom_fields", string(raw))
	}
	if filter.IncludeClosed {
		q.Set("include_closed", "true")
	}
	q.Set("page", strconv.Itoa(filter.Page))

	var env tasksEnvelope
	err := c.do(ctx, "GetListTasks", http.MethodGet, "/list/"+url.PathEscape(listID)+"/task", q, nil, &env)
	return env.Tasks, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := c.do(ctx, "GetTask", http.MethodGet, "/task/"+url.PathEscape(taskID), nil, nil, &task)
	return task, err
}

func (c *Client) GetTeamTasks(ctx context.Context, teamID string, filter TeamTaskFilter) ([]Task, error) {
	q := url.Values{}
	if filter.OrderBy != "" {
		q.Set("order_by", filter.OrderBy)
	}
	q.Set("reverse", strconv.FormatBool(filter.Reverse))
	q.Set("include_closed", strconv.FormatBool(filter.IncludeClosed))
	if filter.Subtasks {
		q.Set("subtasks", "true")
	}
	q.Set("page", strconv.Itoa(filter.Page))

	var env tasksEnvelope
	err := c.do(ctx, "GetTeamTasks", http.MethodGet, "/team/"+url.PathEscape(teamID)+"/task", q, nil, &env)
	return env.Tasks, err
}

func (c *Client) CreateTask(ctx context.Context, listID string, req CreateTaskRequest) (Task, error) {
	var task Task
	err := c.do(ctx, "CreateTask", http.MethodPost, "/list/"+url.PathEscape(listID)+"/task", nil, req, &task)
	return task, err
}

func (c *Client) AddComment(ctx context.Context, taskID, text string) error {
	body := map[string]any{"comment_text": text, "notify_all": false}
	return c.do(ctx, "AddComment", http.MethodPost, "/task/"+url.PathEscape(taskID)+"/comment", nil, body, nil)
}

func (c *Client) TrackTime(ctx context.Context, teamID string, entry TimeEntry) error {
	return c.do(ctx, "TrackTime", http.MethodPost, "/team/"+url.PathEscape(teamID)+"/time_entries", nil, entry, nil)
}

// UploadAttachment posts content as the multipart field "attachment".
func (c *Client) UploadAttachment(ctx context.Context, taskID, filename, contentType string, content []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}
	return c.send(ctx, "UploadAttachment", http.MethodPost, "/task/"+url.PathEscape(taskID)+"/attachment", nil, &buf, mw.FormDataContentType(), nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	contentType := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("clickup %s: encode body: %w", op, err)
		}
		r = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.send(ctx, op, method, path, query, r, contentType, out)
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string, out any) (err error) {
	ctx, span := tbotel.StartClientSpan(ctx, c.tracer, "clickup."+op,
		attribute.String("http.method", method),
		tbotel.AttrHTTPPath.String(path),
	)
	start := time.Now()
	defer func() {
		attrs := metric.WithAttributes(attribute.String("op", op))
		c.metrics.ClickUpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			c.metrics.ClickUpErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("kind", string(KindOf(err))),
			))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Op: op, Kind: KindTransient, Err: err}
	}
	req.Header.Set("Authorization", AuthHeader(c.token))
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Err != "" {
			msg = apiErr.Err
		}
		c.logger.Debug("clickup call failed", "op", op, "status", resp.StatusCode)
		return &Error{Op: op, Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return &Error{Op: op, Kind: KindTransient, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
