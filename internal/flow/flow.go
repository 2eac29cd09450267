// Package flow turns submitted task forms into remote task operations and
// records the resulting links.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
)

const (
	defaultTaskName = "Email Task"
	minSearchLen    = 2
	minIDLookupLen  = 4
)

// ValidationError reports missing or malformed local input. It is raised
// before any remote call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, msg string) error { return &ValidationError{Field: field, Message: msg} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Warning is a side effect that failed after the primary action succeeded.
type Warning struct {
	Kind    string `json:"kind"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

// Steps that may produce warnings.
const (
	StepLink       = "link"
	StepComment    = "comment"
	StepAttachment = "attachment"
	StepTimeEntry  = "time_entry"
)

// Remote yields the task service client of the current session.
type Remote interface {
	// Client returns clickup.ErrNotAuthenticated when there is no session.
	Client() (clickup.API, error)
	// TeamID is the first workspace of the session, or "".
	TeamID() string
}

// Links is the part of the link store the flow writes to.
type Links interface {
	Get(ctx context.Context) persistence.LinkMap
	Merge(ctx context.Context, threadID string, ref persistence.TaskRef) (bool, error)
}

type Defaults interface {
	DefaultList(ctx context.Context) (*persistence.ListRef, error)
}

type Config struct {
	Remote   Remote
	Links    Links
	Defaults Defaults
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
	// ThreadURL links a thread id back to the mailbox.
	ThreadURL func(threadID string) string
	Now       func() time.Time
}

type Service struct {
	remote    Remote
	links     Links
	defaults  Defaults
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	threadURL func(string) string
	now       func() time.Time
}

func New(cfg Config) *Service {
	s := &Service{
		remote:    cfg.Remote,
		links:     cfg.Links,
		defaults:  cfg.Defaults,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		threadURL: cfg.ThreadURL,
		now:       cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "flow")
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if s.metrics == nil {
		s.metrics = otel.NopMetrics()
	}
	if s.threadURL == nil {
		s.threadURL = func(id string) string { return "https://mail.google.com/mail/u/0/#inbox/" + id }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// TaskInput is the form state of the task modal.
type TaskInput struct {
	Name            string   `json:"name,omitempty"`
	Description     string   `json:"description,omitempty"`
	DescriptionHTML string   `json:"descriptionHtml,omitempty"`
	Assignees       []int64  `json:"assignees,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	StartDate       int64    `json:"start_date,omitempty"`
	DueDate         int64    `json:"due_date,omitempty"`
	TimeEstimate    Duration `json:"time_estimate,omitempty"`
}

type CreateRequest struct {
	ListID      string    `json:"listId"`
	TeamID      string    `json:"teamId,omitempty"`
	Task        TaskInput `json:"taskData"`
	Email       *Email    `json:"emailData,omitempty"`
	TimeTracked Duration  `json:"timeTracked,omitempty"`
}

// CreateResult is the created task with any side-effect warnings.
type CreateResult struct {
	clickup.Task
	Warnings []Warning `json:"warnings,omitempty"`
}

// CreateTaskFull creates a task in an explicit list and then, best-effort,
// links it to the thread, uploads the email and tracks time.
func (s *Service) CreateTaskFull(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(req.ListID) == "" {
		return CreateResult{}, invalid("listId", "Please select a list")
	}
	api, err := s.remote.Client()
	if err != nil {
		return CreateResult{}, err
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "flow.CreateTaskFull", otel.AttrListID.String(req.ListID))
	defer span.End()

	payload := clickup.CreateTaskRequest{
		Name:                firstNonEmpty(strings.TrimSpace(req.Task.Name), defaultTaskName),
		MarkdownDescription: req.Task.Description,
		Assignees:           req.Task.Assignees,
		Priority:            req.Task.Priority,
		StartDate:           req.Task.StartDate,
		DueDate:             req.Task.DueDate,
		TimeEstimate:        req.Task.TimeEstimate.Millis(),
	}
	if payload.MarkdownDescription == "" && req.Task.DescriptionHTML != "" {
		payload.MarkdownDescription = HTMLToMarkdown(req.Task.DescriptionHTML)
	}

	task, err := api.CreateTask(ctx, req.ListID, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task")
		return CreateResult{}, fmt.Errorf("create task: %w", err)
	}
	span.SetAttributes(otel.AttrTaskID.String(task.ID))
	s.logger.Info("task created", "task_id", task.ID, "list_id", req.ListID)

	res := CreateResult{Task: task}
	if req.Email != nil {
		s.link(ctx, &res.Warnings, req.Email.ThreadID, task)
		if req.Email.HTML != "" {
			s.sideEffect(ctx, &res.Warnings, StepAttachment, func() error {
				doc := WrapEmailDocument(*req.Email)
				return api.UploadAttachment(ctx, task.ID, AttachmentName(s.now()), "text/html", []byte(doc))
			})
		}
	}

	teamID := firstNonEmpty(req.TeamID, s.remote.TeamID())
	if tracked := req.TimeTracked.Millis(); tracked > 0 && teamID != "" {
		s.sideEffect(ctx, &res.Warnings, StepTimeEntry, func() error {
			now := s.now().UnixMilli()
			return api.TrackTime(ctx, teamID, clickup.TimeEntry{
				TaskID:   task.ID,
				Start:    now - tracked,
				Duration: tracked,
			})
		})
	}
	return res, nil
}

// EmailTaskRequest creates a task in the default list from a message.
type EmailTaskRequest struct {
	Email       Email   `json:"emailData"`
	Description string  `json:"description,omitempty"`
	Assignees   []int64 `json:"assignees,omitempty"`
}

// CreateTaskFromEmail is the one-click variant of CreateTaskFull. The task
// lands in the stored default list and gets a comment linking back to the
// thread.
func (s *Service) CreateTaskFromEmail(ctx context.Context, req EmailTaskRequest) (CreateResult, error) {
	list, err := s.defaults.DefaultList(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("read default list: %w", err)
	}
	if list == nil {
		return CreateResult{}, invalid("defaultList", "Please select a default list in settings")
	}
	api, err := s.remote.Client()
	if err != nil {
		return CreateResult{}, err
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "flow.CreateTaskFromEmail", otel.AttrListID.String(list.ID))
	defer span.End()

	payload := clickup.CreateTaskRequest{
		Name:        firstNonEmpty(strings.TrimSpace(req.Email.Subject), defaultTaskName),
		Description: "📧 **Email from:** " + req.Email.From + "\n\n" + req.Description,
		Assignees:   req.Assignees,
	}
	task, err := api.CreateTask(ctx, list.ID, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task")
		return CreateResult{}, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task created from email", "task_id", task.ID, "list_id", list.ID)

	res := CreateResult{Task: task}
	s.link(ctx, &res.Warnings, req.Email.ThreadID, task)
	if req.Email.ThreadID != "" {
		s.sideEffect(ctx, &res.Warnings, StepComment, func() error {
			text := fmt.Sprintf("📧 **Linked email:**\n🔗 [Open the original email](%s)\n\n_Thread ID: %s_",
				s.threadURL(req.Email.ThreadID), req.Email.ThreadID)
			return api.AddComment(ctx, task.ID, text)
		})
	}
	if req.Email.HTML != "" {
		s.sideEffect(ctx, &res.Warnings, StepAttachment, func() error {
			name := SanitizeFilename(req.Email.Subject) + ".html"
			return api.UploadAttachment(ctx, task.ID, name, "text/html", []byte(req.Email.HTML))
		})
	}
	return res, nil
}

type AttachRequest struct {
	TaskID string `json:"taskId"`
	Email  Email  `json:"emailData"`
}

type AttachResult struct {
	Success  bool                `json:"success"`
	Task     persistence.TaskRef `json:"task"`
	Warnings []Warning           `json:"warnings,omitempty"`
}

// AttachToTask links a message to an existing task. The task must exist;
// the comment and the upload are best-effort.
func (s *Service) AttachToTask(ctx context.Context, req AttachRequest) (AttachResult, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return AttachResult{}, invalid("taskId", "Please select a task")
	}
	api, err := s.remote.Client()
	if err != nil {
		return AttachResult{}, err
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "flow.AttachToTask", otel.AttrTaskID.String(taskID))
	defer span.End()

	task, err := api.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get task")
		return AttachResult{}, fmt.Errorf("get task %s: %w", taskID, err)
	}

	res := AttachResult{Success: true, Task: refOf(task)}
	s.link(ctx, &res.Warnings, req.Email.ThreadID, task)
	s.sideEffect(ctx, &res.Warnings, StepComment, func() error {
		text := "📧 **Email attached:** " + req.Email.Subject +
			"\n\n**From:** " + req.Email.From
		if req.Email.Date != "" {
			text += "\n**Date:** " + req.Email.Date
		}
		return api.AddComment(ctx, task.ID, text)
	})
	if req.Email.HTML != "" {
		s.sideEffect(ctx, &res.Warnings, StepAttachment, func() error {
			doc := WrapEmailDocument(req.Email)
			return api.UploadAttachment(ctx, task.ID, AttachmentName(s.now()), "text/html", []byte(doc))
		})
	}
	s.logger.Info("email attached to task", "task_id", task.ID, "thread_id", req.Email.ThreadID)
	return res, nil
}

// TaskSummary is one search hit.
type TaskSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status string `json:"status"`
	List   string `json:"list"`
}

type SearchResult struct {
	Tasks []TaskSummary `json:"tasks"`
}

// SearchTasks looks a query up as an exact task id first, then by name in
// the first workspace. Without a session the result is empty.
func (s *Service) SearchTasks(ctx context.Context, query string) (SearchResult, error) {
	res := SearchResult{Tasks: []TaskSummary{}}
	query = strings.TrimSpace(query)
	if len([]rune(query)) < minSearchLen {
		return res, nil
	}
	api, err := s.remote.Client()
	if err != nil {
		if errors.Is(err, clickup.ErrNotAuthenticated) {
			return res, nil
		}
		return res, err
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "flow.SearchTasks")
	defer span.End()

	seen := map[string]bool{}
	add := func(t clickup.Task) {
		if seen[t.ID] || len(res.Tasks) >= clickup.MaxSearchResults {
			return
		}
		seen[t.ID] = true
		res.Tasks = append(res.Tasks, summaryOf(t))
	}

	if len(query) >= minIDLookupLen {
		if task, err := api.GetTask(ctx, query); err == nil && task.ID != "" {
			add(task)
		}
	}
	teamID := s.remote.TeamID()
	if teamID == "" {
		return res, nil
	}
	hits, err := clickup.SearchByFreeText(ctx, api, teamID, query)
	if err != nil {
		if len(res.Tasks) > 0 {
			s.logger.Warn("name search failed, returning id match only", "error", err)
			return res, nil
		}
		span.RecordError(err)
		return res, fmt.Errorf("search tasks: %w", err)
	}
	for _, t := range hits {
		add(t)
	}
	return res, nil
}

// ThreadTasks lists the tasks linked to one thread.
type ThreadTasks struct {
	ThreadID string                `json:"threadId"`
	Tasks    []persistence.TaskRef `json:"tasks"`
}

// FindLinkedTasks answers from the local link map first. Threads without
// local entries are searched remotely by thread id, and hits are stored.
// Remote failures are logged and skipped.
func (s *Service) FindLinkedTasks(ctx context.Context, threadIDs []string) ([]ThreadTasks, error) {
	out := []ThreadTasks{}
	links := s.links.Get(ctx)
	var missing []string
	for _, id := range threadIDs {
		if id == "" {
			continue
		}
		if refs := links[id]; len(refs) > 0 {
			out = append(out, ThreadTasks{ThreadID: id, Tasks: refs})
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	api, err := s.remote.Client()
	teamID := s.remote.TeamID()
	if err != nil || teamID == "" {
		return out, nil
	}
	for _, id := range missing {
		hits, err := clickup.SearchByFreeText(ctx, api, teamID, id)
		if err != nil {
			s.logger.Warn("linked task search failed", "thread_id", id, "error", err)
			continue
		}
		if len(hits) == 0 {
			continue
		}
		found := ThreadTasks{ThreadID: id}
		for _, t := range hits {
			ref := refOf(t)
			found.Tasks = append(found.Tasks, ref)
			if _, err := s.links.Merge(ctx, id, ref); err != nil {
				s.logger.Warn("store discovered link failed", "thread_id", id, "task_id", t.ID, "error", err)
			}
		}
		out = append(out, found)
	}
	return out, nil
}

// link merges the task into the thread's entry. A failed write is a warning.
func (s *Service) link(ctx context.Context, warnings *[]Warning, threadID string, task clickup.Task) {
	if threadID == "" {
		return
	}
	s.sideEffect(ctx, warnings, StepLink, func() error {
		_, err := s.links.Merge(ctx, threadID, refOf(task))
		return err
	})
}

func (s *Service) sideEffect(ctx context.Context, warnings *[]Warning, step string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	s.logger.Warn("side effect failed", "step", step, "error", err)
	s.metrics.SideEffectFailures.Add(ctx, 1, metric.WithAttributes(otel.AttrAction.String(step)))
	*warnings = append(*warnings, Warning{Kind: "side_effect", Step: step, Message: err.Error()})
}

func refOf(t clickup.Task) persistence.TaskRef {
	return persistence.TaskRef{ID: t.ID, Name: t.Name, URL: t.URL}
}

func summaryOf(t clickup.Task) TaskSummary {
	status := t.Status.Status
	if status == "" {
		status = "unknown"
	}
	return TaskSummary{ID: t.ID, Name: t.Name, URL: t.URL, Status: status, List: t.List.Name}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
