// Package clickuptest provides an in-memory clickup.API for tests.
package clickuptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/taskbridge/internal/clickup"
)

type Comment struct {
	TaskID string
	Text   string
}

type Attachment struct {
	TaskID      string
	Filename    string
	ContentType string
	Content     []byte
}

type TimeEntry struct {
	TeamID string
	Entry  clickup.TimeEntry
}

type CreatedTask struct {
	ListID  string
	Request clickup.CreateTaskRequest
	Task    clickup.Task
}

// Stub is a scriptable fake. Populate the exported fields before use; the
// methods are safe for concurrent callers.
type Stub struct {
	mu sync.Mutex

	User        clickup.User
	Teams       []clickup.Team
	Spaces      map[string][]clickup.Space
	Folders     map[string][]clickup.Folder
	FolderLists map[string][]clickup.List
	SpaceLists  map[string][]clickup.List
	Fields      map[string][]clickup.CustomField
	ListTasks   map[string][]clickup.Task
	TeamTasks   map[string][]clickup.Task
	Tasks       map[string]clickup.Task
	TaskErrs    map[string]error

	// Err, when set, fails every call.
	Err        error
	CreateErr  error
	CommentErr error
	AttachErr  error
	TimeErr    error

	// GetTaskHook runs before GetTask returns; tests use it to block or count.
	GetTaskHook func(ctx context.Context, taskID string)

	Created     []CreatedTask
	Comments    []Comment
	Attachments []Attachment
	TimeEntries []TimeEntry

	calls map[string]int
	seq   int
}

func New() *Stub {
	return &Stub{
		Spaces:      map[string][]clickup.Space{},
		Folders:     map[string][]clickup.Folder{},
		FolderLists: map[string][]clickup.List{},
		SpaceLists:  map[string][]clickup.List{},
		Fields:      map[string][]clickup.CustomField{},
		ListTasks:   map[string][]clickup.Task{},
		TeamTasks:   map[string][]clickup.Task{},
		Tasks:       map[string]clickup.Task{},
		TaskErrs:    map[string]error{},
		calls:       map[string]int{},
	}
}

// NotFound returns the error the real client produces for a 404.
func NotFound(op string) error {
	return &clickup.Error{Op: op, Kind: clickup.KindNotFound, Status: 404, Message: "Task not found"}
}

// AccessDenied returns the error the real client produces for a 403.
func AccessDenied(op string) error {
	return &clickup.Error{Op: op, Kind: clickup.KindAccessDenied, Status: 403, Message: "Team not authorized"}
}

// Transient returns the error the real client produces for a 5xx.
func Transient(op string) error {
	return &clickup.Error{Op: op, Kind: clickup.KindTransient, Status: 503, Message: "Service unavailable"}
}

// Calls reports how many times op was invoked.
func (s *Stub) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SetTaskErr scripts the GetTask result for one id.
func (s *Stub) SetTaskErr(taskID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskErrs[taskID] = err
}

// PutTask adds or replaces a task served by GetTask.
func (s *Stub) PutTask(t clickup.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tasks[t.ID] = t
}

func (s *Stub) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.Err
}

func (s *Stub) GetUser(ctx context.Context) (clickup.User, error) {
	if err := s.enter("GetUser"); err != nil {
		return clickup.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.User, nil
}

func (s *Stub) GetTeams(ctx context.Context) ([]clickup.Team, error) {
	if err := s.enter("GetTeams"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clickup.Team(nil), s.Teams...), nil
}

func (s *Stub) GetSpaces(ctx context.Context, teamID string) ([]clickup.Space, error) {
	if err := s.enter("GetSpaces"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Spaces[teamID], nil
}

func (s *Stub) GetFolders(ctx context.Context, spaceID string) ([]clickup.Folder, error) {
	if err := s.enter("GetFolders"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Folders[spaceID], nil
}

func (s *Stub) GetFolderLists(ctx context.Context, folderID string) ([]clickup.List, error) {
	if err := s.enter("GetFolderLists"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FolderLists[folderID], nil
}

func (s *Stub) GetSpaceLists(ctx context.Context, spaceID string) ([]clickup.List, error) {
	if err := s.enter("GetSpaceLists"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SpaceLists[spaceID], nil
}

func (s *Stub) GetCustomFields(ctx context.Context, listID string) ([]clickup.CustomField, error) {
	if err := s.enter("GetCustomFields"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fields[listID], nil
}

func (s *Stub) GetListTasks(ctx context.Context, listID string, _ clickup.TaskFilter) ([]clickup.Task, error) {
	if err := s.enter("GetListTasks"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clickup.Task(nil), s.ListTasks[listID]...), nil
}

func (s *Stub) GetTask(ctx context.Context, taskID string) (clickup.Task, error) {
	if err := s.enter("GetTask"); err != nil {
		return clickup.Task{}, err
	}
	s.mu.Lock()
	hook := s.GetTaskHook
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.TaskErrs[taskID]; ok && err != nil {
		return clickup.Task{}, err
	}
	if t, ok := s.Tasks[taskID]; ok {
		return t, nil
	}
	return clickup.Task{}, NotFound("GetTask")
}

func (s *Stub) GetTeamTasks(ctx context.Context, teamID string, _ clickup.TeamTaskFilter) ([]clickup.Task, error) {
	if err := s.enter("GetTeamTasks"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clickup.Task(nil), s.TeamTasks[teamID]...), nil
}

func (s *Stub) CreateTask(ctx context.Context, listID string, req clickup.CreateTaskRequest) (clickup.Task, error) {
	if err := s.enter("CreateTask"); err != nil {
		return clickup.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return clickup.Task{}, s.CreateErr
	}
	s.seq++
	id := fmt.Sprintf("new%d", s.seq)
	task := clickup.Task{
		ID:     id,
		Name:   req.Name,
		URL:    "https://app.clickup.com/t/" + id,
		Status: clickup.Status{Status: "to do", Type: "open"},
		List:   clickup.List{ID: listID},
	}
	s.Tasks[id] = task
	s.Created = append(s.Created, CreatedTask{ListID: listID, Request: req, Task: task})
	return task, nil
}

func (s *Stub) AddComment(ctx context.Context, taskID, text string) error {
	if err := s.enter("AddComment"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommentErr != nil {
		return s.CommentErr
	}
	s.Comments = append(s.Comments, Comment{TaskID: taskID, Text: text})
	return nil
}

func (s *Stub) UploadAttachment(ctx context.Context, taskID, filename, contentType string, content []byte) error {
	if err := s.enter("UploadAttachment"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AttachErr != nil {
		return s.AttachErr
	}
	s.Attachments = append(s.Attachments, Attachment{
		TaskID:      taskID,
		Filename:    filename,
		ContentType: contentType,
		Content:     append([]byte(nil), content...),
	})
	return nil
}

func (s *Stub) TrackTime(ctx context.Context, teamID string, entry clickup.TimeEntry) error {
	if err := s.enter("TrackTime"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TimeErr != nil {
		return s.TimeErr
	}
	s.TimeEntries = append(s.TimeEntries, TimeEntry{TeamID: teamID, Entry: entry})
	return nil
}

var _ clickup.API = (*Stub)(nil)
