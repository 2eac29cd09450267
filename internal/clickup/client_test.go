package clickup_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/clickup/clickuptest"
)

func newTestClient(t *testing.T, token string, h http.HandlerFunc) *clickup.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return clickup.New(token, clickup.WithBaseURL(srv.URL))
}

func TestAuthHeader(t *testing.T) {
	if got := clickup.AuthHeader("pk_123_ABC"); got != "pk_123_ABC" {
		t.Fatalf("personal token = %q", got)
	}
	if got := clickup.AuthHeader("oauth-tok"); got != "Bearer oauth-tok" {
		t.Fatalf("oauth token = %q", got)
	}
}

func TestClient_GetTaskDecodesAndSendsAuth(t *testing.T) {
	var gotAuth, gotPath string
	c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"id":"9","name":"Fix bug","url":"https://x/9","status":{"status":"open"},"list":{"id":"L1","name":"Inbox"},"archived":false}`)
	})

	task, err := c.GetTask(context.Background(), "9")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotAuth != "Bearer tok" || gotPath != "/task/9" {
		t.Fatalf("auth=%q path=%q", gotAuth, gotPath)
	}
	if task.Name != "Fix bug" || task.List.Name != "Inbox" || task.Status.Status != "open" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestClient_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		status   int
		wantKind clickup.Kind
		wantGone bool
	}{
		{http.StatusNotFound, clickup.KindNotFound, true},
		{http.StatusForbidden, clickup.KindAccessDenied, true},
		{http.StatusUnauthorized, clickup.KindTransient, false},
		{http.StatusTooManyRequests, clickup.KindTransient, false},
		{http.StatusInternalServerError, clickup.KindTransient, false},
		{http.StatusBadGateway, clickup.KindTransient, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"err":"nope","ECODE":"X_001"}`)
			})
			_, err := c.GetTask(context.Background(), "9")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := clickup.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %s, want %s", got, tt.wantKind)
			}
			if clickup.IsGone(err) != tt.wantGone {
				t.Fatalf("IsGone = %v, want %v", clickup.IsGone(err), tt.wantGone)
			}
			if clickup.StatusOf(err) != tt.status {
				t.Fatalf("status = %d", clickup.StatusOf(err))
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Fatalf("expected api message in error, got %v", err)
			}
		})
	}
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := clickup.New("tok", clickup.WithBaseURL(base))
	_, err := c.GetTask(context.Background(), "9")
	if !errors.Is(err, clickup.ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if clickup.IsGone(err) {
		t.Fatal("network failure must never read as gone")
	}
}

func TestClient_CreateTaskPostsJSON(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, "pk_1_X", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/list/L1/task" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"id":"new1","name":"Email Task","url":"https://x/new1"}`)
	})

	task, err := c.CreateTask(context.Background(), "L1", clickup.CreateTaskRequest{
		Name:                "Email Task",
		MarkdownDescription: "**hi**",
		TimeEstimate:        5400000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "new1" {
		t.Fatalf("task id %q", task.ID)
	}
	if body["markdown_description"] != "**hi**" || body["time_estimate"].(float64) != 5400000 {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["due_date"]; ok {
		t.Fatal("zero dates must be omitted")
	}
}

func TestClient_UploadAttachmentMultipart(t *testing.T) {
	var filename, content string
	c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		file, hdr, err := r.FormFile("attachment")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		raw, _ := io.ReadAll(file)
		filename, content = hdr.Filename, string(raw)
		_, _ = io.WriteString(w, `{"id":"att1"}`)
	})

	err := c.UploadAttachment(context.Background(), "9", "email-1.html", "text/html", []byte("<p>x</p>"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if filename != "email-1.html" || content != "<p>x</p>" {
		t.Fatalf("got %q %q", filename, content)
	}
}

func TestClient_GetTeamTasksQuery(t *testing.T) {
	var query string
	c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"tasks":[{"id":"1","name":"a"}]}`)
	})
	tasks, err := c.GetTeamTasks(context.Background(), "T1", clickup.TeamTaskFilter{OrderBy: "updated", Reverse: true})
	if err != nil {
		t.Fatalf("team tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	for _, want := range []string{"order_by=updated", "reverse=true", "include_closed=false", "page=0"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
}

func TestClient_HierarchyEnvelopes(t *testing.T) {
	c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			_, _ = io.WriteString(w, `{"user":{"id":7,"username":"ana","email":"ana@example.com"}}`)
		case "/team":
			_, _ = io.WriteString(w, `{"teams":[{"id":"T1","name":"Acme","members":[{"user":{"id":7,"username":"ana"}}]}]}`)
		case "/team/T1/space":
			_, _ = io.WriteString(w, `{"spaces":[{"id":"S1","name":"Ops"}]}`)
		case "/space/S1/folder":
			_, _ = io.WriteString(w, `{"folders":[{"id":"F1","name":"Support"}]}`)
		case "/space/S1/list":
			_, _ = io.WriteString(w, `{"lists":[{"id":"L0","name":"Loose"}]}`)
		case "/folder/F1/list":
			_, _ = io.WriteString(w, `{"lists":[{"id":"L1","name":"Inbox"}]}`)
		case "/list/L1/field":
			_, _ = io.WriteString(w, `{"fields":[{"id":"cf1","name":"Gmail Thread ID","type":"short_text"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	user, err := c.GetUser(ctx)
	if err != nil || user.Username != "ana" {
		t.Fatalf("user %+v err=%v", user, err)
	}
	teams, err := c.GetTeams(ctx)
	if err != nil || len(teams) != 1 || len(teams[0].Members) != 1 {
		t.Fatalf("teams %+v err=%v", teams, err)
	}
	spaces, _ := c.GetSpaces(ctx, "T1")
	folders, _ := c.GetFolders(ctx, "S1")
	loose, _ := c.GetSpaceLists(ctx, "S1")
	lists, _ := c.GetFolderLists(ctx, "F1")
	fields, _ := c.GetCustomFields(ctx, "L1")
	if len(spaces) != 1 || len(folders) != 1 || len(loose) != 1 || len(lists) != 1 || len(fields) != 1 {
		t.Fatalf("unexpected hierarchy %v %v %v %v %v", spaces, folders, loose, lists, fields)
	}
}

func TestClient_AddCommentAndTrackTime(t *testing.T) {
	var paths []string
	var entry map[string]any
	c := newTestClient(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "time_entries") {
			_ = json.NewDecoder(r.Body).Decode(&entry)
		}
		_, _ = io.WriteString(w, `{}`)
	})
	ctx := context.Background()
	if err := c.AddComment(ctx, "9", "hello"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if err := c.TrackTime(ctx, "T1", clickup.TimeEntry{TaskID: "9", Start: 1000, Duration: 60000}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/task/9/comment" || paths[1] != "/team/T1/time_entries" {
		t.Fatalf("paths %v", paths)
	}
	if entry["tid"] != "9" || entry["duration"].(float64) != 60000 {
		t.Fatalf("entry %v", entry)
	}
}

func TestSearchByFreeText_CapsAtTen(t *testing.T) {
	stub := clickuptest.New()
	for i := 0; i < 15; i++ {
		stub.TeamTasks["T1"] = append(stub.TeamTasks["T1"], clickup.Task{ID: fmt.Sprint(i), Name: fmt.Sprintf("Invoice %d", i)})
	}
	stub.TeamTasks["T1"] = append(stub.TeamTasks["T1"], clickup.Task{ID: "x", Name: "Unrelated"})

	got, err := clickup.SearchByFreeText(context.Background(), stub, "T1", "INVOICE")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != clickup.MaxSearchResults {
		t.Fatalf("expected %d results, got %d", clickup.MaxSearchResults, len(got))
	}
	for _, task := range got {
		if !strings.Contains(task.Name, "Invoice") {
			t.Fatalf("unexpected match %q", task.Name)
		}
	}
}

func TestFindTaskByCustomField_DropsClosed(t *testing.T) {
	stub := clickuptest.New()
	stub.ListTasks["L1"] = []clickup.Task{
		{ID: "open", Name: "a", Status: clickup.Status{Status: "to do"}},
		{ID: "done", Name: "b", Status: clickup.Status{Status: "complete"}},
		{ID: "arch", Name: "c", Archived: true},
		{ID: "closed", Name: "d", DateClosed: "1700000000000"},
	}
	got, err := clickup.FindTaskByCustomField(context.Background(), stub, "L1", "cf1", "abc123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != "open" {
		t.Fatalf("expected only open task, got %+v", got)
	}
}
