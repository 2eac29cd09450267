package flow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/clickup/clickuptest"
	"github.com/basket/taskbridge/internal/flow"
	"github.com/basket/taskbridge/internal/persistence"
)

type fakeRemote struct {
	api  clickup.API
	team string
}

func (f fakeRemote) Client() (clickup.API, error) {
	if f.api == nil {
		return nil, clickup.ErrNotAuthenticated
	}
	return f.api, nil
}

func (f fakeRemote) TeamID() string { return f.team }

type fixture struct {
	svc      *flow.Service
	stub     *clickuptest.Stub
	links    *persistence.LinkStore
	settings *persistence.Settings
	bus      *bus.Bus
	now      time.Time
}

func newFixture(t *testing.T, authenticated bool) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskbridge.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		stub:     clickuptest.New(),
		links:    persistence.NewLinkStore(store, nil),
		settings: persistence.NewSettings(store),
		bus:      b,
		now:      time.UnixMilli(1767225600000),
	}
	remote := fakeRemote{team: "team-1"}
	if authenticated {
		remote.api = f.stub
	}
	f.svc = flow.New(flow.Config{
		Remote:    remote,
		Links:     f.links,
		Defaults:  f.settings,
		ThreadURL: func(id string) string { return "https://mail.example/#inbox/" + id },
		Now:       func() time.Time { return f.now },
	})
	return f
}

func sampleEmail() *flow.Email {
	return &flow.Email{
		ThreadID: "18c0ffee1234",
		Subject:  "Quarterly report",
		From:     "Ana <ana@example.com>",
		Date:     "Mon, 5 Jan 2026",
		HTML:     "<div>Numbers attached</div>",
	}
}

func TestCreateTaskFull_RequiresList(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.CreateTaskFull(context.Background(), flow.CreateRequest{Task: flow.TaskInput{Name: "x"}})
	var ve *flow.ValidationError
	if !errors.As(err, &ve) || ve.Field != "listId" {
		t.Fatalf("expected listId validation error, got %v", err)
	}
	if f.stub.Calls("CreateTask") != 0 {
		t.Fatal("validation must happen before any remote call")
	}
}

func TestCreateTaskFull_CreatesAndRunsSideEffects(t *testing.T) {
	f := newFixture(t, true)
	sub := f.bus.Subscribe(bus.TopicTaskLinked)
	defer f.bus.Unsubscribe(sub)

	var req flow.CreateRequest
	body := `{
		"listId": "list-9",
		"taskData": {"descriptionHtml": "<p>Hello <b>world</b></p>", "time_estimate": "1h 30m", "assignees": [7]},
		"emailData": {"threadId": "18c0ffee1234", "subject": "Quarterly report", "from": "Ana", "html": "<div>Numbers</div>"},
		"timeTracked": 900000
	}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	res, err := f.svc.CreateTaskFull(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings %+v", res.Warnings)
	}

	created := f.stub.Created[0]
	if created.ListID != "list-9" || created.Request.Name != "Email Task" {
		t.Fatalf("unexpected create call %+v", created)
	}
	if created.Request.MarkdownDescription != "Hello **world**" {
		t.Fatalf("markdown = %q", created.Request.MarkdownDescription)
	}
	if created.Request.TimeEstimate != 90*60*1000 || len(created.Request.Assignees) != 1 {
		t.Fatalf("unexpected estimate/assignees %+v", created.Request)
	}

	if refs := f.links.Thread(context.Background(), "18c0ffee1234"); len(refs) != 1 || refs[0].ID != res.ID {
		t.Fatalf("link not stored: %+v", refs)
	}

	att := f.stub.Attachments[0]
	if att.Filename != "email-1767225600000.html" || att.ContentType != "text/html" {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if !strings.Contains(string(att.Content), "<strong>From:</strong> Ana") || !strings.Contains(string(att.Content), "<div>Numbers</div>") {
		t.Fatalf("attachment document:\n%s", att.Content)
	}

	entry := f.stub.TimeEntries[0]
	if entry.TeamID != "team-1" || entry.Entry.Duration != 900000 || entry.Entry.Start != f.now.UnixMilli()-900000 || entry.Entry.TaskID != res.ID {
		t.Fatalf("unexpected time entry %+v", entry)
	}

	select {
	case ev := <-sub.Ch():
		linked := ev.Payload.(bus.TaskLinkedEvent)
		if linked.ThreadID != "18c0ffee1234" || linked.TaskID != res.ID {
			t.Fatalf("unexpected event %+v", linked)
		}
	case <-time.After(time.Second):
		t.Fatal("no task linked event")
	}
}

func TestCreateTaskFull_SideEffectFailuresAreWarnings(t *testing.T) {
	f := newFixture(t, true)
	f.stub.AttachErr = clickuptest.Transient("UploadAttachment")
	f.stub.TimeErr = clickuptest.AccessDenied("TrackTime")

	res, err := f.svc.CreateTaskFull(context.Background(), flow.CreateRequest{
		ListID:      "list-9",
		Task:        flow.TaskInput{Name: "Follow up", Description: "plain"},
		Email:       sampleEmail(),
		TimeTracked: flow.Duration(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("side effects must not fail the create: %v", err)
	}
	if res.ID == "" || res.Name != "Follow up" {
		t.Fatalf("task missing from result %+v", res)
	}
	steps := []string{}
	for _, w := range res.Warnings {
		if w.Kind != "side_effect" || w.Message == "" {
			t.Fatalf("malformed warning %+v", w)
		}
		steps = append(steps, w.Step)
	}
	if fmt.Sprint(steps) != "[attachment time_entry]" {
		t.Fatalf("warning steps = %v", steps)
	}
	if refs := f.links.Thread(context.Background(), "18c0ffee1234"); len(refs) != 1 {
		t.Fatal("link must still be stored")
	}
}

func TestCreateTaskFull_PrimaryFailure(t *testing.T) {
	f := newFixture(t, true)
	f.stub.CreateErr = clickuptest.Transient("CreateTask")

	_, err := f.svc.CreateTaskFull(context.Background(), flow.CreateRequest{ListID: "l", Email: sampleEmail()})
	if !errors.Is(err, clickup.ErrTransient) {
		t.Fatalf("err = %v", err)
	}
	if len(f.links.Get(context.Background())) != 0 {
		t.Fatal("nothing may be linked when creation fails")
	}
}

func TestCreateTaskFull_NotAuthenticated(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.CreateTaskFull(context.Background(), flow.CreateRequest{ListID: "l"})
	if !errors.Is(err, clickup.ErrNotAuthenticated) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateTaskFromEmail(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	req := flow.EmailTaskRequest{Email: *sampleEmail(), Description: "see numbers"}

	_, err := f.svc.CreateTaskFromEmail(ctx, req)
	if !flow.IsValidation(err) || err.Error() != "Please select a default list in settings" {
		t.Fatalf("expected default list validation, got %v", err)
	}

	if err := f.settings.SaveDefaultList(ctx, persistence.ListRef{ID: "inbox-list", Name: "Inbox"}); err != nil {
		t.Fatalf("save default list: %v", err)
	}
	res, err := f.svc.CreateTaskFromEmail(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := f.stub.Created[0]
	if created.ListID != "inbox-list" || created.Request.Name != "Quarterly report" {
		t.Fatalf("unexpected create %+v", created)
	}
	if !strings.HasPrefix(created.Request.Description, "📧 **Email from:** Ana <ana@example.com>") {
		t.Fatalf("description = %q", created.Request.Description)
	}
	if c := f.stub.Comments[0]; c.TaskID != res.ID || !strings.Contains(c.Text, "https://mail.example/#inbox/18c0ffee1234") {
		t.Fatalf("unexpected comment %+v", c)
	}
	if a := f.stub.Attachments[0]; a.Filename != "Quarterly report.html" {
		t.Fatalf("attachment name = %q", a.Filename)
	}
}

func TestAttachToTask(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.stub.PutTask(clickup.Task{ID: "86x", Name: "Existing", URL: "https://app.clickup.com/t/86x"})

	if _, err := f.svc.AttachToTask(ctx, flow.AttachRequest{Email: *sampleEmail()}); !flow.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := f.svc.AttachToTask(ctx, flow.AttachRequest{TaskID: "gone", Email: *sampleEmail()}); !clickup.IsGone(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(f.links.Get(ctx)) != 0 || f.stub.Calls("AddComment") != 0 {
		t.Fatal("a missing task must not be linked or commented")
	}

	f.stub.CommentErr = clickuptest.Transient("AddComment")
	res, err := f.svc.AttachToTask(ctx, flow.AttachRequest{TaskID: "86x", Email: *sampleEmail()})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !res.Success || res.Task.ID != "86x" || res.Task.Name != "Existing" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Step != flow.StepComment {
		t.Fatalf("warnings = %+v", res.Warnings)
	}
	if refs := f.links.Thread(ctx, "18c0ffee1234"); len(refs) != 1 || refs[0].URL != "https://app.clickup.com/t/86x" {
		t.Fatalf("link = %+v", refs)
	}
	if a := f.stub.Attachments[0]; a.TaskID != "86x" || !strings.HasPrefix(a.Filename, "email-") {
		t.Fatalf("attachment = %+v", a)
	}
}

func TestSearchTasks(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		f.stub.TeamTasks["team-1"] = append(f.stub.TeamTasks["team-1"], clickup.Task{
			ID:   fmt.Sprintf("inv%d", i),
			Name: fmt.Sprintf("Invoice %d", i),
			List: clickup.List{Name: "Billing"},
		})
	}
	f.stub.PutTask(clickup.Task{ID: "INVO", Name: "Exact id", Status: clickup.Status{Status: "open"}})

	res, err := f.svc.SearchTasks(ctx, "x")
	if err != nil || len(res.Tasks) != 0 || f.stub.Calls("GetTeamTasks") != 0 {
		t.Fatalf("short query: %+v %v", res, err)
	}

	res, err = f.svc.SearchTasks(ctx, "INVO")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Tasks) != clickup.MaxSearchResults {
		t.Fatalf("expected %d results, got %d", clickup.MaxSearchResults, len(res.Tasks))
	}
	if res.Tasks[0].ID != "INVO" || res.Tasks[0].Status != "open" {
		t.Fatalf("id match must come first: %+v", res.Tasks[0])
	}
	if res.Tasks[1].Status != "unknown" || res.Tasks[1].List != "Billing" {
		t.Fatalf("unexpected summary %+v", res.Tasks[1])
	}

	anon := newFixture(t, false)
	if res, err := anon.svc.SearchTasks(ctx, "invoice"); err != nil || len(res.Tasks) != 0 {
		t.Fatalf("unauthenticated search: %+v %v", res, err)
	}
}

func TestFindLinkedTasks(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.links.Merge(ctx, "local", persistence.TaskRef{ID: "1", Name: "Local"}); err != nil {
		t.Fatal(err)
	}
	f.stub.TeamTasks["team-1"] = []clickup.Task{{ID: "r1", Name: "Reply to 18c0ffee", URL: "https://x/r1"}}

	got, err := f.svc.FindLinkedTasks(ctx, []string{"local", "18c0ffee", "nothing", ""})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ThreadID != "local" || got[1].ThreadID != "18c0ffee" || got[1].Tasks[0].ID != "r1" {
		t.Fatalf("unexpected result %+v", got)
	}
	if refs := f.links.Thread(ctx, "18c0ffee"); len(refs) != 1 {
		t.Fatal("discovered link must be stored")
	}
	if _, ok := f.links.Get(ctx)["nothing"]; ok {
		t.Fatal("threads without hits must not get entries")
	}
}
