package reconcile_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/clickup/clickuptest"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/reconcile"
)

const detailURL = "https://mail.google.com/mail/u/0/#inbox/abc123"

const detailPage = `<html><head></head><body>
<div role="main">
  <h2 class="hP">Quarterly report</h2>
  <div class="gs"><div class="gD" email="ana@example.com">Ana</div><div class="a3s aiL">Hello there</div></div>
</div>
<table><tbody>
  <tr class="zA" data-legacy-thread-id="abc123"><td class="y6">Quarterly report</td></tr>
</tbody></table>
</body></html>`

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	bus    *bus.Bus
	store  *persistence.Store
	links  *persistence.LinkStore
	stub   *clickuptest.Stub
	pages  *reconcile.Pages
	clock  *fakeClock
	engine *reconcile.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, reconcile.Tunables{
		Debounce:    100 * time.Millisecond,
		MaxDebounce: time.Second,
		NavPoll:     time.Hour,
		StaleAfter:  30 * time.Second,
	})
}

func newHarnessWith(t *testing.T, tun reconcile.Tunables) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskbridge.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:     t,
		bus:   b,
		store: store,
		links: persistence.NewLinkStore(store, nil),
		stub:  clickuptest.New(),
		clock: newFakeClock(),
	}
	h.pages = reconcile.NewPages(ctx, reconcile.PagesConfig{
		Store:    h.links,
		Fetcher:  h.stub,
		Bus:      b,
		Tunables: tun,
		Now:      h.clock.Now,
	})
	t.Cleanup(h.pages.CloseAll)
	h.engine = h.pages.Open("page-1", nil)
	return h
}

func (h *harness) merge(threadID string, refs ...persistence.TaskRef) {
	h.t.Helper()
	for _, r := range refs {
		if _, err := h.links.Merge(context.Background(), threadID, r); err != nil {
			h.t.Fatalf("merge: %v", err)
		}
	}
}

func (h *harness) load(url, page string) {
	h.t.Helper()
	if err := h.engine.Load(context.Background(), url, page); err != nil {
		h.t.Fatalf("load: %v", err)
	}
}

func (h *harness) html() string {
	h.t.Helper()
	out, err := h.engine.HTML(context.Background())
	if err != nil {
		h.t.Fatalf("html: %v", err)
	}
	return out
}

func ref(id, name string) persistence.TaskRef {
	return persistence.TaskRef{ID: id, Name: name, URL: "https://x/" + id}
}

func TestEngine_InjectsBarAndVerifies(t *testing.T) {
	h := newHarness(t)
	h.merge("abc123", ref("9", "Fix bug"))
	h.stub.PutTask(clickup.Task{ID: "9", Name: "Fix bug"})

	h.load(detailURL, detailPage)

	out := h.html()
	if !strings.Contains(out, `class="cu-email-bar" data-thread-id="abc123"`) {
		t.Fatalf("bar not injected:\n%s", out)
	}
	if !strings.Contains(out, `data-task-id="9">Fix bug</a>`) {
		t.Fatalf("linked task not rendered:\n%s", out)
	}
	if strings.Index(out, "cu-email-bar") > strings.Index(out, "a3s aiL") {
		t.Fatal("bar must be inserted before the message body")
	}
	waitFor(t, 2*time.Second, func() bool { return h.engine.State("abc123") == reconcile.StateVerified })
	if got := h.links.Thread(context.Background(), "abc123"); len(got) != 1 {
		t.Fatalf("verified reference was dropped: %+v", got)
	}
}

func TestEngine_PrunesNotFoundKeepsTransient(t *testing.T) {
	h := newHarness(t)
	h.merge("abc123", ref("T1", "Gone"), ref("T2", "Flaky"))
	h.stub.SetTaskErr("T1", clickuptest.NotFound("GetTask"))
	h.stub.SetTaskErr("T2", clickuptest.Transient("GetTask"))

	h.load(detailURL, detailPage)
	waitFor(t, 2*time.Second, func() bool { return h.engine.State("abc123") == reconcile.StatePruned })

	got := h.links.Thread(context.Background(), "abc123")
	if len(got) != 1 || got[0].ID != "T2" {
		t.Fatalf("expected only T2 to survive, got %+v", got)
	}
	out := h.html()
	if strings.Contains(out, `data-task-id="T1"`) {
		t.Fatalf("pruned task still rendered:\n%s", out)
	}
	if !strings.Contains(out, `data-task-id="T2"`) {
		t.Fatalf("kept task missing:\n%s", out)
	}
	if h.engine.Stats().Prunes != 1 {
		t.Fatalf("prunes = %d", h.engine.Stats().Prunes)
	}
}

func TestEngine_CloseStillPrunesFinishedVerification(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.stub.GetTaskHook = func(ctx context.Context, taskID string) {
		if taskID != "9" {
			return
		}
		once.Do(func() { close(entered) })
		<-release
	}
	h.stub.SetTaskErr("9", clickuptest.NotFound("GetTask"))
	h.merge("abc123", ref("9", "Gone"), ref("10", "Kept"))
	h.stub.PutTask(clickup.Task{ID: "10", Name: "Kept"})

	h.load(detailURL, detailPage)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("verification never reached the remote")
	}
	h.pages.Close("page-1")
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		return len(h.links.Thread(context.Background(), "abc123")) == 1
	})
	got := h.links.Thread(context.Background(), "abc123")
	if got[0].ID != "10" {
		t.Fatalf("survivors = %+v, want only 10", got)
	}
}

func TestEngine_KeepsEverythingWhenUnauthenticated(t *testing.T) {
	h := newHarness(t)
	h.merge("abc123", ref("9", "Fix bug"))
	h.stub.SetTaskErr("9", clickup.ErrNotAuthenticated)

	h.load(detailURL, detailPage)
	waitFor(t, 2*time.Second, func() bool { return h.engine.State("abc123") == reconcile.StateVerified })
	if got := h.links.Thread(context.Background(), "abc123"); len(got) != 1 {
		t.Fatalf("reference dropped without a definitive answer: %+v", got)
	}
}

func TestEngine_PruneLeavesEmptyEntryAndNoBadge(t *testing.T) {
	h := newHarness(t)
	h.merge("abc123", ref("9", "Fix bug"))
	h.stub.SetTaskErr("9", clickuptest.NotFound("GetTask"))

	h.load(detailURL, detailPage)
	waitFor(t, 2*time.Second, func() bool { return h.engine.State("abc123") == reconcile.StatePruned })

	raw, err := h.store.KVGet(context.Background(), persistence.LinkMapKey)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if raw != `{"abc123":[]}` {
		t.Fatalf("link map = %s", raw)
	}
	out := h.html()
	if strings.Contains(out, "cu-list-badge") || strings.Contains(out, "cu-task-link") {
		t.Fatalf("badge still rendered for pruned thread:\n%s", out)
	}
}

func TestEngine_DebounceCoalescesBurst(t *testing.T) {
	h := newHarness(t)
	h.load(detailURL, detailPage)
	base := h.engine.Stats()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := h.engine.Notify(ctx); err != nil {
			t.Fatalf("notify: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if time.Since(start) > 90*time.Millisecond {
		t.Skip("burst took longer than the debounce window on this machine")
	}

	waitFor(t, 2*time.Second, func() bool { return h.engine.Stats().Scans == base.Scans+1 })
	time.Sleep(300 * time.Millisecond)
	st := h.engine.Stats()
	if st.Scans != base.Scans+1 {
		t.Fatalf("expected exactly one scan after the burst, got %d", st.Scans-base.Scans)
	}
	if st.Coalesced-base.Coalesced != 19 {
		t.Fatalf("expected 19 coalesced notifications, got %d", st.Coalesced-base.Coalesced)
	}
}

func TestEngine_VerifiesOncePerPageLoad(t *testing.T) {
	h := newHarness(t)
	h.merge("abc123", ref("9", "Fix bug"))
	h.stub.PutTask(clickup.Task{ID: "9", Name: "Fix bug"})
	ctx := context.Background()

	h.load(detailURL, detailPage)
	waitFor(t, 2*time.Second, func() bool { return h.engine.State("abc123") == reconcile.StateVerified })

	for i := 0; i < 3; i++ {
		if err := h.engine.Update(ctx, detailURL, detailPage); err != nil {
			t.Fatalf("update: %v", err)
		}
		before := h.engine.Stats().Scans
		waitFor(t, 2*time.Second, func() bool { return h.engine.Stats().Scans > before })
	}
	if n := h.stub.Calls("GetTask"); n != 1 {
		t.Fatalf("expected one verification call per page load, got %d", n)
	}

	h.load(detailURL, detailPage)
	waitFor(t, 2*time.Second, func() bool { return h.stub.Calls("GetTask") == 2 })
}

func TestEngine_ReinjectsStaleBar(t *testing.T) {
	h := newHarness(t)
	h.merge("abc123", ref("9", "Fix bug"))
	h.stub.PutTask(clickup.Task{ID: "9", Name: "Fix bug"})
	ctx := context.Background()

	h.load(detailURL, detailPage)
	waitFor(t, 2*time.Second, func() bool { return h.engine.State("abc123") == reconcile.StateVerified })

	// The client echoes the page back with the bar still in place.
	withBar := h.html()
	if err := h.engine.Update(ctx, detailURL, withBar); err != nil {
		t.Fatalf("update: %v", err)
	}
	before := h.engine.Stats().Scans
	waitFor(t, 2*time.Second, func() bool { return h.engine.Stats().Scans > before })
	if st := h.engine.Stats(); st.Reinjections != 0 || st.Injections != 1 {
		t.Fatalf("fresh bar must be left alone: %+v", st)
	}

	h.clock.Advance(31 * time.Second)
	if err := h.engine.Update(ctx, detailURL, withBar); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return h.engine.Stats().Reinjections == 1 })
	waitFor(t, 2*time.Second, func() bool { return h.stub.Calls("GetTask") == 2 })
	if n := strings.Count(h.html(), `class="cu-email-bar"`); n != 1 {
		t.Fatalf("expected a single bar after re-injection, got %d", n)
	}
}

func TestEngine_TaskLinkedAppendsWithoutRescan(t *testing.T) {
	h := newHarness(t)
	h.load(detailURL, detailPage)
	scans := h.engine.Stats().Scans

	h.merge("abc123", ref("new1", "From email"))

	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(h.html(), `class="cu-task-link cu-task-new"`)
	})
	out := h.html()
	if !strings.Contains(out, `data-task-id="new1">From email</a>`) {
		t.Fatalf("new link missing:\n%s", out)
	}
	if !strings.Contains(out, `#new1`) {
		t.Fatalf("row badge not added for the new link:\n%s", out)
	}
	if got := h.engine.Stats().Scans; got != scans {
		t.Fatalf("task linked must not trigger a scan, scans %d -> %d", scans, got)
	}
}

func TestEngine_ResyncsAfterDroppedLinkEvents(t *testing.T) {
	h := newHarness(t)
	patches := make(chan bus.PagePatchEvent)
	e := h.pages.Open("page-2", patches)

	const list = `<html><body><div role="main"><table><tbody>
<tr class="zA" data-legacy-thread-id="r0"><td class="y6">zero</td></tr>
<tr class="zA" data-legacy-thread-id="r1"><td class="y6">one</td></tr>
<tr class="zA" data-legacy-thread-id="r2"><td class="y6">two</td></tr>
</tbody></table></div></body></html>`
	if err := e.Load(context.Background(), "https://mail.google.com/mail/u/0/#inbox", list); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Nobody reads patches yet, so the engine stalls on the r0 badge while
	// the r1 burst overflows its link subscription and r2 is lost.
	h.merge("r0", ref("a0", "Zero"))
	for i := 0; i < 64; i++ {
		h.merge("r1", ref(fmt.Sprintf("b%02d", i), "One"))
	}
	h.merge("r2", ref("c0", "Two"))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-patches:
			case <-stop:
				return
			}
		}
	}()

	waitFor(t, 3*time.Second, func() bool {
		out, err := e.HTML(context.Background())
		return err == nil && strings.Contains(out, ">#c0</a>")
	})
}

func TestEngine_ListBadges(t *testing.T) {
	h := newHarness(t)
	h.merge("t1", ref("9", "Fix bug"))
	h.merge("t2", ref("10", "Invoice"), ref("11", "Refund"))

	const list = `<html><body><div role="main"><table><tbody>
<tr class="zA" data-legacy-thread-id="t1"><td class="y6">one</td></tr>
<tr class="zA"><td><span data-thread-id="t2">two</span></td></tr>
<tr class="zA" data-legacy-thread-id="t3"><td class="y6">three</td></tr>
</tbody></table></div></body></html>`
	h.load("https://mail.google.com/mail/u/0/#inbox", list)

	out := h.html()
	if !strings.Contains(out, `href="https://x/9"`) || !strings.Contains(out, ">#9</a>") {
		t.Fatalf("single-task badge missing:\n%s", out)
	}
	if !strings.Contains(out, `title="Invoice, Refund"`) || !strings.Contains(out, ">2 tasks</span>") {
		t.Fatalf("multi-task badge missing:\n%s", out)
	}
	if strings.Count(out, "cu-list-badge") != 2 {
		t.Fatalf("expected two badges:\n%s", out)
	}
	if h.stub.Calls("GetTask") != 0 {
		t.Fatal("list pass must not verify")
	}

	if err := h.engine.Rescan(context.Background()); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.engine.Stats().Scans == 2 })
	if strings.Count(h.html(), "cu-list-badge") != 2 {
		t.Fatal("rescan must not duplicate badges")
	}
}

func TestEngine_PublishesPatches(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.SubscribeSize(bus.TopicPagePatch, 32)
	defer h.bus.Unsubscribe(sub)
	h.merge("abc123", ref("9", "Fix bug"))
	h.stub.PutTask(clickup.Task{ID: "9", Name: "Fix bug"})

	h.load(detailURL, detailPage)

	var got []bus.PagePatchEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Ch():
			got = append(got, ev.Payload.(bus.PagePatchEvent))
		case <-timeout:
			t.Fatalf("expected 2 patches, got %d", len(got))
		}
	}
	bar, badge := got[0], got[1]
	if bar.Op != reconcile.OpInsertBefore || bar.Kind != reconcile.KindBar || bar.PageID != "page-1" || bar.Seq != 1 {
		t.Fatalf("unexpected bar patch %+v", bar)
	}
	if !strings.HasPrefix(bar.Target, "html>body:nth-child(2)>") || !strings.Contains(bar.HTML, "cu-email-bar") {
		t.Fatalf("unexpected bar patch target/html %+v", bar)
	}
	if badge.Op != reconcile.OpAppend || badge.Kind != reconcile.KindBadge || badge.Seq != 2 {
		t.Fatalf("unexpected badge patch %+v", badge)
	}
}

func TestEngine_NavigationTriggersScan(t *testing.T) {
	h := newHarnessWith(t, reconcile.Tunables{
		Debounce:   100 * time.Millisecond,
		NavPoll:    20 * time.Millisecond,
		StaleAfter: 30 * time.Second,
	})
	h.load("https://mail.google.com/mail/u/0/#inbox", detailPage)
	ctx := context.Background()

	before := h.engine.Stats().Scans
	if err := h.engine.Navigate(ctx, detailURL); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return h.engine.Stats().Scans > before })
}

func TestPages_StatsSurviveClose(t *testing.T) {
	h := newHarness(t)
	h.load(detailURL, detailPage)
	if h.pages.Count() != 1 {
		t.Fatalf("count = %d", h.pages.Count())
	}
	h.pages.Close("page-1")
	if h.pages.Count() != 0 {
		t.Fatal("page not closed")
	}
	if h.pages.Stats().Scans != 1 {
		t.Fatalf("closed engine stats lost: %+v", h.pages.Stats())
	}
	if _, err := h.engine.HTML(context.Background()); err == nil {
		t.Fatal("expected closed engine to refuse calls")
	}
}
