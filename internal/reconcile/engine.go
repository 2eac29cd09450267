// Package reconcile keeps the task badges on a mirrored mail page in line
// with the link store. One Engine runs per page as a single goroutine that
// owns the page's document; every change it makes is published as a patch
// for the browser to replay.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/dom"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
)

// ThreadState tracks one thread through a page load.
type ThreadState string

const (
	StateUnseen    ThreadState = "unseen"
	StateInjected  ThreadState = "injected"
	StateVerifying ThreadState = "verifying"
	StateVerified  ThreadState = "verified"
	StatePruned    ThreadState = "pruned"
)

// Patch operations.
const (
	OpInsertBefore = "insert-before"
	OpAppend       = "append"
	OpReplace      = "replace"
	OpRemove       = "remove"
)

// Patch kinds.
const (
	KindBar   = "bar"
	KindLinks = "links"
	KindLink  = "link"
	KindBadge = "badge"
)

var ErrEngineClosed = errors.New("reconcile: engine closed")

// Stats are cumulative counters for one engine.
type Stats struct {
	Scans         int64 `json:"scans"`
	Coalesced     int64 `json:"coalesced"`
	Injections    int64 `json:"injections"`
	Reinjections  int64 `json:"reinjections"`
	Verifications int64 `json:"verifications"`
	Prunes        int64 `json:"prunes"`
	Badges        int64 `json:"badges"`
	Patches       int64 `json:"patches"`
}

func (s *Stats) add(o Stats) {
	s.Scans += o.Scans
	s.Coalesced += o.Coalesced
	s.Injections += o.Injections
	s.Reinjections += o.Reinjections
	s.Verifications += o.Verifications
	s.Prunes += o.Prunes
	s.Badges += o.Badges
	s.Patches += o.Patches
}

// PatchSink receives the patches of one page in seq order. The engine waits
// for the owner to take each patch, so none is lost.
type PatchSink chan<- bus.PagePatchEvent

type Config struct {
	PageID  string
	Patches PatchSink
	Store   LinkStore
	Fetcher clickup.TaskFetcher
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// Tunables is shared so a config reload reaches every engine.
	Tunables *atomic.Pointer[Tunables]
	Now      func() time.Time
}

type Engine struct {
	pageID   string
	sink     PatchSink
	store    LinkStore
	fetcher  clickup.TaskFetcher
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tunables *atomic.Pointer[Tunables]
	now      func() time.Time

	ctx     context.Context
	cmds    chan command
	results chan verifyResult
	done    chan struct{}
	closeMu sync.Once

	seq           atomic.Uint64
	scans         atomic.Int64
	coalesced     atomic.Int64
	injections    atomic.Int64
	reinjections  atomic.Int64
	verifications atomic.Int64
	prunes        atomic.Int64
	badges        atomic.Int64
	patches       atomic.Int64

	stateMu sync.RWMutex
	states  map[string]ThreadState

	// Owned by the run goroutine.
	doc      *dom.Document
	links    persistence.LinkMap
	lastURL  string
	armed    map[string]bool
	inFlight map[string]bool
	deriver  *Deriver
	debounce *debouncer
	// linkDrops is the last seen drop count of the links subscription.
	linkDrops int64
}

type commandKind int

const (
	cmdLoad commandKind = iota
	cmdUpdate
	cmdNavigate
	cmdNotify
	cmdRescan
	cmdHTML
)

type command struct {
	kind  commandKind
	url   string
	html  string
	reply chan commandReply
}

type commandReply struct {
	html string
	err  error
}

type verifyResult struct {
	threadID string
	gone     []string
	checked  int
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	tun := cfg.Tunables
	if tun == nil {
		tun = &atomic.Pointer[Tunables]{}
		def := DefaultTunables()
		tun.Store(&def)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		pageID:   cfg.PageID,
		sink:     cfg.Patches,
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		bus:      cfg.Bus,
		logger:   logger.With("component", "reconcile", "page_id", cfg.PageID),
		metrics:  metrics,
		tunables: tun,
		now:      now,
		ctx:      context.Background(),
		cmds:     make(chan command, 64),
		// Unbuffered: a result is either taken by the running actor or
		// applied by the verifier itself after Close.
		results:  make(chan verifyResult),
		done:     make(chan struct{}),
		states:   map[string]ThreadState{},
		links:    persistence.LinkMap{},
		armed:    map[string]bool{},
		inFlight: map[string]bool{},
		deriver:  NewDeriver(now),
		debounce: newDebouncer(now),
	}
}

func (e *Engine) PageID() string { return e.pageID }

// Start runs the engine until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	var sub *bus.Subscription
	if e.bus != nil {
		sub = e.bus.SubscribeSize("links.", 64)
	}
	e.ctx = ctx
	go e.run(ctx, sub)
}

// Close stops the engine. In-flight verifications still prune the store when
// they finish; only the re-render is skipped.
func (e *Engine) Close() {
	e.closeMu.Do(func() { close(e.done) })
}

// Load replaces the mirror with a fresh page load and scans immediately.
// Per-page state, including which threads were verified, is reset.
func (e *Engine) Load(ctx context.Context, url, html string) error {
	_, err := e.call(ctx, command{kind: cmdLoad, url: url, html: html})
	return err
}

// Update replaces the mirror content within the current page load and counts
// as one mutation notification.
func (e *Engine) Update(ctx context.Context, url, html string) error {
	_, err := e.call(ctx, command{kind: cmdUpdate, url: url, html: html})
	return err
}

// Navigate records a client-side URL change. The navigation poll notices it.
func (e *Engine) Navigate(ctx context.Context, url string) error {
	return e.send(ctx, command{kind: cmdNavigate, url: url})
}

// Notify reports a mutation without new content.
func (e *Engine) Notify(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdNotify})
}

// Rescan requests a full scan, bypassing the debouncer.
func (e *Engine) Rescan(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdRescan})
}

// HTML renders the current mirror.
func (e *Engine) HTML(ctx context.Context) (string, error) {
	return e.call(ctx, command{kind: cmdHTML})
}

func (e *Engine) Stats() Stats {
	return Stats{
		Scans:         e.scans.Load(),
		Coalesced:     e.coalesced.Load(),
		Injections:    e.injections.Load(),
		Reinjections:  e.reinjections.Load(),
		Verifications: e.verifications.Load(),
		Prunes:        e.prunes.Load(),
		Badges:        e.badges.Load(),
		Patches:       e.patches.Load(),
	}
}

// State reports where a thread is in the current page load.
func (e *Engine) State(threadID string) ThreadState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if s, ok := e.states[threadID]; ok {
		return s
	}
	return StateUnseen
}

func (e *Engine) setState(threadID string, s ThreadState) {
	e.stateMu.Lock()
	e.states[threadID] = s
	e.stateMu.Unlock()
}

func (e *Engine) resetStates() {
	e.stateMu.Lock()
	e.states = map[string]ThreadState{}
	e.stateMu.Unlock()
}

func (e *Engine) send(ctx context.Context, cmd command) error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) call(ctx context.Context, cmd command) (string, error) {
	cmd.reply = make(chan commandReply, 1)
	if err := e.send(ctx, cmd); err != nil {
		return "", err
	}
	select {
	case r := <-cmd.reply:
		return r.html, r.err
	case <-e.done:
		return "", ErrEngineClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) tun() Tunables {
	if t := e.tunables.Load(); t != nil {
		return t.normalized()
	}
	return DefaultTunables()
}

func (e *Engine) run(ctx context.Context, sub *bus.Subscription) {
	var linkEvents <-chan bus.Event
	if sub != nil {
		linkEvents = sub.Ch()
		defer e.bus.Unsubscribe(sub)
	}
	defer e.debounce.stop()

	navEvery := e.tun().NavPoll
	nav := time.NewTicker(navEvery)
	defer nav.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case cmd := <-e.cmds:
			e.handle(ctx, cmd)
		case res := <-e.results:
			e.applyVerification(ctx, res)
		case ev, ok := <-linkEvents:
			if !ok {
				linkEvents = nil
				continue
			}
			e.handleLinkEvent(ctx, ev)
			e.checkLinkDrops(ctx, sub)
		case <-e.debounce.C():
			e.debounce.fired()
			e.scan(ctx, "mutation")
		case <-nav.C:
			if t := e.tun().NavPoll; t != navEvery {
				navEvery = t
				nav.Reset(t)
			}
			e.checkLinkDrops(ctx, sub)
			e.pollNavigation(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, cmd command) {
	var reply commandReply
	switch cmd.kind {
	case cmdLoad:
		reply.err = e.load(ctx, cmd.url, cmd.html)
	case cmdUpdate:
		reply.err = e.update(ctx, cmd.url, cmd.html)
	case cmdNavigate:
		if e.doc != nil {
			e.doc.SetURL(cmd.url)
		}
	case cmdNotify:
		e.touch(ctx)
	case cmdRescan:
		e.links = e.store.Get(ctx)
		e.scan(ctx, "fallback")
	case cmdHTML:
		if e.doc == nil {
			reply.err = fmt.Errorf("page %s not loaded", e.pageID)
		} else {
			reply.html = e.doc.HTML()
		}
	}
	if cmd.reply != nil {
		cmd.reply <- reply
	}
}

func (e *Engine) load(ctx context.Context, url, html string) error {
	if e.doc == nil {
		doc, err := dom.ParseString(url, html)
		if err != nil {
			return err
		}
		e.doc = doc
	} else {
		if err := e.doc.Replace(strings.NewReader(html)); err != nil {
			return err
		}
		e.doc.SetURL(url)
	}
	e.lastURL = url
	e.armed = map[string]bool{}
	e.deriver.Reset()
	e.debounce.stop()
	e.resetStates()
	e.links = e.store.Get(ctx)
	e.scan(ctx, "load")
	return nil
}

func (e *Engine) update(ctx context.Context, url, html string) error {
	if e.doc == nil {
		return e.load(ctx, url, html)
	}
	if err := e.doc.Replace(strings.NewReader(html)); err != nil {
		return err
	}
	if url != "" {
		e.doc.SetURL(url)
	}
	e.touch(ctx)
	return nil
}

func (e *Engine) touch(ctx context.Context) {
	t := e.tun()
	if e.debounce.touch(t.Debounce, t.MaxDebounce) {
		e.coalesced.Add(1)
		e.metrics.ReconcileCoalesced.Add(ctx, 1)
	}
}

func (e *Engine) pollNavigation(ctx context.Context) {
	if e.doc == nil || e.doc.URL() == e.lastURL {
		return
	}
	e.lastURL = e.doc.URL()
	e.links = e.store.Get(ctx)
	e.scan(ctx, "navigate")
}

func (e *Engine) scan(ctx context.Context, reason string) {
	if e.doc == nil {
		return
	}
	e.scans.Add(1)
	e.metrics.ReconcileScans.Add(ctx, 1, metric.WithAttributes(otel.AttrReason.String(reason)))

	injected := e.detailPass(ctx)
	badges := e.listPass()

	if injected > 0 || badges > 0 {
		e.logger.Debug("scan pass", "reason", reason, "injected", injected, "badges", badges)
	}
	e.publish(bus.TopicPageScan, bus.PageScanEvent{
		PageID:   e.pageID,
		Reason:   reason,
		Injected: injected,
		Badges:   badges,
	})
}

// detailPass injects a bar above every message body that lacks a fresh one.
func (e *Engine) detailPass(ctx context.Context) int {
	bodies := e.doc.QueryAll(selBodies)
	if len(bodies) == 0 {
		return 0
	}
	threadID, tier := e.deriver.ThreadID(e.doc)
	stale := e.tun().StaleAfter
	now := e.now()

	injected, present := 0, false
	for _, body := range bodies {
		if !body.Attached() {
			continue
		}
		container := body.Closest(selGS)
		if container == nil {
			container = body.Closest(selH7)
		}
		if container == nil {
			container = body.Parent()
		}
		parent := body.Parent()
		if container == nil || parent == nil {
			continue
		}
		if bar := container.Query(selBar); bar != nil {
			foreign := tier != TierGenerated && bar.Attr(AttrThreadID) != threadID
			if !foreign && !isStale(bar, now, stale) {
				present = true
				continue
			}
			e.emit(OpRemove, bar.Path(), "", KindBar, bar.Attr(AttrThreadID))
			bar.Remove()
			e.reinjections.Add(1)
			delete(e.armed, threadID)
		}

		bar := RenderBar(threadID, e.links[threadID], now)
		e.emit(OpInsertBefore, body.Path(), bar.OuterHTML(), KindBar, threadID)
		parent.InsertBefore(bar, body)
		injected++
		present = true
		e.injections.Add(1)
	}
	if injected > 0 && tier == TierGenerated {
		e.logger.Debug("no stable thread id found, using generated id", "thread_id", threadID)
	}
	if present {
		e.arm(ctx, threadID)
	}
	return injected
}

// arm starts the one verification a thread gets per page load. A stale
// re-injection disarms the thread so it is verified again.
func (e *Engine) arm(ctx context.Context, threadID string) {
	if e.armed[threadID] {
		return
	}
	e.armed[threadID] = true
	if e.inFlight[threadID] {
		return
	}
	refs := e.links[threadID]
	if len(refs) == 0 {
		e.setState(threadID, StateVerified)
		return
	}
	e.setState(threadID, StateInjected)
	e.startVerification(ctx, threadID, refs)
}

func isStale(bar *dom.Element, now time.Time, after time.Duration) bool {
	ms, err := strconv.ParseInt(bar.Attr(AttrInjectedAt), 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(ms)) > after
}

// listPass adds a compact badge to inbox rows of threads with linked tasks.
// It never verifies.
func (e *Engine) listPass() int {
	added := 0
	for _, row := range e.doc.QueryAll(selRow) {
		threadID := rowThreadID(row)
		if threadID == "" {
			continue
		}
		refs := e.links[threadID]
		if len(refs) == 0 || row.Query(selListBadge) != nil {
			continue
		}
		e.appendBadge(row, threadID, refs)
		added++
	}
	return added
}

func (e *Engine) appendBadge(row *dom.Element, threadID string, refs []persistence.TaskRef) {
	badge := RenderListBadge(threadID, refs)
	if badge == nil {
		return
	}
	anchor := row.Query(selRowAnchor)
	if anchor == nil {
		anchor = row
	}
	e.emit(OpAppend, anchor.Path(), badge.OuterHTML(), KindBadge, threadID)
	anchor.AppendChild(badge)
	e.badges.Add(1)
}

func (e *Engine) startVerification(ctx context.Context, threadID string, refs []persistence.TaskRef) {
	e.inFlight[threadID] = true
	e.setState(threadID, StateVerifying)
	e.verifications.Add(1)
	e.metrics.Verifications.Add(ctx, 1)

	refs = append([]persistence.TaskRef(nil), refs...)
	fetcher := e.fetcher
	go func() {
		res := verifyResult{threadID: threadID, checked: len(refs)}
		if fetcher != nil {
			verdicts := make([]Verdict, len(refs))
			var wg sync.WaitGroup
			for i, ref := range refs {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					task, err := fetcher.GetTask(ctx, id)
					verdicts[i] = Decide(task, err)
				}(i, ref.ID)
			}
			wg.Wait()
			for i, v := range verdicts {
				if v == Prune {
					res.gone = append(res.gone, refs[i].ID)
				}
			}
		}
		select {
		case e.results <- res:
		case <-e.done:
			e.pruneDetached(ctx, res)
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) applyVerification(ctx context.Context, res verifyResult) {
	delete(e.inFlight, res.threadID)
	if len(res.gone) == 0 {
		e.setState(res.threadID, StateVerified)
		return
	}
	if err := e.prune(ctx, res); err != nil {
		e.setState(res.threadID, StateVerified)
		return
	}
	e.links = e.store.Get(ctx)
	e.refreshThread(res.threadID)
	e.setState(res.threadID, StatePruned)
}

// pruneDetached applies a verification that finished after Close. The page
// is gone, so only the store is updated.
func (e *Engine) pruneDetached(ctx context.Context, res verifyResult) {
	if len(res.gone) == 0 {
		return
	}
	if err := e.prune(ctx, res); err == nil {
		e.setState(res.threadID, StatePruned)
	}
}

// prune drops the gone refs of one thread from the store. Refs added since
// the verification started are kept.
func (e *Engine) prune(ctx context.Context, res verifyResult) error {
	gone := make(map[string]bool, len(res.gone))
	for _, id := range res.gone {
		gone[id] = true
	}
	current := e.store.Get(ctx)[res.threadID]
	survivors := make([]persistence.TaskRef, 0, len(current))
	for _, ref := range current {
		if !gone[ref.ID] {
			survivors = append(survivors, ref)
		}
	}
	removed, err := e.store.ReplaceEntry(ctx, res.threadID, survivors)
	if err != nil {
		e.logger.Warn("prune failed, keeping references", "thread_id", res.threadID, "error", err)
		return err
	}
	if len(removed) > 0 {
		e.prunes.Add(int64(len(removed)))
		e.metrics.Prunes.Add(ctx, int64(len(removed)), metric.WithAttributes(otel.AttrThreadID.String(res.threadID)))
		audit.Record(ctx, "link.prune", audit.OutcomeOK, "remote reports task gone",
			"thread:"+res.threadID+" tasks:"+strings.Join(removed, ","))
	}
	return nil
}

func (e *Engine) handleLinkEvent(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskLinkedEvent:
		e.links = e.store.Get(ctx)
		// Pruned again before the event reached us.
		if !e.links.Contains(p.ThreadID, p.TaskID) {
			return
		}
		e.appendLinked(p)
	case bus.LinksPrunedEvent:
		e.links = e.store.Get(ctx)
		e.refreshThread(p.ThreadID)
	}
}

// checkLinkDrops resyncs every thread on the page when the links
// subscription lost events.
func (e *Engine) checkLinkDrops(ctx context.Context, sub *bus.Subscription) {
	if sub == nil {
		return
	}
	d := sub.Dropped()
	if d == e.linkDrops {
		return
	}
	e.logger.Warn("link events dropped, resyncing page", "missed", d-e.linkDrops)
	e.linkDrops = d
	e.resync(ctx)
}

// resync re-renders the bars and badges of every thread shown on the page
// from a fresh snapshot.
func (e *Engine) resync(ctx context.Context) {
	e.links = e.store.Get(ctx)
	if e.doc == nil {
		return
	}
	seen := map[string]bool{}
	for _, bar := range e.doc.QueryAll(selBar) {
		seen[bar.Attr(AttrThreadID)] = true
	}
	for _, row := range e.doc.QueryAll(selRow) {
		seen[rowThreadID(row)] = true
	}
	delete(seen, "")
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.refreshThread(id)
	}
}

// appendLinked adds a freshly linked task to bars already on the page.
func (e *Engine) appendLinked(p bus.TaskLinkedEvent) {
	if e.doc == nil {
		return
	}
	ref := persistence.TaskRef{ID: p.TaskID, Name: p.Name, URL: p.URL}
	for _, bar := range e.barsFor(p.ThreadID) {
		list := bar.Query(selLinked)
		if list == nil {
			continue
		}
		already := false
		for _, id := range shownTaskIDs(list) {
			if id == p.TaskID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		link := RenderTaskLink(ref, true)
		e.emit(OpAppend, list.Path(), link.OuterHTML(), KindLink, p.ThreadID)
		list.AppendChild(link)
	}
	e.refreshBadges(p.ThreadID)
}

// refreshThread re-renders the bars and row badges of one thread from the
// current snapshot when they disagree with it.
func (e *Engine) refreshThread(threadID string) {
	if e.doc == nil {
		return
	}
	refs := e.links[threadID]
	want := refIDs(refs)
	for _, bar := range e.barsFor(threadID) {
		list := bar.Query(selLinked)
		if list == nil || sameIDs(shownTaskIDs(list), want) {
			continue
		}
		fresh := RenderLinkedTasks(refs)
		e.emit(OpReplace, list.Path(), fresh.OuterHTML(), KindLinks, threadID)
		list.Parent().InsertBefore(fresh, list)
		list.Remove()
	}
	e.refreshBadges(threadID)
}

func (e *Engine) refreshBadges(threadID string) {
	refs := e.links[threadID]
	for _, row := range e.doc.QueryAll(selRow) {
		if rowThreadID(row) != threadID {
			continue
		}
		badge := row.Query(selListBadge)
		switch {
		case badge == nil && len(refs) > 0:
			e.appendBadge(row, threadID, refs)
		case badge != nil && len(refs) == 0:
			e.emit(OpRemove, badge.Path(), "", KindBadge, threadID)
			badge.Remove()
		case badge != nil && !badgeMatches(badge, refs):
			fresh := RenderListBadge(threadID, refs)
			e.emit(OpReplace, badge.Path(), fresh.OuterHTML(), KindBadge, threadID)
			badge.Parent().InsertBefore(fresh, badge)
			badge.Remove()
		}
	}
}

func (e *Engine) barsFor(threadID string) []*dom.Element {
	var out []*dom.Element
	for _, bar := range e.doc.QueryAll(selBar) {
		if bar.Attr(AttrThreadID) == threadID {
			out = append(out, bar)
		}
	}
	return out
}

// emit hands one patch to the page owner and announces it on the bus.
// Targets are computed against the mirror before the matching mutation is
// applied, so replaying patches in seq order on the client reproduces the
// mirror. The bus copy is for observers and may be dropped; the sink copy is
// not.
func (e *Engine) emit(op, target, html, kind, threadID string) {
	e.patches.Add(1)
	patch := bus.PagePatchEvent{
		PageID:   e.pageID,
		Seq:      e.seq.Add(1),
		Op:       op,
		Target:   target,
		HTML:     html,
		Kind:     kind,
		ThreadID: threadID,
	}
	if e.sink != nil {
		select {
		case e.sink <- patch:
		case <-e.done:
		case <-e.ctx.Done():
		}
	}
	e.publish(bus.TopicPagePatch, patch)
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}
