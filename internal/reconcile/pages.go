package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/otel"
)

// Pages owns the engines of every mirrored page.
type Pages struct {
	ctx      context.Context
	store    LinkStore
	fetcher  clickup.TaskFetcher
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tunables atomic.Pointer[Tunables]
	now      func() time.Time

	mu      sync.Mutex
	engines map[string]*Engine
	// closed keeps the counters of engines that are gone.
	closed Stats
}

type PagesConfig struct {
	Store    LinkStore
	Fetcher  clickup.TaskFetcher
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tunables Tunables
	Now      func() time.Time
}

// NewPages creates an empty registry. Engines it opens stop when ctx ends.
func NewPages(ctx context.Context, cfg PagesConfig) *Pages {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pages{
		ctx:     ctx,
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		engines: map[string]*Engine{},
	}
	if p.metrics == nil {
		p.metrics = otel.NopMetrics()
	}
	t := cfg.Tunables.normalized()
	p.tunables.Store(&t)
	return p
}

// SetTunables swaps the tunables seen by every engine.
func (p *Pages) SetTunables(t Tunables) {
	t = t.normalized()
	p.tunables.Store(&t)
	p.logger.Info("reconcile tunables updated",
		"debounce", t.Debounce, "nav_poll", t.NavPoll, "stale_after", t.StaleAfter)
}

func (p *Pages) Tunables() Tunables {
	return *p.tunables.Load()
}

// Open returns the engine for pageID, starting one if needed. A new engine
// delivers its patches to sink; an existing one keeps the sink it was opened
// with. A nil sink leaves the bus as the only patch channel.
func (p *Pages) Open(pageID string, sink PatchSink) *Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.engines[pageID]; ok {
		return e
	}
	e := New(Config{
		PageID:   pageID,
		Patches:  sink,
		Store:    p.store,
		Fetcher:  p.fetcher,
		Bus:      p.bus,
		Logger:   p.logger,
		Metrics:  p.metrics,
		Tunables: &p.tunables,
		Now:      p.now,
	})
	e.Start(p.ctx)
	p.engines[pageID] = e
	p.metrics.ActivePages.Add(p.ctx, 1)
	return e
}

func (p *Pages) Get(pageID string) (*Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.engines[pageID]
	return e, ok
}

// Close stops and forgets one page's engine.
func (p *Pages) Close(pageID string) bool {
	p.mu.Lock()
	e, ok := p.engines[pageID]
	if ok {
		delete(p.engines, pageID)
		p.closed.add(e.Stats())
	}
	p.mu.Unlock()
	if ok {
		e.Close()
		p.metrics.ActivePages.Add(p.ctx, -1)
	}
	return ok
}

// CloseAll stops every engine.
func (p *Pages) CloseAll() {
	for _, id := range p.IDs() {
		p.Close(id)
	}
}

// IDs lists open page ids in sorted order.
func (p *Pages) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.engines))
	for id := range p.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pages) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.engines)
}

// RescanAll asks every engine for a fallback scan. The cron job calls it.
func (p *Pages) RescanAll(ctx context.Context) {
	p.mu.Lock()
	engines := make([]*Engine, 0, len(p.engines))
	for _, e := range p.engines {
		engines = append(engines, e)
	}
	p.mu.Unlock()
	for _, e := range engines {
		if err := e.Rescan(ctx); err != nil {
			p.logger.Debug("fallback rescan skipped", "page_id", e.PageID(), "error", err)
		}
	}
}

// Stats sums the counters of open and closed engines.
func (p *Pages) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.closed
	for _, e := range p.engines {
		total.add(e.Stats())
	}
	return total
}
