package gateway

import (
	"context"
	"errors"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/reconcile"
	"github.com/basket/taskbridge/internal/shared"
)

var (
	errPageOwned   = errors.New("page is mirrored by another connection")
	errUnknownPage = errors.New("unknown page; send pageLoad first")
)

// patchBuffer bounds the patches queued for one connection. A full queue
// stalls the page engines of that connection until the socket catches up.
const patchBuffer = 256

type pageParams struct {
	PageID string `json:"pageId"`
	URL    string `json:"url"`
	HTML   string `json:"html"`
}

type pageResult struct {
	PageID string `json:"pageId"`
}

// pageLoad starts (or restarts) the mirror of one browser tab. Patches for
// the page are pushed to this connection as page.patch notifications.
func pageLoad(ctx context.Context, s *Server, c *client, p pageParams) (any, error) {
	id := p.PageID
	if id == "" {
		id = shared.NewPageID()
	}
	if err := s.claimPage(c, id); err != nil {
		return nil, err
	}
	e := s.cfg.Pages.Open(id, s.patchSink(c))
	if err := e.Load(shared.WithPageID(ctx, id), p.URL, p.HTML); err != nil {
		return nil, err
	}
	return pageResult{PageID: id}, nil
}

func pageUpdate(ctx context.Context, s *Server, c *client, p pageParams) (any, error) {
	e, err := s.ownedEngine(c, p.PageID)
	if err != nil {
		return nil, err
	}
	if err := e.Update(shared.WithPageID(ctx, p.PageID), p.URL, p.HTML); err != nil {
		return nil, err
	}
	return pageResult{PageID: p.PageID}, nil
}

func pageNavigate(ctx context.Context, s *Server, c *client, p pageParams) (any, error) {
	e, err := s.ownedEngine(c, p.PageID)
	if err != nil {
		return nil, err
	}
	if err := e.Navigate(ctx, p.URL); err != nil {
		return nil, err
	}
	return pageResult{PageID: p.PageID}, nil
}

func pageClose(_ context.Context, s *Server, c *client, p pageParams) (any, error) {
	if _, err := s.ownedEngine(c, p.PageID); err != nil {
		return nil, err
	}
	s.releasePage(p.PageID)
	return map[string]bool{"closed": true}, nil
}

func (s *Server) claimPage(c *client, pageID string) error {
	s.pagesMu.Lock()
	owner, taken := s.owners[pageID]
	if taken && owner != c {
		s.pagesMu.Unlock()
		return errPageOwned
	}
	s.owners[pageID] = c
	s.pagesMu.Unlock()
	return nil
}

func (s *Server) ownedEngine(c *client, pageID string) (*reconcile.Engine, error) {
	if !s.owns(c, pageID) {
		return nil, errUnknownPage
	}
	e, ok := s.cfg.Pages.Get(pageID)
	if !ok {
		return nil, errUnknownPage
	}
	return e, nil
}

func (s *Server) owns(c *client, pageID string) bool {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	return pageID != "" && s.owners[pageID] == c
}

func (s *Server) releasePage(pageID string) {
	s.pagesMu.Lock()
	delete(s.owners, pageID)
	s.pagesMu.Unlock()
	s.cfg.Pages.Close(pageID)
}

// releaseClientPages closes every page mirrored by c.
func (s *Server) releaseClientPages(c *client) {
	s.pagesMu.Lock()
	var ids []string
	for id, owner := range s.owners {
		if owner == c {
			ids = append(ids, id)
		}
	}
	s.pagesMu.Unlock()
	for _, id := range ids {
		s.releasePage(id)
	}
}

// patchSink returns c's patch queue, starting its forwarder on first use.
func (s *Server) patchSink(c *client) reconcile.PatchSink {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.patches == nil {
		c.patches = make(chan bus.PagePatchEvent, patchBuffer)
		var ctx context.Context
		ctx, c.patchCancel = context.WithCancel(context.Background())
		go s.forwardPatches(ctx, c, c.patches)
	}
	return c.patches
}

// forwardPatches writes the patches of c's pages in the order the engines
// emitted them. It keeps draining after a failed write so no engine stalls
// on a dead connection before its page is released.
func (s *Server) forwardPatches(ctx context.Context, c *client, patches <-chan bus.PagePatchEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case patch := <-patches:
			if !s.owns(c, patch.PageID) {
				continue
			}
			if err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "page.patch",
				Params:  patch,
			}); err != nil {
				s.logger.Debug("ws: patch write failed", "page_id", patch.PageID, "seq", patch.Seq, "error", err)
			}
		}
	}
}
