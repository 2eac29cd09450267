package reconcile

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskbridge/internal/dom"
)

// Tier names which derivation strategy produced a thread id.
type Tier int

const (
	TierURL Tier = iota + 1
	TierDetailView
	TierDocument
	TierGenerated
)

func (t Tier) String() string {
	switch t {
	case TierURL:
		return "url"
	case TierDetailView:
		return "detail_view"
	case TierDocument:
		return "document"
	case TierGenerated:
		return "generated"
	default:
		return "unknown"
	}
}

var hexThreadID = regexp.MustCompile(`(?i)^[a-f0-9]{6,}$`)

var (
	selDetailThread = dom.MustCompile(`div[role="main"] [data-legacy-thread-id], div[role="main"] [data-thread-perm-id]`)
	selAnyThread    = dom.MustCompile(`[data-thread-id], [data-legacy-thread-id], [data-thread-perm-id]`)
)

// ThreadIDFromURL returns the last segment of the URL fragment when it looks
// like a hexadecimal thread id, e.g. "#inbox/18c0ffee1234".
func ThreadIDFromURL(raw string) string {
	frag := raw
	if u, err := url.Parse(raw); err == nil {
		frag = u.Fragment
	} else if i := strings.IndexByte(raw, '#'); i >= 0 {
		frag = raw[i+1:]
	}
	frag = strings.TrimRight(frag, "/")
	if i := strings.LastIndexByte(frag, '/'); i >= 0 {
		frag = frag[i+1:]
	}
	if i := strings.IndexAny(frag, "?&"); i >= 0 {
		frag = frag[:i]
	}
	if hexThreadID.MatchString(frag) {
		return frag
	}
	return ""
}

// Deriver picks the thread id for a detail view. The generated fallback is
// memoized per document generation, so repeated calls on one snapshot agree.
// Ids from the generated tier never match a stored entry on a later visit.
type Deriver struct {
	now func() time.Time

	gen      uint64
	fallback string
}

func NewDeriver(now func() time.Time) *Deriver {
	if now == nil {
		now = time.Now
	}
	return &Deriver{now: now}
}

// Reset forgets the memoized fallback.
func (d *Deriver) Reset() {
	d.gen = 0
	d.fallback = ""
}

// ThreadID walks the tiers in order and returns the first hit.
func (d *Deriver) ThreadID(doc *dom.Document) (string, Tier) {
	if id := ThreadIDFromURL(doc.URL()); id != "" {
		return id, TierURL
	}
	if el := doc.Query(selDetailThread); el != nil {
		if id := firstAttr(el, "data-legacy-thread-id", "data-thread-perm-id"); id != "" {
			return id, TierDetailView
		}
	}
	if el := doc.Query(selAnyThread); el != nil {
		if id := firstAttr(el, "data-thread-id", "data-legacy-thread-id", "data-thread-perm-id"); id != "" {
			return id, TierDocument
		}
	}
	if d.fallback == "" || d.gen != doc.Generation() {
		d.gen = doc.Generation()
		d.fallback = "email_" + strconv.FormatInt(d.now().UnixMilli(), 10)
	}
	return d.fallback, TierGenerated
}

// rowThreadID reads the thread id of a list row from the row or its first
// descendant that carries one.
func rowThreadID(row *dom.Element) string {
	if id := firstAttr(row, "data-legacy-thread-id", "data-thread-id"); id != "" {
		return id
	}
	if el := row.Query(selRowThread); el != nil {
		return firstAttr(el, "data-legacy-thread-id", "data-thread-id")
	}
	return ""
}

func firstAttr(el *dom.Element, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(el.Attr(k)); v != "" {
			return v
		}
	}
	return ""
}
