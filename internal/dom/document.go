// Package dom holds a server-side mirror of a mail page. The browser side
// streams HTML snapshots in; callers query and mutate the mirror with CSS
// selectors and turn each mutation into a patch the browser replays.
package dom

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Selector is a compiled CSS selector group.
type Selector struct {
	src string
	sel cascadia.Selector
}

func (s Selector) String() string { return s.src }

// Compile parses a CSS selector group such as ".a3s.aiL, .ii.gt".
func Compile(src string) (Selector, error) {
	sel, err := cascadia.Compile(src)
	if err != nil {
		return Selector{}, fmt.Errorf("compile selector %q: %w", src, err)
	}
	return Selector{src: src, sel: sel}, nil
}

// MustCompile is Compile for selectors known at build time.
func MustCompile(src string) Selector {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

var (
	cacheMu sync.Mutex
	cache   = map[string]Selector{}
)

// Cached compiles src once and reuses the result.
func Cached(src string) (Selector, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[src]; ok {
		return s, nil
	}
	s, err := Compile(src)
	if err != nil {
		return Selector{}, err
	}
	cache[src] = s
	return s, nil
}

// Document is one mirrored page. It is not safe for concurrent use.
type Document struct {
	url  string
	root *html.Node
	gen  uint64
}

// Parse reads a full HTML page.
func Parse(rawURL string, r io.Reader) (*Document, error) {
	d := &Document{url: rawURL}
	if err := d.Replace(r); err != nil {
		return nil, err
	}
	return d, nil
}

func ParseString(rawURL, src string) (*Document, error) {
	return Parse(rawURL, strings.NewReader(src))
}

// Replace swaps in a new snapshot and advances the generation.
func (d *Document) Replace(r io.Reader) error {
	root, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	d.root = root
	d.gen++
	return nil
}

func (d *Document) URL() string        { return d.url }
func (d *Document) SetURL(u string)    { d.url = u }
func (d *Document) Generation() uint64 { return d.gen }

// Root returns the <html> element.
func (d *Document) Root() *Element {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			return &Element{n: c}
		}
	}
	return &Element{n: d.root}
}

func (d *Document) QueryAll(sel Selector) []*Element {
	return queryAll(d.root, sel)
}

func (d *Document) Query(sel Selector) *Element {
	return queryFirst(d.root, sel)
}

// HTML renders the whole document.
func (d *Document) HTML() string {
	var b strings.Builder
	_ = html.Render(&b, d.root)
	return b.String()
}

func queryAll(n *html.Node, sel Selector) []*Element {
	var out []*Element
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if sel.sel.Match(c) {
				out = append(out, &Element{n: c})
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func queryFirst(n *html.Node, sel Selector) *Element {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if sel.sel.Match(c) {
			return &Element{n: c}
		}
		if found := queryFirst(c, sel); found != nil {
			return found
		}
	}
	return nil
}
