package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Element wraps an element node of a Document.
type Element struct {
	n *html.Node
}

// NewElement builds a detached element. attrs are key, value pairs.
func NewElement(tag string, attrs ...string) *Element {
	n := &html.Node{Type: html.ElementNode, Data: tag}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return &Element{n: n}
}

func (e *Element) Tag() string { return e.n.Data }

// Same reports whether both wrap the same node.
func (e *Element) Same(o *Element) bool {
	return e != nil && o != nil && e.n == o.n
}

// Attr returns the attribute value, or "" when absent.
func (e *Element) Attr(key string) string {
	v, _ := e.Lookup(key)
	return v
}

func (e *Element) Lookup(key string) (string, bool) {
	for _, a := range e.n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func (e *Element) SetAttr(key, val string) {
	for i, a := range e.n.Attr {
		if a.Key == key {
			e.n.Attr[i].Val = val
			return
		}
	}
	e.n.Attr = append(e.n.Attr, html.Attribute{Key: key, Val: val})
}

func (e *Element) HasClass(class string) bool {
	for _, c := range strings.Fields(e.Attr("class")) {
		if c == class {
			return true
		}
	}
	return false
}

func (e *Element) QueryAll(sel Selector) []*Element { return queryAll(e.n, sel) }

func (e *Element) Query(sel Selector) *Element { return queryFirst(e.n, sel) }

// Matches reports whether e itself matches sel.
func (e *Element) Matches(sel Selector) bool { return sel.sel.Match(e.n) }

// Closest returns e or its nearest ancestor matching sel.
func (e *Element) Closest(sel Selector) *Element {
	for n := e.n; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && sel.sel.Match(n) {
			return &Element{n: n}
		}
	}
	return nil
}

// Parent returns the parent element, or nil at the root.
func (e *Element) Parent() *Element {
	if p := e.n.Parent; p != nil && p.Type == html.ElementNode {
		return &Element{n: p}
	}
	return nil
}

// Attached reports whether e is still part of a document tree.
func (e *Element) Attached() bool {
	n := e.n
	for n.Parent != nil {
		n = n.Parent
	}
	return n.Type == html.DocumentNode
}

// InsertBefore inserts child into e before ref. A nil ref appends.
func (e *Element) InsertBefore(child, ref *Element) {
	if ref == nil {
		e.AppendChild(child)
		return
	}
	e.n.InsertBefore(child.n, ref.n)
}

func (e *Element) AppendChild(child *Element) {
	e.n.AppendChild(child.n)
}

// Append adds children and returns e for chaining.
func (e *Element) Append(children ...*Element) *Element {
	for _, c := range children {
		e.n.AppendChild(c.n)
	}
	return e
}

// AppendText adds a text node and returns e for chaining.
func (e *Element) AppendText(text string) *Element {
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return e
}

// Remove detaches e from its parent.
func (e *Element) Remove() {
	if e.n.Parent != nil {
		e.n.Parent.RemoveChild(e.n)
	}
}

// Text returns the concatenated text content.
func (e *Element) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return b.String()
}

// OuterHTML renders e and its subtree.
func (e *Element) OuterHTML() string {
	var b strings.Builder
	_ = html.Render(&b, e.n)
	return b.String()
}

// InnerHTML renders e's children.
func (e *Element) InnerHTML() string {
	var b strings.Builder
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

// Path returns a CSS selector of nth-child steps from <html> to e, such as
// "html>body:nth-child(2)>div:nth-child(1)". It identifies e only until the
// tree is mutated.
func (e *Element) Path() string {
	var steps []string
	for n := e.n; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Parent == nil || n.Parent.Type == html.DocumentNode {
			steps = append(steps, n.Data)
			break
		}
		steps = append(steps, n.Data+":nth-child("+strconv.Itoa(elementIndex(n))+")")
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return strings.Join(steps, ">")
}

func elementIndex(n *html.Node) int {
	idx := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			idx++
		}
	}
	return idx
}
