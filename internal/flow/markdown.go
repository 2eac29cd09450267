package flow

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tags dropped together with their content.
var droppedTags = map[string]bool{
	"script": true, "style": true, "img": true, "svg": true, "canvas": true,
	"video": true, "audio": true, "iframe": true, "head": true, "title": true,
}

var blockTags = map[string]bool{
	"div": true, "p": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "tr": true, "blockquote": true, "pre": true,
	"ul": true, "ol": true, "table": true, "section": true, "article": true,
}

var inlineMarks = map[string]string{
	"strong": "**", "b": "**",
	"em": "_", "i": "_",
	"del": "~~", "s": "~~", "strike": "~~",
	"code": "`",
}

var runOfSpaces = regexp.MustCompile(` +`)

// HTMLToMarkdown converts editor or email HTML into the Markdown dialect the
// task service renders: links, bold, italics, strikethrough, inline code and
// bullet lists. Everything else collapses to text.
func HTMLToMarkdown(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctx)
	if err != nil {
		return tidyMarkdown(src)
	}
	var b strings.Builder
	for _, n := range nodes {
		writeMarkdown(&b, n)
	}
	return tidyMarkdown(b.String())
}

func writeMarkdown(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
	default:
		writeChildren(b, n)
		return
	}

	if droppedTags[n.Data] {
		return
	}
	switch n.Data {
	case "br":
		b.WriteString("\n")
		return
	case "hr":
		b.WriteString("\n\n")
		return
	case "a":
		text := strings.TrimSpace(renderChildren(n))
		href := attr(n, "href")
		switch {
		case text != "" && href != "":
			b.WriteString("[" + text + "](" + href + ")")
		case text != "":
			b.WriteString(text)
		}
		return
	case "li":
		if text := strings.TrimSpace(renderChildren(n)); text != "" {
			b.WriteString("- " + text + "\n")
		}
		return
	}
	if mark, ok := inlineMarks[n.Data]; ok {
		if text := strings.TrimSpace(renderChildren(n)); text != "" {
			b.WriteString(mark + text + mark)
		}
		return
	}

	block := blockTags[n.Data]
	if block {
		b.WriteString("\n")
	}
	writeChildren(b, n)
	if block {
		b.WriteString("\n")
	}
}

func writeChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeMarkdown(b, c)
	}
}

func renderChildren(n *html.Node) string {
	var b strings.Builder
	writeChildren(&b, n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// tidyMarkdown normalizes whitespace and keeps at most one blank line
// between paragraphs.
func tidyMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = runOfSpaces.ReplaceAllString(s, " ")

	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
