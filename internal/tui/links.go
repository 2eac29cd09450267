package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskbridge/internal/persistence"
)

// LinksView configures RenderLinks.
type LinksView struct {
	// ThreadURL formats a link back to the mail thread. Nil omits it.
	ThreadURL func(threadID string) string
	// History holds link events per thread, newest first.
	History map[string][]persistence.LinkEvent
}

var (
	threadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	taskStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	addedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	prunedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// RenderLinks lists every linked thread with its tasks, threads sorted by id.
func RenderLinks(links persistence.LinkMap, view LinksView) string {
	if len(links) == 0 {
		return dimStyle.Render("No linked threads.") + "\n"
	}
	ids := make([]string, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out strings.Builder
	for i, id := range ids {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(renderThread(id, links[id], view))
	}
	tasks := 0
	for _, refs := range links {
		tasks += len(refs)
	}
	out.WriteString("\n" + dimStyle.Render(fmt.Sprintf("── %d threads, %d tasks ──", len(links), tasks)) + "\n")
	return out.String()
}

func renderThread(id string, refs []persistence.TaskRef, view LinksView) string {
	var out strings.Builder
	out.WriteString(threadStyle.Render(id))
	if view.ThreadURL != nil {
		out.WriteString("  " + dimStyle.Render(view.ThreadURL(id)))
	}
	out.WriteString("\n")
	for _, ref := range refs {
		name := ref.Name
		if name == "" {
			name = "(unnamed)"
		}
		out.WriteString(taskStyle.Render(fmt.Sprintf("  • %s [%s]", name, ref.ID)))
		if ref.URL != "" {
			out.WriteString("  " + dimStyle.Render(ref.URL))
		}
		out.WriteString("\n")
	}
	for _, ev := range view.History[id] {
		out.WriteString("    " + renderEvent(ev) + "\n")
	}
	return out.String()
}

func renderEvent(ev persistence.LinkEvent) string {
	op := ev.Op
	switch op {
	case "prune":
		op = prunedStyle.Render(op)
	default:
		op = addedStyle.Render(op)
	}
	return fmt.Sprintf("%s %s %s", dimStyle.Render(ev.CreatedAt.UTC().Format(time.DateTime)), op, ev.TaskID)
}
