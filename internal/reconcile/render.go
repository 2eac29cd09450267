package reconcile

import (
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskbridge/internal/dom"
	"github.com/basket/taskbridge/internal/persistence"
)

// Injected markup classes. The extension's stylesheet and click handlers
// key off these.
const (
	ClassBar         = "cu-email-bar"
	ClassBarContent  = "cu-bar-content"
	ClassAddButton   = "cu-add-task-btn"
	ClassLinkedTasks = "cu-linked-tasks"
	ClassTaskLink    = "cu-task-link"
	ClassTaskLinkNew = "cu-task-new"
	ClassListBadge   = "cu-list-badge"

	AttrThreadID   = "data-thread-id"
	AttrTaskID     = "data-task-id"
	AttrInjectedAt = "data-injected-at"
)

var (
	selBodies    = dom.MustCompile(".a3s.aiL, .ii.gt")
	selGS        = dom.MustCompile(".gs")
	selH7        = dom.MustCompile(".h7")
	selBar       = dom.MustCompile("." + ClassBar)
	selLinked    = dom.MustCompile("." + ClassLinkedTasks)
	selTaskLink  = dom.MustCompile("." + ClassTaskLink)
	selRow       = dom.MustCompile("tr.zA")
	selRowThread = dom.MustCompile("[data-legacy-thread-id], [data-thread-id]")
	selRowAnchor = dom.MustCompile(".y6")
	selListBadge = dom.MustCompile("." + ClassListBadge)
)

// RenderBar builds the action bar shown above a message body.
func RenderBar(threadID string, refs []persistence.TaskRef, injectedAt time.Time) *dom.Element {
	bar := dom.NewElement("div",
		"class", ClassBar,
		AttrThreadID, threadID,
		AttrInjectedAt, strconv.FormatInt(injectedAt.UnixMilli(), 10),
	)
	content := dom.NewElement("div", "class", ClassBarContent)
	content.Append(
		dom.NewElement("button",
			"class", ClassAddButton,
			"type", "button",
			AttrThreadID, threadID,
			"title", "Create ClickUp task from this email",
		).AppendText("Add to ClickUp"),
		RenderLinkedTasks(refs),
	)
	return bar.Append(content)
}

// RenderLinkedTasks builds the link container of a bar.
func RenderLinkedTasks(refs []persistence.TaskRef) *dom.Element {
	list := dom.NewElement("div", "class", ClassLinkedTasks)
	for _, ref := range refs {
		list.Append(RenderTaskLink(ref, false))
	}
	return list
}

// RenderTaskLink builds one task link. Fresh links carry an extra class so
// the client can highlight them.
func RenderTaskLink(ref persistence.TaskRef, fresh bool) *dom.Element {
	class := ClassTaskLink
	if fresh {
		class += " " + ClassTaskLinkNew
	}
	return dom.NewElement("a",
		"class", class,
		"href", ref.URL,
		"target", "_blank",
		"rel", "noopener",
		AttrTaskID, ref.ID,
	).AppendText(ref.Name)
}

// RenderListBadge builds the compact badge for an inbox row, or nil when
// the thread has no linked tasks.
func RenderListBadge(threadID string, refs []persistence.TaskRef) *dom.Element {
	switch len(refs) {
	case 0:
		return nil
	case 1:
		return dom.NewElement("a",
			"class", ClassListBadge,
			"href", refs[0].URL,
			"target", "_blank",
			"rel", "noopener",
			"title", refs[0].Name,
			AttrThreadID, threadID,
			AttrTaskID, refs[0].ID,
		).AppendText("#" + refs[0].ID)
	default:
		names := make([]string, 0, len(refs))
		for _, r := range refs {
			names = append(names, r.Name)
		}
		return dom.NewElement("span",
			"class", ClassListBadge,
			"title", strings.Join(names, ", "),
			AttrThreadID, threadID,
		).AppendText(strconv.Itoa(len(refs)) + " tasks")
	}
}

// shownTaskIDs lists the task ids rendered inside el, in order.
func shownTaskIDs(el *dom.Element) []string {
	var ids []string
	for _, a := range el.QueryAll(selTaskLink) {
		ids = append(ids, a.Attr(AttrTaskID))
	}
	return ids
}

func refIDs(refs []persistence.TaskRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// badgeMatches reports whether an existing list badge already reflects refs.
func badgeMatches(badge *dom.Element, refs []persistence.TaskRef) bool {
	want := RenderListBadge(badge.Attr(AttrThreadID), refs)
	if want == nil {
		return false
	}
	return want.Text() == badge.Text() && want.Attr("title") == badge.Attr("title")
}
