package bus

// Link store topics.
const (
	TopicTaskLinked  = "links.task_linked"
	TopicLinksPruned = "links.pruned"
)

// Page mirror topics.
const (
	TopicPagePatch = "page.patch"
	TopicPageScan  = "page.scan"
)

// Session lifecycle topic.
const (
	TopicSessionChanged = "session.changed"
)

// TaskLinkedEvent is published after a task is created for, or attached to, a
// mail thread. Engines append it to bars already on screen without a rescan.
type TaskLinkedEvent struct {
	ThreadID string
	TaskID   string
	Name     string
	URL      string
}

// LinksPrunedEvent is published when verification removed references from a
// thread's entry.
type LinksPrunedEvent struct {
	ThreadID string
	Removed  []string
	Kept     int
}

// PagePatchEvent carries one DOM change the client must replay on its page.
type PagePatchEvent struct {
	PageID   string `json:"page_id"`
	Seq      uint64 `json:"seq"`
	Op       string `json:"op"`
	Target   string `json:"target"`
	HTML     string `json:"html,omitempty"`
	Kind     string `json:"kind"`
	ThreadID string `json:"thread_id,omitempty"`
}

// PageScanEvent is published after each completed scan pass.
type PageScanEvent struct {
	PageID   string
	Reason   string
	Injected int
	Badges   int
}

// SessionChangedEvent is published on login and logout.
type SessionChangedEvent struct {
	Authenticated bool
	Username      string
}
