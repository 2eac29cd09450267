package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/persistence"
)

func TestRenderLinks_Empty(t *testing.T) {
	if out := RenderLinks(nil, LinksView{}); !strings.Contains(out, "No linked threads") {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderLinks_SortedWithURLsAndHistory(t *testing.T) {
	links := persistence.LinkMap{
		"zz9": {{ID: "t3", Name: "Later", URL: "https://app.clickup.com/t/t3"}},
		"abc": {{ID: "t1", Name: "Reply to vendor"}, {ID: "t2"}},
	}
	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	out := RenderLinks(links, LinksView{
		ThreadURL: func(id string) string { return "https://mail.example/#inbox/" + id },
		History: map[string][]persistence.LinkEvent{
			"abc": {{ThreadID: "abc", TaskID: "t9", Op: "prune", CreatedAt: at}},
		},
	})

	if strings.Index(out, "abc") > strings.Index(out, "zz9") {
		t.Fatalf("threads not sorted:\n%s", out)
	}
	for _, want := range []string{
		"https://mail.example/#inbox/abc",
		"• Reply to vendor [t1]",
		"• (unnamed) [t2]",
		"https://app.clickup.com/t/t3",
		"2026-05-04 09:30:00",
		"prune t9",
		"2 threads, 3 tasks",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
