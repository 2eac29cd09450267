package persistence_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/persistence"
)

func newLinkStore(t *testing.T) (*persistence.LinkStore, *persistence.Store) {
	t.Helper()
	store, _ := openTestStore(t)
	return persistence.NewLinkStore(store, nil), store
}

func TestLinkStore_MergeIntoEmptyMap(t *testing.T) {
	links, _ := newLinkStore(t)
	ctx := context.Background()

	ref := persistence.TaskRef{ID: "9", Name: "Fix bug", URL: "https://x/9"}
	changed, err := links.Merge(ctx, "abc123", ref)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !changed {
		t.Fatal("expected first merge to change the map")
	}

	want := persistence.LinkMap{"abc123": {ref}}
	if got := links.Get(ctx); !reflect.DeepEqual(got, want) {
		t.Fatalf("get = %#v, want %#v", got, want)
	}
}

func TestLinkStore_MergeIsIdempotentByID(t *testing.T) {
	links, _ := newLinkStore(t)
	ctx := context.Background()

	ref := persistence.TaskRef{ID: "9", Name: "Fix bug", URL: "https://x/9"}
	for i := 0; i < 5; i++ {
		if _, err := links.Merge(ctx, "abc123", ref); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}
	renamed := persistence.TaskRef{ID: "9", Name: "Renamed", URL: "https://x/9"}
	changed, err := links.Merge(ctx, "abc123", renamed)
	if err != nil {
		t.Fatalf("merge renamed: %v", err)
	}
	if changed {
		t.Fatal("expected merge of duplicate id to be a no-op")
	}

	entry := links.Thread(ctx, "abc123")
	if len(entry) != 1 || entry[0] != ref {
		t.Fatalf("expected exactly the first ref once, got %#v", entry)
	}
}

func TestLinkStore_MergePreservesInsertionOrder(t *testing.T) {
	links, _ := newLinkStore(t)
	ctx := context.Background()
	for _, id := range []string{"3", "1", "2"} {
		if _, err := links.Merge(ctx, "t", persistence.TaskRef{ID: id}); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	var ids []string
	for _, r := range links.Thread(ctx, "t") {
		ids = append(ids, r.ID)
	}
	if !reflect.DeepEqual(ids, []string{"3", "1", "2"}) {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestLinkStore_MergeRejectsEmptyKeys(t *testing.T) {
	links, _ := newLinkStore(t)
	if _, err := links.Merge(context.Background(), "", persistence.TaskRef{ID: "1"}); err == nil {
		t.Fatal("expected error for empty thread id")
	}
	if _, err := links.Merge(context.Background(), "t", persistence.TaskRef{}); err == nil {
		t.Fatal("expected error for empty task id")
	}
}

func TestLinkStore_ReplaceEntryToEmpty(t *testing.T) {
	links, store := newLinkStore(t)
	ctx := context.Background()
	if _, err := links.Merge(ctx, "abc123", persistence.TaskRef{ID: "9", Name: "Fix bug", URL: "https://x/9"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	removed, err := links.ReplaceEntry(ctx, "abc123", nil)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"9"}) {
		t.Fatalf("removed = %v", removed)
	}
	raw, _ := store.KVGet(ctx, persistence.LinkMapKey)
	if raw != `{"abc123":[]}` {
		t.Fatalf("persisted map = %s, want {\"abc123\":[]}", raw)
	}
}

func TestLinkStore_ReplaceEntryNeverAddsRefs(t *testing.T) {
	links, _ := newLinkStore(t)
	ctx := context.Background()
	t1 := persistence.TaskRef{ID: "T1", Name: "one"}
	t2 := persistence.TaskRef{ID: "T2", Name: "two"}
	for _, r := range []persistence.TaskRef{t1, t2} {
		if _, err := links.Merge(ctx, "t", r); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	foreign := persistence.TaskRef{ID: "T9", Name: "never linked"}
	if _, err := links.ReplaceEntry(ctx, "t", []persistence.TaskRef{t2, foreign}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := links.Thread(ctx, "t"); !reflect.DeepEqual(got, []persistence.TaskRef{t2}) {
		t.Fatalf("entry = %#v, want only T2", got)
	}

	if _, err := links.ReplaceEntry(ctx, "unknown", []persistence.TaskRef{foreign}); err != nil {
		t.Fatalf("replace unknown: %v", err)
	}
	if _, ok := links.Get(ctx)["unknown"]; ok {
		t.Fatal("replace must not create entries")
	}
}

func TestLinkStore_GetFailsSoftOnCorruptMap(t *testing.T) {
	links, store := newLinkStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, persistence.LinkMapKey, "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := links.Get(ctx); len(got) != 0 {
		t.Fatalf("expected empty map, got %#v", got)
	}
	if _, err := links.Merge(ctx, "t", persistence.TaskRef{ID: "1"}); err == nil {
		t.Fatal("expected merge to refuse overwriting an unreadable map")
	}
	if raw, _ := store.KVGet(ctx, persistence.LinkMapKey); raw != "{not json" {
		t.Fatalf("corrupt map was overwritten: %q", raw)
	}
}

func TestLinkStore_GetFailsSoftOnClosedDB(t *testing.T) {
	links, store := newLinkStore(t)
	_ = store.Close()
	if got := links.Get(context.Background()); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", got)
	}
}

func TestLinkStore_HistoryRecordsMergeAndPrune(t *testing.T) {
	links, _ := newLinkStore(t)
	ctx := context.Background()
	_, _ = links.Merge(ctx, "t", persistence.TaskRef{ID: "1"})
	_, _ = links.Merge(ctx, "t", persistence.TaskRef{ID: "2"})
	_, _ = links.Merge(ctx, "other", persistence.TaskRef{ID: "3"})
	if _, err := links.ReplaceEntry(ctx, "t", []persistence.TaskRef{{ID: "2"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	events, err := links.History(ctx, "t", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var got []string
	for _, ev := range events {
		got = append(got, ev.Op+":"+ev.TaskID)
	}
	want := []string{"prune:1", "merge:2", "merge:1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}

	all, err := links.History(ctx, "", 10)
	if err != nil {
		t.Fatalf("history all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events overall, got %d", len(all))
	}
}

func TestLinkStore_PublishesLinkEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("links.")
	defer b.Unsubscribe(sub)
	store, _ := openTestStoreWithBus(t, b)
	links := persistence.NewLinkStore(store, nil)
	ctx := context.Background()

	_, _ = links.Merge(ctx, "abc123", persistence.TaskRef{ID: "9", Name: "Fix bug", URL: "https://x/9"})
	_, _ = links.Merge(ctx, "abc123", persistence.TaskRef{ID: "9"})
	_, _ = links.ReplaceEntry(ctx, "abc123", nil)

	expect := []string{bus.TopicTaskLinked, bus.TopicLinksPruned}
	for _, topic := range expect {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("topic = %q, want %q", ev.Topic, topic)
			}
			if p, ok := ev.Payload.(bus.TaskLinkedEvent); ok && p.Name != "Fix bug" {
				t.Fatalf("unexpected linked payload %+v", p)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", topic)
		}
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("duplicate merge must not publish, got %s", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
