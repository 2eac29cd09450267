package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskbridge/internal/bus"
)

// LinkMapKey is the kv_store key holding the whole LinkMap.
const LinkMapKey = "emailTaskMapping"

// TaskRef is the cached projection of a remote task.
type TaskRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// LinkMap maps a mail thread id to the tasks linked to it, in insertion order.
type LinkMap map[string][]TaskRef

// Contains reports whether the thread already lists a task with this id.
func (m LinkMap) Contains(threadID, taskID string) bool {
	for _, ref := range m[threadID] {
		if ref.ID == taskID {
			return true
		}
	}
	return false
}

// LinkEvent is one row of the link history.
type LinkEvent struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	TaskID    string    `json:"task_id"`
	Op        string    `json:"op"`
	CreatedAt time.Time `json:"created_at"`
}

// LinkStore persists the LinkMap as one JSON document. Every mutation reads
// and rewrites the whole map, so concurrent writers resolve as last writer
// wins.
type LinkStore struct {
	store  *Store
	logger *slog.Logger
}

func NewLinkStore(store *Store, logger *slog.Logger) *LinkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkStore{store: store, logger: logger.With("component", "linkstore")}
}

// Get returns the current LinkMap. Read or decode failures are logged and an
// empty map is returned.
func (l *LinkStore) Get(ctx context.Context) LinkMap {
	m, err := l.load(ctx)
	if err != nil {
		l.logger.Warn("link map read failed, using empty map", "error", err)
		return LinkMap{}
	}
	return m
}

// Thread returns the entry for one thread, or nil.
func (l *LinkStore) Thread(ctx context.Context, threadID string) []TaskRef {
	return l.Get(ctx)[threadID]
}

// Merge appends ref to the thread's entry unless a ref with the same id is
// already there. It reports whether the map changed. A map that cannot be read
// is not overwritten.
func (l *LinkStore) Merge(ctx context.Context, threadID string, ref TaskRef) (bool, error) {
	if threadID == "" || ref.ID == "" {
		return false, fmt.Errorf("merge: thread id and task id required")
	}
	m, err := l.load(ctx)
	if err != nil {
		return false, fmt.Errorf("merge: %w", err)
	}
	if m.Contains(threadID, ref.ID) {
		return false, nil
	}
	m[threadID] = append(m[threadID], ref)
	if err := l.save(ctx, m); err != nil {
		return false, fmt.Errorf("merge: %w", err)
	}
	l.recordEvent(ctx, threadID, ref.ID, "merge")
	l.store.publish(bus.TopicTaskLinked, bus.TaskLinkedEvent{
		ThreadID: threadID,
		TaskID:   ref.ID,
		Name:     ref.Name,
		URL:      ref.URL,
	})
	l.logger.Info("task linked", "thread_id", threadID, "task_id", ref.ID)
	return true, nil
}

// ReplaceEntry overwrites the thread's entry with tasks. Only refs already
// present for the thread are kept, so a replace can shrink an entry but never
// grow it. It returns the ids that were removed.
func (l *LinkStore) ReplaceEntry(ctx context.Context, threadID string, tasks []TaskRef) ([]string, error) {
	m, err := l.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("replace entry: %w", err)
	}
	current, ok := m[threadID]
	if !ok {
		return nil, nil
	}

	wanted := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		wanted[t.ID] = true
	}
	kept := make([]TaskRef, 0, len(current))
	var removed []string
	for _, ref := range current {
		if wanted[ref.ID] {
			kept = append(kept, ref)
		} else {
			removed = append(removed, ref.ID)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	m[threadID] = kept
	if err := l.save(ctx, m); err != nil {
		return nil, fmt.Errorf("replace entry: %w", err)
	}
	for _, id := range removed {
		l.recordEvent(ctx, threadID, id, "prune")
	}
	l.store.publish(bus.TopicLinksPruned, bus.LinksPrunedEvent{
		ThreadID: threadID,
		Removed:  removed,
		Kept:     len(kept),
	})
	l.logger.Info("task links pruned", "thread_id", threadID, "removed", removed, "kept", len(kept))
	return removed, nil
}

// History returns the most recent link events for a thread, newest first.
// An empty thread id returns events for all threads.
func (l *LinkStore) History(ctx context.Context, threadID string, limit int) ([]LinkEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, thread_id, task_id, op, created_at FROM link_events`
	args := []any{}
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query link events: %w", err)
	}
	defer rows.Close()

	var out []LinkEvent
	for rows.Next() {
		var ev LinkEvent
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &ev.TaskID, &ev.Op, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("link events rows: %w", err)
	}
	return out, nil
}

func (l *LinkStore) load(ctx context.Context) (LinkMap, error) {
	raw, err := l.store.KVGet(ctx, LinkMapKey)
	if err != nil {
		return nil, err
	}
	m := LinkMap{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode link map: %w", err)
	}
	return m, nil
}

func (l *LinkStore) save(ctx context.Context, m LinkMap) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode link map: %w", err)
	}
	return l.store.KVSet(ctx, LinkMapKey, string(b))
}

func (l *LinkStore) recordEvent(ctx context.Context, threadID, taskID, op string) {
	if _, err := l.store.db.ExecContext(ctx,
		`INSERT INTO link_events (thread_id, task_id, op) VALUES (?, ?, ?);`,
		threadID, taskID, op); err != nil {
		l.logger.Warn("record link event failed", "thread_id", threadID, "task_id", taskID, "op", op, "error", err)
	}
}
