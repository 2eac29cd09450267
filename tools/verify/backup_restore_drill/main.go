package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskbridge/internal/persistence"
)

const (
	drillThreads  = 40
	refsPerThread = 3
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskbridge-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "taskbridge.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	links := persistence.NewLinkStore(store, nil)
	for i := 0; i < drillThreads; i++ {
		thread := fmt.Sprintf("thread-%03d", i)
		for j := 0; j < refsPerThread; j++ {
			id := fmt.Sprintf("%d%d", i, j)
			ref := persistence.TaskRef{ID: id, Name: "drill " + id, URL: "https://app.clickup.com/t/" + id}
			if _, err := links.Merge(ctx, thread, ref); err != nil {
				fmt.Printf("merge_error=%v\n", err)
				os.Exit(1)
			}
		}
	}
	settings := persistence.NewSettings(store)
	if err := settings.SaveDefaultList(ctx, persistence.ListRef{ID: "L1", Name: "Inbox"}); err != nil {
		fmt.Printf("save_default_list_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	linkMap := persistence.NewLinkStore(restored, nil).Get(ctx)
	refs := 0
	for _, r := range linkMap {
		refs += len(r)
	}
	var eventCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM link_events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}
	list, err := persistence.NewSettings(restored).DefaultList(ctx)
	if err != nil {
		fmt.Printf("read_default_list_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_threads=%d\n", len(linkMap))
	fmt.Printf("restored_refs=%d\n", refs)
	fmt.Printf("restored_link_events=%d\n", eventCount)

	if len(linkMap) != drillThreads || refs != drillThreads*refsPerThread || eventCount != refs || list == nil || list.ID != "L1" {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
