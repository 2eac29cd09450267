package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/persistence"
)

// Verdict is the outcome of checking one cached reference.
type Verdict int

const (
	Keep Verdict = iota
	Prune
)

// Decide applies the prune rule: only a remote answer that the task is gone
// (404, 403 or archived) prunes. Success keeps, and so does every other
// failure, including a missing session.
func Decide(task clickup.Task, err error) Verdict {
	if err != nil {
		if clickup.IsGone(err) {
			return Prune
		}
		return Keep
	}
	if task.Archived {
		return Prune
	}
	return Keep
}

// LinkStore is the part of persistence.LinkStore reconciliation needs.
type LinkStore interface {
	Get(ctx context.Context) persistence.LinkMap
	ReplaceEntry(ctx context.Context, threadID string, tasks []persistence.TaskRef) ([]string, error)
}

// VerifyReport summarizes a whole-map verification.
type VerifyReport struct {
	Threads   int                 `json:"threads"`
	Checked   int                 `json:"checked"`
	Kept      int                 `json:"kept"`
	Pruned    map[string][]string `json:"pruned"`
	Transient int                 `json:"transient"`
	DryRun    bool                `json:"dry_run"`
}

// PrunedCount totals the pruned references across threads.
func (r VerifyReport) PrunedCount() int {
	n := 0
	for _, ids := range r.Pruned {
		n += len(ids)
	}
	return n
}

// VerifyAll checks every reference in the LinkMap once and prunes those the
// remote service reports gone. With dryRun set nothing is written.
func VerifyAll(ctx context.Context, store LinkStore, fetcher clickup.TaskFetcher, dryRun bool) (VerifyReport, error) {
	report := VerifyReport{Pruned: map[string][]string{}, DryRun: dryRun}
	if fetcher == nil {
		return report, clickup.ErrNotAuthenticated
	}
	links := store.Get(ctx)
	report.Threads = len(links)
	for threadID, refs := range links {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var survivors []persistence.TaskRef
		var gone []string
		for _, ref := range refs {
			task, err := fetcher.GetTask(ctx, ref.ID)
			report.Checked++
			if err != nil && !clickup.IsGone(err) {
				report.Transient++
				if errors.Is(err, clickup.ErrNotAuthenticated) {
					return report, err
				}
			}
			if Decide(task, err) == Prune {
				gone = append(gone, ref.ID)
				continue
			}
			survivors = append(survivors, ref)
		}
		report.Kept += len(survivors)
		if len(gone) == 0 {
			continue
		}
		report.Pruned[threadID] = gone
		if dryRun {
			continue
		}
		if _, err := store.ReplaceEntry(ctx, threadID, survivors); err != nil {
			return report, fmt.Errorf("prune thread %s: %w", threadID, err)
		}
	}
	return report, nil
}

// Validation answers whether a task still exists, for the validateTask action.
type Validation struct {
	Exists      bool   `json:"exists"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorStatus int    `json:"errorStatus,omitempty"`
	Error       string `json:"error,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// Validate checks one task. Callers treat Exists=false as permission to prune.
func Validate(ctx context.Context, fetcher clickup.TaskFetcher, taskID string) Validation {
	if fetcher == nil {
		return Validation{Exists: true, Skipped: true, Reason: "not_authenticated"}
	}
	task, err := fetcher.GetTask(ctx, taskID)
	switch {
	case errors.Is(err, clickup.ErrNotAuthenticated):
		return Validation{Exists: true, Skipped: true, Reason: "not_authenticated"}
	case err != nil && clickup.IsGone(err):
		return Validation{Exists: false, Reason: string(clickup.KindOf(err)), ErrorStatus: clickup.StatusOf(err)}
	case err != nil:
		return Validation{Exists: true, Reason: string(clickup.KindTransient), ErrorStatus: clickup.StatusOf(err), Error: err.Error()}
	case task.Archived:
		return Validation{Exists: false, Reason: "archived", Status: task.Status.Status}
	default:
		return Validation{Exists: true, Status: task.Status.Status}
	}
}
