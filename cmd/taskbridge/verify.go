package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/reconcile"
)

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var (
		dryRun bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every linked task still exists and prune the missing ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer env.Close()
			ctx := cmd.Context()

			mgr, err := env.session(ctx)
			if err != nil {
				return err
			}
			report, err := reconcile.VerifyAll(ctx, env.links, mgr, dryRun)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			if !dryRun && report.PrunedCount() > 0 {
				audit.Record(ctx, "links.verify", audit.OutcomeOK, fmt.Sprintf("pruned %d", report.PrunedCount()), "cli")
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			verb := "Pruned"
			if dryRun {
				verb = "Would prune"
			}
			fmt.Fprintf(out, "Checked %d tasks across %d threads: %d kept, %d unreachable.\n",
				report.Checked, report.Threads, report.Kept, report.Transient)
			threads := make([]string, 0, len(report.Pruned))
			for id := range report.Pruned {
				threads = append(threads, id)
			}
			sort.Strings(threads)
			for _, id := range threads {
				fmt.Fprintf(out, "%s %v from thread %s\n", verb, report.Pruned[id], id)
			}
			if len(threads) == 0 {
				fmt.Fprintln(out, "Nothing to prune.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report missing tasks without pruning")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
