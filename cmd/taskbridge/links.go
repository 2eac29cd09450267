package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/tui"
)

func newLinksCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON  bool
		history int
	)
	cmd := &cobra.Command{
		Use:   "links [thread-id]",
		Short: "List the tasks linked to email threads",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer env.Close()
			ctx := cmd.Context()

			links := env.links.Get(ctx)
			if len(args) == 1 {
				refs, ok := links[args[0]]
				if !ok {
					return fmt.Errorf("no tasks linked to thread %s", args[0])
				}
				links = persistence.LinkMap{args[0]: refs}
			}

			view := tui.LinksView{ThreadURL: env.cfg.ThreadURL}
			if history > 0 {
				view.History = make(map[string][]persistence.LinkEvent, len(links))
				for id := range links {
					events, err := env.links.History(ctx, id, history)
					if err != nil {
						return fmt.Errorf("history for %s: %w", id, err)
					}
					view.History[id] = events
				}
			}

			if asJSON {
				if view.History == nil {
					return writeJSON(cmd.OutOrStdout(), links)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"links": links, "history": view.History})
			}
			fmt.Fprint(cmd.OutOrStdout(), tui.RenderLinks(links, view))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the link map as JSON")
	cmd.Flags().IntVar(&history, "history", 0, "show the last N link events per thread")
	return cmd
}
