package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/tui"
)

func newDefaultListCmd(opts *globalOptions) *cobra.Command {
	var pick bool
	cmd := &cobra.Command{
		Use:   "default-list",
		Short: "Show or pick the list new tasks go to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer env.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if !pick {
				current, err := persistence.NewSettings(env.store).DefaultList(ctx)
				if err != nil {
					return err
				}
				if current == nil {
					fmt.Fprintln(out, "No default list. Run `taskbridge default-list --pick` to choose one.")
					return nil
				}
				fmt.Fprintf(out, "%s [%s]\n", current.Name, current.ID)
				return nil
			}

			if !isTerminal(cmd.InOrStdin()) {
				return errors.New("--pick needs an interactive terminal")
			}
			mgr, err := env.session(ctx)
			if err != nil {
				return err
			}
			currentID := ""
			if current, err := mgr.DefaultList(ctx); err == nil && current != nil {
				currentID = current.ID
			}
			ref, err := tui.RunListPicker(ctx, mgr, currentID)
			if errors.Is(err, tui.ErrCancelled) {
				fmt.Fprintln(out, "Unchanged.")
				return nil
			}
			if err != nil {
				return err
			}
			if err := mgr.SaveDefaultList(ctx, ref); err != nil {
				return fmt.Errorf("save default list: %w", err)
			}
			fmt.Fprintf(out, "Default list set to %s [%s]\n", ref.Name, ref.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&pick, "pick", false, "choose a list interactively")
	return cmd
}
