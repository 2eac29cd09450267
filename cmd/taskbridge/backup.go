package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/config"
)

func newBackupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", config.DBPath(env.cfg.HomeDir), args[0])
			return nil
		},
	}
}
