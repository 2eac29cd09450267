package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// exitError carries a process exit code through cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	home string
}

func (o *globalOptions) homeDir() string {
	if o.home != "" {
		return o.home
	}
	return config.HomeDir()
}

func (o *globalOptions) loadConfig() (config.Config, error) {
	return config.LoadFrom(o.homeDir())
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:   "taskbridge",
		Short: "Link webmail threads to ClickUp tasks",
		Long: `taskbridge runs a local gateway for the browser extension. It keeps the
thread-to-task links, mirrors mailbox pages to inject "linked tasks" bars,
and creates or attaches tasks from email threads.

Running taskbridge with no command starts the gateway.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $TASKBRIDGE_HOME or ~/.taskbridge)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newSetupCmd(opts),
		newStatusCmd(opts),
		newDoctorCmd(opts),
		newLinksCmd(opts),
		newVerifyCmd(opts),
		newDefaultListCmd(opts),
		newBackupCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "taskbridge", Version)
		},
	}
}
