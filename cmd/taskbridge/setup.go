package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/tui"
)

type setupOptions struct {
	bind     string
	origins  []string
	apiToken string
	force    bool
}

func newSetupCmd(opts *globalOptions) *cobra.Command {
	so := &setupOptions{}
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write config.yaml and generate the extension token",
		Long: `setup asks for the listen address, the extension origin and an optional
ClickUp personal token, then writes config.yaml with a fresh gateway token.

On a terminal it runs an interactive wizard. Pass --bind or --origin to
skip the wizard.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, opts, so)
		},
	}
	cmd.Flags().StringVar(&so.bind, "bind", "", "listen address (host:port)")
	cmd.Flags().StringSliceVar(&so.origins, "origin", nil, "allowed extension origin (repeatable)")
	cmd.Flags().StringVar(&so.apiToken, "api-token", "", "ClickUp personal token (pk_...)")
	cmd.Flags().BoolVar(&so.force, "force", false, "overwrite an existing config.yaml")
	return cmd
}

func runSetup(cmd *cobra.Command, opts *globalOptions, so *setupOptions) error {
	home := opts.homeDir()
	if _, err := os.Stat(config.ConfigPath(home)); err == nil && !so.force {
		return fmt.Errorf("%s already exists; pass --force to overwrite", config.ConfigPath(home))
	}

	interactive := !cmd.Flags().Changed("bind") && !cmd.Flags().Changed("origin") &&
		isTerminal(os.Stdin) && isTerminal(os.Stdout)

	var (
		result *tui.SetupResult
		err    error
	)
	if interactive {
		result, err = tui.RunSetup(cmd.Context())
		if errors.Is(err, tui.ErrCancelled) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Setup cancelled.")
			return exitError{code: 1}
		}
	} else {
		result, err = setupFromFlags(so)
	}
	if err != nil {
		return err
	}

	if err := tui.WriteSetupFiles(home, result); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	printSetupDone(cmd.OutOrStdout(), home, result)
	return nil
}

// setupFromFlags builds a setup result without the wizard.
func setupFromFlags(so *setupOptions) (*tui.SetupResult, error) {
	bind := strings.TrimSpace(so.bind)
	if bind == "" {
		bind = config.DefaultBindAddr
	}
	if _, _, err := net.SplitHostPort(bind); err != nil {
		return nil, fmt.Errorf("invalid --bind %q: %w", bind, err)
	}
	var origins []string
	for _, o := range so.origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if !strings.Contains(o, "://") {
			return nil, fmt.Errorf("invalid --origin %q: want scheme://host", o)
		}
		origins = append(origins, o)
	}
	apiToken := strings.TrimSpace(so.apiToken)
	if apiToken != "" && !strings.HasPrefix(apiToken, "pk_") {
		return nil, fmt.Errorf("--api-token must be a personal token starting with pk_")
	}
	token, err := tui.NewAuthToken()
	if err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	return &tui.SetupResult{
		BindAddr:     bind,
		AllowOrigins: origins,
		APIToken:     apiToken,
		AuthToken:    token,
	}, nil
}

func printSetupDone(w io.Writer, home string, r *tui.SetupResult) {
	fmt.Fprintf(w, "Wrote %s\n\n", config.ConfigPath(home))
	fmt.Fprintf(w, "Paste this token into the extension settings:\n\n    %s\n\n", r.AuthToken)
	fmt.Fprintln(w, "Start the gateway with `taskbridge serve`.")
}
