package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/doctor"
)

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local install for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(cmd.OutOrStdout(), diag)
			}
			if diag.Failed() {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

var (
	passColor = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	skipColor = color.New(color.FgHiBlack)
)

func statusLabel(status string) string {
	switch status {
	case doctor.StatusPass:
		return passColor.Sprint("PASS")
	case doctor.StatusFail:
		return failColor.Sprint("FAIL")
	case doctor.StatusWarn:
		return warnColor.Sprint("WARN")
	default:
		return skipColor.Sprint("SKIP")
	}
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintf(w, "taskbridge %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	counts := map[string]int{}
	for _, r := range d.Results {
		counts[r.Status]++
		fmt.Fprintf(w, "  %s  %-18s %s\n", statusLabel(r.Status), r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "        %s\n", skipColor.Sprint(r.Detail))
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed, %d skipped\n",
		counts[doctor.StatusPass], counts[doctor.StatusWarn], counts[doctor.StatusFail], counts[doctor.StatusSkip])
}
