package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/humandao-org/EnergyContracts/logging"
	"github.com/humandao-org/EnergyContracts/scenario"
)

// NewScenarioCommand groups the scenario subcommands.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Replay escrow scenarios against an in-process ledger",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	cmd.AddCommand(newScenarioValidateCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>...",
		Short: "Run scenario files and report each step",
		Long: `Run YAML scenario files on a fresh ledger each and print a step by step
report with the deposit state after every step.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (unreadable or invalid scenario file)`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if rootOpts.Verbose {
				level = logging.LevelDebug
			}
			logger := logging.New(logging.Options{Level: level, Format: logging.FormatText, Writer: cmd.ErrOrStderr()})

			var reports []*scenario.Report
			failed := 0
			for _, path := range args {
				sc, err := scenario.Load(path)
				if err != nil {
					return exitErr(ExitCommandError, path, err)
				}
				rep, err := scenario.Run(cmd.Context(), sc, logger)
				if err != nil {
					return exitErr(ExitCommandError, path, err)
				}
				if !rep.Passed {
					failed++
				}
				reports = append(reports, rep)
			}

			out := cmd.OutOrStdout()
			err := emit(out, rootOpts, reports, func(w io.Writer) error {
				for _, rep := range reports {
					if err := rep.WriteText(w); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return exitErr(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failed, len(reports)), nil)
			}
			return nil
		},
	}
}

func newScenarioValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type result struct {
				File  string `json:"file"`
				Valid bool   `json:"valid"`
				Error string `json:"error,omitempty"`
			}
			var results []result
			invalid := 0
			for _, path := range args {
				r := result{File: path, Valid: true}
				if _, err := scenario.Load(path); err != nil {
					r.Valid, r.Error = false, err.Error()
					invalid++
				}
				results = append(results, r)
			}
			err := emit(cmd.OutOrStdout(), rootOpts, results, func(w io.Writer) error {
				for _, r := range results {
					if r.Valid {
						fmt.Fprintf(w, "ok   %s\n", r.File)
						continue
					}
					fmt.Fprintf(w, "FAIL %s: %s\n", r.File, r.Error)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if invalid > 0 {
				return exitErr(ExitCommandError, fmt.Sprintf("%d invalid scenario files", invalid), nil)
			}
			return nil
		},
	}
}
