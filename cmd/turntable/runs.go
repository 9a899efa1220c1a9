package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect past matching runs",
		Long:  `List, show and delete runs recorded in the run database.`,
	}

	cmd.AddCommand(
		newRunsListCmd(a),
		newRunsShowCmd(a),
		newRunsRemoveCmd(a),
	)
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			asJSON, _ := cmd.Flags().GetBool("json")

			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireStore(); err != nil {
				return err
			}

			runs, err := s.store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			if asJSON {
				return outputJSON(cmd, runs)
			}
			printRunList(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 for all)")
	cmd.Flags().Int("offset", 0, "Runs to skip")
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the per-image results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireStore(); err != nil {
				return err
			}

			rep, err := s.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			if asJSON {
				return outputJSON(cmd, rep)
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func newRunsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a run from the run database",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireStore(); err != nil {
				return err
			}

			if err := s.store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}
