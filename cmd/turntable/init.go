package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/4thel00z/turntable/internal"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a turntable workspace",
		Long:  `Create a .turntable directory holding config, model weights, exports and the run database.`,
		RunE:  runInit,
	}

	cmd.Flags().Bool("global", false, "Initialize global scope (~/.turntable)")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	isGlobal, _ := cmd.Flags().GetBool("global")

	var scope internal.Scope
	if isGlobal {
		scope = internal.NewScopeResolver().Global()
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		scope = internal.ProjectAt(cwd)
	}

	if scope.Exists() {
		return fmt.Errorf("already initialized at %s", scope.WorkPath)
	}

	for _, dir := range []string{scope.ModelsPath(), scope.OutputPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := internal.SaveConfig(scope, internal.DefaultConfig()); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized turntable workspace at %s\n", scope.WorkPath)
	return nil
}
