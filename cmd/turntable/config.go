package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the configuration after file, .env and environment overrides",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				asJSON, _ := cmd.Flags().GetBool("json")

				_, cfg, err := a.loadConfig(cmd)
				if err != nil {
					return err
				}

				if asJSON {
					return outputJSON(cmd, cfg)
				}

				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file of the resolved scope",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				scopeHint, _ := cmd.Flags().GetString("scope")
				scope, err := a.resolver.Resolve(scopeHint)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), scope.ConfigPath())
				return nil
			},
		},
	)
	return cmd
}
