package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/4thel00z/turntable/internal"
)

func NewModelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model weights",
		Long:  `Download and list the model weights kept in the workspace models directory.`,
	}

	cmd.AddCommand(newModelsPullCmd(a), newModelsListCmd(a))
	return cmd
}

func newModelsPullCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download the configured patch model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("url")

			scope, cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			src := cfg.Models.PatchModelSource()
			if url != "" {
				src.URL = url
			}

			d := internal.NewDownloader(scope.ModelsPath(), os.Getenv(HFTokenEnv))
			errOut := cmd.ErrOrStderr()
			path, err := d.Fetch(cmd.Context(), src, func(written, total int64) {
				if total > 0 {
					fmt.Fprintf(errOut, "\rDownloading %s: %5.1f%%", cfg.Models.PatchModel, float64(written)*100/float64(total))
				} else {
					fmt.Fprintf(errOut, "\rDownloading %s: %d MB", cfg.Models.PatchModel, written>>20)
				}
			})
			fmt.Fprintln(errOut)
			if err != nil {
				return fmt.Errorf("pull %s: %w", cfg.Models.PatchModel, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", path)
			return nil
		},
	}

	cmd.Flags().String("url", "", "Download URL (default from config)")
	return cmd
}

func newModelsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List downloaded model weights",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			scope, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			entries, err := os.ReadDir(scope.ModelsPath())
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("read models directory: %w", err)
			}

			type modelFile struct {
				Name string `json:"name"`
				Size int64  `json:"size"`
			}
			models := make([]modelFile, 0, len(entries))
			for _, e := range entries {
				info, err := e.Info()
				if err != nil || e.IsDir() {
					continue
				}
				models = append(models, modelFile{Name: e.Name(), Size: info.Size()})
			}

			if asJSON {
				return outputJSON(cmd, models)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%.1f MB\n", m.Name, float64(m.Size)/(1<<20))
			}
			return tw.Flush()
		},
	}
}
