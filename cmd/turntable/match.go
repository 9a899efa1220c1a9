package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/4thel00z/turntable/internal"
)

func NewMatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match [target...]",
		Short: "Find the selected product in other captures",
		Long: `Segment the product selected on the reference image with a point or box
prompt, then locate the same instance in every target image.

Targets are image paths, a --dir of captures, or both. The reference may be
listed among the targets; it always matches itself.`,
		RunE: makeMatchRunner(a),
	}

	addPromptFlags(cmd)
	cmd.Flags().String("dir", "", "Directory of target images")
	cmd.Flags().Int("workers", 0, "Images processed concurrently (default from config)")
	cmd.Flags().String("out", "", "Export directory (default from config)")
	return cmd
}

func addPromptFlags(cmd *cobra.Command) {
	cmd.Flags().String("ref", "", "Reference image containing the product")
	cmd.Flags().String("point", "", "Point prompt x,y on the reference image")
	cmd.Flags().String("box", "", "Box prompt x1,y1,x2,y2 on the reference image")
	cmd.Flags().Bool("negative", false, "Treat the point prompt as background")
	_ = cmd.MarkFlagRequired("ref")
}

func readReference(cmd *cobra.Command) (internal.ImageSource, internal.Prompt, error) {
	ref, _ := cmd.Flags().GetString("ref")
	point, _ := cmd.Flags().GetString("point")
	box, _ := cmd.Flags().GetString("box")
	negative, _ := cmd.Flags().GetBool("negative")

	prompt, err := internal.ParsePrompt(point, box, negative)
	if err != nil {
		return internal.ImageSource{}, internal.Prompt{}, err
	}
	return internal.ImageSource{ID: filepath.Base(ref), Path: ref}, prompt, nil
}

func makeMatchRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		workers, _ := cmd.Flags().GetInt("workers")
		outDir, _ := cmd.Flags().GetString("out")
		asJSON, _ := cmd.Flags().GetBool("json")

		ref, prompt, err := readReference(cmd)
		if err != nil {
			return err
		}

		targets, err := internal.CollectTargets(dir, args)
		if err != nil {
			return fmt.Errorf("collect targets: %w", err)
		}
		if len(targets) == 0 {
			return errors.New("no target images: pass paths or --dir")
		}

		s, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		p, err := s.pipeline(workers, outDir)
		if err != nil {
			return err
		}

		run, err := p.Run(cmd.Context(), internal.RunInput{
			Reference: ref,
			Prompt:    prompt,
			Targets:   targets,
		})
		if run == nil {
			return fmt.Errorf("match: %w", err)
		}
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}

		rep := internal.NewRunReport(run)
		if asJSON {
			return outputJSON(cmd, rep)
		}

		printReport(cmd.OutOrStdout(), rep)
		fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", filepath.Join(s.exportDir(outDir), run.ID))
		return nil
	}
}
