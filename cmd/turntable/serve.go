package main

import (
	"github.com/spf13/cobra"

	"github.com/4thel00z/turntable/internal/server"
)

func NewServeCmd(a *app, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve matching runs over HTTP",
		Long: `Start an HTTP API that accepts matching runs, executes them in the
background and serves their results from the run database.`,
		Args: cobra.NoArgs,
		RunE: makeServeRunner(a, version),
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().Int("max-concurrent", 1, "Runs executed at once")
	return cmd
}

func makeServeRunner(a *app, version string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")

		s, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireStore(); err != nil {
			return err
		}

		p, err := s.pipeline(0, "")
		if err != nil {
			return err
		}

		if addr == "" {
			addr = s.cfg.Server.Addr
		}

		srv := server.New(server.Config{
			Version:       version,
			MaxConcurrent: maxConcurrent,
			QueueTimeout:  s.cfg.Server.QueueTimeout,
			FailedRunTTL:  s.cfg.Server.FailedRunTTL,
			Mode:          ginMode(s.cfg.Log.Mode),
		}, p, s.store, s.models.Loaded, s.logger)

		return srv.ListenAndServe(cmd.Context(), addr)
	}
}

func ginMode(logMode string) string {
	if logMode == "release" {
		return "release"
	}
	return "debug"
}
