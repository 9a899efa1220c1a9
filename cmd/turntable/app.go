package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4thel00z/turntable/internal"
	"github.com/4thel00z/turntable/internal/cv"
)

// HFTokenEnv authorizes downloads of gated model weights.
const HFTokenEnv = "HF_TOKEN"

type loaderFactory func(cfg *internal.Config, scope internal.Scope, logger *zap.Logger) internal.ModelLoader

type app struct {
	resolver  *internal.ScopeResolver
	newLoader loaderFactory
}

func newApp() *app {
	return &app{
		resolver:  internal.NewScopeResolver(),
		newLoader: defaultLoader,
	}
}

func defaultLoader(cfg *internal.Config, scope internal.Scope, logger *zap.Logger) internal.ModelLoader {
	downloader := internal.NewDownloader(scope.ModelsPath(), os.Getenv(HFTokenEnv))
	return cv.NewLoader(cfg.Models, downloader, logger)
}

func (a *app) loadConfig(cmd *cobra.Command) (internal.Scope, *internal.Config, error) {
	scopeHint, _ := cmd.Flags().GetString("scope")
	scope, err := a.resolver.Resolve(scopeHint)
	if err != nil {
		return scope, nil, err
	}

	cfg, err := internal.LoadConfig(scope)
	if err != nil {
		return scope, nil, fmt.Errorf("load config: %w", err)
	}
	return scope, cfg, nil
}

// session wires everything one command needs against a resolved scope.
type session struct {
	scope  internal.Scope
	cfg    *internal.Config
	logger *zap.Logger
	models *internal.ModelHandle
	store  *internal.SQLiteStore
	cache  *internal.RedisEmbeddingCache
}

func (a *app) open(cmd *cobra.Command) (*session, error) {
	scope, cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := internal.NewLogger(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	s := &session{
		scope:  scope,
		cfg:    cfg,
		logger: logger,
		models: internal.NewModelHandle(a.newLoader(cfg, scope, logger), logger),
	}

	if cfg.Export.Database {
		if err := s.openStore(cmd.Context()); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.Cache.Enabled {
		s.openCache(cmd.Context())
	}

	return s, nil
}

func (s *session) openStore(ctx context.Context) error {
	if err := os.MkdirAll(s.scope.WorkPath, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	store, err := internal.NewSQLiteStore(s.scope.DatabasePath())
	if err != nil {
		return fmt.Errorf("open run database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return fmt.Errorf("migrate run database: %w", err)
	}

	s.store = store
	return nil
}

// openCache connects the embedding cache. An unreachable Redis only costs
// recomputation, so the run continues without it.
func (s *session) openCache(ctx context.Context) {
	cache := internal.NewRedisEmbeddingCache(s.cfg.Cache)
	if err := cache.Ping(ctx); err != nil {
		s.logger.Warn("embedding cache unavailable",
			zap.String("addr", s.cfg.Cache.Addr),
			zap.Error(err))
		cache.Close()
		return
	}
	s.cache = cache
}

func (s *session) requireStore() error {
	if s.store == nil {
		return errors.New("run database disabled (export.database: false)")
	}
	return nil
}

func (s *session) exportDir(override string) string {
	if override != "" {
		return override
	}
	if s.cfg.Export.Dir != "" {
		return s.cfg.Export.Dir
	}
	return s.scope.OutputPath()
}

func (s *session) pipeline(workers int, outDir string) (*internal.Pipeline, error) {
	if workers <= 0 {
		workers = s.cfg.Pipeline.Workers
	}

	exporters := []internal.Exporter{
		internal.NewDirExporter(s.exportDir(outDir),
			internal.WithCutouts(s.cfg.Export.Cutouts),
			internal.WithOverlays(s.cfg.Export.Overlays),
			internal.WithExportLogger(s.logger)),
	}
	if s.store != nil {
		exporters = append(exporters, s.store)
	}

	opts := []internal.PipelineOption{
		internal.WithWorkers(workers),
		internal.WithProposeOptions(s.cfg.Proposals.Options()),
		internal.WithExporters(exporters...),
		internal.WithLogger(s.logger),
	}
	if s.cache != nil {
		opts = append(opts, internal.WithCache(s.cache))
	}

	return internal.NewPipeline(s.models, s.cfg.Matching, opts...)
}

func (s *session) Close() error {
	var errs []error
	if err := s.models.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release models: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close run database: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
