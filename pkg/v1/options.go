package v1

import (
	"go.uber.org/zap"

	"github.com/4thel00z/turntable/internal"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	scope      string
	workers    int
	exportDir  string
	noDatabase bool
	threshold  float64
	topK       int
	logger     *zap.Logger
	loader     internal.ModelLoader
}

// WithScope forces a specific scope (global or project).
func WithScope(scope string) Option {
	return func(c *clientConfig) {
		c.scope = scope
	}
}

// WithWorkers sets how many target images are processed concurrently.
func WithWorkers(n int) Option {
	return func(c *clientConfig) {
		c.workers = n
	}
}

// WithExportDir writes masks, cutouts, overlays and a JSON summary of every
// run below dir.
func WithExportDir(dir string) Option {
	return func(c *clientConfig) {
		c.exportDir = dir
	}
}

// WithoutDatabase skips recording runs in the workspace run database.
func WithoutDatabase() Option {
	return func(c *clientConfig) {
		c.noDatabase = true
	}
}

// WithSimilarityThreshold overrides the configured acceptance threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(c *clientConfig) {
		c.threshold = t
	}
}

// WithTopK overrides how many matches are kept per image.
func WithTopK(k int) Option {
	return func(c *clientConfig) {
		c.topK = k
	}
}

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}

func withLoader(l internal.ModelLoader) Option {
	return func(c *clientConfig) {
		c.loader = l
	}
}
