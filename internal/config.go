package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment overrides, e.g. TURNTABLE_SIMILARITY_THRESHOLD=0.7.
const EnvPrefix = "TURNTABLE_"

type MatchConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	SimilarityTieMargin float64 `yaml:"similarity_tie_margin"`
	MinAreaRatio        float64 `yaml:"min_area_ratio"`
	MaxAreaRatio        float64 `yaml:"max_area_ratio"`
	NMSIoUThreshold     float64 `yaml:"nms_iou_threshold"`
	TopK                int     `yaml:"top_k_matches"`
	MinQuality          float64 `yaml:"min_quality"`
	MinPredictedIoU     float64 `yaml:"min_predicted_iou"`
	MinStability        float64 `yaml:"min_stability"`
	PatchCoverage       float64 `yaml:"patch_coverage"`
}

type ProposalConfig struct {
	PointsPerSide        int     `yaml:"points_per_side"`
	PredIoUThresh        float64 `yaml:"pred_iou_thresh"`
	StabilityScoreThresh float64 `yaml:"stability_score_thresh"`
	MinRegionArea        int     `yaml:"min_mask_region_area"`
}

func (p ProposalConfig) Options() ProposeOptions {
	return ProposeOptions{
		PointsPerSide:        p.PointsPerSide,
		PredIoUThresh:        p.PredIoUThresh,
		StabilityScoreThresh: p.StabilityScoreThresh,
		MinRegionArea:        p.MinRegionArea,
	}
}

type ModelsConfig struct {
	Device            string `yaml:"device"` // auto, cpu, cuda
	PatchModel        string `yaml:"patch_model"`
	PatchModelURL     string `yaml:"patch_model_url,omitempty"`
	PatchModelSHA256  string `yaml:"patch_model_sha256,omitempty"`
	PatchSize         int    `yaml:"patch_size"`
	InputSize         int    `yaml:"input_size"`
	Dimension         int    `yaml:"dimension"`
	GrabCutIterations int    `yaml:"grabcut_iterations"`
}

// PatchModelSource locates the patch model weights. Only the default model
// has a built-in download URL.
func (m ModelsConfig) PatchModelSource() ModelSource {
	src := ModelSource{Filename: m.PatchModel, URL: m.PatchModelURL, SHA256: m.PatchModelSHA256}
	if src.URL == "" && m.PatchModel == DefaultPatchModelFilename {
		src.URL = DefaultPatchModelURL
	}
	return src
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type ExportConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	Database bool   `yaml:"database"`
	Cutouts  bool   `yaml:"cutouts"`
	Overlays bool   `yaml:"overlays"`
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	FailedRunTTL time.Duration `yaml:"failed_run_ttl"` // how long a failed run stays queryable
}

type LogConfig struct {
	Mode string `yaml:"mode"` // debug or release
}

type Config struct {
	Log       LogConfig      `yaml:"log"`
	Matching  MatchConfig    `yaml:"matching"`
	Proposals ProposalConfig `yaml:"proposals"`
	Models    ModelsConfig   `yaml:"models"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Cache     CacheConfig    `yaml:"cache"`
	Export    ExportConfig   `yaml:"export"`
	Server    ServerConfig   `yaml:"server"`
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		SimilarityThreshold: 0.65,
		SimilarityTieMargin: 0.05,
		MinAreaRatio:        0.001,
		MaxAreaRatio:        0.5,
		NMSIoUThreshold:     0.5,
		TopK:                3,
		MinQuality:          0,
		PatchCoverage:       0,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Log:      LogConfig{Mode: "debug"},
		Matching: DefaultMatchConfig(),
		Proposals: ProposalConfig{
			PointsPerSide:        32,
			PredIoUThresh:        0.86,
			StabilityScoreThresh: 0.92,
			MinRegionArea:        100,
		},
		Models: ModelsConfig{
			Device:            "auto",
			PatchModel:        "dinov2-large.onnx",
			PatchSize:         14,
			InputSize:         518,
			Dimension:         1024,
			GrabCutIterations: 5,
		},
		Pipeline: PipelineConfig{Workers: 1},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Export: ExportConfig{
			Database: true,
			Cutouts:  true,
			Overlays: true,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			QueueTimeout: 30 * time.Second,
			FailedRunTTL: time.Hour,
		},
	}
}

// Validate checks the matching surface at entry.
func (c MatchConfig) Validate() error {
	var errs []error
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("similarity_threshold %v not in (0,1]", c.SimilarityThreshold))
	}
	if c.SimilarityTieMargin < 0 {
		errs = append(errs, fmt.Errorf("similarity_tie_margin %v is negative", c.SimilarityTieMargin))
	}
	if c.MinAreaRatio <= 0 || c.MinAreaRatio >= c.MaxAreaRatio || c.MaxAreaRatio > 1 {
		errs = append(errs, fmt.Errorf("area ratio band [%v,%v] needs 0<min<max<=1", c.MinAreaRatio, c.MaxAreaRatio))
	}
	if c.NMSIoUThreshold <= 0 || c.NMSIoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("nms_iou_threshold %v not in (0,1]", c.NMSIoUThreshold))
	}
	if c.TopK < 1 {
		errs = append(errs, fmt.Errorf("top_k_matches %d < 1", c.TopK))
	}
	if c.PatchCoverage < 0 || c.PatchCoverage >= 1 {
		errs = append(errs, fmt.Errorf("patch_coverage %v not in [0,1)", c.PatchCoverage))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Matching.Validate(); err != nil {
		return err
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("%w: pipeline.workers %d < 1", ErrInvalidConfig, c.Pipeline.Workers)
	}
	if c.Models.PatchSize <= 0 || c.Models.InputSize < c.Models.PatchSize {
		return fmt.Errorf("%w: input_size %d must hold at least one %d px patch",
			ErrInvalidConfig, c.Models.InputSize, c.Models.PatchSize)
	}
	// The patch grid must tile the network input exactly or masks drift off
	// the tokens they are projected onto.
	if c.Models.InputSize%c.Models.PatchSize != 0 {
		return fmt.Errorf("%w: input_size %d is not a multiple of patch_size %d",
			ErrInvalidConfig, c.Models.InputSize, c.Models.PatchSize)
	}
	return nil
}

// LoadConfig reads the scope's config.yaml (defaults when absent), then
// applies .env and TURNTABLE_* overrides and validates the result.
func LoadConfig(scope Scope) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(scope.ConfigPath())
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Already exported variables win over .env entries.
	if err := godotenv.Load(scope.EnvPath()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(scope Scope, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(scope.WorkPath, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	if err := os.WriteFile(scope.ConfigPath(), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ApplyEnv overrides cfg from TURNTABLE_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	floats := map[string]*float64{
		"SIMILARITY_THRESHOLD":   &cfg.Matching.SimilarityThreshold,
		"SIMILARITY_TIE_MARGIN":  &cfg.Matching.SimilarityTieMargin,
		"MIN_AREA_RATIO":         &cfg.Matching.MinAreaRatio,
		"MAX_AREA_RATIO":         &cfg.Matching.MaxAreaRatio,
		"NMS_IOU_THRESHOLD":      &cfg.Matching.NMSIoUThreshold,
		"MIN_QUALITY":            &cfg.Matching.MinQuality,
		"MIN_PREDICTED_IOU":      &cfg.Matching.MinPredictedIoU,
		"MIN_STABILITY":          &cfg.Matching.MinStability,
		"PATCH_COVERAGE":         &cfg.Matching.PatchCoverage,
		"PRED_IOU_THRESH":        &cfg.Proposals.PredIoUThresh,
		"STABILITY_SCORE_THRESH": &cfg.Proposals.StabilityScoreThresh,
	}
	ints := map[string]*int{
		"TOP_K_MATCHES":        &cfg.Matching.TopK,
		"POINTS_PER_SIDE":      &cfg.Proposals.PointsPerSide,
		"MIN_MASK_REGION_AREA": &cfg.Proposals.MinRegionArea,
		"WORKERS":              &cfg.Pipeline.Workers,
		"REDIS_DB":             &cfg.Cache.DB,
	}
	strs := map[string]*string{
		"DEVICE":         &cfg.Models.Device,
		"PATCH_MODEL":    &cfg.Models.PatchModel,
		"LOG_MODE":       &cfg.Log.Mode,
		"REDIS_ADDR":     &cfg.Cache.Addr,
		"REDIS_PASSWORD": &cfg.Cache.Password,
		"EXPORT_DIR":     &cfg.Export.Dir,
		"SERVER_ADDR":    &cfg.Server.Addr,
	}

	for name, dst := range floats {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, name, v)
		}
		*dst = f
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, name, v)
		}
		*dst = n
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(EnvPrefix + "CACHE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sCACHE=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		cfg.Cache.Enabled = b
	}
	return nil
}
