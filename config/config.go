// Package config defines the structures that configure an octstream tree, its streaming cache,
// and logging.
package config

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/octstream/logging"
)

// Defaults for a freshly created Config.
const (
	DefaultMaxStarsPerNode   = 10000
	DefaultMaxDist           = 10
	DefaultMaxDepth          = 24
	DefaultFirstLodDepth     = 3
	DefaultMinTotalPixelsLod = 0
	DefaultFetchWorkers      = 2
)

// Out of bounds policies.
const (
	OutOfBoundsReject = "reject"
	OutOfBoundsClamp  = "clamp"
)

// Render options.
const (
	RenderStatic = "static"
	RenderColor  = "color"
	RenderMotion = "motion"
)

// Config is the top level octstream configuration.
type Config struct {
	ConfigFilePath string `json:"-"`

	Tree      TreeConfig      `json:"tree"`
	Streaming StreamingConfig `json:"streaming"`
	Log       LogConfig       `json:"log"`
}

// TreeConfig describes the shape of the octree. These settings are fixed once points are inserted.
type TreeConfig struct {
	MaxStarsPerNode int     `json:"max_stars_per_node"`
	MaxDist         float32 `json:"max_dist"`
	MaxDepth        int     `json:"max_depth"`
	FirstLodDepth   int     `json:"first_lod_depth"`
	// MinTotalPixelsLod is multiplied by a node's depth to get the footprint below which an inner
	// node is drawn from its LOD sample instead of its children.
	MinTotalPixelsLod float32 `json:"min_total_pixels_lod"`
	OutOfBounds       string  `json:"out_of_bounds"`
}

// StreamingConfig describes the GPU slot pool and how branches are loaded from disk.
type StreamingConfig struct {
	// MaxSlots bounds the slot pool. Zero means unbounded.
	MaxSlots     int    `json:"max_slots"`
	RenderOption string `json:"render_option"`
	DataDir      string `json:"data_dir"`
	Compress     bool   `json:"compress"`

	AsyncFetch         bool   `json:"async_fetch"`
	FetchWorkers       int    `json:"fetch_workers"`
	MaxFetchesPerFrame int    `json:"max_fetches_per_frame"`
	FetchBudget        string `json:"fetch_budget,omitempty"`
}

// LogConfig describes log levels and an optional rotating log file.
type LogConfig struct {
	Level    string                        `json:"level"`
	Patterns []logging.LoggerPatternConfig `json:"patterns,omitempty"`
	File     *logging.FileAppenderConfig   `json:"file,omitempty"`
}

// Default returns a Config populated with the default tree constants.
func Default() *Config {
	return &Config{
		Tree: TreeConfig{
			MaxStarsPerNode:   DefaultMaxStarsPerNode,
			MaxDist:           DefaultMaxDist,
			MaxDepth:          DefaultMaxDepth,
			FirstLodDepth:     DefaultFirstLodDepth,
			MinTotalPixelsLod: DefaultMinTotalPixelsLod,
			OutOfBounds:       OutOfBoundsReject,
		},
		Streaming: StreamingConfig{
			RenderOption: RenderMotion,
			FetchWorkers: DefaultFetchWorkers,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if err := cfg.Tree.Validate("tree"); err != nil {
		return err
	}
	if err := cfg.Streaming.Validate("streaming"); err != nil {
		return err
	}
	return cfg.Log.Validate("log")
}

// Validate ensures the tree shape is usable.
func (tc *TreeConfig) Validate(path string) error {
	if tc.MaxStarsPerNode == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_stars_per_node")
	}
	if tc.MaxStarsPerNode < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_stars_per_node must be positive, got %d", tc.MaxStarsPerNode))
	}
	if tc.MaxDist == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_dist")
	}
	if tc.MaxDist < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_dist must be positive, got %v", tc.MaxDist))
	}
	if tc.MaxDepth <= 0 || tc.MaxDepth > 64 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_depth must be in [1, 64], got %d", tc.MaxDepth))
	}
	if tc.FirstLodDepth < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("first_lod_depth cannot be negative, got %d", tc.FirstLodDepth))
	}
	if tc.MinTotalPixelsLod < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("min_total_pixels_lod cannot be negative, got %v", tc.MinTotalPixelsLod))
	}
	switch tc.OutOfBounds {
	case "":
		tc.OutOfBounds = OutOfBoundsReject
	case OutOfBoundsReject, OutOfBoundsClamp:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown out_of_bounds policy %q", tc.OutOfBounds))
	}
	return nil
}

// Validate ensures the streaming settings are usable.
func (sc *StreamingConfig) Validate(path string) error {
	if sc.MaxSlots < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_slots cannot be negative, got %d", sc.MaxSlots))
	}
	switch sc.RenderOption {
	case "":
		sc.RenderOption = RenderMotion
	case RenderStatic, RenderColor, RenderMotion:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown render_option %q", sc.RenderOption))
	}
	if sc.FetchWorkers < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("fetch_workers cannot be negative, got %d", sc.FetchWorkers))
	}
	if sc.FetchWorkers == 0 {
		sc.FetchWorkers = DefaultFetchWorkers
	}
	if sc.MaxFetchesPerFrame < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_fetches_per_frame cannot be negative, got %d", sc.MaxFetchesPerFrame))
	}
	if _, err := sc.FetchBudgetDuration(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// FetchBudgetDuration parses FetchBudget. An empty budget is zero, meaning unlimited.
func (sc *StreamingConfig) FetchBudgetDuration() (time.Duration, error) {
	if sc.FetchBudget == "" {
		return 0, nil
	}
	budget, err := time.ParseDuration(sc.FetchBudget)
	if err != nil {
		return 0, errors.Wrap(err, "invalid fetch_budget")
	}
	if budget < 0 {
		return 0, errors.Errorf("fetch_budget cannot be negative, got %s", budget)
	}
	return budget, nil
}

// Validate ensures the log level and patterns parse.
func (lc *LogConfig) Validate(path string) error {
	if lc.Level == "" {
		lc.Level = "info"
	}
	if _, err := logging.LevelFromString(lc.Level); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	for idx, pattern := range lc.Patterns {
		if err := pattern.Validate(); err != nil {
			return utils.NewConfigValidationError(path, errors.Wrapf(err, "patterns.%d", idx))
		}
	}
	if lc.File != nil && lc.File.Filename == "" {
		return utils.NewConfigValidationFieldRequiredError(path+".file", "path")
	}
	return nil
}

// LevelOrDefault returns the configured level, falling back to INFO.
func (lc *LogConfig) LevelOrDefault() logging.Level {
	level, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}
