package octree

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/octstream/config"
)

// Options configure a Manager.
type Options struct {
	MaxStarsPerNode   int
	MaxDist           float32
	MaxDepth          int
	FirstLodDepth     int
	MinTotalPixelsLod float32
	// ClampOutOfBounds moves out of bounds stars onto the root cube instead of rejecting them.
	ClampOutOfBounds bool

	// MaxSlots bounds the slot pool. Zero is unbounded.
	MaxSlots     int
	RenderOption RenderOption

	// DataDir holds branch files. Unloaded branches cannot be fetched without one.
	DataDir  string
	Compress bool

	AsyncFetch   bool
	FetchWorkers int
	// MaxFetchesPerFrame and FetchBudget bound synchronous fetches per traversal. Zero is unlimited.
	MaxFetchesPerFrame int
	FetchBudget        time.Duration
}

// DefaultOptions returns the options of a default config.
func DefaultOptions() Options {
	return Options{
		MaxStarsPerNode:   DefaultMaxStarsPerNode,
		MaxDist:           DefaultMaxDist,
		MaxDepth:          DefaultMaxDepth,
		FirstLodDepth:     DefaultFirstLodDepth,
		MinTotalPixelsLod: DefaultMinTotalPixelsLod,
		RenderOption:      RenderMotion,
		FetchWorkers:      config.DefaultFetchWorkers,
	}
}

// OptionsFromConfig converts a validated config into Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	renderOption, err := RenderOptionFromString(cfg.Streaming.RenderOption)
	if err != nil {
		return Options{}, err
	}
	budget, err := cfg.Streaming.FetchBudgetDuration()
	if err != nil {
		return Options{}, err
	}
	return Options{
		MaxStarsPerNode:    cfg.Tree.MaxStarsPerNode,
		MaxDist:            cfg.Tree.MaxDist,
		MaxDepth:           cfg.Tree.MaxDepth,
		FirstLodDepth:      cfg.Tree.FirstLodDepth,
		MinTotalPixelsLod:  cfg.Tree.MinTotalPixelsLod,
		ClampOutOfBounds:   cfg.Tree.OutOfBounds == config.OutOfBoundsClamp,
		MaxSlots:           cfg.Streaming.MaxSlots,
		RenderOption:       renderOption,
		DataDir:            cfg.Streaming.DataDir,
		Compress:           cfg.Streaming.Compress,
		AsyncFetch:         cfg.Streaming.AsyncFetch,
		FetchWorkers:       cfg.Streaming.FetchWorkers,
		MaxFetchesPerFrame: cfg.Streaming.MaxFetchesPerFrame,
		FetchBudget:        budget,
	}, nil
}

func (opts *Options) validate() error {
	if opts.MaxStarsPerNode <= 0 {
		return errors.Errorf("max stars per node must be positive, got %d", opts.MaxStarsPerNode)
	}
	if !(opts.MaxDist > 0) {
		return errors.Errorf("max dist must be positive, got %v", opts.MaxDist)
	}
	if opts.MaxDepth <= 0 || opts.MaxDepth > maxDepthLimit {
		return errors.Errorf("max depth must be in [1, %d], got %d", maxDepthLimit, opts.MaxDepth)
	}
	if opts.FirstLodDepth < 0 {
		return errors.Errorf("first lod depth cannot be negative, got %d", opts.FirstLodDepth)
	}
	if opts.MaxSlots < 0 {
		return errors.Errorf("max slots cannot be negative, got %d", opts.MaxSlots)
	}
	if opts.AsyncFetch && opts.FetchWorkers <= 0 {
		opts.FetchWorkers = config.DefaultFetchWorkers
	}
	return nil
}

// An Option customizes a Manager beyond its Options.
type Option func(*Manager)

// WithClock sets the clock fetch budgets and latencies are measured with.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}
