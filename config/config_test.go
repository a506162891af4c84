package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/octstream/logging"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Tree.MaxStarsPerNode, test.ShouldEqual, 10000)
	test.That(t, cfg.Tree.MaxDist, test.ShouldEqual, 10)
	test.That(t, cfg.Tree.FirstLodDepth, test.ShouldEqual, 3)
	test.That(t, cfg.Tree.MinTotalPixelsLod, test.ShouldEqual, 0)
	test.That(t, cfg.Log.LevelOrDefault(), test.ShouldEqual, logging.INFO)
}

func TestFromReader(t *testing.T) {
	t.Run("partial documents keep defaults", func(t *testing.T) {
		cfg, err := FromReader("inline", strings.NewReader(`{
			"tree": {"max_stars_per_node": 1000, "out_of_bounds": "clamp"},
			"streaming": {"max_slots": 64, "render_option": "color", "fetch_budget": "5ms"},
			"log": {"level": "debug", "patterns": [{"pattern": "octree.*", "level": "warn"}]}
		}`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.ConfigFilePath, test.ShouldEqual, "inline")
		test.That(t, cfg.Tree.MaxStarsPerNode, test.ShouldEqual, 1000)
		test.That(t, cfg.Tree.MaxDist, test.ShouldEqual, DefaultMaxDist)
		test.That(t, cfg.Tree.OutOfBounds, test.ShouldEqual, OutOfBoundsClamp)
		test.That(t, cfg.Streaming.MaxSlots, test.ShouldEqual, 64)
		test.That(t, cfg.Streaming.FetchWorkers, test.ShouldEqual, DefaultFetchWorkers)
		budget, err := cfg.Streaming.FetchBudgetDuration()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, budget, test.ShouldEqual, 5*time.Millisecond)
		test.That(t, cfg.Log.LevelOrDefault(), test.ShouldEqual, logging.DEBUG)
	})

	for _, tc := range []struct {
		name     string
		doc      string
		expected string
	}{
		{"unknown field", `{"tree": {"max_starz": 1}}`, "unknown field"},
		{"negative capacity", `{"tree": {"max_stars_per_node": -1}}`, "max_stars_per_node must be positive"},
		{"missing capacity", `{"tree": {"max_stars_per_node": 0}}`, "max_stars_per_node"},
		{"bad policy", `{"tree": {"out_of_bounds": "wrap"}}`, "out_of_bounds"},
		{"bad render option", `{"streaming": {"render_option": "sparkly"}}`, "render_option"},
		{"bad budget", `{"streaming": {"fetch_budget": "soon"}}`, "fetch_budget"},
		{"negative slots", `{"streaming": {"max_slots": -3}}`, "max_slots"},
		{"bad level", `{"log": {"level": "loud"}}`, "loud"},
		{"bad pattern", `{"log": {"patterns": [{"pattern": "a..b", "level": "info"}]}}`, "a..b"},
		{"log file without path", `{"log": {"file": {"max_size_mb": 3}}}`, "path"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader("inline", strings.NewReader(tc.doc))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.expected)
		})
	}
}

func TestReadExpandsEnvironment(t *testing.T) {
	t.Setenv("OCTSTREAM_TEST_DATA_DIR", "/data/stars")
	path := filepath.Join(t.TempDir(), "octstream.json")
	err := os.WriteFile(path, []byte(`{"streaming": {"data_dir": "${OCTSTREAM_TEST_DATA_DIR}"}}`), 0o600)
	test.That(t, err, test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Streaming.DataDir, test.ShouldEqual, "/data/stars")

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWatcher(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "octstream.json")
	test.That(t, os.WriteFile(path, []byte(`{"tree": {"min_total_pixels_lod": 1}}`), 0o600), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher, err := NewWatcher(ctx, path, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, watcher.Close(), test.ShouldBeNil)
	}()

	// An invalid edit is skipped, the following valid one is delivered.
	test.That(t, os.WriteFile(path, []byte(`{"tree": {"min_total_pixels_lod": -1}}`), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(path, []byte(`{"tree": {"min_total_pixels_lod": 12.5}}`), 0o600), test.ShouldBeNil)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case cfg := <-watcher.Configs():
			if cfg.Tree.MinTotalPixelsLod == 12.5 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config change")
		}
	}
}
