package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/octstream/logging"
	"go.viam.com/octstream/utils"
)

// A Watcher re-reads a config file whenever it changes on disk and delivers each new valid
// config. Invalid edits are logged and skipped.
type Watcher struct {
	path    string
	logger  logging.Logger
	fsw     *fsnotify.Watcher
	configs chan *Config
	workers utils.StoppableWorkers
}

// NewWatcher starts watching the config at `path`. The directory is watched rather than the
// file so editors that replace files on save are still noticed.
func NewWatcher(ctx context.Context, path string, logger logging.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "failed to watch %q", path), fsw.Close())
	}

	w := &Watcher{
		path:    absPath,
		logger:  logger,
		fsw:     fsw,
		configs: make(chan *Config, 1),
	}
	last, err := os.ReadFile(absPath)
	if err != nil {
		w.logger.Debugw("config not readable yet", "path", absPath, "error", err)
	}
	w.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		w.watch(ctx, last)
	})
	return w, nil
}

// Configs returns the channel new configs are delivered on. Only the newest undelivered config
// is kept.
func (w *Watcher) Configs() <-chan *Config {
	return w.configs
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.workers.Stop()
	return err
}

func (w *Watcher) watch(ctx context.Context, last []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			raw, err := os.ReadFile(w.path)
			if err != nil || bytes.Equal(raw, last) {
				continue
			}
			last = raw

			cfg, err := w.parse()
			if err != nil {
				w.logger.Warnw("ignoring invalid config change", "path", w.path, "error", err)
				continue
			}
			w.logger.Infow("config changed", "path", w.path)
			w.deliver(cfg)
		}
	}
}

func (w *Watcher) parse() (*Config, error) {
	buf, err := envsubst.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	return FromReader(w.path, bytes.NewReader(buf))
}

// deliver replaces any config the consumer has not picked up yet.
func (w *Watcher) deliver(cfg *Config) {
	for {
		select {
		case w.configs <- cfg:
			return
		default:
		}
		select {
		case <-w.configs:
		default:
		}
	}
}
