package cli

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/octstream/config"
	"go.viam.com/octstream/logging"
	"go.viam.com/octstream/octree"
)

// printf prints a message with no prefix.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a message prefixed with a bold "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "\033[1mWarning:\033[0m "+format+"\n", a...)
}

// environment is what every command needs: the loaded config and loggers built from it.
type environment struct {
	cfg          *config.Config
	logger       logging.Logger
	octreeLogger logging.Logger
	closers      []io.Closer
}

// newEnvironment loads --config, or the defaults, and sets up logging to the app's error
// writer and the configured log file.
func newEnvironment(c *cli.Context) (*environment, error) {
	cfg := config.Default()
	if path := c.Path(generalFlagConfig); path != "" {
		var err error
		cfg, err = config.Read(path)
		if err != nil {
			return nil, err
		}
	}

	level := cfg.Log.LevelOrDefault()
	if c.Bool(generalFlagDebug) {
		level = logging.DEBUG
	}
	logger := logging.NewBlankLogger("octstream")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	logger.SetLevel(level)

	env := &environment{cfg: cfg, logger: logger}
	if cfg.Log.File != nil {
		fileAppender, err := logging.NewFileAppender(*cfg.Log.File)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open log file")
		}
		logger.AddAppender(fileAppender)
		env.closers = append(env.closers, fileAppender)
	}

	env.octreeLogger = logger.Sublogger("octree")
	logging.RegisterLogger(logger.Name(), logger)
	logging.RegisterLogger(env.octreeLogger.Name(), env.octreeLogger)
	if len(cfg.Log.Patterns) > 0 {
		if err := logging.ApplyLoggerPatterns(cfg.Log.Patterns, level); err != nil {
			return nil, multierr.Combine(err, env.close())
		}
	}
	return env, nil
}

// options returns the octree options from the config, for trees kept in memory.
func (env *environment) options() (octree.Options, error) {
	opts, err := octree.OptionsFromConfig(env.cfg)
	if err != nil {
		return octree.Options{}, err
	}
	opts.DataDir = ""
	opts.AsyncFetch = false
	return opts, nil
}

func (env *environment) close() error {
	var err error
	for _, closer := range env.closers {
		err = multierr.Combine(err, closer.Close())
	}
	logging.DeregisterLogger(env.octreeLogger.Name())
	logging.DeregisterLogger(env.logger.Name())
	//nolint:errcheck
	env.logger.Sync()
	return err
}
