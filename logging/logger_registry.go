package logging

import (
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

var globalLoggerRegistry = newRegistry()

// Registry tracks named loggers so their levels can be changed at runtime.
type Registry struct {
	mu      sync.RWMutex
	loggers map[string]Logger
}

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

func (lr *Registry) registerLogger(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
}

func (lr *Registry) deregisterLogger(name string) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	_, ok := lr.loggers[name]
	delete(lr.loggers, name)
	return ok
}

func (lr *Registry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

// getOrRegister returns the logger already registered under `name`, or registers and returns
// the input logger. Racing callers all receive the winner's logger.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}
	lr.loggers[name] = logger
	return logger
}

func (lr *Registry) updateLoggerLevel(name string, level Level) error {
	logger, ok := lr.loggerNamed(name)
	if !ok {
		return errors.Errorf("logger named %s not recognized", name)
	}
	logger.SetLevel(level)
	return nil
}

// applyPatterns sets every registered logger to the level of the last pattern matching its name,
// or to `defaultLevel` when none match.
func (lr *Registry) applyPatterns(patterns []LoggerPatternConfig, defaultLevel Level) error {
	type compiled struct {
		re    *regexp.Regexp
		level Level
	}
	matchers := make([]compiled, 0, len(patterns))
	for _, lpc := range patterns {
		if err := lpc.Validate(); err != nil {
			return err
		}
		level, err := LevelFromString(lpc.Level)
		if err != nil {
			return err
		}
		re, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return err
		}
		matchers = append(matchers, compiled{re, level})
	}

	lr.mu.RLock()
	defer lr.mu.RUnlock()
	for name, logger := range lr.loggers {
		level := defaultLevel
		for _, m := range matchers {
			if m.re.MatchString(name) {
				level = m.level
			}
		}
		logger.SetLevel(level)
	}
	return nil
}

// RegisterLogger registers a logger under a name, replacing any previous registration.
func RegisterLogger(name string, logger Logger) {
	globalLoggerRegistry.registerLogger(name, logger)
}

// DeregisterLogger removes a logger from the registry. It reports whether it was present.
func DeregisterLogger(name string) bool {
	return globalLoggerRegistry.deregisterLogger(name)
}

// LoggerNamed returns the registered logger with the given name.
func LoggerNamed(name string) (Logger, bool) {
	return globalLoggerRegistry.loggerNamed(name)
}

// GetOrRegister returns the logger registered as `name`, registering `logger` if there is none.
func GetOrRegister(name string, logger Logger) Logger {
	return globalLoggerRegistry.getOrRegister(name, logger)
}

// UpdateLoggerLevel sets the level of the named, registered logger.
func UpdateLoggerLevel(name string, level Level) error {
	return globalLoggerRegistry.updateLoggerLevel(name, level)
}

// ApplyLoggerPatterns reconfigures the levels of all registered loggers from patterns.
func ApplyLoggerPatterns(patterns []LoggerPatternConfig, defaultLevel Level) error {
	return globalLoggerRegistry.applyPatterns(patterns, defaultLevel)
}
