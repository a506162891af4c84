package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	impl struct {
		name  string
		level AtomicLevel
		inUTC bool

		appenders []Appender
	}

	// LogEntry embeds a zapcore Entry and slice of Fields.
	LogEntry struct {
		zapcore.Entry
		fields []zapcore.Field
	}
)

// skipToLogCaller is the number of frames between runtime.Caller and the user's log call:
// getCaller <- newEntry <- entry builder <- logAt <- Infof (etc.) <- caller.
const skipToLogCaller = 5

func (imp *impl) newEntry(logLevel Level, msg string) *LogEntry {
	ret := &LogEntry{}
	ret.Time = time.Now()
	if imp.inUTC {
		ret.Time = ret.Time.UTC()
	}
	ret.Level = logLevel.AsZap()
	ret.LoggerName = imp.name
	ret.Message = msg
	ret.Caller = getCaller()
	return ret
}

func (imp *impl) Name() string {
	return imp.name
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}

	return &impl{
		name:      newName,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var err error
	for _, appender := range imp.appenders {
		err = multierr.Combine(err, appender.Sync())
	}
	return err
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	config := NewZapLoggerConfig()
	// Use the global zap `AtomicLevel` such that the constructed zap logger can observe changes to
	// the debug flag.
	config.Level = GlobalLogLevel
	ret := zap.Must(config.Build()).Sugar().Named(imp.name)
	for _, appender := range imp.appenders {
		core, ok := appender.(zapcore.Core)
		if !ok {
			continue
		}
		ret = ret.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, core)
		}))
	}

	return ret
}

func (imp *impl) shouldLog(logLevel Level) bool {
	if GlobalLogLevel.Level() == zapcore.DebugLevel {
		return true
	}

	return logLevel >= imp.level.Get()
}

// logAt builds the entry lazily so disabled levels cost nothing beyond the level check.
func (imp *impl) logAt(logLevel Level, force bool, build func() *LogEntry) {
	if !force && !imp.shouldLog(logLevel) {
		return
	}

	entry := build()
	for _, appender := range imp.appenders {
		if err := appender.Write(entry.Entry, entry.fields); err != nil {
			fmt.Fprint(os.Stderr, err)
		}
	}
}

func (imp *impl) sprint(logLevel Level, args []interface{}) func() *LogEntry {
	return func() *LogEntry {
		return imp.newEntry(logLevel, fmt.Sprint(args...))
	}
}

func (imp *impl) sprintf(logLevel Level, template string, args []interface{}) func() *LogEntry {
	return func() *LogEntry {
		return imp.newEntry(logLevel, fmt.Sprintf(template, args...))
	}
}

// sprintw turns `keysAndValues` into fields where the odd elements are the keys and their
// following even counterpart is the value.
func (imp *impl) sprintw(logLevel Level, msg string, keysAndValues []interface{}) func() *LogEntry {
	return func() *LogEntry {
		entry := imp.newEntry(logLevel, msg)
		entry.fields = make([]zapcore.Field, 0, len(keysAndValues)/2)
		for keyIdx := 0; keyIdx < len(keysAndValues); keyIdx += 2 {
			var keyStr string
			if stringer, ok := keysAndValues[keyIdx].(fmt.Stringer); ok {
				keyStr = stringer.String()
			} else {
				keyStr = fmt.Sprintf("%v", keysAndValues[keyIdx])
			}

			if keyIdx+1 < len(keysAndValues) {
				entry.fields = append(entry.fields, zap.Any(keyStr, keysAndValues[keyIdx+1]))
			} else {
				entry.fields = append(entry.fields, zap.Any(keyStr, errors.New("unpaired log key")))
			}
		}
		return entry
	}
}

func (imp *impl) Debug(args ...interface{}) {
	imp.logAt(DEBUG, false, imp.sprint(DEBUG, args))
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.logAt(DEBUG, false, imp.sprintf(DEBUG, template, args))
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.logAt(DEBUG, false, imp.sprintw(DEBUG, msg, keysAndValues))
}

func (imp *impl) CDebug(ctx context.Context, args ...interface{}) {
	imp.logAt(DEBUG, IsDebugMode(ctx), imp.sprint(DEBUG, args))
}

func (imp *impl) CDebugf(ctx context.Context, template string, args ...interface{}) {
	imp.logAt(DEBUG, IsDebugMode(ctx), imp.sprintf(DEBUG, template, args))
}

func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	imp.logAt(DEBUG, IsDebugMode(ctx), imp.sprintw(DEBUG, msg, keysAndValues))
}

func (imp *impl) Info(args ...interface{}) {
	imp.logAt(INFO, false, imp.sprint(INFO, args))
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.logAt(INFO, false, imp.sprintf(INFO, template, args))
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.logAt(INFO, false, imp.sprintw(INFO, msg, keysAndValues))
}

func (imp *impl) Warn(args ...interface{}) {
	imp.logAt(WARN, false, imp.sprint(WARN, args))
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.logAt(WARN, false, imp.sprintf(WARN, template, args))
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.logAt(WARN, false, imp.sprintw(WARN, msg, keysAndValues))
}

func (imp *impl) Error(args ...interface{}) {
	imp.logAt(ERROR, false, imp.sprint(ERROR, args))
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.logAt(ERROR, false, imp.sprintf(ERROR, template, args))
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.logAt(ERROR, false, imp.sprintw(ERROR, msg, keysAndValues))
}

// These Fatal* methods log as errors then exit the process.
func (imp *impl) Fatal(args ...interface{}) {
	imp.logAt(ERROR, true, imp.sprint(ERROR, args))
	os.Exit(1)
}

func (imp *impl) Fatalf(template string, args ...interface{}) {
	imp.logAt(ERROR, true, imp.sprintf(ERROR, template, args))
	os.Exit(1)
}

func (imp *impl) Fatalw(msg string, keysAndValues ...interface{}) {
	imp.logAt(ERROR, true, imp.sprintw(ERROR, msg, keysAndValues))
	os.Exit(1)
}

func getCaller() zapcore.EntryCaller {
	var ok bool
	var entryCaller zapcore.EntryCaller
	entryCaller.PC, entryCaller.File, entryCaller.Line, ok = runtime.Caller(skipToLogCaller)
	if !ok {
		return entryCaller
	}
	entryCaller.Defined = true

	if runtimeFunc := runtime.FuncForPC(entryCaller.PC); runtimeFunc != nil {
		entryCaller.Function = runtimeFunc.Name()
	}

	return entryCaller
}
