package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
)

type BasicStruct struct {
	X int
	y string
}

// assertLogMatches will fuzzy match log lines. It checks the time format but not the exact time,
// and the caller's file but not its line number.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))

	// Use the length of the first string as a weak verification of checking that the result looks like a date.
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	for idx := 1; idx < len(expectedParts); idx++ {
		expectedFile, _, isCaller := strings.Cut(expectedParts[idx], ".go:")
		if isCaller {
			actualFile, _, found := strings.Cut(actualParts[idx], ".go:")
			test.That(t, found, test.ShouldBeTrue)
			test.That(t, actualFile, test.ShouldEqual, expectedFile)
			continue
		}
		test.That(t, actualParts[idx], test.ShouldEqual, expectedParts[idx])
	}
}

func TestConsoleFormatting(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("", DEBUG, true, NewWriterAppender(notStdout))

	logger.Info("impl Info log")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	INFO	logging/impl_test.go:48	impl Info log`)

	logger.Infof("impl %s log", "infof")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	INFO	logging/impl_test.go:52	impl infof log`)

	logger.Warnw("impl logw", "key", "value", "BasicStruct", BasicStruct{1, "hidden"})
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	WARN	logging/impl_test.go:56	impl logw	{"key":"value","BasicStruct":{"X":1}}`)

	logger.Debugw("unpaired", "lonely")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	DEBUG	logging/impl_test.go:60	unpaired	{"lonely":"unpaired log key"}`)

	sub := logger.Sublogger("octree").Sublogger("fetcher")
	test.That(t, sub.Name(), test.ShouldEqual, "octree.fetcher")
	sub.Error("boom")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459Z	ERROR	octree.fetcher	logging/impl_test.go:66	boom`)
}

func TestLevels(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("lvl", WARN, true, NewWriterAppender(notStdout))

	logger.Debug("hidden")
	logger.Info("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.CDebug(context.Background(), "hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.CDebugf(EnableDebugMode(context.Background(), ""), "visible %d", 1)
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "visible 1")
	notStdout.Reset()

	logger.SetLevel(INFO)
	test.That(t, logger.GetLevel(), test.ShouldEqual, INFO)
	logger.Info("shown")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "shown")

	// Subloggers start at the parent's level but change independently.
	sub := logger.Sublogger("child")
	sub.SetLevel(ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, INFO)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, level.UnmarshalJSON([]byte(`"warn"`)), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	out, err := level.MarshalJSON()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `"warn"`)
}

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Infow("slot acquired", "slot", 3)
	logger.Sublogger("octree").Warn("capacity exhausted")

	test.That(t, logs.FilterMessage("slot acquired").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("slot acquired").All()[0].ContextMap()["slot"], test.ShouldEqual, 3)
	fromOctree := logs.Filter(func(entry observer.LoggedEntry) bool {
		return entry.LoggerName == "octree"
	})
	test.That(t, fromOctree.Len(), test.ShouldEqual, 1)
}

func TestRegistryPatterns(t *testing.T) {
	registry := newRegistry()
	for _, name := range []string{"octree", "octree.fetcher", "octree.persist", "cli"} {
		registry.registerLogger(name, NewBlankLogger(name))
	}

	err := registry.applyPatterns([]LoggerPatternConfig{
		{Pattern: "octree.*", Level: "debug"},
		{Pattern: "octree.persist", Level: "error"},
	}, INFO)
	test.That(t, err, test.ShouldBeNil)

	expected := map[string]Level{
		"octree":         INFO,
		"octree.fetcher": DEBUG,
		"octree.persist": ERROR,
		"cli":            INFO,
	}
	for name, level := range expected {
		logger, ok := registry.loggerNamed(name)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, logger.GetLevel(), test.ShouldEqual, level)
	}

	err = registry.applyPatterns([]LoggerPatternConfig{{Pattern: "octree..x", Level: "debug"}}, INFO)
	test.That(t, err, test.ShouldNotBeNil)
	err = registry.applyPatterns([]LoggerPatternConfig{{Pattern: "octree", Level: "loud"}}, INFO)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, registry.updateLoggerLevel("missing", DEBUG), test.ShouldNotBeNil)
	first := registry.getOrRegister("cli", NewBlankLogger("other"))
	test.That(t, first.Name(), test.ShouldEqual, "cli")
	test.That(t, registry.deregisterLogger("cli"), test.ShouldBeTrue)
	test.That(t, registry.deregisterLogger("cli"), test.ShouldBeFalse)
}
