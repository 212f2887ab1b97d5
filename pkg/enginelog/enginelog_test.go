package enginelog

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} \| (DEBUG|INFO|WARNING|ERROR) \| [^:]+:[^:]+:\d+ - `)

func TestHandlerLineFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo, "query.worker"))

	log.Info("Search completed", "results", 3)

	line := strings.TrimRight(buf.String(), "\n")
	assert.Regexp(t, linePattern, line)
	assert.Contains(t, line, "| INFO |")
	assert.Contains(t, line, "query.worker:")
	assert.Contains(t, line, "Search completed results=3")
}

func TestHandlerLoggerAttrOverridesPath(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo, "query.worker"))

	log.With(slog.String(LoggerKey, "QueryEngine.nodes.summary_node")).Info("Generating first paragraph summary")

	line := buf.String()
	assert.Contains(t, line, "| QueryEngine.nodes.summary_node:")
	assert.NotContains(t, line, "logger=")
}

func TestHandlerMultilineBody(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo, "insight.worker"))

	log.Info("Cleaned output: {\n  \"paragraph_latest_state\": \"alpha\"\n}")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, linePattern, lines[0])
	// Continuation lines are raw.
	assert.Equal(t, `  "paragraph_latest_state": "alpha"`, lines[1])
	assert.Equal(t, "}", lines[2])
}

func TestHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug, "p"))

	log.Debug("d")
	log.Info("i")
	log.Warn("w")
	log.Error("e")

	out := buf.String()
	assert.Contains(t, out, "| DEBUG |")
	assert.Contains(t, out, "| INFO |")
	assert.Contains(t, out, "| WARNING |")
	assert.Contains(t, out, "| ERROR |")
}

func TestHandlerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelWarn, "p"))

	log.Info("hidden")
	log.Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}
