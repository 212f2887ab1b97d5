package forum

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionlab/panorama/pkg/config"
)

type captured struct {
	engine  config.Engine
	content string
}

func newTestTailer(t *testing.T) (*Tailer, *[]captured, *config.Settings) {
	t.Helper()
	settings := &config.Settings{LogDir: t.TempDir()}

	var got []captured
	flog := NewLog(settings.ForumLogPath())
	tailer := NewTailer(settings, flog, func(e config.Engine, content string) {
		got = append(got, captured{engine: e, content: content})
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return tailer, &got, settings
}

func appendEngineLog(t *testing.T, settings *config.Settings, e config.Engine, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(settings.LogDir, 0o755))
	f, err := os.OpenFile(settings.EngineLogPath(e), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

const sessionMarkerLine = `2026-08-24 10:00:00.000 | INFO | InsightEngine.nodes.summary_node:run:88 - Generating first paragraph summary`

func TestTailerSessionGate(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	// Captured content before any session marker is ignored.
	appendEngineLog(t, settings, config.EngineInsight,
		`2026-08-24 09:59:59.000 | INFO | InsightEngine.nodes.summary_node:run:125 - Cleaned output: {"paragraph_latest_state": "early"}`)
	tailer.Poll()
	assert.Empty(t, *got)
	assert.False(t, tailer.Searching())

	appendEngineLog(t, settings, config.EngineInsight, sessionMarkerLine)
	tailer.Poll()
	assert.True(t, tailer.Searching())

	// The forum log was reinitialized with a SYSTEM start marker.
	flog := NewLog(settings.ForumLogPath())
	messages, err := flog.Messages()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, SourceSystem, messages[0].Source)
	assert.Contains(t, messages[0].Content, "monitoring started")
}

func TestTailerErrorThenInfoFilter(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineQuery,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | ERROR | QueryEngine.nodes.summary_node:run:120 - JSON parsing failed: boom`,
		`2026-08-24 10:00:02.000 | INFO | QueryEngine.nodes.summary_node:run:125 - Cleaned output: {"paragraph_latest_state": "ok"}`)
	tailer.Poll()

	require.Len(t, *got, 1)
	assert.Equal(t, config.EngineQuery, (*got)[0].engine)
	assert.Equal(t, "ok", (*got)[0].content)
}

func TestTailerCriticalDoesNotSuppress(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	// Only ERROR opens an error block. CRITICAL lines come from process-level
	// failures unrelated to summary output and must not blind the tail.
	appendEngineLog(t, settings, config.EngineQuery,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | CRITICAL | QueryEngine.worker:run:10 - worker heartbeat missed`,
		`2026-08-24 10:00:02.000 | WARNING | QueryEngine.nodes.summary_node:run:125 - Cleaned output: {"paragraph_latest_state": "still flowing"}`)
	tailer.Poll()

	require.Len(t, *got, 1)
	assert.Equal(t, "still flowing", (*got)[0].content)
}

func TestDetectLevel(t *testing.T) {
	for line, want := range map[string]string{
		`2026-08-24 10:00:00.000 | TRACE | QueryEngine.worker:run:10 - tick`:  "TRACE",
		`2026-08-24 10:00:00.000 | ERROR | QueryEngine.worker:run:10 - boom`:  "ERROR",
		`2026-08-24 10:00:00.000 |WARNING| QueryEngine.worker:run:10 - close`: "WARNING",
		`no level marker here`: "",
	} {
		assert.Equal(t, want, detectLevel(line), line)
	}
}

func TestTailerErrorBlockSuppressesJSON(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineQuery,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | ERROR | QueryEngine.nodes.summary_node:run:120 - Traceback (most recent call last)`,
		`{"paragraph_latest_state": "poisoned"}`,
		`2026-08-24 10:00:03.000 | INFO | QueryEngine.worker:run:10 - recovered`)
	tailer.Poll()

	assert.Empty(t, *got)
}

func TestTailerMultilineReassembly(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineInsight,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | INFO | InsightEngine.nodes.summary_node:run:125 - Cleaned output: {`,
		`2026-08-24 10:00:01.050 | INFO | InsightEngine.nodes.summary_node:run:125 -   "updated_paragraph_latest_state": "alpha\nbeta"`,
		`2026-08-24 10:00:01.100 | INFO | InsightEngine.nodes.summary_node:run:125 - }`)
	tailer.Poll()

	require.Len(t, *got, 1)
	assert.Equal(t, config.EngineInsight, (*got)[0].engine)
	assert.Equal(t, "alpha\nbeta", (*got)[0].content)
}

func TestTailerErrorDiscardsInFlightCapture(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineMedia,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | INFO | MediaEngine.nodes.summary_node:run:125 - Cleaned output: {`,
		`2026-08-24 10:00:01.050 | ERROR | MediaEngine.nodes.summary_node:run:130 - JSON repair failed`,
		`2026-08-24 10:00:01.100 | INFO | MediaEngine.nodes.summary_node:run:125 - }`)
	tailer.Poll()

	assert.Empty(t, *got)
}

func TestTailerTruncationReset(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineInsight,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | INFO | InsightEngine.nodes.summary_node:run:125 - Cleaned output: {`)
	tailer.Poll()
	assert.True(t, tailer.Searching())
	assert.True(t, tailer.states[config.EngineInsight].capturingJSON)

	// Rotate: replace the log with a much smaller file.
	require.NoError(t, os.WriteFile(settings.EngineLogPath(config.EngineInsight), []byte("short\n"), 0o644))
	tailer.Poll()

	st := tailer.states[config.EngineInsight]
	assert.False(t, st.capturingJSON)
	assert.Nil(t, st.jsonBuffer)
	assert.False(t, tailer.Searching())
	assert.Empty(t, *got)

	// A new session marker after the reset is accepted again.
	appendEngineLog(t, settings, config.EngineInsight, sessionMarkerLine)
	tailer.Poll()
	assert.True(t, tailer.Searching())
}

func TestTailerIgnoresNonTargetLines(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineQuery,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | INFO | QueryEngine.worker:run:10 - Cleaned output: {"paragraph_latest_state": "from a non-summary logger"}`)
	tailer.Poll()

	assert.Empty(t, *got)
}

func TestTailerStripsTagsAndCollapsesSpaces(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineQuery,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | INFO | QueryEngine.nodes.summary_node:run:125 - Cleaned output: {"paragraph_latest_state": "[QUERY] [draft]   heavy    spacing"}`)
	tailer.Poll()

	require.Len(t, *got, 1)
	assert.Equal(t, "heavy spacing", (*got)[0].content)
}

func TestTailerRepairsAlmostJSON(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineQuery,
		sessionMarkerLine,
		`2026-08-24 10:00:01.000 | INFO | QueryEngine.nodes.summary_node:run:125 - Cleaned output: {"paragraph_latest_state": "fixable",}`)
	tailer.Poll()

	require.Len(t, *got, 1)
	assert.Equal(t, "fixable", (*got)[0].content)
}

func TestTailerOffsetMonotonicAcrossPolls(t *testing.T) {
	tailer, got, settings := newTestTailer(t)

	appendEngineLog(t, settings, config.EngineQuery, sessionMarkerLine)
	tailer.Poll()
	offset := tailer.states[config.EngineQuery].offset

	tailer.Poll()
	assert.Equal(t, offset, tailer.states[config.EngineQuery].offset)

	appendEngineLog(t, settings, config.EngineQuery,
		`2026-08-24 10:00:05.000 | INFO | QueryEngine.nodes.summary_node:run:125 - Cleaned output: {"paragraph_latest_state": "later"}`)
	tailer.Poll()
	assert.Greater(t, tailer.states[config.EngineQuery].offset, offset)
	require.Len(t, *got, 1)
}

func TestTailerFilename(t *testing.T) {
	settings := &config.Settings{LogDir: "logs"}
	assert.Equal(t, filepath.Join("logs", "insight.log"), settings.EngineLogPath(config.EngineInsight))
}
