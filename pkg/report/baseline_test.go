package report

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionlab/panorama/pkg/config"
)

func testGateSettings(t *testing.T) *config.Settings {
	t.Helper()
	root := t.TempDir()
	settings := &config.Settings{
		LogDir: filepath.Join(root, "logs"),
		ReportDir: map[config.Engine]string{
			config.EngineInsight: filepath.Join(root, "insight_engine_streamlit_reports"),
			config.EngineMedia:   filepath.Join(root, "media_engine_streamlit_reports"),
			config.EngineQuery:   filepath.Join(root, "query_engine_streamlit_reports"),
		},
		OutputDir:   filepath.Join(root, "final_reports"),
		TemplateDir: filepath.Join(root, "templates"),
	}
	for _, dir := range settings.ReportDir {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.MkdirAll(settings.LogDir, 0o755))
	return settings
}

func writeReports(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("# report"), 0o644))
	}
}

func touchForumLog(t *testing.T, settings *config.Settings) {
	t.Helper()
	require.NoError(t, os.WriteFile(settings.ForumLogPath(), []byte("[10:00:00] [SYSTEM] marker\n"), 0o644))
}

func newTestGate(t *testing.T) (*Gate, *config.Settings) {
	t.Helper()
	settings := testGateSettings(t)
	return NewGate(settings, slog.New(slog.NewTextHandler(io.Discard, nil))), settings
}

func TestCheckRequiresStrictIncreaseEverywhere(t *testing.T) {
	gate, settings := newTestGate(t)
	touchForumLog(t, settings)

	for _, e := range config.Engines {
		writeReports(t, settings.ReportDir[e], "a.md", "b.md", "c.md")
	}
	counts, err := gate.InitializeBaseline()
	require.NoError(t, err)
	assert.Equal(t, Counts{config.EngineInsight: 3, config.EngineMedia: 3, config.EngineQuery: 3}, counts)

	// Two new media files alone do not satisfy the gate.
	writeReports(t, settings.ReportDir[config.EngineMedia], "d.md", "e.md")
	result, err := gate.Check()
	require.NoError(t, err)
	assert.False(t, result.Ready)
	assert.Equal(t, 2, result.Deltas[config.EngineMedia])
	assert.Equal(t, 0, result.Deltas[config.EngineQuery])

	// One more file in each remaining engine flips it.
	writeReports(t, settings.ReportDir[config.EngineQuery], "d.md")
	writeReports(t, settings.ReportDir[config.EngineInsight], "d.md")
	result, err = gate.Check()
	require.NoError(t, err)
	assert.True(t, result.Ready)
}

func TestCheckRequiresForumLog(t *testing.T) {
	gate, settings := newTestGate(t)

	_, err := gate.InitializeBaseline()
	require.NoError(t, err)
	for _, e := range config.Engines {
		writeReports(t, settings.ReportDir[e], "fresh.md")
	}

	result, err := gate.Check()
	require.NoError(t, err)
	assert.False(t, result.Ready)
	assert.False(t, result.ForumLogExists)

	touchForumLog(t, settings)
	result, err = gate.Check()
	require.NoError(t, err)
	assert.True(t, result.Ready)
}

func TestCheckWithoutBaselineFails(t *testing.T) {
	gate, _ := newTestGate(t)
	_, err := gate.Check()
	assert.Error(t, err)
}

func TestInitializeBaselineIdempotent(t *testing.T) {
	gate, settings := newTestGate(t)
	writeReports(t, settings.ReportDir[config.EngineQuery], "a.md")

	_, err := gate.InitializeBaseline()
	require.NoError(t, err)
	first, err := os.ReadFile(settings.BaselinePath())
	require.NoError(t, err)

	_, err = gate.InitializeBaseline()
	require.NoError(t, err)
	second, err := os.ReadFile(settings.BaselinePath())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBaselineCountsOnlyMarkdown(t *testing.T) {
	gate, settings := newTestGate(t)
	dir := settings.ReportDir[config.EngineInsight]
	writeReports(t, dir, "a.md")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub.md"), 0o755))

	counts, err := gate.InitializeBaseline()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[config.EngineInsight])
}

func TestLatestFilesPicksNewest(t *testing.T) {
	gate, settings := newTestGate(t)
	dir := settings.ReportDir[config.EngineMedia]

	writeReports(t, dir, "old.md", "new.md")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.md"), past, past))

	latest := gate.LatestFiles()
	assert.Equal(t, filepath.Join(dir, "new.md"), latest[config.EngineMedia])
	_, hasQuery := latest[config.EngineQuery]
	assert.False(t, hasQuery)
}
