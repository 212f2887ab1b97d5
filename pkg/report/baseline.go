// Package report implements the final-report side of the platform: the
// readiness gate that decides when all engines have produced fresh research,
// and the compositor that synthesizes the HTML report.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opinionlab/panorama/pkg/config"
)

// Counts maps engines to .md artifact counts.
type Counts map[config.Engine]int

// Gate compares current per-engine report counts against a persisted
// baseline. It is stateless apart from the baseline file.
type Gate struct {
	settings *config.Settings
	log      *slog.Logger
}

// NewGate creates a readiness gate over the configured report directories.
func NewGate(settings *config.Settings, log *slog.Logger) *Gate {
	return &Gate{settings: settings, log: log}
}

func countMarkdown(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			count++
		}
	}
	return count
}

func (g *Gate) currentCounts() Counts {
	counts := make(Counts, len(config.Engines))
	for _, e := range config.Engines {
		counts[e] = countMarkdown(g.settings.ReportDir[e])
	}
	return counts
}

// InitializeBaseline records the current counts, overwriting any prior
// baseline. The write is atomic (temp file then rename).
func (g *Gate) InitializeBaseline() (Counts, error) {
	counts := g.currentCounts()

	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode baseline: %w", err)
	}

	path := g.settings.BaselinePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create baseline directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write baseline: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to persist baseline: %w", err)
	}

	g.log.Info("Report baseline initialized", "counts", counts)
	return counts, nil
}

// Baseline loads the persisted baseline.
func (g *Gate) Baseline() (Counts, error) {
	data, err := os.ReadFile(g.settings.BaselinePath())
	if err != nil {
		return nil, fmt.Errorf("no report baseline recorded: %w", err)
	}
	var counts Counts
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("corrupt report baseline: %w", err)
	}
	return counts, nil
}

// CheckResult is the readiness verdict with per-engine detail.
type CheckResult struct {
	Ready          bool   `json:"ready"`
	ForumLogExists bool   `json:"forum_log_exists"`
	Baseline       Counts `json:"baseline"`
	Current        Counts `json:"current"`
	Deltas         Counts `json:"deltas"`
}

// Check reports readiness: every engine's current count must strictly exceed
// its baseline and the forum log must exist.
func (g *Gate) Check() (CheckResult, error) {
	baseline, err := g.Baseline()
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{
		Baseline: baseline,
		Current:  g.currentCounts(),
		Deltas:   make(Counts, len(config.Engines)),
		Ready:    true,
	}
	for _, e := range config.Engines {
		result.Deltas[e] = result.Current[e] - baseline[e]
		if result.Current[e] <= baseline[e] {
			result.Ready = false
		}
	}

	if _, err := os.Stat(g.settings.ForumLogPath()); err != nil {
		result.ForumLogExists = false
		result.Ready = false
	} else {
		result.ForumLogExists = true
	}
	return result, nil
}

// LatestFiles returns, per engine, the .md artifact with the newest
// modification time. Engines without artifacts are omitted.
func (g *Gate) LatestFiles() map[config.Engine]string {
	latest := make(map[config.Engine]string)
	for _, e := range config.Engines {
		dir := g.settings.ReportDir[e]
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var newest string
		var newestTime time.Time
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if newest == "" || info.ModTime().After(newestTime) {
				newest = filepath.Join(dir, entry.Name())
				newestTime = info.ModTime()
			}
		}
		if newest != "" {
			latest[e] = newest
		}
	}
	return latest
}
