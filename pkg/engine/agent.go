package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/llm"
)

// Agent drives one engine's research state machine. It owns the State for
// the duration of a run; runs are sequential per agent.
type Agent struct {
	engine   config.Engine
	settings *config.Settings
	nodes    *nodes
	searcher Searcher
	log      *slog.Logger

	// HostSpeech returns the forum host's most recent guidance, or "" when
	// no forum is active. Optional.
	HostSpeech func() string

	// Keywords expands keyword-driven searches across optimized keywords.
	// Optional; nil searches the raw query once.
	Keywords *KeywordOptimizer
}

// NewAgent wires a research agent for one engine.
func NewAgent(e config.Engine, settings *config.Settings, completer llm.Completer, searcher Searcher, log *slog.Logger) *Agent {
	return &Agent{
		engine:   e,
		settings: settings,
		nodes:    newNodes(e, completer, log),
		searcher: searcher,
		log:      log,
	}
}

// Research runs the full plan/search/summarize/reflect loop for query and
// persists the finished report. Search and LLM failures degrade per node;
// only persistence failures are returned as errors.
func (a *Agent) Research(ctx context.Context, query string) (*State, error) {
	state := NewState(query)
	state.Status = StatusPlanning
	a.log.Info("Research started", "query", query)

	plans := a.nodes.Structure(ctx, query, a.settings.MaxParagraphs)
	for _, plan := range plans {
		state.Paragraphs = append(state.Paragraphs, &Paragraph{
			Title:           plan.Title,
			ExpectedContent: plan.Content,
		})
	}
	state.Status = StatusResearching
	state.Touch()

	for i, p := range state.Paragraphs {
		if err := ctx.Err(); err != nil {
			state.MarkFailed()
			return state, err
		}
		a.log.Info("Researching paragraph", "index", i+1, "total", len(state.Paragraphs), "title", p.Title)

		a.researchParagraph(ctx, state, p)
		p.Research.Completed = true
		state.Touch()
	}

	state.FinalReport = a.nodes.FormatReport(ctx, state)
	if err := a.persistReport(state); err != nil {
		state.MarkFailed()
		return state, err
	}

	state.MarkCompleted()
	a.log.Info("Research completed", "query", query, "paragraphs", len(state.Paragraphs))
	return state, nil
}

func (a *Agent) researchParagraph(ctx context.Context, state *State, p *Paragraph) {
	guidance := a.hostGuidance()

	tool, searchQuery := a.nodes.FirstSearch(ctx, state.Query, p)
	results := a.search(ctx, tool, searchQuery)
	p.Research.AddSearchResults(searchQuery, results)

	p.Research.LatestSummary = a.nodes.FirstSummary(ctx, state.Query, p, searchQuery,
		formatResults(results, a.settings.MaxContentLength), guidance)

	for p.Research.ReflectionCount < a.settings.MaxReflections {
		if ctx.Err() != nil {
			return
		}

		tool, searchQuery = a.nodes.Reflection(ctx, state.Query, p)
		results = a.search(ctx, tool, searchQuery)
		p.Research.AddSearchResults(searchQuery, results)

		p.Research.LatestSummary = a.nodes.ReflectionSummary(ctx, state.Query, p, searchQuery,
			formatResults(results, a.settings.MaxContentLength), a.hostGuidance())
		p.Research.ReflectionCount++
		state.Touch()
	}
}

// search runs one tool invocation, fanning keyword-driven tools out across
// the optimized keywords and aggregating the deduplicated results.
func (a *Agent) search(ctx context.Context, tool SearchTool, query string) []SearchResult {
	if a.Keywords == nil || !needsKeywordOptimization(tool) {
		return executeSearch(ctx, a.log, a.searcher, tool, query)
	}

	keywords := a.Keywords.Optimize(ctx, query, "Query using the "+tool.Name()+" tool")
	var all []SearchResult
	for _, kw := range keywords {
		all = append(all, executeSearch(ctx, a.log, a.searcher, tool, kw)...)
	}
	results := dedupeResults(all)
	if len(keywords) > 1 {
		a.log.Info("Keyword searches aggregated",
			"tool", tool.Name(), "keywords", len(keywords), "results", len(results))
	}
	return results
}

func (a *Agent) hostGuidance() string {
	if a.HostSpeech == nil {
		return ""
	}
	return a.HostSpeech()
}

// persistReport writes the finished Markdown report into the engine's report
// directory. The readiness gate counts these files.
func (a *Agent) persistReport(state *State) error {
	dir := a.settings.ReportDir[a.engine]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("research_report_%s_%s.md",
		sanitizeFilename(state.Query), time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, []byte(state.FinalReport), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	a.log.Info("Report persisted", "path", path)
	return nil
}

// sanitizeFilename keeps alphanumerics, spaces, hyphens and underscores,
// replaces spaces with underscores and caps the length at 30 characters.
func sanitizeFilename(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteRune('_')
		}
	}
	out := sb.String()
	if len(out) > 30 {
		out = out[:30]
	}
	return out
}
