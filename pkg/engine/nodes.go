package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/llm"
)

// nodes groups the LLM-backed steps of the state machine. Every node returns
// a usable value even when the model misbehaves; parse failures degrade to
// documented defaults and never abort a run.
type nodes struct {
	engine config.Engine
	role   config.Role
	llm    llm.Completer
	log    *slog.Logger
}

func newNodes(e config.Engine, completer llm.Completer, log *slog.Logger) *nodes {
	return &nodes{engine: e, role: config.EngineRole(e), llm: completer, log: log}
}

// enginePrefix is the logger-path prefix of one engine, e.g. "QueryEngine".
func enginePrefix(e config.Engine) string {
	switch e {
	case config.EngineInsight:
		return "InsightEngine"
	case config.EngineMedia:
		return "MediaEngine"
	default:
		return "QueryEngine"
	}
}

// nodeLogger scopes the engine logger to one node's logger path.
func (n *nodes) nodeLogger(node string) *slog.Logger {
	return n.log.With(slog.String("logger", enginePrefix(n.engine)+".nodes."+node))
}

// ParagraphPlan is one planned paragraph from the structure node.
type ParagraphPlan struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type structureResponse struct {
	Paragraphs []ParagraphPlan `json:"paragraphs"`
}

// Structure plans the report paragraphs for query. On any failure it returns
// a single generic paragraph so research can still proceed.
func (n *nodes) Structure(ctx context.Context, query string, maxParagraphs int) []ParagraphPlan {
	log := n.nodeLogger("report_structure_node")
	log.Info("Generating report structure", "query", query)

	fallback := []ParagraphPlan{{Title: "Related topic research", Content: "parsing failed"}}

	raw, err := n.llm.Complete(ctx, n.role, structureSystemPrompt, buildStructurePrompt(query, maxParagraphs))
	if err != nil {
		log.Error("Report structure generation failed", "error", err)
		return fallback
	}

	var decoded structureResponse
	if !llm.DecodeObject(raw, &decoded) || len(decoded.Paragraphs) == 0 {
		log.Warn("JSON parsing failed for report structure, using default paragraph")
		return fallback
	}
	if len(decoded.Paragraphs) > maxParagraphs {
		decoded.Paragraphs = decoded.Paragraphs[:maxParagraphs]
	}
	return decoded.Paragraphs
}

// FirstSearch plans the initial search for a paragraph. Parse failures fall
// back to searching the paragraph title with the engine's generic tool.
func (n *nodes) FirstSearch(ctx context.Context, query string, p *Paragraph) (SearchTool, string) {
	log := n.nodeLogger("first_search_node")
	log.Info("Planning first search", "paragraph", p.Title)

	return n.planSearch(ctx, log, p, buildSearchPrompt(n.engine, query, p), searchSystemPrompt)
}

// Reflection plans a gap-filling follow-up search for a paragraph.
func (n *nodes) Reflection(ctx context.Context, query string, p *Paragraph) (SearchTool, string) {
	log := n.nodeLogger("reflection_node")
	log.Info("Planning reflection search", "paragraph", p.Title)

	return n.planSearch(ctx, log, p, buildReflectionPrompt(n.engine, query, p), reflectionSystemPrompt)
}

func (n *nodes) planSearch(ctx context.Context, log *slog.Logger, p *Paragraph, userPrompt, systemPrompt string) (SearchTool, string) {
	raw, err := n.llm.Complete(ctx, n.role, systemPrompt, userPrompt)
	if err != nil {
		log.Error("Search planning failed, falling back to generic search", "error", err)
		return defaultTool(n.engine), p.Title
	}

	var directive SearchDirective
	if !llm.DecodeObject(raw, &directive) || directive.SearchQuery == "" {
		log.Warn("JSON parsing failed for search directive, falling back to generic search")
		return defaultTool(n.engine), p.Title
	}

	tool := ResolveTool(n.engine, directive)
	if tool.Name() != directive.SearchTool {
		log.Warn("Search tool unavailable or missing parameters, using generic tool",
			"requested", directive.SearchTool, "using", tool.Name())
	}
	return tool, directive.SearchQuery
}

type summaryResponse struct {
	ParagraphLatestState        string `json:"paragraph_latest_state"`
	UpdatedParagraphLatestState string `json:"updated_paragraph_latest_state"`
}

// FirstSummary writes the initial narrative state of a paragraph from search
// results. The cleaned model output is logged in full; the forum tailer
// captures it from the engine log.
func (n *nodes) FirstSummary(ctx context.Context, query string, p *Paragraph, searchQuery, formattedResults, hostGuidance string) string {
	log := n.nodeLogger("summary_node")
	log.Info("Generating first paragraph summary")

	raw, err := n.llm.Complete(ctx, n.role, summarySystemPrompt,
		buildSummaryPrompt(query, p, searchQuery, formattedResults, hostGuidance))
	if err != nil {
		log.Error("First summary generation failed", "error", err)
		return ""
	}

	cleaned := llm.CleanJSONOutput(raw)
	log.Info("Cleaned output: " + cleaned)

	var decoded summaryResponse
	if !llm.DecodeObject(raw, &decoded) || decoded.ParagraphLatestState == "" {
		log.Warn("JSON parsing failed for first summary, keeping raw text")
		return strings.TrimSpace(llm.StripFences(raw))
	}
	return decoded.ParagraphLatestState
}

// ReflectionSummary integrates follow-up results into the existing paragraph
// state. The existing state is never discarded: on failure it is returned
// unchanged.
func (n *nodes) ReflectionSummary(ctx context.Context, query string, p *Paragraph, searchQuery, formattedResults, hostGuidance string) string {
	log := n.nodeLogger("summary_node")
	log.Info("Generating reflection summary")

	raw, err := n.llm.Complete(ctx, n.role, reflectionSummarySystemPrompt,
		buildReflectionSummaryPrompt(query, p, searchQuery, formattedResults, hostGuidance))
	if err != nil {
		log.Error("Reflection summary generation failed, keeping previous state", "error", err)
		return p.Research.LatestSummary
	}

	cleaned := llm.CleanJSONOutput(raw)
	log.Info("Cleaned output: " + cleaned)

	var decoded summaryResponse
	var updated string
	if llm.DecodeObject(raw, &decoded) {
		updated = decoded.UpdatedParagraphLatestState
		if updated == "" {
			updated = decoded.ParagraphLatestState
		}
	}
	if updated == "" {
		log.Warn("JSON parsing failed for reflection summary, keeping previous state")
		return p.Research.LatestSummary
	}
	return updated
}

// FormatReport renders the final Markdown document. On LLM failure a manual
// formatter concatenates titles and paragraph states.
func (n *nodes) FormatReport(ctx context.Context, s *State) string {
	log := n.nodeLogger("report_formatting_node")
	log.Info("Formatting final report", "paragraphs", len(s.Paragraphs))

	raw, err := n.llm.Complete(ctx, n.role, formattingSystemPrompt, buildFormattingPrompt(s))
	if err != nil {
		log.Error("Report formatting failed, using manual formatter", "error", err)
		return manualFormat(s)
	}

	report := strings.TrimSpace(llm.StripFences(raw))
	if report == "" {
		log.Warn("Report formatting produced empty output, using manual formatter")
		return manualFormat(s)
	}
	return report
}

// manualFormat is the deterministic fallback formatter.
func manualFormat(s *State) string {
	var sb strings.Builder
	sb.WriteString("# " + s.Query + "\n\n")
	for _, p := range s.Paragraphs {
		sb.WriteString("## " + p.Title + "\n\n")
		sb.WriteString(p.Research.LatestSummary + "\n\n---\n\n")
	}
	return strings.TrimSpace(sb.String())
}
