package engine

import (
	"fmt"
	"strings"

	"github.com/opinionlab/panorama/pkg/config"
)

// System prompts for the research nodes. User prompts are assembled per call
// by the builders below.

const structureSystemPrompt = `You are a research planner for a public opinion analysis engine.
Given a research topic, design the structure of an analytical report as an ordered list of paragraphs.
Each paragraph needs a title and a description of the expected content.
Respond with JSON only, in this exact shape:
{"paragraphs": [{"title": "...", "content": "..."}]}`

const searchSystemPrompt = `You are a search strategist for a public opinion analysis engine.
Given a report paragraph, choose the single best search tool and craft a focused search query.
Respond with JSON only, in this exact shape:
{"search_query": "...", "search_tool": "...", "reasoning": "..."}
When the tool requires extra parameters, add them:
- date ranges: "start_date" and "end_date" in YYYY-MM-DD
- platform selection: "platform"
- hot content: "time_period" ("24h" or "7d")
- sentiment analysis: "texts" as a list of strings`

const summarySystemPrompt = `You are an analyst writing one paragraph of a public opinion report.
Using the search results provided, write a dense, factual narrative state for the paragraph.
Cite concrete facts, figures, dates and voices from the results. Do not invent information.
Respond with JSON only, in this exact shape:
{"paragraph_latest_state": "..."}`

const reflectionSystemPrompt = `You are a critical reviewer of a report paragraph in progress.
Identify the most important gap in the current paragraph state and design one follow-up search to fill it.
Respond with JSON only, in this exact shape:
{"search_query": "...", "search_tool": "...", "reasoning": "..."}
Tool parameters follow the same rules as the initial search.`

const reflectionSummarySystemPrompt = `You are an analyst refining one paragraph of a public opinion report.
Integrate the new search results into the existing paragraph state.
You must preserve every material fact already present; you may add new facts and reorganize for flow.
Respond with JSON only, in this exact shape:
{"updated_paragraph_latest_state": "..."}`

const formattingSystemPrompt = `You are the editor of a public opinion analysis report.
Assemble the finalized paragraphs into a single polished Markdown document.
Start with a title, keep every paragraph's substance intact, and add nothing that is not in the inputs.
Respond with the Markdown document only.`

func buildStructurePrompt(query string, maxParagraphs int) string {
	return fmt.Sprintf("Research topic: %s\n\nDesign at most %d paragraphs.", query, maxParagraphs)
}

func buildSearchPrompt(e config.Engine, query string, p *Paragraph) string {
	return fmt.Sprintf(`Research topic: %s

Paragraph title: %s
Expected content: %s

Available search tools: %s`,
		query, p.Title, p.ExpectedContent, strings.Join(ToolNames(e), ", "))
}

func buildSummaryPrompt(query string, p *Paragraph, searchQuery, formattedResults, hostGuidance string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n\nParagraph title: %s\nExpected content: %s\n\n", query, p.Title, p.ExpectedContent)
	fmt.Fprintf(&sb, "Search query used: %s\n\nSearch results:\n%s\n", searchQuery, formattedResults)
	if hostGuidance != "" {
		fmt.Fprintf(&sb, "\nReference: the forum host's latest guidance for all engines:\n%s\n", hostGuidance)
	}
	return sb.String()
}

func buildReflectionPrompt(e config.Engine, query string, p *Paragraph) string {
	return fmt.Sprintf(`Research topic: %s

Paragraph title: %s
Expected content: %s

Current paragraph state:
%s

Available search tools: %s`,
		query, p.Title, p.ExpectedContent, p.Research.LatestSummary, strings.Join(ToolNames(e), ", "))
}

func buildReflectionSummaryPrompt(query string, p *Paragraph, searchQuery, formattedResults, hostGuidance string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n\nParagraph title: %s\n\n", query, p.Title)
	fmt.Fprintf(&sb, "Existing paragraph state:\n%s\n\n", p.Research.LatestSummary)
	fmt.Fprintf(&sb, "Follow-up search query: %s\n\nNew search results:\n%s\n", searchQuery, formattedResults)
	if hostGuidance != "" {
		fmt.Fprintf(&sb, "\nReference: the forum host's latest guidance for all engines:\n%s\n", hostGuidance)
	}
	return sb.String()
}

func buildFormattingPrompt(s *State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n\nFinalized paragraphs, in order:\n\n", s.Query)
	for i, p := range s.Paragraphs {
		fmt.Fprintf(&sb, "## %d. %s\n%s\n\n", i+1, p.Title, p.Research.LatestSummary)
	}
	return sb.String()
}
