package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opinionlab/panorama/pkg/retry"
)

// Searcher executes one search tool invocation. Implementations talk to
// external backends and are expected to fail; callers wrap invocations in a
// graceful retry so a dead backend degrades to an empty result set.
type Searcher interface {
	Search(ctx context.Context, tool SearchTool, query string) ([]SearchResult, error)
}

// SearcherFunc adapts a function to the Searcher interface.
type SearcherFunc func(ctx context.Context, tool SearchTool, query string) ([]SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, tool SearchTool, query string) ([]SearchResult, error) {
	return f(ctx, tool, query)
}

// executeSearch runs one search under the search-API retry profile. On
// exhaustion it returns an empty result set; research continues with whatever
// evidence it has.
func executeSearch(ctx context.Context, log *slog.Logger, searcher Searcher, tool SearchTool, query string) []SearchResult {
	results := retry.DoGraceful(ctx, retry.SearchAPIProfile, "search."+tool.Name(), nil,
		func(ctx context.Context) ([]SearchResult, error) {
			return searcher.Search(ctx, tool, query)
		})
	if results == nil {
		log.Warn("Search produced no results, continuing without evidence",
			"tool", tool.Name(), "query", query)
		return []SearchResult{}
	}
	log.Info("Search completed", "tool", tool.Name(), "query", query, "results", len(results))
	return results
}

// formatResults renders search results as a numbered block for summary
// prompts. The total is capped at maxContentLength characters so a verbose
// backend cannot blow the context window.
func formatResults(results []SearchResult, maxContentLength int) string {
	if len(results) == 0 {
		return "No search results were found."
	}

	var sb strings.Builder
	for i, r := range results {
		entry := fmt.Sprintf("[%d] %s\n", i+1, r.Title)
		if r.URL != "" {
			entry += fmt.Sprintf("URL: %s\n", r.URL)
		}
		if r.PublishedDate != "" {
			entry += fmt.Sprintf("Published: %s\n", r.PublishedDate)
		}
		if r.Platform != "" {
			entry += fmt.Sprintf("Platform: %s\n", r.Platform)
		}
		content := r.Content
		if r.RawContent != "" && len(r.RawContent) > len(content) {
			content = r.RawContent
		}
		entry += content + "\n\n"

		if sb.Len()+len(entry) > maxContentLength {
			remaining := maxContentLength - sb.Len()
			if remaining > 0 {
				sb.WriteString(entry[:remaining])
			}
			break
		}
		sb.WriteString(entry)
	}
	return strings.TrimSpace(sb.String())
}
