package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/llm"
)

// maxOptimizedKeywords caps the fan-out of one keyword-driven search.
const maxOptimizedKeywords = 5

const keywordSystemPrompt = `You optimize search keywords for a social media public opinion database.
Given a research query, produce up to 5 short keywords that together cover the topic better than the raw query: the core term, common synonyms and the phrasings people actually post.
Respond in JSON only: {"optimized_keywords": ["..."], "reasoning": "..."}`

// KeywordOptimizer expands a query into optimized keywords through the
// keyword-optimizer endpoint. The insight engine runs each keyword-driven
// tool once per keyword and aggregates the results.
type KeywordOptimizer struct {
	llm llm.Completer
	log *slog.Logger
}

// NewKeywordOptimizer wires an optimizer over the configured endpoint.
func NewKeywordOptimizer(completer llm.Completer, log *slog.Logger) *KeywordOptimizer {
	return &KeywordOptimizer{llm: completer, log: log}
}

type keywordReply struct {
	OptimizedKeywords []string `json:"optimized_keywords"`
	Reasoning         string   `json:"reasoning"`
}

// Optimize returns the optimized keywords for query, deduplicated and capped.
// Any failure degrades to the original query alone.
func (k *KeywordOptimizer) Optimize(ctx context.Context, query, usage string) []string {
	raw, err := k.llm.Complete(ctx, config.RoleKeywordOptimizer, keywordSystemPrompt,
		fmt.Sprintf("Research query: %s\nContext: %s", query, usage))
	if err != nil {
		k.log.Warn("Keyword optimization failed, using the original query", "error", err)
		return []string{query}
	}

	var reply keywordReply
	if !llm.DecodeObject(raw, &reply) {
		k.log.Warn("Keyword optimization reply was not parseable, using the original query")
		return []string{query}
	}

	seen := make(map[string]struct{}, len(reply.OptimizedKeywords))
	var keywords []string
	for _, kw := range reply.OptimizedKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
		if len(keywords) == maxOptimizedKeywords {
			break
		}
	}
	if len(keywords) == 0 {
		return []string{query}
	}

	k.log.Info("Keywords optimized", "query", query, "keywords", keywords)
	return keywords
}

// needsKeywordOptimization reports whether tool searches by topic keyword.
// Hot content takes no query and sentiment analysis takes raw texts.
func needsKeywordOptimization(tool SearchTool) bool {
	switch tool.(type) {
	case GlobalTopic, TopicByDate, TopicOnPlatform, CommentsForTopic:
		return true
	}
	return false
}

// dedupeResults drops duplicates across keyword queries, keyed by URL when
// present and by title plus a content prefix otherwise.
func dedupeResults(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	var unique []SearchResult
	for _, r := range results {
		key := r.URL
		if key == "" {
			content := r.Content
			if len(content) > 100 {
				content = content[:100]
			}
			key = r.Title + "|" + content
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, r)
	}
	return unique
}
