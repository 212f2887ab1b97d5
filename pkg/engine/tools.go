package engine

import (
	"regexp"

	"github.com/opinionlab/panorama/pkg/config"
)

// SearchTool is the closed set of search dispatch variants. Parameters that
// only apply to some tools live inside those variants.
type SearchTool interface {
	Name() string
	searchTool()
}

// News search tools (query engine).
type BasicNews struct{}
type DeepNews struct{}
type NewsLast24Hours struct{}
type NewsLastWeek struct{}
type NewsImages struct{}
type NewsByDate struct{ StartDate, EndDate string }

// Web search tools (media engine).
type ComprehensiveSearch struct{}
type WebSearchOnly struct{}
type StructuredDataSearch struct{}
type WebLast24Hours struct{}
type WebLastWeek struct{}

// Social platform tools (insight engine).
type HotContent struct{ TimePeriod string }
type GlobalTopic struct{}
type TopicByDate struct{ StartDate, EndDate string }
type TopicOnPlatform struct {
	Platform  string
	StartDate string
	EndDate   string
}
type CommentsForTopic struct{}
type AnalyzeSentiment struct{ Texts []string }

func (BasicNews) Name() string            { return "basic_search_news" }
func (DeepNews) Name() string             { return "deep_search_news" }
func (NewsLast24Hours) Name() string      { return "search_news_last_24_hours" }
func (NewsLastWeek) Name() string         { return "search_news_last_week" }
func (NewsImages) Name() string           { return "search_images_for_news" }
func (NewsByDate) Name() string           { return "search_news_by_date" }
func (ComprehensiveSearch) Name() string  { return "comprehensive_search" }
func (WebSearchOnly) Name() string        { return "web_search_only" }
func (StructuredDataSearch) Name() string { return "search_for_structured_data" }
func (WebLast24Hours) Name() string       { return "search_last_24_hours" }
func (WebLastWeek) Name() string          { return "search_last_week" }
func (HotContent) Name() string           { return "search_hot_content" }
func (GlobalTopic) Name() string          { return "search_topic_globally" }
func (TopicByDate) Name() string          { return "search_topic_by_date" }
func (TopicOnPlatform) Name() string      { return "search_topic_on_platform" }
func (CommentsForTopic) Name() string     { return "get_comments_for_topic" }
func (AnalyzeSentiment) Name() string     { return "analyze_sentiment" }

func (BasicNews) searchTool()            {}
func (DeepNews) searchTool()             {}
func (NewsLast24Hours) searchTool()      {}
func (NewsLastWeek) searchTool()         {}
func (NewsImages) searchTool()           {}
func (NewsByDate) searchTool()           {}
func (ComprehensiveSearch) searchTool()  {}
func (WebSearchOnly) searchTool()        {}
func (StructuredDataSearch) searchTool() {}
func (WebLast24Hours) searchTool()       {}
func (WebLastWeek) searchTool()          {}
func (HotContent) searchTool()           {}
func (GlobalTopic) searchTool()          {}
func (TopicByDate) searchTool()          {}
func (TopicOnPlatform) searchTool()      {}
func (CommentsForTopic) searchTool()     {}
func (AnalyzeSentiment) searchTool()     {}

// ToolNames returns the tool names an engine may select, in prompt order.
func ToolNames(e config.Engine) []string {
	switch e {
	case config.EngineQuery:
		return []string{
			"basic_search_news", "deep_search_news", "search_news_last_24_hours",
			"search_news_last_week", "search_images_for_news", "search_news_by_date",
		}
	case config.EngineMedia:
		return []string{
			"comprehensive_search", "web_search_only", "search_for_structured_data",
			"search_last_24_hours", "search_last_week",
		}
	default:
		return []string{
			"search_hot_content", "search_topic_globally", "search_topic_by_date",
			"get_comments_for_topic", "search_topic_on_platform", "analyze_sentiment",
		}
	}
}

// defaultTool is the generic fallback when the model picks an unknown tool or
// omits a required parameter.
func defaultTool(e config.Engine) SearchTool {
	switch e {
	case config.EngineQuery:
		return BasicNews{}
	case config.EngineMedia:
		return ComprehensiveSearch{}
	default:
		return GlobalTopic{}
	}
}

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// SearchDirective is the decoded shape of a search-node response. Only the
// fields relevant to the selected tool are populated.
type SearchDirective struct {
	SearchQuery string   `json:"search_query"`
	SearchTool  string   `json:"search_tool"`
	Reasoning   string   `json:"reasoning"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Platform    string   `json:"platform"`
	TimePeriod  string   `json:"time_period"`
	Texts       []string `json:"texts"`
}

// ResolveTool maps a directive to a SearchTool for the engine. Unknown tool
// names, tools belonging to another engine, and invalid or missing required
// parameters all fall back to the engine's generic global tool.
func ResolveTool(e config.Engine, d SearchDirective) SearchTool {
	allowed := false
	for _, name := range ToolNames(e) {
		if name == d.SearchTool {
			allowed = true
			break
		}
	}
	if !allowed {
		return defaultTool(e)
	}

	switch d.SearchTool {
	case "basic_search_news":
		return BasicNews{}
	case "deep_search_news":
		return DeepNews{}
	case "search_news_last_24_hours":
		return NewsLast24Hours{}
	case "search_news_last_week":
		return NewsLastWeek{}
	case "search_images_for_news":
		return NewsImages{}
	case "search_news_by_date":
		if !isoDatePattern.MatchString(d.StartDate) || !isoDatePattern.MatchString(d.EndDate) {
			return defaultTool(e)
		}
		return NewsByDate{StartDate: d.StartDate, EndDate: d.EndDate}
	case "comprehensive_search":
		return ComprehensiveSearch{}
	case "web_search_only":
		return WebSearchOnly{}
	case "search_for_structured_data":
		return StructuredDataSearch{}
	case "search_last_24_hours":
		return WebLast24Hours{}
	case "search_last_week":
		return WebLastWeek{}
	case "search_hot_content":
		period := d.TimePeriod
		if period == "" {
			period = "24h"
		}
		return HotContent{TimePeriod: period}
	case "search_topic_globally":
		return GlobalTopic{}
	case "search_topic_by_date":
		if !isoDatePattern.MatchString(d.StartDate) || !isoDatePattern.MatchString(d.EndDate) {
			return defaultTool(e)
		}
		return TopicByDate{StartDate: d.StartDate, EndDate: d.EndDate}
	case "search_topic_on_platform":
		if d.Platform == "" {
			return defaultTool(e)
		}
		t := TopicOnPlatform{Platform: d.Platform}
		// Dates are optional here but must be well-formed when present.
		if isoDatePattern.MatchString(d.StartDate) && isoDatePattern.MatchString(d.EndDate) {
			t.StartDate, t.EndDate = d.StartDate, d.EndDate
		}
		return t
	case "get_comments_for_topic":
		return CommentsForTopic{}
	case "analyze_sentiment":
		if len(d.Texts) == 0 {
			return defaultTool(e)
		}
		return AnalyzeSentiment{Texts: d.Texts}
	}
	return defaultTool(e)
}
