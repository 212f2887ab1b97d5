package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/retry"
)

// TavilySearcher implements Searcher over the Tavily search API. News and web
// tools map directly onto API parameters; social platform tools degrade to
// scoped web searches; sentiment requests delegate to an injected classifier.
type TavilySearcher struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client

	// Classify labels texts as positive/negative/neutral. Nil means the
	// sentiment capability is not configured.
	Classify func(ctx context.Context, texts []string) ([]string, error)
}

// NewTavilySearcher builds a searcher from settings.
func NewTavilySearcher(settings *config.Settings) *TavilySearcher {
	return &TavilySearcher{
		apiKey:     settings.TavilyAPIKey,
		baseURL:    "https://api.tavily.com",
		maxResults: settings.DefaultSearchLimit,
		httpClient: &http.Client{Timeout: settings.SearchTimeout},
	}
}

type tavilyRequest struct {
	Query         string `json:"query"`
	Topic         string `json:"topic,omitempty"`
	SearchDepth   string `json:"search_depth,omitempty"`
	Days          int    `json:"days,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeImages bool   `json:"include_images,omitempty"`
	IncludeRaw    bool   `json:"include_raw_content,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		RawContent    string  `json:"raw_content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
	Images []struct {
		URL         string `json:"url"`
		Description string `json:"description"`
	} `json:"images"`
}

// Search dispatches one tool invocation to the backend.
func (t *TavilySearcher) Search(ctx context.Context, tool SearchTool, query string) ([]SearchResult, error) {
	if s, ok := tool.(AnalyzeSentiment); ok {
		return t.analyzeSentiment(ctx, s)
	}
	if t.apiKey == "" {
		return nil, retry.Permanent(fmt.Errorf("TAVILY_API_KEY is not configured"))
	}

	req := tavilyRequest{Query: query, MaxResults: t.maxResults, SearchDepth: "basic"}
	switch v := tool.(type) {
	case BasicNews:
		req.Topic = "news"
	case DeepNews:
		req.Topic = "news"
		req.SearchDepth = "advanced"
		req.IncludeRaw = true
	case NewsLast24Hours:
		req.Topic = "news"
		req.Days = 1
	case NewsLastWeek:
		req.Topic = "news"
		req.Days = 7
	case NewsImages:
		req.Topic = "news"
		req.IncludeImages = true
	case NewsByDate:
		req.Topic = "news"
		req.StartDate = v.StartDate
		req.EndDate = v.EndDate
	case ComprehensiveSearch:
		req.SearchDepth = "advanced"
		req.IncludeRaw = true
	case WebSearchOnly:
		// defaults
	case StructuredDataSearch:
		req.IncludeRaw = true
	case WebLast24Hours:
		req.Days = 1
	case WebLastWeek:
		req.Days = 7
	case HotContent:
		req.Query = "trending discussion " + query
		if v.TimePeriod == "24h" {
			req.Days = 1
		} else {
			req.Days = 7
		}
	case GlobalTopic:
		req.Query = query + " public opinion discussion"
	case TopicByDate:
		req.StartDate = v.StartDate
		req.EndDate = v.EndDate
	case TopicOnPlatform:
		req.Query = query + " " + v.Platform
		req.StartDate = v.StartDate
		req.EndDate = v.EndDate
	case CommentsForTopic:
		req.Query = query + " comments reactions"
	}

	return t.post(ctx, req)
}

func (t *TavilySearcher) post(ctx context.Context, payload tavilyRequest) ([]SearchResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("search backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(decoded.Results)+len(decoded.Images))
	for _, r := range decoded.Results {
		results = append(results, SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			RawContent:    r.RawContent,
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
		})
	}
	for _, img := range decoded.Images {
		results = append(results, SearchResult{
			Title:   "Image: " + img.Description,
			URL:     img.URL,
			Content: img.Description,
		})
	}
	return results, nil
}

func (t *TavilySearcher) analyzeSentiment(ctx context.Context, tool AnalyzeSentiment) ([]SearchResult, error) {
	if t.Classify == nil {
		return nil, retry.Permanent(fmt.Errorf("sentiment classifier is not configured"))
	}
	labels, err := t.Classify(ctx, tool.Texts)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(labels))
	for i, label := range labels {
		text := ""
		if i < len(tool.Texts) {
			text = tool.Texts[i]
		}
		results = append(results, SearchResult{
			Title:   fmt.Sprintf("Sentiment: %s", label),
			Content: text,
		})
	}
	return results, nil
}
