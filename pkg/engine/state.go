// Package engine implements the per-engine research state machine: plan,
// search, summarize, reflect, refine, finalize. One Agent drives one State
// from pending to completed.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Status is the lifecycle state of a research run.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPlanning    Status = "planning"
	StatusResearching Status = "researching"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// SearchResult is one item returned by a search backend.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score,omitempty"`
	RawContent    string  `json:"raw_content,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	Author        string  `json:"author,omitempty"`
	Engagement    int     `json:"engagement,omitempty"`
}

// SearchRecord pairs a query with the results it produced. The history is
// append-only.
type SearchRecord struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// Research accumulates the evolving summary of one paragraph.
type Research struct {
	LatestSummary   string         `json:"latest_summary"`
	ReflectionCount int            `json:"reflection_count"`
	SearchHistory   []SearchRecord `json:"search_history"`
	Completed       bool           `json:"completed"`
}

// AddSearchResults appends one search round to the history.
func (r *Research) AddSearchResults(query string, results []SearchResult) {
	r.SearchHistory = append(r.SearchHistory, SearchRecord{Query: query, Results: results})
}

// Paragraph is one planned section of the report.
type Paragraph struct {
	Title           string   `json:"title"`
	ExpectedContent string   `json:"expected_content"`
	Research        Research `json:"research"`
}

// State is the mutable container for one research run. It is owned by a
// single Agent; no concurrent mutation occurs.
type State struct {
	Query       string       `json:"query"`
	ReportTitle string       `json:"report_title"`
	Paragraphs  []*Paragraph `json:"paragraphs"`
	Status      Status       `json:"status"`
	FinalReport string       `json:"final_report"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewState creates a pending run for query.
func NewState(query string) *State {
	now := time.Now()
	return &State{
		Query:     query,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch records a mutation.
func (s *State) Touch() { s.UpdatedAt = time.Now() }

// MarkCompleted finalizes the run.
func (s *State) MarkCompleted() {
	now := time.Now()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// MarkFailed records a terminal failure.
func (s *State) MarkFailed() {
	s.Status = StatusFailed
	s.Touch()
}

// ProgressSummary reports paragraph completion for status polling.
func (s *State) ProgressSummary() map[string]any {
	completed := 0
	for _, p := range s.Paragraphs {
		if p.Research.Completed {
			completed++
		}
	}
	return map[string]any{
		"query":                s.Query,
		"status":               string(s.Status),
		"paragraphs_total":     len(s.Paragraphs),
		"paragraphs_completed": completed,
		"updated_at":           s.UpdatedAt,
	}
}

// SaveToFile persists the state as indented JSON.
func (s *State) SaveToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// LoadStateFromFile restores a previously saved state.
func LoadStateFromFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	return &s, nil
}
