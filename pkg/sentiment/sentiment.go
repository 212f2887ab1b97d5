// Package sentiment is a thin client for the external sentiment
// classification service. When no endpoint is configured the classifier is
// disabled and returns neutral labels, so research never depends on it.
package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/retry"
)

// LabelNeutral is returned for every text when the classifier is disabled.
const LabelNeutral = "neutral"

// Classifier labels short texts as positive, negative or neutral.
type Classifier struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClassifier builds a classifier from settings. An empty base URL yields a
// disabled classifier.
func NewClassifier(settings *config.Settings, log *slog.Logger) *Classifier {
	return &Classifier{
		baseURL:    strings.TrimSuffix(settings.SentimentBaseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Classifier) Enabled() bool { return c.baseURL != "" }

type classifyRequest struct {
	Texts []string `json:"texts"`
}

type classifyResponse struct {
	Labels []string `json:"labels"`
}

// Classify labels texts. The call retries under the search-API profile and
// degrades to all-neutral labels on exhaustion or when disabled.
func (c *Classifier) Classify(ctx context.Context, texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if !c.Enabled() {
		c.log.Debug("Sentiment classifier disabled, returning neutral labels", "texts", len(texts))
		return neutralLabels(len(texts)), nil
	}

	labels := retry.DoGraceful(ctx, retry.SearchAPIProfile, "sentiment.classify", nil,
		func(ctx context.Context) ([]string, error) {
			return c.classifyOnce(ctx, texts)
		})
	if labels == nil {
		return neutralLabels(len(texts)), nil
	}
	return labels, nil
}

func (c *Classifier) classifyOnce(ctx context.Context, texts []string) ([]string, error) {
	body, err := json.Marshal(classifyRequest{Texts: texts})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sentiment request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sentiment service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode sentiment response: %w", err)
	}
	if len(decoded.Labels) != len(texts) {
		return nil, retry.Permanent(fmt.Errorf("sentiment service returned %d labels for %d texts", len(decoded.Labels), len(texts)))
	}
	return decoded.Labels, nil
}

func neutralLabels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = LabelNeutral
	}
	return labels
}
