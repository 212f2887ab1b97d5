// Package llm is the gateway to the completion endpoints. It selects an
// endpoint by role, streams the response over the OpenAI-compatible
// chat-completions protocol, and post-processes model output into usable
// text or JSON.
package llm

import (
	"bufio"
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

// Completer is the capability consumed by nodes and the forum moderator.
type Completer interface {
	Complete(ctx context.Context, role config.Role, systemPrompt, userPrompt string) (string, error)
}

// Gateway routes completions to per-role endpoints.
type Gateway struct {
	settings   *config.Settings
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewGateway creates a gateway over the configured endpoints.
func NewGateway(settings *config.Settings) *Gateway {
	return &Gateway{
		settings: settings,
		// Per-request deadlines come from the caller's context; the client
		// itself must not cut off long streams.
		httpClient: &http.Client{},
		retryCfg:   retry.LLMProfile,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete streams a completion for role and returns the concatenated text.
// Transient failures are retried under the strict LLM profile; a missing
// endpoint configuration fails immediately.
func (g *Gateway) Complete(ctx context.Context, role config.Role, systemPrompt, userPrompt string) (string, error) {
	endpoint, err := g.settings.LLM(role)
	if err != nil {
		return "", retry.Permanent(err)
	}

	// The model has no clock; prefix the wall time so date-sensitive
	// reasoning stays anchored.
	userPrompt = fmt.Sprintf("Today's actual time is %s\n%s",
		time.Now().Format("2006-01-02 15:04"), userPrompt)

	return retry.Do(ctx, g.retryCfg, "llm."+string(role), func(ctx context.Context) (string, error) {
		return g.streamOnce(ctx, endpoint, systemPrompt, userPrompt)
	})
}

// streamOnce performs a single streaming request and concatenates the delta
// chunks. Chunks arrive as JSON-decoded strings, so concatenation is safe
// across UTF-8 boundaries.
func (g *Gateway) streamOnce(ctx context.Context, endpoint config.LLMEndpoint, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: endpoint.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream:      true,
		Temperature: 0.6,
		TopP:        0.9,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	url := strings.TrimSuffix(endpoint.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("Skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("stream error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			sb.WriteString(choice.Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream truncated: %w", err)
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("completion stream produced no content")
	}
	return sb.String(), nil
}
