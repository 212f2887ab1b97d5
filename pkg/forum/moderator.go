package forum

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/llm"
	"github.com/opinionlab/panorama/pkg/metrics"
)

// defaultThreshold is the number of buffered agent utterances that triggers
// one moderator synthesis.
const defaultThreshold = 5

const hostSystemPrompt = `You are the host of a forum where three research engines discuss an unfolding public opinion topic.
You have just read their latest statements. Write one structured host intervention that:
1. reconstructs the event timeline from the statements,
2. integrates the different viewpoints, noting agreements and conflicts,
3. predicts how the situation is likely to develop,
4. poses concrete follow-up questions for each engine to investigate next.
Write plain prose. Keep it under 400 words.`

// Moderator buffers engine utterances and periodically synthesizes host
// guidance into the forum log. Synthesis is non-reentrant: while one call is
// in flight, new utterances only accumulate.
type Moderator struct {
	llm       llm.Completer
	flog      *Log
	log       *slog.Logger
	threshold int

	mu         sync.Mutex
	buffer     []string // forum-log-line form: [HH:MM:SS] [SOURCE] content
	generating bool
}

// NewModerator wires a moderator with the default threshold.
func NewModerator(completer llm.Completer, flog *Log, log *slog.Logger) *Moderator {
	return &Moderator{llm: completer, flog: flog, log: log, threshold: defaultThreshold}
}

// Buffered returns the number of pending utterances.
func (m *Moderator) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// Offer appends one utterance in forum-log-line form and triggers a synthesis
// when the threshold is reached and none is in flight.
func (m *Moderator) Offer(ctx context.Context, line string) {
	m.mu.Lock()
	m.buffer = append(m.buffer, line)
	if len(m.buffer) < m.threshold || m.generating {
		m.mu.Unlock()
		return
	}
	m.generating = true
	batch := make([]string, m.threshold)
	copy(batch, m.buffer[:m.threshold])
	m.buffer = append([]string{}, m.buffer[m.threshold:]...)
	m.mu.Unlock()

	go m.synthesize(ctx, batch)
}

func (m *Moderator) synthesize(ctx context.Context, batch []string) {
	defer func() {
		m.mu.Lock()
		m.generating = false
		pending := len(m.buffer)
		m.mu.Unlock()
		m.log.Info("Moderator synthesis finished", "pending", pending)
	}()

	prompt := m.buildPrompt(batch)
	reply, err := m.llm.Complete(ctx, config.RoleForumHost, hostSystemPrompt, prompt)
	if err != nil {
		// The consumed utterances are gone; the forum keeps flowing.
		m.log.Error("Moderator synthesis failed", "error", err)
		return
	}

	reply = strings.TrimSpace(llm.StripFences(reply))
	if reply == "" {
		m.log.Warn("Moderator produced empty reply")
		return
	}
	if _, err := m.flog.Append(SourceHost, reply); err != nil {
		m.log.Error("Could not append host reply to forum log", "error", err)
		return
	}
	metrics.ModeratorSyntheses.Inc()
	m.log.Info("Moderator spoke", "consumed", len(batch))
}

// buildPrompt parses the buffered log lines back into utterances and formats
// them for the host.
func (m *Moderator) buildPrompt(batch []string) string {
	var sb strings.Builder
	sb.WriteString("Latest engine statements, in order:\n\n")
	for i, line := range batch {
		msg, ok := ParseLine(line)
		if !ok {
			// Raw content without a log prefix is still usable.
			msg = Message{Source: "UNKNOWN", Content: line}
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n\n", i+1, msg.Source, UnescapeNewlines(msg.Content))
	}
	return sb.String()
}
