// Package forum implements the cross-engine forum pipeline: the shared
// transcript log, the engine-log tailer that feeds it, and the moderator that
// synthesizes host guidance.
package forum

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Known message sources. Engine utterances use the upper-cased engine name.
const (
	SourceSystem = "SYSTEM"
	SourceHost   = "HOST"
)

// Message is one forum utterance.
type Message struct {
	Timestamp string // HH:MM:SS as written
	Source    string
	Content   string
}

var forumLinePattern = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\] \[([A-Z_]+)\] (.*)$`)

// ParseLine decodes one physical forum log line.
func ParseLine(line string) (Message, bool) {
	m := forumLinePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Message{}, false
	}
	return Message{Timestamp: m[1], Source: m[2], Content: m[3]}, true
}

// escapeNewlines folds a multi-line body onto one physical line.
func escapeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", `\n`)
}

// UnescapeNewlines reverses escapeNewlines for display.
func UnescapeNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// Log is the append-only forum transcript. All writes happen under one lock
// so concurrent publishers cannot interleave partial lines.
type Log struct {
	mu   sync.Mutex
	path string
}

// NewLog creates a forum log writer at path. The file is created lazily on
// first write.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the transcript file path.
func (l *Log) Path() string { return l.path }

// Append writes one utterance and returns the physical line written, without
// the trailing newline. Newlines in content are escaped so the
// one-line-per-message invariant holds.
func (l *Log) Append(source, content string) (string, error) {
	line := fmt.Sprintf("[%s] [%s] %s", time.Now().Format("15:04:05"), source, escapeNewlines(content))

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open forum log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return "", fmt.Errorf("failed to append to forum log: %w", err)
	}
	return line, nil
}

// StartSession truncates the transcript and writes the session-start marker.
func (l *Log) StartSession() error {
	l.mu.Lock()
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		l.mu.Unlock()
		return fmt.Errorf("failed to truncate forum log: %w", err)
	}
	l.mu.Unlock()

	marker := fmt.Sprintf("=== ForumEngine monitoring started - %s ===", time.Now().Format("2006-01-02 15:04:05"))
	_, err := l.Append(SourceSystem, marker)
	return err
}

// EndSession writes the session-end marker.
func (l *Log) EndSession() error {
	marker := fmt.Sprintf("=== ForumEngine forum ended - %s ===", time.Now().Format("2006-01-02 15:04:05"))
	_, err := l.Append(SourceSystem, marker)
	return err
}

// Messages returns all parseable messages in the transcript. A missing file
// yields an empty slice.
func (l *Log) Messages() ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open forum log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if msg, ok := ParseLine(scanner.Text()); ok {
			messages = append(messages, msg)
		}
	}
	return messages, scanner.Err()
}

// Transcript returns the raw transcript contents.
func (l *Log) Transcript() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read forum log: %w", err)
	}
	return string(data), nil
}

// LatestHostSpeech returns the most recent HOST utterance with newlines
// restored, or "" when the host has not spoken.
func (l *Log) LatestHostSpeech() (string, error) {
	messages, err := l.Messages()
	if err != nil {
		return "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Source == SourceHost {
			return UnescapeNewlines(messages[i].Content), nil
		}
	}
	return "", nil
}
