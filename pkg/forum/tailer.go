package forum

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/llm"
	"github.com/opinionlab/panorama/pkg/metrics"
)

const (
	// defaultPollInterval is the tail wake-up cadence. Engine logs are
	// human-scale; one second is plenty.
	defaultPollInterval = time.Second

	// maxInactivePolls closes a session after ~2 hours without activity.
	maxInactivePolls = 7200

	// maxJSONBufferLines bounds a runaway capture.
	maxJSONBufferLines = 200
)

var (
	levelPattern  = regexp.MustCompile(`\|\s*(TRACE|DEBUG|INFO|WARNING|ERROR|CRITICAL)\s*\|`)
	prefixPattern = regexp.MustCompile(`^(?:\[\d{2}:\d{2}:\d{2}\] )?\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}[.,]\d{3}\s*\|\s*\w+\s*\|\s*\S+ - `)
	leadingTag    = regexp.MustCompile(`^\[[^\]]*\]\s*`)
	// Horizontal whitespace only. Newlines stay; the forum log escapes them
	// on append so the round trip preserves them as literal \n.
	whitespaceRun = regexp.MustCompile(`[ \t]+`)

	errorKeywords = []string{"JSON parsing failed", "JSON repair failed", "Traceback", `File "`}

	targetPatterns = []string{
		"FirstSummaryNode", "ReflectionSummaryNode",
		"InsightEngine.nodes.summary_node", "MediaEngine.nodes.summary_node",
		"QueryEngine.nodes.summary_node", "nodes.summary_node",
		"Generating first paragraph summary", "Generating reflection summary",
	}

	firstSummaryMarkers = []string{"FirstSummaryNode", "Generating first paragraph summary"}
)

const capturePrefix = "Cleaned output: "

// tailState is the per-engine tail position and parser state.
type tailState struct {
	offset        int64
	partial       string
	capturingJSON bool
	jsonBuffer    []string
	inErrorBlock  bool
}

func (st *tailState) reset() {
	st.offset = 0
	st.partial = ""
	st.dropCapture()
	st.inErrorBlock = false
}

func (st *tailState) dropCapture() {
	st.capturingJSON = false
	st.jsonBuffer = nil
}

// Tailer follows the three engine logs, reassembles summary-node JSON output
// and publishes cleaned utterances into the forum while a session is active.
type Tailer struct {
	settings *config.Settings
	flog     *Log
	publish  func(engine config.Engine, content string)
	log      *slog.Logger

	pollInterval time.Duration

	mu            sync.Mutex
	states        map[config.Engine]*tailState
	searching     bool
	inactivePolls int
}

// NewTailer wires a tailer. publish receives every captured utterance while a
// session is active.
func NewTailer(settings *config.Settings, flog *Log, publish func(engine config.Engine, content string), log *slog.Logger) *Tailer {
	states := make(map[config.Engine]*tailState, len(config.Engines))
	for _, e := range config.Engines {
		states[e] = &tailState{}
	}
	return &Tailer{
		settings:     settings,
		flog:         flog,
		publish:      publish,
		log:          log,
		pollInterval: defaultPollInterval,
		states:       states,
	}
}

// Searching reports whether a forum session is currently open.
func (t *Tailer) Searching() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searching
}

// Run polls until ctx is cancelled. Any open session is closed on exit.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	t.log.Info("Forum tailer started", "interval", t.pollInterval)
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.closeSessionLocked("tailer stopped")
			t.mu.Unlock()
			t.log.Info("Forum tailer stopped")
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

// Poll reads new bytes from every engine log and processes complete lines.
func (t *Tailer) Poll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity := false
	for _, e := range config.Engines {
		if t.pollEngineLocked(e) {
			activity = true
		}
	}

	if !t.searching {
		return
	}
	if activity {
		t.inactivePolls = 0
		return
	}
	t.inactivePolls++
	if t.inactivePolls >= maxInactivePolls {
		t.closeSessionLocked("session inactive")
	}
}

func (t *Tailer) pollEngineLocked(e config.Engine) bool {
	st := t.states[e]
	path := t.settings.EngineLogPath(e)

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	size := fi.Size()

	if size < st.offset {
		// Rotation or truncation: start over and close the session.
		t.log.Info("Engine log truncated, resetting tail", "engine", e, "size", size, "offset", st.offset)
		st.reset()
		t.closeSessionLocked("engine log truncated")
	}
	if size == st.offset {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		t.log.Warn("Could not open engine log", "engine", e, "error", err)
		return false
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(st.offset, 0); err != nil {
		t.log.Warn("Could not seek engine log", "engine", e, "error", err)
		return false
	}
	buf := make([]byte, size-st.offset)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return false
	}
	st.offset += int64(n)

	data := st.partial + string(buf[:n])
	lines := strings.Split(data, "\n")
	st.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		t.processLineLocked(e, st, strings.TrimRight(line, "\r"))
	}
	return true
}

func (t *Tailer) processLineLocked(e config.Engine, st *tailState, line string) {
	level := detectLevel(line)

	switch level {
	case "ERROR":
		st.inErrorBlock = true
		if st.capturingJSON {
			st.dropCapture()
		}
		return
	case "INFO":
		st.inErrorBlock = false
	}
	if st.inErrorBlock {
		return
	}

	if st.capturingJSON {
		st.jsonBuffer = append(st.jsonBuffer, line)
		stripped := strings.TrimSpace(stripLinePrefix(line))
		if stripped == "}" || stripped == "] }" {
			t.finishCaptureLocked(e, st)
		} else if len(st.jsonBuffer) > maxJSONBufferLines {
			t.log.Warn("JSON capture exceeded the line limit, dropping", "engine", e)
			st.dropCapture()
		}
		return
	}

	if containsAny(line, errorKeywords) || !containsAny(line, targetPatterns) {
		return
	}

	if !t.searching && containsAny(line, firstSummaryMarkers) {
		t.openSessionLocked()
	}

	idx := strings.Index(line, capturePrefix)
	if idx < 0 {
		return
	}
	frag := line[idx+len(capturePrefix):]
	brace := strings.Index(frag, "{")
	if brace < 0 {
		return
	}
	frag = frag[brace:]

	if strings.HasSuffix(strings.TrimSpace(frag), "}") && bracesBalanced(frag) {
		t.emitLocked(e, frag)
		return
	}
	st.capturingJSON = true
	st.jsonBuffer = []string{frag}
}

func (t *Tailer) finishCaptureLocked(e config.Engine, st *tailState) {
	parts := make([]string, 0, len(st.jsonBuffer))
	for i, l := range st.jsonBuffer {
		if i == 0 {
			// First fragment was stripped at capture start.
			parts = append(parts, l)
			continue
		}
		parts = append(parts, stripLinePrefix(l))
	}
	st.dropCapture()
	t.emitLocked(e, strings.Join(parts, "\n"))
}

// emitLocked parses a reassembled JSON block, extracts the narrative content
// and publishes it. Unparseable blocks are dropped silently.
func (t *Tailer) emitLocked(e config.Engine, raw string) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		repaired, ok := llm.RepairJSON(raw)
		if !ok || json.Unmarshal([]byte(repaired), &obj) != nil {
			t.log.Debug("Dropping unparseable summary block", "engine", e)
			return
		}
	}

	content := extractContent(obj)
	if content == "" {
		return
	}
	if !t.searching {
		// No session open; nothing to publish into.
		return
	}

	metrics.CapturedUtterances.WithLabelValues(string(e)).Inc()
	t.publish(e, content)
}

func (t *Tailer) openSessionLocked() {
	if err := t.flog.StartSession(); err != nil {
		t.log.Error("Could not start forum session", "error", err)
		return
	}
	t.searching = true
	t.inactivePolls = 0
	metrics.ForumSessions.Inc()
	t.log.Info("Forum session started")
}

func (t *Tailer) closeSessionLocked(reason string) {
	if !t.searching {
		return
	}
	t.searching = false
	t.inactivePolls = 0
	if err := t.flog.EndSession(); err != nil {
		t.log.Error("Could not write forum session end marker", "error", err)
	}
	t.log.Info("Forum session ended", "reason", reason)
}

func detectLevel(line string) string {
	m := levelPattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

func stripLinePrefix(line string) string {
	return prefixPattern.ReplaceAllString(line, "")
}

func containsAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func bracesBalanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	return depth == 0
}

// extractContent pulls the narrative out of a parsed summary object,
// preferring the reflection field, and normalizes it for the transcript.
func extractContent(obj map[string]any) string {
	var content string
	if v, ok := obj["updated_paragraph_latest_state"].(string); ok && v != "" {
		content = v
	} else if v, ok := obj["paragraph_latest_state"].(string); ok && v != "" {
		content = v
	} else {
		pretty, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return ""
		}
		content = string(pretty)
	}

	for leadingTag.MatchString(content) {
		content = leadingTag.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(content, " "))
}
