package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/forum"
	"github.com/opinionlab/panorama/pkg/llm"
	"github.com/opinionlab/panorama/pkg/metrics"
)

// Task statuses.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
	TaskCancelled = "cancelled"
)

const (
	// synthesisTimeout bounds the final HTML generation call.
	synthesisTimeout = 900 * time.Second

	// defaultTemplate is used when template selection fails.
	defaultTemplate = "default.html"

	// excerptLimit caps artifact and transcript excerpts in the template
	// selection prompt.
	excerptLimit = 2000
)

// Task is the record of one composition run. Progress is polled by the UI.
type Task struct {
	ID           string     `json:"task_id"`
	Query        string     `json:"query"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Stage        string     `json:"stage"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Template     string     `json:"template,omitempty"`
	ReportPath   string     `json:"report_path,omitempty"`
	ReportFile   string     `json:"report_file,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	cancel context.CancelFunc
}

func (t *Task) snapshot() Task {
	clone := *t
	clone.cancel = nil
	return clone
}

// Compositor generates the final HTML report from the three engine artifacts
// and the forum transcript. It runs at most one task at a time.
type Compositor struct {
	settings *config.Settings
	llm      llm.Completer
	gate     *Gate
	flog     *forum.Log
	log      *slog.Logger

	mu   sync.Mutex
	task *Task
}

// NewCompositor wires a compositor over its owned collaborators.
func NewCompositor(settings *config.Settings, completer llm.Completer, gate *Gate, flog *forum.Log, log *slog.Logger) *Compositor {
	return &Compositor{settings: settings, llm: completer, gate: gate, flog: flog, log: log}
}

// Start begins a composition task. A task already running is rejected; a
// finished prior task is cleared. customTemplate, when non-empty, bypasses
// template selection.
func (c *Compositor) Start(parent context.Context, query, customTemplate string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != nil && c.task.Status == TaskRunning {
		return "", fmt.Errorf("a report generation task is already running: %s", c.task.ID)
	}

	ctx, cancel := context.WithCancel(parent)
	task := &Task{
		ID:        uuid.NewString(),
		Query:     query,
		Status:    TaskRunning,
		Stage:     "validating",
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	c.task = task

	go c.run(ctx, task, query, customTemplate)
	c.log.Info("Report task started", "task_id", task.ID, "query", query)
	return task.ID, nil
}

// Current returns a snapshot of the current task, if any.
func (c *Compositor) Current() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return Task{}, false
	}
	return c.task.snapshot(), true
}

// Progress returns a snapshot of the task with the given id.
func (c *Compositor) Progress(taskID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil || c.task.ID != taskID {
		return Task{}, false
	}
	return c.task.snapshot(), true
}

// Cancel stops a running task. The worker goroutine observes the cancelled
// context at the next stage boundary and discards its output.
func (c *Compositor) Cancel(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil || c.task.ID != taskID || c.task.Status != TaskRunning {
		return false
	}
	c.task.cancel()
	c.finishLocked(c.task, TaskCancelled, "")
	c.log.Info("Report task cancelled", "task_id", taskID)
	return true
}

func (c *Compositor) advance(task *Task, progress int, stage string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task.Status != TaskRunning {
		return false
	}
	task.Progress = progress
	task.Stage = stage
	c.log.Info("Report task progress", "task_id", task.ID, "progress", progress, "stage", stage)
	return true
}

func (c *Compositor) fail(task *Task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task.Status != TaskRunning {
		return
	}
	c.finishLocked(task, TaskError, err.Error())
	c.log.Error("Report task failed", "task_id", task.ID, "error", err)
}

func (c *Compositor) finishLocked(task *Task, status, errMessage string) {
	now := time.Now()
	task.Status = status
	task.ErrorMessage = errMessage
	task.FinishedAt = &now
}

func (c *Compositor) run(ctx context.Context, task *Task, query, customTemplate string) {
	// 10%: readiness.
	if !c.advance(task, 10, "validating readiness") {
		return
	}
	check, err := c.gate.Check()
	if err != nil {
		c.fail(task, err)
		return
	}
	if !check.Ready {
		c.fail(task, fmt.Errorf("engines have not produced fresh reports yet"))
		return
	}

	// 30%: load inputs.
	if !c.advance(task, 30, "loading artifacts") {
		return
	}
	artifacts, err := c.loadArtifacts()
	if err != nil {
		c.fail(task, err)
		return
	}
	transcript, err := c.flog.Transcript()
	if err != nil {
		c.fail(task, err)
		return
	}

	// 50%: template selection.
	if !c.advance(task, 50, "selecting template") {
		return
	}
	templateName, templateBody := c.selectTemplate(ctx, query, customTemplate, artifacts, transcript)
	c.mu.Lock()
	task.Template = templateName
	c.mu.Unlock()

	// 90%: synthesis.
	if !c.advance(task, 90, "generating report") {
		return
	}
	html, err := c.generateHTML(ctx, query, artifacts, transcript, templateBody)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-synthesis; the task record was already closed.
			return
		}
		c.fail(task, err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	// 100%: persist.
	reportPath, statePath, err := c.persist(task, query, html)
	if err != nil {
		c.fail(task, err)
		return
	}

	c.mu.Lock()
	if task.Status == TaskRunning {
		task.Progress = 100
		task.Stage = "completed"
		task.ReportPath = reportPath
		task.ReportFile = filepath.Base(reportPath)
		c.finishLocked(task, TaskCompleted, "")
	}
	c.mu.Unlock()

	metrics.ReportsGenerated.Inc()
	c.log.Info("Report task completed", "task_id", task.ID, "report", reportPath, "state", statePath)
}

type artifact struct {
	engine  config.Engine
	path    string
	content string
}

func (c *Compositor) loadArtifacts() ([]artifact, error) {
	latest := c.gate.LatestFiles()
	artifacts := make([]artifact, 0, len(config.Engines))
	for _, e := range config.Engines {
		path, ok := latest[e]
		if !ok {
			return nil, fmt.Errorf("no report artifact found for engine %s", e)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s artifact: %w", e, err)
		}
		artifacts = append(artifacts, artifact{engine: e, path: path, content: string(data)})
	}
	return artifacts, nil
}

// selectTemplate picks an HTML template. Order of preference: the caller's
// custom template, the LLM's choice among the template directory contents, a
// named default, and finally no template at all.
func (c *Compositor) selectTemplate(ctx context.Context, query, customTemplate string, artifacts []artifact, transcript string) (string, string) {
	if customTemplate != "" {
		return "custom", customTemplate
	}

	names := c.templateNames()
	if len(names) == 0 {
		c.log.Info("No templates available, report will be free-styled")
		return "", ""
	}

	chosen := c.askForTemplate(ctx, query, names, artifacts, transcript)
	if body, err := c.readTemplate(chosen); err == nil {
		return chosen, body
	}

	if body, err := c.readTemplate(defaultTemplate); err == nil {
		c.log.Warn("Falling back to default template", "requested", chosen)
		return defaultTemplate, body
	}

	// Any template beats none.
	if body, err := c.readTemplate(names[0]); err == nil {
		return names[0], body
	}
	return "", ""
}

func (c *Compositor) templateNames() []string {
	entries, err := os.ReadDir(c.settings.TemplateDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".html") {
			names = append(names, e.Name())
		}
	}
	return names
}

func (c *Compositor) readTemplate(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("no template named")
	}
	data, err := os.ReadFile(filepath.Join(c.settings.TemplateDir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Compositor) askForTemplate(ctx context.Context, query string, names []string, artifacts []artifact, transcript string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n\nAvailable templates: %s\n\n", query, strings.Join(names, ", "))
	for _, a := range artifacts {
		fmt.Fprintf(&sb, "Excerpt from the %s engine report:\n%s\n\n", a.engine, excerpt(a.content, excerptLimit))
	}
	fmt.Fprintf(&sb, "Excerpt from the forum transcript:\n%s\n", excerpt(transcript, excerptLimit))

	reply, err := c.llm.Complete(ctx, config.RoleReportEngine,
		"You choose the most suitable HTML report template for a public opinion analysis. Answer with the template file name only.",
		sb.String())
	if err != nil {
		c.log.Warn("Template selection call failed", "error", err)
		return ""
	}

	reply = strings.TrimSpace(llm.StripFences(reply))
	for _, name := range names {
		if strings.Contains(reply, name) {
			return name
		}
	}
	c.log.Warn("Template selection returned an unknown name", "reply", excerpt(reply, 100))
	return ""
}

const reportSystemPrompt = `You are the report engine of a public opinion analysis platform.
Merge the three engine reports and the forum discussion into one complete, self-contained HTML document.
Follow the provided template's structure and styling when a template is given; otherwise design a clean layout yourself.
Every fact must come from the inputs. Output the HTML document only, no commentary.`

func (c *Compositor) generateHTML(ctx context.Context, query string, artifacts []artifact, transcript, templateBody string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n\n", query)
	for _, a := range artifacts {
		fmt.Fprintf(&sb, "=== %s engine report ===\n%s\n\n", strings.ToUpper(string(a.engine)), a.content)
	}
	fmt.Fprintf(&sb, "=== Forum discussion ===\n%s\n\n", transcript)
	if templateBody != "" {
		fmt.Fprintf(&sb, "=== HTML template ===\n%s\n", templateBody)
	}

	raw, err := c.llm.Complete(ctx, config.RoleReportEngine, reportSystemPrompt, sb.String())
	if err != nil {
		return "", fmt.Errorf("report synthesis failed: %w", err)
	}

	html := strings.TrimSpace(llm.StripFences(raw))
	if html == "" {
		return "", fmt.Errorf("report synthesis produced empty output")
	}
	return html, nil
}

func (c *Compositor) persist(task *Task, query, html string) (string, string, error) {
	if err := os.MkdirAll(c.settings.OutputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	base := fmt.Sprintf("%s_%s", sanitizeQuery(query), stamp)
	reportPath := filepath.Join(c.settings.OutputDir, "final_report_"+base+".html")
	statePath := filepath.Join(c.settings.OutputDir, "report_state_"+base+".json")

	if err := os.WriteFile(reportPath, []byte(html), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write report: %w", err)
	}

	c.mu.Lock()
	snapshot := task.snapshot()
	c.mu.Unlock()
	snapshot.Status = TaskCompleted
	snapshot.Progress = 100
	snapshot.ReportPath = reportPath
	snapshot.ReportFile = filepath.Base(reportPath)

	state, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode report state: %w", err)
	}
	if err := os.WriteFile(statePath, state, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write report state: %w", err)
	}
	return reportPath, statePath, nil
}

// excerpt truncates s for prompt inclusion.
func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// sanitizeQuery keeps alphanumerics, spaces, hyphens and underscores,
// replaces spaces with underscores and caps the length at 30 characters.
func sanitizeQuery(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteRune('_')
		}
	}
	out := sb.String()
	if len(out) > 30 {
		out = out[:30]
	}
	return out
}
