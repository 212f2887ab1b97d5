// Package api is the orchestrator's HTTP surface: system lifecycle, engine
// control, search fan-out, report generation and the forum endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/forum"
	"github.com/opinionlab/panorama/pkg/metrics"
	"github.com/opinionlab/panorama/pkg/report"
	"github.com/opinionlab/panorama/pkg/supervisor"
)

const (
	systemStartHealthWait = 30 * time.Second
	singleStartHealthWait = 15 * time.Second
	fanoutRequestTimeout  = 10 * time.Second
	proxyRequestTimeout   = 10 * time.Second

	// Lines of child stdout kept per engine for the live log endpoint.
	recentLogLimit = 200
)

// Server is the orchestrator. All collaborators are owned by the composition
// root and injected here.
type Server struct {
	settings   *config.Settings
	store      *config.Store
	supervisor *supervisor.Supervisor
	pipeline   *forum.Pipeline
	gate       *report.Gate
	compositor *report.Compositor
	log        *slog.Logger

	httpClient *http.Client

	// System start is single-flight.
	systemMu sync.Mutex
	started  bool
	starting bool

	// Tail of each child's stdout, fed from the supervisor stream.
	streamMu   sync.Mutex
	recentLogs map[config.Engine][]string
}

// New wires the orchestrator server.
func New(settings *config.Settings, store *config.Store, sup *supervisor.Supervisor,
	pipeline *forum.Pipeline, gate *report.Gate, compositor *report.Compositor, log *slog.Logger) *Server {
	s := &Server{
		settings:   settings,
		store:      store,
		supervisor: sup,
		pipeline:   pipeline,
		gate:       gate,
		compositor: compositor,
		log:        log,
		httpClient: &http.Client{Timeout: fanoutRequestTimeout},
		recentLogs: make(map[config.Engine][]string),
	}
	go s.collectStream()
	return s
}

// collectStream drains the supervisor's live stdout stream into bounded
// per-engine tails.
func (s *Server) collectStream() {
	for line := range s.supervisor.Stream() {
		s.streamMu.Lock()
		tail := append(s.recentLogs[line.Engine], line.Text)
		if len(tail) > recentLogLimit {
			tail = tail[len(tail)-recentLogLimit:]
		}
		s.recentLogs[line.Engine] = tail
		s.streamMu.Unlock()
	}
}

func (s *Server) recentTail(e config.Engine) []string {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return append([]string(nil), s.recentLogs[e]...)
}

// Router builds all orchestrator routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/api/system/start", s.handleSystemStart)
	r.GET("/api/system/status", s.handleSystemStatus)

	r.GET("/api/start/:app", s.handleStartEngine)
	r.GET("/api/stop/:app", s.handleStopEngine)
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/output/:app", s.handleOutput)
	r.GET("/api/logs/:app", s.handleLogs)

	r.POST("/api/search", s.handleSearchFanout)

	r.POST("/api/report/generate", s.handleGenerateReport)
	r.GET("/api/report/status", s.handleReportStatus)
	r.GET("/api/report/progress/:task_id", s.handleReportProgress)
	r.POST("/api/report/cancel/:task_id", s.handleReportCancel)

	r.GET("/api/forum/log", s.handleForumLog)
	r.POST("/api/forum/start", s.handleForumStart)
	r.POST("/api/forum/stop", s.handleForumStop)

	r.GET("/api/config", s.handleReadConfig)
	r.POST("/api/config", s.handleUpdateConfig)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("Orchestrator listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func fail(c *gin.Context, status int, format string, args ...any) {
	c.JSON(status, gin.H{"success": false, "message": fmt.Sprintf(format, args...)})
}

func parseEngine(name string) (config.Engine, bool) {
	switch name {
	case string(config.EngineInsight), string(config.EngineMedia), string(config.EngineQuery):
		return config.Engine(name), true
	}
	return "", false
}

// handleSystemStart brings the whole platform up: engines, forum, baseline.
// Concurrent calls are single-flight; failures roll back started engines.
func (s *Server) handleSystemStart(c *gin.Context) {
	s.systemMu.Lock()
	if s.started {
		s.systemMu.Unlock()
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "already_started"})
		return
	}
	if s.starting {
		s.systemMu.Unlock()
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "starting"})
		return
	}
	s.starting = true
	s.systemMu.Unlock()

	status, errs := s.systemStart(c.Request.Context())

	s.systemMu.Lock()
	s.starting = false
	s.started = status == "started"
	s.systemMu.Unlock()

	if status != "started" {
		logs := make(map[string][]string, len(config.Engines))
		for _, e := range config.Engines {
			logs[string(e)] = s.recentTail(e)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false, "status": "init_failed", "errors": errs, "logs": logs,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "started"})
}

func (s *Server) systemStart(ctx context.Context) (string, map[string]string) {
	// Free the forum log before the new session.
	s.pipeline.Stop()

	errs := make(map[string]string)
	var startedEngines []config.Engine
	for _, e := range config.Engines {
		if err := s.supervisor.StartEngine(e); err != nil {
			errs[string(e)] = err.Error()
			break
		}
		startedEngines = append(startedEngines, e)
	}

	if len(errs) == 0 {
		for _, e := range startedEngines {
			if err := s.supervisor.WaitHealthy(ctx, e, systemStartHealthWait); err != nil {
				errs[string(e)] = err.Error()
				break
			}
		}
	}

	if len(errs) > 0 {
		s.log.Error("System start failed, rolling back", "errors", errs)
		for _, e := range startedEngines {
			if err := s.supervisor.StopEngine(e); err != nil {
				s.log.Error("Rollback stop failed", "engine", e, "error", err)
			}
		}
		return "init_failed", errs
	}

	s.pipeline.Start(context.Background())
	if _, err := s.gate.InitializeBaseline(); err != nil {
		s.log.Error("Baseline initialization failed", "error", err)
		errs["baseline"] = err.Error()
		s.pipeline.Stop()
		s.supervisor.StopAll()
		return "init_failed", errs
	}

	s.log.Info("System started")
	return "started", nil
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	s.systemMu.Lock()
	started, starting := s.started, s.starting
	s.systemMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"started":  started,
		"starting": starting,
		"engines":  s.supervisor.Status(),
		"forum":    s.pipeline.Status(),
	})
}

func (s *Server) handleStartEngine(c *gin.Context) {
	e, ok := parseEngine(c.Param("app"))
	if !ok {
		fail(c, http.StatusNotFound, "unknown app %q", c.Param("app"))
		return
	}

	if s.supervisor.State(e) == supervisor.StateRunning {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "already_running"})
		return
	}
	if err := s.supervisor.StartEngine(e); err != nil {
		fail(c, http.StatusConflict, "%s", err)
		return
	}
	if err := s.supervisor.WaitHealthy(c.Request.Context(), e, singleStartHealthWait); err != nil {
		fail(c, http.StatusInternalServerError, "%s", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "running"})
}

func (s *Server) handleStopEngine(c *gin.Context) {
	e, ok := parseEngine(c.Param("app"))
	if !ok {
		fail(c, http.StatusNotFound, "unknown app %q", c.Param("app"))
		return
	}
	if err := s.supervisor.StopEngine(e); err != nil {
		fail(c, http.StatusInternalServerError, "%s", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "stopped"})
}

func (s *Server) handleStatus(c *gin.Context) {
	engines := make(map[string]any, len(config.Engines))
	for _, e := range config.Engines {
		engines[string(e)] = gin.H{
			"status": string(s.supervisor.State(e)),
			"port":   s.settings.Ports[e].HTTP,
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "engines": engines})
}

// handleOutput proxies the newest report of one engine worker.
func (s *Server) handleOutput(c *gin.Context) {
	e, ok := parseEngine(c.Param("app"))
	if !ok {
		fail(c, http.StatusNotFound, "unknown app %q", c.Param("app"))
		return
	}
	if s.supervisor.State(e) != supervisor.StateRunning {
		fail(c, http.StatusConflict, "engine %s is not running", e)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), proxyRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.supervisor.EngineURL(e)+"/api/output", nil)
	if err != nil {
		fail(c, http.StatusInternalServerError, "%s", err)
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		fail(c, http.StatusBadGateway, "engine %s unreachable: %s", e, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	c.Data(resp.StatusCode, "application/json", body)
}

// handleLogs returns the recent stdout tail of one engine worker.
func (s *Server) handleLogs(c *gin.Context) {
	e, ok := parseEngine(c.Param("app"))
	if !ok {
		fail(c, http.StatusNotFound, "unknown app %q", c.Param("app"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "engine": string(e), "lines": s.recentTail(e)})
}

type searchRequest struct {
	Query string `json:"query" binding:"required"`
}

// handleSearchFanout broadcasts a search to every running engine. Stopped
// engines are skipped, not waited on.
func (s *Server) handleSearchFanout(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "query is required")
		return
	}

	var running []config.Engine
	for _, e := range config.Engines {
		if s.supervisor.State(e) == supervisor.StateRunning {
			running = append(running, e)
		}
	}
	if len(running) == 0 {
		fail(c, http.StatusConflict, "no running engines")
		return
	}

	type fanoutResult struct {
		engine config.Engine
		reply  map[string]any
		err    error
	}

	results := make(chan fanoutResult, len(running))
	var wg sync.WaitGroup
	for _, e := range running {
		wg.Add(1)
		go func(e config.Engine) {
			defer wg.Done()
			reply, err := s.postSearch(c.Request.Context(), e, req.Query)
			results <- fanoutResult{engine: e, reply: reply, err: err}
		}(e)
	}
	wg.Wait()
	close(results)

	replies := make(map[string]any, len(running))
	for r := range results {
		if r.err != nil {
			replies[string(r.engine)] = gin.H{"success": false, "message": r.err.Error()}
			continue
		}
		replies[string(r.engine)] = r.reply
	}

	s.log.Info("Search fanned out", "query", req.Query, "engines", len(running))
	c.JSON(http.StatusOK, gin.H{"success": true, "query": req.Query, "results": replies})
}

func (s *Server) postSearch(ctx context.Context, e config.Engine, query string) (map[string]any, error) {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fanoutRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.supervisor.EngineURL(e)+"/api/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var reply map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("bad engine response: %w", err)
	}
	return reply, nil
}

type generateRequest struct {
	Query          string `json:"query" binding:"required"`
	CustomTemplate string `json:"custom_template"`
}

func (s *Server) handleGenerateReport(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "query is required")
		return
	}

	s.systemMu.Lock()
	started := s.started
	s.systemMu.Unlock()
	if !started {
		fail(c, http.StatusConflict, "system is not initialized")
		return
	}

	check, err := s.gate.Check()
	if err != nil {
		fail(c, http.StatusInternalServerError, "%s", err)
		return
	}
	if !check.Ready {
		c.JSON(http.StatusConflict, gin.H{
			"success": false, "status": "not_ready",
			"message": "engines have not produced fresh reports yet",
			"missing": check.Deltas,
		})
		return
	}

	taskID, err := s.compositor.Start(context.Background(), req.Query, req.CustomTemplate)
	if err != nil {
		fail(c, http.StatusConflict, "%s", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

func (s *Server) handleReportStatus(c *gin.Context) {
	task, ok := s.compositor.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": true, "task": nil, "readiness": s.readiness()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task, "readiness": s.readiness()})
}

func (s *Server) readiness() any {
	check, err := s.gate.Check()
	if err != nil {
		return gin.H{"ready": false, "message": err.Error()}
	}
	return check
}

func (s *Server) handleReportProgress(c *gin.Context) {
	task, ok := s.compositor.Progress(c.Param("task_id"))
	if !ok {
		fail(c, http.StatusNotFound, "unknown task %q", c.Param("task_id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

func (s *Server) handleReportCancel(c *gin.Context) {
	if !s.compositor.Cancel(c.Param("task_id")) {
		fail(c, http.StatusConflict, "task %q is not running", c.Param("task_id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "cancelled"})
}

func (s *Server) handleForumLog(c *gin.Context) {
	messages, err := s.pipeline.Log.Messages()
	if err != nil {
		fail(c, http.StatusInternalServerError, "%s", err)
		return
	}
	out := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		out = append(out, gin.H{
			"timestamp": m.Timestamp,
			"source":    m.Source,
			"content":   forum.UnescapeNewlines(m.Content),
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": out, "forum": s.pipeline.Status()})
}

func (s *Server) handleForumStart(c *gin.Context) {
	s.pipeline.Start(context.Background())
	c.JSON(http.StatusOK, gin.H{"success": true, "forum": s.pipeline.Status()})
}

func (s *Server) handleForumStop(c *gin.Context) {
	s.pipeline.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true, "forum": s.pipeline.Status()})
}

func (s *Server) handleReadConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "config": s.store.Read()})
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		fail(c, http.StatusBadRequest, "expected a key/value object")
		return
	}

	applied, err := s.store.Update(updates)
	if err != nil {
		fail(c, http.StatusInternalServerError, "%s", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "applied": applied})
}
