// Package worker hosts one research engine as a long-running HTTP process:
// a health endpoint for the supervisor, a search trigger for the
// orchestrator, and status/output inspection.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/engine"
	"github.com/opinionlab/panorama/pkg/enginelog"
)

// Server is one engine worker. A single research run executes at a time;
// concurrent triggers are rejected.
type Server struct {
	engine   config.Engine
	settings *config.Settings
	agent    *engine.Agent
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	current *engine.State
}

// NewServer wires a worker for one engine.
func NewServer(e config.Engine, settings *config.Settings, agent *engine.Agent, log *slog.Logger) *Server {
	return &Server{engine: e, settings: settings, agent: agent, log: log}
}

// SetupLogging opens the engine's append-only log and returns a logger that
// writes the wire format to it while mirroring to stdout. The caller closes
// the returned file on shutdown.
func SetupLogging(settings *config.Settings, e config.Engine) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(settings.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(settings.EngineLogPath(e), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open engine log: %w", err)
	}

	handler := enginelog.NewHandler(io.MultiWriter(f, os.Stdout), slog.LevelInfo, string(e)+".worker")
	return slog.New(handler), f, nil
}

// Router builds the worker's HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/api/search", s.handleSearch)
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/output", s.handleOutput)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.settings.Ports[s.engine].HTTP)
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("Engine worker listening", "engine", s.engine, "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.SearchTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": string(s.engine)})
}

type searchRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "query is required"})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "a research run is already in progress"})
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.research(req.Query)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "research started", "engine": string(s.engine)})
}

func (s *Server) research(query string) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	state, err := s.agent.Research(context.Background(), query)
	s.mu.Lock()
	s.current = state
	s.mu.Unlock()
	if err != nil {
		s.log.Error("Research run failed", "query", query, "error", err)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	running := s.running
	state := s.current
	s.mu.Unlock()

	resp := gin.H{"success": true, "engine": string(s.engine), "running": running}
	if state != nil {
		resp["research"] = state.ProgressSummary()
	}
	c.JSON(http.StatusOK, resp)
}

// handleOutput returns the newest persisted report for this engine.
func (s *Server) handleOutput(c *gin.Context) {
	dir := s.settings.ReportDir[s.engine]
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no reports yet"})
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no reports yet"})
		return
	}
	sort.Slice(names, func(i, j int) bool {
		return newerFile(dir, names[i], names[j])
	})

	content, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to read report"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "file": names[0], "content": string(content)})
}

func newerFile(dir, a, b string) bool {
	ai, errA := os.Stat(filepath.Join(dir, a))
	bi, errB := os.Stat(filepath.Join(dir, b))
	if errA != nil || errB != nil {
		return a > b
	}
	return ai.ModTime().After(bi.ModTime())
}
