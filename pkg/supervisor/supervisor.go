// Package supervisor launches and stops the engine worker processes, pumps
// their stdout to a live stream, and tracks health.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/metrics"
)

// ProcessState is the lifecycle of one child.
type ProcessState string

const (
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateStopped  ProcessState = "stopped"
)

// stopGrace is the polite-terminate window before a force kill.
const stopGrace = 5 * time.Second

// StreamLine is one stamped stdout line from a child, published for live UI.
type StreamLine struct {
	Engine config.Engine
	Time   time.Time
	Text   string
}

type child struct {
	cmd     *exec.Cmd
	state   ProcessState
	started time.Time
	done    chan struct{} // closed when the process exits
}

// Supervisor owns the three engine worker processes.
type Supervisor struct {
	settings *config.Settings
	log      *slog.Logger

	// NewCommand builds the child command for an engine. Replaceable for
	// tests.
	NewCommand func(e config.Engine) *exec.Cmd

	grace      time.Duration
	httpClient *http.Client

	mu       sync.Mutex
	children map[config.Engine]*child
	stream   chan StreamLine
}

// New creates a supervisor. Children run the panorama-engine binary located
// next to the current executable (override with PANORAMA_ENGINE_BIN).
func New(settings *config.Settings, log *slog.Logger) *Supervisor {
	s := &Supervisor{
		settings:   settings,
		log:        log,
		grace:      stopGrace,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		children:   make(map[config.Engine]*child),
		stream:     make(chan StreamLine, 1024),
	}
	s.NewCommand = func(e config.Engine) *exec.Cmd {
		cmd := exec.Command(s.engineBinary(),
			"--engine", string(e),
			"--port", strconv.Itoa(settings.Ports[e].HTTP))
		// Children inherit a normalized environment so log output is UTF-8
		// regardless of the host locale.
		cmd.Env = append(os.Environ(), "LANG=C.UTF-8", "LC_ALL=C.UTF-8")
		return cmd
	}
	return s
}

func (s *Supervisor) engineBinary() string {
	if bin := os.Getenv("PANORAMA_ENGINE_BIN"); bin != "" {
		return bin
	}
	self, err := os.Executable()
	if err != nil {
		return "panorama-engine"
	}
	return filepath.Join(filepath.Dir(self), "panorama-engine")
}

// Stream returns the live stdout channel. Lines are dropped when no consumer
// keeps up.
func (s *Supervisor) Stream() <-chan StreamLine { return s.stream }

// EngineURL returns the base URL of an engine worker.
func (s *Supervisor) EngineURL(e config.Engine) string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.settings.Ports[e].HTTP)
}

// StartEngine launches one worker. Starting an engine that is already
// starting or running is an error.
func (s *Supervisor) StartEngine(e config.Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.children[e]; ok && c.state != StateStopped {
		return fmt.Errorf("engine %s is already %s", e, c.state)
	}

	cmd := s.NewCommand(e)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe %s stdout: %w", e, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine %s: %w", e, err)
	}

	c := &child{cmd: cmd, state: StateStarting, started: time.Now(), done: make(chan struct{})}
	s.children[e] = c

	go s.pump(e, stdout)
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		c.state = StateStopped
		s.mu.Unlock()
		close(c.done)
		s.log.Info("Engine process exited", "engine", e)
	}()

	metrics.EngineStarts.WithLabelValues(string(e)).Inc()
	s.log.Info("Engine process started", "engine", e, "pid", cmd.Process.Pid)
	return nil
}

// pump stamps each stdout line and publishes it to the live stream.
func (s *Supervisor) pump(e config.Engine, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := StreamLine{Engine: e, Time: time.Now(), Text: scanner.Text()}
		select {
		case s.stream <- line:
		default:
			// Slow consumer; drop rather than stall the child.
		}
	}
}

// WaitHealthy polls the worker's health endpoint until it answers 200 or the
// deadline passes. On success the child transitions to running.
func (s *Supervisor) WaitHealthy(ctx context.Context, e config.Engine, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.EngineURL(e) + "/healthz"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine %s did not become healthy within %s", e, timeout)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				s.mu.Lock()
				if c, ok := s.children[e]; ok && c.state == StateStarting {
					c.state = StateRunning
				}
				s.mu.Unlock()
				s.log.Info("Engine healthy", "engine", e)
				return nil
			}
		}

		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopEngine terminates one worker: SIGTERM, a grace window, then SIGKILL.
// Stopping an engine that is not running is a no-op.
func (s *Supervisor) StopEngine(e config.Engine) error {
	s.mu.Lock()
	c, ok := s.children[e]
	if !ok || c.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	proc := c.cmd.Process
	s.mu.Unlock()

	s.log.Info("Stopping engine", "engine", e)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn("Could not signal engine, killing", "engine", e, "error", err)
		_ = proc.Kill()
	}

	select {
	case <-c.done:
	case <-time.After(s.grace):
		s.log.Warn("Engine ignored terminate, killing", "engine", e)
		_ = proc.Kill()
		<-c.done
	}
	return nil
}

// StopAll stops every running worker.
func (s *Supervisor) StopAll() {
	for _, e := range config.Engines {
		if err := s.StopEngine(e); err != nil {
			s.log.Error("Failed to stop engine", "engine", e, "error", err)
		}
	}
}

// State returns the lifecycle state of one engine.
func (s *Supervisor) State(e config.Engine) ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.children[e]; ok {
		return c.state
	}
	return StateStopped
}

// Status summarizes all engines for the orchestrator API.
func (s *Supervisor) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]any, len(config.Engines))
	for _, e := range config.Engines {
		entry := map[string]any{"state": string(StateStopped)}
		if c, ok := s.children[e]; ok {
			entry["state"] = string(c.state)
			if c.state != StateStopped {
				entry["pid"] = c.cmd.Process.Pid
				entry["started_at"] = c.started
			}
		}
		status[string(e)] = entry
	}
	return status
}
