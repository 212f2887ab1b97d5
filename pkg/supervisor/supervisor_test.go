package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionlab/panorama/pkg/config"
)

func newTestSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	settings := &config.Settings{
		Ports: map[config.Engine]config.EnginePorts{
			config.EngineInsight: {HTTP: 18601},
			config.EngineMedia:   {HTTP: 18602},
			config.EngineQuery:   {HTTP: 18603},
		},
	}
	s := New(settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.grace = 200 * time.Millisecond
	s.NewCommand = func(config.Engine) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
	return s
}

func TestStartEngineLifecycle(t *testing.T) {
	s := newTestSupervisor(t, "echo hello from child; sleep 30")

	require.NoError(t, s.StartEngine(config.EngineQuery))
	assert.Equal(t, StateStarting, s.State(config.EngineQuery))

	// Starting again while alive is rejected.
	err := s.StartEngine(config.EngineQuery)
	assert.Error(t, err)

	// Stdout lines arrive on the live stream.
	select {
	case line := <-s.Stream():
		assert.Equal(t, config.EngineQuery, line.Engine)
		assert.Equal(t, "hello from child", line.Text)
		assert.False(t, line.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no stream line received")
	}

	require.NoError(t, s.StopEngine(config.EngineQuery))
	assert.Equal(t, StateStopped, s.State(config.EngineQuery))

	// A stopped engine can be started again.
	require.NoError(t, s.StartEngine(config.EngineQuery))
	s.StopAll()
}

func TestStopEngineForceKillsStubborn(t *testing.T) {
	// The child ignores SIGTERM.
	s := newTestSupervisor(t, "trap '' TERM; sleep 30")

	require.NoError(t, s.StartEngine(config.EngineMedia))
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.StopEngine(config.EngineMedia))
	assert.Equal(t, StateStopped, s.State(config.EngineMedia))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStopEngineNotRunningIsNoop(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")
	assert.NoError(t, s.StopEngine(config.EngineInsight))
}

func TestWaitHealthyTransitionsToRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	s := newTestSupervisor(t, "sleep 30")
	s.settings.Ports[config.EngineQuery] = config.EnginePorts{HTTP: port}

	require.NoError(t, s.StartEngine(config.EngineQuery))
	defer s.StopAll()

	require.NoError(t, s.WaitHealthy(context.Background(), config.EngineQuery, 5*time.Second))
	assert.Equal(t, StateRunning, s.State(config.EngineQuery))
}

func TestWaitHealthyTimesOut(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")
	// Nothing listens on the configured port.
	s.settings.Ports[config.EngineQuery] = config.EnginePorts{HTTP: 1}

	require.NoError(t, s.StartEngine(config.EngineQuery))
	defer s.StopAll()

	err := s.WaitHealthy(context.Background(), config.EngineQuery, 600*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, StateStarting, s.State(config.EngineQuery))
}

func TestStatusSummaries(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")
	require.NoError(t, s.StartEngine(config.EngineInsight))
	defer s.StopAll()

	status := s.Status()
	insight := status["insight"].(map[string]any)
	assert.Equal(t, string(StateStarting), insight["state"])
	assert.NotNil(t, insight["pid"])

	query := status["query"].(map[string]any)
	assert.Equal(t, string(StateStopped), query["state"])
}
