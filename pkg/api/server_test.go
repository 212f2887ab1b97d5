package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/forum"
	"github.com/opinionlab/panorama/pkg/report"
	"github.com/opinionlab/panorama/pkg/supervisor"
)

type nullCompleter struct{}

func (nullCompleter) Complete(context.Context, config.Role, string, string) (string, error) {
	return "<html/>", nil
}

// testHarness wires a full orchestrator against a stub engine worker server.
type testHarness struct {
	server  *Server
	router  http.Handler
	sup     *supervisor.Supervisor
	healthy chan struct{} // closed to let /healthz answer 200
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()

	healthy := make(chan struct{})
	engineStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			select {
			case <-healthy:
				w.WriteHeader(http.StatusOK)
			case <-time.After(5 * time.Second):
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		case "/api/search":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "research started"})
		case "/api/output":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "content": "# latest report"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(engineStub.Close)

	_, portStr, err := net.SplitHostPort(engineStub.Listener.Addr().String())
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	settings := &config.Settings{
		Host:   "127.0.0.1",
		Port:   0,
		LogDir: filepath.Join(root, "logs"),
		ReportDir: map[config.Engine]string{
			config.EngineInsight: filepath.Join(root, "insight_reports"),
			config.EngineMedia:   filepath.Join(root, "media_reports"),
			config.EngineQuery:   filepath.Join(root, "query_reports"),
		},
		OutputDir:   filepath.Join(root, "final_reports"),
		TemplateDir: filepath.Join(root, "templates"),
		Ports: map[config.Engine]config.EnginePorts{
			config.EngineInsight: {HTTP: port},
			config.EngineMedia:   {HTTP: port},
			config.EngineQuery:   {HTTP: port},
		},
	}
	for _, dir := range settings.ReportDir {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.MkdirAll(settings.LogDir, 0o755))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(settings, log)
	sup.NewCommand = func(config.Engine) *exec.Cmd {
		return exec.Command("sh", "-c", "sleep 30")
	}
	t.Cleanup(sup.StopAll)

	pipeline := forum.NewPipeline(settings, nullCompleter{}, log)
	gate := report.NewGate(settings, log)
	compositor := report.NewCompositor(settings, nullCompleter{}, gate, pipeline.Log, log)
	store := config.NewStore(filepath.Join(root, ".env"))

	server := New(settings, store, sup, pipeline, gate, compositor, log)
	return &testHarness{server: server, router: server.Router(), sup: sup, healthy: healthy}
}

func (h *testHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSystemStartSingleFlight(t *testing.T) {
	h := newHarness(t)

	statuses := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := h.do(http.MethodPost, "/api/system/start", "")
			var out map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
				statuses <- "unparseable: " + w.Body.String()
				return
			}
			status, _ := out["status"].(string)
			statuses <- status
		}()
		// Give the first call time to take the single-flight slot before the
		// stub turns healthy.
		time.Sleep(100 * time.Millisecond)
		if i == 0 {
			close(h.healthy)
		}
	}
	wg.Wait()
	close(statuses)

	got := map[string]bool{}
	for s := range statuses {
		got[s] = true
	}
	assert.True(t, got["started"], "one call must complete initialization, got %v", got)
	assert.False(t, got["init_failed"], "no call may fail, got %v", got)

	// A later call observes the started system.
	w := h.do(http.MethodPost, "/api/system/start", "")
	assert.Equal(t, "already_started", decode(t, w)["status"])

	w = h.do(http.MethodGet, "/api/system/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, true, out["started"])
	forumStatus := out["forum"].(map[string]any)
	assert.Equal(t, true, forumStatus["running"])
}

func TestSystemStartRollsBackOnSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.sup.NewCommand = func(config.Engine) *exec.Cmd {
		return exec.Command(filepath.Join(t.TempDir(), "no-such-binary"))
	}

	w := h.do(http.MethodPost, "/api/system/start", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	out := decode(t, w)
	assert.Equal(t, "init_failed", out["status"])

	for _, e := range config.Engines {
		assert.Equal(t, supervisor.StateStopped, h.sup.State(e))
	}

	// The failed attempt releases the single-flight slot.
	w = h.do(http.MethodGet, "/api/system/status", "")
	out = decode(t, w)
	assert.Equal(t, false, out["started"])
	assert.Equal(t, false, out["starting"])
}

func TestUnknownAppRejected(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/start/nonsense", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/api/stop/nonsense", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/api/output/nonsense", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/api/logs/nonsense", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsEndpointTailsChildStdout(t *testing.T) {
	h := newHarness(t)
	close(h.healthy)
	h.sup.NewCommand = func(config.Engine) *exec.Cmd {
		return exec.Command("sh", "-c", "echo engine says hi; sleep 30")
	}

	w := h.do(http.MethodGet, "/api/start/query", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := h.do(http.MethodGet, "/api/logs/query", "")
		return strings.Contains(w.Body.String(), "engine says hi")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStatusListsEnginesWithPorts(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	engines := out["engines"].(map[string]any)
	for _, e := range config.Engines {
		entry := engines[string(e)].(map[string]any)
		assert.Equal(t, "stopped", entry["status"])
		assert.NotZero(t, entry["port"])
	}
}

func TestSearchFanoutRequiresRunningEngines(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/search", `{"query": "topic"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSearchFanoutBroadcasts(t *testing.T) {
	h := newHarness(t)
	close(h.healthy)

	w := h.do(http.MethodPost, "/api/system/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/api/search", `{"query": "city flood"}`)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	results := out["results"].(map[string]any)
	require.Len(t, results, 3)
	for _, e := range config.Engines {
		reply := results[string(e)].(map[string]any)
		assert.Equal(t, true, reply["success"])
	}
}

func TestGenerateReportRequiresStartedSystem(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/report/generate", `{"query": "topic"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGenerateReportNotReadyAfterStart(t *testing.T) {
	h := newHarness(t)
	close(h.healthy)

	w := h.do(http.MethodPost, "/api/system/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The baseline was just recorded; no engine has produced a fresh report.
	w = h.do(http.MethodPost, "/api/report/generate", `{"query": "topic"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_ready", decode(t, w)["status"])
}

func TestReportProgressUnknownTask(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/report/progress/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/api/report/cancel/nope", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestForumEndpoints(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/forum/log", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, true, out["success"])

	w = h.do(http.MethodPost, "/api/forum/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	forumStatus := decode(t, w)["forum"].(map[string]any)
	assert.Equal(t, true, forumStatus["running"])

	w = h.do(http.MethodPost, "/api/forum/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	forumStatus = decode(t, w)["forum"].(map[string]any)
	assert.Equal(t, false, forumStatus["running"])
}

func TestConfigEndpoints(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/config", `{"TAVILY_API_KEY": "tv-123", "NOT_A_KNOWN_KEY": "x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, float64(1), out["applied"])

	w = h.do(http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode(t, w)["config"].(map[string]any)
	assert.Equal(t, "tv-123", cfg["TAVILY_API_KEY"])
	_, present := cfg["NOT_A_KNOWN_KEY"]
	assert.False(t, present)
}

func TestOutputProxyRequiresRunningEngine(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/output/query", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOutputProxyForwards(t *testing.T) {
	h := newHarness(t)
	close(h.healthy)

	w := h.do(http.MethodPost, "/api/system/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodGet, "/api/output/query", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# latest report")
}
