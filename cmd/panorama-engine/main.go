// Panorama engine worker — hosts a single research engine behind a loopback
// HTTP API. The orchestrator spawns one of these per engine and watches its
// health endpoint.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/engine"
	"github.com/opinionlab/panorama/pkg/forum"
	"github.com/opinionlab/panorama/pkg/llm"
	"github.com/opinionlab/panorama/pkg/sentiment"
	"github.com/opinionlab/panorama/pkg/worker"
)

func main() {
	engineName := flag.String("engine", "", "engine to run: insight, media or query")
	port := flag.Int("port", 0, "HTTP port override")
	flag.Parse()

	e := config.Engine(*engineName)
	switch e {
	case config.EngineInsight, config.EngineMedia, config.EngineQuery:
	default:
		slog.Error("Unknown engine", "engine", *engineName)
		os.Exit(1)
	}

	// 1. Configuration
	config.LoadDotenv()
	settings := config.Load()
	if *port != 0 {
		settings.Ports[e] = config.EnginePorts{HTTP: *port}
	}

	// 2. Engine log in the wire format the forum tailer consumes
	log, logFile, err := worker.SetupLogging(settings, e)
	if err != nil {
		slog.Error("Failed to set up engine logging", "engine", e, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			slog.Error("Error closing engine log", "error", err)
		}
	}()

	// 3. Research collaborators
	gateway := llm.NewGateway(settings)
	searcher := engine.NewTavilySearcher(settings)
	if classifier := sentiment.NewClassifier(settings, log); classifier.Enabled() {
		searcher.Classify = classifier.Classify
	}

	agent := engine.NewAgent(e, settings, gateway, searcher, log)
	if e == config.EngineInsight {
		// Insight topic searches fan out across optimized keywords.
		agent.Keywords = engine.NewKeywordOptimizer(gateway, log)
	}

	// The forum host's latest speech steers reflection rounds. Read errors
	// mean no guidance, not a failed run.
	flog := forum.NewLog(settings.ForumLogPath())
	agent.HostSpeech = func() string {
		speech, err := flog.LatestHostSpeech()
		if err != nil {
			return ""
		}
		return speech
	}

	// 4. Serve until the supervisor terminates us
	server := worker.NewServer(e, settings, agent, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil && err != http.ErrServerClosed {
		slog.Error("Engine worker exited with error", "engine", e, "error", err)
		os.Exit(1)
	}
}
