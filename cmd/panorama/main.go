// Panorama orchestrator — serves the platform HTTP API, supervises the three
// engine worker processes, runs the cross-engine forum pipeline, and drives
// final report generation.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opinionlab/panorama/pkg/api"
	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/forum"
	"github.com/opinionlab/panorama/pkg/llm"
	"github.com/opinionlab/panorama/pkg/report"
	"github.com/opinionlab/panorama/pkg/supervisor"
)

func main() {
	// 1. Configuration
	config.LoadDotenv()
	settings := config.Load()
	store := config.NewStore(".env")

	log := slog.Default()
	log.Info("Starting Panorama orchestrator", "host", settings.Host, "port", settings.Port)

	// 2. Shared collaborators, owned here and injected everywhere
	gateway := llm.NewGateway(settings)
	sup := supervisor.New(settings, log)
	pipeline := forum.NewPipeline(settings, gateway, log)
	gate := report.NewGate(settings, log)
	compositor := report.NewCompositor(settings, gateway, gate, pipeline.Log, log)

	server := api.New(settings, store, sup, pipeline, gate, compositor, log)

	// 3. Serve until a shutdown signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := server.Run(ctx)

	// 4. Graceful shutdown: forum first so the transcript closes cleanly,
	// then the engine workers
	log.Info("Shutting down")
	pipeline.Stop()
	sup.StopAll()

	if err != nil && err != http.ErrServerClosed {
		log.Error("Orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
