// Package metrics exposes Prometheus instrumentation for the forum pipeline
// and the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CapturedUtterances counts summary outputs captured from engine logs.
	CapturedUtterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorama_forum_captured_utterances_total",
		Help: "Summary outputs captured from engine logs, by engine.",
	}, []string{"engine"})

	// ModeratorSyntheses counts completed moderator host replies.
	ModeratorSyntheses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorama_forum_moderator_syntheses_total",
		Help: "Moderator syntheses appended to the forum log.",
	})

	// ForumSessions counts forum sessions opened by the tailer.
	ForumSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorama_forum_sessions_total",
		Help: "Forum sessions started.",
	})

	// EngineStarts counts engine worker launches, by engine.
	EngineStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorama_engine_starts_total",
		Help: "Engine worker process launches, by engine.",
	}, []string{"engine"})

	// ReportsGenerated counts completed final reports.
	ReportsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panorama_reports_generated_total",
		Help: "Final reports generated by the compositor.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
