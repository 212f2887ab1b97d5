package forum

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/opinionlab/panorama/pkg/config"
	"github.com/opinionlab/panorama/pkg/llm"
)

// Pipeline owns the forum collaborators: the transcript log, the engine-log
// tailer and the moderator. The composition root creates exactly one.
type Pipeline struct {
	Log       *Log
	Tailer    *Tailer
	Moderator *Moderator

	log *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
}

// NewPipeline wires the forum pipeline over the configured paths.
func NewPipeline(settings *config.Settings, completer llm.Completer, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		Log: NewLog(settings.ForumLogPath()),
		log: log,
	}
	p.Moderator = NewModerator(completer, p.Log, log)
	p.Tailer = NewTailer(settings, p.Log, p.publish, log)
	return p
}

// publish appends one captured engine utterance to the transcript and hands
// the written line to the moderator.
func (p *Pipeline) publish(engine config.Engine, content string) {
	line, err := p.Log.Append(strings.ToUpper(string(engine)), content)
	if err != nil {
		p.log.Error("Could not publish utterance to forum log", "engine", engine, "error", err)
		return
	}

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	p.Moderator.Offer(ctx, line)
}

// Start launches the tailer loop. Starting an already-running pipeline is a
// no-op.
func (p *Pipeline) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	p.ctx = ctx
	p.cancel = cancel
	p.running = true
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.Tailer.Run(ctx)
	}()
	p.log.Info("Forum pipeline started")
}

// Stop cancels the tailer and waits for it to close any open session.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Info("Forum pipeline stopped")
}

// Running reports whether the tailer loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status summarizes the pipeline for the orchestrator API.
func (p *Pipeline) Status() map[string]any {
	return map[string]any{
		"running":   p.Running(),
		"searching": p.Tailer.Searching(),
		"buffered":  p.Moderator.Buffered(),
	}
}
