package forum

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionlab/panorama/pkg/config"
)

// countingCompleter returns canned guidance and counts invocations.
type countingCompleter struct {
	calls atomic.Int32
	fail  bool
	block chan struct{} // when non-nil, Complete waits on it
}

func (c *countingCompleter) Complete(_ context.Context, role config.Role, _, userPrompt string) (string, error) {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return "", fmt.Errorf("host endpoint down")
	}
	return fmt.Sprintf("guidance for role %s", role), nil
}

func newTestModerator(t *testing.T, completer *countingCompleter) (*Moderator, *Log) {
	t.Helper()
	flog := newTestLog(t)
	return NewModerator(completer, flog, slog.New(slog.NewTextHandler(io.Discard, nil))), flog
}

func offerN(m *Moderator, n int) {
	for i := 0; i < n; i++ {
		m.Offer(context.Background(), fmt.Sprintf("[10:00:%02d] [QUERY] utterance %d", i, i))
	}
}

func hostMessages(flog *Log) int {
	messages, err := flog.Messages()
	if err != nil {
		return -1
	}
	count := 0
	for _, m := range messages {
		if m.Source == SourceHost {
			count++
		}
	}
	return count
}

func TestModeratorThreshold(t *testing.T) {
	completer := &countingCompleter{}
	mod, flog := newTestModerator(t, completer)

	offerN(mod, 4)
	assert.Equal(t, int32(0), completer.calls.Load())
	assert.Equal(t, 4, mod.Buffered())

	mod.Offer(context.Background(), "[10:00:04] [MEDIA] fifth")
	require.Eventually(t, func() bool { return hostMessages(flog) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), completer.calls.Load())
	assert.Equal(t, 0, mod.Buffered())
}

func TestModeratorTwelveMessagesTwoSyntheses(t *testing.T) {
	completer := &countingCompleter{}
	mod, flog := newTestModerator(t, completer)

	for i := 0; i < 12; i++ {
		mod.Offer(context.Background(), fmt.Sprintf("[10:00:%02d] [INSIGHT] utterance %d", i, i))
		// Let any triggered synthesis settle so the schedule is deterministic.
		require.Eventually(t, func() bool {
			mod.mu.Lock()
			defer mod.mu.Unlock()
			return !mod.generating
		}, 2*time.Second, time.Millisecond)
	}

	assert.Equal(t, int32(2), completer.calls.Load())
	assert.Equal(t, 2, hostMessages(flog))
	assert.Equal(t, 2, mod.Buffered())
}

func TestModeratorNonReentrant(t *testing.T) {
	completer := &countingCompleter{block: make(chan struct{})}
	mod, flog := newTestModerator(t, completer)

	offerN(mod, 5)
	require.Eventually(t, func() bool { return completer.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	// A full second batch while the first synthesis is in flight must not
	// trigger a concurrent call.
	offerN(mod, 5)
	assert.Equal(t, int32(1), completer.calls.Load())
	assert.Equal(t, 5, mod.Buffered())

	close(completer.block)
	require.Eventually(t, func() bool { return hostMessages(flog) == 1 }, 2*time.Second, time.Millisecond)
}

func TestModeratorFailureDoesNotBlockForum(t *testing.T) {
	completer := &countingCompleter{fail: true}
	mod, flog := newTestModerator(t, completer)

	offerN(mod, 5)
	require.Eventually(t, func() bool { return completer.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	// No host reply, but new utterances still accumulate and trigger again.
	assert.Equal(t, 0, hostMessages(flog))
	offerN(mod, 5)
	require.Eventually(t, func() bool { return completer.calls.Load() == 2 }, 2*time.Second, time.Millisecond)
}

func TestModeratorPromptParsesUtterances(t *testing.T) {
	completer := &countingCompleter{}
	mod, _ := newTestModerator(t, completer)

	prompt := mod.buildPrompt([]string{
		`[10:00:00] [QUERY] the first\nfinding`,
		"unprefixed raw content",
	})
	assert.Contains(t, prompt, "[QUERY] the first\nfinding")
	assert.Contains(t, prompt, "[UNKNOWN] unprefixed raw content")
}
