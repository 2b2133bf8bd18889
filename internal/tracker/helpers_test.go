package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerline/packwatch/pkg/models"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// step is one scripted fetch result.
type step struct {
	status   models.JobStatus
	progress int
	err      error
}

// scriptedFetcher plays back a fixed sequence of fetch results; the last
// step repeats once the script is exhausted.
type scriptedFetcher struct {
	jobID string
	kind  models.JobKind

	mu    sync.Mutex
	steps []step
	calls int
}

func newScriptedFetcher(jobID string, kind models.JobKind, steps ...step) *scriptedFetcher {
	return &scriptedFetcher{jobID: jobID, kind: kind, steps: steps}
}

func (f *scriptedFetcher) fetch(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	if s.err != nil {
		return nil, s.err
	}
	return &models.Job{
		JobID:    jobID,
		Kind:     f.kind,
		Status:   s.status,
		Progress: s.progress,
	}, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingHooks captures hook invocations for assertions.
type recordingHooks struct {
	mu        sync.Mutex
	updates   []SessionView
	terminals []SessionView
	lost      []error
}

func (h *recordingHooks) hooks() Hooks {
	return Hooks{
		OnUpdate: func(v SessionView) {
			h.mu.Lock()
			h.updates = append(h.updates, v)
			h.mu.Unlock()
		},
		OnTerminal: func(v SessionView) {
			h.mu.Lock()
			h.terminals = append(h.terminals, v)
			h.mu.Unlock()
		},
		OnTrackingLost: func(_ string, err error) {
			h.mu.Lock()
			h.lost = append(h.lost, err)
			h.mu.Unlock()
		},
	}
}

func (h *recordingHooks) updateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates)
}

func (h *recordingHooks) terminalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminals)
}

func (h *recordingHooks) lostCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lost)
}

func (h *recordingHooks) lastUpdate() (SessionView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.updates) == 0 {
		return SessionView{}, false
	}
	return h.updates[len(h.updates)-1], true
}

// gaugeRecorder captures SetActiveSessions values for deterministic
// assertions about how many poll loops exist.
type gaugeRecorder struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (g *gaugeRecorder) RecordPoll(string)             {}
func (g *gaugeRecorder) RecordPollFailure(string)      {}
func (g *gaugeRecorder) RecordSessionOpened(string)    {}
func (g *gaugeRecorder) RecordTerminal(string, string) {}
func (g *gaugeRecorder) RecordTrackingLost(string)     {}

func (g *gaugeRecorder) SetActiveSessions(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = n
	if n > g.peak {
		g.peak = n
	}
}

func (g *gaugeRecorder) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *gaugeRecorder) peakValue() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		Interval:               10 * time.Millisecond,
		FetchTimeout:           time.Second,
		StaleAfterFailures:     2,
		MaxConsecutiveFailures: 5,
	}
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
