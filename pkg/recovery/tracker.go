package recovery

import (
	"sync"
	"time"
)

const (
	// DefaultPatternWindow is how far back repeated fingerprints count.
	DefaultPatternWindow = 30 * time.Minute

	// maxEventsPerAgent bounds the per-agent ring so a chatty agent cannot
	// grow the tracker without limit.
	maxEventsPerAgent = 256
)

type patternEvent struct {
	fingerprint string
	at          time.Time
}

// Tracker watches per-agent tool-call fingerprints over a sliding window.
// It is an in-process tap: the update pipeline records fingerprints as they
// arrive and the stuck sweep asks for repeats. Contents are advisory and
// lost on restart.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]patternEvent
	now    func() time.Time
}

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultPatternWindow
	}
	return &Tracker{
		window: window,
		events: make(map[string][]patternEvent),
		now:    time.Now,
	}
}

// Record notes one fingerprint occurrence for the agent. Empty fingerprints
// are ignored.
func (t *Tracker) Record(agentUUID, fingerprint string) {
	if agentUUID == "" || fingerprint == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	events := t.prune(t.events[agentUUID], now)
	events = append(events, patternEvent{fingerprint: fingerprint, at: now})
	if len(events) > maxEventsPerAgent {
		events = events[len(events)-maxEventsPerAgent:]
	}
	t.events[agentUUID] = events
}

// Repeats returns the most frequent fingerprint inside the window and how
// often it occurred.
func (t *Tracker) Repeats(agentUUID string) (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.prune(t.events[agentUUID], t.now())
	if len(events) == 0 {
		delete(t.events, agentUUID)
		return "", 0
	}
	t.events[agentUUID] = events

	counts := make(map[string]int, len(events))
	best, bestCount := "", 0
	for _, ev := range events {
		counts[ev.fingerprint]++
		if counts[ev.fingerprint] > bestCount {
			best, bestCount = ev.fingerprint, counts[ev.fingerprint]
		}
	}
	return best, bestCount
}

// Forget clears the agent's window, typically after a recovery action so
// the same loop is not re-detected immediately.
func (t *Tracker) Forget(agentUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.events, agentUUID)
}

func (t *Tracker) prune(events []patternEvent, now time.Time) []patternEvent {
	cutoff := now.Add(-t.window)
	kept := events[:0]
	for _, ev := range events {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}
