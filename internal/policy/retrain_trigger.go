package policy

import (
	"fmt"
	"sync"
)

// RetrainTrigger latches a retrain request after a configurable number of
// consecutive hard-drift windows are observed, firing exactly once per
// qualifying streak (spec §4.F). A soft or clean window resets the streak.
type RetrainTrigger struct {
	mu sync.Mutex

	requiredHardWindows int
	consecutiveHard     int
	fired               bool
}

// NewRetrainTrigger constructs a trigger requiring the given number of
// consecutive hard-drift windows before firing.
func NewRetrainTrigger(requiredHardWindows int) *RetrainTrigger {
	if requiredHardWindows < 1 {
		requiredHardWindows = 1
	}
	return &RetrainTrigger{requiredHardWindows: requiredHardWindows}
}

// Observe records one window's hard-drift flag and returns (reasonCode,
// fired). fired is true exactly once per consecutive-hard streak, the
// moment the streak reaches requiredHardWindows; it stays false on every
// subsequent hard window until the streak breaks and requalifies.
func (t *RetrainTrigger) Observe(hardFlag bool) (reason string, fired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !hardFlag {
		t.consecutiveHard = 0
		t.fired = false
		return "", false
	}

	t.consecutiveHard++
	if t.consecutiveHard >= t.requiredHardWindows && !t.fired {
		t.fired = true
		return fmt.Sprintf("HARD_DRIFT_%d_WINDOWS", t.requiredHardWindows), true
	}
	return "", false
}

// ConsecutiveHard returns the current consecutive-hard-window count, for
// diagnostics/dashboard reporting.
func (t *RetrainTrigger) ConsecutiveHard() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveHard
}
