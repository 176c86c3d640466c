// Package retrain implements the durable file-based retrain request queue
// and the background retrain worker from spec §4.G/§4.I: the emitter
// writes cooldown-gated, backlog-bounded request files; the worker
// consumes them, trains and evaluates a candidate, and promotes or rejects
// it against the currently active bundle.
package retrain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pcraw4d/fraud-serving/internal/observability"
)

// Request is the durable payload written to the retrain-requests
// directory, one file per emitted request.
type Request struct {
	RequestID   string    `json:"request_id"`
	Reason      string    `json:"reason"`
	WindowStart time.Time `json:"window_start"`
	EmittedAt   time.Time `json:"emitted_at"`
	DriftScore  float64   `json:"drift_score"`
}

const lastEmitMarker = ".last_emit"

// Emitter writes retrain request files to a directory, gated by a
// cooldown (tracked via a marker file's mtime) and a backlog bound
// (tracked by counting pending files). A local mutex tightens the race
// between the cooldown check and the write — two goroutines racing the
// same Emitter never both pass the gate, though two separate processes
// sharing the directory still rely on the mtime check alone.
type Emitter struct {
	mu sync.Mutex

	dir             string
	cooldown        time.Duration
	maxPending      int
	logger          *observability.Logger
	metrics         *observability.Metrics
	nowFunc         func() time.Time
}

// NewEmitter constructs an Emitter against the given requests directory.
func NewEmitter(dir string, cooldown time.Duration, maxPending int, logger *observability.Logger, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		dir:        dir,
		cooldown:   cooldown,
		maxPending: maxPending,
		logger:     logger.WithComponent("retrain_emitter"),
		metrics:    metrics,
		nowFunc:    time.Now,
	}
}

// Emit attempts to write one retrain request file. Returns (emitted,
// error): emitted is false (with nil error) when cooldown or backlog
// bound refused the request — that is the expected, common case, not a
// failure.
func (e *Emitter) Emit(reason string, driftScore float64, windowStart time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return false, fmt.Errorf("retrain: create requests dir: %w", err)
	}

	markerPath := filepath.Join(e.dir, lastEmitMarker)
	if info, err := os.Stat(markerPath); err == nil {
		if e.nowFunc().Sub(info.ModTime()) < e.cooldown {
			e.metrics.RecordRetrainThrottled()
			return false, nil
		}
	}

	pending, err := e.countPending()
	if err != nil {
		return false, fmt.Errorf("retrain: count pending: %w", err)
	}
	if pending >= e.maxPending {
		e.metrics.RecordRetrainThrottled()
		e.logger.Warn("retrain: backlog bound reached, refusing emit", "pending", pending, "max", e.maxPending)
		return false, nil
	}

	now := e.nowFunc()
	req := Request{
		RequestID:   requestID(reason, now),
		Reason:      reason,
		WindowStart: windowStart,
		EmittedAt:   now,
		DriftScore:  driftScore,
	}

	buf, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return false, fmt.Errorf("retrain: marshal request: %w", err)
	}

	filename := fmt.Sprintf("retrain_request_%s.json", now.Format("20060102_150405"))
	path := filepath.Join(e.dir, filename)
	if err := writeAtomic(path, buf); err != nil {
		return false, fmt.Errorf("retrain: write request: %w", err)
	}

	if err := touch(markerPath, now); err != nil {
		e.logger.Warn("retrain: failed to update cooldown marker", "error", err.Error())
	}

	e.metrics.RecordRetrainEmitted()
	e.logger.Info("retrain: request emitted", "request_id", req.RequestID, "reason", reason)
	return true, nil
}

func (e *Emitter) countPending() (int, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !isRetrainRequestFilename(entry.Name()) {
			continue
		}
		count++
	}
	return count, nil
}

// isRetrainRequestFilename reports whether name matches
// retrain_request_*.json, the only files this emitter's backlog bound
// counts (routing subdirs and the cooldown marker are excluded).
func isRetrainRequestFilename(name string) bool {
	return strings.HasPrefix(name, "retrain_request_") && strings.HasSuffix(name, ".json")
}

func requestID(reason string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", reason, at.UnixNano())))
	return fmt.Sprintf("%d_%x", at.Unix(), sum[:4])
}

func touch(path string, at time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	f.Close()
	return os.Chtimes(path, at, at)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".retrain-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
