package observability

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// DiagnosticsSample is a point-in-time snapshot of process resource usage.
type DiagnosticsSample struct {
	RSSBytes      uint64    `json:"rss_bytes"`
	CPUPercent    float64   `json:"cpu_percent"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
	SampleErr     string    `json:"sample_error,omitempty"`
}

// Diagnostics periodically samples process resource usage for /health.
// When reading process memory fails, the error text is stored in that
// sample's SampleErr field and the sample still replaces the previous one;
// sampling failures are not logged. Sampling runs on its own goroutine, so
// it never blocks serving.
type Diagnostics struct {
	logger *Logger
	proc   *process.Process

	mu   sync.RWMutex
	last DiagnosticsSample

	stop chan struct{}
}

// NewDiagnostics starts a background sampler on the given interval.
func NewDiagnostics(logger *Logger, interval time.Duration) *Diagnostics {
	proc, err := process.NewProcess(int32(os.Getpid()))
	d := &Diagnostics{logger: logger, proc: proc, stop: make(chan struct{})}
	if err != nil {
		logger.Warn("diagnostics: failed to acquire process handle", "error", err)
	}
	go d.run(interval)
	return d
}

func (d *Diagnostics) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.sampleOnce()
	for {
		select {
		case <-ticker.C:
			d.sampleOnce()
		case <-d.stop:
			return
		}
	}
}

func (d *Diagnostics) sampleOnce() {
	sample := DiagnosticsSample{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now().UTC(),
	}

	if d.proc != nil {
		if mem, err := d.proc.MemoryInfo(); err == nil && mem != nil {
			sample.RSSBytes = mem.RSS
		} else if err != nil {
			sample.SampleErr = err.Error()
		}
		if pct, err := d.proc.CPUPercent(); err == nil {
			sample.CPUPercent = pct
		}
	} else if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	d.mu.Lock()
	d.last = sample
	d.mu.Unlock()
}

// Last returns the most recent diagnostics sample.
func (d *Diagnostics) Last() DiagnosticsSample {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Stop halts the background sampler.
func (d *Diagnostics) Stop() { close(d.stop) }

// Shutdown cancels sampling; accepts a context for symmetry with other
// long-lived components' shutdown signatures.
func (d *Diagnostics) Shutdown(_ context.Context) error {
	d.Stop()
	return nil
}
