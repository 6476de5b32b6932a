package batch

import (
	"sync"
	"time"
)

// percentMultiplier is used to convert a ratio to percentage (0-100).
const percentMultiplier = 100

// Progress tracks the counters of one pool run.
//
// The pool controller is the only writer; the mutex lets other goroutines
// (for example a renderer) take snapshots safely.
type Progress struct {
	// Total is the number of items in the run.
	Total int

	// Completed counts terminated tasks, successful or not.
	Completed int

	// Failed counts terminated tasks that returned an error.
	Failed int

	// InFlight is the number of tasks currently running.
	InFlight int

	// PeakInFlight is the highest InFlight value observed.
	PeakInFlight int

	startTime time.Time
	mu        sync.RWMutex
}

// NewProgress creates a new progress tracker.
func NewProgress(total int) *Progress {
	return &Progress{
		Total:     total,
		startTime: time.Now(),
	}
}

// Launch records a task start.
func (p *Progress) Launch() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.InFlight++
	if p.InFlight > p.PeakInFlight {
		p.PeakInFlight = p.InFlight
	}
}

// Complete records a task termination.
func (p *Progress) Complete(succeeded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.InFlight > 0 {
		p.InFlight--
	}
	p.Completed++
	if !succeeded {
		p.Failed++
	}
}

// Snapshot returns a copy of the current progress state, with the rate and
// remaining-time estimate derived from the elapsed time.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	elapsed := time.Since(p.startTime)
	snap := ProgressSnapshot{
		Total:        p.Total,
		Completed:    p.Completed,
		Failed:       p.Failed,
		InFlight:     p.InFlight,
		PeakInFlight: p.PeakInFlight,
		ElapsedTime:  elapsed,
	}
	if p.Total > 0 {
		snap.PercentComplete = float64(p.Completed) / float64(p.Total) * percentMultiplier
	}
	if p.Completed > 0 {
		if secs := elapsed.Seconds(); secs > 0 {
			snap.ItemsPerSecond = float64(p.Completed) / secs
		}
		avg := elapsed / time.Duration(p.Completed)
		snap.EstimatedLeft = avg * time.Duration(max(p.Total-p.Completed, 0))
	}
	return snap
}

// ProgressSnapshot is an immutable snapshot of progress state.
type ProgressSnapshot struct {
	Total           int
	Completed       int
	Failed          int
	InFlight        int
	PeakInFlight    int
	PercentComplete float64
	ElapsedTime     time.Duration

	// ItemsPerSecond is the completion rate; 0 before the first completion.
	ItemsPerSecond float64

	// EstimatedLeft extrapolates the average time per completion over the
	// remaining items; 0 before the first completion and once done.
	EstimatedLeft time.Duration
}

// Succeeded returns the number of successful completions.
func (s ProgressSnapshot) Succeeded() int {
	return s.Completed - s.Failed
}

// Fraction returns completion as a ratio in [0, 1].
func (s ProgressSnapshot) Fraction() float64 {
	return s.PercentComplete / percentMultiplier
}
