package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCancelGrace bounds how long Run waits for in-flight tasks after the
// context is cancelled.
const DefaultCancelGrace = 5 * time.Second

// Common pool errors.
var (
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")
	ErrNilTask      = errors.New("batch task cannot be nil")
)

// TaskFunc processes a single item. A non-nil error marks the item failed.
type TaskFunc[T any] func(ctx context.Context, item T) error

// ProgressCallback is invoked by the controller after every completion.
// It is never called concurrently.
type ProgressCallback func(snapshot ProgressSnapshot)

// Failure records one failed item.
type Failure[T any] struct {
	Item T
	Err  error
}

// Result summarizes one Run.
type Result[T any] struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int

	// Launched is the number of tasks started. It is less than Total only
	// when the run was cancelled.
	Launched int

	// PeakInFlight is the largest number of simultaneously running tasks.
	PeakInFlight int

	// Canceled is true when the context was cancelled before every item
	// completed.
	Canceled bool

	// Abandoned counts in-flight tasks that had not reported back when the
	// cancellation grace period expired.
	Abandoned int

	Failures []Failure[T]
	Elapsed  time.Duration
}

// outcome is one task completion sent from a worker to the controller.
type outcome[T any] struct {
	item T
	err  error
}

// Pool runs tasks with at most limit in flight.
type Pool[T any] struct {
	limit       int
	cancelGrace time.Duration
	onProgress  ProgressCallback
	onLaunch    func(item T)
}

// NewPool creates a pool with the given concurrency limit.
func NewPool[T any](limit int) (*Pool[T], error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return &Pool[T]{
		limit:       limit,
		cancelGrace: DefaultCancelGrace,
	}, nil
}

// DefaultLimit returns the number of available processing units.
func DefaultLimit() int {
	return max(runtime.NumCPU(), 1)
}

// ResolveLimit returns requested when positive and DefaultLimit otherwise.
func ResolveLimit(requested int) int {
	if requested > 0 {
		return requested
	}
	return DefaultLimit()
}

// WithProgressCallback sets a callback invoked after every completion.
func (p *Pool[T]) WithProgressCallback(callback ProgressCallback) *Pool[T] {
	p.onProgress = callback
	return p
}

// WithLaunchCallback sets a callback invoked by the controller just before a
// task is started.
func (p *Pool[T]) WithLaunchCallback(callback func(item T)) *Pool[T] {
	p.onLaunch = callback
	return p
}

// WithCancelGrace sets how long Run waits for in-flight tasks after
// cancellation. Zero returns immediately.
func (p *Pool[T]) WithCancelGrace(grace time.Duration) *Pool[T] {
	p.cancelGrace = max(grace, 0)
	return p
}

// Run processes every item with task, at most Limit at a time. Each item is
// attempted exactly once unless the context is cancelled first. Task errors
// are collected in the Result; Run itself only fails on invalid arguments.
func (p *Pool[T]) Run(ctx context.Context, items []T, task TaskFunc[T]) (*Result[T], error) {
	if task == nil {
		return nil, ErrNilTask
	}

	progress := NewProgress(len(items))
	result := &Result[T]{Total: len(items)}

	// Admission gate: one unit per in-flight task. Units are released by the
	// controller when it records a completion, never by workers, so recorded
	// InFlight can not exceed the limit. The controller therefore must not
	// block in Acquire: it takes a free unit with TryAcquire or waits on
	// results, which is where units come back.
	gate := semaphore.NewWeighted(int64(p.limit))
	// Buffered to len(items) so a worker never blocks on send, even after the
	// controller has stopped listening.
	results := make(chan outcome[T], len(items))

	record := func(o outcome[T]) {
		gate.Release(1)
		progress.Complete(o.err == nil)
		if o.err != nil {
			result.Failures = append(result.Failures, Failure[T]{Item: o.item, Err: o.err})
		}
		if p.onProgress != nil {
			p.onProgress(progress.Snapshot())
		}
	}

	next := 0
	inFlight := 0
	for next < len(items) || inFlight > 0 {
		if ctx.Err() != nil {
			break
		}

		if next < len(items) && gate.TryAcquire(1) {
			item := items[next]
			next++
			inFlight++
			progress.Launch()
			if p.onLaunch != nil {
				p.onLaunch(item)
			}
			go func() {
				results <- outcome[T]{item: item, err: task(ctx, item)}
			}()
			continue
		}

		// Window full or queue exhausted: wait for the next completion.
		select {
		case o := <-results:
			inFlight--
			record(o)
		case <-ctx.Done():
		}
	}

	if ctx.Err() != nil && (next < len(items) || inFlight > 0) {
		result.Canceled = true
		inFlight = p.awaitCancelled(results, inFlight, record)
		result.Abandoned = inFlight
	}

	snap := progress.Snapshot()
	result.Completed = snap.Completed
	result.Failed = snap.Failed
	result.Succeeded = snap.Completed - snap.Failed
	result.Launched = next
	result.PeakInFlight = snap.PeakInFlight
	result.Elapsed = snap.ElapsedTime
	return result, nil
}

// awaitCancelled collects completions from tasks that were already running
// when the context was cancelled, for at most the grace period. It returns
// the number of tasks still unaccounted for.
func (p *Pool[T]) awaitCancelled(results <-chan outcome[T], inFlight int, record func(outcome[T])) int {
	if inFlight == 0 || p.cancelGrace == 0 {
		return inFlight
	}

	timer := time.NewTimer(p.cancelGrace)
	defer timer.Stop()

	for inFlight > 0 {
		select {
		case o := <-results:
			inFlight--
			record(o)
		case <-timer.C:
			return inFlight
		}
	}
	return 0
}
