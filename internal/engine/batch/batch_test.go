package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func TestPool_Run(t *testing.T) {
	t.Run("AllSucceed", func(t *testing.T) {
		p, err := NewPool[int](2)
		require.NoError(t, err)

		var current, peak, calls int32
		task := func(_ context.Context, _ int) error {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			atomic.AddInt32(&calls, 1)
			return nil
		}

		result, err := p.Run(context.Background(), seq(25), task)
		require.NoError(t, err)
		assert.Equal(t, int32(25), calls, "every item attempted exactly once")
		assert.LessOrEqual(t, peak, int32(2))
		assert.LessOrEqual(t, result.PeakInFlight, 2)
		assert.Equal(t, 25, result.Total)
		assert.Equal(t, 25, result.Completed)
		assert.Equal(t, 25, result.Succeeded)
		assert.Equal(t, 25, result.Launched)
		assert.Zero(t, result.Failed)
		assert.False(t, result.Canceled)
		assert.Empty(t, result.Failures)
	})

	t.Run("FailuresDoNotCancelSiblings", func(t *testing.T) {
		p, _ := NewPool[int](3)
		var calls int32
		task := func(_ context.Context, item int) error {
			atomic.AddInt32(&calls, 1)
			if item == 2 {
				return errors.New("decode failed")
			}
			return nil
		}

		result, err := p.Run(context.Background(), seq(5), task)
		require.NoError(t, err)
		assert.Equal(t, int32(5), calls)
		assert.Equal(t, 5, result.Completed)
		assert.Equal(t, 4, result.Succeeded)
		assert.Equal(t, 1, result.Failed)
		require.Len(t, result.Failures, 1)
		assert.Equal(t, 2, result.Failures[0].Item)
		assert.EqualError(t, result.Failures[0].Err, "decode failed")
	})

	t.Run("ProgressIncrementsByOne", func(t *testing.T) {
		var seen []ProgressSnapshot
		p, _ := NewPool[int](4)
		p.WithProgressCallback(func(s ProgressSnapshot) { seen = append(seen, s) })

		result, err := p.Run(context.Background(), seq(12), func(context.Context, int) error { return nil })
		require.NoError(t, err)
		require.Len(t, seen, 12)
		for i, s := range seen {
			assert.Equal(t, i+1, s.Completed)
			assert.Equal(t, 12, s.Total)
			assert.LessOrEqual(t, s.InFlight, 4)
			assert.LessOrEqual(t, s.Failed, s.Completed)
		}
		assert.Equal(t, 100.0, seen[len(seen)-1].PercentComplete)
		assert.Equal(t, result.Total, result.Completed)
	})

	t.Run("RecordedInFlightNeverExceedsLimit", func(t *testing.T) {
		const limit = 3
		p, _ := NewPool[int](limit)

		var launches []int
		var progress []int
		p.WithLaunchCallback(func(int) {
			// The launch callback runs on the controller before the task
			// starts; the number already running must leave room for it.
			launches = append(launches, len(launches)-len(progress))
		})
		p.WithProgressCallback(func(s ProgressSnapshot) {
			progress = append(progress, s.Completed)
			assert.LessOrEqual(t, s.InFlight, limit-1, "a slot is free right after a completion")
			assert.LessOrEqual(t, s.PeakInFlight, limit)
		})

		// Fast and slow tasks interleave so completions and launches race.
		result, err := p.Run(context.Background(), seq(40), func(_ context.Context, item int) error {
			time.Sleep(time.Duration(item%4) * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
		for i, running := range launches {
			assert.Less(t, running, limit, "launch %d admitted with %d running", i, running)
		}
		assert.Equal(t, 40, result.Launched)
		assert.LessOrEqual(t, result.PeakInFlight, limit)
	})

	t.Run("LaunchOrderFollowsItems", func(t *testing.T) {
		var launched []int
		p, _ := NewPool[int](1)
		p.WithLaunchCallback(func(item int) { launched = append(launched, item) })

		_, err := p.Run(context.Background(), seq(6), func(context.Context, int) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, seq(6), launched)
	})

	t.Run("EmptyItems", func(t *testing.T) {
		p, _ := NewPool[int](2)
		result, err := p.Run(context.Background(), nil, func(context.Context, int) error { return nil })
		require.NoError(t, err)
		assert.Zero(t, result.Total)
		assert.Zero(t, result.Completed)
	})

	t.Run("NilTask", func(t *testing.T) {
		p, _ := NewPool[int](2)
		_, err := p.Run(context.Background(), seq(3), nil)
		assert.Equal(t, ErrNilTask, err)
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		_, err := NewPool[int](0)
		assert.ErrorIs(t, err, ErrInvalidLimit)
		_, err = NewPool[int](-3)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	})
}

func TestPool_Cancel(t *testing.T) {
	t.Run("StopsLaunchingAndCollectsInFlight", func(t *testing.T) {
		p, _ := NewPool[int](2)
		p.WithCancelGrace(5 * time.Second)

		started := make(chan int, 10)
		var calls int32
		task := func(ctx context.Context, item int) error {
			atomic.AddInt32(&calls, 1)
			started <- item
			<-ctx.Done()
			return ctx.Err()
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan *Result[int], 1)
		go func() {
			result, _ := p.Run(ctx, seq(10), task)
			done <- result
		}()

		<-started
		<-started
		cancel()

		var result *Result[int]
		select {
		case result = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not return after cancellation")
		}

		assert.True(t, result.Canceled)
		assert.Equal(t, 2, result.Launched, "no new tasks after cancellation")
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.Equal(t, 2, result.Completed)
		assert.Equal(t, 2, result.Failed)
		assert.Zero(t, result.Abandoned)
	})

	t.Run("GracePeriodBoundsWait", func(t *testing.T) {
		p, _ := NewPool[int](2)
		p.WithCancelGrace(50 * time.Millisecond)

		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		started := make(chan struct{}, 2)
		task := func(_ context.Context, _ int) error {
			started <- struct{}{}
			<-release
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan *Result[int], 1)
		go func() {
			result, _ := p.Run(ctx, seq(4), task)
			done <- result
		}()

		<-started
		<-started
		cancel()

		select {
		case result := <-done:
			assert.True(t, result.Canceled)
			assert.Equal(t, 2, result.Abandoned)
			assert.Zero(t, result.Completed)
		case <-time.After(5 * time.Second):
			t.Fatal("pool blocked past the grace period")
		}
	})

	t.Run("AlreadyCancelled", func(t *testing.T) {
		p, _ := NewPool[int](2)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var calls int32
		result, err := p.Run(ctx, seq(3), func(context.Context, int) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, result.Canceled)
		assert.Zero(t, result.Launched)
		assert.Zero(t, calls)
	})
}

func TestResolveLimit(t *testing.T) {
	assert.Equal(t, 3, ResolveLimit(3))
	assert.Equal(t, DefaultLimit(), ResolveLimit(0))
	assert.Equal(t, DefaultLimit(), ResolveLimit(-1))
	assert.GreaterOrEqual(t, DefaultLimit(), 1)
}

func TestProgress(t *testing.T) {
	p := NewProgress(4)

	snap := p.Snapshot()
	assert.Equal(t, 0.0, snap.PercentComplete)
	assert.Zero(t, snap.ItemsPerSecond)
	assert.Zero(t, snap.EstimatedLeft)

	p.Launch()
	p.Launch()
	assert.Equal(t, 2, p.Snapshot().InFlight)

	time.Sleep(2 * time.Millisecond)
	p.Complete(true)
	p.Complete(false)
	snap = p.Snapshot()
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Succeeded())
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, 2, snap.PeakInFlight)
	assert.Equal(t, 50.0, snap.PercentComplete)
	assert.Equal(t, 0.5, snap.Fraction())
	assert.Greater(t, snap.ItemsPerSecond, 0.0)
	assert.Greater(t, snap.EstimatedLeft, time.Duration(0))

	p.Launch()
	p.Complete(true)
	p.Launch()
	p.Complete(true)
	snap = p.Snapshot()
	assert.Equal(t, 100.0, snap.PercentComplete)
	assert.Zero(t, snap.EstimatedLeft, "nothing left once every item completed")
	assert.Greater(t, snap.ElapsedTime, time.Duration(0))
}

func TestProgress_ZeroTotal(t *testing.T) {
	snap := NewProgress(0).Snapshot()
	assert.Equal(t, 0.0, snap.PercentComplete)
	assert.Zero(t, snap.Completed)
}
