package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sluice-rtc/sluice/pkg/scheduler"
	"github.com/stretchr/testify/assert"
)

func TestJobsTick(t *testing.T) {
	var ticks atomic.Int32

	s := scheduler.New(scheduler.Job{
		Name:     "count",
		Interval: 5 * time.Millisecond,
		Run:      func() { ticks.Add(1) },
	})

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 },
		time.Second, 5*time.Millisecond)
}

func TestSlowTickNeverOverlaps(t *testing.T) {
	var running atomic.Int32
	var overlapped atomic.Bool

	s := scheduler.New(scheduler.Job{
		Name:     "slow",
		Interval: time.Millisecond,
		Run: func() {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		},
	})

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.False(t, overlapped.Load())
}

func TestStopWaitsForInflightTick(t *testing.T) {
	done := make(chan struct{})
	s := scheduler.New(scheduler.Job{
		Name:     "one",
		Interval: time.Millisecond,
		Run: func() {
			time.Sleep(20 * time.Millisecond)
			select {
			case <-done:
			default:
				close(done)
			}
		},
	})

	s.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the in-flight tick finished")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	var ticks atomic.Int32
	s := scheduler.New(scheduler.Job{
		Name:     "count",
		Interval: 10 * time.Millisecond,
		Run:      func() { ticks.Add(1) },
	})

	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(25 * time.Millisecond)
	// Two Start calls must not double the tick rate.
	assert.LessOrEqual(t, ticks.Load(), int32(3))
}
