package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sluice-rtc/sluice/pkg/worker"
	"github.com/stretchr/testify/assert"
)

func TestWorkerProcessesTasks(t *testing.T) {
	var processed atomic.Int32
	done := make(chan struct{}, 16)

	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 16,
		Timeout:     time.Second,
		OnTimeout:   func() {},
		OnTask: func(int) {
			processed.Add(1)
			done <- struct{}{}
		},
	})
	defer w.Stop()

	for i := 0; i < 5; i++ {
		assert.NoError(t, w.Send(i))
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(5), processed.Load())
}

func TestWorkerRejectsAfterStop(t *testing.T) {
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Second,
		OnTimeout:   func() {},
		OnTask:      func(int) {},
	})
	w.Stop()

	assert.ErrorIs(t, w.Send(1), worker.ErrWorkerClosed)
}

func TestWorkerBackpressure(t *testing.T) {
	block := make(chan struct{})
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(int) { <-block },
	})
	defer w.Stop()
	defer close(block)

	// Saturate the worker goroutine and the channel, then expect rejection.
	_ = w.Send(0)
	for {
		if err := w.Send(1); err != nil {
			assert.ErrorIs(t, err, worker.ErrWorkerTooBusy)
			return
		}
	}
}

func BenchmarkWorker(b *testing.B) {
	w := worker.StartWorker(worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     2 * time.Second,
		OnTimeout:   func() {},
		OnTask:      func(struct{}) {},
	})
	defer w.Stop()

	for n := 0; n < b.N; n++ {
		_ = w.Send(struct{}{})
	}
}
