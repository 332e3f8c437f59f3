package worker

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is overloaded")
)

// Config for a worker.
type Config[T any] struct {
	// The size of the bounded task channel.
	ChannelSize int
	// Idle period after which OnTimeout fires.
	Timeout time.Duration
	// Called once Timeout elapses without any task.
	OnTimeout func()
	// Called for every received task.
	OnTask func(T)
}

// Worker owns a bounded task channel drained by a single goroutine. Sends
// never block: a full channel rejects the task with ErrWorkerTooBusy. The
// wrapper exists so that the closed state can be checked by senders (there
// is no race-free way to probe a bare Go channel for closedness).
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// Stop the worker unless already stopped.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Send a task to the worker without blocking.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// StartWorker spawns the draining goroutine. The goroutine exits once the
// worker is stopped; while idle it invokes OnTimeout every c.Timeout.
func StartWorker[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{channel: incoming}
}
