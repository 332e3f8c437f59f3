package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("channel is sealed")

// Message is an envelope that carries the identity of its producer, so that
// a single consumer can fan in messages from many producers without trusting
// them to identify themselves.
type Message[SenderType comparable, ContentType any] struct {
	Sender  SenderType
	Content ContentType
}

// Sink is a write end of a shared channel bound to a fixed sender. The sender
// identity is captured at construction time and cannot be altered afterwards,
// which rules out impersonation between producers at compile time.
type Sink[S comparable, C any] struct {
	sender S
	shared chan<- Message[S, C]
	// Sealing is a soft close: the shared channel stays open (other producers
	// still write to it), but this particular sink refuses further sends.
	sealed        chan struct{}
	alreadySealed atomic.Bool
}

// NewSink binds the given sender to the shared channel. The sink does not own
// the channel and never closes it.
func NewSink[S comparable, C any](sender S, shared chan<- Message[S, C]) *Sink[S, C] {
	return &Sink[S, C]{
		sender: sender,
		shared: shared,
		sealed: make(chan struct{}),
	}
}

// Send delivers a message to the shared channel. Blocks if the channel is
// full. Returns ErrSinkSealed once the sink has been sealed.
func (s *Sink[S, C]) Send(content C) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.shared <- Message[S, C]{Sender: s.sender, Content: content}:
		return nil
	}
}

// Seal disallows any further sends through this sink. Senders already blocked
// inside Send either complete the delivery or unblock with ErrSinkSealed.
func (s *Sink[S, C]) Seal() {
	if !s.alreadySealed.CompareAndSwap(false, true) {
		return
	}
	close(s.sealed)
}
