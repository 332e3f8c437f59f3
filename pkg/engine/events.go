package engine

// Event is an asynchronous notification from the engine. The core drains
// these on a dedicated goroutine; an engine that emits none is valid.
type Event interface {
	isEvent()
}

// TransportClosed reports that a user's transport died underneath the core
// (ICE failure, DTLS teardown). The session must be torn down.
type TransportClosed struct {
	UserID string
	Reason string
}

// ReceiverReport carries engine-observed receive statistics for a user,
// derived from RTCP on the media path. It feeds the same telemetry window
// as client-side reports.
type ReceiverReport struct {
	UserID   string
	LossPct  float64
	JitterMs float64
	RttMs    float64
}

func (TransportClosed) isEvent() {}
func (ReceiverReport) isEvent()  {}

// EventSource is implemented by engines that push events. The channel is
// closed when the engine shuts down.
type EventSource interface {
	Events() <-chan Event
}
