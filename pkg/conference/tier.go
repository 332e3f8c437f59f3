package conference

// Tier is the quality level of a meeting, mapped one-to-one onto the
// simulcast spatial layer the SFU forwards (LOW->0, MEDIUM->1, HIGH->2).
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "LOW"
	case TierMedium:
		return "MEDIUM"
	case TierHigh:
		return "HIGH"
	}
	return "UNKNOWN"
}

// Layer returns the simulcast spatial layer index for the tier. This is the
// only place where the engine's layering convention leaks into the core.
func (t Tier) Layer() int {
	return int(t)
}

// TierFromString parses a wire-level tier name. Unknown names map to HIGH,
// the initial tier of every meeting.
func TierFromString(s string) Tier {
	switch s {
	case "LOW":
		return TierLow
	case "MEDIUM":
		return TierMedium
	case "HIGH":
		return TierHigh
	}
	return TierHigh
}

// ConnectionState describes where a session is in its lifecycle. It is
// purely informational: nothing in the core branches on it, but clients
// can observe it.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSignaling
	StateOffering
	StateICEGathering
	StateWaitingAnswer
	StateConnected
	StateStreaming
	StateDegraded
	StateReconnecting
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSignaling:
		return "signaling"
	case StateOffering:
		return "offering"
	case StateICEGathering:
		return "ice_gathering"
	case StateWaitingAnswer:
		return "waiting_answer"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}
