// Package engine defines the contract between the coordination core and the
// media engine that owns the RTP sockets, DTLS handshakes and simulcast
// forwarding. The core treats the engine as opaque: it passes ids in, gets
// handles out, and recovers locally from whatever goes wrong inside.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ICECandidate is one gathered server-side candidate, relayed verbatim.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdpMid"`
	SdpMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ICEParameters carries the server's ufrag/pwd for the transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
}

// DTLSParameters carries a fingerprint and the negotiated setup role.
type DTLSParameters struct {
	FingerprintAlgorithm string `json:"fingerprintAlgorithm"`
	FingerprintValue     string `json:"fingerprintValue"`
	Setup                string `json:"setup"` // "active", "passive" or "actpass"
}

// ClientTransport bundles what the client's session description reveals
// about its side of the transport: its ICE credentials and its DTLS
// fingerprint. ConnectTransport needs both to complete the handshakes.
type ClientTransport struct {
	ICE  ICEParameters
	DTLS DTLSParameters
}

// TransportInfo describes a freshly created bidirectional transport.
type TransportInfo struct {
	ID             string
	ICEParameters  ICEParameters
	ICECandidates  []ICECandidate
	DTLSParameters DTLSParameters
}

// RTPCodecParameters is the subset of codec description the core extracts
// from SDP and hands back to the engine.
type RTPCodecParameters struct {
	PayloadType  uint8
	MimeType     string // "audio/opus"
	ClockRate    uint32
	Channels     uint16
	UseInbandFec bool
}

// RTPEncoding is one simulcast encoding of the producer.
type RTPEncoding struct {
	Rid        string
	MaxBitrate uint64
}

// RTPParameters is what a producer needs to start ingesting media.
type RTPParameters struct {
	Codec     RTPCodecParameters
	Encodings []RTPEncoding
}

// HeaderExtension is one negotiated RTP header extension.
type HeaderExtension struct {
	ID  int
	URI string
}

// RTPCapabilities is what a consumer needs to receive media.
type RTPCapabilities struct {
	Codecs           []RTPCodecParameters
	HeaderExtensions []HeaderExtension
}

// Consumer is one forwarding leg from a producer to a receiver. The only
// control the core exerts over it is the preferred simulcast layer.
type Consumer interface {
	ID() string
	ProducerID() string
	// UserID identifies the receiver the consumer delivers to.
	UserID() string
	SetPreferredLayer(spatialLayer int) error
}

// Engine is the capability set the core depends on. Calls may block for
// tens to hundreds of milliseconds and are therefore invoked outside the
// per-meeting critical section.
type Engine interface {
	// CreateTransport creates (or returns the existing) bidirectional
	// transport for the user. Idempotent per userID.
	CreateTransport(ctx context.Context, userID string) (TransportInfo, error)
	// ConnectTransport completes the ICE and DTLS handshakes with the
	// parameters extracted from the client's description.
	ConnectTransport(ctx context.Context, userID string, remote ClientTransport) error
	// CreateProducer starts ingesting media from the client.
	CreateProducer(ctx context.Context, userID, transportID string, params RTPParameters) (string, error)
	// CreateConsumer begins forwarding from the producer to the receiver's
	// transport. Fails cleanly when capabilities are incompatible.
	CreateConsumer(ctx context.Context, receiverUserID, producerID string, caps RTPCapabilities) (Consumer, error)
	// ConsumersForUser returns every consumer currently delivering to the user.
	ConsumersForUser(userID string) []Consumer
	// ProducersForUser returns the ids of the user's active producers.
	ProducersForUser(userID string) []string
	// CloseUser tears down the user's producers, consumers and transports.
	CloseUser(userID string)
}

// ErrorKind classifies an engine failure for the recovery policy.
type ErrorKind int

const (
	// Transient failures leave the session viable; the next client action or
	// periodic tick is the natural retry point.
	Transient ErrorKind = iota
	// Fatal failures mean the transport is gone and the session must be
	// torn down.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is the single error variant the core sees from the engine.
type Error struct {
	Op     string
	UserID string
	Kind   ErrorKind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s for %s (%s): %v", e.Op, e.UserID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err into the engine error variant.
func NewError(op, userID string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, UserID: userID, Kind: kind, Err: err}
}

// IsFatal reports whether err is a fatal engine error.
func IsFatal(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind == Fatal
	}
	return false
}
