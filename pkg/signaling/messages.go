package signaling

import (
	"encoding/json"
	"fmt"
)

// Client -> server frame types.
const (
	TypeJoin             = "join"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
	TypeLeave            = "leave"
	TypeRtcpReport       = "rtcp-report"
	TypeFrameFingerprint = "frame-fingerprint"
)

// Server -> client frame types.
const (
	TypeJoined     = "joined"
	TypeTierChange = "tier-change"
	TypeAckSummary = "ack-summary"
	TypeUserJoined = "user-joined"
	TypeUserLeft   = "user-left"
	TypeError      = "error"
)

// Wire-level error codes.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeOverloaded   = 503
)

// ClientMessage is the tagged union of every client->server frame. A single
// deserializer validates the required fields of each variant up front, so
// that no handler ever dispatches on partially filled data.
type ClientMessage struct {
	Type string `json:"type"`

	MeetingID   string `json:"meetingId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Sdp string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SdpMid        string  `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	LossPct  *float64 `json:"lossPct,omitempty"`
	JitterMs *float64 `json:"jitterMs,omitempty"`
	RttMs    *float64 `json:"rttMs,omitempty"`

	FrameID        string `json:"frameId,omitempty"`
	Crc32          string `json:"crc32,omitempty"`
	SenderUserID   string `json:"senderUserId,omitempty"`
	ReceiverUserID string `json:"receiverUserId,omitempty"`
	RtpTimestamp   *int64 `json:"rtpTimestamp,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// ProtocolError is a validation failure that maps onto a wire error frame.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func badRequest(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ParseClientMessage deserializes and validates one inbound frame.
func ParseClientMessage(data []byte) (*ClientMessage, *ProtocolError) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badRequest("malformed frame: %v", err)
	}

	switch msg.Type {
	case TypeJoin:
		if msg.MeetingID == "" || msg.UserID == "" || msg.DisplayName == "" {
			return nil, badRequest("join requires meetingId, userId and displayName")
		}
	case TypeOffer, TypeAnswer:
		if msg.MeetingID == "" || msg.Sdp == "" {
			return nil, badRequest("%s requires meetingId and sdp", msg.Type)
		}
	case TypeICECandidate:
		if msg.MeetingID == "" || msg.Candidate == "" || msg.SdpMid == "" || msg.SdpMLineIndex == nil {
			return nil, badRequest("ice-candidate requires meetingId, candidate, sdpMid and sdpMLineIndex")
		}
	case TypeLeave:
		if msg.MeetingID == "" || msg.UserID == "" {
			return nil, badRequest("leave requires meetingId and userId")
		}
	case TypeRtcpReport:
		if msg.UserID == "" || msg.LossPct == nil || msg.JitterMs == nil || msg.RttMs == nil || msg.Timestamp == 0 {
			return nil, badRequest("rtcp-report requires userId, lossPct, jitterMs, rttMs and timestamp")
		}
	case TypeFrameFingerprint:
		if msg.Crc32 == "" || msg.Timestamp == 0 {
			return nil, badRequest("frame-fingerprint requires crc32 and timestamp")
		}
		if msg.SenderUserID == "" && msg.ReceiverUserID == "" {
			return nil, badRequest("frame-fingerprint requires senderUserId or receiverUserId")
		}
		if msg.FrameID == "" && msg.RtpTimestamp == nil {
			return nil, badRequest("frame-fingerprint requires frameId or rtpTimestamp")
		}
	case "":
		return nil, badRequest("missing frame type")
	default:
		return nil, badRequest("unknown frame type %q", msg.Type)
	}

	return &msg, nil
}

// Participant is the projection of a user session sent in `joined`.
type Participant struct {
	UserID          string `json:"userId"`
	DisplayName     string `json:"displayName"`
	QualityTier     string `json:"qualityTier"`
	ConnectionState string `json:"connectionState"`
}

// ServerMessage covers every server->client frame.
type ServerMessage struct {
	Type string `json:"type"`

	MeetingID    string        `json:"meetingId,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Success      bool          `json:"success,omitempty"`
	Participants []Participant `json:"participants,omitempty"`

	Sdp        string `json:"sdp,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SdpMid        string  `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	Tier string `json:"tier,omitempty"`

	AckedUsers   []string `json:"ackedUsers,omitempty"`
	MissingUsers []string `json:"missingUsers,omitempty"`

	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

func errorFrame(code int, message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Code: code, Message: message}
}
