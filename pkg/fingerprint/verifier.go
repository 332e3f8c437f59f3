// Package fingerprint correlates sender- and receiver-side CRC32 frame
// fingerprints to give speakers end-to-end delivery-integrity feedback.
// Either side may report first; the comparison happens as soon as both
// sides of a (frame, receiver) pair are known.
package fingerprint

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/clock"
)

// TTL is how long a frame entry may wait for its counterpart before the
// sweeper evicts it.
const TTL = 15 * time.Second

// RtpTimestampTolerance bounds the RTP-timestamp proximity fallback used
// when a receiver report carries no frame ID.
const RtpTimestampTolerance = 50 * time.Millisecond

// Event describes one verification outcome for a (frame, receiver) pair.
type Event struct {
	FrameID        string
	MeetingID      string
	SenderUserID   string
	ReceiverUserID string
	Matched        bool
}

// frame is the per-frameID correlation state. At most one frame exists per
// frameID globally at any time.
type frame struct {
	frameID      string
	meetingID    string
	senderUserID string
	senderCrc32  string
	senderKnown  bool
	rtpTimestamp int64
	// Receiver CRCs buffered before the sender arrives, or recorded after.
	receiverCrc32s map[string]string
	// Receivers for which a verdict has already been emitted. First verdict
	// wins; later reports from the same receiver are ignored.
	emitted   map[string]bool
	createdAt time.Time
}

// Verifier owns the frame table and emits match/mismatch events through the
// configured callbacks.
type Verifier struct {
	mu     sync.Mutex
	frames map[string]*frame

	onMatch    func(Event)
	onMismatch func(Event)

	clock  clock.Clock
	logger *logrus.Entry
}

func NewVerifier(clk clock.Clock, onMatch, onMismatch func(Event)) *Verifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &Verifier{
		frames:     make(map[string]*frame),
		onMatch:    onMatch,
		onMismatch: onMismatch,
		clock:      clk,
		logger:     logrus.WithField("component", "fingerprint"),
	}
}

// AddSenderFingerprint records the speaker's CRC32 for the frame. If any
// receiver CRCs were buffered waiting for the sender, they are compared and
// emitted immediately. A second sender report for the same frame is ignored.
func (v *Verifier) AddSenderFingerprint(frameID, crc32, senderUserID, meetingID string, rtpTimestamp int64) {
	var events []Event

	v.mu.Lock()
	entry, ok := v.frames[frameID]
	if !ok {
		entry = v.newFrame(frameID)
		v.frames[frameID] = entry
	}

	if entry.senderKnown {
		v.mu.Unlock()
		v.logger.WithField("frame_id", frameID).Debug("duplicate sender fingerprint ignored")
		return
	}

	entry.senderCrc32 = crc32
	entry.senderKnown = true
	entry.senderUserID = senderUserID
	entry.meetingID = meetingID
	entry.rtpTimestamp = rtpTimestamp

	// Deferred comparison path: receivers reported before the sender.
	for receiver, receiverCrc := range entry.receiverCrc32s {
		if entry.emitted[receiver] {
			continue
		}
		entry.emitted[receiver] = true
		events = append(events, v.verdict(entry, receiver, receiverCrc))
	}
	v.mu.Unlock()

	v.emit(events)
}

// AddReceiverFingerprint records a receiver's CRC32 for the frame. When the
// sender is already known the verdict is emitted immediately, otherwise the
// CRC is buffered until the sender reports (or the frame expires).
func (v *Verifier) AddReceiverFingerprint(frameID, crc32, receiverUserID string) {
	var events []Event

	v.mu.Lock()
	entry, ok := v.frames[frameID]
	if !ok {
		entry = v.newFrame(frameID)
		v.frames[frameID] = entry
	}

	if entry.emitted[receiverUserID] {
		v.mu.Unlock()
		return
	}
	if _, reported := entry.receiverCrc32s[receiverUserID]; reported && !entry.senderKnown {
		// First buffered report wins.
		v.mu.Unlock()
		return
	}

	entry.receiverCrc32s[receiverUserID] = crc32

	if entry.senderKnown {
		entry.emitted[receiverUserID] = true
		events = append(events, v.verdict(entry, receiverUserID, crc32))
	}
	v.mu.Unlock()

	v.emit(events)
}

// FrameIDByRtpTimestamp resolves the frame a receiver report refers to when
// it carries no frame ID, by nearest RTP-timestamp proximity to the given
// sender's frames. Returns false when nothing lies within the tolerance.
func (v *Verifier) FrameIDByRtpTimestamp(senderUserID string, rtpTimestamp int64) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	tolerance := RtpTimestampTolerance.Milliseconds()
	bestID := ""
	bestDistance := tolerance + 1

	for id, entry := range v.frames {
		if !entry.senderKnown || entry.senderUserID != senderUserID {
			continue
		}
		distance := entry.rtpTimestamp - rtpTimestamp
		if distance < 0 {
			distance = -distance
		}
		if distance <= tolerance && distance < bestDistance {
			bestID = id
			bestDistance = distance
		}
	}

	return bestID, bestID != ""
}

// Sweep evicts frames older than TTL. Receivers that report for an evicted
// frame are treated as if the frame was never seen: the report opens a fresh
// entry that will itself expire without emission unless a sender arrives.
func (v *Verifier) Sweep() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	deadline := v.clock.Now().Add(-TTL)
	evicted := 0
	for id, entry := range v.frames {
		if entry.createdAt.Before(deadline) {
			delete(v.frames, id)
			evicted++
		}
	}

	if evicted > 0 {
		v.logger.WithField("count", evicted).Debug("expired fingerprints evicted")
	}
	return evicted
}

// Len reports the number of live frame entries.
func (v *Verifier) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.frames)
}

func (v *Verifier) newFrame(frameID string) *frame {
	return &frame{
		frameID:        frameID,
		receiverCrc32s: make(map[string]string),
		emitted:        make(map[string]bool),
		createdAt:      v.clock.Now(),
	}
}

// verdict compares byte-equal 8-hex strings; an empty string on either side
// counts as a mismatch.
func (v *Verifier) verdict(entry *frame, receiverUserID, receiverCrc string) Event {
	matched := entry.senderCrc32 != "" && receiverCrc != "" && entry.senderCrc32 == receiverCrc
	return Event{
		FrameID:        entry.frameID,
		MeetingID:      entry.meetingID,
		SenderUserID:   entry.senderUserID,
		ReceiverUserID: receiverUserID,
		Matched:        matched,
	}
}

// emit runs callbacks outside the verifier lock.
func (v *Verifier) emit(events []Event) {
	for _, event := range events {
		if event.Matched {
			if v.onMatch != nil {
				v.onMatch(event)
			}
		} else if v.onMismatch != nil {
			v.onMismatch(event)
		}
	}
}
