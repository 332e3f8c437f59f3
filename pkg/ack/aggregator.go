// Package ack buckets fingerprint verification results per speaker and
// condenses them into periodic delivery summaries: which peers decoded the
// speaker's audio during the window and which did not. Silence counts
// against a receiver just like an explicit mismatch does.
package ack

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/clock"
	"github.com/sluice-rtc/sluice/pkg/conference"
	"golang.org/x/exp/slices"
)

// Summary is the per-speaker snapshot pushed as `ack-summary`.
type Summary struct {
	MeetingID    string
	SenderUserID string
	AckedUsers   []string
	MissingUsers []string
	Timestamp    int64
}

// Membership is the slice of the registry the aggregator consults at
// summary time.
type Membership interface {
	ListRecipients(meetingID, excludeUserID string) []*conference.UserSession
}

type speakerKey struct {
	meetingID    string
	senderUserID string
}

// window accumulates verdicts between two summary ticks. A receiver lives in
// exactly one of the two sets; the latest verdict wins.
type window struct {
	acked   map[string]bool
	missing map[string]bool
}

// Aggregator keeps one window per active (meeting, speaker) pair.
type Aggregator struct {
	mu         sync.Mutex
	windows    map[speakerKey]*window
	membership Membership
	clock      clock.Clock
	logger     *logrus.Entry
}

func NewAggregator(membership Membership, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Aggregator{
		windows:    make(map[speakerKey]*window),
		membership: membership,
		clock:      clk,
		logger:     logrus.WithField("component", "ack"),
	}
}

// OnDecodeAck records one verification verdict. A receiver that previously
// landed in the other set this window is moved: the latest verdict wins.
func (a *Aggregator) OnDecodeAck(meetingID, senderUserID, receiverUserID string, matched bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := speakerKey{meetingID, senderUserID}
	w, ok := a.windows[key]
	if !ok {
		w = &window{acked: make(map[string]bool), missing: make(map[string]bool)}
		a.windows[key] = w
	}

	if matched {
		delete(w.missing, receiverUserID)
		w.acked[receiverUserID] = true
	} else {
		delete(w.acked, receiverUserID)
		w.missing[receiverUserID] = true
	}
}

// Touch opens the speaker's window for the current period without recording
// a verdict. Sender fingerprints call this, so a speaker whose receivers all
// stay silent still gets a summary at the next tick reporting them missing.
func (a *Aggregator) Touch(meetingID, senderUserID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := speakerKey{meetingID, senderUserID}
	if _, ok := a.windows[key]; !ok {
		a.windows[key] = &window{acked: make(map[string]bool), missing: make(map[string]bool)}
	}
}

// SummaryForSpeaker computes the summary without resetting the window. The
// window may be empty or absent; the summary then reports every other
// participant as missing.
func (a *Aggregator) SummaryForSpeaker(meetingID, senderUserID string) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked(speakerKey{meetingID, senderUserID})
}

// Flush computes the summary and resets the speaker's window.
func (a *Aggregator) Flush(meetingID, senderUserID string) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := speakerKey{meetingID, senderUserID}
	summary := a.summaryLocked(key)
	delete(a.windows, key)
	return summary
}

// FlushAll flushes every speaker with activity in the current window, in a
// deterministic order. Used by the periodic summary tick.
func (a *Aggregator) FlushAll() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]speakerKey, 0, len(a.windows))
	for key := range a.windows {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(x, y speakerKey) int {
		if x.meetingID != y.meetingID {
			return strings.Compare(x.meetingID, y.meetingID)
		}
		return strings.Compare(x.senderUserID, y.senderUserID)
	})

	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		summaries = append(summaries, a.summaryLocked(key))
		delete(a.windows, key)
	}
	return summaries
}

// Reset drops all windows of the meeting. Hooked to the registry's
// meeting-closed event.
func (a *Aggregator) Reset(meetingID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.windows {
		if key.meetingID == meetingID {
			delete(a.windows, key)
		}
	}
}

// summaryLocked builds the summary for the key. Acked receivers are those
// with at least one match this window; missing is every current participant
// other than the speaker that is not acked, united with mismatch-only
// receivers. Ordering follows registration order, with receivers that
// already left the meeting appended in lexicographic order.
func (a *Aggregator) summaryLocked(key speakerKey) Summary {
	w, ok := a.windows[key]
	if !ok {
		w = &window{acked: make(map[string]bool), missing: make(map[string]bool)}
	}

	participants := a.membership.ListRecipients(key.meetingID, key.senderUserID)
	seen := make(map[string]bool, len(participants))

	acked := make([]string, 0, len(w.acked))
	missing := make([]string, 0, len(participants))

	for _, p := range participants {
		seen[p.UserID] = true
		if w.acked[p.UserID] {
			acked = append(acked, p.UserID)
		} else {
			missing = append(missing, p.UserID)
		}
	}

	// Verdicts for receivers that are no longer participants.
	var extraAcked, extraMissing []string
	for userID := range w.acked {
		if !seen[userID] {
			extraAcked = append(extraAcked, userID)
		}
	}
	for userID := range w.missing {
		if !seen[userID] && !w.acked[userID] {
			extraMissing = append(extraMissing, userID)
		}
	}
	slices.Sort(extraAcked)
	slices.Sort(extraMissing)

	return Summary{
		MeetingID:    key.meetingID,
		SenderUserID: key.senderUserID,
		AckedUsers:   append(acked, extraAcked...),
		MissingUsers: append(missing, extraMissing...),
		Timestamp:    a.clock.Now().UnixMilli(),
	}
}
