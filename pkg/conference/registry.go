package conference

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MeetingClosedListener is invoked after a meeting has been deleted because
// its last participant left. Derived per-meeting state (telemetry windows,
// ack windows, forwarder tiers) hooks in here to clean itself up.
type MeetingClosedListener func(meetingID string)

// Registry is the single source of truth for meetings and their sessions.
// No other component mutates membership or session fields; everything
// funnels through here.
//
// Concurrency: the registry keeps one guard mutex per meeting. Compound
// operations that touch a meeting across several components (register +
// fan-out, evaluate + tier update + broadcast) take Guard(meetingID) at
// their boundary; the registry's own operations additionally hold the
// internal map lock for the short critical section that touches the maps.
type Registry struct {
	mu       sync.RWMutex
	meetings map[string]*Meeting
	guards   map[string]*sync.Mutex

	listenerMu sync.RWMutex
	listeners  []MeetingClosedListener

	logger *logrus.Entry
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		meetings: make(map[string]*Meeting),
		guards:   make(map[string]*sync.Mutex),
		logger:   logrus.WithField("component", "registry"),
		now:      time.Now,
	}
}

// OnMeetingClosed registers a cleanup listener. Listeners are called outside
// the registry's internal lock but inside the meeting guard.
func (r *Registry) OnMeetingClosed(listener MeetingClosedListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Guard returns the mutex serializing all mutating work for the meeting.
// The guard survives meeting deletion so that late callers never race on a
// freshly re-created meeting.
func (r *Registry) Guard(meetingID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	guard, ok := r.guards[meetingID]
	if !ok {
		guard = &sync.Mutex{}
		r.guards[meetingID] = guard
	}
	return guard
}

// RegisterUser upserts the session into the meeting, creating the meeting on
// first registration. Re-registering an existing userID replaces the session
// in place without changing its position in the registration order.
func (r *Registry) RegisterUser(meetingID string, session *UserSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		meeting = &Meeting{
			MeetingID:   meetingID,
			CurrentTier: TierHigh,
			CreatedAt:   r.now(),
		}
		r.meetings[meetingID] = meeting
		r.logger.WithField("meeting_id", meetingID).Info("meeting created")
	}

	session.Timestamp = r.now().UnixMilli()
	if i, _ := meeting.findSession(session.UserID); i >= 0 {
		meeting.Sessions[i] = session
		return
	}
	meeting.Sessions = append(meeting.Sessions, session)
}

// RemoveUser removes the session from the meeting. Unknown meetings or users
// are warnings, never failures. When the meeting goes empty it is deleted
// and the closed listeners fire.
func (r *Registry) RemoveUser(meetingID, userID string) {
	r.mu.Lock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		r.mu.Unlock()
		r.logger.WithField("meeting_id", meetingID).Warn("remove from unknown meeting")
		return
	}

	i, _ := meeting.findSession(userID)
	if i < 0 {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"meeting_id": meetingID,
			"user_id":    userID,
		}).Warn("remove of unknown user")
		return
	}

	meeting.Sessions = append(meeting.Sessions[:i], meeting.Sessions[i+1:]...)

	closed := len(meeting.Sessions) == 0
	if closed {
		delete(r.meetings, meetingID)
		r.logger.WithField("meeting_id", meetingID).Info("meeting closed")
	}
	r.mu.Unlock()

	if closed {
		r.listenerMu.RLock()
		listeners := make([]MeetingClosedListener, len(r.listeners))
		copy(listeners, r.listeners)
		r.listenerMu.RUnlock()

		for _, listener := range listeners {
			listener(meetingID)
		}
	}
}

// ListRecipients returns copies of the meeting's sessions in registration
// order, excluding excludeUserID when non-empty. Nil-safe on unknown
// meetings (returns an empty slice).
func (r *Registry) ListRecipients(meetingID, excludeUserID string) []*UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		return nil
	}

	recipients := make([]*UserSession, 0, len(meeting.Sessions))
	for _, s := range meeting.Sessions {
		if excludeUserID != "" && s.UserID == excludeUserID {
			continue
		}
		copied := *s
		recipients = append(recipients, &copied)
	}
	return recipients
}

// GetMeeting returns a snapshot of the meeting, nil if absent.
func (r *Registry) GetMeeting(meetingID string) *Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		return nil
	}
	return meeting.snapshot()
}

// GetUserSession returns a snapshot of the session, nil if absent.
func (r *Registry) GetUserSession(meetingID, userID string) *UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		return nil
	}
	if _, s := meeting.findSession(userID); s != nil {
		copied := *s
		return &copied
	}
	return nil
}

// UpdateQualityTier stores the meeting-wide tier and mirrors it into every
// session so that per-user reads stay consistent with the meeting.
func (r *Registry) UpdateQualityTier(meetingID string, tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		r.logger.WithField("meeting_id", meetingID).Warn("tier update for unknown meeting")
		return
	}

	meeting.CurrentTier = tier
	now := r.now().UnixMilli()
	for _, s := range meeting.Sessions {
		s.QualityTier = tier
		s.Timestamp = now
	}
}

// UpdateConnectionState records the lifecycle state of a session. Warn-only
// on unknown ids, like every other registry mutation.
func (r *Registry) UpdateConnectionState(meetingID, userID string, state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		r.logger.WithField("meeting_id", meetingID).Warn("state update for unknown meeting")
		return
	}
	_, s := meeting.findSession(userID)
	if s == nil {
		r.logger.WithFields(logrus.Fields{
			"meeting_id": meetingID,
			"user_id":    userID,
		}).Warn("state update for unknown user")
		return
	}
	s.ConnectionState = state
	s.Timestamp = r.now().UnixMilli()
}

// UpdateLastCrc32 records the most recent sender-side fingerprint observed
// for the user.
func (r *Registry) UpdateLastCrc32(meetingID, userID, crc32 string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meeting, ok := r.meetings[meetingID]
	if !ok {
		return
	}
	if _, s := meeting.findSession(userID); s != nil {
		s.LastCrc32 = crc32
		s.Timestamp = r.now().UnixMilli()
	}
}

// ForEachMeeting calls fn for every known meeting ID. The set is snapshotted
// first, so fn may itself mutate the registry.
func (r *Registry) ForEachMeeting(fn func(meetingID string)) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.meetings))
	for id := range r.meetings {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		fn(id)
	}
}

// MeetingCount is used by metrics gauges.
func (r *Registry) MeetingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meetings)
}

// SessionCount is used by metrics gauges.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, m := range r.meetings {
		total += len(m.Sessions)
	}
	return total
}
