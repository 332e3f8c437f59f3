package conference

import "time"

// UserSession is the registry's record of a single participant. Sessions are
// owned exclusively by their meeting; every other component refers to them
// by (meetingID, userID) and reads snapshots through the registry.
type UserSession struct {
	UserID          string
	DisplayName     string
	PcID            string
	QualityTier     Tier
	LastCrc32       string
	ConnectionState ConnectionState
	// Last time any field of the session was updated, in Unix milliseconds.
	Timestamp int64
}

// Meeting groups the sessions of one conference. The order of the Sessions
// slice is the registration order and is preserved across re-registrations.
type Meeting struct {
	MeetingID   string
	CurrentTier Tier
	CreatedAt   time.Time
	Sessions    []*UserSession
}

func (m *Meeting) findSession(userID string) (int, *UserSession) {
	for i, s := range m.Sessions {
		if s.UserID == userID {
			return i, s
		}
	}
	return -1, nil
}

// snapshot returns a deep copy so that callers can never alias registry-owned
// state.
func (m *Meeting) snapshot() *Meeting {
	sessions := make([]*UserSession, len(m.Sessions))
	for i, s := range m.Sessions {
		copied := *s
		sessions[i] = &copied
	}
	return &Meeting{
		MeetingID:   m.MeetingID,
		CurrentTier: m.CurrentTier,
		CreatedAt:   m.CreatedAt,
		Sessions:    sessions,
	}
}
