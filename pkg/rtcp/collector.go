// Package rtcp keeps the sliding window of client network reports and
// answers the quality controller's "how bad is the worst participant"
// question. It stores raw reports only; membership is always consulted at
// query time so that stale users never influence a decision.
package rtcp

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/conference"
)

// WindowSize is the number of reports retained per user.
const WindowSize = 10

// Report is one network telemetry sample from a client.
type Report struct {
	MeetingID string
	UserID    string
	LossPct   float64 // [0, 1], clamped on ingest
	JitterMs  float64
	RttMs     float64
	Timestamp int64
}

// Metrics is the aggregate view over a meeting's current members.
type Metrics struct {
	AvgLoss   float64
	AvgJitter float64
	AvgRtt    float64
	WorstLoss float64
}

// Membership is the thin slice of the registry the collector needs.
type Membership interface {
	ListRecipients(meetingID, excludeUserID string) []*conference.UserSession
}

// Collector owns per-user ring buffers of the last WindowSize reports.
type Collector struct {
	mu         sync.RWMutex
	reports    map[string][]Report // userID -> ring, oldest first
	meetingOf  map[string]string   // userID -> meeting of the latest report
	membership Membership
	logger     *logrus.Entry
}

func NewCollector(membership Membership) *Collector {
	return &Collector{
		reports:    make(map[string][]Report),
		meetingOf:  make(map[string]string),
		membership: membership,
		logger:     logrus.WithField("component", "rtcp"),
	}
}

// Collect appends the report to the user's window, evicting the oldest
// sample at capacity. Out-of-order timestamps are stored as-is.
func (c *Collector) Collect(report Report) {
	if report.LossPct < 0 {
		report.LossPct = 0
	} else if report.LossPct > 1 {
		report.LossPct = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.reports[report.UserID]
	if len(window) >= WindowSize {
		window = window[1:]
	}
	c.reports[report.UserID] = append(window, report)
	if report.MeetingID != "" {
		c.meetingOf[report.UserID] = report.MeetingID
	}
}

// WorstLoss returns the maximum of the most recent LossPct over the
// meeting's current members. A brief spike on a single user is enough to
// trigger degradation, which is exactly the intent. Returns 0 for unknown,
// empty or silent meetings.
func (c *Collector) WorstLoss(meetingID string) float64 {
	members := c.membership.ListRecipients(meetingID, "")

	c.mu.RLock()
	defer c.mu.RUnlock()

	worst := 0.0
	for _, member := range members {
		window := c.reports[member.UserID]
		if len(window) == 0 {
			continue
		}
		if latest := window[len(window)-1].LossPct; latest > worst {
			worst = latest
		}
	}
	return worst
}

// MeetingMetrics averages across all stored reports of all current members.
func (c *Collector) MeetingMetrics(meetingID string) Metrics {
	members := c.membership.ListRecipients(meetingID, "")

	c.mu.RLock()
	defer c.mu.RUnlock()

	var m Metrics
	count := 0
	for _, member := range members {
		window := c.reports[member.UserID]
		for _, report := range window {
			m.AvgLoss += report.LossPct
			m.AvgJitter += report.JitterMs
			m.AvgRtt += report.RttMs
			count++
		}
		if len(window) > 0 {
			if latest := window[len(window)-1].LossPct; latest > m.WorstLoss {
				m.WorstLoss = latest
			}
		}
	}

	if count > 0 {
		m.AvgLoss /= float64(count)
		m.AvgJitter /= float64(count)
		m.AvgRtt /= float64(count)
	}
	return m
}

// WindowFor returns a copy of the user's stored reports, oldest first.
func (c *Collector) WindowFor(userID string) []Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	window := c.reports[userID]
	out := make([]Report, len(window))
	copy(out, window)
	return out
}

// CleanupUser drops the user's window.
func (c *Collector) CleanupUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reports, userID)
	delete(c.meetingOf, userID)
}

// CleanupMeeting drops the windows of every user whose reports named the
// meeting. Called from the registry's meeting-closed hook, which fires after
// the meeting is gone, so the collector keeps its own meeting index instead
// of asking the registry.
func (c *Collector) CleanupMeeting(meetingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, m := range c.meetingOf {
		if m == meetingID {
			delete(c.reports, userID)
			delete(c.meetingOf, userID)
		}
	}
}
