// Package quality turns worst-case packet loss into meeting tier decisions.
// The decision function is deliberately asymmetric: downgrades fire as soon
// as the hard threshold is crossed, upgrades must clear an extra guard band
// so that a connection hovering around a threshold does not oscillate.
package quality

import (
	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/conference"
	"github.com/sluice-rtc/sluice/pkg/forward"
	"github.com/sluice-rtc/sluice/pkg/rtcp"
)

// Thresholds for the tier decision, expressed as loss fractions.
const (
	// LowThresh is the loss below which HIGH is sustainable.
	LowThresh = 0.02
	// MedThresh is the loss at which only LOW is sustainable.
	MedThresh = 0.05
	// Hysteresis is the guard band around the thresholds.
	Hysteresis = 0.02
)

// Notifier delivers tier-change notifications to every session of the
// meeting. Implemented by the signaling hub; delivery failures are swallowed
// by the implementation and surface only as counters.
type Notifier interface {
	NotifyTierChange(meetingID string, tier conference.Tier)
}

// Controller evaluates meetings periodically and applies tier changes.
type Controller struct {
	registry  *conference.Registry
	collector *rtcp.Collector
	forwarder *forward.Forwarder
	notifier  Notifier
	logger    *logrus.Entry
}

func NewController(
	registry *conference.Registry,
	collector *rtcp.Collector,
	forwarder *forward.Forwarder,
	notifier Notifier,
) *Controller {
	return &Controller{
		registry:  registry,
		collector: collector,
		forwarder: forwarder,
		notifier:  notifier,
		logger:    logrus.WithField("component", "quality"),
	}
}

// DecideTier applies the threshold table with hysteresis.
//
// Downgrades (immediate at the hard threshold):
//
//	HIGH   -> MEDIUM  at worstLoss >= LowThresh + Hysteresis (4%)
//	any    -> LOW     at worstLoss >= MedThresh              (5%)
//
// Upgrades (must clear the guard band):
//
//	MEDIUM -> HIGH    at worstLoss <  LowThresh              (2%)
//	LOW    -> MEDIUM  at worstLoss <= MedThresh - Hysteresis (3%)
//	LOW    -> HIGH    at worstLoss <  LowThresh              (2%)
func DecideTier(worstLoss float64, current conference.Tier) conference.Tier {
	switch current {
	case conference.TierHigh:
		if worstLoss >= MedThresh {
			return conference.TierLow
		}
		if worstLoss >= LowThresh+Hysteresis {
			return conference.TierMedium
		}
	case conference.TierMedium:
		if worstLoss >= MedThresh {
			return conference.TierLow
		}
		if worstLoss < LowThresh {
			return conference.TierHigh
		}
	case conference.TierLow:
		if worstLoss < LowThresh {
			return conference.TierHigh
		}
		if worstLoss <= MedThresh-Hysteresis {
			return conference.TierMedium
		}
	}
	return current
}

// EvaluateMeeting runs one decision cycle for the meeting under its guard:
// read worst loss, decide, and on change update the registry, command the
// forwarder and notify the clients. No-op on unknown meetings.
func (c *Controller) EvaluateMeeting(meetingID string) {
	guard := c.registry.Guard(meetingID)
	guard.Lock()
	defer guard.Unlock()

	meeting := c.registry.GetMeeting(meetingID)
	if meeting == nil {
		return
	}

	worstLoss := c.collector.WorstLoss(meetingID)
	decided := DecideTier(worstLoss, meeting.CurrentTier)
	if decided == meeting.CurrentTier {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"meeting_id": meetingID,
		"worst_loss": worstLoss,
		"from":       meeting.CurrentTier.String(),
		"to":         decided.String(),
	}).Info("tier change")

	// SetTier writes the new tier through the registry; the notification is
	// sent while still holding the guard so that no client can observe a
	// tier inconsistent with the registry.
	c.forwarder.SetTier(meetingID, decided)
	c.BroadcastTier(meetingID, decided)
}

// EvaluateAll runs EvaluateMeeting for every known meeting.
func (c *Controller) EvaluateAll() {
	c.registry.ForEachMeeting(c.EvaluateMeeting)
}

// BroadcastTier pushes the tier to every session of the meeting. Used by the
// periodic path and by explicit operator action; never fails the caller.
func (c *Controller) BroadcastTier(meetingID string, tier conference.Tier) {
	if c.notifier != nil {
		c.notifier.NotifyTierChange(meetingID, tier)
	}
}
