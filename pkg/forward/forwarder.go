// Package forward maps tier decisions onto the engine's per-consumer
// simulcast layer preference. It is the only component that walks the
// engine's consumer handles; everything else talks tiers.
package forward

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/conference"
	"github.com/sluice-rtc/sluice/pkg/engine"
)

// Forwarder applies meeting-wide tier decisions to every consumer of the
// meeting. Each consumer command is independent: one failing layer switch
// never aborts the rest.
type Forwarder struct {
	mu sync.Mutex
	// Last tier applied per meeting, for the short-circuit check.
	tiers map[string]conference.Tier
	// Operator-pinned per-user overrides.
	pinned map[string]conference.Tier

	registry *conference.Registry
	engine   engine.Engine
	logger   *logrus.Entry

	// Counters updated by the inert Forward hook.
	forwardedFrames uint64
}

func NewForwarder(registry *conference.Registry, eng engine.Engine) *Forwarder {
	return &Forwarder{
		tiers:    make(map[string]conference.Tier),
		pinned:   make(map[string]conference.Tier),
		registry: registry,
		engine:   eng,
		logger:   logrus.WithField("component", "forwarder"),
	}
}

// SetTier programs the preferred simulcast layer of every consumer that
// delivers to a participant of the meeting, then records the tier in the
// registry. Short-circuits when the stored tier already matches.
func (f *Forwarder) SetTier(meetingID string, tier conference.Tier) {
	f.mu.Lock()
	if stored, ok := f.tiers[meetingID]; ok && stored == tier {
		f.mu.Unlock()
		return
	}
	f.tiers[meetingID] = tier
	f.mu.Unlock()

	layer := tier.Layer()
	for _, participant := range f.registry.ListRecipients(meetingID, "") {
		for _, consumer := range f.engine.ConsumersForUser(participant.UserID) {
			if err := consumer.SetPreferredLayer(layer); err != nil {
				f.logger.WithError(err).WithFields(logrus.Fields{
					"meeting_id":  meetingID,
					"user_id":     participant.UserID,
					"consumer_id": consumer.ID(),
					"layer":       layer,
				}).Warn("failed to set preferred layer")
			}
		}
	}

	f.registry.UpdateQualityTier(meetingID, tier)
	f.logger.WithFields(logrus.Fields{
		"meeting_id": meetingID,
		"tier":       tier.String(),
	}).Info("tier applied")
}

// Forward is an observation hook kept for parity with the control plane's
// forwarding abstraction. The engine owns the actual packet path; the tier
// recorded by SetTier is what governs forwarding, not the argument here.
func (f *Forwarder) Forward(meetingID string, tier conference.Tier, frames int) {
	f.mu.Lock()
	f.forwardedFrames += uint64(frames)
	f.mu.Unlock()
}

// ForwardedFrames reports the total observed by the Forward hook.
func (f *Forwarder) ForwardedFrames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwardedFrames
}

// SelectTierFor resolves the effective tier for the user: a pinned override
// wins, then the user's meeting tier, then HIGH.
func (f *Forwarder) SelectTierFor(meetingID, userID string) conference.Tier {
	f.mu.Lock()
	if tier, ok := f.pinned[userID]; ok {
		f.mu.Unlock()
		return tier
	}
	f.mu.Unlock()

	if meeting := f.registry.GetMeeting(meetingID); meeting != nil {
		return meeting.CurrentTier
	}
	return conference.TierHigh
}

// PinUserTier sets an operator override for the user.
func (f *Forwarder) PinUserTier(userID string, tier conference.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[userID] = tier
}

// UnpinUserTier removes the override.
func (f *Forwarder) UnpinUserTier(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pinned, userID)
}

// CleanupMeeting forgets the meeting's stored tier. Hooked to the registry's
// meeting-closed event.
func (f *Forwarder) CleanupMeeting(meetingID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tiers, meetingID)
}
