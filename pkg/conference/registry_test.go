package conference_test

import (
	"testing"

	"github.com/sluice-rtc/sluice/pkg/conference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func session(userID string) *conference.UserSession {
	return &conference.UserSession{
		UserID:          userID,
		PcID:            "pc-" + userID,
		QualityTier:     conference.TierHigh,
		ConnectionState: conference.StateSignaling,
	}
}

func TestRegisterCreatesMeetingWithHighTier(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RegisterUser("m1", session("alice"))

	meeting := registry.GetMeeting("m1")
	require.NotNil(t, meeting)
	assert.Equal(t, conference.TierHigh, meeting.CurrentTier)
	assert.Len(t, meeting.Sessions, 1)
}

func TestRegistrationOrderPreserved(t *testing.T) {
	registry := conference.NewRegistry()
	for _, u := range []string{"alice", "bob", "carol"} {
		registry.RegisterUser("m1", session(u))
	}

	// Re-registration must replace in place, not move to the back.
	replacement := session("bob")
	replacement.DisplayName = "Bob II"
	registry.RegisterUser("m1", replacement)

	recipients := registry.ListRecipients("m1", "")
	require.Len(t, recipients, 3)
	assert.Equal(t, "alice", recipients[0].UserID)
	assert.Equal(t, "bob", recipients[1].UserID)
	assert.Equal(t, "Bob II", recipients[1].DisplayName)
	assert.Equal(t, "carol", recipients[2].UserID)
}

func TestListRecipientsExcludes(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RegisterUser("m1", session("alice"))
	registry.RegisterUser("m1", session("bob"))

	recipients := registry.ListRecipients("m1", "alice")
	require.Len(t, recipients, 1)
	assert.Equal(t, "bob", recipients[0].UserID)
}

func TestListRecipientsReturnsCopies(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RegisterUser("m1", session("alice"))

	recipients := registry.ListRecipients("m1", "")
	recipients[0].DisplayName = "mutated"

	assert.Empty(t, registry.GetUserSession("m1", "alice").DisplayName)
}

func TestLastUserLeavingClosesMeeting(t *testing.T) {
	registry := conference.NewRegistry()

	var closed []string
	registry.OnMeetingClosed(func(meetingID string) {
		closed = append(closed, meetingID)
	})

	registry.RegisterUser("m1", session("alice"))
	registry.RegisterUser("m1", session("bob"))

	registry.RemoveUser("m1", "alice")
	assert.NotNil(t, registry.GetMeeting("m1"))
	assert.Empty(t, closed)

	registry.RemoveUser("m1", "bob")
	assert.Nil(t, registry.GetMeeting("m1"))
	assert.Equal(t, []string{"m1"}, closed)
}

func TestRemoveUnknownIsNoOp(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RemoveUser("nope", "alice")

	registry.RegisterUser("m1", session("alice"))
	registry.RemoveUser("m1", "bob")
	assert.Len(t, registry.ListRecipients("m1", ""), 1)
}

func TestMembershipMatchesRegistrationHistory(t *testing.T) {
	registry := conference.NewRegistry()

	// An arbitrary interleaving of registrations and removals: the visible
	// set must equal the distinct userIDs registered and not yet removed.
	registry.RegisterUser("m1", session("a"))
	registry.RegisterUser("m1", session("b"))
	registry.RegisterUser("m1", session("a")) // duplicate
	registry.RegisterUser("m1", session("c"))
	registry.RemoveUser("m1", "b")
	registry.RegisterUser("m1", session("d"))
	registry.RemoveUser("m1", "a")

	var visible []string
	for _, s := range registry.ListRecipients("m1", "") {
		visible = append(visible, s.UserID)
	}
	assert.Equal(t, []string{"c", "d"}, visible)
}

func TestUpdateQualityTier(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RegisterUser("m1", session("alice"))

	registry.UpdateQualityTier("m1", conference.TierLow)

	assert.Equal(t, conference.TierLow, registry.GetMeeting("m1").CurrentTier)
	assert.Equal(t, conference.TierLow, registry.GetUserSession("m1", "alice").QualityTier)

	// Unknown meeting is a warning, not a panic.
	registry.UpdateQualityTier("nope", conference.TierLow)
}

func TestUpdateConnectionState(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RegisterUser("m1", session("alice"))

	registry.UpdateConnectionState("m1", "alice", conference.StateStreaming)
	assert.Equal(t, conference.StateStreaming, registry.GetUserSession("m1", "alice").ConnectionState)
}

func TestGuardIsStablePerMeeting(t *testing.T) {
	registry := conference.NewRegistry()
	assert.Same(t, registry.Guard("m1"), registry.Guard("m1"))
	assert.NotSame(t, registry.Guard("m1"), registry.Guard("m2"))
}

func TestCounts(t *testing.T) {
	registry := conference.NewRegistry()
	registry.RegisterUser("m1", session("a"))
	registry.RegisterUser("m1", session("b"))
	registry.RegisterUser("m2", session("c"))

	assert.Equal(t, 2, registry.MeetingCount())
	assert.Equal(t, 3, registry.SessionCount())
}
