package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sluice-rtc/sluice/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCounts struct{ meetings, sessions int }

func (f fixedCounts) MeetingCount() int { return f.meetings }
func (f fixedCounts) SessionCount() int { return f.sessions }

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg, fixedCounts{meetings: 2, sessions: 5})
	require.NotNil(t, c)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Meetings))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.Sessions))

	c.TierChanges.WithLabelValues("m1", "LOW").Inc()
	c.DroppedMessages.Inc()
	c.FingerprintMatches.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.TierChanges.WithLabelValues("m1", "LOW")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.FingerprintMatches))

	// Registration must not panic when gathering.
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg, fixedCounts{})
	assert.Panics(t, func() { metrics.NewCollector(reg, fixedCounts{}) })
}
