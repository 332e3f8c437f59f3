// Package metrics exposes the SFU's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sluice"

// Label names.
const (
	labelMeeting = "meeting_id"
	labelTier    = "tier"
	labelCode    = "code"
)

// Collector holds every metric the SFU publishes.
type Collector struct {
	// Meetings tracks currently open meetings.
	Meetings prometheus.GaugeFunc
	// Sessions tracks currently connected sessions.
	Sessions prometheus.GaugeFunc

	// TierChanges counts applied tier decisions per meeting and target tier.
	TierChanges *prometheus.CounterVec
	// DroppedMessages counts signaling frames dropped on full send channels.
	DroppedMessages prometheus.Counter
	// ClientErrors counts error frames sent to clients per code.
	ClientErrors *prometheus.CounterVec

	// FingerprintMatches / FingerprintMismatches count verification verdicts.
	FingerprintMatches    prometheus.Counter
	FingerprintMismatches prometheus.Counter
	// AckSummaries counts emitted per-speaker summaries.
	AckSummaries prometheus.Counter
	// RtcpReports counts collected telemetry reports.
	RtcpReports prometheus.Counter
	// EngineFailures counts engine errors by classification.
	EngineFailures *prometheus.CounterVec
}

// Counts is the view over live state the gauges read from; satisfied by the
// meeting registry.
type Counts interface {
	MeetingCount() int
	SessionCount() int
}

// NewCollector registers all metrics against reg. A nil reg falls back to
// the default registerer.
func NewCollector(reg prometheus.Registerer, counts Counts) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Meetings: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "meetings",
			Help:      "Number of currently open meetings.",
		}, func() float64 { return float64(counts.MeetingCount()) }),

		Sessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of currently registered user sessions.",
		}, func() float64 { return float64(counts.SessionCount()) }),

		TierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Applied quality tier changes.",
		}, []string{labelMeeting, labelTier}),

		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Signaling frames dropped because a session send channel was full.",
		}),

		ClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_errors_total",
			Help:      "Error frames sent to clients.",
		}, []string{labelCode}),

		FingerprintMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_matches_total",
			Help:      "Frame fingerprints that matched end to end.",
		}),

		FingerprintMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_mismatches_total",
			Help:      "Frame fingerprints that failed end-to-end verification.",
		}),

		AckSummaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_summaries_total",
			Help:      "Per-speaker delivery summaries pushed to clients.",
		}),

		RtcpReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtcp_reports_total",
			Help:      "Collected client telemetry reports.",
		}),

		EngineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Media engine call failures by classification.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.Meetings,
		c.Sessions,
		c.TierChanges,
		c.DroppedMessages,
		c.ClientErrors,
		c.FingerprintMatches,
		c.FingerprintMismatches,
		c.AckSummaries,
		c.RtcpReports,
		c.EngineFailures,
	)
	return c
}
