package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

var FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "session",
	Name:      "frames_sent",
}, []string{"type"})

var FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "session",
	Name:      "frames_received",
}, []string{"type"})

// MalformedFrames counts frames dropped because they failed to decode.
var MalformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "session",
	Name:      "malformed_frames",
})

var SessionStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "scenesync",
	Subsystem: "session",
	Name:      "states",
}, []string{"state"})

var JoinDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "scenesync",
	Subsystem: "session",
	Name:      "join_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
})

// SequenceGaps counts update messages that skipped ahead of their origin's
// watermark.
var SequenceGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "replica",
	Name:      "sequence_gaps",
}, []string{"origin"})

var OpsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "replica",
	Name:      "ops_applied",
}, []string{"direction"})

var PendingOps = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "scenesync",
	Subsystem: "replica",
	Name:      "pending_ops",
})

var DependencyTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "replica",
	Name:      "dependency_timeouts",
})

var ResyncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scenesync",
	Subsystem: "replica",
	Name:      "resync_requests",
}, []string{"direction"})

// Collectors returns every metric this package maintains, for registration
// with a prometheus.Registerer.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FramesSent,
		FramesReceived,
		MalformedFrames,
		SessionStates,
		JoinDuration,
		SequenceGaps,
		OpsApplied,
		PendingOps,
		DependencyTimeouts,
		ResyncRequests,
	}
}
