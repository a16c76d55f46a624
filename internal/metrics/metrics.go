package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scrub",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	}, []string{"method", "path"})

	AdmissionDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "admission_decisions_total",
		Help:      "Admission decisions by outcome and denial reason.",
	}, []string{"decision", "reason"})

	GlobalInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrub",
		Name:      "inflight_decodes",
		Help:      "Number of decode jobs currently holding an admission ticket.",
	})

	GOPDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "gop_decisions_total",
		Help:      "GOP coalescing decisions by kind (start, reuse, retarget, cancel).",
	}, []string{"kind"})

	WatchdogReclaimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "watchdog_reclaims_total",
		Help:      "Total decode jobs forcibly reclaimed by the watchdog sweep.",
	})

	InvariantCorrectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "invariant_corrections_total",
		Help:      "Self-healed inflight-exceeds-max accounting corrections.",
	})

	DecodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scrub",
		Name:      "decode_duration_seconds",
		Help:      "Wall time of completed decode jobs in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25, 0.5, 1},
	})

	DecodeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "decode_failures_total",
		Help:      "Decode job failures by kind (bad-data, session-invalid, cancelled, timeout).",
	}, []string{"kind"})

	LandingZoneFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "landing_zone_frames_total",
		Help:      "Landing-zone frames by cache state (warm or cold) at zone computation.",
	}, []string{"state"})

	SessionRebuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "session_rebuilds_total",
		Help:      "Decoder session rebuilds triggered by repeated bad-data failures.",
	})

	DeadlineMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "deadline_misses_total",
		Help:      "End-of-gesture decodes that missed the exact-frame delivery budget.",
	})

	ForcedClipReleasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrub",
		Name:      "forced_clip_releases_total",
		Help:      "Emergency per-clip counter resets by reason.",
	}, []string{"reason"})

	CachedFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrub",
		Name:      "cached_frames",
		Help:      "Decoded frames currently resident in the frame cache.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		GlobalInflight,
		GOPDecisionsTotal,
		WatchdogReclaimsTotal,
		InvariantCorrectionsTotal,
		DecodeDuration,
		DecodeFailuresTotal,
		LandingZoneFramesTotal,
		SessionRebuildsTotal,
		DeadlineMissesTotal,
		ForcedClipReleasesTotal,
		CachedFrames,
	)
}
