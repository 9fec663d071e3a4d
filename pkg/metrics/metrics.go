package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	RunsStarted        *prometheus.CounterVec
	RunsFinished       *prometheus.CounterVec
	ActiveRun          prometheus.Gauge
	ContactsNotified   prometheus.Counter
	EmergencyFallbacks prometheus.Counter
	RecordingFailures  prometheus.Counter
	PhaseDuration      *prometheus.HistogramVec
	NotifyDuration     prometheus.Histogram
	RedisOpDuration    *prometheus.HistogramVec
}

// New builds the instrument set on a private registry so multiple
// instances (one per test) never collide on registration.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_runs_started_total",
			Help: "Total number of escalation runs started",
		}, []string{"source"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_runs_finished_total",
			Help: "Total number of escalation runs finished",
		}, []string{"outcome"}),
		ActiveRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "escalation_active_run",
			Help: "1 while an escalation run is in progress",
		}),
		ContactsNotified: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_contacts_notified_total",
			Help: "Total number of contact notifications dispatched",
		}),
		EmergencyFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_emergency_fallbacks_total",
			Help: "Total number of runs that fell back to emergency services",
		}),
		RecordingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_recording_failures_total",
			Help: "Total number of audio capture failures",
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escalation_phase_duration_seconds",
			Help:    "Wall time spent in each escalation phase",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),
		NotifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Time taken to dispatch one notification",
			Buckets: prometheus.DefBuckets,
		}),
		RedisOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}
