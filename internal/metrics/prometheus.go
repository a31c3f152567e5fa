// Package metrics exposes the assistant's process-global state as
// Prometheus collectors: VRAM arbitration state, the cloud breaker's
// state, firewall detections, skill quarantine population, and dream
// cycle durations. It mirrors the teacher's PrometheusMetrics wrapper
// shape — a registry plus one field per collector, with package-level
// Record/Set helpers — generalized from FaaS invocation/VM metrics to
// the sentinel domain (§9's observability surface).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the assistant's Prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// VRAM arbitration (§4.1)
	vramState        *prometheus.GaugeVec
	vramAcquireTotal *prometheus.CounterVec
	vramSwapDuration *prometheus.HistogramVec

	// Cloud escalation breaker (§4.3)
	breakerState      *prometheus.GaugeVec
	breakerTripsTotal prometheus.Counter
	tokensUsedToday   prometheus.Gauge

	// Prompt injection firewall (§4.2)
	firewallDetectionsTotal *prometheus.CounterVec
	lockdownActive          prometheus.Gauge

	// Skill quarantine (§4.8, §4.9)
	skillsByState   *prometheus.GaugeVec
	skillStrikes    *prometheus.CounterVec
	sandboxRunTotal *prometheus.CounterVec

	// Dream cycle (§4.11)
	dreamCycleDuration    prometheus.Histogram
	dreamCycleCappedTotal prometheus.Counter
	dreamCyclePhaseTotal  *prometheus.CounterVec
}

// defaultDurationBuckets covers the dream cycle's 30-minute hard cap and
// the sub-second VRAM swap path in the same histogram shape the teacher
// used for invocation and boot latency, in seconds rather than
// milliseconds.
var defaultDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the metrics subsystem under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		vramState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vram_state",
				Help:      "1 for the VRAM mutex's current state, labeled by state and loaded model; 0 otherwise",
			},
			[]string{"state", "model"},
		),

		vramAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vram_acquire_total",
				Help:      "Total VRAM mutex acquisitions by requested model and outcome",
			},
			[]string{"model", "outcome"},
		),

		vramSwapDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vram_swap_duration_seconds",
				Help:      "Time spent unloading and warming a model during a VRAM swap",
				Buckets:   defaultDurationBuckets,
			},
			[]string{"from_model", "to_model"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cloud_breaker_state",
				Help:      "1 for the cloud breaker's current state, labeled by state; 0 otherwise",
			},
			[]string{"state"},
		),

		breakerTripsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_breaker_trips_total",
				Help:      "Total times the cloud breaker transitioned from CLOSED or HALF_OPEN into OPEN",
			},
		),

		tokensUsedToday: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cloud_tokens_used_today",
				Help:      "Cloud tokens consumed since the current daily budget window reset",
			},
		),

		firewallDetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "firewall_detections_total",
				Help:      "Total firewall rule matches by rule name and severity",
			},
			[]string{"rule", "severity"},
		),

		lockdownActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lockdown_active",
				Help:      "1 while the system is in security lockdown, 0 otherwise",
			},
		),

		skillsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "skills_by_state",
				Help:      "Count of registered skills currently in each quarantine_state",
			},
			[]string{"state"},
		),

		skillStrikes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skill_strikes_total",
				Help:      "Total strikes recorded against skills by skill_id",
			},
			[]string{"skill_id"},
		),

		sandboxRunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_run_total",
				Help:      "Total sandboxed skill executions by language and outcome",
			},
			[]string{"language", "outcome"},
		),

		dreamCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dream_cycle_duration_seconds",
				Help:      "Wall-clock duration of a completed dream cycle run",
				Buckets:   defaultDurationBuckets,
			},
		),

		dreamCycleCappedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dream_cycle_capped_total",
				Help:      "Total dream cycle runs that hit the hard cap before completing every phase",
			},
		),

		dreamCyclePhaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dream_cycle_phase_total",
				Help:      "Total dream cycle phase completions by phase name and outcome",
			},
			[]string{"phase", "outcome"},
		),
	}

	registry.MustRegister(
		pm.vramState,
		pm.vramAcquireTotal,
		pm.vramSwapDuration,
		pm.breakerState,
		pm.breakerTripsTotal,
		pm.tokensUsedToday,
		pm.firewallDetectionsTotal,
		pm.lockdownActive,
		pm.skillsByState,
		pm.skillStrikes,
		pm.sandboxRunTotal,
		pm.dreamCycleDuration,
		pm.dreamCycleCappedTotal,
		pm.dreamCyclePhaseTotal,
	)

	promMetrics = pm
}

// vramStates lists every VRAM state so SetVRAMState can zero out the
// gauges that are no longer current, the same one-hot pattern the
// teacher used for circuit breaker state gauges.
var vramStates = []string{"IDLE", "LOADING_CODER", "LOADING_VL", "UNLOADING", "ERROR"}

// SetVRAMState records the VRAM mutex's current state and loaded model.
func SetVRAMState(state, model string) {
	if promMetrics == nil {
		return
	}
	// Drop series labelled with a previously loaded model so they do not
	// stay at 1 after a swap.
	promMetrics.vramState.Reset()
	for _, s := range vramStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		promMetrics.vramState.WithLabelValues(s, model).Set(v)
	}
}

// RecordVRAMAcquire records one VRAM mutex acquisition attempt.
func RecordVRAMAcquire(model, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.vramAcquireTotal.WithLabelValues(model, outcome).Inc()
}

// RecordVRAMSwap records the duration of a model swap.
func RecordVRAMSwap(fromModel, toModel string, durationSeconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vramSwapDuration.WithLabelValues(fromModel, toModel).Observe(durationSeconds)
}

var breakerStates = []string{"CLOSED", "OPEN", "HALF_OPEN"}

// SetBreakerState records the cloud breaker's current state.
func SetBreakerState(state string) {
	if promMetrics == nil {
		return
	}
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		promMetrics.breakerState.WithLabelValues(s).Set(v)
	}
}

// RecordBreakerTrip records a CLOSED/HALF_OPEN → OPEN transition.
func RecordBreakerTrip() {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.Inc()
}

// SetTokensUsedToday records the running cloud token spend for the day.
func SetTokensUsedToday(tokens int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.tokensUsedToday.Set(float64(tokens))
}

// RecordFirewallDetection records one firewall rule match.
func RecordFirewallDetection(rule, severity string) {
	if promMetrics == nil {
		return
	}
	promMetrics.firewallDetectionsTotal.WithLabelValues(rule, severity).Inc()
}

// SetLockdownActive records whether the system is currently locked down.
func SetLockdownActive(active bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	promMetrics.lockdownActive.Set(v)
}

// SetSkillsByState records the current population of a quarantine_state.
func SetSkillsByState(state string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.skillsByState.WithLabelValues(state).Set(float64(count))
}

// RecordSkillStrike records one strike against skillID.
func RecordSkillStrike(skillID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.skillStrikes.WithLabelValues(skillID).Inc()
}

// RecordSandboxRun records one sandboxed skill execution.
func RecordSandboxRun(language, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sandboxRunTotal.WithLabelValues(language, outcome).Inc()
}

// RecordDreamCycle records a completed dream cycle run's duration and
// whether it was capped early.
func RecordDreamCycle(durationSeconds float64, cappedEarly bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.dreamCycleDuration.Observe(durationSeconds)
	if cappedEarly {
		promMetrics.dreamCycleCappedTotal.Inc()
	}
}

// RecordDreamCyclePhase records one phase's completion outcome.
func RecordDreamCyclePhase(phase, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dreamCyclePhaseTotal.WithLabelValues(phase, outcome).Inc()
}

// PrometheusHandler returns the HTTP handler for the metrics endpoint.
// The caller is responsible for mounting it on its own mux; this
// package never starts a server (§1 non-goals: no HTTP surface).
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry for tests that want
// to inspect collected samples directly.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
