// Package pressure classifies a worker's disk (and, when telemetry is
// fresh, memory/IO) pressure into the admission-gate states the scheduler
// and reliability aggregator consume. Rules apply in a fixed order: fail
// open to TelemetryGap when capability data is missing, prefer the
// fresh-telemetry rule ladder when a sample is recent enough, and fall
// back to a capability-only ladder with reduced confidence otherwise.
package pressure

import (
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// PolicyConfig holds the classification thresholds.
type PolicyConfig struct {
	PollInterval         time.Duration
	TelemetryStaleAfter  time.Duration
	WarningFreeGB        float64
	CriticalFreeGB       float64
	WarningFreeRatio     float64
	CriticalFreeRatio    float64
	WarningDiskIOUtilPct float64
	CriticalDiskIOUtil   float64
	WarningMemPressure   float64
	CriticalMemPressure  float64
}

// DefaultPolicyConfig returns the default classification thresholds.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		PollInterval:         30 * time.Second,
		TelemetryStaleAfter:  90 * time.Second,
		WarningFreeGB:        25.0,
		CriticalFreeGB:       10.0,
		WarningFreeRatio:     0.12,
		CriticalFreeRatio:    0.05,
		WarningDiskIOUtilPct: 85.0,
		CriticalDiskIOUtil:   95.0,
		WarningMemPressure:   80.0,
		CriticalMemPressure:  92.0,
	}
}

// Telemetry is the subset of a worker telemetry sample the pressure policy
// reads. The daemon does not collect CPU/disk/memory telemetry itself;
// callers supply whatever snapshot they have, or nil if none has arrived
// yet.
type Telemetry struct {
	ReceivedAt     time.Time
	DiskIOUtilPct  *float64
	MemoryPressure *float64
}

// Evaluate computes a PressureAssessment from a worker's capability
// snapshot and its latest telemetry sample. First matching rule wins.
func Evaluate(caps types.WorkerCapabilities, latest *Telemetry, cfg PolicyConfig) types.PressureAssessment {
	now := time.Now()

	var freeRatio *float64
	if caps.DiskFreeGB != nil && caps.DiskTotalGB != nil && *caps.DiskTotalGB > 0 {
		ratio := *caps.DiskFreeGB / *caps.DiskTotalGB
		if ratio < 0 {
			ratio = 0
		} else if ratio > 1 {
			ratio = 1
		}
		freeRatio = &ratio
	}

	var telemetryAgeSecs *float64
	telemetryFresh := false
	var diskIOUtilPct *float64
	var memoryPressure *float64
	if latest != nil {
		age := now.Sub(latest.ReceivedAt).Seconds()
		if age < 0 {
			age = 0
		}
		telemetryAgeSecs = &age
		telemetryFresh = age <= cfg.TelemetryStaleAfter.Seconds()
		diskIOUtilPct = latest.DiskIOUtilPct
		memoryPressure = latest.MemoryPressure
	}

	var state types.PressureState
	var confidence types.Confidence
	var reasonCode, policyRule string

	switch {
	case caps.DiskFreeGB == nil || caps.DiskTotalGB == nil:
		state = types.PressureTelemetryGap
		confidence = types.ConfidenceLow
		reasonCode = "disk_metrics_unavailable"
		policyRule = "fail_open_missing_disk_metrics"
	case telemetryFresh:
		freeGB := 0.0
		if caps.DiskFreeGB != nil {
			freeGB = *caps.DiskFreeGB
		}
		ratio := 0.0
		if freeRatio != nil {
			ratio = *freeRatio
		}
		state, confidence, reasonCode, policyRule = classifyFresh(freeGB, ratio, diskIOUtilPct, memoryPressure, cfg)
	default:
		freeGB := 0.0
		if caps.DiskFreeGB != nil {
			freeGB = *caps.DiskFreeGB
		}
		ratio := 0.0
		if freeRatio != nil {
			ratio = *freeRatio
		}
		state, confidence, reasonCode, policyRule = classifyStale(freeGB, ratio, cfg)
	}

	return types.PressureAssessment{
		State:            state,
		Confidence:       confidence,
		ReasonCode:       reasonCode,
		PolicyRule:       policyRule,
		DiskFreeGB:       caps.DiskFreeGB,
		DiskFreeRatio:    freeRatio,
		DiskIOUtilPct:    diskIOUtilPct,
		MemoryPressure:   memoryPressure,
		TelemetryAgeSecs: telemetryAgeSecs,
		TelemetryFresh:   telemetryFresh,
		EvaluatedAt:      now,
	}
}

func classifyFresh(freeGB, freeRatio float64, diskIOUtilPct, memoryPressure *float64, cfg PolicyConfig) (types.PressureState, types.Confidence, string, string) {
	if freeGB <= cfg.CriticalFreeGB {
		return types.PressureCritical, types.ConfidenceHigh, "disk_free_below_critical_gb", "disk_free_gb<=critical_free_gb"
	}
	if freeRatio <= cfg.CriticalFreeRatio {
		return types.PressureCritical, types.ConfidenceHigh, "disk_ratio_below_critical", "disk_free_ratio<=critical_free_ratio"
	}
	if diskIOUtilPct != nil && *diskIOUtilPct >= cfg.CriticalDiskIOUtil && freeGB <= cfg.WarningFreeGB {
		return types.PressureCritical, types.ConfidenceHigh, "disk_io_saturated_with_low_headroom", "disk_io>=critical && disk_free_gb<=warning_free_gb"
	}

	if freeGB <= cfg.WarningFreeGB {
		return types.PressureWarning, types.ConfidenceHigh, "disk_free_below_warning_gb", "disk_free_gb<=warning_free_gb"
	}
	if freeRatio <= cfg.WarningFreeRatio {
		return types.PressureWarning, types.ConfidenceHigh, "disk_ratio_below_warning", "disk_free_ratio<=warning_free_ratio"
	}
	if diskIOUtilPct != nil && *diskIOUtilPct >= cfg.WarningDiskIOUtilPct {
		return types.PressureWarning, types.ConfidenceHigh, "disk_io_high", "disk_io>=warning_disk_io_util_pct"
	}
	if memoryPressure != nil && *memoryPressure >= cfg.CriticalMemPressure {
		return types.PressureWarning, types.ConfidenceHigh, "memory_pressure_critical", "memory_pressure>=critical_memory_pressure"
	}
	if memoryPressure != nil && *memoryPressure >= cfg.WarningMemPressure {
		return types.PressureWarning, types.ConfidenceHigh, "memory_pressure_warning", "memory_pressure>=warning_memory_pressure"
	}

	return types.PressureHealthy, types.ConfidenceHigh, "pressure_healthy", "all_pressure_rules_within_threshold"
}

func classifyStale(freeGB, freeRatio float64, cfg PolicyConfig) (types.PressureState, types.Confidence, string, string) {
	if freeGB <= cfg.CriticalFreeGB || freeRatio <= cfg.CriticalFreeRatio {
		return types.PressureCritical, types.ConfidenceMedium, "disk_critical_without_fresh_telemetry", "disk_threshold_breach_without_telemetry"
	}
	if freeGB <= cfg.WarningFreeGB || freeRatio <= cfg.WarningFreeRatio {
		return types.PressureWarning, types.ConfidenceMedium, "disk_warning_without_fresh_telemetry", "disk_warning_threshold_without_telemetry"
	}
	return types.PressureTelemetryGap, types.ConfidenceLow, "telemetry_unavailable", "fail_open_telemetry_gap"
}

// TelemetrySource supplies the latest telemetry sample for a worker. The
// daemon's telemetry collection pipeline is out of scope here; callers
// (e.g. the control socket's telemetry ingestion handler) wire in whatever
// store they maintain.
type TelemetrySource interface {
	Latest(workerID string) *Telemetry
}

// Monitor periodically recomputes and stores pressure assessments for every
// worker in the pool, mirroring DiskPressureMonitor's ticker loop.
type Monitor struct {
	pool      *worker.Pool
	telemetry TelemetrySource
	config    PolicyConfig
}

// NewMonitor creates a pressure monitor. telemetry may be nil, in which
// case every evaluation falls back to the capability-only ladder.
func NewMonitor(pool *worker.Pool, telemetry TelemetrySource, cfg PolicyConfig) *Monitor {
	return &Monitor{pool: pool, telemetry: telemetry, config: cfg}
}

// Run evaluates every worker once per PollInterval until stop is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.EvaluateOnce()
		}
	}
}

// EvaluateOnce runs a single evaluation pass across every registered
// worker. Exported so tests and the doctor/status CLI path can trigger an
// out-of-band pass without waiting for the ticker.
func (m *Monitor) EvaluateOnce() {
	for _, st := range m.pool.AllWorkers() {
		m.evaluateWorker(st)
	}
}

func (m *Monitor) evaluateWorker(st *worker.State) {
	workerID := string(st.Config().ID)
	caps := st.Capabilities()

	var latest *Telemetry
	if m.telemetry != nil {
		latest = m.telemetry.Latest(workerID)
	}

	next := Evaluate(caps, latest, m.config)
	prev := st.PressureAssessment()
	st.SetPressureAssessment(&next)

	metrics.PressureAssessmentsTotal.WithLabelValues(string(next.State)).Inc()

	changed := prev == nil || prev.State != next.State || prev.Confidence != next.Confidence || prev.ReasonCode != next.ReasonCode
	if !changed && next.State == types.PressureHealthy {
		return
	}

	logger := log.WithWorkerID(workerID)
	event := logger.Info()
	switch next.State {
	case types.PressureCritical:
		event = logger.Warn()
	case types.PressureHealthy:
		event = logger.Debug()
	}

	event.
		Str("pressure_state", string(next.State)).
		Str("confidence", string(next.Confidence)).
		Str("reason_code", next.ReasonCode).
		Str("policy_rule", next.PolicyRule).
		Bool("telemetry_fresh", next.TelemetryFresh).
		Msg("disk pressure policy decision")
}
