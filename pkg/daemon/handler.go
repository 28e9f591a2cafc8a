package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/circuitbreaker"
	"github.com/Dicklesworthstone/rchd/pkg/controlsocket"
	"github.com/Dicklesworthstone/rchd/pkg/errs"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// CancelBuild implements controlsocket.Handler.
func (d *Daemon) CancelBuild(ctx context.Context, buildID, reason string, force bool) controlsocket.CancelBuildResponse {
	r := types.CancellationReason(reason)
	if r == "" {
		r = types.CancelReasonUser
	}
	result := d.cancel.CancelBuild(ctx, buildID, r, force)
	return controlsocket.CancelBuildResponse{
		Status:        result.Status,
		BuildID:       result.BuildID,
		WorkerID:      string(result.WorkerID),
		ProjectID:     result.ProjectID,
		SlotsReleased: result.SlotsReleased,
		Message:       result.Message,
	}
}

// CancelAllBuilds implements controlsocket.Handler.
func (d *Daemon) CancelAllBuilds(ctx context.Context, force bool) controlsocket.CancelAllBuildsResponse {
	results := d.cancel.CancelAllBuilds(ctx, force)

	resp := controlsocket.CancelAllBuildsResponse{Status: "cancelled"}
	for _, r := range results {
		resp.Cancelled = append(resp.Cancelled, controlsocket.CancelBuildResponse{
			Status:        r.Status,
			BuildID:       r.BuildID,
			WorkerID:      string(r.WorkerID),
			ProjectID:     r.ProjectID,
			SlotsReleased: r.SlotsReleased,
			Message:       r.Message,
		})
		if r.Status == "cancelled" {
			resp.CancelledCount++
		}
	}
	if resp.CancelledCount < len(results) {
		resp.Status = "partial"
		resp.Message = fmt.Sprintf("%d of %d builds cancelled", resp.CancelledCount, len(results))
	}
	return resp
}

// Status implements controlsocket.Handler.
func (d *Daemon) Status(context.Context) controlsocket.StatusResponse {
	resp := controlsocket.StatusResponse{
		Version:     d.version,
		UptimeSecs:  int64(time.Since(d.startedAt).Seconds()),
		WorkerCount: len(d.pool.AllWorkers()),
	}
	for _, b := range d.history.ActiveBuilds() {
		resp.ActiveBuilds = append(resp.ActiveBuilds, controlsocket.ActiveBuildInfo{
			ID:        b.ID,
			ProjectID: b.ProjectID,
			WorkerID:  string(b.WorkerID),
			StartedAt: b.StartedAt.UnixMilli(),
			Slots:     b.Slots,
		})
	}
	return resp
}

// ListWorkers implements controlsocket.Handler.
func (d *Daemon) ListWorkers(context.Context) controlsocket.ListWorkersResponse {
	resp := controlsocket.ListWorkersResponse{}
	for _, st := range d.pool.AllWorkers() {
		cfg := st.Config()
		info := controlsocket.WorkerInfo{
			ID:           string(cfg.ID),
			Host:         cfg.Host,
			Status:       string(st.Status()),
			TotalSlots:   st.TotalSlots(),
			UsedSlots:    st.UsedSlots(),
			CircuitState: string(st.CircuitState()),
			ErrorRate:    st.CircuitErrorRate(),
			SpeedScore:   st.SpeedScore(),
		}
		if p := st.PressureAssessment(); p != nil {
			info.PressureState = string(p.State)
		}
		if r := st.ReliabilityAssessment(); r != nil {
			info.HealthState = string(r.HealthState)
			info.AggregatedDebt = r.AggregatedDebt
		}
		resp.Workers = append(resp.Workers, info)
	}
	return resp
}

// Doctor implements controlsocket.Handler: a per-worker diagnosis of every
// condition that would drop the worker from scheduling, tagged with its
// stable error code where one exists (reliability findings carry none).
func (d *Daemon) Doctor(context.Context) controlsocket.DoctorResponse {
	resp := controlsocket.DoctorResponse{Healthy: true}
	for _, st := range d.pool.AllWorkers() {
		findings := diagnoseWorker(st)
		for _, f := range findings {
			if f.Severity == "critical" {
				resp.Healthy = false
			}
		}
		resp.Findings = append(resp.Findings, findings...)
	}
	return resp
}

func diagnoseWorker(st *worker.State) []controlsocket.DoctorFinding {
	id := string(st.Config().ID)
	var findings []controlsocket.DoctorFinding

	add := func(severity string, code errs.Code, detail string) {
		f := controlsocket.DoctorFinding{WorkerID: id, Severity: severity, Detail: detail}
		if code != "" {
			f.Code = errs.CodeString(code)
		}
		findings = append(findings, f)
	}

	if status := st.Status(); status != types.WorkerHealthy {
		severity := "warning"
		if status == types.WorkerUnreachable || status == types.WorkerDisabled {
			severity = "critical"
		}
		add(severity, errs.CodeWorkerHealthCheckFail, fmt.Sprintf("worker status is %s", status))
	}

	if cs := st.CircuitState(); cs != circuitbreaker.StateClosed {
		severity := "warning"
		if cs == circuitbreaker.StateOpen {
			severity = "critical"
		}
		add(severity, errs.CodeWorkerCircuitOpen,
			fmt.Sprintf("circuit %s with error rate %.2f", cs, st.CircuitErrorRate()))
	}

	if p := st.PressureAssessment(); p != nil {
		switch p.State {
		case types.PressureCritical:
			add("critical", errs.CodeWorkerDiskPressureCritical, p.ReasonCode)
		case types.PressureWarning:
			add("warning", errs.CodeWorkerDiskPressureWarning, p.ReasonCode)
		case types.PressureTelemetryGap:
			add("warning", errs.CodeWorkerTelemetryGap, p.ReasonCode)
		}
	}

	if r := st.ReliabilityAssessment(); r != nil && r.HealthState != types.ReliabilityHealthy {
		severity := "warning"
		if r.HardExclude {
			severity = "critical"
		}
		add(severity, "", fmt.Sprintf("reliability %s with debt %.2f", r.HealthState, r.AggregatedDebt))
	}

	if len(findings) == 0 {
		add("ok", "", "worker healthy")
	}
	return findings
}

// TriageSweep implements controlsocket.Handler: an on-demand sweep sharing
// the periodic loop's pipeline.
func (d *Daemon) TriageSweep(ctx context.Context, workerIDs []string) controlsocket.TriageSweepResponse {
	filter := make([]types.WorkerID, 0, len(workerIDs))
	for _, id := range workerIDs {
		filter = append(filter, types.WorkerID(id))
	}

	result := d.triageCmd.Run(ctx, filter, 0)

	resp := controlsocket.TriageSweepResponse{
		WorkersSwept: result.WorkersEvaluated,
		Statuses:     make(map[string]string, len(result.WorkerResults)),
	}
	for _, wr := range result.WorkerResults {
		if wr.Skipped {
			resp.Statuses[string(wr.WorkerID)] = "skipped: " + wr.SkipReason
			continue
		}
		resp.Statuses[string(wr.WorkerID)] = string(wr.Status)
	}
	return resp
}
