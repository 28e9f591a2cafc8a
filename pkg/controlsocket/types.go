package controlsocket

// Request type discriminators.
const (
	TypeCancelBuild     = "cancel_build"
	TypeCancelAllBuilds = "cancel_all_builds"
	TypeStatus          = "status"
	TypeListWorkers     = "list_workers"
	TypeDoctor          = "doctor"
	TypeTriageSweep     = "triage_sweep"
)

// Request is the single request envelope; Type selects which fields are
// meaningful.
type Request struct {
	Type    string `json:"type"`
	BuildID string `json:"build_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Force   bool   `json:"force,omitempty"`
	// WorkerIDs filters a triage sweep to specific workers; empty means all.
	WorkerIDs []string `json:"worker_ids,omitempty"`
}

// CancelBuildResponse reports the outcome of one cancellation request.
type CancelBuildResponse struct {
	Status        string `json:"status"` // cancelled | cancelling | failed | error
	BuildID       string `json:"build_id"`
	WorkerID      string `json:"worker_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	SlotsReleased int    `json:"slots_released"`
	Message       string `json:"message,omitempty"`
}

// CancelAllBuildsResponse reports a bulk cancellation.
type CancelAllBuildsResponse struct {
	Status         string                `json:"status"`
	CancelledCount int                   `json:"cancelled_count"`
	Cancelled      []CancelBuildResponse `json:"cancelled"`
	Message        string                `json:"message,omitempty"`
}

// WorkerInfo is one worker's introspection row.
type WorkerInfo struct {
	ID             string  `json:"id"`
	Host           string  `json:"host"`
	Status         string  `json:"status"`
	TotalSlots     int     `json:"total_slots"`
	UsedSlots      int     `json:"used_slots"`
	CircuitState   string  `json:"circuit_state"`
	ErrorRate      float64 `json:"error_rate"`
	PressureState  string  `json:"pressure_state,omitempty"`
	HealthState    string  `json:"health_state,omitempty"`
	AggregatedDebt float64 `json:"aggregated_debt"`
	SpeedScore     float64 `json:"speed_score"`
}

// ListWorkersResponse lists every registered worker.
type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

// ActiveBuildInfo is one in-flight build's introspection row.
type ActiveBuildInfo struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	WorkerID  string `json:"worker_id"`
	StartedAt int64  `json:"started_at_ms"`
	Slots     int    `json:"slots"`
}

// StatusResponse is the daemon's summary state.
type StatusResponse struct {
	Version      string            `json:"version"`
	UptimeSecs   int64             `json:"uptime_secs"`
	WorkerCount  int               `json:"worker_count"`
	ActiveBuilds []ActiveBuildInfo `json:"active_builds"`
}

// DoctorFinding is one diagnostic row in a doctor report.
type DoctorFinding struct {
	WorkerID string `json:"worker_id"`
	Severity string `json:"severity"` // ok | warning | critical
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail"`
}

// DoctorResponse is the daemon's self-diagnosis.
type DoctorResponse struct {
	Healthy  bool            `json:"healthy"`
	Findings []DoctorFinding `json:"findings"`
}

// TriageSweepResponse summarizes an on-demand triage sweep.
type TriageSweepResponse struct {
	WorkersSwept int            `json:"workers_swept"`
	Statuses     map[string]string `json:"statuses"`
}

// ErrorResponse is returned for unknown request types or handler failures.
type ErrorResponse struct {
	Status  string `json:"status"` // always "error"
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
