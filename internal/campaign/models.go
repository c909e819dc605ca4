package campaign

import "time"

// Campaign is a named batch of audit jobs with shared rate/failure
// configuration.
//
// Invariants:
// - TotalJobs == len(Jobs) at all times.
// - CompletedJobs + FailedJobs <= TotalJobs.
// - Status == completed implies CompletedJobs + FailedJobs == TotalJobs.
// - The campaign is the single writer of its job statuses; all writes go
//   through the state machine in state.go, serialized per campaign.
//
// Storage (Postgres): campaigns row plus campaign_jobs rows ordered by
// position (insertion order is dispatch priority order).
type Campaign struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`

	Status Status `json:"status" db:"status"`
	// PauseReason distinguishes manual pauses from breaker trips for the UI.
	// Resume treats both identically.
	PauseReason PauseReason `json:"pause_reason,omitempty" db:"pause_reason"`

	Config Config `json:"config"`

	// Jobs in insertion order; insertion order is processing priority order.
	Jobs []Job `json:"jobs"`

	TotalJobs     int `json:"total_jobs" db:"total_jobs"`
	CompletedJobs int `json:"completed_jobs" db:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs" db:"failed_jobs"`

	Usage Usage `json:"usage"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Config is campaign-level dispatch tuning. Mutable while the campaign is
// not completed/cancelled.
type Config struct {
	// RPM caps job starts per rolling minute. <= 0 means the engine default.
	RPM int `json:"rpm" db:"rpm" validate:"gte=0,lte=6000"`
	// FailureThresholdPercent is the attempted-job failure fraction that
	// auto-pauses the campaign. 0 disables the breaker.
	FailureThresholdPercent int `json:"failure_threshold_percent" db:"failure_threshold_percent" validate:"gte=0,lte=100"`
}

// Usage records dispatch activity for observability and status reads.
type Usage struct {
	LastJobStartedAt *time.Time `json:"last_job_started_at,omitempty" db:"last_job_started_at"`
}

// Job is one audio recording to be audited, owned exclusively by its
// campaign and never referenced outside it.
type Job struct {
	ID       string `json:"id" db:"id"`
	AudioURL string `json:"audio_url" db:"audio_url"`

	// Opaque metadata for the audit record.
	AgentName string `json:"agent_name,omitempty" db:"agent_name"`
	CallID    string `json:"call_id,omitempty" db:"call_id"`

	Status JobStatus `json:"status" db:"status"`

	// AuditID back-references the externally produced audit record.
	AuditID string `json:"audit_id,omitempty" db:"audit_id"`

	// Error keeps the last failure message, retained even after a later
	// successful retry for the audit trail.
	Error string `json:"error,omitempty" db:"error"`

	Attempts int `json:"attempts" db:"attempts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type PauseReason string

const (
	PauseManual           PauseReason = "manual"
	PauseFailureThreshold PauseReason = "failure_threshold"
)

// Terminal reports whether the campaign reached a final state.
func (c *Campaign) Terminal() bool {
	switch c.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AttemptedJobs is the breaker sample: jobs with a settled outcome.
func (c *Campaign) AttemptedJobs() int {
	return c.CompletedJobs + c.FailedJobs
}

// Progress is percent of jobs settled, 0 when the campaign has no jobs.
func (c *Campaign) Progress() float64 {
	if c.TotalJobs == 0 {
		return 0
	}
	return 100 * float64(c.AttemptedJobs()) / float64(c.TotalJobs)
}

// JobByID returns a pointer into Jobs, or nil.
func (c *Campaign) JobByID(jobID string) *Job {
	for i := range c.Jobs {
		if c.Jobs[i].ID == jobID {
			return &c.Jobs[i]
		}
	}
	return nil
}

func (s JobStatus) Settled() bool {
	return s == JobCompleted || s == JobFailed
}
