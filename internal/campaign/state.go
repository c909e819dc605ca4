package campaign

import (
	"errors"
	"fmt"
	"time"
)

// The campaign state machine. Pure transition and bookkeeping functions on
// *Campaign: no storage, no queue, no clock reads. The service layer owns
// load-mutate-save and per-campaign serialization.
//
// Legal transitions:
//
//	pending    -> processing
//	processing -> paused | completed | failed | cancelled
//	paused     -> processing | cancelled | failed
//
// Everything else is rejected with ErrInvalidTransition. The terminal failed
// state is reserved for the campaign as a whole becoming unrecoverable;
// job-level failures only move counters and may trip the pause breaker.

var ErrInvalidTransition = errors.New("campaign: invalid transition")

var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusProcessing, StatusCancelled, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the campaign to a new status, rejecting illegal moves
// without touching state. reason is only meaningful for pauses.
func (c *Campaign) TransitionTo(to Status, reason PauseReason, now time.Time) error {
	if !canTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	c.Status = to
	c.UpdatedAt = now

	switch to {
	case StatusProcessing:
		c.PauseReason = ""
		if c.StartedAt == nil {
			t := now
			c.StartedAt = &t
		}
	case StatusPaused:
		c.PauseReason = reason
	case StatusCompleted, StatusFailed, StatusCancelled:
		c.PauseReason = ""
		t := now
		c.CompletedAt = &t
	}
	return nil
}

// MarkJobProcessing claims a pending job for dispatch. Returns false when
// the job is unknown or not pending (duplicate envelope, already settled),
// which callers must treat as "skip this envelope".
func (c *Campaign) MarkJobProcessing(jobID string, now time.Time) bool {
	j := c.JobByID(jobID)
	if j == nil || j.Status != JobPending {
		return false
	}
	j.Status = JobProcessing
	j.UpdatedAt = now
	t := now
	c.Usage.LastJobStartedAt = &t
	c.UpdatedAt = now
	return true
}

// ApplyJobSuccess settles a job as completed and moves CompletedJobs once.
// Idempotent: re-delivering the same completion is a no-op, keyed by job
// identity and current status.
func (c *Campaign) ApplyJobSuccess(jobID, auditID string, attempts int, now time.Time) bool {
	j := c.JobByID(jobID)
	if j == nil || j.Status.Settled() {
		return false
	}
	j.Status = JobCompleted
	j.AuditID = auditID
	j.Attempts = attempts
	j.UpdatedAt = now
	c.CompletedJobs++
	c.UpdatedAt = now
	return true
}

// ApplyJobFailure settles a job as failed (terminal error or exhausted
// retries) and moves FailedJobs once. Idempotent like ApplyJobSuccess.
func (c *Campaign) ApplyJobFailure(jobID, message string, attempts int, now time.Time) bool {
	j := c.JobByID(jobID)
	if j == nil || j.Status.Settled() {
		return false
	}
	j.Status = JobFailed
	j.Error = message
	j.Attempts = attempts
	j.UpdatedAt = now
	c.FailedJobs++
	c.UpdatedAt = now
	return true
}

// ApplyJobRequeue records a retryable failure that went back to the queue:
// the job returns to pending with the error and attempt count kept, counters
// untouched.
func (c *Campaign) ApplyJobRequeue(jobID, message string, attempts int, now time.Time) bool {
	j := c.JobByID(jobID)
	if j == nil || j.Status.Settled() {
		return false
	}
	j.Status = JobPending
	j.Error = message
	j.Attempts = attempts
	j.UpdatedAt = now
	c.UpdatedAt = now
	return true
}

// BreakerTripped evaluates the failure-threshold circuit breaker:
// failed/attempted >= threshold/100, but only once minSample jobs have been
// attempted, so early noise cannot pause a campaign. A threshold of 0
// disables the breaker.
func (c *Campaign) BreakerTripped(minSample int) bool {
	threshold := c.Config.FailureThresholdPercent
	if threshold <= 0 {
		return false
	}
	attempted := c.AttemptedJobs()
	if attempted < minSample || attempted == 0 {
		return false
	}
	return float64(c.FailedJobs)/float64(attempted) >= float64(threshold)/100
}

// AllJobsSettled reports whether every job reached completed or failed.
func (c *Campaign) AllJobsSettled() bool {
	return c.AttemptedJobs() == c.TotalJobs
}

// ResetFailedJobs returns every failed job to pending with a fresh retry
// budget, decrementing FailedJobs accordingly. The last error message stays
// on the job for the audit trail. Returns the reset jobs for re-enqueue.
func (c *Campaign) ResetFailedJobs(now time.Time) []Job {
	var reset []Job
	for i := range c.Jobs {
		j := &c.Jobs[i]
		if j.Status != JobFailed {
			continue
		}
		j.Status = JobPending
		j.Attempts = 0
		j.UpdatedAt = now
		c.FailedJobs--
		reset = append(reset, *j)
	}
	if len(reset) > 0 {
		c.UpdatedAt = now
	}
	return reset
}

// StaleProcessingJobs returns jobs stuck in processing since before the
// cutoff: abandoned in-flight work from a crashed dispatcher, due for
// re-enqueue (visibility-timeout recovery).
func (c *Campaign) StaleProcessingJobs(cutoff time.Time) []Job {
	var stale []Job
	for i := range c.Jobs {
		j := c.Jobs[i]
		if j.Status == JobProcessing && j.UpdatedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale
}

// ReturnJobToPending puts an abandoned processing job back to pending,
// keeping its attempt count. Used by stale recovery.
func (c *Campaign) ReturnJobToPending(jobID string, now time.Time) bool {
	j := c.JobByID(jobID)
	if j == nil || j.Status != JobProcessing {
		return false
	}
	j.Status = JobPending
	j.UpdatedAt = now
	c.UpdatedAt = now
	return true
}
