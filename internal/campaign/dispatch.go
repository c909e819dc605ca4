package campaign

import (
	"context"
	"fmt"
)

// Dispatcher-facing service methods. These keep all campaign/job writes
// behind the same per-campaign lock the control surface uses, so a dispatch
// tick and a concurrent pause/cancel can never interleave their writes.

// ResultKind classifies a finished execution attempt.
type ResultKind string

const (
	// ResultSuccess: the audit ran, AuditID recorded.
	ResultSuccess ResultKind = "success"
	// ResultRequeued: retryable failure, envelope back on the queue.
	ResultRequeued ResultKind = "requeued"
	// ResultFailed: terminal failure or retry budget exhausted.
	ResultFailed ResultKind = "failed"
)

// JobResult is the dispatcher's report of one execution attempt.
type JobResult struct {
	JobID    string
	Kind     ResultKind
	AuditID  string
	Message  string
	Attempts int
}

// CompleteOutcome reports what a result application did to the campaign.
type CompleteOutcome struct {
	// Applied is false when the event was a duplicate (idempotent skip).
	Applied bool
	// BreakerTripped: this result pushed the failure rate over the
	// threshold and the campaign auto-paused.
	BreakerTripped bool
	// Completed: this was the last outstanding job.
	Completed bool
}

// BeginJob claims a job for execution. ErrNotDispatchable means the campaign
// left processing (caller should return the envelope and stop);
// ErrJobSettled means the envelope is stale or duplicated (caller drops it).
func (s *Service) BeginJob(ctx context.Context, campaignID, jobID string) error {
	unlock := s.locks.lock(campaignID)
	defer unlock()

	c, err := s.store.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != StatusProcessing {
		return fmt.Errorf("%w: campaign is %s", ErrNotDispatchable, c.Status)
	}
	if !c.MarkJobProcessing(jobID, s.clock().UTC()) {
		return ErrJobSettled
	}
	return s.store.Save(ctx, c)
}

// CompleteJob applies one execution result, re-evaluates the failure
// breaker, and performs the completed transition when the last job settles.
// Results are applied even on paused/cancelled campaigns (in-flight work is
// allowed to finish); transitions only fire while processing.
func (s *Service) CompleteJob(ctx context.Context, campaignID string, res JobResult) (CompleteOutcome, error) {
	unlock := s.locks.lock(campaignID)
	defer unlock()

	c, err := s.store.Get(ctx, campaignID)
	if err != nil {
		return CompleteOutcome{}, err
	}
	now := s.clock().UTC()

	var out CompleteOutcome
	switch res.Kind {
	case ResultSuccess:
		out.Applied = c.ApplyJobSuccess(res.JobID, res.AuditID, res.Attempts, now)
	case ResultRequeued:
		out.Applied = c.ApplyJobRequeue(res.JobID, res.Message, res.Attempts, now)
	case ResultFailed:
		out.Applied = c.ApplyJobFailure(res.JobID, res.Message, res.Attempts, now)
	default:
		return CompleteOutcome{}, fmt.Errorf("%w: unknown result kind %q", ErrInvalidArgument, res.Kind)
	}
	if !out.Applied {
		return out, nil
	}

	if c.Status == StatusProcessing {
		if c.BreakerTripped(s.opts.MinFailureSample) {
			if err := c.TransitionTo(StatusPaused, PauseFailureThreshold, now); err == nil {
				out.BreakerTripped = true
			}
		} else if c.AllJobsSettled() {
			if err := c.TransitionTo(StatusCompleted, "", now); err == nil {
				out.Completed = true
			}
		}
	}

	if err := s.store.Save(ctx, c); err != nil {
		return CompleteOutcome{}, err
	}
	return out, nil
}

// MaybeComplete closes out a processing campaign whose jobs are all settled.
// Covers the resume-after-everything-finished case where no further
// CompleteJob call will arrive.
func (s *Service) MaybeComplete(ctx context.Context, campaignID string) (bool, error) {
	unlock := s.locks.lock(campaignID)
	defer unlock()

	c, err := s.store.Get(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if c.Status != StatusProcessing || !c.AllJobsSettled() {
		return false, nil
	}
	if err := c.TransitionTo(StatusCompleted, "", s.clock().UTC()); err != nil {
		return false, err
	}
	if err := s.store.Save(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}

// RecoverStale re-enqueues abandoned work for a processing campaign:
// jobs stuck in processing past the visibility timeout (dispatcher crash
// mid-flight), and, when the pending queue is empty, pending jobs whose
// envelopes were lost (crash mid-enqueue). Returns how many envelopes were
// re-created.
func (s *Service) RecoverStale(ctx context.Context, campaignID string) (int, error) {
	unlock := s.locks.lock(campaignID)
	defer unlock()

	c, err := s.store.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status != StatusProcessing {
		return 0, nil
	}
	now := s.clock().UTC()
	cutoff := now.Add(-s.opts.StaleAfter)

	var abandoned []Job
	for _, j := range c.StaleProcessingJobs(cutoff) {
		if c.ReturnJobToPending(j.ID, now) {
			j.Status = JobPending
			abandoned = append(abandoned, j)
		}
	}

	if depth, err := s.queue.Len(ctx, campaignID); err == nil && depth == 0 {
		for i := range c.Jobs {
			j := c.Jobs[i]
			if j.Status == JobPending && j.UpdatedAt.Before(cutoff) {
				abandoned = append(abandoned, j)
			}
		}
	}

	if len(abandoned) == 0 {
		return 0, nil
	}
	if err := s.store.Save(ctx, c); err != nil {
		return 0, err
	}
	// Partial enqueue is fine; the rest stays pending for the next pass.
	ids, _ := s.queue.EnqueueMany(ctx, envelopes(c, abandoned))
	return len(ids), nil
}
