package queue

import (
	"context"
	"errors"
	"time"
)

// QueueJob is the transient dispatch envelope for one campaign job.
// It is a copy of the dispatch-relevant fields, not a reference to the
// campaign's canonical job record; results are written back through the
// campaign state machine, never through the queue.
//
// Lifecycle: created on enqueue, destroyed on successful completion or when
// moved to the dead-letter list.
type QueueJob struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	JobID      string    `json:"job_id"`
	AudioURL   string    `json:"audio_url"`
	AgentName  string    `json:"agent_name,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrUnavailable signals the backing store is unreachable. Callers must treat
// it as "nothing to dispatch this tick", never as a job or campaign failure.
var ErrUnavailable = errors.New("queue: unavailable")

// JobQueue is a durable FIFO holding area for dispatch-ready work, decoupled
// from the dispatch rate. Two lists per campaign: pending and dead-letter.
//
// Ordering: best-effort FIFO per campaign. Requeued jobs are re-appended at
// the tail and lose their original position; this keeps a poison job from
// blocking campaign progress.
type JobQueue interface {
	// Enqueue appends to the tail of the campaign's pending list and returns
	// the envelope id (assigned when empty).
	Enqueue(ctx context.Context, qj QueueJob) (string, error)

	// EnqueueMany is a batch convenience. It is not atomic: on mid-batch
	// failure it returns the ids it did enqueue alongside the error.
	EnqueueMany(ctx context.Context, qjs []QueueJob) ([]string, error)

	// Dequeue pops the least-recently enqueued envelope. ok=false means the
	// queue is empty, which is the common case and not an error.
	Dequeue(ctx context.Context, campaignID string) (qj QueueJob, ok bool, err error)

	// Requeue increments the attempt counter and re-appends at the tail while
	// attempts remain under the retry budget; otherwise the envelope moves to
	// the dead-letter list. Returns the updated envelope.
	Requeue(ctx context.Context, qj QueueJob) (updated QueueJob, deadLettered bool, err error)

	// DeadLetter moves an envelope straight to the dead-letter list,
	// bypassing the retry budget (terminal job failures).
	DeadLetter(ctx context.Context, qj QueueJob) error

	// Len reports the campaign's current pending count.
	Len(ctx context.Context, campaignID string) (int64, error)

	// DeadLetters returns the campaign's dead-letter envelopes, oldest first.
	DeadLetters(ctx context.Context, campaignID string) ([]QueueJob, error)

	// Purge drops all queued and dead-lettered envelopes for a campaign.
	// Used on cancel.
	Purge(ctx context.Context, campaignID string) error

	// PurgeDead drops only the dead-letter list. Used when failed jobs are
	// manually retried and re-enter the pending queue.
	PurgeDead(ctx context.Context, campaignID string) error
}
