package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callaudit-engine/internal/queue"
	"callaudit-engine/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Service is the campaign control surface and the single writer of campaign
// and job state. Every mutation runs under a per-campaign lock around
// load-mutate-save, which preserves the counter invariants without relying
// on store-level locking.
type Service struct {
	store Store
	queue queue.JobQueue
	opts  Options

	validate *validator.Validate
	// clock is injectable for deterministic tests.
	clock func() time.Time

	locks keyedMutex
}

// Options carries engine-level tuning the service needs. Zero values fall
// back to the documented defaults.
type Options struct {
	// MinFailureSample gates the failure-threshold breaker (default 5).
	MinFailureSample int
	// StaleAfter is the visibility timeout for abandoned processing jobs
	// (default 2m).
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MinFailureSample <= 0 {
		out.MinFailureSample = 5
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2 * time.Minute
	}
	return out
}

func NewService(store Store, q queue.JobQueue, opts Options) *Service {
	return &Service{
		store:    store,
		queue:    q,
		opts:     opts.withDefaults(),
		validate: validator.New(),
		clock:    time.Now,
	}
}

var (
	// ErrNotDispatchable tells the dispatcher the campaign left processing;
	// the current envelope should go back to the queue and the loop stop.
	ErrNotDispatchable = errors.New("campaign: not dispatchable")
	// ErrJobSettled tells the dispatcher an envelope refers to a job that is
	// already settled or in flight; the envelope is dropped (idempotence
	// under at-least-once delivery).
	ErrJobSettled = errors.New("campaign: job already settled or in flight")
)

// CreateRequest is the payload for Create.
type CreateRequest struct {
	WorkspaceID string     `json:"workspace_id" validate:"required"`
	Name        string     `json:"name" validate:"required"`
	Config      Config     `json:"config"`
	Jobs        []JobInput `json:"jobs" validate:"dive"`
}

// JobInput is one job in a create or add-jobs payload.
type JobInput struct {
	AudioURL  string `json:"audio_url" validate:"required,url"`
	AgentName string `json:"agent_name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// ConfigUpdate carries partial config changes; nil fields are left as-is.
type ConfigUpdate struct {
	RPM                     *int `json:"rpm,omitempty"`
	FailureThresholdPercent *int `json:"failure_threshold_percent,omitempty"`
}

// StatusReport is the cheap read exposed for polling UIs.
type StatusReport struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        Status      `json:"status"`
	PauseReason   PauseReason `json:"pause_reason,omitempty"`
	Progress      float64     `json:"progress"`
	TotalJobs     int         `json:"total_jobs"`
	CompletedJobs int         `json:"completed_jobs"`
	FailedJobs    int         `json:"failed_jobs"`
	QueueDepth    int64       `json:"queue_depth"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Create registers a new campaign in pending status. Jobs are materialized
// into the queue on Start, not here.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Campaign, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	now := s.clock().UTC()

	c := &Campaign{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Status:      StatusPending,
		Config:      req.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.Jobs = buildJobs(req.Jobs, now)
	c.TotalJobs = len(c.Jobs)

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the full campaign record.
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	return s.store.Get(ctx, id)
}

// Start begins dispatching: pending -> processing, pending jobs enqueued.
// Queue unavailability does not fail the start; missing envelopes are
// re-created by stale recovery.
func (s *Service) Start(ctx context.Context, id string) (*Campaign, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if err := c.TransitionTo(StatusProcessing, "", now); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, c); err != nil {
		return nil, err
	}
	s.enqueuePending(ctx, c)
	return c, nil
}

// Pause suspends dispatch at the next tick. In-flight jobs finish and their
// results are still recorded.
func (s *Service) Pause(ctx context.Context, id string) (*Campaign, error) {
	return s.transition(ctx, id, StatusPaused, PauseManual)
}

// Resume re-enters the dispatch loop. Completed jobs are not re-run.
func (s *Service) Resume(ctx context.Context, id string) (*Campaign, error) {
	return s.transition(ctx, id, StatusProcessing, "")
}

// Cancel stops new dispatches immediately and drops queued envelopes.
// In-flight executor calls run to completion and their results are recorded.
func (s *Service) Cancel(ctx context.Context, id string) (*Campaign, error) {
	c, err := s.transition(ctx, id, StatusCancelled, "")
	if err != nil {
		return nil, err
	}
	if err := s.queue.Purge(ctx, id); err != nil {
		logger.From(ctx).Warn("queue purge failed on cancel", "campaign_id", id, "err", err)
	}
	return c, nil
}

func (s *Service) transition(ctx context.Context, id string, to Status, reason PauseReason) (*Campaign, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.TransitionTo(to, reason, s.clock().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RetryFailed returns every failed job to pending with a fresh retry budget
// and re-enqueues it. A campaign paused by the failure breaker resumes;
// a manually paused one stays paused until an explicit resume.
func (s *Service) RetryFailed(ctx context.Context, id string) (*Campaign, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Terminal() {
		return nil, fmt.Errorf("%w: retry-failed on %s campaign", ErrInvalidTransition, c.Status)
	}
	now := s.clock().UTC()

	reset := c.ResetFailedJobs(now)
	if len(reset) == 0 {
		return c, nil
	}
	autoResumed := c.Status == StatusPaused && c.PauseReason == PauseFailureThreshold
	if autoResumed {
		if err := c.TransitionTo(StatusProcessing, "", now); err != nil {
			return nil, err
		}
	}
	if err := s.store.Save(ctx, c); err != nil {
		return nil, err
	}

	if err := s.queue.PurgeDead(ctx, id); err != nil {
		logger.From(ctx).Warn("dead-letter purge failed on retry", "campaign_id", id, "err", err)
	}
	if _, err := s.queue.EnqueueMany(ctx, envelopes(c, reset)); err != nil {
		logger.From(ctx).Warn("re-enqueue failed on retry, recovery will pick up", "campaign_id", id, "err", err)
	}
	return c, nil
}

// UpdateConfig adjusts rpm / failure threshold. Rejected once the campaign
// is completed or cancelled.
func (s *Service) UpdateConfig(ctx context.Context, id string, upd ConfigUpdate) (*Campaign, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusCompleted || c.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: config is immutable on %s campaign", ErrInvalidTransition, c.Status)
	}

	cfg := c.Config
	if upd.RPM != nil {
		cfg.RPM = *upd.RPM
	}
	if upd.FailureThresholdPercent != nil {
		cfg.FailureThresholdPercent = *upd.FailureThresholdPercent
	}
	if err := s.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	c.Config = cfg
	c.UpdatedAt = s.clock().UTC()

	if err := s.store.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Status is the cheap polling read. Queue depth is best-effort: a transient
// queue outage reports zero rather than failing the read.
func (s *Service) Status(ctx context.Context, id string) (StatusReport, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	depth, err := s.queue.Len(ctx, id)
	if err != nil {
		depth = 0
	}
	return StatusReport{
		ID:            c.ID,
		Name:          c.Name,
		Status:        c.Status,
		PauseReason:   c.PauseReason,
		Progress:      c.Progress(),
		TotalJobs:     c.TotalJobs,
		CompletedJobs: c.CompletedJobs,
		FailedJobs:    c.FailedJobs,
		QueueDepth:    depth,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
	}, nil
}

// AddJobs appends jobs to a live campaign (incremental upload flows). New
// jobs are enqueued immediately when the campaign is processing.
func (s *Service) AddJobs(ctx context.Context, id string, inputs []JobInput) (*Campaign, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no jobs given", ErrInvalidArgument)
	}
	for _, in := range inputs {
		if err := s.validate.Struct(in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}

	unlock := s.locks.lock(id)
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Terminal() {
		return nil, fmt.Errorf("%w: add jobs to %s campaign", ErrInvalidTransition, c.Status)
	}
	now := s.clock().UTC()

	added := buildJobs(inputs, now)
	c.Jobs = append(c.Jobs, added...)
	c.TotalJobs = len(c.Jobs)
	c.UpdatedAt = now

	if err := s.store.Save(ctx, c); err != nil {
		return nil, err
	}
	if c.Status == StatusProcessing {
		if _, err := s.queue.EnqueueMany(ctx, envelopes(c, added)); err != nil {
			logger.From(ctx).Warn("enqueue of added jobs failed, recovery will pick up", "campaign_id", id, "err", err)
		}
	}
	return c, nil
}

// ActiveCampaigns lists ids the dispatcher should be running.
func (s *Service) ActiveCampaigns(ctx context.Context) ([]string, error) {
	return s.store.ListActive(ctx)
}

// Fail moves a campaign to the terminal failed state. Reserved for
// engine-fatal conditions; job failures never come through here.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	if err := c.TransitionTo(StatusFailed, "", now); err != nil {
		return err
	}
	logger.From(ctx).Error("campaign failed", "campaign_id", id, "reason", reason)
	return s.store.Save(ctx, c)
}

func buildJobs(inputs []JobInput, now time.Time) []Job {
	jobs := make([]Job, 0, len(inputs))
	for _, in := range inputs {
		jobs = append(jobs, Job{
			ID:        uuid.NewString(),
			AudioURL:  in.AudioURL,
			AgentName: in.AgentName,
			CallID:    in.CallID,
			Status:    JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return jobs
}

func envelopes(c *Campaign, jobs []Job) []queue.QueueJob {
	out := make([]queue.QueueJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, queue.QueueJob{
			CampaignID: c.ID,
			JobID:      j.ID,
			AudioURL:   j.AudioURL,
			AgentName:  j.AgentName,
			CallID:     j.CallID,
			Attempts:   j.Attempts,
			CreatedAt:  j.CreatedAt,
		})
	}
	return out
}

func (s *Service) enqueuePending(ctx context.Context, c *Campaign) {
	var pending []Job
	for _, j := range c.Jobs {
		if j.Status == JobPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return
	}
	if _, err := s.queue.EnqueueMany(ctx, envelopes(c, pending)); err != nil {
		logger.From(ctx).Warn("enqueue failed on start, recovery will pick up", "campaign_id", c.ID, "err", err)
	}
}

// keyedMutex hands out one mutex per campaign id. Entries live for the
// service lifetime; campaign cardinality is small enough that this beats the
// churn of reference counting.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
