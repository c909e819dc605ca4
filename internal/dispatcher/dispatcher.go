package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callaudit-engine/internal/campaign"
	"callaudit-engine/internal/executor"
	"callaudit-engine/internal/queue"
	"callaudit-engine/internal/ratelimit"
)

// Dispatcher runs one scheduler loop per processing campaign. A sweep loop
// lists active campaigns and spawns/retires runners; each runner pulls
// envelopes from the queue gated by the rate limiter, executes them on a
// bounded worker pool, and feeds results back through the campaign service.
//
// Crash tolerance: a runner always starts with stale-job recovery, so work
// abandoned by a crashed process is re-enqueued instead of silently lost.
type Dispatcher struct {
	svc     *campaign.Service
	queue   queue.JobQueue
	limiter *ratelimit.Limiter
	exec    executor.AuditExecutor
	log     *slog.Logger
	cfg     Config

	mu      sync.Mutex
	runners map[string]struct{}
	wg      sync.WaitGroup
}

// Config tunes loop timing and concurrency. Zero values fall back to
// conservative defaults.
type Config struct {
	// PollInterval is the backoff when the queue is empty or unavailable.
	PollInterval time.Duration
	// SweepInterval is how often active campaigns are re-listed.
	SweepInterval time.Duration
	// MaxWorkers bounds concurrent executor calls per campaign.
	MaxWorkers int
	// FatalSaveRetries is how many consecutive result-save failures a runner
	// tolerates before declaring the campaign store-fatal.
	FatalSaveRetries int
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Second
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 8
	}
	if out.FatalSaveRetries <= 0 {
		out.FatalSaveRetries = 5
	}
	return out
}

func New(svc *campaign.Service, q queue.JobQueue, limiter *ratelimit.Limiter, exec executor.AuditExecutor, log *slog.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		svc:     svc,
		queue:   q,
		limiter: limiter,
		exec:    exec,
		log:     log,
		cfg:     cfg.withDefaults(),
		runners: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, sweeping for active campaigns and
// keeping one runner alive per campaign. Existing processing campaigns are
// picked up on the first sweep, which doubles as boot recovery.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		d.sweep(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ids, err := d.svc.ActiveCampaigns(ctx)
	if err != nil {
		d.log.Warn("active campaign sweep failed", "err", err)
		return
	}
	for _, id := range ids {
		d.ensureRunner(ctx, id)
	}
}

func (d *Dispatcher) ensureRunner(ctx context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.runners[id]; running {
		return
	}
	d.runners[id] = struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.runners, id)
			d.mu.Unlock()
			d.limiter.Forget(id)
		}()
		d.runCampaign(ctx, id)
	}()
}

// runCampaign is the per-campaign scheduler loop. It exits whenever the
// campaign leaves processing; the sweep restarts it after a resume.
func (d *Dispatcher) runCampaign(ctx context.Context, id string) {
	log := d.log.With("campaign_id", id)
	log.Info("campaign runner started")

	if n, err := d.svc.RecoverStale(ctx, id); err != nil {
		log.Warn("stale recovery failed", "err", err)
	} else if n > 0 {
		log.Info("recovered abandoned jobs", "count", n)
	}

	sem := make(chan struct{}, d.cfg.MaxWorkers)
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		log.Info("campaign runner stopped")
	}()

	saveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		c, err := d.svc.Get(ctx, id)
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				log.Error("campaign disappeared from store")
				return
			}
			log.Warn("campaign load failed", "err", err)
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}
		if c.Status != campaign.StatusProcessing {
			return
		}

		ok, wait := d.limiter.Allow(id, c.Config.RPM)
		if !ok {
			log.Debug("rate limit window exhausted", "wait", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		qj, found, err := d.queue.Dequeue(ctx, id)
		if err != nil {
			// Queue-transient: nothing to dispatch this tick.
			log.Warn("dequeue failed", "err", err)
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}
		if !found {
			if n, err := d.svc.RecoverStale(ctx, id); err == nil && n > 0 {
				log.Info("recovered abandoned jobs", "count", n)
				continue
			}
			done, err := d.svc.MaybeComplete(ctx, id)
			if err == nil && done {
				log.Info("campaign completed")
				return
			}
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}

		if err := d.svc.BeginJob(ctx, id, qj.JobID); err != nil {
			switch {
			case errors.Is(err, campaign.ErrJobSettled):
				// Duplicate or stale envelope: drop it.
				log.Debug("dropping settled envelope", "job_id", qj.JobID)
			case errors.Is(err, campaign.ErrNotDispatchable):
				// Campaign paused/cancelled between load and claim: put the
				// envelope back and stop.
				if _, reqErr := d.queue.Enqueue(ctx, qj); reqErr != nil {
					log.Warn("returning envelope failed", "job_id", qj.JobID, "err", reqErr)
				}
				return
			default:
				saveFailures++
				log.Warn("job claim failed", "job_id", qj.JobID, "err", err, "consecutive", saveFailures)
				if d.fatal(ctx, id, saveFailures, log) {
					return
				}
				if !sleepCtx(ctx, d.cfg.PollInterval) {
					return
				}
			}
			continue
		}
		saveFailures = 0

		sem <- struct{}{}
		inflight.Add(1)
		go func(qj queue.QueueJob) {
			defer inflight.Done()
			defer func() { <-sem }()
			d.executeOne(ctx, qj, log)
		}(qj)
	}
}

// executeOne runs a single claimed envelope and reports its outcome.
func (d *Dispatcher) executeOne(ctx context.Context, qj queue.QueueJob, log *slog.Logger) {
	res, execErr := d.exec.Execute(ctx, executor.Request{
		CampaignID: qj.CampaignID,
		JobID:      qj.JobID,
		AudioURL:   qj.AudioURL,
		AgentName:  qj.AgentName,
		CallID:     qj.CallID,
	})

	var result campaign.JobResult
	switch {
	case execErr == nil:
		result = campaign.JobResult{
			JobID:    qj.JobID,
			Kind:     campaign.ResultSuccess,
			AuditID:  res.AuditID,
			Attempts: qj.Attempts,
		}

	case executor.Retryable(execErr):
		updated, deadLettered, qerr := d.queue.Requeue(ctx, qj)
		if qerr != nil {
			// Queue unavailable: leave the job claimed; stale recovery will
			// re-enqueue it once the visibility timeout passes.
			log.Warn("requeue failed, leaving job for recovery", "job_id", qj.JobID, "err", qerr)
			return
		}
		kind := campaign.ResultRequeued
		if deadLettered {
			kind = campaign.ResultFailed
			log.Info("retry budget exhausted", "job_id", qj.JobID, "attempts", updated.Attempts)
		}
		result = campaign.JobResult{
			JobID:    qj.JobID,
			Kind:     kind,
			Message:  executor.Message(execErr),
			Attempts: updated.Attempts,
		}

	default:
		// Terminal: dead-letter straight away, bypassing the retry budget.
		if qerr := d.queue.DeadLetter(ctx, qj); qerr != nil {
			log.Warn("dead-letter failed", "job_id", qj.JobID, "err", qerr)
		}
		result = campaign.JobResult{
			JobID:    qj.JobID,
			Kind:     campaign.ResultFailed,
			Message:  executor.Message(execErr),
			Attempts: qj.Attempts,
		}
	}

	out, err := d.svc.CompleteJob(ctx, qj.CampaignID, result)
	if err != nil {
		// The job stays claimed; stale recovery re-dispatches it. Duplicate
		// completions are absorbed by the state machine.
		log.Warn("result application failed, leaving job for recovery", "job_id", qj.JobID, "err", err)
		return
	}
	switch {
	case out.BreakerTripped:
		log.Warn("failure threshold tripped, campaign paused")
	case out.Completed:
		log.Info("campaign completed")
	case !out.Applied:
		log.Debug("duplicate result ignored", "job_id", qj.JobID)
	}
}

// fatal escalates persistent store failures to the campaign-fatal path.
func (d *Dispatcher) fatal(ctx context.Context, id string, consecutive int, log *slog.Logger) bool {
	if consecutive < d.cfg.FatalSaveRetries {
		return false
	}
	log.Error("persistent store failures, failing campaign", "consecutive", consecutive)
	if err := d.svc.Fail(ctx, id, "persistent store failures during dispatch"); err != nil {
		log.Error("campaign fail transition failed", "err", err)
	}
	return true
}

// sleepCtx sleeps unless the context ends first; false means shut down.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
