package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process JobQueue useful for tests and local runs.
// It mirrors RedisQueue semantics (tail requeue, dead-letter on exhausted
// retries) but is not durable.
type MemoryQueue struct {
	mu         sync.Mutex
	maxRetries int
	pending    map[string][]QueueJob
	dead       map[string][]QueueJob
}

func NewMemoryQueue(maxRetries int) *MemoryQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &MemoryQueue{
		maxRetries: maxRetries,
		pending:    make(map[string][]QueueJob),
		dead:       make(map[string][]QueueJob),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, qj QueueJob) (string, error) {
	if qj.CampaignID == "" || qj.JobID == "" {
		return "", errors.New("queue: campaign_id and job_id required")
	}
	if qj.ID == "" {
		qj.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[qj.CampaignID] = append(q.pending[qj.CampaignID], qj)
	return qj.ID, nil
}

func (q *MemoryQueue) EnqueueMany(ctx context.Context, qjs []QueueJob) ([]string, error) {
	ids := make([]string, 0, len(qjs))
	for _, qj := range qjs {
		id, err := q.Enqueue(ctx, qj)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, campaignID string) (QueueJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[campaignID]
	if len(list) == 0 {
		return QueueJob{}, false, nil
	}
	qj := list[0]
	q.pending[campaignID] = list[1:]
	return qj, true, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, qj QueueJob) (QueueJob, bool, error) {
	qj.Attempts++
	q.mu.Lock()
	defer q.mu.Unlock()
	if qj.Attempts >= q.maxRetries {
		q.dead[qj.CampaignID] = append(q.dead[qj.CampaignID], qj)
		return qj, true, nil
	}
	q.pending[qj.CampaignID] = append(q.pending[qj.CampaignID], qj)
	return qj, false, nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, qj QueueJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[qj.CampaignID] = append(q.dead[qj.CampaignID], qj)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context, campaignID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending[campaignID])), nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, campaignID string) ([]QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueJob, len(q.dead[campaignID]))
	copy(out, q.dead[campaignID])
	return out, nil
}

func (q *MemoryQueue) Purge(ctx context.Context, campaignID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, campaignID)
	delete(q.dead, campaignID)
	return nil
}

func (q *MemoryQueue) PurgeDead(ctx context.Context, campaignID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dead, campaignID)
	return nil
}

var _ JobQueue = (*MemoryQueue)(nil)
