package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue stores envelopes as JSON on Redis lists, one pending and one
// dead-letter list per campaign. Durability follows the Redis deployment
// (AOF/RDB); the engine itself only assumes the lists survive a dispatcher
// restart.
type RedisQueue struct {
	rdb        *redis.Client
	maxRetries int
}

func NewRedisQueue(rdb *redis.Client, maxRetries int) *RedisQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RedisQueue{rdb: rdb, maxRetries: maxRetries}
}

func pendingKey(campaignID string) string { return "audit:q:" + campaignID + ":pending" }
func deadKey(campaignID string) string    { return "audit:q:" + campaignID + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, qj QueueJob) (string, error) {
	if qj.CampaignID == "" || qj.JobID == "" {
		return "", errors.New("queue: campaign_id and job_id required")
	}
	if qj.ID == "" {
		qj.ID = uuid.NewString()
	}
	b, err := json.Marshal(qj)
	if err != nil {
		return "", fmt.Errorf("queue: marshal envelope: %w", err)
	}
	if err := q.rdb.RPush(ctx, pendingKey(qj.CampaignID), b).Err(); err != nil {
		return "", unavailable(err)
	}
	return qj.ID, nil
}

func (q *RedisQueue) EnqueueMany(ctx context.Context, qjs []QueueJob) ([]string, error) {
	ids := make([]string, 0, len(qjs))
	for _, qj := range qjs {
		id, err := q.Enqueue(ctx, qj)
		if err != nil {
			// Partial enqueue is acceptable; report what succeeded.
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, campaignID string) (QueueJob, bool, error) {
	raw, err := q.rdb.LPop(ctx, pendingKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return QueueJob{}, false, nil
	}
	if err != nil {
		return QueueJob{}, false, unavailable(err)
	}
	var qj QueueJob
	if err := json.Unmarshal(raw, &qj); err != nil {
		// Corrupt entry: drop it rather than wedging the campaign.
		return QueueJob{}, false, fmt.Errorf("queue: corrupt envelope dropped: %w", err)
	}
	return qj, true, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, qj QueueJob) (QueueJob, bool, error) {
	qj.Attempts++
	if qj.Attempts >= q.maxRetries {
		if err := q.DeadLetter(ctx, qj); err != nil {
			return qj, false, err
		}
		return qj, true, nil
	}
	b, err := json.Marshal(qj)
	if err != nil {
		return qj, false, fmt.Errorf("queue: marshal envelope: %w", err)
	}
	if err := q.rdb.RPush(ctx, pendingKey(qj.CampaignID), b).Err(); err != nil {
		return qj, false, unavailable(err)
	}
	return qj, false, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, qj QueueJob) error {
	b, err := json.Marshal(qj)
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	if err := q.rdb.RPush(ctx, deadKey(qj.CampaignID), b).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, campaignID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, pendingKey(campaignID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, campaignID string) ([]QueueJob, error) {
	raws, err := q.rdb.LRange(ctx, deadKey(campaignID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]QueueJob, 0, len(raws))
	for _, raw := range raws {
		var qj QueueJob
		if err := json.Unmarshal([]byte(raw), &qj); err != nil {
			continue
		}
		out = append(out, qj)
	}
	return out, nil
}

func (q *RedisQueue) Purge(ctx context.Context, campaignID string) error {
	if err := q.rdb.Del(ctx, pendingKey(campaignID), deadKey(campaignID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (q *RedisQueue) PurgeDead(ctx context.Context, campaignID string) error {
	if err := q.rdb.Del(ctx, deadKey(campaignID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var _ JobQueue = (*RedisQueue)(nil)
