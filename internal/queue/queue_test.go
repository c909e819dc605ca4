package queue

import (
	"context"
	"testing"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()

	for _, jid := range []string{"j1", "j2", "j3"} {
		if _, err := q.Enqueue(ctx, QueueJob{CampaignID: "c", JobID: jid, AudioURL: "https://x/a.wav"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for _, want := range []string{"j1", "j2", "j3"} {
		qj, ok, err := q.Dequeue(ctx, "c")
		if err != nil || !ok {
			t.Fatalf("dequeue: ok=%v err=%v", ok, err)
		}
		if qj.JobID != want {
			t.Fatalf("expected %s, got %s", want, qj.JobID)
		}
	}

	if _, ok, err := q.Dequeue(ctx, "c"); ok || err != nil {
		t.Fatalf("empty queue must return ok=false, nil error; got ok=%v err=%v", ok, err)
	}
}

func TestMemoryQueue_EnqueueAssignsID(t *testing.T) {
	q := NewMemoryQueue(3)
	id, err := q.Enqueue(context.Background(), QueueJob{CampaignID: "c", JobID: "j"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id == "" {
		t.Fatalf("expected assigned envelope id")
	}
}

func TestMemoryQueue_RequeueGoesToTail(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, QueueJob{CampaignID: "c", JobID: "j1"})
	_, _ = q.Enqueue(ctx, QueueJob{CampaignID: "c", JobID: "j2"})

	qj, _, _ := q.Dequeue(ctx, "c")
	updated, dead, err := q.Requeue(ctx, qj)
	if err != nil || dead {
		t.Fatalf("requeue: dead=%v err=%v", dead, err)
	}
	if updated.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", updated.Attempts)
	}

	// j2 was ahead of the requeued j1.
	first, _, _ := q.Dequeue(ctx, "c")
	second, _, _ := q.Dequeue(ctx, "c")
	if first.JobID != "j2" || second.JobID != "j1" {
		t.Fatalf("expected tail requeue order j2,j1; got %s,%s", first.JobID, second.JobID)
	}
}

func TestMemoryQueue_RequeueExhaustionDeadLetters(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	qj := QueueJob{CampaignID: "c", JobID: "j1", Attempts: 1}
	updated, dead, err := q.Requeue(ctx, qj)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !dead {
		t.Fatalf("expected dead-letter at attempts == maxRetries")
	}
	if updated.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", updated.Attempts)
	}

	dls, err := q.DeadLetters(ctx, "c")
	if err != nil || len(dls) != 1 || dls[0].JobID != "j1" {
		t.Fatalf("expected j1 dead-lettered, got %v (err %v)", dls, err)
	}
	if n, _ := q.Len(ctx, "c"); n != 0 {
		t.Fatalf("dead-lettered job must not stay pending, len=%d", n)
	}
}

func TestMemoryQueue_DeadLetterBypass(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()

	if err := q.DeadLetter(ctx, QueueJob{CampaignID: "c", JobID: "j1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	dls, _ := q.DeadLetters(ctx, "c")
	if len(dls) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dls))
	}
}

func TestMemoryQueue_Purge(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, QueueJob{CampaignID: "c", JobID: "j1"})
	_ = q.DeadLetter(ctx, QueueJob{CampaignID: "c", JobID: "j2"})
	_, _ = q.Enqueue(ctx, QueueJob{CampaignID: "other", JobID: "j3"})

	if err := q.Purge(ctx, "c"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n, _ := q.Len(ctx, "c"); n != 0 {
		t.Fatalf("expected purged pending list, len=%d", n)
	}
	if dls, _ := q.DeadLetters(ctx, "c"); len(dls) != 0 {
		t.Fatalf("expected purged dead list, got %d", len(dls))
	}
	if n, _ := q.Len(ctx, "other"); n != 1 {
		t.Fatalf("purge must not touch other campaigns, len=%d", n)
	}
}

func TestMemoryQueue_EnqueueManyReportsIDs(t *testing.T) {
	q := NewMemoryQueue(3)
	ids, err := q.EnqueueMany(context.Background(), []QueueJob{
		{CampaignID: "c", JobID: "j1"},
		{CampaignID: "c", JobID: "j2"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
}
