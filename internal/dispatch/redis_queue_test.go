package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://"+s.Addr(), "test:dispatch")
	if err != nil {
		t.Fatalf("failed to create redis queue: %v", err)
	}
	return q, s
}

func TestNewRedisQueue(t *testing.T) {
	q, _ := setupTestQueue(t)
	defer q.Close()

	if err := q.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisQueue_BadURL(t *testing.T) {
	if _, err := NewRedisQueue("not a url", ""); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestRedisQueue_RoundTripPreservesOrder(t *testing.T) {
	q, s := setupTestQueue(t)
	defer q.Close()
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(ctx, Job{SubmissionID: i, FormID: 7, EnqueuedAt: at}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if n, err := q.Len(ctx); err != nil || n != 3 {
		t.Fatalf("expected 3 queued jobs, got %d (%v)", n, err)
	}
	if !s.Exists("test:dispatch") {
		t.Fatal("expected list key to exist")
	}

	for i := int64(1); i <= 3; i++ {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if job.SubmissionID != i || job.FormID != 7 || !job.EnqueuedAt.Equal(at) {
			t.Errorf("unexpected job %d: %+v", i, job)
		}
	}
}

func TestRedisQueue_DequeueCancelled(t *testing.T) {
	q, _ := setupTestQueue(t)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRedisQueue_CorruptPayload(t *testing.T) {
	q, s := setupTestQueue(t)
	defer q.Close()

	if _, err := s.Lpush("test:dispatch", "{not json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); err == nil {
		t.Error("expected unmarshal error")
	}
}
