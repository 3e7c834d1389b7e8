package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/callhook/model"
)

func TestMemoryQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	r1 := &model.CallbackRequest{ID: "1"}
	r2 := &model.CallbackRequest{ID: "2"}
	if err := q.Enqueue(ctx, r1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, r2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got1, err := q.Dequeue(ctx)
	if err != nil || got1.ID != "1" {
		t.Fatalf("Dequeue1 = %+v, %v", got1, err)
	}
	got2, err := q.Dequeue(ctx)
	if err != nil || got2.ID != "2" {
		t.Fatalf("Dequeue2 = %+v, %v", got2, err)
	}
}

func TestMemoryQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	_ = q.Enqueue(ctx, &model.CallbackRequest{ID: "1"})

	done := make(chan error, 1)
	go func() {
		ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		done <- q.Enqueue(ctx2, &model.CallbackRequest{ID: "2"})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Enqueue on full queue returned nil, want deadline exceeded")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return within timeout")
	}
}

func TestMemoryQueue_DequeueRespectsContextCancellation(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if err == nil {
		t.Error("Dequeue on empty queue with cancelled ctx returned nil error")
	}
}

func TestMemoryQueue_Len(t *testing.T) {
	q := NewMemoryQueue(4)
	_ = q.Enqueue(context.Background(), &model.CallbackRequest{ID: "1"})
	_ = q.Enqueue(context.Background(), &model.CallbackRequest{ID: "2"})
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}
