package queue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := New(8)

	for i := 0; i < 5; i++ {
		msg := StatusMessage{Kind: StreamOnline, StreamUserID: fmt.Sprintf("u%d", i)}
		if err := q.Push(ctx, msg); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d, want 5", q.Len())
	}
	for i := 0; i < 5; i++ {
		msg, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if want := fmt.Sprintf("u%d", i); msg.StreamUserID != want {
			t.Fatalf("pop %d = %s, want %s", i, msg.StreamUserID, want)
		}
	}
}

func TestPushBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	q := New(1)

	if err := q.Push(ctx, StatusMessage{StreamUserID: "a"}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(ctx, StatusMessage{StreamUserID: "b"})
	}()

	select {
	case err := <-pushed:
		t.Fatalf("push completed on a full queue: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("blocked push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push still blocked after pop freed a slot")
	}
	msg, err := q.Pop(ctx)
	if err != nil || msg.StreamUserID != "b" {
		t.Fatalf("pop = %+v, %v; want b", msg, err)
	}
}

func TestPushCancel(t *testing.T) {
	q := New(1)
	if err := q.Push(context.Background(), StatusMessage{}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, StatusMessage{}); err != context.DeadlineExceeded {
		t.Fatalf("push on full queue with expiring ctx = %v, want deadline exceeded", err)
	}
}

func TestPopCancel(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); err != context.Canceled {
		t.Fatalf("pop on empty queue with cancelled ctx = %v, want canceled", err)
	}
}

func TestDefaultCapacity(t *testing.T) {
	if got := New(0).Cap(); got != DefaultCapacity {
		t.Fatalf("New(0).Cap() = %d, want %d", got, DefaultCapacity)
	}
	if got := New(-3).Cap(); got != DefaultCapacity {
		t.Fatalf("New(-3).Cap() = %d, want %d", got, DefaultCapacity)
	}
	if got := New(4).Cap(); got != 4 {
		t.Fatalf("New(4).Cap() = %d, want 4", got)
	}
}
