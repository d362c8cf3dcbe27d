package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOrder(t *testing.T) {
	q := New[string]()
	for _, s := range []string{"a", "b", "c"} {
		q.Push(s)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(context.Background())
		if err != nil || got != want {
			t.Fatalf("Pop = %q, %v; want %q", got, err, want)
		}
	}
}

func TestPopWaits(t *testing.T) {
	q := New[int]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(7)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if v, err := q.Pop(ctx); err != nil || v != 7 {
		t.Fatalf("Pop = %d, %v", v, err)
	}
}

func TestCloseDrains(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Close()
	if q.Push(3) {
		t.Fatal("Push after Close should fail")
	}
	for _, want := range []int{1, 2} {
		if v, err := q.Pop(context.Background()); err != nil || v != want {
			t.Fatalf("Pop = %d, %v; want %d", v, err, want)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestPopContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}
