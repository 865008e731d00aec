package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatchRunsJobsInOrder(t *testing.T) {
	r := NewResolver(Options{QueueBound: 16})
	key := Key{Channel: "C1", Thread: "1.0"}

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		err := r.Dispatch(context.Background(), key, func(ctx context.Context, conv *Conversation) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
}

func TestDispatchDifferentKeysRunConcurrently(t *testing.T) {
	r := NewResolver(Options{QueueBound: 4})
	defer r.Close()

	release := make(chan struct{})
	firstRunning := make(chan struct{})

	err := r.Dispatch(context.Background(), Key{Channel: "C1", Thread: "1.0"},
		func(ctx context.Context, conv *Conversation) {
			close(firstRunning)
			<-release
		})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	<-firstRunning

	secondDone := make(chan struct{})
	err = r.Dispatch(context.Background(), Key{Channel: "C2", Thread: "2.0"},
		func(ctx context.Context, conv *Conversation) {
			close(secondDone)
		})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("job on a different key should not wait for the first key's job")
	}
	close(release)
}

func TestDispatchQueueFull(t *testing.T) {
	r := NewResolver(Options{QueueBound: 2})
	defer r.Close()

	key := Key{Channel: "C1", Thread: "1.0"}
	release := make(chan struct{})
	running := make(chan struct{})

	blocker := func(ctx context.Context, conv *Conversation) {
		close(running)
		<-release
	}
	if err := r.Dispatch(context.Background(), key, blocker); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	<-running

	// Worker is busy; the queue holds two more.
	for i := 0; i < 2; i++ {
		if err := r.Dispatch(context.Background(), key, func(ctx context.Context, conv *Conversation) {}); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}
	if err := r.Dispatch(context.Background(), key, func(ctx context.Context, conv *Conversation) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestEvictOnceSkipsBusyConversations(t *testing.T) {
	r := NewResolver(Options{QueueBound: 4, IdleTTL: time.Minute})
	defer r.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	err := r.Dispatch(context.Background(), Key{Channel: "C1", Thread: "1.0"},
		func(ctx context.Context, conv *Conversation) {
			close(running)
			<-release
		})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	<-running

	// Push the clock far past the TTL; the in-flight worker must survive.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := r.EvictOnce(); n != 0 {
		t.Fatalf("evicted %d busy conversations, want 0", n)
	}
	close(release)
}

func TestEvictOnceRemovesIdleConversations(t *testing.T) {
	r := NewResolver(Options{QueueBound: 4, IdleTTL: time.Minute})
	defer r.Close()

	done := make(chan struct{})
	err := r.Dispatch(context.Background(), Key{Channel: "C1", Thread: "1.0"},
		func(ctx context.Context, conv *Conversation) { close(done) })
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	<-done

	// Wait for the worker to record completion.
	deadline := time.After(2 * time.Second)
	for {
		if r.Active() == 1 {
			r.now = func() time.Time { return time.Now().Add(time.Hour) }
			if n := r.EvictOnce(); n == 1 {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("idle conversation was never evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if r.Active() != 0 {
		t.Errorf("active = %d, want 0", r.Active())
	}
}

func TestKnowsThread(t *testing.T) {
	r := NewResolver(Options{QueueBound: 4})
	defer r.Close()

	if r.KnowsThread("C1", "1.0") {
		t.Error("unknown thread should not be known")
	}
	if r.KnowsThread("C1", "") {
		t.Error("empty thread must never be known")
	}

	done := make(chan struct{})
	err := r.Dispatch(context.Background(), Key{Channel: "C1", Thread: "1.0"},
		func(ctx context.Context, conv *Conversation) { close(done) })
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	<-done

	if !r.KnowsThread("C1", "1.0") {
		t.Error("live conversation thread should be known")
	}
}

func TestDispatchAfterClose(t *testing.T) {
	r := NewResolver(Options{})
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err := r.Dispatch(context.Background(), Key{Channel: "C1", Thread: "1.0"},
		func(ctx context.Context, conv *Conversation) {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestConversationRecent(t *testing.T) {
	conv := &Conversation{}
	for i := 0; i < 5; i++ {
		conv.Append(Turn{ID: string(rune('a' + i)), FinishedAt: time.Now()})
	}
	recent := conv.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("got %d turns, want 2", len(recent))
	}
	if recent[0].ID != "d" || recent[1].ID != "e" {
		t.Errorf("Recent returned %q, %q; want d, e", recent[0].ID, recent[1].ID)
	}
}
