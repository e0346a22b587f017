package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "origin:1.2.3.4")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
	if k.Len() != 0 {
		t.Fatalf("expected no tracked keys after release, got %d", k.Len())
	}
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	k := NewKeyLock()

	unlock, err := k.Lock(context.Background(), "user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := k.Lock(ctx, "user:u1"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if k.Len() != 1 {
		t.Fatalf("cancelled waiter must drop its reference, tracked keys = %d", k.Len())
	}
}

func TestKeyLock_DistinctKeysIndependent(t *testing.T) {
	k := NewKeyLock()

	unlock1, err := k.Lock(context.Background(), "user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock2, err := k.Lock(ctx, "user:u2")
	if err != nil {
		t.Fatalf("distinct key should not block: %v", err)
	}
	unlock2()
}

func TestKeyLock_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyLock()

	unlock, err := k.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := k.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("expected lock to be free: %v", err)
	}
	again()
}

func TestKeyLock_HandsOffToWaiter(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	unlock, _ := k.Lock(ctx, "relay")

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire lock after release")
	}
}
