package portpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNew_RejectsBadInput(t *testing.T) {
	if _, err := New(11000, 0); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewWithPorts([]int{1, 1}); err == nil {
		t.Error("expected error for duplicate ports")
	}
	if _, err := NewWithPorts([]int{70000}); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestAcquire_BlocksWhenExhausted(t *testing.T) {
	pool, err := New(11000, 2)
	if err != nil {
		t.Fatalf("New() returned an error: %v", err)
	}
	ctx := context.Background()
	a, _ := pool.Acquire(ctx)
	b, _ := pool.Acquire(ctx)
	if a == b {
		t.Fatalf("same port %d leased twice", a)
	}
	if pool.Available() != 0 {
		t.Fatalf("expected 0 available, got %d", pool.Available())
	}

	got := make(chan int, 1)
	go func() {
		port, err := pool.Acquire(ctx)
		if err != nil {
			t.Errorf("Acquire() returned an error: %v", err)
		}
		got <- port
	}()

	select {
	case port := <-got:
		t.Fatalf("third acquirer should block, got port %d", port)
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(a)
	select {
	case port := <-got:
		if port != a {
			t.Errorf("expected released port %d, got %d", a, port)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked acquirer was not woken by Release")
	}
}

func TestAcquire_ContextCancel(t *testing.T) {
	pool, _ := New(11000, 1)
	if _, err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() returned an error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatal("expected context error from exhausted pool")
	}
	if pool.Available() != 0 {
		t.Errorf("cancelled acquire must not change occupancy, got %d available", pool.Available())
	}
}

func TestRelease_IgnoresUnknownAndDouble(t *testing.T) {
	pool, _ := New(11000, 2)
	port, _ := pool.Acquire(context.Background())
	pool.Release(port)
	pool.Release(port)
	pool.Release(9999)
	if pool.Available() != 2 {
		t.Errorf("expected 2 available, got %d", pool.Available())
	}
}

func TestConcurrentCycles_NoLeaksNoSharing(t *testing.T) {
	const size, workers, cycles = 3, 12, 50
	pool, _ := New(20000, size)

	var mu sync.Mutex
	inUse := make(map[int]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < cycles; i++ {
				port, err := pool.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire() returned an error: %v", err)
					return
				}
				mu.Lock()
				if inUse[port] {
					t.Errorf("port %d leased to two jobs", port)
				}
				inUse[port] = true
				if len(inUse) > size {
					t.Errorf("outstanding leases %d exceed capacity %d", len(inUse), size)
				}
				mu.Unlock()

				mu.Lock()
				delete(inUse, port)
				mu.Unlock()
				pool.Release(port)
			}
		}()
	}
	wg.Wait()

	if pool.Available() != pool.Capacity() {
		t.Errorf("expected %d available after cycles, got %d", pool.Capacity(), pool.Available())
	}
}
