package portpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	p := New([]int{10, 20})
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after draining the pool", p.Len())
	}

	p.Release(a)
	p.Release(b)
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after releasing both", p.Len())
	}
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	p := New([]int{1})
	port, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		got, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("Acquire: %v", err)
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("second Acquire should have blocked with an empty pool")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(port)

	select {
	case got := <-done:
		if got != port {
			t.Errorf("reacquired port = %d, want %d", got, port)
		}
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("Acquire on an empty pool with a cancelled context should fail")
	}
}

func TestConstantPoolSizeUnderConcurrentUse(t *testing.T) {
	ports := []int{1, 2, 3, 4}
	p := New(ports)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			p.Release(port)
		}()
	}
	wg.Wait()

	if p.Len() != len(ports) {
		t.Fatalf("Len() = %d, want %d after concurrent acquire/release", p.Len(), len(ports))
	}
}
