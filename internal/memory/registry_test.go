package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/cx-router/internal/domain"
)

func TestRegistryReturnsSingleInstancePerSession(t *testing.T) {
	t.Parallel()
	r := NewRegistry(newFakeStore())
	ctx := context.Background()

	a, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	b, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a != b {
		t.Fatal("Get() returned two instances for the same session")
	}
	c, _ := r.Get(ctx, "s2")
	if c == a {
		t.Fatal("Get() shared an instance across sessions")
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistrySerialisesWritersPerSession(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := r.Acquire(ctx, "same")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			defer lease.Release()

			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxInside)
				if n <= old || atomic.CompareAndSwapInt32(&maxInside, old, n) {
					break
				}
			}
			lease.Memory().AddMessage(ctx, domain.RoleUser, "x")
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max concurrent writers = %d, want 1", maxInside)
	}
	mem, _ := r.Get(ctx, "same")
	if mem.MessageCount() != 20 {
		t.Fatalf("MessageCount() = %d, want 20", mem.MessageCount())
	}
}

func TestRegistryDifferentSessionsProceedIndependently(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	ctx := context.Background()

	held, err := r.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("Acquire(a) error = %v", err)
	}
	defer held.Release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		lease, err := r.Acquire(ctx, "b")
		if err != nil {
			t.Errorf("Acquire(b) error = %v", err)
			return
		}
		lease.Release()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire(b) blocked behind session a")
	}
}

func TestRegistryAcquireHonoursContext(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	held, err := r.Acquire(context.Background(), "s")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "s"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want DeadlineExceeded", err)
	}
}

func TestRegistryEvictReloadsFromStore(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	uid := int64(42)
	store.meta["s"] = &domain.ConversationMeta{
		SessionID:       "s",
		UserID:          &uid,
		HandoffOccurred: true,
		HandoffReason:   domain.HandoffRepeatedIntent,
		PrimaryIntent:   "refund",
		ToneUsed:        "friendly",
	}
	r := NewRegistry(store)
	ctx := context.Background()

	lease, err := r.Acquire(ctx, "s")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	first := lease.Memory()
	first.AddIntent("i want a refund for my headphones")
	first.AddMessage(ctx, domain.RoleUser, "i want a refund for my headphones")
	first.AddToolResult(ctx, "get_orders", `{"result": []}`)
	lease.Evict()
	lease.Release()

	if r.Len() != 0 {
		t.Fatalf("Len() = %d after evict, want 0", r.Len())
	}

	second, err := r.Get(ctx, "s")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second == first {
		t.Fatal("evicted memory was reused")
	}
	if second.MessageCount() != 2 {
		t.Fatalf("MessageCount() = %d, want 2 restored turns", second.MessageCount())
	}
	if !second.HasRepeatedIntent("I want a refund for my headphones") {
		t.Fatal("restored memory lost intent history")
	}
	if !second.LastToolReturnedEmpty() {
		t.Fatal("restored memory lost tool results")
	}
	if ok, reason := second.Handoff(); !ok || reason != domain.HandoffRepeatedIntent {
		t.Fatalf("Handoff() = %v, %q", ok, reason)
	}
	if id := second.UserID(); id == nil || *id != 42 {
		t.Fatalf("UserID() = %v, want 42", id)
	}
	if store.loads != 2 {
		t.Fatalf("store loads = %d, want 2", store.loads)
	}
}

func TestRegistryWaiterSeesEvictionAndReloads(t *testing.T) {
	t.Parallel()
	r := NewRegistry(newFakeStore())
	ctx := context.Background()

	lease, err := r.Acquire(ctx, "s")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	old := lease.Memory()

	got := make(chan *Memory, 1)
	go func() {
		mem, err := r.Get(ctx, "s")
		if err != nil {
			t.Errorf("Get() error = %v", err)
		}
		got <- mem
	}()

	time.Sleep(10 * time.Millisecond)
	lease.Evict()
	lease.Release()

	select {
	case mem := <-got:
		if mem == old {
			t.Fatal("waiter received evicted memory")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the session")
	}
}

func TestSweeperClosesIdleSessions(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"old", "busy"} {
		if _, err := r.Get(ctx, id); err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
	}
	busy, err := r.Acquire(ctx, "busy")
	if err != nil {
		t.Fatalf("Acquire(busy) error = %v", err)
	}
	defer busy.Release()

	now = now.Add(time.Hour)
	if _, err := r.Get(ctx, "fresh"); err != nil {
		t.Fatalf("Get(fresh) error = %v", err)
	}

	var mu sync.Mutex
	var closed []string
	sw := NewSweeper(r, 30*time.Minute, time.Hour, func(ctx context.Context, id string) error {
		mu.Lock()
		closed = append(closed, id)
		mu.Unlock()
		lease, err := r.Acquire(ctx, id)
		if err != nil {
			return err
		}
		lease.Evict()
		lease.Release()
		return nil
	})

	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(closed) != 1 || closed[0] != "old" {
		t.Fatalf("closed = %v, want [old]", closed)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}

func TestSweeperStopsWithContext(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())

	sw := NewSweeper(r, time.Minute, time.Millisecond, func(context.Context, string) error { return nil })
	sw.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()
	sw.Wait()
}
