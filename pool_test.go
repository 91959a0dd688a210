package msgrpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type pooledItem struct {
	id      int
	healthy bool
	resets  int
}

func newItemPool(cfg PoolConfig) (*Pool[*pooledItem], *atomic.Int32, *atomic.Int32) {
	var created, destroyed atomic.Int32
	p := NewPool(cfg, PoolHooks[*pooledItem]{
		Create: func(context.Context) (*pooledItem, error) {
			return &pooledItem{id: int(created.Add(1)), healthy: true}, nil
		},
		Reset:    func(it *pooledItem) { it.resets++ },
		Validate: func(it *pooledItem) bool { return it.healthy },
		Destroy:  func(*pooledItem) { destroyed.Add(1) },
	})
	return p, &created, &destroyed
}

func TestPool_ReusesReturnedItems(t *testing.T) {
	p, created, _ := newItemPool(PoolConfig{MaxSize: 2})
	ctx := context.Background()

	a, err := p.Borrow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.Return(a)
	b, err := p.Borrow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected the returned item to be reused")
	}
	if b.resets != 1 {
		t.Fatalf("expected Reset to run once, ran %d", b.resets)
	}
	if created.Load() != 1 {
		t.Fatalf("expected 1 creation, got %d", created.Load())
	}
	if leased, idle := p.Stats(); leased != 1 || idle != 0 {
		t.Fatalf("stats = (%d, %d), want (1, 0)", leased, idle)
	}
}

func TestPool_ValidateDropsUnhealthyItems(t *testing.T) {
	p, created, destroyed := newItemPool(PoolConfig{MaxSize: 1})
	ctx := context.Background()

	a, _ := p.Borrow(ctx)
	a.healthy = false
	p.Return(a)

	b, err := p.Borrow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b == a {
		t.Fatal("unhealthy item was handed out again")
	}
	if created.Load() != 2 || destroyed.Load() != 1 {
		t.Fatalf("created=%d destroyed=%d, want 2/1", created.Load(), destroyed.Load())
	}
}

func TestPool_FailPolicy(t *testing.T) {
	p, _, _ := newItemPool(PoolConfig{MaxSize: 1, Exhaustion: ExhaustionFail})
	ctx := context.Background()

	if _, err := p.Borrow(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Borrow(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestPool_BlockPolicyWaitsForReturn(t *testing.T) {
	p, _, _ := newItemPool(PoolConfig{MaxSize: 1, Exhaustion: ExhaustionBlock, BorrowTimeout: time.Second})
	ctx := context.Background()

	a, _ := p.Borrow(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Return(a)
	}()

	b, err := p.Borrow(ctx)
	if err != nil {
		t.Fatalf("blocked borrow failed: %v", err)
	}
	if b != a {
		t.Fatal("expected the returned item")
	}
}

func TestPool_BlockPolicyTimesOut(t *testing.T) {
	p, _, _ := newItemPool(PoolConfig{MaxSize: 1, BorrowTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	p.Borrow(ctx)
	start := time.Now()
	if _, err := p.Borrow(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("borrow gave up before the timeout")
	}
}

func TestPool_DiscardFreesSlot(t *testing.T) {
	p, created, destroyed := newItemPool(PoolConfig{MaxSize: 1, Exhaustion: ExhaustionFail})
	ctx := context.Background()

	a, _ := p.Borrow(ctx)
	p.Discard(a)
	if _, err := p.Borrow(ctx); err != nil {
		t.Fatalf("borrow after discard: %v", err)
	}
	if created.Load() != 2 || destroyed.Load() != 1 {
		t.Fatalf("created=%d destroyed=%d, want 2/1", created.Load(), destroyed.Load())
	}
}

func TestPool_CreateErrorReleasesSlot(t *testing.T) {
	fail := true
	p := NewPool(PoolConfig{MaxSize: 1, Exhaustion: ExhaustionFail}, PoolHooks[int]{
		Create: func(context.Context) (int, error) {
			if fail {
				return 0, errors.New("dial failed")
			}
			return 1, nil
		},
	})
	if _, err := p.Borrow(context.Background()); err == nil {
		t.Fatal("expected create error")
	}
	fail = false
	if _, err := p.Borrow(context.Background()); err != nil {
		t.Fatalf("slot leaked after create error: %v", err)
	}
}

func TestPool_EvictExtraKeepsMinIdle(t *testing.T) {
	p, _, destroyed := newItemPool(PoolConfig{MaxSize: 4, MinIdle: 1})
	ctx := context.Background()

	var items []*pooledItem
	for i := 0; i < 3; i++ {
		it, _ := p.Borrow(ctx)
		items = append(items, it)
	}
	for _, it := range items {
		p.Return(it)
	}

	if n := p.EvictExtra(); n != 2 {
		t.Fatalf("evicted %d, want 2", n)
	}
	if _, idle := p.Stats(); idle != 1 {
		t.Fatalf("idle = %d, want 1", idle)
	}
	if destroyed.Load() != 2 {
		t.Fatalf("destroyed = %d, want 2", destroyed.Load())
	}
}

func TestPool_EvictExtraRespectsIdleAge(t *testing.T) {
	p, _, _ := newItemPool(PoolConfig{MaxSize: 2, MaxIdleAge: time.Hour})
	ctx := context.Background()

	it, _ := p.Borrow(ctx)
	p.Return(it)
	if n := p.EvictExtra(); n != 0 {
		t.Fatalf("evicted a fresh item: %d", n)
	}
}

func TestPool_Close(t *testing.T) {
	p, _, destroyed := newItemPool(PoolConfig{MaxSize: 2})
	ctx := context.Background()

	idle, _ := p.Borrow(ctx)
	leased, _ := p.Borrow(ctx)
	p.Return(idle)

	p.Close()
	if destroyed.Load() != 1 {
		t.Fatalf("destroyed = %d after Close, want 1", destroyed.Load())
	}
	if _, err := p.Borrow(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}

	p.Return(leased)
	if destroyed.Load() != 2 {
		t.Fatalf("item returned after Close was not destroyed")
	}
}
