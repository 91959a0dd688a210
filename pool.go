package msgrpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolExhausted = errors.New("msgrpc: pool exhausted")
	ErrPoolClosed    = errors.New("msgrpc: pool closed")
)

// ExhaustionPolicy decides what Borrow does when every item is leased.
type ExhaustionPolicy int

const (
	// ExhaustionBlock waits for a returned item, up to the borrow timeout.
	ExhaustionBlock ExhaustionPolicy = iota
	// ExhaustionFail returns ErrPoolExhausted immediately.
	ExhaustionFail
)

func (p ExhaustionPolicy) String() string {
	switch p {
	case ExhaustionBlock:
		return "block"
	case ExhaustionFail:
		return "fail"
	default:
		return "unknown"
	}
}

const defaultIdleCapacity = 1024

// PoolConfig bounds a Pool.
type PoolConfig struct {
	// MaxSize caps leased plus idle items. Zero means unbounded.
	MaxSize int
	// MinIdle is the number of idle items EvictExtra always keeps.
	MinIdle int
	// MaxIdleAge is how long an idle item may sit before EvictExtra
	// destroys it. Zero evicts every item above MinIdle.
	MaxIdleAge time.Duration
	Exhaustion ExhaustionPolicy
	// BorrowTimeout bounds a blocking Borrow. Zero waits for ctx only.
	BorrowTimeout time.Duration
}

type idleItem[T any] struct {
	v     T
	since int64
}

// Pool leases items exclusively: an item returned by Borrow belongs to the
// caller until it is handed to Return or Discard.
type Pool[T any] struct {
	cfg PoolConfig

	create   func(context.Context) (T, error)
	reset    func(T)
	validate func(T) bool
	destroy  func(T)

	idle     *RingBuffer[idleItem[T]]
	tokens   chan struct{} // one token per live item when bounded
	returned chan struct{}

	leased atomic.Int64
	closed atomic.Bool
	mu     sync.Mutex // serializes Close against Return
}

// PoolHooks customizes item life cycle. Only Create is required.
type PoolHooks[T any] struct {
	Create func(context.Context) (T, error)
	// Reset runs on Return before the item becomes idle.
	Reset func(T)
	// Validate runs on Borrow for idle items; false destroys the item.
	Validate func(T) bool
	// Destroy runs when an item leaves the pool for good.
	Destroy func(T)
}

func NewPool[T any](cfg PoolConfig, hooks PoolHooks[T]) *Pool[T] {
	if hooks.Create == nil {
		panic("msgrpc: NewPool without a Create hook")
	}
	capacity := defaultIdleCapacity
	if cfg.MaxSize > 0 {
		capacity = cfg.MaxSize
	}
	p := &Pool[T]{
		cfg:      cfg,
		create:   hooks.Create,
		reset:    hooks.Reset,
		validate: hooks.Validate,
		destroy:  hooks.Destroy,
		idle:     NewRingBuffer[idleItem[T]](capacity),
		returned: make(chan struct{}, capacity),
	}
	if cfg.MaxSize > 0 {
		p.tokens = make(chan struct{}, cfg.MaxSize)
	}
	return p
}

// Borrow leases an idle item or creates one. When the pool is at MaxSize it
// follows the exhaustion policy.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T

	if p.cfg.Exhaustion == ExhaustionBlock && p.cfg.BorrowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BorrowTimeout)
		defer cancel()
	}

	for {
		if p.closed.Load() {
			return zero, ErrPoolClosed
		}
		if v, ok := p.takeIdle(); ok {
			p.leased.Add(1)
			return v, nil
		}
		if p.tryAcquire() {
			return p.createLeased(ctx)
		}
		if p.cfg.Exhaustion == ExhaustionFail {
			return zero, ErrPoolExhausted
		}

		select {
		case <-p.returned:
		case p.tokens <- struct{}{}:
			return p.createLeased(ctx)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, ErrPoolExhausted
			}
			return zero, ctx.Err()
		}
	}
}

func (p *Pool[T]) takeIdle() (T, bool) {
	for {
		it, ok := p.idle.Read()
		if !ok {
			var zero T
			return zero, false
		}
		if p.validate == nil || p.validate(it.v) {
			return it.v, true
		}
		p.destroyItem(it.v)
	}
}

func (p *Pool[T]) tryAcquire() bool {
	if p.tokens == nil {
		return true
	}
	select {
	case p.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool[T]) release() {
	if p.tokens == nil {
		return
	}
	select {
	case <-p.tokens:
	default:
	}
}

func (p *Pool[T]) createLeased(ctx context.Context) (T, error) {
	v, err := p.create(ctx)
	if err != nil {
		p.release()
		p.signal()
		var zero T
		return zero, err
	}
	p.leased.Add(1)
	return v, nil
}

func (p *Pool[T]) signal() {
	select {
	case p.returned <- struct{}{}:
	default:
	}
}

// Return hands a leased item back. It becomes eligible for re-borrow by
// anyone; the caller must not touch it afterwards.
func (p *Pool[T]) Return(v T) {
	p.leased.Add(-1)
	if p.reset != nil {
		p.reset(v)
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.destroyItem(v)
		return
	}
	err := p.idle.Write(idleItem[T]{v: v, since: idleClock.Unix()})
	p.mu.Unlock()

	if err != nil {
		p.destroyItem(v)
		return
	}
	p.signal()
}

// Discard removes a leased item that must not be reused, freeing its slot.
func (p *Pool[T]) Discard(v T) {
	p.leased.Add(-1)
	p.destroyItem(v)
	p.signal()
}

func (p *Pool[T]) destroyItem(v T) {
	if p.destroy != nil {
		p.destroy(v)
	}
	p.release()
}

// EvictExtra destroys idle items above MinIdle that have been idle longer
// than MaxIdleAge, oldest first. It returns how many were evicted.
func (p *Pool[T]) EvictExtra() int {
	cutoff := idleClock.Unix() - int64(p.cfg.MaxIdleAge/time.Second)
	evicted := 0
	for p.idle.Len() > p.cfg.MinIdle {
		it, ok := p.idle.ReadIf(func(it idleItem[T]) bool {
			return it.since <= cutoff
		})
		if !ok {
			break
		}
		p.destroyItem(it.v)
		evicted++
	}
	return evicted
}

// RunEvictor calls EvictExtra every interval until ctx is done.
func (p *Pool[T]) RunEvictor(ctx context.Context, interval time.Duration, onEvict func(int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictExtra(); n > 0 && onEvict != nil {
				onEvict(n)
			}
		}
	}
}

// Stats returns the number of leased and idle items.
func (p *Pool[T]) Stats() (leased, idle int) {
	return int(p.leased.Load()), p.idle.Len()
}

// Close destroys every idle item. Items still leased are destroyed when
// they come back. Borrow fails with ErrPoolClosed afterwards.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	items := p.idle.Drain()
	p.mu.Unlock()

	for _, it := range items {
		p.destroyItem(it.v)
	}
}
