package msgrpc

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrManagerClosed = errors.New("msgrpc: transport manager is closed")

// OrphanResponse describes inbound data that could not be matched to a
// pending call: a response whose message id is unknown (typically one that
// arrived after its call timed out), or a malformed response whose id was
// never read.
type OrphanResponse struct {
	Transport *Transport
	// MessageID is nil when the id could not be read.
	MessageID *int32
	// Cause is set when the response was malformed.
	Cause error
	// Error and Result hold the decoded slots of a well-formed orphan.
	Error       RPCErrorMessage
	Result      interface{}
	DecodeError error
}

// TransportStatus is a point-in-time view of one live transport.
type TransportStatus struct {
	ID      uint64        `json:"id"`
	Remote  string        `json:"remote"`
	State   string        `json:"state"`
	Pending int           `json:"pending"`
	Age     time.Duration `json:"age_ns"`
}

// TransportManager dials transports to one endpoint, pools them and the
// contexts they use, and receives their shutdown-completed events.
type TransportManager struct {
	endpoint string
	cfg      managerConfig
	log      *slog.Logger
	metrics  *Metrics
	dialer   Dialer
	ids      MessageIDGenerator

	sessions     sessionSequence
	transportSeq atomic.Uint64

	transports       *Pool[*Transport]
	requestContexts  *Pool[*RequestContext]
	responseContexts *Pool[*ResponseContext]

	active      sync.Map // uint64 → *Transport
	activeCount atomic.Int64

	closed      atomic.Bool
	stopEvictor context.CancelFunc
	evictorDone chan struct{}
}

// NewTransportManager returns a manager for endpoint. No connection is made
// until the first Connect.
func NewTransportManager(endpoint string, opts ...Option) *TransportManager {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &TransportManager{
		endpoint: endpoint,
		cfg:      cfg,
		metrics:  newMetrics(),
		dialer:   cfg.dialer,
		ids:      cfg.idGenerator,
	}
	m.log = cfg.logger
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("endpoint", endpoint)
	if m.ids == nil {
		m.ids = NewSequenceGenerator(0)
	}
	if m.dialer == nil {
		m.dialer = &NetDialer{
			Network:   cfg.network,
			Timeout:   cfg.connectTimeout,
			KeepAlive: cfg.keepAlive,
			Cancel:    cfg.cancel,
		}
	}
	m.metrics.activeFn = func() int { return int(m.activeCount.Load()) }

	m.transports = NewPool(cfg.transportPool, PoolHooks[*Transport]{
		Create:   m.dial,
		Validate: func(t *Transport) bool { return t.IsActive() },
		Destroy:  func(t *Transport) { t.BeginShutdown() },
	})
	m.requestContexts = NewPool(PoolConfig{}, PoolHooks[*RequestContext]{
		Create: func(context.Context) (*RequestContext, error) { return newRequestContext(), nil },
		Reset:  func(rc *RequestContext) { rc.clear() },
	})
	m.responseContexts = NewPool(PoolConfig{}, PoolHooks[*ResponseContext]{
		Create: func(context.Context) (*ResponseContext, error) { return newResponseContext(), nil },
		Reset:  func(rc *ResponseContext) { rc.clear() },
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.stopEvictor = cancel
	m.evictorDone = make(chan struct{})
	go func() {
		defer close(m.evictorDone)
		m.transports.RunEvictor(ctx, cfg.evictionInterval, func(n int) {
			m.log.Debug("msgrpc evicted idle transports", "count", n)
		})
	}()

	return m
}

// Endpoint returns the address transports are dialed to.
func (m *TransportManager) Endpoint() string { return m.endpoint }

// Metrics returns the manager's counters.
func (m *TransportManager) Metrics() *Metrics { return m.metrics }

// NextMessageID returns an id for a new request.
func (m *TransportManager) NextMessageID() int32 { return m.ids.NextID() }

func (m *TransportManager) dial(ctx context.Context) (*Transport, error) {
	if m.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.connectTimeout)
		defer cancel()
	}
	sock, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		m.metrics.DialFailures.Add(1)
		m.log.Warn("msgrpc dial failed", "error", err)
		return nil, translateSocketError(err)
	}
	t := newTransport(m, m.transportSeq.Add(1), sock)
	m.active.Store(t.id, t)
	m.activeCount.Add(1)
	m.metrics.TransportsOpened.Add(1)
	t.log.Debug("msgrpc transport connected")
	return t, nil
}

// Connect leases an active transport, dialing a new one when none is idle.
// Hand it back with Return once no more sends will be issued on it; calls
// already sent keep running.
func (m *TransportManager) Connect(ctx context.Context) (*Transport, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	t, err := m.transports.Borrow(ctx)
	if errors.Is(err, ErrPoolClosed) {
		return nil, ErrManagerClosed
	}
	return t, err
}

// Return releases a transport leased by Connect. Transports that are no
// longer active are dropped from the pool.
func (m *TransportManager) Return(t *Transport) {
	if t == nil || t.manager != m {
		return
	}
	if t.IsActive() {
		m.transports.Return(t)
		return
	}
	m.transports.Discard(t)
}

func (m *TransportManager) borrowRequestContext(t *Transport) *RequestContext {
	rc, err := m.requestContexts.Borrow(context.Background())
	if err != nil {
		rc = newRequestContext()
	}
	rc.pooled = err == nil
	rc.bind(t, m.sessions.next())
	return rc
}

// returnRequestContext hands a context back to the pool that leased it.
// Contexts created after Close were never leased and are only cleared.
func (m *TransportManager) returnRequestContext(rc *RequestContext) {
	if !rc.pooled {
		rc.clear()
		return
	}
	rc.pooled = false
	m.requestContexts.Return(rc)
}

func (m *TransportManager) borrowResponseContext(t *Transport) *ResponseContext {
	rc, err := m.responseContexts.Borrow(context.Background())
	if err != nil {
		rc = newResponseContext()
	}
	rc.pooled = err == nil
	rc.bindTransport(t, m.sessions.next())
	return rc
}

func (m *TransportManager) returnResponseContext(rc *ResponseContext) {
	if !rc.pooled {
		rc.clear()
		return
	}
	rc.pooled = false
	m.responseContexts.Return(rc)
}

func (m *TransportManager) raiseOrphan(o OrphanResponse) {
	if h := m.cfg.orphanHandler; h != nil {
		h(o)
		return
	}
	attrs := []any{"transport", o.Transport.id}
	if o.MessageID != nil {
		attrs = append(attrs, "msgid", *o.MessageID)
	}
	if o.Cause != nil {
		attrs = append(attrs, "cause", o.Cause)
	} else if !o.Error.IsSuccess() {
		attrs = append(attrs, "error", o.Error.String())
	}
	m.log.Warn("msgrpc orphan response", attrs...)
}

func (m *TransportManager) dump(msg CorruptedMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.dumpSink.Dump(ctx, msg); err != nil {
		m.metrics.DumpFailures.Add(1)
		return err
	}
	return nil
}

func (m *TransportManager) onShutdownCompleted(ev ShutdownCompleted) {
	if _, loaded := m.active.LoadAndDelete(ev.Transport.id); loaded {
		m.activeCount.Add(-1)
	}
	if h := m.cfg.shutdownHandler; h != nil {
		h(ev)
	}
}

// Transports returns the live transports ordered by id.
func (m *TransportManager) Transports() []TransportStatus {
	var out []TransportStatus
	m.active.Range(func(_, v any) bool {
		t := v.(*Transport)
		out = append(out, TransportStatus{
			ID:      t.id,
			Remote:  addrString(t.remote),
			State:   t.State(),
			Pending: t.PendingCalls(),
			Age:     time.Since(t.createdAt),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close shuts every transport down and waits for their pending calls to
// drain. Transports still running when ctx is done are disposed, failing
// what remains pending; Close then returns ctx's error.
func (m *TransportManager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.stopEvictor()
	<-m.evictorDone
	m.transports.Close()

	var live []*Transport
	m.active.Range(func(_, v any) bool {
		live = append(live, v.(*Transport))
		return true
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range live {
		t := t
		t.BeginShutdown()
		g.Go(func() error {
			select {
			case <-t.Done():
				return nil
			case <-gctx.Done():
				t.Dispose()
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	m.requestContexts.Close()
	m.responseContexts.Close()
	m.log.Debug("msgrpc manager closed", "transports", len(live))
	return err
}
