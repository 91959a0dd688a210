package msgrpc

import (
	"context"
	"log/slog"
	"time"
)

// OrphanHandler receives responses and failures that matched no pending
// call. It runs on the receive path and must not block.
type OrphanHandler func(o OrphanResponse)

// ShutdownHandler is told when a transport has finished shutting down.
type ShutdownHandler func(ev ShutdownCompleted)

type Option func(*managerConfig)

type managerConfig struct {
	network        string
	dialer         Dialer
	connectTimeout time.Duration
	keepAlive      time.Duration

	// callTimeout applies to requests and notifications that do not set
	// their own. Zero disables it.
	callTimeout time.Duration

	// shutdownTimeout bounds the wait for the peer to close after a
	// half-close. Zero resets the connection right after CloseWrite.
	shutdownTimeout time.Duration

	receiveBufferSize int
	maxMessageSize    int

	// resyncOnProtocolError keeps a stream transport alive after a
	// malformed response by restarting at the next header. When false the
	// connection is reset instead.
	resyncOnProtocolError bool

	transportPool    PoolConfig
	evictionInterval time.Duration

	idGenerator MessageIDGenerator
	logger      *slog.Logger
	dumpSink    DumpSink

	orphanHandler   OrphanHandler
	shutdownHandler ShutdownHandler

	// cancel aborts every socket operation once done.
	cancel context.Context
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		network:               "tcp",
		connectTimeout:        5 * time.Second,
		keepAlive:             30 * time.Second,
		callTimeout:           30 * time.Second,
		shutdownTimeout:       5 * time.Second,
		receiveBufferSize:     4096,
		maxMessageSize:        16 << 20,
		resyncOnProtocolError: true,
		transportPool: PoolConfig{
			MaxSize:       16,
			MinIdle:       1,
			MaxIdleAge:    time.Minute,
			Exhaustion:    ExhaustionBlock,
			BorrowTimeout: 5 * time.Second,
		},
		evictionInterval: 10 * time.Second,
	}
}

func WithNetwork(network string) Option {
	return func(c *managerConfig) {
		c.network = network
	}
}

// WithDialer replaces the net-package dialer, e.g. with an in-memory one
// in tests. Network, connect timeout and keep-alive are then ignored.
func WithDialer(d Dialer) Option {
	return func(c *managerConfig) {
		c.dialer = d
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *managerConfig) {
		c.connectTimeout = d
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(c *managerConfig) {
		c.keepAlive = d
	}
}

// WithCallTimeout sets the default per-call timeout. A timed-out call fails
// with ErrTimeout and the connection is reset. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(c *managerConfig) {
		c.callTimeout = d
	}
}

// WithShutdownTimeout bounds how long a drained transport waits for the
// peer to close after its own sending side was shut. When it expires the
// connection is reset. Default: 5s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *managerConfig) {
		if d >= 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithReceiveBufferSize sets the minimum free space offered to each
// stream receive. Default: 4096.
func WithReceiveBufferSize(n int) Option {
	return func(c *managerConfig) {
		if n > 0 {
			c.receiveBufferSize = n
		}
	}
}

// WithMaxMessageSize caps outbound messages and buffered inbound
// responses. Zero removes the cap. Default: 16 MiB.
func WithMaxMessageSize(n int) Option {
	return func(c *managerConfig) {
		c.maxMessageSize = n
	}
}

func WithResyncOnProtocolError(resync bool) Option {
	return func(c *managerConfig) {
		c.resyncOnProtocolError = resync
	}
}

func WithTransportPool(cfg PoolConfig) Option {
	return func(c *managerConfig) {
		c.transportPool = cfg
	}
}

// WithEvictionInterval sets how often idle transports above the pool's
// MinIdle are shut down. Zero disables the evictor.
func WithEvictionInterval(d time.Duration) Option {
	return func(c *managerConfig) {
		c.evictionInterval = d
	}
}

func WithMessageIDGenerator(g MessageIDGenerator) Option {
	return func(c *managerConfig) {
		c.idGenerator = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *managerConfig) {
		c.logger = l
	}
}

// WithDumpSink persists malformed responses for later inspection.
func WithDumpSink(s DumpSink) Option {
	return func(c *managerConfig) {
		c.dumpSink = s
	}
}

func WithOrphanHandler(h OrphanHandler) Option {
	return func(c *managerConfig) {
		c.orphanHandler = h
	}
}

func WithShutdownHandler(h ShutdownHandler) Option {
	return func(c *managerConfig) {
		c.shutdownHandler = h
	}
}

// WithCancel ties every socket operation to ctx: once it is done, pending
// sends and receives complete with its error.
func WithCancel(ctx context.Context) Option {
	return func(c *managerConfig) {
		c.cancel = ctx
	}
}
