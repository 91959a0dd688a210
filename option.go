package msgrpc

import "time"

type callOptions struct {
	timeout time.Duration
}

// CallOption adjusts a single Client call.
type CallOption func(*callOptions)

// WithTimeout overrides the manager's call timeout for one call. The
// effective timeout is the shorter of this and the context deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithoutTimeout disables the call timeout; only the context bounds the
// wait. The call itself stays pending on the transport until a response
// or shutdown resolves it.
func WithoutTimeout() CallOption {
	return func(o *callOptions) {
		o.timeout = -1
	}
}
