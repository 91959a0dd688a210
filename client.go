package msgrpc

import (
	"context"
	"errors"
	"time"
)

// maxSendAttempts bounds retries of a send rejected before any I/O: a
// message id collision, or a transport that was found shut down.
const maxSendAttempts = 3

// Client is a blocking request/response facade over a TransportManager.
// It is safe for concurrent use.
type Client struct {
	m     *TransportManager
	owned bool
}

// NewClient wraps m. Closing the client does not close m.
func NewClient(m *TransportManager) *Client {
	return &Client{m: m}
}

// Dial returns a client with its own manager for endpoint. Connections are
// made on first use.
func Dial(endpoint string, opts ...Option) *Client {
	return &Client{m: NewTransportManager(endpoint, opts...), owned: true}
}

// Manager returns the underlying manager.
func (c *Client) Manager() *TransportManager { return c.m }

type callResult struct {
	result []byte
	err    error
}

// Call invokes method with args and decodes the result with the generic
// value model. A remote error is returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	raw, err := c.CallRaw(ctx, method, func(a *ArgumentsEncoder) error {
		return a.AppendAll(args...)
	})
	if err != nil {
		return nil, err
	}
	rc := ResponseContext{resultSpan: raw}
	return rc.DecodeResult()
}

// CallRaw invokes method with arguments written by encode and returns the
// encoded result slot.
func (c *Client) CallRaw(ctx context.Context, method string, encode func(*ArgumentsEncoder) error, opts ...CallOption) ([]byte, error) {
	o := callOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	done := make(chan callResult, 1)
	completion := func(resp *ResponseContext, err error, _ bool) {
		if err != nil {
			done <- callResult{err: err}
			return
		}
		msg, derr := resp.ErrorMessage()
		if derr != nil {
			done <- callResult{err: wrapRPCError(ErrUnexpected, "Response error slot cannot be decoded.", derr)}
			return
		}
		if !msg.IsSuccess() {
			done <- callResult{err: msg.ToError()}
			return
		}
		done <- callResult{result: append([]byte(nil), resp.Result()...)}
	}

	err := c.send(ctx, o, func(rc *RequestContext) error {
		rc.SetRequest(c.m.NextMessageID(), method, completion)
		if encode != nil {
			return encode(rc.Arguments())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a notification and waits until it has been written.
func (c *Client) Notify(ctx context.Context, method string, args ...interface{}) error {
	done := make(chan error, 1)
	err := c.send(ctx, callOptions{}, func(rc *RequestContext) error {
		rc.SetNotification(method, func(err error, _ bool) { done <- err })
		return rc.Arguments().AppendAll(args...)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send leases a transport, builds the message with setup and hands it to
// the transport. The transport goes back to the pool as soon as the send
// is accepted, so other callers can multiplex on it.
func (c *Client) send(ctx context.Context, o callOptions, setup func(*RequestContext) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		t, err := c.m.Connect(ctx)
		if err != nil {
			return err
		}
		rc := t.NewRequestContext()
		if err := setup(rc); err != nil {
			t.ReleaseRequestContext(rc)
			c.m.Return(t)
			return err
		}
		rc.SetTimeout(effectiveTimeout(ctx, o))

		err = t.Send(rc)
		if err == nil {
			c.m.Return(t)
			return nil
		}
		t.ReleaseRequestContext(rc)
		c.m.Return(t)
		lastErr = err
		if !errors.Is(err, ErrDuplicateMessageID) && !errors.Is(err, ErrTransportShuttingDown) {
			return err
		}
	}
	return lastErr
}

// effectiveTimeout combines the call option with the context deadline.
// Zero leaves the manager default in place.
func effectiveTimeout(ctx context.Context, o callOptions) time.Duration {
	d := o.timeout
	deadline, ok := ctx.Deadline()
	if !ok {
		return d
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	if d <= 0 || remaining < d {
		return remaining
	}
	return d
}

// Close closes the manager if the client created it.
func (c *Client) Close(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	return c.m.Close(ctx)
}
