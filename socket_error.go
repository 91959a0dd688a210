package msgrpc

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// translateSocketError maps an I/O or dial error onto the RPC error
// taxonomy. It is the only place socket errors are interpreted; every
// other path deals in *RPCError.
func translateSocketError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return wrapRPCError(ErrConnectionRefused, "", err)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return wrapRPCError(ErrNetworkUnreachable, "", err)
	case errors.Is(err, syscall.EMSGSIZE):
		return wrapRPCError(ErrMessageTooLarge, "", err)
	case errors.Is(err, context.Canceled):
		return wrapRPCError(ErrTransport, "Operation was canceled.", err)
	case errors.Is(err, context.DeadlineExceeded):
		return wrapRPCError(ErrConnectionTimeout, "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapRPCError(ErrConnectionTimeout, "", err)
	}
	if errors.Is(err, net.ErrClosed) {
		return wrapRPCError(ErrTransport, "Connection is closed.", err)
	}
	return wrapRPCError(ErrTransport, "", err)
}
