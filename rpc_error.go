package msgrpc

import (
	"fmt"
	"strings"
	"sync"
)

// errorIdentifierPrefix is the namespace every RPC error identifier lives in.
const errorIdentifierPrefix = "RPCError."

// ErrorKind identifies one entry of the RPC error taxonomy. Kinds are
// compared by pointer; use the package-level values or LookupErrorKind.
//
// An ErrorKind is itself an error so that it can be used as an errors.Is
// target: errors.Is(err, ErrTransport) is true for an *RPCError of kind
// ErrConnectionRefused.
type ErrorKind struct {
	identifier     string
	code           int
	defaultMessage string
	parent         *ErrorKind
}

// Identifier returns the stable string identifier, e.g. "RPCError.TimeoutError".
func (k *ErrorKind) Identifier() string { return k.identifier }

// Code returns the stable integer code. Built-in kinds are negative.
func (k *ErrorKind) Code() int { return k.code }

// DefaultMessage returns the message used when an error carries none.
func (k *ErrorKind) DefaultMessage() string { return k.defaultMessage }

// Parent returns the generalization of k, or nil for a root kind.
func (k *ErrorKind) Parent() *ErrorKind { return k.parent }

// IsBuiltIn reports whether k belongs to the closed built-in set.
func (k *ErrorKind) IsBuiltIn() bool { return k.code < 0 }

func (k *ErrorKind) Error() string { return k.identifier }

func (k *ErrorKind) String() string {
	return fmt.Sprintf("%s(%d)", k.identifier, k.code)
}

// is reports whether k is target or a specialization of it.
func (k *ErrorKind) is(target *ErrorKind) bool {
	for c := k; c != nil; c = c.parent {
		if c == target {
			return true
		}
	}
	return false
}

// Built-in error kinds.
var (
	ErrTimeout = newBuiltInKind("RPCError.TimeoutError", -60,
		"Request has been timeout.", nil)

	ErrTransport = newBuiltInKind("RPCError.TransportError", -50,
		"Cannot send or receive request message.", nil)
	ErrNetworkUnreachable = newBuiltInKind("RPCError.TransportError.NetworkUnreacheableError", -51,
		"Cannot reach specified remote end point.", ErrTransport)
	ErrConnectionRefused = newBuiltInKind("RPCError.TransportError.ConnectionRefusedError", -52,
		"Connection was refused by specified remote end point.", ErrTransport)
	ErrConnectionTimeout = newBuiltInKind("RPCError.TransportError.ConnectionTimeoutError", -53,
		"Connection was timed out.", ErrTransport)

	ErrMessageRefused = newBuiltInKind("RPCError.MessageRefusedError", -40,
		"Message was refused explicitly by remote end point.", nil)
	ErrMessageTooLarge = newBuiltInKind("RPCError.MessageRefusedError.MessageTooLargeError", -41,
		"Message is too large.", ErrMessageRefused)

	ErrCall = newBuiltInKind("RPCError.CallError", -20,
		"Failed to call specified method.", nil)
	ErrNoMethod = newBuiltInKind("RPCError.CallError.NoMethodError", -21,
		"Specified method was not found.", ErrCall)
	ErrArgument = newBuiltInKind("RPCError.CallError.ArgumentError", -22,
		"Some argument(s) were wrong.", ErrCall)

	ErrServer = newBuiltInKind("RPCError.ServerError", -30,
		"Server cannot process received message.", nil)
	ErrServerBusy = newBuiltInKind("RPCError.ServerError.ServerBusyError", -31,
		"Server is busy.", ErrServer)

	ErrRemoteRuntime = newBuiltInKind("RPCError.RemoteRuntimeError", -10,
		"Remote end point failed to process request.", nil)

	// ErrUnexpected stands in for identifier/code pairs that match no
	// known kind.
	ErrUnexpected = newBuiltInKind("RPCError.RemoteError.UnexpectedError", -1,
		"Unexpected RPC error is occurred.", nil)
)

func newBuiltInKind(identifier string, code int, message string, parent *ErrorKind) *ErrorKind {
	return &ErrorKind{identifier: identifier, code: code, defaultMessage: message, parent: parent}
}

var kindRegistry = struct {
	mu           sync.RWMutex
	byCode       map[int]*ErrorKind
	byIdentifier map[string]*ErrorKind
}{
	byCode:       make(map[int]*ErrorKind),
	byIdentifier: make(map[string]*ErrorKind),
}

func init() {
	for _, k := range []*ErrorKind{
		ErrTimeout,
		ErrTransport, ErrNetworkUnreachable, ErrConnectionRefused, ErrConnectionTimeout,
		ErrMessageRefused, ErrMessageTooLarge,
		ErrCall, ErrNoMethod, ErrArgument,
		ErrServer, ErrServerBusy,
		ErrRemoteRuntime,
		ErrUnexpected,
	} {
		kindRegistry.byCode[k.code] = k
		kindRegistry.byIdentifier[k.identifier] = k
	}
}

// RegisterErrorKind adds an application-defined kind. The code must be
// non-negative (negative codes are reserved for the built-in set) and
// identifier is placed under the "RPCError." namespace if it is not
// already. Registering an identical identifier/code pair twice returns
// the existing kind.
func RegisterErrorKind(identifier string, code int, defaultMessage string) (*ErrorKind, error) {
	if code < 0 {
		return nil, fmt.Errorf("msgrpc: custom error code must be non-negative, got %d", code)
	}
	if identifier == "" || strings.TrimSpace(identifier) != identifier {
		return nil, fmt.Errorf("msgrpc: invalid custom error identifier %q", identifier)
	}
	if !strings.HasPrefix(identifier, errorIdentifierPrefix) {
		identifier = errorIdentifierPrefix + identifier
	}
	if defaultMessage == "" {
		defaultMessage = "Application error is occurred."
	}

	kindRegistry.mu.Lock()
	defer kindRegistry.mu.Unlock()

	byCode, codeTaken := kindRegistry.byCode[code]
	byID, idTaken := kindRegistry.byIdentifier[identifier]
	if codeTaken && idTaken && byCode == byID {
		return byCode, nil
	}
	if codeTaken {
		return nil, fmt.Errorf("msgrpc: error code %d already registered as %s", code, byCode.identifier)
	}
	if idTaken {
		return nil, fmt.Errorf("msgrpc: error identifier %s already registered with code %d", identifier, byID.code)
	}

	k := &ErrorKind{identifier: identifier, code: code, defaultMessage: defaultMessage}
	kindRegistry.byCode[code] = k
	kindRegistry.byIdentifier[identifier] = k
	return k, nil
}

// LookupErrorKind resolves an identifier/code pair received from a remote
// end point. A known code wins over the identifier; an unknown pair yields
// ErrUnexpected rather than failing. Pass hasCode=false when the peer sent
// only an identifier.
func LookupErrorKind(identifier string, code int, hasCode bool) *ErrorKind {
	kindRegistry.mu.RLock()
	defer kindRegistry.mu.RUnlock()

	if hasCode {
		if k, ok := kindRegistry.byCode[code]; ok {
			return k
		}
	}
	if identifier != "" {
		if k, ok := kindRegistry.byIdentifier[identifier]; ok {
			return k
		}
	}
	return ErrUnexpected
}

// RPCError is the concrete error delivered to completion callbacks and
// returned by Client calls.
type RPCError struct {
	Kind             *ErrorKind
	Message          string
	DebugInformation string

	// Detail is the decoded remote detail value, if any.
	Detail interface{}

	cause error
}

// NewRPCError builds an error of the given kind. An empty message falls
// back to the kind's default message.
func NewRPCError(kind *ErrorKind, message string) *RPCError {
	if kind == nil {
		panic("msgrpc: NewRPCError with nil kind")
	}
	if message == "" {
		message = kind.defaultMessage
	}
	return &RPCError{Kind: kind, Message: message}
}

// wrapRPCError builds an error of kind that keeps cause reachable through
// errors.Is/As.
func wrapRPCError(kind *ErrorKind, message string, cause error) *RPCError {
	e := NewRPCError(kind, message)
	e.cause = cause
	if cause != nil && e.DebugInformation == "" {
		e.DebugInformation = cause.Error()
	}
	return e
}

func (e *RPCError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.identifier, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.identifier, e.Message)
}

func (e *RPCError) Unwrap() error { return e.cause }

// Is matches an *ErrorKind target against e's kind hierarchy, and an
// *RPCError target by kind.
func (e *RPCError) Is(target error) bool {
	switch t := target.(type) {
	case *ErrorKind:
		return e.Kind.is(t)
	case *RPCError:
		return t.Kind == e.Kind
	}
	return false
}
