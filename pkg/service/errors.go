package service

import "fmt"

// ErrorClass names the tag attached to the "errors" metric and to the error
// log line. It is a class of failure, not a specific error instance.
type ErrorClass string

const (
	// ErrorClassBufferFull marks an admission-time rejection: the pending
	// queue was already at RequestBufferSize when the request arrived.
	ErrorClassBufferFull ErrorClass = "BufferFull"

	// ErrorClassTimeout marks a request that aged out at the head of the
	// pending queue before its handler produced a result.
	ErrorClassTimeout ErrorClass = "Timeout"

	// ErrorClassHandler marks a synchronous panic or an asynchronous
	// failure surfaced by the handler itself.
	ErrorClassHandler ErrorClass = "Handler"

	// ErrorClassDroppedReply marks a response the core successfully handed
	// to the controller, that the controller later failed to write.
	ErrorClassDroppedReply ErrorClass = "DroppedReply"

	// ErrorClassFatal marks an internal invariant violation. A connection
	// surfacing this class is a programming bug, not a client-visible
	// protocol error.
	ErrorClassFatal ErrorClass = "Fatal"
)

// ErrBufferFull is passed to ProcessFailure when a request is admitted while
// the pending queue is already at capacity.
type ErrBufferFull struct{}

func (ErrBufferFull) Error() string { return "service: request buffer full" }

// ErrTimeout is passed to ProcessFailure when a request ages out at the head
// of the pending queue.
type ErrTimeout struct{}

func (ErrTimeout) Error() string { return "service: request timed out" }

// HandlerError wraps a panic or an asynchronous failure raised by the
// handler. Class carries a short category (typically the Go type name of
// the original panic value or error) for the "errors" metric tag.
type HandlerError struct {
	Class string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("service: handler error (%s): %v", e.Class, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DroppedReplyError wraps a write failure reported by the controller after
// a response was already accepted by Push. Delivery is at-most-once: the
// response is not retried or re-queued.
type DroppedReplyError struct {
	Cause error
}

func (e *DroppedReplyError) Error() string {
	return fmt.Sprintf("service: dropped reply: %v", e.Cause)
}

func (e *DroppedReplyError) Unwrap() error { return e.Cause }

// FatalPushError indicates Push returned false immediately after CanPush
// returned true. The spec treats this as an implementation bug in the
// controller's transport contract, not a recoverable per-request failure;
// the service terminates the connection rather than risk corrupting the
// pending queue's ordering guarantees.
type FatalPushError struct {
	Conn string
}

func (e *FatalPushError) Error() string {
	return fmt.Sprintf("service: push returned false after canPush=true on %q", e.Conn)
}

// classify derives the metric/log tag for an error surfaced during request
// processing. Unrecognized errors fall back to ErrorClassHandler, since they
// can only have originated from a handler panic or failure future.
func classify(err error) ErrorClass {
	switch err.(type) {
	case ErrBufferFull, *ErrBufferFull:
		return ErrorClassBufferFull
	case ErrTimeout, *ErrTimeout:
		return ErrorClassTimeout
	case *HandlerError:
		return ErrorClassHandler
	default:
		return ErrorClassHandler
	}
}
