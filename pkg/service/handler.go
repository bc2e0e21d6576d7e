package service

import "context"

// Handler is the pair of operations a protocol implementer supplies. The
// core is the same regardless of what Req/Resp actually are; only Handler
// and Codec (external to this package) know the wire format.
type Handler[Req, Resp any] interface {
	// ProcessRequest begins handling req and returns a Future of the
	// eventual response. The future may already be complete by the time
	// this call returns (a synchronous handler) or it may complete later,
	// from any goroutine (an asynchronous one). ProcessRequest itself may
	// panic; the dispatcher recovers and treats the panic exactly like an
	// asynchronous failure.
	ProcessRequest(ctx context.Context, req Req) *Future[Resp]

	// ProcessFailure converts an error - a handler panic, a timeout, or an
	// admission-time overflow - into a protocol-visible response. It must
	// be total and must never panic; if it does anyway, the panic is
	// recovered, logged and handled as a fatal error for the connection.
	ProcessFailure(req Req, err error) Resp
}

// HandlerFuncs adapts two plain functions to the Handler interface, for
// callers that don't want to define a named type.
type HandlerFuncs[Req, Resp any] struct {
	Request func(ctx context.Context, req Req) *Future[Resp]
	Failure func(req Req, err error) Resp
}

func (h HandlerFuncs[Req, Resp]) ProcessRequest(ctx context.Context, req Req) *Future[Resp] {
	return h.Request(ctx, req)
}

func (h HandlerFuncs[Req, Resp]) ProcessFailure(req Req, err error) Resp {
	return h.Failure(req, err)
}

// invokeRequest calls handler.ProcessRequest, converting a panic into a
// failed future exactly as a thrown exception would be converted in the
// source material. This is what lets every downstream consumer - drain,
// metrics, logging - treat synchronous failures and asynchronous ones
// uniformly.
func invokeRequest[Req, Resp any](ctx context.Context, h Handler[Req, Resp], req Req) (fut *Future[Resp]) {
	defer func() {
		if r := recover(); r != nil {
			fut = Failed[Resp](panicToHandlerError(r))
		}
	}()
	fut = h.ProcessRequest(ctx, req)
	if fut == nil {
		// A handler returning a nil future is itself a contract violation;
		// treat it the same as a panic rather than letting a nil pointer
		// propagate into the drain engine.
		fut = Failed[Resp](&HandlerError{Class: "NilFuture", Err: errNilFuture})
	}
	return fut
}

var errNilFuture = errNilFutureError{}

type errNilFutureError struct{}

func (errNilFutureError) Error() string { return "handler returned a nil future" }

func panicToHandlerError(r interface{}) error {
	if err, ok := r.(error); ok {
		return &HandlerError{Class: classNameOf(r), Err: err}
	}
	return &HandlerError{Class: classNameOf(r), Err: &panicValue{r}}
}

type panicValue struct {
	v interface{}
}

func (p *panicValue) Error() string {
	return formatPanic(p.v)
}
