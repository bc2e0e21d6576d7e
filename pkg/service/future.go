package service

import "sync"

// Future is the asynchronous-completion primitive ProcessRequest returns.
// It may already be complete by the time the caller inspects it (the
// synchronous-handler case from Handler's doc comment) or it may complete
// later from an arbitrary goroutine. Completion is idempotent: only the
// first call to Complete has any effect.
type Future[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
	subs []func(T, error)
}

// NewFuture returns an incomplete Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{}
}

// Resolved returns an already-complete Future wrapping val. Handlers that
// complete synchronously should return one of these directly rather than
// allocating and immediately completing a fresh Future.
func Resolved[T any](val T) *Future[T] {
	return &Future[T]{done: true, val: val}
}

// Failed returns an already-complete Future wrapping err.
func Failed[T any](err error) *Future[T] {
	var zero T
	return &Future[T]{done: true, val: zero, err: err}
}

// Complete resolves the future with val and err. Second and later calls are
// no-ops, so a handler future that somehow fires twice cannot corrupt
// downstream state.
func (f *Future[T]) Complete(val T, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.val = val
	f.err = err
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, sub := range subs {
		sub(val, err)
	}
}

// Peek reports whether the future has already completed and, if so, its
// result. Used to detect synchronous completion immediately after invoking
// a handler, without the indirection of a callback.
func (f *Future[T]) Peek() (val T, err error, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err, f.done
}

// OnComplete registers cb to run once the future resolves. If the future has
// already resolved, cb runs synchronously and immediately, on the calling
// goroutine. Otherwise cb runs later, on whatever goroutine calls Complete -
// callers that need serialization onto a single goroutine must make cb
// itself re-enter through that goroutine's own message channel rather than
// mutate shared state directly.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if f.done {
		val, err := f.val, f.err
		f.mu.Unlock()
		cb(val, err)
		return
	}
	f.subs = append(f.subs, cb)
	f.mu.Unlock()
}
