package service

import "context"

// onRequest implements admission (spec §4.2) and the fast-path/queued-path
// split (§4.4). It runs only on the actor loop goroutine.
func (s *Service[Req, Resp]) onRequest(ctx context.Context, req Req) {
	if s.closed {
		// No further pushes occur after connectionClosed; a request that
		// races the close is simply dropped.
		return
	}

	s.numRequests++
	now := s.clock.NowMs()

	if s.pending.len() >= s.config.RequestBufferSize {
		// Overflow: the handler is never invoked. The failure is still
		// appended to the queue so it emits in order behind whatever is
		// already pending, rather than jumping the line.
		resp := s.safeProcessFailure(req, ErrBufferFull{})
		s.recordFailure(req, ErrBufferFull{})
		entry := &pendingEntry[Req, Resp]{request: req, createdAtMs: now}
		entry.complete(resp, s.tags(req, resp))
		s.pending.push(entry)
		s.metrics.AddConcurrentRequests(s.config.Name, 1)
		s.drain()
		return
	}

	fut := invokeRequest[Req, Resp](ctx, s.handler, req)
	val, err, done := fut.Peek()

	if done && err == nil && s.pending.len() == 0 && s.controller.CanPush() {
		// Fast path: no pending entry is ever allocated, so there is no
		// concurrent_requests increment/decrement pair for this request.
		s.pushFastPath(req, val, now)
		return
	}

	entry := &pendingEntry[Req, Resp]{request: req, createdAtMs: now}
	s.pending.push(entry)
	s.metrics.AddConcurrentRequests(s.config.Name, 1)

	if done {
		s.resolve(entry, val, err)
		s.drain()
		return
	}

	fut.OnComplete(func(val Resp, err error) {
		// This callback may run synchronously (if the future settles
		// between Peek and here) or from a wholly different goroutine. In
		// both cases it must re-enter through the mailbox rather than
		// touch entry/queue state directly, since those are only safe to
		// mutate from the actor loop.
		_ = s.inbox.Send(msgCompletion[Req, Resp]{entry: entry, val: val, err: err})
	})
}

// onCompletion handles a deferred handler result arriving from OnComplete.
// It is idempotent: an entry that is already ready or was discarded (queue
// closed, or already drained) ignores the message.
func (s *Service[Req, Resp]) onCompletion(entry *pendingEntry[Req, Resp], val Resp, err error) {
	if s.closed || entry.discarded || entry.ready() {
		return
	}
	s.resolve(entry, val, err)
	s.drain()
}

// resolve converts a handler result (success or failure) into the entry's
// ready state, recording an error metric/log line on failure. It does not
// drain; callers decide when to drain.
func (s *Service[Req, Resp]) resolve(entry *pendingEntry[Req, Resp], val Resp, err error) {
	if err != nil {
		resp := s.safeProcessFailure(entry.request, err)
		s.recordFailure(entry.request, err)
		entry.complete(resp, s.tags(entry.request, resp))
		return
	}
	entry.complete(val, s.tags(entry.request, val))
}

// onIdleCheck sweeps timed-out entries from the head of the queue (§4.5).
// Only the head is ever inspected: later entries cannot be older than the
// head, so the first non-expired entry stops the sweep. Each timed-out head
// is completed and drained immediately, so popping it exposes the real next
// entry to the following iteration - this is what lets several contiguous
// timed-out entries clear in one IdleCheck instead of one per tick.
func (s *Service[Req, Resp]) onIdleCheck() {
	if s.closed || s.config.RequestTimeout == NoTimeout {
		return
	}
	now := s.clock.NowMs()
	timeoutMs := s.config.RequestTimeout.Milliseconds()

	for {
		head := s.pending.peekHead()
		if head == nil || head.ready() {
			break
		}
		if now-head.createdAtMs <= timeoutMs {
			break
		}
		resp := s.safeProcessFailure(head.request, ErrTimeout{})
		s.recordFailure(head.request, ErrTimeout{})
		head.complete(resp, s.tags(head.request, resp))
		s.drain()
		if s.pending.peekHead() == head {
			// drain couldn't pop it (backpressure): stop rather than spin
			// re-examining the same entry.
			break
		}
	}
}

// onGracefulDisconnect begins the drain-to-close protocol. It deliberately
// does not check whether the queue is already empty: this may be called
// from inside the handler invocation for the request currently being
// admitted, and closing synchronously here would abort that request's
// response before it's even been produced. Closure is only ever checked
// from drain() and the completion paths that call it.
func (s *Service[Req, Resp]) onGracefulDisconnect() {
	if s.closed {
		return
	}
	if !s.disconnecting {
		s.disconnecting = true
	}
	if !s.pausedReadsOnce {
		s.pausedReadsOnce = true
		s.controller.PauseReads()
	}
}

// onConnectionClosed handles an abrupt or externally-driven close: the
// socket is already gone (or the controller is tearing down regardless of
// queue state), so the core only finalizes its own bookkeeping. It must not
// call CloseGracefully - that's reserved for the self-initiated transition
// in maybeClose.
func (s *Service[Req, Resp]) onConnectionClosed(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	s.finalizeClose()
}

// drain is the greedy emission loop (§4.3): push ready entries from the
// head for as long as the head is ready and the controller accepts writes,
// stopping at the first awaiting entry, an empty queue, or backpressure.
func (s *Service[Req, Resp]) drain() {
	for {
		head := s.pending.peekHead()
		if head == nil {
			s.maybeClose()
			return
		}
		if !head.ready() {
			return
		}
		if !s.controller.CanPush() {
			return
		}

		if s.config.RequestMetrics {
			s.metrics.IncRequests(s.config.Name, head.tags)
			latency := float64(s.clock.NowMs() - head.createdAtMs)
			s.metrics.ObserveLatencyMs(s.config.Name, latency, head.tags)
		}

		entry := s.pending.popHead()
		s.metrics.AddConcurrentRequests(s.config.Name, -1)

		resp := entry.response
		ok := s.controller.Push(resp, func(result WriteResult) {
			_ = s.inbox.Send(msgWriteResult[Req, Resp]{entry: entry, result: result})
		})
		if !ok {
			s.terminateFatal(&FatalPushError{Conn: s.connID})
			return
		}
	}
}

// onWriteResult handles the controller's asynchronous report of what
// happened to a pushed response. A write failure is logged and counted as
// DroppedReply but is never retried (at-most-once delivery). Either way,
// the controller has freed capacity, so backpressure clears and drain
// resumes.
func (s *Service[Req, Resp]) onWriteResult(entry *pendingEntry[Req, Resp], result WriteResult) {
	if result.Err != nil {
		var req Req
		if entry != nil {
			req = entry.request
		}
		s.recordError(req, ErrorClassDroppedReply, &DroppedReplyError{Cause: result.Err})
	}
	if s.closed {
		return
	}
	s.drain()
}

// pushFastPath emits a synchronously-complete response directly, without
// ever allocating a pending entry. Ordering, metrics and shutdown behavior
// are identical to the queued path; only the allocation is skipped.
func (s *Service[Req, Resp]) pushFastPath(req Req, resp Resp, createdAtMs int64) {
	tags := s.tags(req, resp)
	if s.config.RequestMetrics {
		s.metrics.IncRequests(s.config.Name, tags)
		s.metrics.ObserveLatencyMs(s.config.Name, float64(s.clock.NowMs()-createdAtMs), tags)
	}
	ok := s.controller.Push(resp, func(result WriteResult) {
		_ = s.inbox.Send(msgWriteResult[Req, Resp]{entry: nil, result: result})
	})
	if !ok {
		s.terminateFatal(&FatalPushError{Conn: s.connID})
		return
	}
	s.maybeClose()
}

// maybeClose is the only place (besides onConnectionClosed) that may
// transition the connection to Closed. It is always safe to call
// speculatively: it no-ops unless disconnecting is set and the queue has
// fully drained.
func (s *Service[Req, Resp]) maybeClose() {
	if s.closed || !s.disconnecting || s.pending.len() != 0 {
		return
	}
	s.closed = true
	s.finalizeClose()
	s.controller.CloseGracefully()
}

// finalizeClose runs the bookkeeping shared by both close paths: emit the
// per-connection histogram, decrement concurrent_requests by whatever was
// still queued, and discard those entries without pushing them.
func (s *Service[Req, Resp]) finalizeClose() {
	if n := s.pending.discardAll(); n > 0 {
		s.metrics.AddConcurrentRequests(s.config.Name, -n)
	}
	s.metrics.ObserveRequestsPerConnection(s.config.Name, float64(s.numRequests))
}

// terminateFatal handles an internal invariant violation: Push returned
// false immediately after CanPush returned true. The spec treats this as an
// implementation bug in the controller's transport contract rather than a
// recoverable per-request failure, so the connection is torn down instead
// of risking a corrupted emission order.
func (s *Service[Req, Resp]) terminateFatal(err *FatalPushError) {
	s.logger.Errorf("service[%s]: fatal: %v", s.connID, err)
	s.recordError(zeroValue[Req](), ErrorClassFatal, err)
	if !s.closed {
		s.closed = true
		s.finalizeClose()
	}
}

func zeroValue[T any]() T {
	var z T
	return z
}
