package service

// entryState is the PendingEntry lifecycle state. Transitions are
// monotonic: awaiting -> ready, never the reverse.
type entryState uint8

const (
	stateAwaiting entryState = iota
	stateReady
)

// pendingEntry is one admitted request awaiting emission. Entries live in
// strict arrival order inside the service's pending queue; only the head is
// ever inspected or removed.
type pendingEntry[Req, Resp any] struct {
	request     Req
	createdAtMs int64
	state       entryState
	response    Resp
	tags        Tags

	// discarded marks an entry the connection dropped without emitting it
	// (close, abrupt disconnect). A completion callback arriving after
	// discard is a no-op, same as one arriving after the entry already
	// went ready.
	discarded bool
}

func (e *pendingEntry[Req, Resp]) ready() bool { return e.state == stateReady }

// complete transitions the entry to ready exactly once. It reports whether
// this call was the one that did it, so callers can distinguish a genuine
// transition from a stale, idempotent retry.
func (e *pendingEntry[Req, Resp]) complete(resp Resp, tags Tags) bool {
	if e.discarded || e.state == stateReady {
		return false
	}
	e.state = stateReady
	e.response = resp
	e.tags = tags
	return true
}
