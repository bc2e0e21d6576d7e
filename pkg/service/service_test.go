package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockController is a black-box Controller[string] double. canPush gates
// whether Push succeeds; pushed/results record what was sent and let a test
// synthesize the controller's asynchronous write outcome.
type mockController struct {
	mu         sync.Mutex
	canPush    bool
	pushed     []string
	onResults  []func(WriteResult)
	pauseCalls int
	closeCalls int
}

func newMockController(canPush bool) *mockController {
	return &mockController{canPush: canPush}
}

func (m *mockController) CanPush() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canPush
}

func (m *mockController) setCanPush(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canPush = v
}

func (m *mockController) Push(resp string, onResult func(WriteResult)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, resp)
	m.onResults = append(m.onResults, onResult)
	return true
}

func (m *mockController) PauseReads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseCalls++
}

func (m *mockController) CloseGracefully() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
}

func (m *mockController) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.pushed))
	copy(out, m.pushed)
	return out
}

func (m *mockController) completeWrite(i int, result WriteResult) {
	m.mu.Lock()
	cb := m.onResults[i]
	m.mu.Unlock()
	cb(result)
}

func (m *mockController) counts() (pause, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseCalls, m.closeCalls
}

// controllableHandler hands back a fresh, caller-controlled Future for every
// request, keyed by request text, so a test can complete handler results in
// whatever order the scenario calls for.
type controllableHandler struct {
	mu      sync.Mutex
	futures map[string]*Future[string]
}

func newControllableHandler() *controllableHandler {
	return &controllableHandler{futures: map[string]*Future[string]{}}
}

func (h *controllableHandler) ProcessRequest(ctx context.Context, req string) *Future[string] {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := NewFuture[string]()
	h.futures[req] = f
	return f
}

func (h *controllableHandler) ProcessFailure(req string, err error) string {
	return "ERR:" + req + ":" + err.Error()
}

func (h *controllableHandler) complete(req, resp string) {
	h.mu.Lock()
	f := h.futures[req]
	h.mu.Unlock()
	f.Complete(resp, nil)
}

func (h *controllableHandler) admitted(req string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.futures[req]
	return ok
}

// fakeMetrics records every call instead of exporting anywhere, so tests can
// assert on the conservation invariants from the metrics table.
type fakeMetrics struct {
	mu          sync.Mutex
	concurrent  int
	errClasses  []ErrorClass
	reqCount    int
	perConnSeen []float64
}

func (f *fakeMetrics) IncRequests(string, Tags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqCount++
}

func (f *fakeMetrics) ObserveLatencyMs(string, float64, Tags) {}

func (f *fakeMetrics) IncErrors(name string, class ErrorClass, tags Tags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errClasses = append(f.errClasses, class)
}

func (f *fakeMetrics) AddConcurrentRequests(name string, delta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.concurrent += delta
}

func (f *fakeMetrics) ObserveRequestsPerConnection(name string, count float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perConnSeen = append(f.perConnSeen, count)
}

func (f *fakeMetrics) snapshotConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.concurrent
}

func (f *fakeMetrics) snapshotErrClasses() []ErrorClass {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ErrorClass, len(f.errClasses))
	copy(out, f.errClasses)
	return out
}

func newTestService(t *testing.T, cfg Config[string], handler Handler[string, string], controller Controller[string], opts ...Option[string, string]) (*Service[string, string], context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := New[string, string](cfg, handler, controller, opts...)
	s.Start(ctx)
	t.Cleanup(cancel)
	return s, cancel
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// Admit three requests whose handlers complete out of arrival order;
// responses must still emit in strict FIFO arrival order.
func TestService_OrderedOutOfOrderCompletion(t *testing.T) {
	t.Parallel()
	handler := newControllableHandler()
	ctrl := newMockController(true)
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl)

	ctx := context.Background()
	if err := s.ProcessMessage(ctx, "r1"); err != nil {
		t.Fatalf("ProcessMessage(r1): %v", err)
	}
	if err := s.ProcessMessage(ctx, "r2"); err != nil {
		t.Fatalf("ProcessMessage(r2): %v", err)
	}
	if err := s.ProcessMessage(ctx, "r3"); err != nil {
		t.Fatalf("ProcessMessage(r3): %v", err)
	}

	handler.complete("r3", "resp3")
	handler.complete("r1", "resp1")
	handler.complete("r2", "resp2")

	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 3 })

	got := ctrl.snapshot()
	want := []string{"resp1", "resp2", "resp3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pushed[%d] = %q; want %q (order = %v)", i, got[i], want[i], got)
		}
	}
}

// A synchronous handler with an empty queue and a pushable controller takes
// the fast path: no pending entry is ever allocated, so concurrent_requests
// never moves off zero.
func TestService_FastPathSkipsConcurrentRequestsAccounting(t *testing.T) {
	t.Parallel()
	metrics := &fakeMetrics{}
	ctrl := newMockController(true)
	handler := HandlerFuncs[string, string]{
		Request: func(ctx context.Context, req string) *Future[string] { return Resolved("echo:" + req) },
		Failure: func(req string, err error) string { return "ERR" },
	}
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl, WithMetrics[string, string](metrics))

	if err := s.ProcessMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 1 })

	if got := ctrl.snapshot()[0]; got != "echo:hi" {
		t.Fatalf("pushed = %q; want echo:hi", got)
	}
	// Give any stray AddConcurrentRequests call a moment to land before
	// asserting it never happened.
	time.Sleep(20 * time.Millisecond)
	if got := metrics.snapshotConcurrent(); got != 0 {
		t.Fatalf("concurrent_requests = %d; want 0 (fast path must not allocate an entry)", got)
	}
}

// When the controller reports no room, responses queue internally instead of
// being pushed; once room frees up, the next drain flushes them in order.
func TestService_BackpressurePauseThenResume(t *testing.T) {
	t.Parallel()
	ctrl := newMockController(false)
	handler := HandlerFuncs[string, string]{
		Request: func(ctx context.Context, req string) *Future[string] { return Resolved("resp:" + req) },
		Failure: func(req string, err error) string { return "ERR" },
	}
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl)

	if err := s.ProcessMessage(context.Background(), "a"); err != nil {
		t.Fatalf("ProcessMessage(a): %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(ctrl.snapshot()); got != 0 {
		t.Fatalf("pushed count = %d while backpressured; want 0", got)
	}

	ctrl.setCanPush(true)
	if err := s.ProcessMessage(context.Background(), "b"); err != nil {
		t.Fatalf("ProcessMessage(b): %v", err)
	}

	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 2 })
	got := ctrl.snapshot()
	if got[0] != "resp:a" || got[1] != "resp:b" {
		t.Fatalf("pushed = %v; want [resp:a resp:b] in arrival order once backpressure cleared", got)
	}
}

// A request whose handler never completes is failed by the idle sweep once
// it ages past RequestTimeout, and only the head is ever inspected.
func TestService_TimeoutAtHead(t *testing.T) {
	t.Parallel()
	clock := &VirtualClock{}
	handler := newControllableHandler()
	ctrl := newMockController(true)
	metrics := &fakeMetrics{}
	s, _ := newTestService(t, Config[string]{
		Name:              "t",
		RequestBufferSize: 8,
		RequestTimeout:    100 * time.Millisecond,
	}, handler, ctrl, WithClock[string, string](clock), WithMetrics[string, string](metrics))

	if err := s.ProcessMessage(context.Background(), "stuck"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	// Wait for the actor to actually admit the request before advancing the
	// virtual clock out from under it.
	pollUntil(t, time.Second, func() bool { return handler.admitted("stuck") })

	clock.Advance(200 * time.Millisecond)
	if err := s.IdleCheck(50 * time.Millisecond); err != nil {
		t.Fatalf("IdleCheck: %v", err)
	}

	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 1 })
	got := ctrl.snapshot()[0]
	if !strings.Contains(got, "stuck") || !strings.Contains(got, "timed out") {
		t.Fatalf("pushed = %q; want a ProcessFailure rendering of ErrTimeout", got)
	}

	classes := metrics.snapshotErrClasses()
	if len(classes) != 1 || classes[0] != ErrorClassTimeout {
		t.Fatalf("errClasses = %v; want [Timeout]", classes)
	}
}

// Admitting a request once the pending queue is already at capacity fails it
// with ErrBufferFull, without ever invoking the handler; the rejection is
// emitted in arrival order, behind the request still pending.
func TestService_OverflowRejectsWithoutInvokingHandler(t *testing.T) {
	t.Parallel()
	invoked := 0
	var first *Future[string]
	var mu sync.Mutex
	handler := HandlerFuncs[string, string]{
		Request: func(ctx context.Context, req string) *Future[string] {
			mu.Lock()
			defer mu.Unlock()
			invoked++
			f := NewFuture[string]()
			if req == "first" {
				first = f
			}
			return f
		},
		Failure: func(req string, err error) string { return "ERR:" + err.Error() },
	}
	ctrl := newMockController(true)
	metrics := &fakeMetrics{}
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 1}, handler, ctrl, WithMetrics[string, string](metrics))

	if err := s.ProcessMessage(context.Background(), "first"); err != nil {
		t.Fatalf("ProcessMessage(first): %v", err)
	}
	pollUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invoked == 1
	})
	if err := s.ProcessMessage(context.Background(), "second"); err != nil {
		t.Fatalf("ProcessMessage(second): %v", err)
	}

	pollUntil(t, time.Second, func() bool {
		for _, c := range metrics.snapshotErrClasses() {
			if c == ErrorClassBufferFull {
				return true
			}
		}
		return false
	})
	if got := len(ctrl.snapshot()); got != 0 {
		t.Fatalf("pushed count = %d while first is pending; want 0", got)
	}

	mu.Lock()
	f := first
	mu.Unlock()
	f.Complete("resp:first", nil)

	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 2 })
	pushed := ctrl.snapshot()
	if pushed[0] != "resp:first" {
		t.Fatalf("pushed[0] = %q; want resp:first ahead of the rejection", pushed[0])
	}
	got := pushed[1]
	if !strings.Contains(got, "buffer full") {
		t.Fatalf("pushed = %q; want ErrBufferFull rendering", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if invoked != 1 {
		t.Fatalf("handler invoked %d times; want exactly 1 (only the admitted request)", invoked)
	}
}

// A failed write is counted as a dropped reply and never retried, but it
// still frees the controller's slot: the next drain attempt picks up where
// it left off instead of getting stuck behind the failure.
func TestService_FailedWriteStillResumesDrain(t *testing.T) {
	t.Parallel()
	handler := newControllableHandler()
	ctrl := newMockController(true)
	metrics := &fakeMetrics{}
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl, WithMetrics[string, string](metrics))

	if err := s.ProcessMessage(context.Background(), "a"); err != nil {
		t.Fatalf("ProcessMessage(a): %v", err)
	}
	pollUntil(t, time.Second, func() bool { return handler.admitted("a") })
	if err := s.ProcessMessage(context.Background(), "b"); err != nil {
		t.Fatalf("ProcessMessage(b): %v", err)
	}
	pollUntil(t, time.Second, func() bool { return handler.admitted("b") })

	handler.complete("a", "ra")
	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 1 })

	ctrl.setCanPush(false)
	handler.complete("b", "rb")
	time.Sleep(20 * time.Millisecond)
	if got := len(ctrl.snapshot()); got != 1 {
		t.Fatalf("pushed count = %d while backpressured on b; want 1", got)
	}

	ctrl.setCanPush(true)
	ctrl.completeWrite(0, WriteResult{Err: errTransportGone})

	pollUntil(t, time.Second, func() bool { return len(ctrl.snapshot()) == 2 })
	got := ctrl.snapshot()
	if got[0] != "ra" || got[1] != "rb" {
		t.Fatalf("pushed = %v; want [ra rb]", got)
	}

	pollUntil(t, time.Second, func() bool {
		for _, c := range metrics.snapshotErrClasses() {
			if c == ErrorClassDroppedReply {
				return true
			}
		}
		return false
	})
}

type transportGoneError struct{}

func (transportGoneError) Error() string { return "transport gone" }

var errTransportGone = transportGoneError{}

// GracefulDisconnect pauses reads but does not close immediately; the
// connection only closes once every pending response has drained.
func TestService_GracefulDrainThenClose(t *testing.T) {
	t.Parallel()
	handler := newControllableHandler()
	ctrl := newMockController(true)
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl)

	if err := s.ProcessMessage(context.Background(), "pending"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	pollUntil(t, time.Second, func() bool { return handler.admitted("pending") })

	if err := s.GracefulDisconnect(); err != nil {
		t.Fatalf("GracefulDisconnect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	pause, closes := ctrl.counts()
	if pause != 1 {
		t.Fatalf("pauseCalls = %d; want 1", pause)
	}
	if closes != 0 {
		t.Fatalf("closeCalls = %d; want 0 before the pending request finishes", closes)
	}

	handler.complete("pending", "done")

	pollUntil(t, time.Second, func() bool {
		_, closes := ctrl.counts()
		return closes == 1
	})
	if got := ctrl.snapshot(); len(got) != 1 || got[0] != "done" {
		t.Fatalf("pushed = %v; want [done]", got)
	}
}

// A handler completion that arrives after ConnectionClosed has already run
// must not push, panic, or otherwise mutate state.
func TestService_LateCompletionAfterCloseIsNoOp(t *testing.T) {
	t.Parallel()
	handler := newControllableHandler()
	ctrl := newMockController(true)
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl)

	if err := s.ProcessMessage(context.Background(), "abandoned"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	pollUntil(t, time.Second, func() bool { return handler.admitted("abandoned") })

	if err := s.ConnectionClosed(nil); err != nil {
		t.Fatalf("ConnectionClosed: %v", err)
	}
	s.Wait()

	handler.complete("abandoned", "too-late")
	time.Sleep(20 * time.Millisecond)

	if got := ctrl.snapshot(); len(got) != 0 {
		t.Fatalf("pushed = %v; want no pushes after close, even with a late completion", got)
	}
}

// ConnectionClosed is idempotent: a second call after the actor loop has
// already exited must not block or panic.
func TestService_ConnectionClosedIsIdempotent(t *testing.T) {
	t.Parallel()
	handler := newControllableHandler()
	ctrl := newMockController(true)
	s, _ := newTestService(t, Config[string]{Name: "t", RequestBufferSize: 8}, handler, ctrl)

	if err := s.ConnectionClosed(nil); err != nil {
		t.Fatalf("first ConnectionClosed: %v", err)
	}
	s.Wait()

	// The actor loop has exited, so the mailbox may reject the second send;
	// either outcome is fine as long as nothing panics or hangs.
	_ = s.ConnectionClosed(nil)
}
