// Package wsconn implements a second transport for pkg/service, over
// gorilla/websocket instead of raw TCP, to demonstrate that Service is
// transport-agnostic: any Controller implementation plugs into the same
// request/response core pkg/tcp uses.
package wsconn

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/service"
)

// Controller implements service.Controller[string] over a *websocket.Conn.
// Each request/response is a single text frame; there is no line-framing
// concern the way there is in pkg/tcp, since WebSocket already frames
// messages.
//
// As in pkg/tcp's connController, writes are handed off to a dedicated
// goroutine draining a bounded channel so Push never blocks the Service's
// actor loop on socket I/O, and CanPush reports whether that channel
// currently has room.
type Controller struct {
	conn   *websocket.Conn
	writeQ chan writeJob
	logger core.Logger

	paused    int32
	closeOnce sync.Once
	closed    chan struct{}
}

type writeJob struct {
	payload  string
	onResult func(service.WriteResult)
}

var _ service.Controller[string] = (*Controller)(nil)

// NewController starts a write-pump goroutine for conn and returns a ready
// Controller. queueSize bounds how many unacknowledged writes may be
// in-flight before CanPush starts reporting false.
func NewController(conn *websocket.Conn, queueSize int, logger core.Logger) *Controller {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	c := &Controller{
		conn:   conn,
		writeQ: make(chan writeJob, queueSize),
		logger: logger,
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Controller) writeLoop() {
	for job := range c.writeQ {
		err := c.conn.WriteMessage(websocket.TextMessage, []byte(job.payload))
		job.onResult(service.WriteResult{Err: err})
	}
}

// CanPush implements service.Controller.
func (c *Controller) CanPush() bool {
	return len(c.writeQ) < cap(c.writeQ)
}

// Push implements service.Controller. Only the owning Service's actor loop
// calls Push, always immediately after a CanPush check, so the channel can
// never be observed full here.
func (c *Controller) Push(resp string, onResult func(service.WriteResult)) bool {
	select {
	case c.writeQ <- writeJob{payload: resp, onResult: onResult}:
		return true
	default:
		return false
	}
}

// PauseReads implements service.Controller.
func (c *Controller) PauseReads() {
	atomic.StoreInt32(&c.paused, 1)
}

// ReadsPaused reports whether the read loop should stop admitting new
// messages. Exported so callers outside this package (e.g. an HTTP handler
// running the read loop) can check it without depending on package
// internals.
func (c *Controller) ReadsPaused() bool {
	return atomic.LoadInt32(&c.paused) == 1
}

// CloseGracefully implements service.Controller.
func (c *Controller) CloseGracefully() {
	c.Shutdown()
}

// Closed is closed once Shutdown has run, signaling any idle-check or
// read-loop goroutine watching it to stop.
func (c *Controller) Closed() <-chan struct{} {
	return c.closed
}

// Shutdown tears down the write goroutine and socket exactly once, whether
// triggered by the service (CloseGracefully, after a graceful drain) or by
// the read loop observing a close frame or read error first.
func (c *Controller) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.writeQ)
		_ = c.conn.Close()
		close(c.closed)
	})
}
