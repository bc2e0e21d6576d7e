package tcp

import (
	"bufio"
	"sync"
	"sync/atomic"

	"net"

	"github.com/fluxorio/pipeline/pkg/core"
	"github.com/fluxorio/pipeline/pkg/service"
)

// connController implements service.Controller[string] over a net.Conn
// using a newline-delimited text codec: one request, one response, per
// line. It is the illustrative transport this package exists to provide;
// protocols with a real framing format supply their own Controller instead.
//
// Writes are handed to a dedicated goroutine draining a bounded channel, so
// Push never blocks the service's actor loop on socket I/O. CanPush reports
// whether that channel currently has room.
type connController struct {
	conn   net.Conn
	writeQ chan writeJob
	logger core.Logger

	paused    int32
	closeOnce sync.Once
	closed    chan struct{}
}

type writeJob struct {
	line     string
	onResult func(service.WriteResult)
}

func newConnController(conn net.Conn, queueSize int, logger core.Logger) *connController {
	if queueSize < 1 {
		queueSize = 1
	}
	c := &connController{
		conn:   conn,
		writeQ: make(chan writeJob, queueSize),
		logger: logger,
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *connController) writeLoop() {
	w := bufio.NewWriter(c.conn)
	for job := range c.writeQ {
		_, err := w.WriteString(job.line)
		if err == nil {
			err = w.WriteByte('\n')
		}
		if err == nil {
			err = w.Flush()
		}
		job.onResult(service.WriteResult{Err: err})
	}
}

// CanPush implements service.Controller.
func (c *connController) CanPush() bool {
	return len(c.writeQ) < cap(c.writeQ)
}

// Push implements service.Controller. The only goroutine that calls Push is
// the owning Service's actor loop, and it always calls CanPush immediately
// beforehand, so this can never observe the channel as full - Push failing
// here would mean CanPush lied, which the service treats as fatal.
func (c *connController) Push(resp string, onResult func(service.WriteResult)) bool {
	select {
	case c.writeQ <- writeJob{line: resp, onResult: onResult}:
		return true
	default:
		return false
	}
}

// PauseReads implements service.Controller. The accept loop's per-connection
// reader checks readsPaused between lines and stops pulling new requests off
// the wire once it's set.
func (c *connController) PauseReads() {
	atomic.StoreInt32(&c.paused, 1)
}

func (c *connController) readsPaused() bool {
	return atomic.LoadInt32(&c.paused) == 1
}

// CloseGracefully implements service.Controller: stop accepting new writes
// and close the socket, which also unblocks the reader's next Read.
func (c *connController) CloseGracefully() {
	c.shutdown()
}

// shutdown tears down the write goroutine and socket exactly once,
// regardless of whether the close was requested by the service (via
// CloseGracefully, after a graceful drain) or observed by the reader first
// (an abrupt disconnect or read error).
func (c *connController) shutdown() {
	c.closeOnce.Do(func() {
		close(c.writeQ)
		_ = c.conn.Close()
		close(c.closed)
	})
}
