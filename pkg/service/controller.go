package service

// WriteResult is delivered asynchronously to the onResult callback passed to
// Controller.Push, reporting what became of a response after the core
// handed it off.
type WriteResult struct {
	// Err is nil on a successful write. A non-nil Err means the controller
	// accepted the push but failed to deliver it to the wire; the core
	// counts this as a DroppedReply and does not retry.
	Err error
}

// Controller is the connection-level transport capability the core
// delegates all I/O to. The core never touches a socket, a codec, or a
// read/write buffer directly; it only calls these four operations, in the
// order and under the conditions this package's doc comments describe.
//
// Implementations live outside this package - see the tcp and wsconn
// packages for two concrete transports wired to this interface.
type Controller[Resp any] interface {
	// CanPush reports whether the output buffer currently has room for
	// another message. The core calls this before every Push and treats a
	// false result as backpressure, not as an error.
	CanPush() bool

	// Push hands one response to the controller for framing and
	// transmission. onResult is invoked exactly once, later, with the
	// outcome of the write. Push returning false despite a preceding
	// CanPush() == true is treated as a fatal, connection-ending bug in
	// the transport contract (see FatalPushError) - the core never calls
	// Push without first confirming CanPush.
	Push(resp Resp, onResult func(WriteResult)) bool

	// PauseReads stops the controller from delivering further decoded
	// requests on this connection. Called once, when GracefulDisconnect is
	// invoked.
	PauseReads()

	// CloseGracefully initiates an orderly close (flush pending writes,
	// then FIN). Called exactly once, when the pending queue has fully
	// drained after a graceful disconnect.
	CloseGracefully()
}
