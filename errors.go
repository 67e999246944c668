package serialtee

import "errors"

var (
	// ErrReadTimeout means a bounded device read expired with zero bytes
	// transferred. Expected on an idle line; callers keep looping.
	ErrReadTimeout = errors.New("serialtee: read timed out")

	// ErrDeviceGone means the master device is permanently gone (unplugged,
	// permission revoked). Triggers the reconnect loop, never process exit.
	ErrDeviceGone = errors.New("serialtee: device gone")

	// ErrWriteTimeout means a bounded endpoint write expired before the full
	// chunk was accepted. The undelivered bytes are dropped.
	ErrWriteTimeout = errors.New("serialtee: write timed out")

	// ErrPeerStalled means the endpoint's peer has unread data beyond the
	// backlog limit and is not draining. The chunk is dropped.
	ErrPeerStalled = errors.New("serialtee: peer not draining")

	// ErrClosed means the handle was closed.
	ErrClosed = errors.New("serialtee: closed")
)
