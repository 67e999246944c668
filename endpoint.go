package serialtee

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// peerBacklogLimit is the number of unread bytes in the peer's input queue
// beyond which the consumer is considered not to be draining.
const peerBacklogLimit = 2048

// Endpoint wraps one allocated virtual terminal pair. The tee holds the
// control side and writes published chunks into it; consumers open the peer
// path read-only. The endpoint also keeps its own fd on the peer side, never
// reading from it, so it can measure the consumer's backlog and flush stale
// data. It is exclusively owned by one delivery worker; only Close is safe
// to call from another goroutine.
type Endpoint struct {
	master *os.File
	slave  *os.File
	mfd    int
	sfd    int

	peerPath string // real pty peer path
	linkPath string // requested path, symlinked to peerPath ("" = none)

	// lastDrain is the last instant the consumer was seen keeping up.
	// Touched only by the owning worker through WriteChunk.
	lastDrain time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// AllocateEndpoint allocates a pty pair and, when requestedPath is non-empty,
// exposes the peer side there via a symlink. A leftover link from a previous
// run is replaced. The symlink is removed again on Close.
func AllocateEndpoint(requestedPath string) (*Endpoint, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}

	e := &Endpoint{
		master:    master,
		slave:     slave,
		mfd:       int(master.Fd()),
		sfd:       int(slave.Fd()),
		peerPath:  slave.Name(),
		lastDrain: time.Now(),
		done:      make(chan struct{}),
	}

	// Raw mode on the peer side, otherwise the line discipline mangles the
	// byte-transparent stream (newline translation, echo).
	termios, err := unix.IoctlGetTermios(e.sfd, unix.TCGETS)
	if err != nil {
		e.closeFiles()
		return nil, fmt.Errorf("get termios: %w", err)
	}
	rawMode(termios)
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(e.sfd, unix.TCSETS, termios); err != nil {
		e.closeFiles()
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Non-blocking control side; writes are gated by poll with an explicit
	// timeout so a full kernel buffer can never park the worker for good.
	if err := syscall.SetNonblock(e.mfd, true); err != nil {
		e.closeFiles()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	if requestedPath != "" {
		os.Remove(requestedPath)
		if err := os.Symlink(e.peerPath, requestedPath); err != nil {
			e.closeFiles()
			return nil, fmt.Errorf("link %s: %w", requestedPath, err)
		}
		e.linkPath = requestedPath
	}

	return e, nil
}

// PeerPath returns the concrete pty path a consumer should open.
func (e *Endpoint) PeerPath() string {
	return e.peerPath
}

// WriteChunk delivers the chunk's full byte content to the peer, bounded by
// timeout. Outcomes are distinct: nil on full delivery, ErrPeerStalled when
// the consumer's unread backlog is beyond the limit, ErrWriteTimeout when the
// kernel would not accept the remaining bytes in time, ErrClosed after Close.
// On ErrPeerStalled the peer's queue is additionally flushed once the backlog
// has stayed undrained past the timeout, so a returning consumer reads
// current data instead of a stale snapshot.
func (e *Endpoint) WriteChunk(c *Chunk, timeout time.Duration) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	backlog, err := e.peerBacklog()
	if err != nil {
		return err
	}
	if backlog >= peerBacklogLimit {
		if time.Since(e.lastDrain) > timeout {
			e.flushPeer()
			e.lastDrain = time.Now()
		}
		return ErrPeerStalled
	}
	e.lastDrain = time.Now()

	deadline := time.Now().Add(timeout)
	data := c.Data
	for len(data) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWriteTimeout
		}
		pfd := []unix.PollFd{{Fd: int32(e.mfd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, int(remaining.Milliseconds())+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll %s: %w", e.peerPath, err)
		}
		select {
		case <-e.done:
			return ErrClosed
		default:
		}
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return ErrClosed
		}
		if n == 0 || pfd[0].Revents&unix.POLLOUT == 0 {
			return ErrWriteTimeout
		}

		wn, werr := unix.Write(e.mfd, data)
		if werr != nil {
			if errors.Is(werr, unix.EAGAIN) {
				continue
			}
			if errors.Is(werr, unix.EBADF) {
				return ErrClosed
			}
			return fmt.Errorf("write %s: %w", e.peerPath, werr)
		}
		data = data[wn:]
	}
	return nil
}

// peerBacklog returns the number of bytes the consumer has not read yet.
func (e *Endpoint) peerBacklog() (int, error) {
	n, err := unix.IoctlGetInt(e.sfd, unix.TIOCINQ)
	if err != nil {
		select {
		case <-e.done:
			return 0, ErrClosed
		default:
		}
		return 0, fmt.Errorf("peer backlog %s: %w", e.peerPath, err)
	}
	return n, nil
}

// flushPeer discards everything queued on the pair in both directions.
func (e *Endpoint) flushPeer() {
	unix.IoctlSetInt(e.sfd, unix.TCFLSH, unix.TCIOFLUSH)
}

// Close removes the symlink and closes both sides of the pair.
// Safe to call multiple times; subsequent calls are no-ops.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		if e.linkPath != "" {
			os.Remove(e.linkPath)
		}
		err = e.closeFiles()
	})
	return err
}

func (e *Endpoint) closeFiles() error {
	merr := e.master.Close()
	serr := e.slave.Close()
	if merr != nil {
		return merr
	}
	return serr
}
