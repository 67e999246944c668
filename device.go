package serialtee

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// chunkBufferSize bounds a single device read. NMEA bursts and similar
// line-rate traffic fit comfortably; larger payloads simply arrive as
// consecutive chunks.
const chunkBufferSize = 4096

// Device wraps one opened physical serial line, configured for raw,
// low-latency operation. It is exclusively owned by the master reader;
// only Close is safe to call from another goroutine.
type Device struct {
	fd        int
	file      *os.File
	path      string
	done      chan struct{}
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// OpenDevice opens the serial device at path with the given baud rate.
// Open errors keep their errno, so errors.Is with os.ErrNotExist or
// os.ErrPermission distinguishes a missing path from a revoked one.
func OpenDevice(path string, baud int) (*Device, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	rawMode(termios)

	b, ok := baudToUnix(baud)
	if !ok {
		syscall.Close(fd)
		return nil, fmt.Errorf("open %s: unsupported baud rate %d", path, baud)
	}
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= b

	// VMIN=1, VTIME=0: a read returns as soon as any byte is available.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Back to blocking mode now that config is done; reads are gated by
	// poll with an explicit timeout.
	syscall.SetNonblock(fd, false)

	// Self-pipe so Close can unblock a pending poll.
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &Device{
		fd:    fd,
		file:  os.NewFile(uintptr(fd), path),
		path:  path,
		done:  make(chan struct{}),
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

// Path returns the device path this handle was opened at.
func (d *Device) Path() string {
	return d.path
}

// ReadChunk waits up to timeout for bytes on the line and returns them as a
// fresh Chunk, timestamped at read completion. Outcomes are distinct:
// a chunk with at least one byte, ErrReadTimeout with zero bytes transferred,
// ErrDeviceGone when the device disappeared, or ErrClosed after Close.
func (d *Device) ReadChunk(timeout time.Duration) (*Chunk, error) {
	pfd := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(d.pipeR), Events: unix.POLLIN},
	}
	// Poll granularity is a millisecond; anything shorter would degrade
	// into a zero-timeout busy loop.
	ms := int(timeout.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	_, err := unix.Poll(pfd, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, ErrReadTimeout
		}
		return nil, fmt.Errorf("poll %s: %w", d.path, err)
	}

	select {
	case <-d.done:
		return nil, ErrClosed
	default:
	}
	if pfd[1].Revents&unix.POLLIN != 0 {
		// Drain pipe
		var b [1]byte
		unix.Read(d.pipeR, b[:])
		return nil, ErrClosed
	}

	if pfd[0].Revents&unix.POLLIN != 0 {
		buf := make([]byte, chunkBufferSize)
		rn, err := d.file.Read(buf)
		if err != nil {
			if isDeviceGone(err) {
				return nil, ErrDeviceGone
			}
			return nil, fmt.Errorf("read %s: %w", d.path, err)
		}
		if rn == 0 {
			return nil, ErrDeviceGone
		}
		return &Chunk{Data: buf[:rn], ReadAt: time.Now()}, nil
	}

	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return nil, ErrDeviceGone
	}
	return nil, ErrReadTimeout
}

// Close closes the device and unblocks any pending ReadChunk.
// Safe to call multiple times; subsequent calls are no-ops.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		// Wake up poll using self-pipe
		if d.pipeW > 0 {
			unix.Write(d.pipeW, []byte{1})
		}
		if d.file != nil {
			err = d.file.Close()
		}
		if d.pipeR > 0 {
			unix.Close(d.pipeR)
		}
		if d.pipeW > 0 {
			unix.Close(d.pipeW)
		}
	})
	return err
}

// isDeviceGone reports whether a read error means the device is permanently
// gone, as opposed to a transient condition worth retrying in place.
func isDeviceGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EIO, unix.ENXIO, unix.ENODEV, unix.EBADF:
			return true
		}
	}
	return false
}

// rawMode strips all line-discipline processing so the stream passes through
// byte for byte.
func rawMode(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
}

// baudToUnix maps a numeric rate to its termios constant. The second return
// is false for rates outside the supported table.
func baudToUnix(baud int) (uint32, bool) {
	switch baud {
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	default:
		return 0, false
	}
}
