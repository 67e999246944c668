package serialtee

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// openConsumer opens the peer side of an endpoint the way an external
// process would.
func openConsumer(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAllocateEndpoint_SymlinkLifecycle(t *testing.T) {
	link := filepath.Join(t.TempDir(), "slave0.pty")

	ep, err := AllocateEndpoint(link)
	require.NoError(t, err)

	fi, err := os.Lstat(link)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink)

	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, ep.PeerPath(), target)

	require.NoError(t, ep.Close())
	_, err = os.Lstat(link)
	require.ErrorIs(t, err, os.ErrNotExist)

	// Safe to close twice.
	require.NoError(t, ep.Close())
}

func TestAllocateEndpoint_ReplacesLeftoverLink(t *testing.T) {
	link := filepath.Join(t.TempDir(), "slave0.pty")
	require.NoError(t, os.Symlink("/dev/null", link))

	ep, err := AllocateEndpoint(link)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, ep.PeerPath(), target)
}

func TestAllocateEndpoint_BadLinkPath(t *testing.T) {
	_, err := AllocateEndpoint("/nonexistent-serialtee-dir/slave0.pty")
	require.Error(t, err)
}

func TestEndpoint_WriteChunk_Delivered(t *testing.T) {
	link := filepath.Join(t.TempDir(), "slave0.pty")
	ep, err := AllocateEndpoint(link)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	consumer := openConsumer(t, link)

	payload := "$GPRMC,093045.00,A*6A\r\n"
	require.NoError(t, ep.WriteChunk(chunkOf(payload), time.Second))

	got := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 128)
		n, err := consumer.Read(buf)
		if err != nil {
			readErr <- err
			return
		}
		got <- string(buf[:n])
	}()

	select {
	case s := <-got:
		require.Equal(t, payload, s)
	case err := <-readErr:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for consumer to receive chunk")
	}
}

func TestEndpoint_WriteChunk_StalledPeerShedsAndFlushes(t *testing.T) {
	link := filepath.Join(t.TempDir(), "slave0.pty")
	ep, err := AllocateEndpoint(link)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	// Nobody drains the peer: keep writing until the backlog check sheds
	// a chunk. Earlier writes may also die on the kernel buffer directly.
	big := &Chunk{Data: make([]byte, chunkBufferSize)}
	timeout := 50 * time.Millisecond

	sawStall := false
	for i := 0; i < 40 && !sawStall; i++ {
		err := ep.WriteChunk(big, timeout)
		switch {
		case err == nil, errors.Is(err, ErrWriteTimeout):
		case errors.Is(err, ErrPeerStalled):
			sawStall = true
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.True(t, sawStall, "stalled peer never triggered shedding")

	// Once the backlog has stayed undrained past the timeout the stale
	// queue is flushed, and deliveries land in an empty buffer again.
	time.Sleep(timeout + 20*time.Millisecond)
	recovered := false
	for i := 0; i < 10 && !recovered; i++ {
		err := ep.WriteChunk(chunkOf("fresh"), timeout)
		if err == nil {
			recovered = true
			break
		}
		require.ErrorIs(t, err, ErrPeerStalled)
		time.Sleep(timeout)
	}
	require.True(t, recovered, "endpoint never recovered after flush")
}

func TestEndpoint_WriteChunk_Closed(t *testing.T) {
	ep, err := AllocateEndpoint(filepath.Join(t.TempDir(), "slave0.pty"))
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	require.ErrorIs(t, ep.WriteChunk(chunkOf("x"), time.Second), ErrClosed)
}
