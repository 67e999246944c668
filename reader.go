package serialtee

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Reconnect backoff: capped exponential, retrying indefinitely.
	// Device absence is an expected operating condition, never fatal.
	reconnectInitialDelay = 250 * time.Millisecond
	reconnectMaxDelay     = 5 * time.Second

	// antiHotloop paces the loop when an unclassified error keeps repeating.
	antiHotloop = 500 * time.Millisecond
)

// MasterReader owns the device handle and is the sole producer. It pulls
// chunks off the line and publishes each one to every delivery channel,
// reopening the device with backoff when it disappears.
type MasterReader struct {
	mu          sync.Mutex // guards device across reconnect and shutdown
	device      *Device
	path        string
	baud        int
	readTimeout time.Duration
	channels    []*DeliveryChannel
	logger      *slog.Logger

	// open is the device open capability, injectable for tests.
	open func(path string, baud int) (*Device, error)

	// quit unblocks the reconnect backoff on shutdown, where the device
	// self-pipe cannot reach.
	quit     chan struct{}
	quitOnce sync.Once

	backoffInitial time.Duration
	backoffMax     time.Duration

	seq       uint64
	published atomic.Uint64
}

func newMasterReader(dev *Device, cfg Config, channels []*DeliveryChannel, logger *slog.Logger) *MasterReader {
	return &MasterReader{
		device:         dev,
		path:           cfg.Device,
		baud:           cfg.BaudRate,
		readTimeout:    cfg.ReadTimeout,
		channels:       channels,
		logger:         logger,
		open:           OpenDevice,
		quit:           make(chan struct{}),
		backoffInitial: reconnectInitialDelay,
		backoffMax:     reconnectMaxDelay,
	}
}

// run loops until the context is cancelled or the device handle is closed.
// Per-iteration errors never escape: an idle timeout loops again immediately,
// a lost device enters the reconnect loop, anything else is logged and paced.
func (r *MasterReader) run(ctx context.Context) {
	for ctx.Err() == nil && !r.stopped() {
		chunk, err := r.currentDevice().ReadChunk(r.readTimeout)
		switch {
		case err == nil:
			r.publish(chunk)
		case errors.Is(err, ErrReadTimeout):
			// Idle line, keep polling.
		case errors.Is(err, ErrClosed):
			return
		case errors.Is(err, ErrDeviceGone):
			r.logger.Warn("master device lost, reconnecting", "path", r.path)
			if !r.reconnect(ctx) {
				return
			}
		default:
			r.logger.Debug("master read error", "path", r.path, "error", err)
			if !r.wait(ctx, antiHotloop) {
				return
			}
		}
	}
}

// publish stamps the chunk with the next sequence number and hands it to
// every channel. Channels never exert backpressure, so publish cost is
// bounded regardless of consumer health.
func (r *MasterReader) publish(c *Chunk) {
	r.seq++
	c.Seq = r.seq
	for _, ch := range r.channels {
		ch.Publish(c)
	}
	r.published.Add(1)
	r.logger.Debug("published chunk", "seq", c.Seq, "bytes", len(c.Data))
}

// reconnect retries opening the same path at the same baud rate until it
// succeeds or the reader is shut down. Returns false only on shutdown.
func (r *MasterReader) reconnect(ctx context.Context) bool {
	r.closeDevice()

	delay := r.backoffInitial
	for attempt := 1; ; attempt++ {
		if !r.wait(ctx, delay) {
			return false
		}
		dev, err := r.open(r.path, r.baud)
		if err == nil {
			if ctx.Err() != nil || r.stopped() {
				dev.Close()
				return false
			}
			r.setDevice(dev)
			r.logger.Info("master device reconnected", "path", r.path, "attempt", attempt)
			return true
		}
		r.logger.Debug("reconnect attempt failed",
			"path", r.path,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)
		delay *= 2
		if delay > r.backoffMax {
			delay = r.backoffMax
		}
	}
}

func (r *MasterReader) currentDevice() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

func (r *MasterReader) setDevice(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device = d
}

// closeDevice closes whichever handle is current. Called by the reader on
// device loss and by the tee on shutdown.
func (r *MasterReader) closeDevice() {
	r.currentDevice().Close()
}

// stop makes run return no matter where it is parked: the self-pipe wakes a
// pending device poll and the quit channel wakes a reconnect backoff.
func (r *MasterReader) stop() {
	r.quitOnce.Do(func() { close(r.quit) })
	r.closeDevice()
}

func (r *MasterReader) stopped() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// Published returns the number of chunks published so far.
func (r *MasterReader) Published() uint64 {
	return r.published.Load()
}

// wait pauses for d, returning false if the context was cancelled or the
// reader was stopped first.
func (r *MasterReader) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.quit:
		return false
	case <-t.C:
		return true
	}
}
