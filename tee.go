package serialtee

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
)

// WorkerStats is a snapshot of one delivery worker's counters.
type WorkerStats struct {
	Endpoint       string // name derived from the requested slave path
	PeerPath       string // concrete pty path consumers open
	Delivered      uint64
	DeliveredBytes uint64
	WriteDrops     uint64 // chunks abandoned on write timeout or stalled peer
	OverwriteDrops uint64 // chunks overwritten before the worker got to them
}

// TeeStats is a snapshot of the whole tee.
type TeeStats struct {
	Published uint64 // chunks read off the master device
	Workers   []WorkerStats
	RawDrops  uint64 // chunks the raw recorder missed because the disk lagged
}

// Tee shares one physical serial line with several consumers, each behind its
// own virtual terminal with drop-on-lag isolation. Construct with NewTee,
// then Run; the zero value is not usable.
type Tee struct {
	cfg    Config
	logger *slog.Logger

	reader    *MasterReader
	endpoints []*Endpoint
	channels  []*DeliveryChannel
	workers   []*DeliveryWorker

	recorder   *RawRecorder
	recorderCh *DeliveryChannel

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTee validates the configuration and allocates every resource the tee
// needs: the master device first, then one endpoint, channel and worker per
// slave path, then the optional raw recorder. Any failure rolls back what was
// already allocated, so a half-initialized tee never leaks a pty or a
// symlink. A nil logger falls back to slog.Default.
func NewTee(cfg Config, logger *slog.Logger) (*Tee, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dev, err := OpenDevice(cfg.Device, cfg.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("open master: %w", err)
	}

	t := &Tee{cfg: cfg, logger: logger}

	for _, path := range cfg.Slaves {
		ep, err := AllocateEndpoint(path)
		if err != nil {
			t.releaseResources()
			dev.Close()
			return nil, fmt.Errorf("allocate slave %s: %w", path, err)
		}
		name := filepath.Base(path)
		ch := NewDeliveryChannel()
		t.endpoints = append(t.endpoints, ep)
		t.channels = append(t.channels, ch)
		t.workers = append(t.workers, newDeliveryWorker(name, ep, ch, cfg, logger))
		logger.Info("slave endpoint ready", "endpoint", name, "link", path, "peer", ep.PeerPath())
	}

	fanout := t.channels
	if cfg.RawLogPath != "" {
		rec, err := NewRawRecorder(cfg.RawLogPath)
		if err != nil {
			t.releaseResources()
			dev.Close()
			return nil, err
		}
		t.recorder = rec
		t.recorderCh = NewDeliveryChannel()
		fanout = append(append([]*DeliveryChannel{}, t.channels...), t.recorderCh)
		logger.Info("raw traffic log enabled", "path", cfg.RawLogPath, "session", rec.Session())
	}

	t.reader = newMasterReader(dev, cfg, fanout, logger)
	return t, nil
}

// Run starts the master reader and one goroutine per delivery worker, then
// blocks until ctx is cancelled. On return everything is closed; an in-flight
// chunk may be dropped, which is within the at-most-current contract.
func (t *Tee) Run(ctx context.Context) {
	t.logger.Info("tee starting",
		"master", t.cfg.Device,
		"baud", t.cfg.BaudRate,
		"slaves", t.cfg.Slaves,
	)

	for _, w := range t.workers {
		t.wg.Add(1)
		go func(w *DeliveryWorker) {
			defer t.wg.Done()
			w.run()
		}(w)
	}
	if t.recorder != nil {
		t.wg.Add(1)
		go t.recordLoop()
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reader.run(ctx)
	}()

	<-ctx.Done()
	t.Close()
	t.logger.Info("tee stopped")
}

// recordLoop feeds the raw recorder from its own delivery channel, giving a
// slow disk the same drop-on-lag isolation as a slow consumer.
func (t *Tee) recordLoop() {
	defer t.wg.Done()
	for {
		c := t.recorderCh.Receive()
		if c == nil {
			return
		}
		t.recorder.Record(c)
	}
}

// Close tears the tee down: the device first so the producer stops, then the
// channels so the workers drain out, then the endpoints and the recorder.
// Blocks until every goroutine started by Run has exited. Safe to call more
// than once, and without ever having called Run.
func (t *Tee) Close() {
	t.closeOnce.Do(func() {
		// stop, not just closeDevice: the reader may be inside its
		// reconnect backoff, where only the quit channel can reach it.
		t.reader.stop()
		for _, ch := range t.channels {
			ch.Close()
		}
		if t.recorderCh != nil {
			t.recorderCh.Close()
		}
		t.wg.Wait()
		// Reconnect may have swapped in a fresh handle before the reader
		// goroutine observed shutdown.
		t.reader.closeDevice()
		t.releaseResources()
	})
}

// releaseResources closes endpoints and the recorder. Used both for teardown
// and for rollback of a partially constructed tee.
func (t *Tee) releaseResources() {
	for _, ep := range t.endpoints {
		ep.Close()
	}
	if t.recorder != nil {
		t.recorder.Close()
	}
}

// PeerPaths returns the concrete pty paths, one per configured slave.
func (t *Tee) PeerPaths() []string {
	paths := make([]string, len(t.endpoints))
	for i, ep := range t.endpoints {
		paths[i] = ep.PeerPath()
	}
	return paths
}

// Stats returns a snapshot of the tee's counters.
func (t *Tee) Stats() TeeStats {
	s := TeeStats{Published: t.reader.Published()}
	for _, w := range t.workers {
		s.Workers = append(s.Workers, w.stats())
	}
	if t.recorderCh != nil {
		_, s.RawDrops = t.recorderCh.Drops()
	}
	return s
}
