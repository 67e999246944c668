package serialtee

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// DeliveryWorker owns one endpoint and consumes one delivery channel,
// independently of every other worker. A write that cannot complete within
// the timeout abandons the chunk; the channel has already made sure the next
// receive yields the most recent data.
type DeliveryWorker struct {
	name         string
	endpoint     *Endpoint
	channel      *DeliveryChannel
	writeTimeout time.Duration
	logger       *slog.Logger

	delivered      atomic.Uint64
	deliveredBytes atomic.Uint64
	writeDrops     atomic.Uint64
}

func newDeliveryWorker(name string, ep *Endpoint, ch *DeliveryChannel, cfg Config, logger *slog.Logger) *DeliveryWorker {
	return &DeliveryWorker{
		name:         name,
		endpoint:     ep,
		channel:      ch,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

// run loops until the worker's channel is closed. Write timeouts and a
// stalled peer are transient: the chunk is dropped and the worker moves on.
// Nothing a consumer does can terminate this loop.
func (w *DeliveryWorker) run() {
	for {
		chunk := w.channel.Receive()
		if chunk == nil {
			return
		}

		err := w.endpoint.WriteChunk(chunk, w.writeTimeout)
		switch {
		case err == nil:
			w.delivered.Add(1)
			w.deliveredBytes.Add(uint64(len(chunk.Data)))
		case errors.Is(err, ErrWriteTimeout):
			w.writeDrops.Add(1)
			w.logger.Debug("write timed out, chunk dropped",
				"endpoint", w.name, "seq", chunk.Seq, "bytes", len(chunk.Data))
		case errors.Is(err, ErrPeerStalled):
			w.writeDrops.Add(1)
			w.logger.Debug("peer not draining, chunk dropped",
				"endpoint", w.name, "seq", chunk.Seq)
		case errors.Is(err, ErrClosed):
			return
		default:
			w.writeDrops.Add(1)
			w.logger.Debug("write failed, chunk dropped",
				"endpoint", w.name, "seq", chunk.Seq, "error", err)
		}
	}
}

// stats returns a snapshot of this worker's counters.
func (w *DeliveryWorker) stats() WorkerStats {
	_, overwrites := w.channel.Drops()
	return WorkerStats{
		Endpoint:       w.name,
		PeerPath:       w.endpoint.PeerPath(),
		Delivered:      w.delivered.Load(),
		DeliveredBytes: w.deliveredBytes.Load(),
		WriteDrops:     w.writeDrops.Load(),
		OverwriteDrops: overwrites,
	}
}
