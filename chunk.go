package serialtee

import "time"

// Chunk is one unit of bytes read from the master device in a single read call.
//
// Chunks are shared by reference between the master reader and every delivery
// worker. Data must not be modified after the chunk has been published; workers
// get read-only access and must not retain a chunk once they have finished (or
// abandoned) its delivery.
type Chunk struct {
	// Data holds the raw bytes as they arrived on the line.
	Data []byte

	// ReadAt is the instant the read from the device completed.
	ReadAt time.Time

	// Seq is a monotonically increasing sequence number assigned by the
	// master reader when the chunk is published. Used for drop accounting
	// and raw log correlation.
	Seq uint64
}
