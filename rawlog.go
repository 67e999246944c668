package serialtee

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// rawEncMode is the CBOR encoder mode for raw traffic records.
// Deterministic encoding with nanosecond-precision timestamps.
var rawEncMode cbor.EncMode

func init() {
	var err error
	opts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	rawEncMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create raw log CBOR encoder mode: %v", err))
	}
}

// RawRecord is one chunk as recorded in the raw traffic log. Integer keys
// keep the on-disk framing compact.
type RawRecord struct {
	Session string    `cbor:"1,keyasint"`
	Seq     uint64    `cbor:"2,keyasint"`
	ReadAt  time.Time `cbor:"3,keyasint"`
	Size    int       `cbor:"4,keyasint"`
	Digest  uint64    `cbor:"5,keyasint"` // xxh3 of Data, for offline integrity checks
	Data    []byte    `cbor:"6,keyasint"`
}

// RawRecorder appends published chunks to a file as CBOR records. Recording
// is strictly best-effort: encoding and write failures are swallowed so the
// recorder can never disturb delivery. Safe for concurrent use.
type RawRecorder struct {
	file    *os.File
	encoder *cbor.Encoder
	session string
	mu      sync.Mutex
	closed  bool
}

// NewRawRecorder opens (or creates, 0644) the log file for appending and
// stamps all records of this run with a fresh session id.
func NewRawRecorder(path string) (*RawRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open raw log: %w", err)
	}
	return &RawRecorder{
		file:    f,
		encoder: rawEncMode.NewEncoder(f),
		session: uuid.NewString(),
	}, nil
}

// Session returns the id stamped on every record written by this recorder.
func (r *RawRecorder) Session() string {
	return r.session
}

// Record appends one chunk. Failures are ignored; after Close it is a no-op.
func (r *RawRecorder) Record(c *Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	_ = r.encoder.Encode(RawRecord{
		Session: r.session,
		Seq:     c.Seq,
		ReadAt:  c.ReadAt,
		Size:    len(c.Data),
		Digest:  xxh3.Hash(c.Data),
		Data:    c.Data,
	})
}

// Close closes the log file. Safe to call multiple times.
func (r *RawRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// ReadRawLog decodes every record in a raw traffic log file, in order.
func ReadRawLog(path string) ([]RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	var records []RawRecord
	dec := cbor.NewDecoder(f)
	for {
		var rec RawRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("decode raw log: %w", err)
		}
		records = append(records, rec)
	}
}
