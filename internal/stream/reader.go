// Package stream turns the transcoder's output pipe into sequenced chunks.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// DefaultChunkSize matches the read size the relay uses when none is configured.
const DefaultChunkSize = 1024

var (
	// ErrEndOfStream reports that the upstream pipe closed.
	ErrEndOfStream = errors.New("stream: end of stream")
	// ErrIO is matched by every *ReadError.
	ErrIO = errors.New("stream: read failed")
)

// ReadError wraps an I/O fault observed while reading the pipe.
type ReadError struct {
	Seq uint64
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("stream: read after chunk %d: %v", e.Seq, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrIO) match any read fault.
func (e *ReadError) Is(target error) bool { return target == ErrIO }

// Chunk is one read's worth of bytes. Data is never modified after the chunk
// is returned, so it may be shared between goroutines.
type Chunk struct {
	Seq       uint64
	Data      []byte
	ArrivedAt time.Time
	SessionID string
}

// Len returns the payload size in bytes.
func (c Chunk) Len() int { return len(c.Data) }

// Reader reads arbitrary-length chunks from a pipe. It is not safe for
// concurrent use; one goroutine per session drives it.
type Reader struct {
	src       io.Reader
	sessionID string
	next      uint64
	pending   error
	now       func() time.Time
}

// NewReader wraps src. sessionID is copied onto every chunk.
func NewReader(src io.Reader, sessionID string) *Reader {
	return &Reader{src: src, sessionID: sessionID, now: time.Now}
}

// Next performs a single read of up to maxSize bytes. Bytes delivered together
// with an error are returned first and the error is reported on the following
// call.
func (r *Reader) Next(maxSize int) (Chunk, error) {
	if r.pending != nil {
		return Chunk{}, r.pending
	}
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	buf := make([]byte, maxSize)
	n, err := r.src.Read(buf)
	if err != nil {
		r.pending = r.classify(err)
	}
	if n > 0 {
		chunk := Chunk{
			Seq:       r.next,
			Data:      buf[:n:n],
			ArrivedAt: r.now(),
			SessionID: r.sessionID,
		}
		r.next++
		return chunk, nil
	}
	if r.pending == nil {
		// A zero-byte read without error means the writer side is gone.
		r.pending = ErrEndOfStream
	}
	return Chunk{}, r.pending
}

// Count returns how many chunks have been produced.
func (r *Reader) Count() uint64 {
	return r.next
}

func (r *Reader) classify(err error) error {
	// A pipe closed underneath a blocked read is how Supervisor.Stop unblocks
	// the reader; it ends the stream like EOF does.
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrEndOfStream
	}
	return &ReadError{Seq: r.next, Err: err}
}
