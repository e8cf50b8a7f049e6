package capture

import (
	"io"
	"sync"
)

// initialBufferCapacity is the starting size for the capture buffer.
// 4KB seems like a reasonable default.
const initialBufferCapacity = 4096

// Stream is an in-memory buffer of captured output supporting concurrent
// followers. Multiple readers can subscribe and each receive the complete
// output from the beginning. The internal buffer grows to accommodate new
// output.
type Stream struct {
	// NOTE: the buffer grows indefinitely with no upper bound. The assumption
	// is that a single run's captured output fits in memory; buffers are
	// dropped along with their runs when a job evicts old runs.
	buffer   []byte
	finished bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewStream creates an empty Stream ready for writes.
func NewStream() *Stream {
	s := &Stream{
		buffer: make([]byte, 0, initialBufferCapacity),
	}

	s.cond = sync.NewCond(&s.mu)

	return s
}

// Write appends p to the buffer and wakes any blocked readers. Writing to a
// finished stream returns io.ErrClosedPipe.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return 0, io.ErrClosedPipe
	}

	s.buffer = append(s.buffer, p...)

	s.cond.Broadcast()

	return len(p), nil
}

// Finish marks the stream as complete and wakes any blocked readers. Readers
// drain the remaining data and then receive io.EOF.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finished = true

	s.cond.Broadcast()
}

// String returns a snapshot of the output captured so far.
func (s *Stream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return string(s.buffer)
}

// NewReader returns an io.ReadCloser for following the stream. Read returns
// all output since the beginning and blocks waiting for new output. Close
// cancels the subscription.
func (s *Stream) NewReader() io.ReadCloser {
	return &reader{s: s}
}

// reader follows a Stream, internally tracking its position in the buffer and
// reading new data as it arrives. It implements the io.ReadCloser interface.
// Safe for concurrent use.
type reader struct {
	position int
	closed   bool

	s *Stream
}

// Read performs a blocking read of data from the stream buffer. When there's
// no more data left and there's no more coming, it returns an io.EOF error.
func (r *reader) Read(p []byte) (n int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// If we've read all data in the buffer but we're not finished, then wait...
	// Broadcast is called in the event of 'close' or 'more data available'.
	for r.position >= len(r.s.buffer) && !r.isFinished() {
		r.s.cond.Wait()
	}

	if r.isFinished() {
		return 0, io.EOF
	}

	availableData := len(r.s.buffer) - r.position
	amountToCopy := min(availableData, len(p))

	n = copy(p, r.s.buffer[r.position:r.position+amountToCopy])

	r.position += n

	return n, nil
}

// Close is used by a follower to 'unsubscribe'. It marks the reader as closed
// and notifies any waiting reads that they can stop waiting. Closing an
// already closed reader returns io.ErrClosedPipe.
func (r *reader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.closed {
		return io.ErrClosedPipe
	}

	r.closed = true

	r.s.cond.Broadcast()

	return nil
}

func (r *reader) isFinished() bool {
	// We're finished if the reader is closed or the stream is complete and
	// we've read all the data.
	return r.closed || (r.s.finished && r.position >= len(r.s.buffer))
}
