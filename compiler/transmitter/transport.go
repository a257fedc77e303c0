package transmitter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Lane is one of the independent duplex channels of a transport. Frames are
// ordered within a lane; nothing is ordered across lanes.
type Lane int

// Lanes.
const (
	// LaneEvents carries fire-and-forget events.
	LaneEvents Lane = iota
	// LaneAsync carries requests awaited through a Call.
	LaneAsync
	// LaneSync carries requests whose caller blocks its goroutine until the
	// reply arrives. It never waits behind async traffic.
	LaneSync

	laneCount = 3
)

func (l Lane) String() string {
	switch l {
	case LaneEvents:
		return "events"
	case LaneAsync:
		return "async"
	case LaneSync:
		return "sync"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

// Lanes returns all lanes in file descriptor order.
func Lanes() []Lane {
	return []Lane{LaneEvents, LaneAsync, LaneSync}
}

// Transport moves frames over the lanes of one host/worker connection.
type Transport interface {
	ReadFrame(lane Lane) ([]byte, error)
	WriteFrame(lane Lane, frame []byte) error
	Close() error
}

// StreamTransport frames newline-delimited messages over a reader and a
// writer per lane.
type StreamTransport struct {
	readers [laneCount]*bufio.Reader
	writers [laneCount]io.Writer
	writeMu [laneCount]sync.Mutex
	closers []io.Closer

	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

var _ Transport = &StreamTransport{}

// NewStreamTransport returns a transport reading lane L from readers[L] and
// writing it to writers[L]. Readers and writers implementing io.Closer are
// closed with the transport.
func NewStreamTransport(readers [laneCount]io.Reader, writers [laneCount]io.Writer) *StreamTransport {
	t := &StreamTransport{closed: make(chan struct{})}
	for i := 0; i < laneCount; i++ {
		t.readers[i] = bufio.NewReader(readers[i])
		t.writers[i] = writers[i]
		if c, ok := readers[i].(io.Closer); ok {
			t.closers = append(t.closers, c)
		}
		if c, ok := writers[i].(io.Closer); ok {
			t.closers = append(t.closers, c)
		}
	}
	return t
}

// NewFileTransport builds a transport on inherited file descriptors: for lane
// L, the inbound stream is fd in+2L and the outbound one fd out+2L.
func NewFileTransport(in, out uintptr) *StreamTransport {
	var (
		readers [laneCount]io.Reader
		writers [laneCount]io.Writer
	)
	for _, l := range Lanes() {
		readers[l] = os.NewFile(in+2*uintptr(l), fmt.Sprintf("%s-in", l))
		writers[l] = os.NewFile(out+2*uintptr(l), fmt.Sprintf("%s-out", l))
	}
	return NewStreamTransport(readers, writers)
}

// ReadFrame blocks until a whole frame is read from lane.
func (t *StreamTransport) ReadFrame(lane Lane) ([]byte, error) {
	frame, err := t.readers[lane].ReadBytes('\n')
	if err != nil {
		select {
		case <-t.closed:
			if t.cause != nil {
				return nil, t.cause
			}
		default:
		}
		return nil, err
	}
	return frame[:len(frame)-1], nil
}

// WriteFrame writes frame to lane. Frames must not contain newlines.
func (t *StreamTransport) WriteFrame(lane Lane, frame []byte) error {
	select {
	case <-t.closed:
		if t.cause != nil {
			return t.cause
		}
		return io.ErrClosedPipe
	default:
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')

	t.writeMu[lane].Lock()
	defer t.writeMu[lane].Unlock()
	_, err := t.writers[lane].Write(buf)
	return err
}

// Close closes every stream of the transport.
func (t *StreamTransport) Close() error {
	return t.CloseWithError(nil)
}

// CloseWithError closes the transport; pending and later reads and writes
// fail with cause when it is not nil.
func (t *StreamTransport) CloseWithError(cause error) error {
	var errs []error
	t.closeOnce.Do(func() {
		t.cause = cause
		close(t.closed)
		for _, c := range t.closers {
			if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Done is closed once the transport is closed.
func (t *StreamTransport) Done() <-chan struct{} {
	return t.closed
}

// NewPipePair returns two in-memory transports connected to each other.
func NewPipePair() (host, worker *StreamTransport) {
	var (
		hostIn, workerIn   [laneCount]io.Reader
		hostOut, workerOut [laneCount]io.Writer
	)
	for i := 0; i < laneCount; i++ {
		toWorkerR, toWorkerW := io.Pipe()
		toHostR, toHostW := io.Pipe()
		hostOut[i], workerIn[i] = toWorkerW, toWorkerR
		workerOut[i], hostIn[i] = toHostW, toHostR
	}
	return NewStreamTransport(hostIn, hostOut), NewStreamTransport(workerIn, workerOut)
}
