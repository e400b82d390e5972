package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds inbound frame payloads unless configured
// otherwise.
const DefaultMaxFrameBytes = 1 << 20

// ErrFrameTooLarge reports an inbound frame above the reader's limit.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Reader decodes framed messages from a byte stream.
type Reader struct {
	r   io.Reader
	max uint32
}

// NewReader wraps r. maxFrameBytes bounds inbound payload lengths; zero
// selects DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxFrameBytes uint32) *Reader {
	if maxFrameBytes == 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Reader{r: r, max: maxFrameBytes}
}

// Read returns the next message on the stream. A clean close before the
// first header byte returns io.EOF; anything truncated returns a wrapped
// io.ErrUnexpectedEOF.
func (r *Reader) Read() (Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > r.max {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, r.max)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return Decode(payload)
}

// Writer encodes framed messages onto a stream through a buffer, so a batch
// of messages costs one syscall. Callers must Flush.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Write frames and buffers one message.
func (w *Writer) Write(m Message) error {
	payload := Encode(m)
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := w.bw.Write(head[:]); err != nil {
		return err
	}
	_, err := w.bw.Write(payload)
	return err
}

// Flush pushes buffered frames to the underlying stream.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}
