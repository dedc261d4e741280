package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameBytes bounds a single frame. Messages are terminal text, so
// anything past this is a protocol violation rather than a legitimate payload.
const DefaultMaxFrameBytes = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")

// A frame on the wire is a 4-byte big-endian length prefix followed by
// exactly that many bytes of UTF-8 JSON.

// FrameReader decodes envelopes from a stream.
type FrameReader struct {
	r        *bufio.Reader
	maxBytes int
}

// NewFrameReader wraps r with the default frame size limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r), maxBytes: DefaultMaxFrameBytes}
}

// SetMaxFrameBytes overrides the frame size limit. Values <= 0 restore the
// default.
func (fr *FrameReader) SetMaxFrameBytes(n int) {
	if n <= 0 {
		n = DefaultMaxFrameBytes
	}
	fr.maxBytes = n
}

// Read returns the next envelope from the stream. It blocks until a full
// frame is available. io.EOF is returned unchanged on a clean close.
func (fr *FrameReader) Read() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if int(length) > fr.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, fr.maxBytes)
	}
	if length == 0 {
		return nil, errors.New("protocol: zero-length frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

// FrameWriter encodes envelopes onto a stream. Writes are serialized, so a
// single FrameWriter may be shared by concurrent senders.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write frames and sends one envelope.
func (fw *FrameWriter) Write(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}
