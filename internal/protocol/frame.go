// Package protocol defines the wire format spoken on the request port: a
// 4-byte big-endian length followed by that many bytes of JSON.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame size prefix.
const HeaderSize = 4

// DefaultMaxFrameSize bounds a single payload.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a peer announces a payload above the limit.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// EncodeFrame prefixes payload with its length.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// WriteFrame writes one complete frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// Decoder reassembles frames from arbitrarily split input. Bytes are
// buffered until a whole frame is present, so a frame may arrive across
// any number of partial reads.
type Decoder struct {
	max int
	buf []byte
}

// NewDecoder creates a Decoder rejecting payloads above max bytes.
// A non-positive max selects DefaultMaxFrameSize.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Decoder{max: max}
}

// Feed appends raw bytes read from the connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next pops the next complete payload. ok is false while more bytes are
// needed.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint32(d.buf)
	if uint64(size) > uint64(d.max) {
		return nil, false, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, d.max)
	}
	end := HeaderSize + int(size)
	if len(d.buf) < end {
		return nil, false, nil
	}

	payload = make([]byte, size)
	copy(payload, d.buf[HeaderSize:end])
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return payload, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reader pulls whole frames from an io.Reader.
type Reader struct {
	r   io.Reader
	dec *Decoder
	tmp []byte
}

// NewReader wraps r.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{r: r, dec: NewDecoder(max), tmp: make([]byte, 4096)}
}

// ReadFrame blocks until a complete frame is available. io.ErrUnexpectedEOF
// is returned when the stream ends in the middle of a frame.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		payload, ok, err := fr.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		n, err := fr.r.Read(fr.tmp)
		if n > 0 {
			fr.dec.Feed(fr.tmp[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && fr.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
