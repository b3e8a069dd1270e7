package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format for each frame:
//
//	[4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// TCP is a stream protocol with no message boundaries, so one Read()
// may return half a frame or several frames joined together.
const (
	headerSize   = 4
	maxFrameSize = 16 << 20
)

var ErrFrameTooLarge = errors.New("tcp: frame exceeds maximum size")

// decoder accumulates raw bytes and yields complete frames.
type decoder struct {
	buf []byte
}

// feed appends bytes read from the socket.
func (d *decoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// next returns the next complete frame, or ok=false when more bytes are needed.
func (d *decoder) next() (payload []byte, ok bool, err error) {
	if len(d.buf) < headerSize {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint32(d.buf[:headerSize])
	if size > maxFrameSize {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	end := headerSize + int(size)
	if len(d.buf) < end {
		return nil, false, nil
	}

	payload = make([]byte, size)
	copy(payload, d.buf[headerSize:end])

	// compact so the buffer does not grow without bound on long connections
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return payload, true, nil
}

// buffered returns how many undecoded bytes are held.
func (d *decoder) buffered() int {
	return len(d.buf)
}

// encodeFrame prefixes payload with its length.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out, nil
}
