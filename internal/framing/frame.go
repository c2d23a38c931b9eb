package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 4
	// MaxFrameSize bounds a single payload. Larger lengths are rejected on
	// both ends instead of allocating.
	MaxFrameSize = 16 << 20
)

var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes msg as one frame. Header and payload go out in a single
// Write so concurrent writers serialized by the caller never interleave.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	buf := make([]byte, headerSize+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[headerSize:], msg)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. It returns io.EOF when the stream ends cleanly
// between frames and io.ErrUnexpectedEOF when it ends inside one.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}
