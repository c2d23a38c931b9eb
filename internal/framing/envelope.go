package framing

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
)

// Envelope transforms payloads before they are framed and after they are read.
type Envelope interface {
	Wrap(msg []byte) []byte
	Unwrap(msg []byte) ([]byte, error)
}

var ErrChecksum = errors.New("checksum mismatch")

type ChecksumError struct {
	Expected []byte
	Actual   []byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %x, got %x", e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksum }

// Checksum prefixes each payload with its digest.
type Checksum struct {
	New func() hash.Hash
}

// NewChecksum returns a SHA-256 checksum envelope.
func NewChecksum() Checksum { return Checksum{New: sha256.New} }

func (c Checksum) hasher() hash.Hash {
	if c.New == nil {
		return sha256.New()
	}
	return c.New()
}

func (c Checksum) Wrap(msg []byte) []byte {
	h := c.hasher()
	h.Write(msg)
	out := make([]byte, 0, h.Size()+len(msg))
	out = h.Sum(out)
	return append(out, msg...)
}

func (c Checksum) Unwrap(msg []byte) ([]byte, error) {
	h := c.hasher()
	size := h.Size()
	if len(msg) < size {
		return nil, &ChecksumError{Expected: msg}
	}
	expected, data := msg[:size], msg[size:]
	h.Write(data)
	actual := h.Sum(nil)
	if !bytes.Equal(expected, actual) {
		return nil, &ChecksumError{Expected: expected, Actual: actual}
	}
	return data, nil
}

// Identity passes payloads through unchanged.
type Identity struct{}

func (Identity) Wrap(msg []byte) []byte            { return msg }
func (Identity) Unwrap(msg []byte) ([]byte, error) { return msg, nil }
