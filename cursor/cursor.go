// Package cursor implements a positional, bounds-checked reader over an
// immutable byte slice, used by the netflow v1/v5/v9 parsers to decode
// fixed- and variable-width fields without copying the input buffer.
package cursor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrTruncated is returned whenever a read would advance past the end of
// the underlying buffer. It is packet-fatal, never process-fatal: callers
// abort decoding of the current datagram and move on.
var ErrTruncated = errors.New("cursor: truncated input")

// Cursor reads sequentially through a byte slice it does not own or
// mutate. The zero value is not usable; construct with New.
type Cursor struct {
	buf []byte
	pos int
}

// New wraps buf for sequential reads starting at offset 0. buf is never
// copied or modified.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Position returns the current read offset.
func (c *Cursor) Position() int {
	return c.pos
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Seek moves the read offset to an absolute position. It fails if abs is
// outside the buffer.
func (c *Cursor) Seek(abs int) error {
	if abs < 0 || abs > len(c.buf) {
		return fmt.Errorf("cursor: seek to %d out of bounds (len %d): %w", abs, len(c.buf), ErrTruncated)
	}
	c.pos = abs
	return nil
}

func (c *Cursor) need(n int) error {
	if c.Remaining() < n {
		return fmt.Errorf("cursor: need %d bytes, have %d: %w", n, c.Remaining(), ErrTruncated)
	}
	return nil
}

// Bytes returns a zero-copy view of the next n bytes and advances the
// cursor past them.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// U8 reads one byte.
func (c *Cursor) U8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

// U16 reads a big-endian 16-bit unsigned integer.
func (c *Cursor) U16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// U32 reads a big-endian 32-bit unsigned integer.
func (c *Cursor) U32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// U64 reads a big-endian 64-bit unsigned integer.
func (c *Cursor) U64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// IPv4 reads a 4-byte IPv4 address.
func (c *Cursor) IPv4() (net.IP, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return nil, err
	}
	ip := make(net.IP, 4)
	copy(ip, b)
	return ip, nil
}

// IPv6 reads a 16-byte IPv6 address.
func (c *Cursor) IPv6() (net.IP, error) {
	b, err := c.Bytes(16)
	if err != nil {
		return nil, err
	}
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip, nil
}

// VarlenIPFIX reads an IPFIX variable-length field: one length byte; if it
// equals 255, a following 16-bit length is read instead; the indicated
// number of bytes is then read and returned.
func (c *Cursor) VarlenIPFIX() ([]byte, error) {
	short, err := c.U8()
	if err != nil {
		return nil, err
	}
	n := int(short)
	if short == 0xFF {
		long, err := c.U16()
		if err != nil {
			return nil, err
		}
		n = int(long)
	}
	return c.Bytes(n)
}
