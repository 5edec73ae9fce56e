// Package buffer provides the byte buffer shared by the AMQP codecs.
package buffer

import (
	"encoding/binary"
	"io"
)

// Buffer is similar to bytes.Buffer but specialized for this module.
//
// Bytes are appended at the end and read from a cursor. Unlike
// bytes.Buffer, reads never reset the buffer implicitly, Skip and Next
// never panic, and written regions can be patched in place once their
// final value is known.
type Buffer struct {
	b []byte
	i int
}

// New returns a buffer reading from b. The buffer takes ownership of b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Next returns a slice containing the next n bytes and advances the
// cursor. If fewer than n bytes are available, ok is false and the
// cursor is not moved.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if n < 0 || n > int64(b.Len()) {
		return nil, false
	}
	start := b.i
	b.i += int(n)
	return b.b[start:b.i], true
}

// Skip advances the cursor by n bytes, stopping at the end of the buffer.
func (b *Buffer) Skip(n int) {
	b.i += n
	if b.i > len(b.b) {
		b.i = len(b.b)
	}
}

// Reset discards all data.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.i = 0
}

// Reclaim moves unread bytes to the front of the buffer so the consumed
// prefix can be reused.
func (b *Buffer) Reclaim() {
	l := b.Len()
	copy(b.b[:l], b.b[b.i:])
	b.b = b.b[:l]
	b.i = 0
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.i
}

// Size returns the number of bytes written, read or not.
func (b *Buffer) Size() int {
	return len(b.b)
}

// Bytes returns the unread portion of the buffer. The slice aliases the
// buffer and is only valid until the next write.
func (b *Buffer) Bytes() []byte {
	return b.b[b.i:]
}

// Detach returns the unread bytes and resets the buffer. The caller owns
// the returned slice.
func (b *Buffer) Detach() []byte {
	temp := b.b[b.i:]
	b.b = nil
	b.i = 0
	return temp
}

// ReadByte reads one byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	byt := b.b[b.i]
	b.i++
	return byt, nil
}

// PeekByte returns the next byte without advancing the cursor.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	return b.b[b.i], nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint16(b.b[b.i:])
	b.i += 2
	return n, nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint32(b.b[b.i:])
	b.i += 4
	return n, nil
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.Len() < 8 {
		return 0, io.EOF
	}
	n := binary.BigEndian.Uint64(b.b[b.i:])
	b.i += 8
	return n, nil
}

// ReadFromOnce performs a single Read from r into the free capacity of the
// buffer, growing it first when needed.
func (b *Buffer) ReadFromOnce(r io.Reader) error {
	const minRead = 512

	l := len(b.b)
	if cap(b.b)-l < minRead {
		total := l * 2
		if total == 0 {
			total = minRead
		}
		grown := make([]byte, l, total)
		copy(grown, b.b)
		b.b = grown
	}

	n, err := r.Read(b.b[l:cap(b.b)])
	b.b = b.b[:l+n]
	return err
}

// Append appends p to the buffer.
func (b *Buffer) Append(p []byte) {
	b.b = append(b.b, p...)
}

// AppendByte appends bb to the buffer.
func (b *Buffer) AppendByte(bb byte) {
	b.b = append(b.b, bb)
}

// AppendString appends s to the buffer.
func (b *Buffer) AppendString(s string) {
	b.b = append(b.b, s...)
}

// AppendUint16 appends n in big-endian order.
func (b *Buffer) AppendUint16(n uint16) {
	b.b = append(b.b,
		byte(n>>8),
		byte(n),
	)
}

// AppendUint32 appends n in big-endian order.
func (b *Buffer) AppendUint32(n uint32) {
	b.b = append(b.b,
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// AppendUint64 appends n in big-endian order.
func (b *Buffer) AppendUint64(n uint64) {
	b.b = append(b.b,
		byte(n>>56),
		byte(n>>48),
		byte(n>>40),
		byte(n>>32),
		byte(n>>24),
		byte(n>>16),
		byte(n>>8),
		byte(n),
	)
}

// PutUint32At overwrites four bytes at absolute offset off with n.
// It is used to backpatch size fields after the sized region is written.
func (b *Buffer) PutUint32At(off int, n uint32) {
	binary.BigEndian.PutUint32(b.b[off:off+4], n)
}

// PutByteAt overwrites the byte at absolute offset off.
func (b *Buffer) PutByteAt(off int, v byte) {
	b.b[off] = v
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}
