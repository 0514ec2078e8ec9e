// Package ring provides the growable byte ring a channel keeps its unsent
// output in.
package ring

import (
	"errors"
)

var ErrTooLarge = errors.New("ring: write exceeds limit")

const minCap = 512

// Buffer is a byte ring whose capacity is a power of two. It grows on demand up
// to an optional limit. Not safe for concurrent use; it lives on the loop
// goroutine.
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
	limit    int
}

// New returns an empty buffer that will hold at most limit bytes. limit <= 0
// means unbounded. No memory is allocated until the first Write.
func New(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Limit() int { return b.limit }

// Free is the number of bytes that may still be written before the limit.
// Unbounded buffers report -1.
func (b *Buffer) Free() int {
	if b.limit <= 0 {
		return -1
	}
	return b.limit - b.Len()
}

// Write appends all of p or nothing.
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if b.limit > 0 && b.Len()+n > b.limit {
		return 0, ErrTooLarge
	}
	b.grow(b.Len() + n)
	start := b.writePos & b.mask
	end := start + n
	if end <= len(b.buf) {
		copy(b.buf[start:end], p)
	} else {
		l := len(b.buf) - start
		copy(b.buf[start:], p[:l])
		copy(b.buf[:n-l], p[l:])
	}
	b.writePos += n
	return n, nil
}

func (b *Buffer) grow(need int) {
	if need <= len(b.buf) {
		return
	}
	c := len(b.buf)
	if c < minCap {
		c = minCap
	}
	for c < need {
		c <<= 1
	}
	nb := make([]byte, c)
	ln := b.Len()
	if ln > 0 {
		start := b.readPos & b.mask
		if start+ln <= len(b.buf) {
			copy(nb, b.buf[start:start+ln])
		} else {
			l := copy(nb, b.buf[start:])
			copy(nb[l:], b.buf[:ln-l])
		}
	}
	b.buf = nb
	b.mask = c - 1
	b.readPos = 0
	b.writePos = ln
}

// Peek returns the longest contiguous run of buffered bytes starting at the
// read position without consuming it. It may be shorter than Len when the data
// wraps; call again after Discard for the rest.
func (b *Buffer) Peek() []byte {
	ln := b.Len()
	if ln == 0 {
		return nil
	}
	start := b.readPos & b.mask
	end := start + ln
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[start:end]
}

// Discard advances the read position by up to n bytes.
func (b *Buffer) Discard(n int) int {
	ln := b.Len()
	if n > ln {
		n = ln
	}
	if n < 0 {
		n = 0
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return n
}

// Reset drops buffered data and releases the backing array.
func (b *Buffer) Reset() {
	b.buf = nil
	b.mask = 0
	b.readPos, b.writePos = 0, 0
}
