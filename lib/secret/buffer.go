// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// redacted is what a Buffer prints as in logs and format verbs.
const redacted = "[redacted]"

// Buffer holds a credential in an anonymous mmap region outside the Go
// heap. The region is zeroed and unmapped on Close; any read after
// Close panics.
//
// A Buffer must not be copied after creation. Share the pointer.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	closed bool
}

// New allocates a zero-filled buffer of size bytes.
//
// The region is locked into RAM with mlock when RLIMIT_MEMLOCK allows
// it. When the limit is exhausted the buffer still works, it just may
// be swapped; [Buffer.Locked] reports which case applies.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	locked := unix.Mlock(data) == nil
	// MADV_DONTDUMP is advisory and missing on some kernels.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	return &Buffer{
		data:   data,
		length: size,
		locked: locked,
	}, nil
}

// NewFromBytes copies source into a new buffer and zeros source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// NewFromString copies value into a new buffer. The string itself
// stays on the heap until collected; prefer NewFromBytes when the
// secret arrives as bytes.
func NewFromString(value string) (*Buffer, error) {
	return NewFromBytes([]byte(value))
}

// Clone returns an independent copy with its own lifetime. Transports
// use it to keep a credential after the caller closes the original.
func (b *Buffer) Clone() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("secret: clone of closed buffer")
	}
	clone, err := New(b.length)
	if err != nil {
		return nil, err
	}
	copy(clone.data, b.data[:b.length])
	return clone, nil
}

// Bytes returns the secret as a slice into the mmap region. Do not
// keep the slice past Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// Reveal returns the secret as a heap string for API boundaries that
// need one, such as a JSON login body. Panics after Close.
func (b *Buffer) Reveal() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.data[:b.length])
}

// String implements fmt.Stringer without exposing the contents, so a
// stray %v or %s prints a placeholder.
func (b *Buffer) String() string {
	return redacted
}

// LogValue implements slog.LogValuer.
func (b *Buffer) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Locked reports whether the region is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Equal compares two buffers in constant time with respect to content.
func (b *Buffer) Equal(other *Buffer) bool {
	if b == other {
		return true
	}
	if other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(b.Bytes(), other.Bytes()) == 1
}

// Close zeros the contents and releases the mapping. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)

	var firstError error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstError = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(b.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstError
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
