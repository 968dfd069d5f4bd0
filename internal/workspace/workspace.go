// Package workspace manages the scratch memory a kernel call needs. Buffers
// are owned by the caller and bound to at most one in-flight call at a time.
package workspace

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	// ErrInUse is returned when a buffer is already bound to an in-flight call.
	ErrInUse = errors.New("workspace: buffer in use")
	// ErrTooSmall is returned when a buffer cannot hold the requested size.
	ErrTooSmall = errors.New("workspace: buffer too small")
)

// Align is the byte alignment of every buffer and of every region a kernel
// carves from one.
const Align = 64

// AlignUp rounds n up to a multiple of Align.
func AlignUp(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

// Buffer is one scratch allocation.
type Buffer struct {
	data  []byte
	inUse atomic.Bool
	// reserved is set by Pool between Allocate and Release.
	reserved atomic.Bool
}

// NewBuffer allocates an aligned buffer of at least size bytes.
func NewBuffer(size int) *Buffer {
	words := make([]uint64, (AlignUp(size)+Align)/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	pad := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % Align); rem != 0 {
		pad = Align - rem
	}
	return &Buffer{data: raw[pad : pad+size : pad+size]}
}

// Len returns the usable size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes exposes the storage. It must only be used while the buffer is held.
func (b *Buffer) Bytes() []byte { return b.data }

// Acquire binds the buffer to one call. It fails with ErrInUse if the buffer
// is already bound and with ErrTooSmall if it holds fewer than size bytes.
func (b *Buffer) Acquire(size int) ([]byte, error) {
	if size > len(b.data) {
		return nil, errors.Wrapf(ErrTooSmall, "need %d bytes, have %d", size, len(b.data))
	}
	if !b.inUse.CompareAndSwap(false, true) {
		return nil, ErrInUse
	}
	return b.data[:size:size], nil
}

// Release unbinds the buffer and returns it to its pool, if any.
func (b *Buffer) Release() {
	b.inUse.Store(false)
	b.reserved.Store(false)
}

// InUse reports whether the buffer is bound to a call.
func (b *Buffer) InUse() bool { return b.inUse.Load() }

// Allocator hands out scratch buffers for kernel calls.
type Allocator interface {
	Allocate(size int) (*Buffer, error)
}

// Pool is an Allocator that reuses released buffers. A buffer handed out by
// Allocate is not handed out again until it is released.
type Pool struct {
	mu      sync.Mutex
	buffers []*Buffer
	limit   int
	total   int
}

// NewPool creates a pool that holds at most limit bytes; zero is unlimited.
func NewPool(limit int) *Pool {
	return &Pool{limit: limit}
}

// Allocate returns an idle buffer of at least size bytes, allocating one if
// none is available.
func (p *Pool) Allocate(size int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		if b.Len() >= size && b.reserved.CompareAndSwap(false, true) {
			return b, nil
		}
	}
	if p.limit > 0 && p.total+size > p.limit {
		return nil, errors.Wrapf(ErrTooSmall, "pool limit %d bytes reached (%d held, %d requested)", p.limit, p.total, size)
	}
	b := NewBuffer(size)
	b.reserved.Store(true)
	p.buffers = append(p.buffers, b)
	p.total += b.Len()
	return b, nil
}

// Held returns the number of bytes the pool has allocated.
func (p *Pool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Fixed is an Allocator around one caller provided buffer.
type Fixed struct {
	Buf *Buffer
}

func (f Fixed) Allocate(size int) (*Buffer, error) {
	if f.Buf == nil {
		return nil, errors.Wrap(ErrTooSmall, "no buffer")
	}
	if f.Buf.Len() < size {
		return nil, errors.Wrapf(ErrTooSmall, "need %d bytes, have %d", size, f.Buf.Len())
	}
	return f.Buf, nil
}
