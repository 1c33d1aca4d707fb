package concurrency

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrBufferDetached is returned when a handle is used after its buffer moved away
	ErrBufferDetached = errors.New("buffer handle is detached")

	// ErrNotOwner is returned when a transfer names the wrong current owner
	ErrNotOwner = errors.New("buffer is not owned by the sender")
)

// Owner identifies who may touch a buffer: the coordinator side or one worker
type Owner struct {
	worker int // 0 means coordinator; worker ids start at 1
}

// Coordinator is the owner of buffers held by callers and the pool
var Coordinator = Owner{}

// WorkerOwner returns the owner token of worker id (id >= 1)
func WorkerOwner(id int) Owner {
	return Owner{worker: id}
}

// IsWorker reports whether o is a worker, and which
func (o Owner) IsWorker() (int, bool) {
	return o.worker, o.worker != 0
}

func (o Owner) String() string {
	if o.worker == 0 {
		return "coordinator"
	}
	return fmt.Sprintf("worker-%d", o.worker)
}

type bufferState struct {
	data  []byte
	owner Owner
}

// Buffer is a contiguous byte region with exactly one owner.
// Transfer moves the region to a new handle without copying and detaches the old one;
// any later access through the old handle fails with ErrBufferDetached.
// Slices returned by Bytes alias the region and must not be kept across a transfer.
type Buffer struct {
	state atomic.Pointer[bufferState]
}

// NewBuffer wraps data in a coordinator-owned buffer. The caller gives up data.
func NewBuffer(data []byte) *Buffer {
	return newOwnedBuffer(data, Coordinator)
}

// AllocBuffer returns a zeroed coordinator-owned buffer of n bytes
func AllocBuffer(n int) *Buffer {
	return NewBuffer(make([]byte, n))
}

func newOwnedBuffer(data []byte, owner Owner) *Buffer {
	b := &Buffer{}
	b.state.Store(&bufferState{data: data, owner: owner})
	return b
}

// Bytes returns the region, or ErrBufferDetached
func (b *Buffer) Bytes() ([]byte, error) {
	s := b.state.Load()
	if s == nil {
		return nil, ErrBufferDetached
	}
	return s.data, nil
}

// Len returns the region length, 0 when detached
func (b *Buffer) Len() int {
	if s := b.state.Load(); s != nil {
		return len(s.data)
	}
	return 0
}

// Owner returns the current owner, or ErrBufferDetached
func (b *Buffer) Owner() (Owner, error) {
	s := b.state.Load()
	if s == nil {
		return Owner{}, ErrBufferDetached
	}
	return s.owner, nil
}

// Detached reports whether this handle gave up its region
func (b *Buffer) Detached() bool {
	return b.state.Load() == nil
}

// Transfer atomically moves the region from `from` to `to`.
// On success b is detached and the returned handle is the only valid one.
// Of two concurrent transfers of the same handle at most one succeeds.
func (b *Buffer) Transfer(from, to Owner) (*Buffer, error) {
	for {
		s := b.state.Load()
		if s == nil {
			return nil, ErrBufferDetached
		}
		if s.owner != from {
			return nil, fmt.Errorf("%w: owned by %s, not %s", ErrNotOwner, s.owner, from)
		}
		if b.state.CompareAndSwap(s, nil) {
			return newOwnedBuffer(s.data, to), nil
		}
	}
}

// Release detaches the handle and drops the region
func (b *Buffer) Release() {
	b.state.Store(nil)
}
