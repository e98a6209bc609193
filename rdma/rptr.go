package rdma

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/IcicleF/rdmalib/fi"
)

// rptrMRAccess is the access mask for a RemotePointer's local cache buffer.
// It only ever needs to be the local source or destination of a READ or
// WRITE this process itself issues, never a target of a remote operation.
const rptrMRAccess = fi.MRAccessLocal

// RemotePointer addresses a T-sized object at a fixed offset inside a
// peer's published memory region, with a local cache that Dereference fills
// and Commit flushes. Every atomic method additionally requires sizeof(T)
// to be 8 bytes, matching the core's 64-bit atomic argument size; callers
// get a runtime error rather than a compile-time one because Go generics
// cannot express a sizeof constraint.
type RemotePointer[T any] struct {
	conn   *RCConnection
	key    uint64
	offset uint64

	valid  bool
	cache  []byte
	region *fi.MemoryRegion
}

// NewRemotePointer builds a pointer to offset bytes into the remote region
// identified by key, reachable over conn. The local cache starts invalid and
// is registered with the connection's domain so it can be the local side of
// a READ or WRITE.
func NewRemotePointer[T any](conn *RCConnection, key uint64, offset uint64) (*RemotePointer[T], error) {
	var zero T
	cache := make([]byte, unsafe.Sizeof(zero))
	region, err := conn.ctx.Domain().RegisterMemory(cache, rptrMRAccess)
	if err != nil {
		return nil, fmt.Errorf("rdma: register remote pointer cache: %w", err)
	}
	return &RemotePointer[T]{
		conn:   conn,
		key:    key,
		offset: offset,
		cache:  cache,
		region: region,
	}, nil
}

func (r *RemotePointer[T]) size() uint64 { return uint64(len(r.cache)) }

func (r *RemotePointer[T]) requireEightBytes() error {
	if r.size() != 8 {
		return fmt.Errorf("rdma: atomic operation requires sizeof(T)==8, got %d", r.size())
	}
	return nil
}

// Dereference returns the cached value, performing a signaled RDMA read
// first whenever the cache is invalid or volatile is set, then marking the
// cache valid.
func (r *RemotePointer[T]) Dereference(volatile bool) (T, error) {
	var out T
	if r.valid && !volatile {
		return decode[T](r.cache), nil
	}

	ctx, err := r.conn.ep.PostRead(&fi.RMARequest{Region: r.region, Buffer: r.cache, Key: r.key, Offset: r.offset, Address: r.conn.remoteAddr})
	if err != nil {
		return out, err
	}
	if err := waitLocal(r.conn.sendCQ, ctx); err != nil {
		return out, err
	}
	r.valid = true
	return decode[T](r.cache), nil
}

// Commit writes the local cache back to the remote object. If length is
// zero the whole cache is flushed; otherwise only [offset,offset+length) is.
func (r *RemotePointer[T]) Commit(offset, length uint64) error {
	if length == 0 {
		length = r.size()
	}
	if offset+length > r.size() {
		return fmt.Errorf("rdma: commit range [%d,%d) exceeds pointer size %d", offset, offset+length, r.size())
	}

	ctx, err := r.conn.ep.PostWrite(&fi.RMARequest{Region: r.region, Key: r.key, Offset: r.offset + offset, Address: r.conn.remoteAddr})
	if err != nil {
		return err
	}
	return waitLocal(r.conn.sendCQ, ctx)
}

// Validate marks the cache valid (true) or invalid (false) without touching
// the network.
func (r *RemotePointer[T]) Validate(valid bool) { r.valid = valid }

// Invalidate is shorthand for Validate(false).
func (r *RemotePointer[T]) Invalidate() { r.valid = false }

// ReinterpretAt returns a new pointer of a different element type at an
// additional byte offset from this pointer's base, sharing the same
// connection and key but not the cache.
func ReinterpretAt[U any, T any](r *RemotePointer[T], offset uint64) (*RemotePointer[U], error) {
	return NewRemotePointer[U](r.conn, r.key, r.offset+offset)
}

// CompareExchange posts a remote CAS against the 8-byte object.
func (r *RemotePointer[T]) CompareExchange(compare, desired uint64) (uint64, error) {
	if err := r.requireEightBytes(); err != nil {
		return 0, err
	}
	ctx, result, err := r.conn.PostAtomicCAS(r.offset, r.key, compare, desired)
	if err != nil {
		return 0, err
	}
	if err := waitLocal(r.conn.sendCQ, ctx); err != nil {
		return 0, err
	}
	return *result, nil
}

// FetchAdd posts a remote fetch-and-add against the 8-byte object.
func (r *RemotePointer[T]) FetchAdd(add uint64) (uint64, error) {
	if err := r.requireEightBytes(); err != nil {
		return 0, err
	}
	ctx, result, err := r.conn.PostAtomicFAA(r.offset, r.key, add)
	if err != nil {
		return 0, err
	}
	if err := waitLocal(r.conn.sendCQ, ctx); err != nil {
		return 0, err
	}
	return *result, nil
}

// FieldFetchAdd adds to the bit field [lo,hi) of the 8-byte object.
func (r *RemotePointer[T]) FieldFetchAdd(add uint64, hi, lo uint) (uint64, error) {
	if err := r.requireEightBytes(); err != nil {
		return 0, err
	}
	return r.conn.FieldFetchAdd(r.offset, r.key, add, hi, lo)
}

// MaskedFetchAdd adds to the 8-byte object, wrapping at boundary.
func (r *RemotePointer[T]) MaskedFetchAdd(add uint64, boundary uint64) (uint64, error) {
	if err := r.requireEightBytes(); err != nil {
		return 0, err
	}
	return r.conn.MaskedFetchAdd(r.offset, r.key, add, boundary)
}

// FieldFetchAddTimeLimit attempts a field fetch-and-add against the 8-byte
// object, posting the fetch and the masked CAS and busy-polling each
// completion only up to usLimit microseconds from a monotonic clock, rather
// than waiting on either indefinitely. It keeps retrying the whole
// fetch-then-CAS round trip as long as budget remains; once the deadline
// passes without a successful attempt, it returns success=false and leaves
// any outstanding work request's completion to drain later rather than
// blocking for it.
func (r *RemotePointer[T]) FieldFetchAddTimeLimit(usLimit uint64, add uint64, hi, lo uint) (value uint64, success bool, err error) {
	if err := r.requireEightBytes(); err != nil {
		return 0, false, err
	}
	deadline := time.Now().Add(time.Duration(usLimit) * time.Microsecond)
	for {
		value, done, err := r.conn.FieldFetchAddDeadline(r.offset, r.key, add, hi, lo, deadline)
		if err != nil {
			return 0, false, err
		}
		if done {
			return value, true, nil
		}
		if time.Now().After(deadline) {
			return 0, false, nil
		}
	}
}

// Close releases the local cache's memory registration.
func (r *RemotePointer[T]) Close() error {
	if r.region == nil {
		return nil
	}
	err := r.region.Close()
	r.region = nil
	return err
}

func decode[T any](buf []byte) T {
	var out T
	if len(buf) >= int(unsafe.Sizeof(out)) {
		out = *(*T)(unsafe.Pointer(&buf[0]))
	}
	return out
}
