// Package arena provides a growable, index-addressed slab for IR nodes.
// Handles are small value types that stay valid across growth; nothing
// is ever moved once allocated, so a live pointer obtained via Get stays
// valid until the slot is freed.
package arena

const chunkSize = 256

// Handle is an opaque reference into an Arena. The zero Handle is never
// issued by Alloc, so it doubles as a "no node" sentinel.
type Handle struct {
	chunk uint32
	slot  uint32
}

// Valid reports whether h could have been issued by some Alloc call.
// It does not guarantee the slot hasn't since been freed; dereferencing
// a freed handle is undefined, per package contract.
func (h Handle) Valid() bool {
	return h != Handle{}
}

// Arena is a generic, thread-local slab allocator. It is not safe for
// concurrent use — each compilation worker owns its own Arena.
type Arena[T any] struct {
	chunks    [][]T
	freeList  []Handle
	nextChunk uint32
	nextSlot  uint32
}

// New creates an empty arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{nextChunk: 1, nextSlot: 1} // reserve chunk/slot 0 for the zero Handle
}

// Alloc reserves a new slot, initializes it with init, and returns its
// handle. Reuses a freed slot if one is available.
func (a *Arena[T]) Alloc(init T) Handle {
	if n := len(a.freeList); n > 0 {
		h := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.chunks[h.chunk][h.slot] = init
		return h
	}

	if a.nextSlot >= chunkSize || len(a.chunks) == 0 {
		a.chunks = append(a.chunks, make([]T, chunkSize))
		a.nextChunk = uint32(len(a.chunks))
		a.nextSlot = 0
		if len(a.chunks) == 1 {
			// chunk 0, slot 0 is reserved for the zero Handle; burn it.
			a.nextSlot = 1
		}
	}

	h := Handle{chunk: uint32(len(a.chunks) - 1), slot: a.nextSlot}
	a.chunks[h.chunk][h.slot] = init
	a.nextSlot++
	return h
}

// Get dereferences a handle. Calling Get on a freed or invalid handle is
// undefined behavior by contract; in practice it returns stale or
// zeroed data rather than panicking, since the arena never shrinks.
func (a *Arena[T]) Get(h Handle) *T {
	return &a.chunks[h.chunk][h.slot]
}

// Free returns a slot to the freelist for reuse. Idempotent-safe only on
// its first call for a given handle — callers must drop all other
// references to h before calling Free, and must not call Free twice on
// the same handle.
func (a *Arena[T]) Free(h Handle) {
	a.freeList = append(a.freeList, h)
}

// Len reports how many slots have ever been allocated, including freed
// ones — the arena is never compacted mid-unit.
func (a *Arena[T]) Len() int {
	if len(a.chunks) == 0 {
		return 0
	}
	// Subtract the reserved chunk 0, slot 0, which Alloc never hands out.
	return (len(a.chunks)-1)*chunkSize + int(a.nextSlot) - 1
}
