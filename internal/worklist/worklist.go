// Package worklist provides the dedup-by-flag FIFO shared by the SSA
// DCE passes and the assembly graph passes. Membership is tracked on
// the item itself (a bit flag the caller owns), not in a side set, so
// push is a no-op when the flag is already set and costs nothing more
// than checking it.
package worklist

// Flagged is anything that can report and toggle its own
// worklist-membership bit. ssa.Node and asmgraph.Node both implement
// it directly on their flag field.
type Flagged interface {
	InWorklist() bool
	SetInWorklist(bool)
}

// Worklist is a FIFO of T, deduplicated via T's own flag. It is owned
// by a single pass invocation and cleared between passes — never a
// process-wide singleton.
type Worklist[T Flagged] struct {
	items []T
	head  int
}

func New[T Flagged]() *Worklist[T] {
	return &Worklist[T]{}
}

// Push enqueues item unless it is already in the worklist.
func (w *Worklist[T]) Push(item T) {
	if item.InWorklist() {
		return
	}
	item.SetInWorklist(true)
	w.items = append(w.items, item)
}

// Pop dequeues the oldest item and clears its flag before returning it.
// The second return value is false when the worklist is empty.
func (w *Worklist[T]) Pop() (T, bool) {
	if w.head >= len(w.items) {
		var zero T
		return zero, false
	}
	item := w.items[w.head]
	w.head++
	item.SetInWorklist(false)

	// Compact once the consumed prefix dominates, so a long-running
	// pass doesn't retain every item it ever pushed.
	if w.head > 16 && w.head*2 >= len(w.items) {
		w.items = append(w.items[:0], w.items[w.head:]...)
		w.head = 0
	}
	return item, true
}

// Empty reports whether the worklist has no pending items.
func (w *Worklist[T]) Empty() bool {
	return w.head >= len(w.items)
}

// Clear resets the container and clears every held item's flag.
func (w *Worklist[T]) Clear() {
	for _, item := range w.items[w.head:] {
		item.SetInWorklist(false)
	}
	w.items = w.items[:0]
	w.head = 0
}
