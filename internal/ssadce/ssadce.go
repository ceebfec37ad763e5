// Package ssadce implements the two SSA dead-code passes: removing
// pure link-fused instruction chains whose entire output is internal to
// the chain (linked prune), and a classic mark-live-from-effect-roots
// sweep (no-effect prune).
package ssadce

import (
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/ssa"
	"github.com/8bitforge/moscore/internal/worklist"
)

// PurityOracle answers whether a callee has no observable side effects,
// so a dead fn_call to it can be pruned like any other pure op. The
// core never computes this itself — it's a pre-computed reads/writes
// summary the front end hands in.
type PurityOracle interface {
	IsPure(callee ssa.FnRef) bool
}

// RemoveUnusedSSA runs the linked prune followed by the no-effect
// prune once. Callers re-run to a fixed point themselves — one pass of
// each can expose new opportunities for the other.
func RemoveUnusedSSA(c *ssa.Container, purity PurityOracle) bool {
	return RemoveUnusedSSAWithLogger(c, purity, zap.NewNop().Sugar())
}

// RemoveUnusedSSAWithLogger is RemoveUnusedSSA with pass-level Debug
// logging on each sub-pass.
func RemoveUnusedSSAWithLogger(c *ssa.Container, purity PurityOracle, log *zap.SugaredLogger) bool {
	changed := RemoveUnusedLinkedWithLogger(c, purity, log)
	changed = RemoveNoEffectWithLogger(c, log) || changed
	return changed
}

// canPruneRoot reports whether n is eligible to seed the linked-prune
// worklist: not itself a non-root LINK member, not a terminator, and —
// for fn_call — only if the callee is known pure.
func canPruneRoot(c *ssa.Container, h ssa.NodeHandle, purity PurityOracle) bool {
	n := c.Node(h)
	if n.InputClass(0) == ssa.ClassLink {
		return false
	}
	if ssa.IsTerminator(n.Op) {
		return false
	}
	if n.Op == ssa.OpFnCall {
		return purity != nil && purity.IsPure(n.Callee)
	}
	return ssa.Flags(n.Op)&ssa.Impure == 0
}

// RemoveUnusedLinked removes every LINK-fused chain whose root is
// unused and whose entire transitive closure of LINK-class outputs is
// internal to the chain.
func RemoveUnusedLinked(c *ssa.Container, purity PurityOracle) bool {
	return RemoveUnusedLinkedWithLogger(c, purity, zap.NewNop().Sugar())
}

// RemoveUnusedLinkedWithLogger is RemoveUnusedLinked with pass-level
// Debug logging of each chain pruned.
func RemoveUnusedLinkedWithLogger(c *ssa.Container, purity PurityOracle, log *zap.SugaredLogger) bool {
	wl := worklist.New[*ssa.Node]()

	for _, bh := range c.Blocks() {
		for _, h := range c.Block(bh).Chain {
			if canPruneRoot(c, h, purity) {
				wl.Push(c.Node(h))
			}
		}
	}

	changed := false

	for {
		n, ok := wl.Pop()
		if !ok {
			break
		}
		root := n.Handle()

		chain, ok := buildLinked(c, root)
		if !ok {
			continue
		}

		// For every node in the chain, any non-LINK-root predecessor
		// reachable by walking up link heads becomes a fresh
		// candidate once this chain is gone.
		for _, member := range chain {
			mn := c.Node(member)
			for i, in := range mn.Inputs {
				head := getLinkHead(c, in, mn.Op, i)
				if head == root {
					continue
				}
				if canPruneRoot(c, head, purity) {
					wl.Push(c.Node(head))
				}
			}
		}

		for _, member := range chain {
			c.Prune(member)
		}
		changed = true
		log.Debugw("pruned unused linked chain", "root", root, "length", len(chain))
	}

	return changed
}

// buildLinked DFSes the output edges of root; every edge must be
// ClassLink and every descendant must recursively satisfy the same
// property. On success it returns the closure in post-order with root
// appended last. On failure (some output escapes the chain as a
// non-LINK edge, i.e. something outside the chain observes the value)
// it returns ok=false and discards the partial result.
func buildLinked(c *ssa.Container, root ssa.NodeHandle) (chain []ssa.NodeHandle, ok bool) {
	var visit func(h ssa.NodeHandle) bool
	visited := map[ssa.NodeHandle]bool{}

	visit = func(h ssa.NodeHandle) bool {
		if visited[h] {
			return true
		}
		visited[h] = true

		n := c.Node(h)
		for _, out := range n.Outputs {
			user := c.Node(out.User)
			if user.InputClass(out.Slot) != ssa.ClassLink {
				return false
			}
			if !visit(out.User) {
				return false
			}
		}
		chain = append(chain, h)
		return true
	}

	if !visit(root) {
		return nil, false
	}
	return chain, true
}

// getLinkHead walks up LINK-class input 0 chains starting from in,
// which occupies slot i of a node with opcode owner. If slot i isn't a
// LINK input it is already the head.
func getLinkHead(c *ssa.Container, in ssa.NodeHandle, owner ssa.Op, slot int) ssa.NodeHandle {
	if ssa.InputClassOf(owner, slot) != ssa.ClassLink {
		return in
	}
	cur := in
	for {
		n := c.Node(cur)
		if n.InputClass(0) != ssa.ClassLink || len(n.Inputs) == 0 {
			return cur
		}
		cur = n.Inputs[0]
	}
}

// RemoveNoEffect marks every SSA node pruned, then clears and pushes
// every node reachable (by reverse data/order dependence) from a
// terminator, a WRITE_GLOBALS op, an IMPURE op, or a LINK-class member
// — everything still marked pruned after the fixed point is dead.
func RemoveNoEffect(c *ssa.Container) bool {
	return RemoveNoEffectWithLogger(c, zap.NewNop().Sugar())
}

// RemoveNoEffectWithLogger is RemoveNoEffect with pass-level Debug
// logging of how many nodes the fixed point removed.
func RemoveNoEffectWithLogger(c *ssa.Container, log *zap.SugaredLogger) bool {
	wl := worklist.New[*ssa.Node]()

	for _, bh := range c.Blocks() {
		for _, h := range c.Block(bh).Chain {
			c.Node(h).SetPruned(true)
		}
	}

	isRoot := func(n *ssa.Node) bool {
		if ssa.IsTerminator(n.Op) {
			return true
		}
		f := ssa.Flags(n.Op)
		if f&(ssa.WriteGlobals|ssa.Impure) != 0 {
			return true
		}
		return n.InputClass(0) == ssa.ClassLink
	}

	for _, bh := range c.Blocks() {
		for _, h := range c.Block(bh).Chain {
			n := c.Node(h)
			if isRoot(n) {
				n.SetPruned(false)
				wl.Push(n)
			}
		}
	}

	for {
		n, ok := wl.Pop()
		if !ok {
			break
		}
		for _, in := range n.Inputs {
			pn := c.Node(in)
			if pn.Pruned() {
				pn.SetPruned(false)
				wl.Push(pn)
			}
		}
	}

	changed := false
	removed := 0
	for _, bh := range c.Blocks() {
		chain := append([]ssa.NodeHandle{}, c.Block(bh).Chain...)
		for _, h := range chain {
			if c.Node(h).Pruned() {
				c.Prune(h)
				changed = true
				removed++
			}
		}
	}
	if changed {
		log.Debugw("pruned no-effect nodes", "count", removed)
	}
	return changed
}
