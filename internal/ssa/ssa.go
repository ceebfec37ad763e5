// Package ssa models the value-SSA intermediate representation: nodes
// with ordered input/output edges, a block's daisy chain, and the
// arena-backed container that owns both. Nothing here knows about
// registers, addressing modes, or the target machine — those live in
// internal/asmgraph and internal/asminst, downstream of instruction
// selection (which the core does not implement).
package ssa

import (
	"github.com/8bitforge/moscore/internal/arena"
	"github.com/8bitforge/moscore/internal/diag"
)

// NodeHandle is a stable reference to an SSA node (ssa_ht in spec
// terms). Dereferencing a pruned handle is undefined.
type NodeHandle arena.Handle

// BlockHandle is a stable reference to a CFG node at the SSA level
// (cfg_ht in spec terms) — the basic block an SSA node's daisy chain
// belongs to.
type BlockHandle arena.Handle

func (h NodeHandle) Valid() bool  { return arena.Handle(h).Valid() }
func (h BlockHandle) Valid() bool { return arena.Handle(h).Valid() }

// NodeFlag is the per-node mutable flag bitset.
type NodeFlag uint8

const (
	FlagInWorklist NodeFlag = 1 << iota
	FlagPruned
	FlagProcessed
)

// OutEdge is one entry in a node's reverse index: the user that
// consumes this node's value, and which of the user's input slots it
// occupies.
type OutEdge struct {
	User NodeHandle
	Slot int
}

// FnRef is an opaque, comparable reference to a callee, supplied by the
// front end. The core never resolves it itself — it only hands it back
// to the PurityOracle the DCE passes are given.
type FnRef interface{}

// Node is one computed value or side-effect point.
type Node struct {
	Op      Op
	Inputs  []NodeHandle
	Outputs []OutEdge
	Flags   NodeFlag
	Block   BlockHandle

	// Callee is set only when Op == OpFnCall.
	Callee FnRef

	self NodeHandle
}

// Handle returns the handle that resolves back to this node, so code
// holding a *Node (e.g. a worklist item) can recover it without a
// separate lookup table.
func (n *Node) Handle() NodeHandle { return n.self }

func (n *Node) InWorklist() bool { return n.Flags&FlagInWorklist != 0 }
func (n *Node) Pruned() bool     { return n.Flags&FlagPruned != 0 }
func (n *Node) Processed() bool  { return n.Flags&FlagProcessed != 0 }

func (n *Node) SetInWorklist(v bool) { n.setFlag(FlagInWorklist, v) }
func (n *Node) SetPruned(v bool)     { n.setFlag(FlagPruned, v) }
func (n *Node) SetProcessed(v bool)  { n.setFlag(FlagProcessed, v) }

func (n *Node) setFlag(f NodeFlag, v bool) {
	if v {
		n.Flags |= f
	} else {
		n.Flags &^= f
	}
}

// InputClass returns the class of input slot i on n.
func (n *Node) InputClass(i int) InputClass {
	return InputClassOf(n.Op, i)
}

// Block is a basic block: the daisy chain of SSA nodes that preserves
// their relative evaluation order, terminated by an If/Return.
type Block struct {
	Chain     []NodeHandle
	LastDaisy NodeHandle
}

// Container owns every SSA node and block for one function's IR.
// Iteration over blocks is insertion order.
type Container struct {
	nodes  *arena.Arena[Node]
	blocks *arena.Arena[Block]
	order  []BlockHandle
}

func NewContainer() *Container {
	return &Container{
		nodes:  arena.New[Node](),
		blocks: arena.New[Block](),
	}
}

// NewBlock allocates an empty block and records it in insertion order.
func (c *Container) NewBlock() BlockHandle {
	h := BlockHandle(c.blocks.Alloc(Block{}))
	c.order = append(c.order, h)
	return h
}

// Blocks returns every block handle in insertion order.
func (c *Container) Blocks() []BlockHandle {
	return c.order
}

func (c *Container) Block(h BlockHandle) *Block {
	return c.blocks.Get(arena.Handle(h))
}

func (c *Container) Node(h NodeHandle) *Node {
	return c.nodes.Get(arena.Handle(h))
}

// NewNode allocates a node, appends it to block's daisy chain, and
// wires the reverse output edges on every input.
func (c *Container) NewNode(op Op, block BlockHandle, inputs ...NodeHandle) NodeHandle {
	h := NodeHandle(c.nodes.Alloc(Node{Op: op, Block: block}))
	n := c.Node(h)
	n.self = h
	n.Inputs = append(n.Inputs, inputs...)

	for i, in := range inputs {
		pred := c.Node(in)
		pred.Outputs = append(pred.Outputs, OutEdge{User: h, Slot: i})
	}

	b := c.Block(block)
	b.Chain = append(b.Chain, h)
	if IsTerminator(op) {
		b.LastDaisy = h
	}
	return h
}

// Prune detaches h from every input's output list and clears h's own
// edges, then frees its slot. It does not touch h's users — by
// contract a caller only prunes a node once it has proven none of its
// outputs still reach a surviving node. Returns the handle of the
// daisy-chain successor in h's block, or the zero handle if h was last.
func (c *Container) Prune(h NodeHandle) NodeHandle {
	n := c.Node(h)

	for _, in := range n.Inputs {
		pred := c.Node(in)
		pred.Outputs = removeOutEdge(pred.Outputs, h)
	}

	b := c.Block(n.Block)
	idx := -1
	for i, ch := range b.Chain {
		if ch == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		diag.Raise("prune: node not found in its own block's daisy chain")
	}

	var succ NodeHandle
	if idx+1 < len(b.Chain) {
		succ = b.Chain[idx+1]
	}
	b.Chain = append(b.Chain[:idx], b.Chain[idx+1:]...)

	n.Inputs = nil
	n.Outputs = nil
	c.nodes.Free(arena.Handle(h))

	return succ
}

func removeOutEdge(edges []OutEdge, user NodeHandle) []OutEdge {
	for i, e := range edges {
		if e.User == user {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}

// CheckEdgeConsistency verifies, for every output edge (u, s) of n,
// that u.Inputs[s] == n. Intended for tests and debug builds, not the
// hot path — it walks every output edge of the given node.
func (c *Container) CheckEdgeConsistency(h NodeHandle) bool {
	n := c.Node(h)
	for _, e := range n.Outputs {
		user := c.Node(e.User)
		if e.Slot >= len(user.Inputs) || user.Inputs[e.Slot] != h {
			return false
		}
	}
	return true
}
