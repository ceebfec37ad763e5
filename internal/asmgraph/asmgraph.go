// Package asmgraph builds and maintains the post-instruction-selection
// control-flow graph: a linear asm_inst stream in, a graph of basic
// blocks linked by jump/branch/switch edges out. Grounded on the
// "current block, split on control instructions, patch successors"
// shape of a classic CFG builder, generalized from an AST-statement
// stream to a flat asm_inst stream per the target's split rules.
package asmgraph

import (
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/arena"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/diag"
)

// NodeHandle is a stable reference to an asm graph node.
type NodeHandle arena.Handle

func (h NodeHandle) Valid() bool { return arena.Handle(h).Valid() }

// NodeFlag is the per-node mutable flag bitset, shared with the
// worklist primitive the optimizer's fixpoint passes use.
type NodeFlag uint8

const (
	FlagInWorklist NodeFlag = 1 << iota
)

// OutEdge is one outgoing control-flow edge. CaseValue is meaningful
// only for switch edges (HasCase true); ordinary jump/branch edges
// leave it unset.
type OutEdge struct {
	Target   NodeHandle
	CaseValue int
	HasCase  bool
}

// Node is one basic block: concrete instructions plus an optional
// terminator and the edges it implies.
type Node struct {
	Code       []asminst.Inst
	OutputInst *asminst.Inst
	Outputs    []OutEdge
	Inputs     []NodeHandle

	Label    string
	HasLabel bool

	// CFGRef is the originating CFG node this block was lowered from,
	// opaque to this package (typically an ssa.BlockHandle).
	CFGRef    interface{}
	HasCFGRef bool

	OriginalOrder int
	Flags         NodeFlag

	// Path-cover scratch (internal/layout step 2-3).
	PathInput      NodeHandle
	PathOutput     NodeHandle
	PathOutputSlot int
	ListEnd        NodeHandle

	// Ordering scratch (internal/layout step 4-8).
	Path     int
	Offset   int
	CodeSize int

	// Liveness scratch (internal/liveness), populated and consumed
	// per calc_liveness invocation and otherwise nil.
	In, Out interface{}

	self       NodeHandle
	prev, next NodeHandle
}

func (n *Node) Handle() NodeHandle { return n.self }

func (n *Node) InWorklist() bool     { return n.Flags&FlagInWorklist != 0 }
func (n *Node) SetInWorklist(v bool) {
	if v {
		n.Flags |= FlagInWorklist
	} else {
		n.Flags &^= FlagInWorklist
	}
}

// Graph owns every asm node in an intrusive doubly-linked insertion
// order, plus the label index used to resolve jump/branch targets.
type Graph struct {
	nodes      *arena.Arena[Node]
	head, tail NodeHandle
	count      int

	labelMap   map[string]NodeHandle
	entryLabel string
}

func NewGraph(entryLabel string) *Graph {
	return &Graph{
		nodes:      arena.New[Node](),
		labelMap:   make(map[string]NodeHandle),
		entryLabel: entryLabel,
	}
}

func (g *Graph) Node(h NodeHandle) *Node { return g.nodes.Get(arena.Handle(h)) }

// EntryLabel returns the label a built graph is rooted at.
func (g *Graph) EntryLabel() string { return g.entryLabel }

// Entry returns the node carrying EntryLabel, or the invalid handle if
// construction hasn't reached it yet.
func (g *Graph) Entry() NodeHandle {
	h, ok := g.labelMap[g.entryLabel]
	if !ok {
		return NodeHandle{}
	}
	return h
}

// Nodes returns every live node handle in insertion (list) order.
func (g *Graph) Nodes() []NodeHandle {
	out := make([]NodeHandle, 0, g.count)
	for h := g.head; h.Valid(); h = g.Node(h).next {
		out = append(out, h)
	}
	return out
}

// newNode allocates and links a fresh node at the tail of the list.
func (g *Graph) newNode() NodeHandle {
	h := NodeHandle(g.nodes.Alloc(Node{}))
	n := g.Node(h)
	n.self = h
	n.OriginalOrder = g.count
	g.count++

	n.prev = g.tail
	if g.tail.Valid() {
		g.Node(g.tail).next = h
	} else {
		g.head = h
	}
	g.tail = h
	return h
}

// bindLabel records name in the label map, fatal on reuse.
func (g *Graph) bindLabel(name string, h NodeHandle) {
	if _, exists := g.labelMap[name]; exists {
		diag.DuplicateLabel(name)
	}
	g.labelMap[name] = h
	n := g.Node(h)
	n.Label = name
	n.HasLabel = true
}

// addOutput appends an edge from -> to and threads the matching
// reverse input, preserving the edge-symmetry invariant.
func (g *Graph) addOutput(from, to NodeHandle, edge OutEdge) {
	edge.Target = to
	fn := g.Node(from)
	fn.Outputs = append(fn.Outputs, edge)
	tn := g.Node(to)
	tn.Inputs = append(tn.Inputs, from)
}

// NewNode allocates a fresh, unlabeled, unlinked-to-anyone node at the
// tail of the graph's node list. Used by passes (e.g. asmopt's
// tail-return merge) that synthesize new blocks after construction.
func (g *Graph) NewNode() NodeHandle { return g.newNode() }

// AddOutput appends an edge from -> to, threading the matching reverse
// input. Exported for passes that synthesize edges after construction.
func (g *Graph) AddOutput(from, to NodeHandle, edge OutEdge) { g.addOutput(from, to, edge) }

// RemoveOutput detaches the output of from at slot i, removing the
// matching reverse input on its target.
func (g *Graph) RemoveOutput(from NodeHandle, slot int) {
	fn := g.Node(from)
	target := fn.Outputs[slot].Target
	fn.Outputs = append(fn.Outputs[:slot], fn.Outputs[slot+1:]...)
	tn := g.Node(target)
	tn.Inputs = removeInput(tn.Inputs, from)
}

// ReplaceOutput retargets the output of from at slot i to a new
// target, preserving edge symmetry.
func (g *Graph) ReplaceOutput(from NodeHandle, slot int, to NodeHandle) {
	fn := g.Node(from)
	old := fn.Outputs[slot].Target
	fn.Outputs[slot].Target = to

	on := g.Node(old)
	on.Inputs = removeInput(on.Inputs, from)

	tn := g.Node(to)
	tn.Inputs = append(tn.Inputs, from)
}

func removeInput(ins []NodeHandle, from NodeHandle) []NodeHandle {
	for i, h := range ins {
		if h == from {
			return append(ins[:i], ins[i+1:]...)
		}
	}
	return ins
}

// Prune detaches h from the doubly-linked list and from every input
// and output edge, then frees its slot.
func (g *Graph) Prune(h NodeHandle) {
	n := g.Node(h)

	for i := range n.Outputs {
		on := g.Node(n.Outputs[i].Target)
		on.Inputs = removeInput(on.Inputs, h)
	}
	for _, in := range n.Inputs {
		inNode := g.Node(in)
		for i := range inNode.Outputs {
			if inNode.Outputs[i].Target == h {
				inNode.Outputs = append(inNode.Outputs[:i], inNode.Outputs[i+1:]...)
				break
			}
		}
	}

	if n.prev.Valid() {
		g.Node(n.prev).next = n.next
	} else {
		g.head = n.next
	}
	if n.next.Valid() {
		g.Node(n.next).prev = n.prev
	} else {
		g.tail = n.prev
	}

	if n.HasLabel {
		delete(g.labelMap, n.Label)
	}

	n.Inputs = nil
	n.Outputs = nil
	g.nodes.Free(arena.Handle(h))
}

// CheckEdgeSymmetry verifies that every non-null output edge's target
// lists h in its input vector exactly once.
func (g *Graph) CheckEdgeSymmetry(h NodeHandle) bool {
	n := g.Node(h)
	for _, e := range n.Outputs {
		count := 0
		for _, in := range g.Node(e.Target).Inputs {
			if in == h {
				count++
			}
		}
		if count != 1 {
			return false
		}
	}
	return true
}

// SwitchCase is one entry of a CFG node's switch jump table: the case
// value to match and the label it dispatches to.
type SwitchCase struct {
	CaseValue int
	Label     string
}

// deferredLookup records one not-yet-resolvable jump/branch/switch
// target, filled in by FinishAppending once every label has been
// bound.
type deferredLookup struct {
	from      NodeHandle
	slot      int
	label     string
	caseValue int
	hasCase   bool
}

// Builder drives graph construction in one pass over a flat asm_inst
// stream, splitting into nodes on labels and control instructions and
// deferring target resolution until every label has been seen.
type Builder struct {
	g        *Graph
	cur      NodeHandle
	deferred []deferredLookup
	log      *zap.SugaredLogger
}

// NewBuilder creates a builder ready to append code to a fresh,
// initially unlabeled node. The front end's instruction stream is
// expected to contain a LABEL instruction for entryLabel itself —
// everything appended before it lands in a dead preamble node that
// stub removal (internal/asmopt) cleans up later.
func NewBuilder(entryLabel string) *Builder {
	return NewBuilderWithLogger(entryLabel, zap.NewNop().Sugar())
}

// NewBuilderWithLogger is NewBuilder with pass-level Debug logging on
// construction completion.
func NewBuilderWithLogger(entryLabel string, log *zap.SugaredLogger) *Builder {
	g := NewGraph(entryLabel)
	b := &Builder{g: g, log: log}
	b.cur = g.newNode()
	return b
}

// Graph returns the graph under construction.
func (b *Builder) Graph() *Graph { return b.g }

func (b *Builder) startNode() NodeHandle {
	return b.g.newNode()
}

func (b *Builder) enqueueDeferred(slot int, label string) {
	b.deferred = append(b.deferred, deferredLookup{from: b.cur, slot: slot, label: label})
}

func (b *Builder) enqueueDeferredCase(label string, caseValue int) {
	b.deferred = append(b.deferred, deferredLookup{from: b.cur, label: label, caseValue: caseValue, hasCase: true, slot: len(b.g.Node(b.cur).Outputs)})
	b.g.Node(b.cur).Outputs = append(b.g.Node(b.cur).Outputs, OutEdge{CaseValue: caseValue, HasCase: true})
}

// AppendCode processes insts in order against switchTables (keyed by
// the opaque CFGRef the switch instruction's Arg carries), applying
// the builder's per-instruction split rules.
func (b *Builder) AppendCode(insts []asminst.Inst, switchTables map[interface{}][]SwitchCase) {
	for i := 0; i < len(insts); i++ {
		inst := insts[i]

		switch {
		case inst.Op == asminst.OpLabel:
			b.handleLabel(inst)

		case asminst.IsReturn(inst.Op):
			cur := b.g.Node(b.cur)
			cur.OutputInst = &inst
			b.cur = b.startNode()

		case asminst.IsSwitch(inst.Op):
			cur := b.g.Node(b.cur)
			cur.OutputInst = &inst
			table := switchTables[inst.CFGRefKey()]
			for _, c := range table {
				b.enqueueDeferredCase(c.Label, c.CaseValue)
			}
			b.cur = b.startNode()

		case asminst.IsJump(inst.Op):
			cur := b.g.Node(b.cur)
			cur.OutputInst = &inst
			slot := len(cur.Outputs)
			cur.Outputs = append(cur.Outputs, OutEdge{})
			b.enqueueDeferred(slot, inst.Label)
			b.cur = b.startNode()

		case asminst.IsBranch(inst.Op):
			cur := b.g.Node(b.cur)
			cur.OutputInst = &inst
			slot := len(cur.Outputs)
			cur.Outputs = append(cur.Outputs, OutEdge{})
			b.enqueueDeferred(slot, inst.Label)

			if i+1 < len(insts) {
				next := insts[i+1]
				if inv, ok := asminst.InverseOf(inst.Op); ok && next.Op == inv {
					slot2 := len(cur.Outputs)
					cur.Outputs = append(cur.Outputs, OutEdge{})
					b.enqueueDeferred(slot2, next.Label)
					i++
					b.cur = b.startNode()
					continue
				}
			}

			succ := b.startNode()
			b.g.addOutput(b.cur, succ, OutEdge{})
			b.cur = succ

		case inst.Op == asminst.OpPruned:
			// skip entirely

		default:
			cur := b.g.Node(b.cur)
			cur.Code = append(cur.Code, inst)
		}
	}
}

// handleLabel implements the LABEL split rule: finalize the current
// node with a synthetic unconditional-jump fallthrough, start a new
// node bound to the label, and inherit CFG if the label carries one.
func (b *Builder) handleLabel(inst asminst.Inst) {
	cur := b.g.Node(b.cur)
	synthetic := asminst.Inst{Op: asminst.OpJMP, Label: inst.Label}
	cur.OutputInst = &synthetic
	slot := len(cur.Outputs)
	cur.Outputs = append(cur.Outputs, OutEdge{})
	b.enqueueDeferred(slot, inst.Label)

	next := b.startNode()
	b.g.bindLabel(inst.Label, next)
	if inst.HasCFGRef {
		b.g.Node(next).CFGRef = inst.CFGRef
		b.g.Node(next).HasCFGRef = true
	}
	b.cur = next
}

// FinishAppending resolves every deferred lookup against the label
// map. An unresolved label is a fatal construction error.
func (b *Builder) FinishAppending() *Graph {
	b.log.Debugw("resolving deferred labels", "count", len(b.deferred))
	for _, d := range b.deferred {
		target, ok := b.g.labelMap[d.label]
		if !ok {
			diag.UnresolvedLabel(d.label)
		}
		from := b.g.Node(d.from)
		from.Outputs[d.slot].Target = target
		to := b.g.Node(target)
		to.Inputs = append(to.Inputs, d.from)
	}
	b.deferred = nil
	b.log.Debugw("built assembly graph", "nodes", len(b.g.Nodes()))
	return b.g
}
