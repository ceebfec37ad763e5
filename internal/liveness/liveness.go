// Package liveness computes backward-dataflow liveness over an
// assembly graph and builds the resulting local-variable interference
// graph. Bitsets are indexed by lvar position via bits-and-blooms/
// bitset rather than keyed by name, so bitset size tracks the number
// of lvars currently tracked in the map.
package liveness

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/locator"
)

// FnSummary is the front end's precomputed reads/writes summary for
// one function, consulted instead of any interprocedural analysis.
// CalleeReads/CalleeWrites answer, for a call to callee, whether a
// given global member is read/written by it.
type FnSummary interface {
	// Args returns the locators occupying this function's argument
	// slots, in slot order.
	Args() []locator.Locator
	// Writes reports whether this function itself writes gmember.
	Writes(gmember string) bool
	// CalleeArgs reports the locators the callee at a call site reads
	// as arguments, for building the call's read set.
	CalleeArgs(callee interface{}) []locator.Locator
	// CalleeReads/CalleeWrites answer whether callee's own summary
	// includes gmember in its reads/writes set.
	CalleeReads(callee interface{}, gmember string) bool
	CalleeWrites(callee interface{}, gmember string) bool
}

// blockSets holds the per-block bitsets CalcLiveness threads through
// its fixed point, allocated fresh on every call and discarded
// wholesale when the caller is done.
type blockSets struct {
	gen, kill  *bitset.BitSet
	in, out    *bitset.BitSet
	processed  bool
}

// CalcLiveness runs the backward dataflow fixed point over g using
// lvars as the bit-position index, and leaves the result attached to
// each node's In/Out fields as *bitset.BitSet: out[b] = union of in[s]
// over b's successors, in[b] = gen[b] | (out[b] &^ kill[b]), to a
// fixed point starting with every block on the worklist.
func CalcLiveness(g *asmgraph.Graph, lvars *locator.LvarMap, fn FnSummary) {
	CalcLivenessWithLogger(g, lvars, fn, zap.NewNop().Sugar())
}

// CalcLivenessWithLogger is CalcLiveness with pass-level Debug logging
// of the fixed point's iteration count.
func CalcLivenessWithLogger(g *asmgraph.Graph, lvars *locator.LvarMap, fn FnSummary, log *zap.SugaredLogger) {
	n := lvars.Len()
	sets := map[asmgraph.NodeHandle]*blockSets{}

	nodes := g.Nodes()
	for _, h := range nodes {
		bs := &blockSets{
			gen:  bitset.New(uint(n)),
			kill: bitset.New(uint(n)),
			in:   bitset.New(uint(n)),
			out:  bitset.New(uint(n)),
		}
		computeGenKill(g.Node(h), lvars, fn, bs.gen, bs.kill)
		bs.in = bs.gen.Clone()
		sets[h] = bs
	}

	worklist := make([]asmgraph.NodeHandle, 0, len(nodes))
	inWorklist := map[asmgraph.NodeHandle]bool{}
	for _, h := range nodes {
		worklist = append(worklist, h)
		inWorklist[h] = true
	}

	iterations := 0
	for len(worklist) > 0 {
		h := worklist[0]
		worklist = worklist[1:]
		inWorklist[h] = false
		iterations++

		node := g.Node(h)
		bs := sets[h]

		out := bitset.New(uint(n))
		for _, e := range node.Outputs {
			out.InPlaceUnion(sets[e.Target].in)
		}
		bs.out = out

		in := out.Clone()
		in.InPlaceDifference(bs.kill)
		in.InPlaceUnion(bs.gen)

		if in.Equal(bs.in) {
			continue
		}
		bs.in = in

		for _, pred := range node.Inputs {
			if !inWorklist[pred] {
				worklist = append(worklist, pred)
				inWorklist[pred] = true
			}
		}
	}
	log.Debugw("liveness fixed point reached", "blocks", len(nodes), "iterations", iterations)

	if entry := g.Entry(); entry.Valid() {
		for _, arg := range fn.Args() {
			if idx, ok := lvars.IndexOf(arg); ok {
				sets[entry].in.Set(uint(idx))
			}
		}
	}

	for _, h := range nodes {
		bs := sets[h]
		g.Node(h).In = bs.in
		g.Node(h).Out = bs.out
	}
}

// DoInstRW applies one instruction's read/write effect on live:
// fn_call and return get bespoke handling via fn, every other
// instruction consults the op's ReadsMem/WritesMem flags against its
// Arg/Alt locators.
func DoInstRW(inst asminst.Inst, lvars *locator.LvarMap, fn FnSummary, callee interface{}, isCall, isReturn bool, live *bitset.BitSet) {
	switch {
	case isCall:
		for i := 0; i < lvars.Len(); i++ {
			loc := lvars.At(i)
			if isCalleeArg(fn, callee, loc) {
				live.Set(uint(i))
				continue
			}
			if loc.Kind == locator.KindGMember {
				if fn.CalleeReads(callee, loc.Member) {
					live.Set(uint(i))
				}
				if fn.CalleeWrites(callee, loc.Member) {
					live.Clear(uint(i))
				}
			}
		}
	case isReturn:
		for i := 0; i < lvars.Len(); i++ {
			loc := lvars.At(i)
			if loc.Kind == locator.KindReturn {
				live.Set(uint(i))
			}
			if loc.Kind == locator.KindGMember && fn.Writes(loc.Member) {
				live.Clear(uint(i))
			}
		}
	default:
		flags := asminst.Flags(inst.Op)
		applyOperand(inst.Arg, lvars, flags, live)
		if inst.HasAlt {
			applyOperand(inst.Alt, lvars, flags, live)
		}
	}
}

func applyOperand(operand locator.Locator, lvars *locator.LvarMap, flags asminst.Flag, live *bitset.BitSet) {
	idx, ok := lvars.IndexOf(operand)
	if !ok {
		return
	}
	if flags&asminst.FlagReadsMem != 0 {
		live.Set(uint(idx))
	}
	if flags&asminst.FlagWritesMem != 0 {
		live.Clear(uint(idx))
	}
}

func isCalleeArg(fn FnSummary, callee interface{}, loc locator.Locator) bool {
	for _, a := range fn.CalleeArgs(callee) {
		if a == loc {
			return true
		}
	}
	return false
}

// markWrites records, into kill, every locator inst writes — unlike
// DoInstRW's effect on live, this does not depend on whatever the
// local backward simulation currently holds, so a write with no later
// in-block read is still counted as a kill.
func markWrites(inst asminst.Inst, lvars *locator.LvarMap, fn FnSummary, callee interface{}, isCall, isReturn bool, kill *bitset.BitSet) {
	switch {
	case isCall:
		for i := 0; i < lvars.Len(); i++ {
			loc := lvars.At(i)
			if loc.Kind == locator.KindGMember && fn.CalleeWrites(callee, loc.Member) {
				kill.Set(uint(i))
			}
		}
	case isReturn:
		for i := 0; i < lvars.Len(); i++ {
			loc := lvars.At(i)
			if loc.Kind == locator.KindGMember && fn.Writes(loc.Member) {
				kill.Set(uint(i))
			}
		}
	default:
		flags := asminst.Flags(inst.Op)
		if flags&asminst.FlagWritesMem == 0 {
			return
		}
		if idx, ok := lvars.IndexOf(inst.Arg); ok {
			kill.Set(uint(idx))
		}
		if inst.HasAlt {
			if idx, ok := lvars.IndexOf(inst.Alt); ok {
				kill.Set(uint(idx))
			}
		}
	}
}

// computeGenKill walks node's instructions in reverse, tracking local
// liveness exactly as CalcLiveness's fixed point does per-instruction
// (a read sets a bit, a write clears it) to derive gen, and separately
// accumulates kill as every lvar written anywhere in the block,
// independent of whatever the local live simulation happens to hold at
// that point — needed so a variable untouched by node passes through
// out to in unchanged, per the classic in = gen | (out &^ kill)
// formulation. A plain define with no later read in the block must
// still land in kill even though it never transitions live->dead
// locally.
func computeGenKill(node *asmgraph.Node, lvars *locator.LvarMap, fn FnSummary, gen, kill *bitset.BitSet) {
	live := bitset.New(uint(lvars.Len()))

	mark := func(inst asminst.Inst, isCall, isReturn bool, callee interface{}) {
		markWrites(inst, lvars, fn, callee, isCall, isReturn, kill)
		DoInstRW(inst, lvars, fn, callee, isCall, isReturn, live)
	}

	if node.OutputInst != nil {
		out := *node.OutputInst
		switch {
		case out.Op == asminst.OpJSR:
			mark(out, true, false, out.Arg)
		case asminst.IsReturn(out.Op):
			mark(out, false, true, nil)
		default:
			mark(out, false, false, nil)
		}
	}
	for i := len(node.Code) - 1; i >= 0; i-- {
		inst := node.Code[i]
		if inst.Op == asminst.OpJSR {
			mark(inst, true, false, inst.Arg)
			continue
		}
		mark(inst, false, false, nil)
	}

	for i := uint(0); i < uint(lvars.Len()); i++ {
		if live.Test(i) {
			gen.Set(i)
		}
	}
}
