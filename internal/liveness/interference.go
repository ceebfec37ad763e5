package liveness

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/locator"
)

// InterferenceGraph records, for each tracked lvar, the set of other
// lvars simultaneously live at some program point — the register
// allocator's eventual coloring input. Indices match lvars' bit
// positions, so BuildLvars must run CalcLiveness over the same
// *locator.LvarMap it was given. fnEdges separately records, per
// callee, which lvars were live across a call to it — a "fn
// interference" forbidding allocation to any register that callee
// clobbers, distinct from (and additional to) the plain pairwise
// interference above.
type InterferenceGraph struct {
	lvars   *locator.LvarMap
	edges   []*bitset.BitSet
	fnEdges map[interface{}]*bitset.BitSet
}

func newInterferenceGraph(lvars *locator.LvarMap) *InterferenceGraph {
	n := lvars.Len()
	ig := &InterferenceGraph{
		lvars:   lvars,
		edges:   make([]*bitset.BitSet, n),
		fnEdges: make(map[interface{}]*bitset.BitSet),
	}
	for i := range ig.edges {
		ig.edges[i] = bitset.New(uint(n))
	}
	return ig
}

func (ig *InterferenceGraph) addEdge(a, b int) {
	if a == b {
		return
	}
	ig.edges[a].Set(uint(b))
	ig.edges[b].Set(uint(a))
}

// addFnEdge records that lvar index i is live across a call to callee.
func (ig *InterferenceGraph) addFnEdge(callee interface{}, i int) {
	bs, ok := ig.fnEdges[callee]
	if !ok {
		bs = bitset.New(uint(ig.lvars.Len()))
		ig.fnEdges[callee] = bs
	}
	bs.Set(uint(i))
}

// FnInterferes reports whether loc was ever observed live across a
// call to callee.
func (ig *InterferenceGraph) FnInterferes(loc locator.Locator, callee interface{}) bool {
	i, ok := ig.lvars.IndexOf(loc)
	if !ok {
		return false
	}
	bs, ok := ig.fnEdges[callee]
	if !ok {
		return false
	}
	return bs.Test(uint(i))
}

// Interferes reports whether a and b were ever observed simultaneously
// live.
func (ig *InterferenceGraph) Interferes(a, b locator.Locator) bool {
	ai, ok := ig.lvars.IndexOf(a)
	if !ok {
		return false
	}
	bi, ok := ig.lvars.IndexOf(b)
	if !ok {
		return false
	}
	return ig.edges[ai].Test(uint(bi))
}

// Neighbors returns every lvar known to interfere with loc.
func (ig *InterferenceGraph) Neighbors(loc locator.Locator) []locator.Locator {
	i, ok := ig.lvars.IndexOf(loc)
	if !ok {
		return nil
	}
	var out []locator.Locator
	for j := uint(0); j < uint(ig.lvars.Len()); j++ {
		if ig.edges[i].Test(j) {
			out = append(out, ig.lvars.At(int(j)))
		}
	}
	return out
}

// BuildLvars runs CalcLiveness over g and derives the interference
// graph by reverse-walking every block starting from its live-out set:
// add all-pairs interference among the working live set, then for
// each instruction in reverse — recording a fn-interference edge
// between every currently-live lvar and the callee first, if the
// instruction is a call — apply its read/write effect and add
// all-pairs interference again among whatever is now live. Finally,
// every referenced-parameter locator is treated as simultaneously live
// and gains all-pairs interference with the others, since the
// allocator must assume they're all resident at function entry.
func BuildLvars(fn FnSummary, g *asmgraph.Graph, lvars *locator.LvarMap) *InterferenceGraph {
	return BuildLvarsWithLogger(fn, g, lvars, zap.NewNop().Sugar())
}

// BuildLvarsWithLogger is BuildLvars with pass-level Debug logging of
// the built graph's size.
func BuildLvarsWithLogger(fn FnSummary, g *asmgraph.Graph, lvars *locator.LvarMap, log *zap.SugaredLogger) *InterferenceGraph {
	CalcLivenessWithLogger(g, lvars, fn, log)

	ig := newInterferenceGraph(lvars)
	n := lvars.Len()

	for _, h := range g.Nodes() {
		node := g.Node(h)
		outSet, ok := node.Out.(*bitset.BitSet)
		if !ok || outSet == nil {
			continue
		}
		live := outSet.Clone()
		addPairwise(ig, live, n)

		step := func(inst asminst.Inst, isCall, isReturn bool, callee interface{}) {
			if isCall {
				addFnInterference(ig, live, callee, n)
			}
			DoInstRW(inst, lvars, fn, callee, isCall, isReturn, live)
			addPairwise(ig, live, n)
		}

		if node.OutputInst != nil {
			term := *node.OutputInst
			switch {
			case term.Op == asminst.OpJSR:
				step(term, true, false, term.Arg)
			case asminst.IsReturn(term.Op):
				step(term, false, true, nil)
			default:
				step(term, false, false, nil)
			}
		}
		for i := len(node.Code) - 1; i >= 0; i-- {
			inst := node.Code[i]
			if inst.Op == asminst.OpJSR {
				step(inst, true, false, inst.Arg)
				continue
			}
			step(inst, false, false, nil)
		}
	}

	addReferencedParamInterference(ig, fn, lvars, n)

	log.Debugw("built interference graph", "lvars", n, "fn interference callees", len(ig.fnEdges))
	return ig
}

func addPairwise(ig *InterferenceGraph, live *bitset.BitSet, n int) {
	for i := 0; i < n; i++ {
		if !live.Test(uint(i)) {
			continue
		}
		for j := i + 1; j < n; j++ {
			if live.Test(uint(j)) {
				ig.addEdge(i, j)
			}
		}
	}
}

// addFnInterference records, for every lvar currently live, that it
// spans a call to callee.
func addFnInterference(ig *InterferenceGraph, live *bitset.BitSet, callee interface{}, n int) {
	for i := 0; i < n; i++ {
		if live.Test(uint(i)) {
			ig.addFnEdge(callee, i)
		}
	}
}

// addReferencedParamInterference marks every tracked argument locator
// as simultaneously live and adds all-pairs interference among them,
// per spec: the allocator can't assume an argument is dead just
// because the function body doesn't happen to read it back before
// clobbering its register.
func addReferencedParamInterference(ig *InterferenceGraph, fn FnSummary, lvars *locator.LvarMap, n int) {
	params := bitset.New(uint(n))
	for _, arg := range fn.Args() {
		if idx, ok := lvars.IndexOf(arg); ok {
			params.Set(uint(idx))
		}
	}
	addPairwise(ig, params, n)
}
