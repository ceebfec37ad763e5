// Package layout chooses a linear ordering of an assembly graph's
// nodes: a greedy weighted path cover turns as many edges as possible
// into fall-throughs, then a permutation search (or simulated
// annealing, for larger graphs) orders the resulting paths to minimize
// page-crossing and short-branch-range penalties. Grounded on the
// original RegisterAllocator's shape (a struct holding scratch slices,
// one driver method, sort.Slice over small derived lists), even though
// the algorithm itself — path cover plus annealing — has no precedent
// there.
package layout

import (
	"math/rand"
	"sort"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/config"
)

// LoopInfo answers the loop-nest edge depth between two CFG nodes, so
// hot edges (inside deep loops) can be weighted far above cold ones.
// Unknown CFG references (nodes synthesized after instruction
// selection, e.g. asmopt's tail-merge blocks) report ok=false and are
// treated as depth 0.
type LoopInfo interface {
	EdgeDepth(from, to interface{}) (depth int, ok bool)
}

// NoLoopInfo is a LoopInfo that always reports "unknown", for callers
// that haven't computed loop nesting (every edge scales as 1).
type NoLoopInfo struct{}

func (NoLoopInfo) EdgeDepth(interface{}, interface{}) (int, bool) { return 0, false }

// annealSteps counts simulated-annealing swap attempts across the
// process, for diagnostics only — it has no effect on the
// deterministic, seeded search itself.
var annealSteps atomic.Int64

// AnnealSteps reports how many annealing attempts this process has run
// across every Order call, for logging/metrics.
func AnnealSteps() int64 { return annealSteps.Load() }

type builder struct {
	g     *asmgraph.Graph
	loops LoopInfo
	prof  *config.Profile
	log   *zap.SugaredLogger
}

// Order builds a weighted path cover, orders its paths, and returns
// the chosen layout as a flat node-handle sequence: every node of the
// first path in the chosen path order, then every node of the second,
// and so on. The final
// linearization step (ToLinear) runs separately.
func Order(g *asmgraph.Graph, loops LoopInfo, prof *config.Profile) []asmgraph.NodeHandle {
	return OrderWithLogger(g, loops, prof, zap.NewNop().Sugar())
}

// OrderWithLogger is Order with pass-level Debug logging.
func OrderWithLogger(g *asmgraph.Graph, loops LoopInfo, prof *config.Profile, log *zap.SugaredLogger) []asmgraph.NodeHandle {
	if loops == nil {
		loops = NoLoopInfo{}
	}
	b := &builder{g: g, loops: loops, prof: prof, log: log}

	edges := b.weightedEdges()
	b.greedyCover(edges)
	paths := b.emitPaths()
	b.estimateSizes(paths)
	branches := b.crossPathBranches(paths)

	order := b.minimizeCost(paths, branches)

	var out []asmgraph.NodeHandle
	for _, pi := range order {
		out = append(out, paths[pi]...)
	}
	return out
}

// weightedEdge is one candidate fall-through/taken edge considered by
// the greedy path cover, sorted by descending weight before assignment.
type weightedEdge struct {
	from   asmgraph.NodeHandle
	slot   int
	to     asmgraph.NodeHandle
	weight int
}

// scale weights an edge by its estimated execution frequency:
// 1 << min(16, 2 * depth), where depth comes from the loop-nest oracle
// and defaults to 0 (scale 1) when the edge's endpoints carry no known
// CFG reference.
func (b *builder) scale(from, to *asmgraph.Node) int {
	depth := 0
	if from.HasCFGRef && to.HasCFGRef {
		if d, ok := b.loops.EdgeDepth(from.CFGRef, to.CFGRef); ok {
			depth = d
		}
	}
	shift := 2 * depth
	if shift > 16 {
		shift = 16
	}
	return 1 << uint(shift)
}

// weightedEdges builds the candidate edge list per step 1: one-output
// nodes contribute a single high-priority fall-through edge, two-output
// nodes contribute both outputs at different priorities (breaking ties
// toward the target with the larger original_order), and switches or
// higher fan-out contribute nothing (weight 0, never chosen by the
// greedy cover).
func (b *builder) weightedEdges() []weightedEdge {
	var edges []weightedEdge

	for _, h := range b.g.Nodes() {
		n := b.g.Node(h)
		switch len(n.Outputs) {
		case 0:
			// return: no successor edge to weigh.
		case 1:
			if n.OutputInst != nil && asminst.IsSwitch(n.OutputInst.Op) {
				continue
			}
			to := n.Outputs[0].Target
			edges = append(edges, weightedEdge{h, 0, to, 3 * b.scale(n, b.g.Node(to))})
		case 2:
			if n.OutputInst != nil && asminst.IsSwitch(n.OutputInst.Op) {
				continue
			}
			t0, t1 := n.Outputs[0].Target, n.Outputs[1].Target
			first, second := 0, 1
			if b.g.Node(t1).OriginalOrder > b.g.Node(t0).OriginalOrder {
				first, second = 1, 0
			}
			targets := [2]asmgraph.NodeHandle{t0, t1}
			edges = append(edges,
				weightedEdge{h, first, targets[first], 2 * b.scale(n, b.g.Node(targets[first]))},
				weightedEdge{h, second, targets[second], 1 * b.scale(n, b.g.Node(targets[second]))},
			)
		default:
			// switch or wider fan-out: weight 0, contributes nothing.
		}
	}

	sort.SliceStable(edges, func(i, j int) bool { return edges[i].weight > edges[j].weight })
	return edges
}

// greedyCover implements step 2: chain from->to along descending edge
// weight whenever from has no successor yet, to has no predecessor
// yet, and the chain wouldn't close a cycle.
func (b *builder) greedyCover(edges []weightedEdge) {
	for _, e := range edges {
		from := b.g.Node(e.from)
		to := b.g.Node(e.to)
		if from.PathOutput.Valid() || to.PathInput.Valid() {
			continue
		}
		if b.wouldCycle(e.from, e.to) {
			continue
		}
		from.PathOutput = e.to
		from.PathOutputSlot = e.slot
		to.PathInput = e.from
	}
}

// wouldCycle walks the tail chain starting at to; if it ever reaches
// from, chaining from->to would close a cycle.
func (b *builder) wouldCycle(from, to asmgraph.NodeHandle) bool {
	cur := to
	for cur.Valid() {
		if cur == from {
			return true
		}
		cur = b.g.Node(cur).PathOutput
	}
	return false
}

// emitPaths implements step 3: every node with no path predecessor
// starts a path; walk forward to collect its members in order, and
// stamp each member's Path index.
func (b *builder) emitPaths() [][]asmgraph.NodeHandle {
	var paths [][]asmgraph.NodeHandle
	for _, h := range b.g.Nodes() {
		n := b.g.Node(h)
		if n.PathInput.Valid() {
			continue
		}
		var members []asmgraph.NodeHandle
		for cur := h; cur.Valid(); cur = b.g.Node(cur).PathOutput {
			members = append(members, cur)
			b.g.Node(cur).Path = len(paths)
		}
		paths = append(paths, members)
	}
	return paths
}

// estimateSizes implements step 4: each node's CodeSize is the sum of
// its instructions' encoded sizes plus a terminator cost that depends
// on fan-out and path position. A one-output node that isn't the last
// block of its path is a pure fall-through once linearized — its
// chosen path successor IS its only target, so the jump vanishes
// entirely (cost 0); if it's last in its path, nothing guarantees its
// target follows it in the final order, so the jump must be
// materialized (cost 1). A two-output (branch) node that isn't last
// has one arm covered by its path successor, so only the branch itself
// survives (cost 1); if it's last, neither arm is guaranteed adjacent,
// so the branch plus an explicit jump for the other arm are both
// needed (cost 2).
func (b *builder) estimateSizes(paths [][]asmgraph.NodeHandle) {
	for _, path := range paths {
		for _, h := range path {
			n := b.g.Node(h)
			size := 0
			for _, inst := range n.Code {
				size += asminst.OpSize(inst)
			}
			if n.OutputInst != nil {
				last := !n.PathOutput.Valid()
				mult := 1
				switch len(n.Outputs) {
				case 1:
					if !last {
						mult = 0
					}
				case 2:
					if last {
						mult = 2
					}
				}
				size += mult * asminst.OpSize(*n.OutputInst)
			}
			n.CodeSize = size
		}
	}
}

// crossPathBranch is one branch whose target lands on a different
// path than its source, recorded per step 5 for the cost function.
type crossPathBranch struct {
	from       asmgraph.NodeHandle
	targetPath int
}

func (b *builder) crossPathBranches(paths [][]asmgraph.NodeHandle) []crossPathBranch {
	var out []crossPathBranch
	for _, path := range paths {
		for _, h := range path {
			n := b.g.Node(h)
			if n.OutputInst == nil || !asminst.IsBranch(n.OutputInst.Op) {
				continue
			}
			for _, e := range n.Outputs {
				tp := b.g.Node(e.Target).Path
				if tp != n.Path {
					out = append(out, crossPathBranch{from: h, targetPath: tp})
				}
			}
		}
	}
	return out
}

// pathOffsets computes, for a given path visitation order, the
// absolute byte offset of every path's first node and every node
// within it (step 6's prerequisite).
func (b *builder) pathOffsets(paths [][]asmgraph.NodeHandle, order []int) (pathStart []int, nodeOffset map[asmgraph.NodeHandle]int) {
	pathStart = make([]int, len(paths))
	nodeOffset = make(map[asmgraph.NodeHandle]int, len(b.g.Nodes()))

	offset := 0
	for _, pi := range order {
		pathStart[pi] = offset
		for _, h := range paths[pi] {
			nodeOffset[h] = offset
			offset += b.g.Node(h).CodeSize
		}
	}
	return
}

// cost implements step 6: for every cross-path branch, penalize +1 if
// the source and target offsets land in different 256-byte pages and
// +3 if their distance exceeds the profile's short-branch limit. The
// branch instruction's own position is approximated as the end of its
// block's non-terminator code, and its target as the first byte of the
// destination path (branches target the start of a block).
func (b *builder) cost(paths [][]asmgraph.NodeHandle, branches []crossPathBranch, order []int) int {
	_, nodeOffset := b.pathOffsets(paths, order)

	total := 0
	for _, br := range branches {
		n := b.g.Node(br.from)
		fromAbs := nodeOffset[br.from] + n.CodeSize - asminst.OpSize(*n.OutputInst)
		toAbs := nodeOffset[paths[br.targetPath][0]]

		if fromAbs&0xFF != toAbs&0xFF {
			total++
		}
		if abs(fromAbs-toAbs) > b.prof.ShortBranchLimit() {
			total += 3
		}
	}
	return total
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// minimizeCost orders the path set: exhaustive permutation search for
// small path counts, simulated-annealing descent otherwise, with a
// fixed RNG seed so layout is deterministic across runs.
func (b *builder) minimizeCost(paths [][]asmgraph.NodeHandle, branches []crossPathBranch) []int {
	n := len(paths)
	identity := make([]int, n)
	for i := range identity {
		identity[i] = i
	}
	if n <= 1 {
		return identity
	}

	if n <= b.prof.PermutationCutover {
		best := identity
		bestCost := b.cost(paths, branches, identity)
		permute(identity, func(p []int) bool {
			c := b.cost(paths, branches, p)
			if c < bestCost {
				bestCost = c
				best = append([]int{}, p...)
			}
			return bestCost == 0
		})
		b.log.Debugw("layout: enumerated permutations", "paths", n, "cost", bestCost)
		return best
	}

	rng := rand.New(rand.NewSource(int64(b.prof.AnnealSeed)))

	best := append([]int{}, identity...)
	bestCost := b.cost(paths, branches, best)

	for i := 0; i < b.prof.AnnealShuffles; i++ {
		cand := append([]int{}, identity...)
		rng.Shuffle(len(cand), func(i, j int) { cand[i], cand[j] = cand[j], cand[i] })
		if c := b.cost(paths, branches, cand); c < bestCost {
			bestCost = c
			best = cand
		}
	}

	for swaps := n; swaps >= 1 && bestCost > 0; swaps-- {
		for attempt := 0; attempt < b.prof.AnnealAttemptsPerSwap; attempt++ {
			cand := append([]int{}, best...)
			for s := 0; s < swaps; s++ {
				i := rng.Intn(n)
				j := rng.Intn(n)
				cand[i], cand[j] = cand[j], cand[i]
			}
			annealSteps.Inc()
			if c := b.cost(paths, branches, cand); c < bestCost {
				bestCost = c
				best = cand
				if bestCost == 0 {
					break
				}
			}
		}
		if bestCost == 0 {
			break
		}
	}

	b.log.Debugw("layout: annealed", "paths", n, "cost", bestCost, "steps", annealSteps.Load())
	return best
}

// permute calls visit with every permutation of a (Heap's algorithm),
// stopping early once visit reports it found a zero-cost ordering.
func permute(a []int, visit func([]int) bool) {
	work := append([]int{}, a...)
	var helper func(k int) bool
	helper = func(k int) bool {
		if k == 1 {
			return visit(work)
		}
		for i := 0; i < k; i++ {
			if helper(k - 1) {
				return true
			}
			if k%2 == 0 {
				work[i], work[k-1] = work[k-1], work[i]
			} else {
				work[0], work[k-1] = work[k-1], work[0]
			}
		}
		return false
	}
	helper(len(work))
}
