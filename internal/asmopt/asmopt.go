// Package asmopt runs the four assembly-graph cleanup passes to a
// fixpoint: stub removal, branch-to-jump collapsing, tail-return
// merging, and a local peephole rewrite. One fixed driver order is
// all this core ever needs, so unlike the original PassManager there's
// no generic Pass interface here — that indirection would serve a
// multi-pipeline use case this package doesn't have.
package asmopt

import (
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
)

// Optimize runs stub removal, branch->jump collapsing, tail-return
// merging, and peephole rewriting in that order, repeating the whole
// cycle until none of the four change anything. Running Optimize
// twice in a row is idempotent.
func Optimize(g *asmgraph.Graph) {
	optimizeWith(g, zap.NewNop().Sugar())
}

// OptimizeWithLogger is Optimize with pass-level Debug logging, for
// drivers that want visibility into which sub-pass fired.
func OptimizeWithLogger(g *asmgraph.Graph, log *zap.SugaredLogger) {
	optimizeWith(g, log)
}

func optimizeWith(g *asmgraph.Graph, log *zap.SugaredLogger) {
	for {
		changed := removeStubs(g, log)
		changed = collapseBranchToJump(g, log) || changed
		changed = mergeTailReturns(g, log) || changed
		changed = peephole(g, log) || changed
		if !changed {
			return
		}
	}
}

// removeStubs deletes a block whose code is empty and either it has
// no inputs, or it has exactly one non-self output — in the latter
// case every predecessor is redirected to the surviving successor
// first. The entry block is exempt.
func removeStubs(g *asmgraph.Graph, log *zap.SugaredLogger) bool {
	changed := false
	for _, h := range g.Nodes() {
		n := g.Node(h)
		if len(n.Code) != 0 {
			continue
		}
		if n.HasLabel && n.Label == g.EntryLabel() {
			continue
		}

		if len(n.Inputs) == 0 {
			g.Prune(h)
			changed = true
			continue
		}

		nonSelf := nonSelfOutputs(n, h)
		if len(nonSelf) != 1 {
			continue
		}
		succ := nonSelf[0]

		for _, pred := range append([]asmgraph.NodeHandle{}, n.Inputs...) {
			if pred == h {
				continue
			}
			pn := g.Node(pred)
			for slot, e := range pn.Outputs {
				if e.Target == h {
					g.ReplaceOutput(pred, slot, succ)
				}
			}
		}
		g.Prune(h)
		changed = true
		log.Debugw("removed stub block", "successor", succ)
	}
	return changed
}

func nonSelfOutputs(n *asmgraph.Node, self asmgraph.NodeHandle) []asmgraph.NodeHandle {
	seen := map[asmgraph.NodeHandle]bool{}
	var out []asmgraph.NodeHandle
	for _, e := range n.Outputs {
		if e.Target == self || seen[e.Target] {
			continue
		}
		seen[e.Target] = true
		out = append(out, e.Target)
	}
	return out
}

// collapseBranchToJump rewrites a terminator with >=2 outputs all
// pointing at the same target into a single unconditional jump.
func collapseBranchToJump(g *asmgraph.Graph, log *zap.SugaredLogger) bool {
	changed := false
	for _, h := range g.Nodes() {
		n := g.Node(h)
		if n.OutputInst == nil || len(n.Outputs) < 2 {
			continue
		}
		if asminst.IsSwitch(n.OutputInst.Op) {
			continue
		}
		target := n.Outputs[0].Target
		same := true
		for _, e := range n.Outputs[1:] {
			if e.Target != target {
				same = false
				break
			}
		}
		if !same {
			continue
		}

		for i := len(n.Outputs) - 1; i >= 1; i-- {
			g.RemoveOutput(h, i)
		}
		jmp := asminst.Inst{Op: asminst.OpJMP}
		n.OutputInst = &jmp
		changed = true
		log.Debugw("collapsed branch to jump", "target", target)
	}
	return changed
}

// mergeTailReturns first folds an RTS terminator preceded by a
// tail-callable instruction into that tail-call form, then finds
// pairs of return blocks sharing a code suffix and factors it into a
// shared successor block.
func mergeTailReturns(g *asmgraph.Graph, log *zap.SugaredLogger) bool {
	changed := false

	var returns []asmgraph.NodeHandle
	for _, h := range g.Nodes() {
		n := g.Node(h)
		if len(n.Outputs) == 0 {
			returns = append(returns, h)
		}
	}

	for _, h := range returns {
		n := g.Node(h)
		if n.OutputInst == nil || !asminst.IsReturn(n.OutputInst.Op) || len(n.Code) == 0 {
			continue
		}
		last := n.Code[len(n.Code)-1]
		if tailOp, ok := asminst.TailCallOp(last.Op); ok {
			retarget := last
			retarget.Op = tailOp
			n.OutputInst = &retarget
			n.Code = n.Code[:len(n.Code)-1]
			changed = true
			log.Debugw("folded tail call", "op", tailOp)
		}
	}

	for i := 0; i < len(returns); i++ {
		a := g.Node(returns[i])
		if a.OutputInst == nil {
			continue
		}
		for j := i + 1; j < len(returns); j++ {
			b := g.Node(returns[j])
			if b.OutputInst == nil {
				continue
			}
			if asminst.IsSwitch(a.OutputInst.Op) || asminst.IsSwitch(b.OutputInst.Op) {
				continue
			}
			if a.OutputInst.Op != b.OutputInst.Op {
				continue
			}

			suffixLen := commonSuffixLen(a.Code, b.Code)
			if suffixLen < 2 {
				continue
			}

			suffix := append([]asminst.Inst{}, a.Code[len(a.Code)-suffixLen:]...)
			term := *a.OutputInst

			newNode := g.Node(g.NewNode())
			newNode.Code = suffix
			newNode.OutputInst = &term
			newH := newNode.Handle()

			a.Code = a.Code[:len(a.Code)-suffixLen]
			b.Code = b.Code[:len(b.Code)-suffixLen]
			jmpA := asminst.Inst{Op: asminst.OpJMP}
			jmpB := asminst.Inst{Op: asminst.OpJMP}
			a.OutputInst = &jmpA
			b.OutputInst = &jmpB
			g.AddOutput(returns[i], newH, asmgraph.OutEdge{})
			g.AddOutput(returns[j], newH, asmgraph.OutEdge{})

			changed = true
			log.Debugw("merged tail-return suffix", "length", suffixLen)
		}
	}
	return changed
}

func commonSuffixLen(a, b []asminst.Inst) int {
	n := 0
	for n < len(a) && n < len(b) && instEqual(a[len(a)-1-n], b[len(b)-1-n]) {
		n++
	}
	return n
}

func instEqual(a, b asminst.Inst) bool {
	return a.Op == b.Op && a.Mode == b.Mode && a.Arg == b.Arg && a.Alt == b.Alt && a.HasAlt == b.HasAlt
}

// peephole runs the local instruction-vector rewriter over every
// node's code, matching adjacent-op patterns against 6502
// addressing-mode redundancies.
func peephole(g *asmgraph.Graph, log *zap.SugaredLogger) bool {
	changed := false
	for _, h := range g.Nodes() {
		n := g.Node(h)
		rewritten, did := peepholeRewrite(n.Code)
		if did {
			n.Code = rewritten
			changed = true
		}
	}
	if changed {
		log.Debugw("peephole rewrote code")
	}
	return changed
}

// peepholeRewrite applies one left-to-right pass of adjacent-op
// rewrite rules: load-then-store-same-address elision, store-then-
// reload elision, and cancellation of two identical EORs. It has no
// compare-after-load rule; branch-to-next-instruction is handled at the
// graph level, not here.
func peepholeRewrite(code []asminst.Inst) ([]asminst.Inst, bool) {
	out := make([]asminst.Inst, 0, len(code))
	changed := false

	for i := 0; i < len(code); i++ {
		cur := code[i]

		if i+1 < len(code) {
			next := code[i+1]

			// LDA x; STA x is a no-op round trip.
			if cur.Op == asminst.OpLDA && next.Op == asminst.OpSTA &&
				cur.Arg == next.Arg && cur.Mode == next.Mode {
				out = append(out, cur)
				i++
				changed = true
				continue
			}

			// STA x; LDA x: the accumulator already holds the value
			// just stored, the reload is redundant.
			if cur.Op == asminst.OpSTA && next.Op == asminst.OpLDA &&
				cur.Arg == next.Arg && cur.Mode == next.Mode {
				out = append(out, cur)
				i++
				changed = true
				continue
			}

			// EOR x; EOR x: double negation cancels.
			if cur.Op == asminst.OpEOR && next.Op == asminst.OpEOR &&
				cur.Arg == next.Arg && cur.Mode == next.Mode {
				i++
				changed = true
				continue
			}
		}

		out = append(out, cur)
	}
	return out, changed
}
