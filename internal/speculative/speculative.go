// Package speculative resolves instruction selection's speculatively-
// emitted MAYBE_STORE instructions: a store is cheap to speculate
// during selection but wasteful to keep if nothing ever reads it back,
// so this pass runs a dedicated liveness analysis over just the
// maybe-store targets and promotes or prunes each one.
package speculative

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/liveness"
	"github.com/8bitforge/moscore/internal/locator"
)

// RemoveMaybes builds a locator map from every MAYBE_STORE's Arg and
// Alt, runs liveness.CalcLiveness against it, and reverse-walks each
// block: a maybe-store whose target is live is promoted to a concrete
// STA at absolute addressing mode (with asminst.ChangeAddrMode's
// zero-page fallback; there are no carry variants); one whose target
// is dead is rewritten to
// ASM_PRUNED with its operands cleared.
func RemoveMaybes(fn liveness.FnSummary, g *asmgraph.Graph) {
	RemoveMaybesWithLogger(fn, g, zap.NewNop().Sugar())
}

// RemoveMaybesWithLogger is RemoveMaybes with pass-level Debug logging
// of how many speculative stores were promoted versus pruned.
func RemoveMaybesWithLogger(fn liveness.FnSummary, g *asmgraph.Graph, log *zap.SugaredLogger) {
	lvars := locator.NewLvarMap()
	for _, h := range g.Nodes() {
		for _, inst := range g.Node(h).Code {
			if inst.Op != asminst.OpMaybeStore {
				continue
			}
			lvars.Insert(inst.Arg)
			if inst.HasAlt {
				lvars.Insert(inst.Alt)
			}
		}
	}
	if lvars.Len() == 0 {
		return
	}

	liveness.CalcLivenessWithLogger(g, lvars, fn, log)

	promoted, pruned := 0, 0
	for _, h := range g.Nodes() {
		n := g.Node(h)
		out, ok := n.Out.(*bitset.BitSet)
		if !ok || out == nil {
			continue
		}
		live := out.Clone()

		if n.OutputInst != nil {
			applyTerminatorRW(*n.OutputInst, lvars, fn, live)
		}

		code := n.Code
		for i := len(code) - 1; i >= 0; i-- {
			inst := code[i]

			if inst.Op == asminst.OpMaybeStore {
				idx, tracked := lvars.IndexOf(inst.Arg)
				if tracked && live.Test(uint(idx)) {
					code[i] = promote(inst)
					promoted++
				} else {
					code[i] = asminst.Inst{Op: asminst.OpPruned}
					pruned++
				}
				liveness.DoInstRW(code[i], lvars, fn, nil, false, false, live)
				continue
			}

			if inst.Op == asminst.OpJSR {
				liveness.DoInstRW(inst, lvars, fn, inst.Arg, true, false, live)
				continue
			}

			liveness.DoInstRW(inst, lvars, fn, nil, false, false, live)
		}
		n.Code = code
	}
	log.Debugw("resolved speculative stores", "promoted", promoted, "pruned", pruned)
}

func applyTerminatorRW(term asminst.Inst, lvars *locator.LvarMap, fn liveness.FnSummary, live *bitset.BitSet) {
	switch {
	case term.Op == asminst.OpJSR:
		liveness.DoInstRW(term, lvars, fn, term.Arg, true, false, live)
	case asminst.IsReturn(term.Op):
		liveness.DoInstRW(term, lvars, fn, nil, false, true, live)
	default:
		liveness.DoInstRW(term, lvars, fn, nil, false, false, live)
	}
}

// promote rewrites a speculative store to a concrete STA at absolute
// addressing, running it back through ChangeAddrMode so the op's
// zero-page-only fallback (if any) still applies once the concrete op
// is known.
func promote(inst asminst.Inst) asminst.Inst {
	base := inst
	base.Op = asminst.OpSTA
	return asminst.ChangeAddrMode(base, asminst.ModeAbsolute)
}
