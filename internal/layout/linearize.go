package layout

import (
	"fmt"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/locator"
)

// ToLinear walks order, assigning every node a sequential position,
// and emits a flat asm_inst stream. A label
// is only materialized when something other than straight-line
// fall-through can reach the node; jumps and branches are elided
// whenever their target already sits at the next position, and a
// two-output terminator whose first (not second) target is next is
// rewritten to its logical inverse so the fall-through still lines up.
func ToLinear(g *asmgraph.Graph, order []asmgraph.NodeHandle) []asminst.Inst {
	pos := make(map[asmgraph.NodeHandle]int, len(order))
	for i, h := range order {
		pos[h] = i
	}

	label := make(map[asmgraph.NodeHandle]string, len(order))
	for i, h := range order {
		n := g.Node(h)
		if n.HasLabel {
			label[h] = n.Label
		} else {
			label[h] = fmt.Sprintf("__L%d", i)
		}
	}

	var out []asminst.Inst
	var switchNodes []asmgraph.NodeHandle

	for idx, h := range order {
		n := g.Node(h)
		if needsLabel(g, n, pos, idx) {
			out = append(out, asminst.Inst{Op: asminst.OpLabel, Label: label[h]})
		}
		out = append(out, n.Code...)

		if n.OutputInst == nil {
			continue
		}
		term := *n.OutputInst

		switch {
		case asminst.IsSwitch(term.Op):
			minC, _ := switchRange(n)
			adjusted := term
			adjusted.CaseValue = -minC
			adjusted.Arg = locator.Label(switchLoName(idx))
			out = append(out, adjusted)
			switchNodes = append(switchNodes, h)

		case asminst.IsReturn(term.Op) || len(n.Outputs) == 0:
			out = append(out, term)

		case len(n.Outputs) == 1:
			target := n.Outputs[0].Target
			if pos[target] != idx+1 {
				jmp := term
				jmp.Label = label[target]
				out = append(out, jmp)
			}

		case len(n.Outputs) == 2:
			out = append(out, linearizeBranch(term, n, idx, pos, label)...)
		}
	}

	for _, h := range switchNodes {
		out = append(out, emitSwitchTable(g, h, pos[h], label)...)
	}

	return out
}

// needsLabel decides whether node h (at position idx) must carry an
// explicit label: multiple inputs, a predecessor that isn't the
// immediately preceding node in the chosen order, the graph's entry
// label, or a predecessor whose terminator is a switch (switch targets
// are never implicit fall-throughs).
func needsLabel(g *asmgraph.Graph, n *asmgraph.Node, pos map[asmgraph.NodeHandle]int, idx int) bool {
	if len(n.Inputs) >= 2 {
		return true
	}
	if n.HasLabel && n.Label == g.EntryLabel() {
		return true
	}
	for _, in := range n.Inputs {
		if pos[in] != idx-1 {
			return true
		}
		if pn := g.Node(in); pn.OutputInst != nil && asminst.IsSwitch(pn.OutputInst.Op) {
			return true
		}
	}
	return false
}

// linearizeBranch handles the two-output case: keep the branch as
// written if its second (originally fall-through) target is next;
// otherwise its first target must be next (path cover usually makes
// one of the two adjacent), so invert the condition and aim it at the
// second target, letting the first fall through. If neither target is
// next — both landed on other paths, which can happen for synthesized
// single-node paths such as asmopt's tail-merge blocks — fall back to
// an explicit branch plus an unconditional jump.
func linearizeBranch(term asminst.Inst, n *asmgraph.Node, idx int, pos map[asmgraph.NodeHandle]int, label map[asmgraph.NodeHandle]string) []asminst.Inst {
	t0, t1 := n.Outputs[0].Target, n.Outputs[1].Target

	if pos[t1] == idx+1 {
		b := term
		b.Label = label[t0]
		return []asminst.Inst{b}
	}
	if pos[t0] == idx+1 {
		b := term
		if inv, ok := asminst.InverseOf(term.Op); ok {
			b.Op = inv
		}
		b.Label = label[t1]
		return []asminst.Inst{b}
	}

	b := term
	b.Label = label[t0]
	return []asminst.Inst{b, {Op: asminst.OpJMP, Label: label[t1]}}
}

// switchRange returns the minimum and maximum case values among n's
// switch outputs.
func switchRange(n *asmgraph.Node) (min, max int) {
	first := true
	for _, e := range n.Outputs {
		if !e.HasCase {
			continue
		}
		if first || e.CaseValue < min {
			min = e.CaseValue
		}
		if first || e.CaseValue > max {
			max = e.CaseValue
		}
		first = false
	}
	return
}

func switchLoName(idx int) string { return fmt.Sprintf("__switch_lo_%d", idx) }
func switchHiName(idx int) string { return fmt.Sprintf("__switch_hi_%d", idx) }

// emitSwitchTable emits the split lo/hi table format: two labels,
// each followed by one ASM_DATA entry per case slot holding
// the low or high byte of (target_label - 1) — the 6502 indirect-
// jump-via-RTS trick. CaseValue on the emitted ASM_DATA marks which
// half of the address this entry contributes (0 = lo, 1 = hi); the
// emitter resolves the actual arithmetic once labels are assigned
// addresses.
func emitSwitchTable(g *asmgraph.Graph, h asmgraph.NodeHandle, idx int, label map[asmgraph.NodeHandle]string) []asminst.Inst {
	n := g.Node(h)
	minC, maxC := switchRange(n)

	byCase := make(map[int]asmgraph.NodeHandle, len(n.Outputs))
	for _, e := range n.Outputs {
		if e.HasCase {
			byCase[e.CaseValue] = e.Target
		}
	}

	var out []asminst.Inst
	out = append(out, asminst.Inst{Op: asminst.OpLabel, Label: switchLoName(idx)})
	for c := minC; c <= maxC; c++ {
		var lbl string
		if t, ok := byCase[c]; ok {
			lbl = label[t]
		}
		out = append(out, asminst.Inst{Op: asminst.OpData, Label: lbl, CaseValue: 0})
	}
	out = append(out, asminst.Inst{Op: asminst.OpLabel, Label: switchHiName(idx)})
	for c := minC; c <= maxC; c++ {
		var lbl string
		if t, ok := byCase[c]; ok {
			lbl = label[t]
		}
		out = append(out, asminst.Inst{Op: asminst.OpData, Label: lbl, CaseValue: 1})
	}
	return out
}
