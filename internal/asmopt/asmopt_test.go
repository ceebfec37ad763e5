package asmopt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/locator"
)

// TestStubRemovalMergesLabelSplit checks LABEL L1; NOP; JMP L2; LABEL
// L2; RTS. The dead preamble before L1 and the empty jump stub the
// builder opens between JMP L2 and LABEL L2 both have no inputs and
// vanish under stub removal, leaving exactly the two blocks the source
// actually named: L1 (NOP, then a jump) falling straight through to L2
// (bare RTS) — linearization later elides that jump into a
// fall-through, yielding a single "NOP; RTS" instruction sequence.
func TestStubRemovalMergesLabelSplit(t *testing.T) {
	b := asmgraph.NewBuilder("L1")
	b.AppendCode([]asminst.Inst{
		{Op: asminst.OpLabel, Label: "L1"},
		{Op: asminst.OpNop},
		{Op: asminst.OpJMP, Label: "L2"},
		{Op: asminst.OpLabel, Label: "L2"},
		{Op: asminst.OpRTS},
	}, nil)
	g := b.FinishAppending()

	Optimize(g)

	nodes := g.Nodes()
	require.Len(t, nodes, 2)

	l1 := g.Node(nodes[0])
	require.Len(t, l1.Code, 1)
	assert.Equal(t, asminst.OpNop, l1.Code[0].Op)
	require.NotNil(t, l1.OutputInst)
	assert.Equal(t, asminst.OpJMP, l1.OutputInst.Op)
	require.Len(t, l1.Outputs, 1)

	l2 := g.Node(l1.Outputs[0].Target)
	assert.Empty(t, l2.Code)
	require.NotNil(t, l2.OutputInst)
	assert.Equal(t, asminst.OpRTS, l2.OutputInst.Op)
}

// TestBranchToJumpCollapsesEqualTargets checks a two-output terminator
// whose outputs converge on the same block becomes one jump.
func TestBranchToJumpCollapsesEqualTargets(t *testing.T) {
	g := asmgraph.NewGraph("entry")
	entry := g.NewNode()
	target := g.NewNode()
	beq := asminst.Inst{Op: asminst.OpBEQ}
	g.Node(entry).OutputInst = &beq
	g.AddOutput(entry, target, asmgraph.OutEdge{})
	g.AddOutput(entry, target, asmgraph.OutEdge{})
	g.Node(target).OutputInst = &asminst.Inst{Op: asminst.OpRTS}

	changed := collapseBranchToJump(g, zap.NewNop().Sugar())
	assert.True(t, changed)
	assert.Len(t, g.Node(entry).Outputs, 1)
	assert.Equal(t, asminst.OpJMP, g.Node(entry).OutputInst.Op)
}

// TestTailReturnMergeFactorsSharedSuffix checks two blocks ending in
// the same bare return get merged into one shared return block.
func TestTailReturnMergeFactorsSharedSuffix(t *testing.T) {
	g := asmgraph.NewGraph("entry")
	a := g.NewNode()
	b := g.NewNode()

	addr := locator.GMember("zp0")
	g.Node(a).Code = []asminst.Inst{
		{Op: asminst.OpLDA, Arg: locator.Minor(1)},
		{Op: asminst.OpLDX, Arg: locator.GMember("idx")},
		{Op: asminst.OpSTA, Arg: addr},
	}
	g.Node(a).OutputInst = &asminst.Inst{Op: asminst.OpRTS}

	g.Node(b).Code = []asminst.Inst{
		{Op: asminst.OpLDA, Arg: locator.Minor(2)},
		{Op: asminst.OpLDX, Arg: locator.GMember("idx")},
		{Op: asminst.OpSTA, Arg: addr},
	}
	g.Node(b).OutputInst = &asminst.Inst{Op: asminst.OpRTS}

	changed := mergeTailReturns(g, zap.NewNop().Sugar())
	require.True(t, changed)

	require.Len(t, g.Node(a).Code, 1)
	assert.Equal(t, locator.Minor(1), g.Node(a).Code[0].Arg)
	require.Len(t, g.Node(b).Code, 1)
	assert.Equal(t, locator.Minor(2), g.Node(b).Code[0].Arg)

	require.Len(t, g.Node(a).Outputs, 1)
	require.Len(t, g.Node(b).Outputs, 1)
	assert.Equal(t, g.Node(a).Outputs[0].Target, g.Node(b).Outputs[0].Target)

	shared := g.Node(g.Node(a).Outputs[0].Target)
	require.Len(t, shared.Code, 2)
	assert.Equal(t, asminst.OpLDX, shared.Code[0].Op)
	assert.Equal(t, asminst.OpSTA, shared.Code[1].Op)
	assert.Equal(t, asminst.OpRTS, shared.OutputInst.Op)
}

// TestPeepholeElidesRedundantReload checks STA x; LDA x drops the
// reload since the accumulator already holds the stored value.
func TestPeepholeElidesRedundantReload(t *testing.T) {
	addr := locator.GMember("x")
	code := []asminst.Inst{
		{Op: asminst.OpSTA, Arg: addr},
		{Op: asminst.OpLDA, Arg: addr},
		{Op: asminst.OpRTS},
	}
	rewritten, changed := peepholeRewrite(code)
	require.True(t, changed)
	require.Len(t, rewritten, 2)
	assert.Equal(t, asminst.OpSTA, rewritten[0].Op)
	assert.Equal(t, asminst.OpRTS, rewritten[1].Op)
}

// TestPeepholeCancelsDoubleEOR checks EOR x; EOR x vanishes entirely.
func TestPeepholeCancelsDoubleEOR(t *testing.T) {
	addr := locator.GMember("mask")
	code := []asminst.Inst{
		{Op: asminst.OpEOR, Arg: addr},
		{Op: asminst.OpEOR, Arg: addr},
	}
	rewritten, changed := peepholeRewrite(code)
	assert.True(t, changed)
	assert.Empty(t, rewritten)
}

// TestOptimizeIsIdempotent verifies running the whole four-pass
// fixpoint twice leaves the node count unchanged the second time.
func TestOptimizeIsIdempotent(t *testing.T) {
	b := asmgraph.NewBuilder("L1")
	b.AppendCode([]asminst.Inst{
		{Op: asminst.OpLabel, Label: "L1"},
		{Op: asminst.OpNop},
		{Op: asminst.OpJMP, Label: "L2"},
		{Op: asminst.OpLabel, Label: "L2"},
		{Op: asminst.OpRTS},
	}, nil)
	g := b.FinishAppending()

	Optimize(g)
	firstCount := len(g.Nodes())
	Optimize(g)
	assert.Equal(t, firstCount, len(g.Nodes()))
}
