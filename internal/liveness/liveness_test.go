package liveness

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"

	"github.com/8bitforge/moscore/internal/asmgraph"
	"github.com/8bitforge/moscore/internal/asminst"
	"github.com/8bitforge/moscore/internal/locator"
)

// fakeFnSummary is a hand-rolled liveness.FnSummary for tests, since
// the real summary is computed by the (out of scope) front end.
type fakeFnSummary struct {
	args         []locator.Locator
	writes       map[string]bool
	calleeArgs   map[interface{}][]locator.Locator
	calleeReads  map[interface{}]map[string]bool
	calleeWrites map[interface{}]map[string]bool
}

func (f *fakeFnSummary) Args() []locator.Locator { return f.args }
func (f *fakeFnSummary) Writes(member string) bool { return f.writes[member] }
func (f *fakeFnSummary) CalleeArgs(callee interface{}) []locator.Locator {
	return f.calleeArgs[callee]
}
func (f *fakeFnSummary) CalleeReads(callee interface{}, member string) bool {
	return f.calleeReads[callee][member]
}
func (f *fakeFnSummary) CalleeWrites(callee interface{}, member string) bool {
	return f.calleeWrites[callee][member]
}

// TestCalcLivenessFixedPoint checks the backward dataflow fixed point
// on a two-block function: the entry block writes a global before
// falling through to the exit block, which reads it back. x must be
// live into the exit block and dead into the entry block (the write
// shadows any liveness flowing backward across it).
func TestCalcLivenessFixedPoint(t *testing.T) {
	g := asmgraph.NewGraph("entry")
	entry := g.NewNode()
	exit := g.NewNode()

	x := locator.GMember("x")
	g.Node(entry).Code = []asminst.Inst{{Op: asminst.OpSTA, Arg: x}}
	g.AddOutput(entry, exit, asmgraph.OutEdge{})
	g.Node(exit).Code = []asminst.Inst{{Op: asminst.OpLDA, Arg: x}}
	g.Node(exit).OutputInst = &asminst.Inst{Op: asminst.OpRTS}

	lvars := locator.NewLvarMap()
	lvars.Insert(x)
	fn := &fakeFnSummary{writes: map[string]bool{}}

	CalcLiveness(g, lvars, fn)

	xi, _ := lvars.IndexOf(x)
	exitIn := g.Node(exit).In.(*bitset.BitSet)
	entryIn := g.Node(entry).In.(*bitset.BitSet)
	entryOut := g.Node(entry).Out.(*bitset.BitSet)

	assert.True(t, exitIn.Test(uint(xi)), "exit block must have x live-in: it reads x before any write")
	assert.False(t, entryIn.Test(uint(xi)), "entry block kills x before any use, so it must not be live-in")
	assert.True(t, entryOut.Test(uint(xi)), "entry's live-out must equal the union of its successors' live-in")
}

// TestBuildLvarsInterferesSimultaneouslyLive checks that two locals
// both live out of the same block gain an interference edge, while a
// local that's never simultaneously live with either does not.
func TestBuildLvarsInterferesSimultaneouslyLive(t *testing.T) {
	g := asmgraph.NewGraph("entry")
	entry := g.NewNode()
	exit := g.NewNode()

	x := locator.GMember("x")
	y := locator.GMember("y")
	z := locator.GMember("z")

	g.AddOutput(entry, exit, asmgraph.OutEdge{})
	g.Node(entry).OutputInst = &asminst.Inst{Op: asminst.OpJMP}

	// exit reads both x and y before returning; z is never touched
	// anywhere in the function, so it can't interfere with either.
	g.Node(exit).Code = []asminst.Inst{
		{Op: asminst.OpLDA, Arg: y},
		{Op: asminst.OpLDA, Arg: x},
	}
	g.Node(exit).OutputInst = &asminst.Inst{Op: asminst.OpRTS}

	lvars := locator.NewLvarMap()
	lvars.Insert(x)
	lvars.Insert(y)
	lvars.Insert(z)

	fn := &fakeFnSummary{writes: map[string]bool{}}

	ig := BuildLvars(fn, g, lvars)
	assert.True(t, ig.Interferes(x, y), "x and y are both live across entry's edge into exit")
	assert.False(t, ig.Interferes(x, z), "z is never live anywhere, so it can't interfere with x")
}
