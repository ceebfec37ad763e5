package asminst

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/8bitforge/moscore/internal/locator"
)

func TestClassificationFlags(t *testing.T) {
	assert.True(t, IsBranch(OpBEQ))
	assert.True(t, IsJump(OpJMP))
	assert.True(t, IsReturn(OpRTS))
	assert.True(t, IsSwitch(OpSwitch))
	assert.False(t, IsBranch(OpLDA))
}

func TestInverseOfPairsBranches(t *testing.T) {
	inv, ok := InverseOf(OpBEQ)
	assert.True(t, ok)
	assert.Equal(t, OpBNE, inv)

	inv, ok = InverseOf(OpBNE)
	assert.True(t, ok)
	assert.Equal(t, OpBEQ, inv)

	_, ok = InverseOf(OpJMP)
	assert.False(t, ok)
}

func TestTailCallOpForJSR(t *testing.T) {
	op, ok := TailCallOp(OpJSR)
	assert.True(t, ok)
	assert.Equal(t, OpJMP, op)

	_, ok = TailCallOp(OpRTS)
	assert.False(t, ok)
}

func TestOpSizeGrowsWithAbsoluteMode(t *testing.T) {
	zp := Inst{Op: OpLDA, Mode: ModeZeroPage, Arg: locator.GMember("x")}
	abs := Inst{Op: OpLDA, Mode: ModeAbsolute, Arg: locator.GMember("x")}
	assert.Less(t, OpSize(zp), OpSize(abs))
}

func TestReadsWritesMemFlags(t *testing.T) {
	assert.True(t, Flags(OpLDA)&FlagReadsMem != 0)
	assert.False(t, Flags(OpLDA)&FlagWritesMem != 0)
	assert.True(t, Flags(OpSTA)&FlagWritesMem != 0)
	assert.False(t, Flags(OpSTA)&FlagReadsMem != 0)
	assert.True(t, Flags(OpINC)&FlagReadsMem != 0)
	assert.True(t, Flags(OpINC)&FlagWritesMem != 0)
}

func TestChangeAddrModeDefaultsToRequestedMode(t *testing.T) {
	inst := Inst{Op: OpLDA, Mode: ModeZeroPage, Arg: locator.GMember("x")}
	out := ChangeAddrMode(inst, ModeAbsolute)
	assert.Equal(t, ModeAbsolute, out.Mode)
}

func TestCFGRefKeyRoundTrips(t *testing.T) {
	inst := Inst{Op: OpLabel, Label: "L1", CFGRef: 42, HasCFGRef: true}
	assert.Equal(t, 42, inst.CFGRefKey())

	noRef := Inst{Op: OpLabel, Label: "L2"}
	assert.Nil(t, noRef.CFGRefKey())
}
