package ssa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminator(t *testing.T) {
	assert.True(t, IsTerminator(OpIf))
	assert.True(t, IsTerminator(OpReturn))
	assert.False(t, IsTerminator(OpAdd))
	assert.False(t, IsTerminator(OpFnCall))
}

func TestFlagsForPureArithmeticAreEmpty(t *testing.T) {
	assert.Equal(t, Flag(0), Flags(OpAdd))
	assert.Equal(t, Flag(0), Flags(OpEq))
}

func TestFlagsForStoresAreImpureAndWriteGlobals(t *testing.T) {
	f := Flags(OpStoreGlobal)
	assert.True(t, f&Impure != 0)
	assert.True(t, f&WriteGlobals != 0)
	assert.True(t, f&Arg0Orders != 0)
}

func TestFlagsForFnCallIsImpureOrderedNotWriteGlobals(t *testing.T) {
	f := Flags(OpFnCall)
	assert.True(t, f&Impure != 0)
	assert.True(t, f&Arg0Orders != 0)
	assert.False(t, f&WriteGlobals != 0)
}

func TestInput0ClassForHiLoIsLink(t *testing.T) {
	assert.Equal(t, ClassLink, Input0Class(OpHi))
	assert.Equal(t, ClassLink, Input0Class(OpLo))
}

func TestInput0ClassForMemoryOpsIsOrder(t *testing.T) {
	assert.Equal(t, ClassOrder, Input0Class(OpLoadGlobal))
	assert.Equal(t, ClassOrder, Input0Class(OpStoreField))
}

func TestInput0ClassDefaultIsValue(t *testing.T) {
	assert.Equal(t, ClassValue, Input0Class(OpAdd))
	assert.Equal(t, ClassValue, Input0Class(OpReturn))
}

func TestInputClassOfNonZeroSlotIsAlwaysValue(t *testing.T) {
	assert.Equal(t, ClassValue, InputClassOf(OpStoreGlobal, 1))
	assert.Equal(t, ClassValue, InputClassOf(OpHi, 1))
}

func TestOpStringCoversNamedOps(t *testing.T) {
	assert.Equal(t, "Add", OpAdd.String())
	assert.Equal(t, "FnCall", OpFnCall.String())
	assert.Equal(t, "Op(?)", Op(9999).String())
}
