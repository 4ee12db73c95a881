package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	assert.True(t, Equal(NilValue(), NilValue()))
	assert.False(t, Equal(NilValue(), BoolValue(false)))
	assert.True(t, Equal(NumberValue(3), NumberValue(3)))
	assert.False(t, Equal(NumberValue(3), NumberValue(4)))
	assert.True(t, Equal(BoolValue(true), BoolValue(true)))

	a := ObjValue(NewObjString("abc"))
	b := ObjValue(NewObjString("abc"))
	// distinct (un-interned) allocations are NOT equal by content;
	// equality is pointer identity, which only coincides with content
	// equality once a string has gone through the intern table.
	assert.False(t, Equal(a, b))
	assert.True(t, Equal(a, a))
}

func TestIsFalsey(t *testing.T) {
	assert.True(t, NilValue().IsFalsey())
	assert.True(t, BoolValue(false).IsFalsey())
	assert.False(t, BoolValue(true).IsFalsey())
	assert.False(t, NumberValue(0).IsFalsey())
	assert.False(t, ObjValue(NewObjString("")).IsFalsey())
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "nil", NilValue().String())
	assert.Equal(t, "true", BoolValue(true).String())
	assert.Equal(t, "3", NumberValue(3).String())
	assert.Equal(t, "3.5", NumberValue(3.5).String())
	assert.Equal(t, "abc", ObjValue(NewObjString("abc")).String())
}

func TestUpvalueOpenClosedSharing(t *testing.T) {
	stackSlot := NumberValue(10)
	up := NewObjUpvalue(&stackSlot)
	require.Equal(t, NumberValue(10), up.Get())

	// writes through the open upvalue are visible on the stack slot
	up.Set(NumberValue(20))
	assert.Equal(t, NumberValue(20), stackSlot)

	up.Close()
	assert.Equal(t, NumberValue(20), up.Get())

	// after closing, writes no longer touch the original stack slot
	up.Set(NumberValue(30))
	assert.Equal(t, NumberValue(20), stackSlot)
	assert.Equal(t, NumberValue(30), up.Get())
}
