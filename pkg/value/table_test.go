package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableSetGetDelete(t *testing.T) {
	tbl := NewTable()
	k1 := NewObjString("a")
	k2 := NewObjString("b")

	isNew := tbl.Set(k1, NumberValue(1))
	assert.True(t, isNew)
	isNew = tbl.Set(k1, NumberValue(2))
	assert.False(t, isNew)

	v, ok := tbl.Get(k1)
	require.True(t, ok)
	assert.Equal(t, NumberValue(2), v)

	_, ok = tbl.Get(k2)
	assert.False(t, ok)

	assert.True(t, tbl.Delete(k1))
	_, ok = tbl.Get(k1)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Count())
}

func TestTableGrowsAndKeepsAllEntries(t *testing.T) {
	tbl := NewTable()
	keys := make([]*ObjString, 0, 100)
	for i := 0; i < 100; i++ {
		k := NewObjString(string(rune('a' + i%26)) + string(rune(i)))
		keys = append(keys, k)
		tbl.Set(k, NumberValue(float64(i)))
	}
	for i, k := range keys {
		v, ok := tbl.Get(k)
		require.True(t, ok)
		assert.Equal(t, NumberValue(float64(i)), v)
	}
	assert.Equal(t, 100, tbl.Count())
}

func TestTableTombstoneAllowsContinuedProbing(t *testing.T) {
	tbl := NewTable()
	a := NewObjString("a")
	b := NewObjString("b")
	c := NewObjString("c")
	tbl.Set(a, NumberValue(1))
	tbl.Set(b, NumberValue(2))
	tbl.Set(c, NumberValue(3))

	tbl.Delete(a)

	v, ok := tbl.Get(b)
	require.True(t, ok)
	assert.Equal(t, NumberValue(2), v)
	v, ok = tbl.Get(c)
	require.True(t, ok)
	assert.Equal(t, NumberValue(3), v)
}

func TestTableSetReusingTombstoneReportsNewAndCountsLive(t *testing.T) {
	tbl := NewTable()
	a := NewObjString("a")
	b := NewObjString("b")

	tbl.Set(a, NumberValue(1))
	require.True(t, tbl.Delete(a))
	assert.Equal(t, 0, tbl.Count())

	// b's insertion may or may not land on a's tombstone slot depending
	// on hash placement, but Set must report "new" and Count must
	// reflect it either way.
	isNew := tbl.Set(b, NumberValue(2))
	assert.True(t, isNew)
	assert.Equal(t, 1, tbl.Count())

	v, ok := tbl.Get(b)
	require.True(t, ok)
	assert.Equal(t, NumberValue(2), v)
}

func TestFindInterned(t *testing.T) {
	tbl := NewTable()
	s := NewObjString("hello")
	tbl.Set(s, BoolValue(true))

	found := tbl.FindInterned("hello", HashString("hello"))
	assert.Same(t, s, found)

	assert.Nil(t, tbl.FindInterned("nope", HashString("nope")))
}
