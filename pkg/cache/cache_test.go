package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/sox/pkg/compiler"
	"github.com/kristofer/sox/pkg/gc"
	"github.com/kristofer/sox/pkg/value"
)

func TestEncodeDecodeRoundTripsFlatChunk(t *testing.T) {
	collector := gc.New()
	fn, err := compiler.Compile(`print "hi" + "!"; print 1 + 2;`, collector, false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, fn.Chunk))

	decodeCollector := gc.New()
	chunk, err := Decode(&buf, decodeCollector)
	require.NoError(t, err)

	assert.Equal(t, fn.Chunk.Code, chunk.Code)
	assert.Equal(t, fn.Chunk.Lines, chunk.Lines)
	require.Len(t, chunk.Constants, len(fn.Chunk.Constants))
	for i, c := range fn.Chunk.Constants {
		assert.Equal(t, c.String(), chunk.Constants[i].String())
	}
}

func TestEncodeDecodeRoundTripsNestedFunction(t *testing.T) {
	collector := gc.New()
	fn, err := compiler.Compile(`
		fun add(a, b) { return a + b; }
		print add(1, 2);
	`, collector, false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, fn.Chunk))

	decodeCollector := gc.New()
	chunk, err := Decode(&buf, decodeCollector)
	require.NoError(t, err)

	var nested *value.ObjFunction
	for _, c := range chunk.Constants {
		if f, ok := c.AsObj().(*value.ObjFunction); ok {
			nested = f
		}
	}
	require.NotNil(t, nested)
	assert.Equal(t, 2, nested.Arity)
	assert.Equal(t, "add", nested.Name.Chars)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	collector := gc.New()
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3, 4, 1, 0, 0, 0}), collector)
	assert.Error(t, err)
}
