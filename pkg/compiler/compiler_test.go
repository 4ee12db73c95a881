package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/sox/pkg/gc"
	"github.com/kristofer/sox/pkg/value"
)

func compile(t *testing.T, src string) *value.ObjFunction {
	t.Helper()
	collector := gc.New()
	fn, err := Compile(src, collector, false)
	require.NoError(t, err)
	return fn
}

func TestCompileNumberLiteralEmitsConstantAndReturn(t *testing.T) {
	fn := compile(t, "1;")
	ops := opcodes(fn.Chunk)
	assert.Equal(t, []value.OpCode{value.OpConstant, value.OpPop, value.OpNil, value.OpReturn}, ops)
	require.Len(t, fn.Chunk.Constants, 1)
	assert.Equal(t, value.NumberValue(1), fn.Chunk.Constants[0])
}

func TestCompileGlobalVarRoundTrip(t *testing.T) {
	fn := compile(t, "var a = 3; print a;")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpDefineGlobal)
	assert.Contains(t, ops, value.OpGetGlobal)
	assert.Contains(t, ops, value.OpPrint)
}

func TestCompileLocalsResolveWithoutGlobalOps(t *testing.T) {
	fn := compile(t, "{ var a = 1; var b = a + 1; print b; }")
	ops := opcodes(fn.Chunk)
	assert.NotContains(t, ops, value.OpDefineGlobal)
	assert.Contains(t, ops, value.OpGetLocal)
}

func TestCompileSelfReferenceInInitializerIsError(t *testing.T) {
	collector := gc.New()
	_, err := Compile("{ var a = a; }", collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "own initializer")
}

func TestCompileIfElseEmitsJumps(t *testing.T) {
	fn := compile(t, "if (true) { print 1; } else { print 2; }")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpJumpIfFalse)
	assert.Contains(t, ops, value.OpJump)
}

func TestCompileWhileEmitsLoop(t *testing.T) {
	fn := compile(t, "while (false) { print 1; }")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpLoop)
}

func TestCompileForDesugarsToLoop(t *testing.T) {
	fn := compile(t, "for (var i = 0; i < 1; i = i + 1) { print i; }")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpLoop)
	assert.Contains(t, ops, value.OpJumpIfFalse)
}

func TestCompileClosureCapturesUpvalue(t *testing.T) {
	fn := compile(t, `
		fun outer() {
			var x = 1;
			fun inner() { return x; }
			return inner;
		}
	`)
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpClosure)
	// Constants: the global name "outer", then the function itself.
	require.Len(t, fn.Chunk.Constants, 2)
	outerFn, ok := fn.Chunk.Constants[1].AsObj().(*value.ObjFunction)
	require.True(t, ok)
	require.Len(t, outerFn.Chunk.Constants, 1)
	innerFn, ok := outerFn.Chunk.Constants[0].AsObj().(*value.ObjFunction)
	require.True(t, ok)
	assert.Equal(t, 1, innerFn.UpvalueCount)
}

func TestCompileFnKeywordIsSynonymForFun(t *testing.T) {
	fn := compile(t, "fn greet() { return 1; } greet();")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpCall)
}

func TestCompileClassWithMethodsAndInheritance(t *testing.T) {
	fn := compile(t, `
		class Animal {
			speak() { return "..."; }
		}
		class Dog < Animal {
			init() { this.name = "Rex"; }
			speak() { return super.speak(); }
		}
	`)
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpClass)
	assert.Contains(t, ops, value.OpInherit)
	assert.Contains(t, ops, value.OpMethod)

	// super.speak() is compiled into the method's own chunk.
	var methodOps []value.OpCode
	for _, k := range fn.Chunk.Constants {
		if f, ok := k.AsObj().(*value.ObjFunction); ok {
			methodOps = append(methodOps, opcodes(f.Chunk)...)
		}
	}
	assert.Contains(t, methodOps, value.OpSuperInvoke)
}

func TestCompileClassInheritingFromItselfIsError(t *testing.T) {
	collector := gc.New()
	_, err := Compile("class Oops < Oops {}", collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inherit from itself")
}

func TestCompileReturnOutsideFunctionIsError(t *testing.T) {
	collector := gc.New()
	_, err := Compile("return 1;", collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top-level code")
}

func TestCompileReturnValueFromInitializerIsError(t *testing.T) {
	collector := gc.New()
	_, err := Compile("class A { init() { return 1; } }", collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initializer")
}

func TestCompileThisOutsideClassIsError(t *testing.T) {
	collector := gc.New()
	_, err := Compile("print this;", collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'this'")
}

func TestCompileSuperWithoutSuperclassIsError(t *testing.T) {
	collector := gc.New()
	_, err := Compile("class A { m() { super.m(); } }", collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no superclass")
}

func TestCompileTooManyLocalsIsError(t *testing.T) {
	var b strings.Builder
	b.WriteString("{\n")
	for i := 0; i < 257; i++ {
		b.WriteString("var v")
		b.WriteString(itoa(i))
		b.WriteString(" = 0;\n")
	}
	b.WriteString("}\n")

	collector := gc.New()
	_, err := Compile(b.String(), collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Too many local variables")
}

func TestCompileConstantPoolBoundaryUsesLongForm(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString(itoa(i))
		b.WriteString(";\n")
	}
	fn := compile(t, b.String())
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, value.OpConstantLong)
}

func TestCompileTooManyGlobalNamesIsErrorNotWrongIndex(t *testing.T) {
	// Global names go through identifierConstant, which only has a
	// one-byte opcode form (no OP_DEFINE_GLOBAL_LONG): crossing the
	// 256-entry boundary here must fail compilation, not silently wrap
	// to the wrong constant index.
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("var g")
		b.WriteString(itoa(i))
		b.WriteString(" = ")
		b.WriteString(itoa(i))
		b.WriteString(";\n")
	}

	collector := gc.New()
	_, err := Compile(b.String(), collector, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Too many constants in one chunk")
}

func opcodes(c *value.Chunk) []value.OpCode {
	var out []value.OpCode
	i := 0
	for i < len(c.Code) {
		op := value.OpCode(c.Code[i])
		out = append(out, op)
		i += 1 + operandWidth(op)
	}
	return out
}

// operandWidth mirrors the disassembler's notion of instruction length
// so this test file can walk the instruction stream without depending
// on pkg/value/disassemble.go's internals.
func operandWidth(op value.OpCode) int {
	switch op {
	case value.OpConstant, value.OpGetLocal, value.OpSetLocal, value.OpDefineGlobal,
		value.OpGetGlobal, value.OpSetGlobal, value.OpGetUpvalue, value.OpSetUpvalue,
		value.OpGetProperty, value.OpSetProperty, value.OpGetSuper, value.OpCall,
		value.OpClass, value.OpMethod:
		return 1
	case value.OpConstantLong:
		return 3
	case value.OpInvoke, value.OpSuperInvoke:
		return 2
	case value.OpJump, value.OpJumpIfFalse, value.OpLoop:
		return 2
	case value.OpClosure:
		// variable width: handled specially by the disassembler; tests
		// that need exact post-closure offsets don't rely on this table.
		return 1
	default:
		return 0
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
