package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, src string) (string, InterpretResult) {
	t.Helper()
	v := New()
	var out strings.Builder
	v.Stdout = &out
	result := v.Interpret(src)
	return out.String(), result
}

func TestCounterClosure(t *testing.T) {
	out, result := run(t, `
		fun makeCounter() { var n = 0; fun c() { n = n + 1; print n; } return c; }
		var c = makeCounter(); c(); c(); c();
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "1\n2\n3\n", out)
}

func TestUpvalueSharingAcrossTwoClosures(t *testing.T) {
	out, result := run(t, `
		var a; var b;
		{ var x = 10;
		  fun r() { print x; }
		  fun w(v) { x = v; }
		  a = r; b = w;
		}
		a(); b(42); a();
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "10\n42\n", out)
}

func TestInheritanceAndSuper(t *testing.T) {
	out, result := run(t, `
		class A { greet() { print "A"; } }
		class B < A { greet() { super.greet(); print "B"; } }
		B().greet();
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "A\nB\n", out)
}

func TestInitializerReturnsThisImplicitly(t *testing.T) {
	out, result := run(t, `
		class P { init(x) { this.x = x; } }
		print P(7).x;
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "7\n", out)
}

func TestStringInterningEquality(t *testing.T) {
	out, result := run(t, `print "ab" + "c" == "abc";`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "true\n", out)
}

func TestRuntimeErrorOnBadOperand(t *testing.T) {
	v := New()
	var out strings.Builder
	v.Stdout = &out
	result := v.Interpret(`print "x" - 1;`)
	require.Equal(t, InterpretRuntimeError, result)
	assert.Contains(t, v.LastError(), "Operands must be")
	assert.Contains(t, v.LastError(), "line 1")
}

func TestInheritanceStaticCopyDoesNotPropagateLaterRedefinition(t *testing.T) {
	// INHERIT copies the parent's method table by value at
	// class-definition time, so redefining a method on the parent
	// afterwards does not retroactively affect a child class already
	// declared.
	out, result := run(t, `
		class A { greet() { print "original"; } }
		class B < A {}
		class A { greet() { print "patched"; } }
		B().greet();
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "original\n", out)
}

func TestFieldShadowsMethodOnGet(t *testing.T) {
	out, result := run(t, `
		class Box { value() { return "method"; } }
		var b = Box();
		b.value = "field";
		print b.value;
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "field\n", out)
}

func TestCallingNonCallableIsRuntimeError(t *testing.T) {
	_, result := run(t, `var x = 1; x();`)
	assert.Equal(t, InterpretRuntimeError, result)
}

func TestArityMismatchIsRuntimeError(t *testing.T) {
	_, result := run(t, `fun f(a, b) { return a + b; } f(1);`)
	assert.Equal(t, InterpretRuntimeError, result)
}

func TestUndefinedGlobalIsRuntimeError(t *testing.T) {
	_, result := run(t, `print nope;`)
	assert.Equal(t, InterpretRuntimeError, result)
}

func TestAssigningUndefinedGlobalTwiceErrorsBothTimes(t *testing.T) {
	// SET_GLOBAL probes the undefined name, finds nothing, errors, and
	// cleans up via Delete — which leaves a tombstone in the globals
	// table. A second assignment to the same still-undefined name must
	// not silently succeed by reusing that tombstone slot.
	v := New()
	result := v.Interpret(`x = 1;`)
	require.Equal(t, InterpretRuntimeError, result)
	assert.Contains(t, v.LastError(), "Undefined variable 'x'")

	result = v.Interpret(`x = 2;`)
	require.Equal(t, InterpretRuntimeError, result)
	assert.Contains(t, v.LastError(), "Undefined variable 'x'")
}

func TestDeepRecursionOverflowsAt65(t *testing.T) {
	_, result := run(t, `
		fun recurse(n) { if (n <= 0) return 0; return recurse(n - 1); }
		recurse(100);
	`)
	assert.Equal(t, InterpretRuntimeError, result)
}

func TestClockNativeReturnsNumber(t *testing.T) {
	out, result := run(t, `print clock() >= 0;`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "true\n", out)
}

func TestBoundMethodCallableAfterPropertyRead(t *testing.T) {
	out, result := run(t, `
		class Greeter { hello() { print "hi"; } }
		var g = Greeter();
		var m = g.hello;
		m();
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "hi\n", out)
}

func TestStressGCCollectsOnEveryAllocationWithoutCorruptingLiveState(t *testing.T) {
	// StressGC forces a collection on every single allocation, so any
	// gap in the VM's or compiler's root set (stack, frames, globals,
	// open upvalues, interned strings, in-progress function chain)
	// shows up as a use-after-collection crash or a wrong result here,
	// rather than only under rare real allocation-threshold timing.
	v := New()
	v.Collector().StressGC = true
	var out strings.Builder
	v.Stdout = &out

	result := v.Interpret(`
		class Counter {
			init() { this.n = 0; }
			next() { this.n = this.n + 1; return this.n; }
		}

		fun makeAdder(base) {
			fun add(x) { return base + x; }
			return add;
		}

		var c = Counter();
		var add5 = makeAdder(5);
		var msg = "done";
		for (var i = 0; i < 20; i = i + 1) {
			print add5(c.next());
		}
		print msg;
	`)

	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "6\n7\n8\n9\n10\n11\n12\n13\n14\n15\n16\n17\n18\n19\n20\n21\n22\n23\n24\n25\ndone\n", out.String())
}

func TestInvokeFusesFieldAndCallWhenFieldIsCallable(t *testing.T) {
	out, result := run(t, `
		class Holder {}
		fun greet() { print "from field"; }
		var h = Holder();
		h.fn = greet;
		h.fn();
	`)
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, "from field\n", out)
}
