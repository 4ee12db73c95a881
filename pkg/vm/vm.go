// Package vm implements Sox's call-frame-driven bytecode interpreter:
// a dispatch loop over a value stack, closures with upvalue capture,
// single-inheritance method/super dispatch, and the GC root set the
// VM is responsible for (stack, frames, globals, open upvalues, the
// interned "init" string). One dispatch loop, one value stack, a
// frame-local cached instruction pointer.
package vm

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	gostack "github.com/go-stack/stack"

	"github.com/kristofer/sox/pkg/compiler"
	"github.com/kristofer/sox/pkg/gc"
	"github.com/kristofer/sox/pkg/value"
)

const (
	framesMax = 64
	stackMax  = framesMax * 256
)

// InterpretResult is the tri-state result of interpret/run.
type InterpretResult int

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

// frame is one active call: the closure being executed, a cached
// instruction pointer (an index into the closure's chunk), and the
// base stack slot this call's locals start at.
type frame struct {
	closure *value.ObjClosure
	ip      int
	slots   int // index into vm.stack
}

// VM is Sox's single process-wide interpreter instance.
type VM struct {
	stack    []value.Value
	frames   []frame
	globals  *value.Table
	gc       *gc.Collector
	openUps  *value.ObjUpvalue // head of the open-upvalue list, sorted by descending stack slot
	initStr  *value.ObjString
	lastErr  string
	Stdout   *strings.Builder // nil means write to os.Stdout
}

// New creates a VM with its own collector.
func New() *VM {
	collector := gc.New()
	v := &VM{
		// Capacity is fixed at stackMax and never grows: open upvalues
		// hold raw *Value pointers into this backing array, which a
		// reallocating append would silently invalidate.
		stack:   make([]value.Value, 0, stackMax),
		globals: value.NewTable(),
		gc:      collector,
		initStr: collector.Intern("init"),
	}
	collector.AddRoot(v)
	v.defineNative("clock", clockNative)
	return v
}

// MarkRoots implements gc.RootMarker (spec §4.F's VM root set).
func (v *VM) MarkRoots(collector *gc.Collector) {
	for _, slot := range v.stack {
		collector.MarkValue(slot)
	}
	for _, f := range v.frames {
		collector.MarkObject(f.closure)
	}
	collector.MarkTable(v.globals)
	for up := v.openUps; up != nil; up = up.NextOpen {
		collector.MarkObject(up)
	}
	collector.MarkObject(v.initStr)
}

// Collector exposes the VM's GC instance for embedders (e.g. the cache
// package, which needs to Track deserialised objects).
func (v *VM) Collector() *gc.Collector { return v.gc }

// Globals exposes the globals table for read access (embedding API's
// `globals` accessor, §6).
func (v *VM) Globals() *value.Table { return v.globals }

// Objects exposes the live allocation list (embedding API's `objects`).
func (v *VM) Objects() value.Obj { return v.gc.Objects() }

// Strings exposes the intern table (embedding API's `strings`).
func (v *VM) Strings() *value.Table { return v.gc.Strings }

func (v *VM) defineNative(name string, fn value.NativeFn) {
	nameObj := v.gc.Intern(name)
	native := value.NewObjNative(name, fn)
	v.gc.Track(native)
	v.push(value.ObjValue(nameObj))
	v.push(value.ObjValue(native))
	v.globals.Set(nameObj, v.stack[len(v.stack)-1])
	v.pop()
	v.pop()
}

// Push/Pop/StackTop give collaborators the embedding API's raw stack
// access (§6).
func (v *VM) push(val value.Value) { v.stack = append(v.stack, val) }
func (v *VM) pop() value.Value {
	last := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return last
}
func (v *VM) Push(val value.Value)  { v.push(val) }
func (v *VM) Pop() value.Value      { return v.pop() }
func (v *VM) StackTop() value.Value { return v.peek(0) }

func (v *VM) peek(distance int) value.Value {
	return v.stack[len(v.stack)-1-distance]
}

// DefineNative registers a host callable under name (embedding API's
// `define_native`).
func (v *VM) DefineNative(name string, fn value.NativeFn) { v.defineNative(name, fn) }

// Interpret compiles source and runs it (embedding API's `interpret`).
func (v *VM) Interpret(source string) InterpretResult {
	fn, err := compiler.Compile(source, v.gc, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return InterpretCompileError
	}

	closure := value.NewObjClosure(fn)
	v.gc.Track(closure)
	v.push(value.ObjValue(closure))
	v.callValue(value.ObjValue(closure), 0)

	return v.Run()
}

// SetEntryPoint injects a pre-compiled closure (used by a deserialiser
// restoring a cached chunk) and prepares the initial call frame,
// matching the embedding API's `set_entry_point`.
func (v *VM) SetEntryPoint(closure *value.ObjClosure) {
	v.push(value.ObjValue(closure))
	v.callValue(value.ObjValue(closure), 0)
}

// Run executes whatever entry frame is already on the call stack
// (embedding API's `run`).
func (v *VM) Run() InterpretResult {
	if len(v.frames) == 0 {
		return InterpretOK
	}
	return v.run()
}

func clockNative(args []value.Value) (value.Value, error) {
	return value.NumberValue(float64(time.Now().UnixNano()) / 1e9), nil
}

func (v *VM) currentFrame() *frame { return &v.frames[len(v.frames)-1] }

func (v *VM) readByte() byte {
	f := v.currentFrame()
	b := f.closure.Function.Chunk.Code[f.ip]
	f.ip++
	return b
}

func (v *VM) readShort() int {
	f := v.currentFrame()
	hi := f.closure.Function.Chunk.Code[f.ip]
	lo := f.closure.Function.Chunk.Code[f.ip+1]
	f.ip += 2
	return int(hi)<<8 | int(lo)
}

func (v *VM) readConstant() value.Value {
	idx := v.readByte()
	return v.currentFrame().closure.Function.Chunk.Constants[idx]
}

func (v *VM) readConstantLong() value.Value {
	f := v.currentFrame()
	b0 := f.closure.Function.Chunk.Code[f.ip]
	b1 := f.closure.Function.Chunk.Code[f.ip+1]
	b2 := f.closure.Function.Chunk.Code[f.ip+2]
	f.ip += 3
	idx := int(b0) | int(b1)<<8 | int(b2)<<16
	return f.closure.Function.Chunk.Constants[idx]
}

func (v *VM) readString() *value.ObjString {
	return v.readConstant().AsObj().(*value.ObjString)
}

// run is the dispatch loop.
func (v *VM) run() InterpretResult {
	for {
		if v.gc.StressGC {
			v.gc.Collect()
		}
		op := value.OpCode(v.readByte())

		switch op {
		case value.OpConstant:
			v.push(v.readConstant())
		case value.OpConstantLong:
			v.push(v.readConstantLong())
		case value.OpNil:
			v.push(value.NilValue())
		case value.OpTrue:
			v.push(value.BoolValue(true))
		case value.OpFalse:
			v.push(value.BoolValue(false))
		case value.OpPop:
			v.pop()
		case value.OpGetLocal:
			slot := v.readByte()
			v.push(v.stack[v.currentFrame().slots+int(slot)])
		case value.OpSetLocal:
			slot := v.readByte()
			v.stack[v.currentFrame().slots+int(slot)] = v.peek(0)
		case value.OpDefineGlobal:
			name := v.readString()
			v.globals.Set(name, v.peek(0))
			v.pop()
		case value.OpGetGlobal:
			name := v.readString()
			val, ok := v.globals.Get(name)
			if !ok {
				return v.runtimeError("Undefined variable '%s'.", name.Chars)
			}
			v.push(val)
		case value.OpSetGlobal:
			name := v.readString()
			if v.globals.Set(name, v.peek(0)) {
				v.globals.Delete(name)
				return v.runtimeError("Undefined variable '%s'.", name.Chars)
			}
		case value.OpGetUpvalue:
			slot := v.readByte()
			v.push(v.currentFrame().closure.Upvalues[slot].Get())
		case value.OpSetUpvalue:
			slot := v.readByte()
			v.currentFrame().closure.Upvalues[slot].Set(v.peek(0))
		case value.OpCloseUpvalue:
			v.closeUpvalues(len(v.stack) - 1)
			v.pop()
		case value.OpGetProperty:
			if res, ok := v.getProperty(); !ok {
				return res
			}
		case value.OpSetProperty:
			if res, ok := v.setProperty(); !ok {
				return res
			}
		case value.OpGetSuper:
			name := v.readString()
			superclass := v.pop().AsObj().(*value.ObjClass)
			receiver := v.peek(0) // bindMethod replaces it with the bound method
			if res, ok := v.bindMethod(superclass, name, receiver); !ok {
				return res
			}
		case value.OpEqual:
			b := v.pop()
			a := v.pop()
			v.push(value.BoolValue(value.Equal(a, b)))
		case value.OpGreater:
			if res, ok := v.binaryNumberOp(func(a, b float64) value.Value {
				return value.BoolValue(a > b)
			}); !ok {
				return res
			}
		case value.OpLess:
			if res, ok := v.binaryNumberOp(func(a, b float64) value.Value {
				return value.BoolValue(a < b)
			}); !ok {
				return res
			}
		case value.OpAdd:
			if res, ok := v.add(); !ok {
				return res
			}
		case value.OpSubtract:
			if res, ok := v.binaryNumberOp(func(a, b float64) value.Value {
				return value.NumberValue(a - b)
			}); !ok {
				return res
			}
		case value.OpMultiply:
			if res, ok := v.binaryNumberOp(func(a, b float64) value.Value {
				return value.NumberValue(a * b)
			}); !ok {
				return res
			}
		case value.OpDivide:
			if res, ok := v.binaryNumberOp(func(a, b float64) value.Value {
				return value.NumberValue(a / b)
			}); !ok {
				return res
			}
		case value.OpNot:
			v.push(value.BoolValue(v.pop().IsFalsey()))
		case value.OpNegate:
			if !v.peek(0).IsNumber() {
				return v.runtimeError("Operand must be a number.")
			}
			v.push(value.NumberValue(-v.pop().AsNumber()))
		case value.OpPrint:
			v.writeOutput(v.pop().String() + "\n")
		case value.OpJump:
			offset := v.readShort()
			v.currentFrame().ip += offset
		case value.OpJumpIfFalse:
			offset := v.readShort()
			if v.peek(0).IsFalsey() {
				v.currentFrame().ip += offset
			}
		case value.OpLoop:
			offset := v.readShort()
			v.currentFrame().ip -= offset
		case value.OpCall:
			argCount := int(v.readByte())
			if !v.callValue(v.peek(argCount), argCount) {
				return InterpretRuntimeError
			}
		case value.OpInvoke:
			name := v.readString()
			argCount := int(v.readByte())
			if !v.invoke(name, argCount) {
				return InterpretRuntimeError
			}
		case value.OpSuperInvoke:
			name := v.readString()
			argCount := int(v.readByte())
			superclass := v.pop().AsObj().(*value.ObjClass)
			if !v.invokeFromClass(superclass, name, argCount) {
				return InterpretRuntimeError
			}
		case value.OpClosure:
			fn := v.readConstant().AsObj().(*value.ObjFunction)
			closure := value.NewObjClosure(fn)
			v.gc.Track(closure)
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal := v.readByte()
				index := v.readByte()
				if isLocal != 0 {
					closure.Upvalues[i] = v.captureUpvalue(v.currentFrame().slots + int(index))
				} else {
					closure.Upvalues[i] = v.currentFrame().closure.Upvalues[index]
				}
			}
			v.push(value.ObjValue(closure))
		case value.OpClass:
			name := v.readString()
			class := value.NewObjClass(name)
			v.gc.Track(class)
			v.push(value.ObjValue(class))
		case value.OpInherit:
			superVal := v.peek(1)
			superclass, ok := superVal.AsObj().(*value.ObjClass)
			if !ok || !superVal.IsObj() {
				return v.runtimeError("Superclass must be a class.")
			}
			subclass := v.peek(0).AsObj().(*value.ObjClass)
			superclass.Methods.Each(func(k *value.ObjString, val value.Value) {
				subclass.Methods.Set(k, val)
			})
			v.pop() // pop the subclass; the superclass remains as the "super" local
		case value.OpMethod:
			name := v.readString()
			v.defineMethod(name)
		case value.OpReturn:
			result := v.pop()
			f := v.currentFrame()
			v.closeUpvalues(f.slots)
			v.frames = v.frames[:len(v.frames)-1]
			if len(v.frames) == 0 {
				v.pop()
				return InterpretOK
			}
			v.stack = v.stack[:f.slots]
			v.push(result)
		default:
			return v.runtimeError("Unknown opcode %v.", op)
		}
	}
}

func (v *VM) writeOutput(s string) {
	if v.Stdout != nil {
		v.Stdout.WriteString(s)
		return
	}
	fmt.Fprint(os.Stdout, s)
}

func (v *VM) binaryNumberOp(op func(a, b float64) value.Value) (InterpretResult, bool) {
	if !v.peek(0).IsNumber() || !v.peek(1).IsNumber() {
		return v.runtimeError("Operands must be numbers."), false
	}
	b := v.pop().AsNumber()
	a := v.pop().AsNumber()
	v.push(op(a, b))
	return InterpretOK, true
}

// add implements ADD's overload: numeric add or string concatenation.
func (v *VM) add() (InterpretResult, bool) {
	bVal := v.peek(0)
	aVal := v.peek(1)

	aStr, aIsStr := asString(aVal)
	bStr, bIsStr := asString(bVal)
	switch {
	case aIsStr && bIsStr:
		v.pop()
		v.pop()
		concat := v.gc.Intern(aStr.Chars + bStr.Chars)
		v.push(value.ObjValue(concat))
	case aVal.IsNumber() && bVal.IsNumber():
		b := v.pop().AsNumber()
		a := v.pop().AsNumber()
		v.push(value.NumberValue(a + b))
	default:
		return v.runtimeError("Operands must be two numbers or two strings."), false
	}
	return InterpretOK, true
}

func asString(v value.Value) (*value.ObjString, bool) {
	if !v.IsObj() {
		return nil, false
	}
	s, ok := v.AsObj().(*value.ObjString)
	return s, ok
}

// callValue implements CALL argc's dispatch on the callee's kind.
func (v *VM) callValue(callee value.Value, argCount int) bool {
	if callee.IsObj() {
		switch callee := callee.AsObj().(type) {
		case *value.ObjClosure:
			return v.call(callee, argCount)
		case *value.ObjClass:
			instance := value.NewObjInstance(callee)
			v.gc.Track(instance)
			v.stack[len(v.stack)-argCount-1] = value.ObjValue(instance)
			if initializer, ok := callee.Methods.Get(v.initStr); ok {
				return v.call(initializer.AsObj().(*value.ObjClosure), argCount)
			}
			if argCount != 0 {
				v.runtimeError("Expected 0 arguments but got %d.", argCount)
				return false
			}
			return true
		case *value.ObjBoundMethod:
			v.stack[len(v.stack)-argCount-1] = callee.Receiver
			return v.call(callee.Method, argCount)
		case *value.ObjNative:
			args := v.stack[len(v.stack)-argCount:]
			result, err := callee.Fn(args)
			if err != nil {
				v.runtimeError("%s", err.Error())
				return false
			}
			v.stack = v.stack[:len(v.stack)-argCount-1]
			v.push(result)
			return true
		}
	}
	v.runtimeError("Can only call functions and classes.")
	return false
}

func (v *VM) call(closure *value.ObjClosure, argCount int) bool {
	if argCount != closure.Function.Arity {
		v.runtimeError("Expected %d arguments but got %d.", closure.Function.Arity, argCount)
		return false
	}
	if len(v.frames) >= framesMax {
		v.runtimeError("Stack overflow.")
		return false
	}
	v.frames = append(v.frames, frame{
		closure: closure,
		ip:      0,
		slots:   len(v.stack) - argCount - 1,
	})
	return true
}

// invoke fuses property fetch + call: a field holding a callable is
// called directly; otherwise the class method table is consulted.
func (v *VM) invoke(name *value.ObjString, argCount int) bool {
	receiver := v.peek(argCount)
	instance, ok := receiver.AsObj().(*value.ObjInstance)
	if !receiver.IsObj() || !ok {
		v.runtimeError("Only instances have methods.")
		return false
	}
	if field, ok := instance.Fields.Get(name); ok {
		v.stack[len(v.stack)-argCount-1] = field
		return v.callValue(field, argCount)
	}
	return v.invokeFromClass(instance.Class, name, argCount)
}

func (v *VM) invokeFromClass(class *value.ObjClass, name *value.ObjString, argCount int) bool {
	method, ok := class.Methods.Get(name)
	if !ok {
		v.runtimeError("Undefined property '%s'.", name.Chars)
		return false
	}
	return v.call(method.AsObj().(*value.ObjClosure), argCount)
}

// getProperty implements OP_GET_PROPERTY: a field wins over a method;
// a method resolves to a bound method value.
func (v *VM) getProperty() (InterpretResult, bool) {
	receiverVal := v.peek(0)
	instance, ok := receiverVal.AsObj().(*value.ObjInstance)
	if !receiverVal.IsObj() || !ok {
		return v.runtimeError("Only instances have properties."), false
	}
	name := v.readString()
	if val, ok := instance.Fields.Get(name); ok {
		v.pop()
		v.push(val)
		return InterpretOK, true
	}
	return v.bindMethod(instance.Class, name, receiverVal)
}

func (v *VM) bindMethod(class *value.ObjClass, name *value.ObjString, receiver value.Value) (InterpretResult, bool) {
	method, ok := class.Methods.Get(name)
	if !ok {
		return v.runtimeError("Undefined property '%s'.", name.Chars), false
	}
	bound := value.NewObjBoundMethod(receiver, method.AsObj().(*value.ObjClosure))
	v.gc.Track(bound)
	v.pop()
	v.push(value.ObjValue(bound))
	return InterpretOK, true
}

func (v *VM) setProperty() (InterpretResult, bool) {
	receiverVal := v.peek(1)
	instance, ok := receiverVal.AsObj().(*value.ObjInstance)
	if !receiverVal.IsObj() || !ok {
		return v.runtimeError("Only instances have fields."), false
	}
	name := v.readString()
	instance.Fields.Set(name, v.peek(0))
	val := v.pop()
	v.pop()
	v.push(val)
	return InterpretOK, true
}

func (v *VM) defineMethod(name *value.ObjString) {
	method := v.peek(0)
	class := v.peek(1).AsObj().(*value.ObjClass)
	class.Methods.Set(name, method)
	v.pop()
}

// captureUpvalue finds or creates the open upvalue for the stack slot
// at absolute index slot, keeping the open list sorted by descending
// stack address (spec §4.G).
func (v *VM) captureUpvalue(slot int) *value.ObjUpvalue {
	var prev *value.ObjUpvalue
	cur := v.openUps
	for cur != nil && cur.Location != nil && slotIndex(v, cur) > slot {
		prev = cur
		cur = cur.NextOpen
	}
	if cur != nil && cur.Location != nil && slotIndex(v, cur) == slot {
		return cur
	}

	created := value.NewObjUpvalue(&v.stack[slot])
	v.gc.Track(created)
	created.NextOpen = cur
	if prev == nil {
		v.openUps = created
	} else {
		prev.NextOpen = created
	}
	return created
}

// slotIndex recovers the absolute stack index an open upvalue points
// at, via pointer arithmetic over the stack's backing array (the slice
// never reallocates — capacity is fixed at stackMax — so this is safe
// for the VM's lifetime). This mirrors clox's raw pointer-based open
// upvalue list directly, the one place Sox reaches for unsafe.
func slotIndex(v *VM, up *value.ObjUpvalue) int {
	base := unsafe.Pointer(&v.stack[0])
	cur := unsafe.Pointer(up.Location)
	return int((uintptr(cur) - uintptr(base)) / unsafe.Sizeof(value.Value{}))
}

// closeUpvalues closes every open upvalue at or above fromSlot,
// copying the stack value into owned storage and unlinking it.
func (v *VM) closeUpvalues(fromSlot int) {
	for v.openUps != nil && v.openUps.Location != nil && slotIndex(v, v.openUps) >= fromSlot {
		up := v.openUps
		up.Close()
		v.openUps = up.NextOpen
	}
}

// runtimeError formats a stack trace (function name + line per frame,
// top-down), optionally appending a Go-level trace when SOX_DEBUG is
// set, resets the stack, and returns the runtime
// error result.
func (v *VM) runtimeError(format string, args ...interface{}) InterpretResult {
	msg := fmt.Sprintf(format, args...)

	var b strings.Builder
	b.WriteString(msg)
	b.WriteByte('\n')
	for i := len(v.frames) - 1; i >= 0; i-- {
		f := v.frames[i]
		fn := f.closure.Function
		line := 0
		if f.ip-1 >= 0 && f.ip-1 < len(fn.Chunk.Lines) {
			line = fn.Chunk.Lines[f.ip-1]
		}
		name := "script"
		if fn.Name != nil {
			name = fn.Name.Chars + "()"
		}
		fmt.Fprintf(&b, "[line %d] in %s\n", line, name)
	}

	if os.Getenv("SOX_DEBUG") != "" {
		b.WriteString("--- go stack ---\n")
		b.WriteString(gostack.Trace().String())
		b.WriteByte('\n')
	}

	v.lastErr = b.String()
	fmt.Fprint(os.Stderr, v.lastErr)

	v.stack = v.stack[:0]
	v.frames = v.frames[:0]
	v.openUps = nil
	return InterpretRuntimeError
}

// LastError returns the most recently formatted runtime error message,
// for collaborators (tests, the CLI) that want it without parsing stderr.
func (v *VM) LastError() string { return v.lastErr }
