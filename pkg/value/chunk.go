package value

import "fmt"

// OpCode is a single bytecode instruction, including the long-form
// constant-load opcode for constant pools over 255 entries.
type OpCode byte

const (
	OpConstant OpCode = iota
	OpConstantLong
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpDefineGlobal
	OpGetGlobal
	OpSetGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpCloseUpvalue
	OpGetProperty
	OpSetProperty
	OpGetSuper
	OpEqual
	OpGreater
	OpLess
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpNot
	OpNegate
	OpPrint
	OpJump
	OpJumpIfFalse
	OpLoop
	OpCall
	OpInvoke
	OpSuperInvoke
	OpClosure
	OpClass
	OpInherit
	OpMethod
	OpReturn
)

var opcodeNames = map[OpCode]string{
	OpConstant:     "OP_CONSTANT",
	OpConstantLong: "OP_CONSTANT_LONG",
	OpNil:          "OP_NIL",
	OpTrue:         "OP_TRUE",
	OpFalse:        "OP_FALSE",
	OpPop:          "OP_POP",
	OpGetLocal:     "OP_GET_LOCAL",
	OpSetLocal:     "OP_SET_LOCAL",
	OpDefineGlobal: "OP_DEFINE_GLOBAL",
	OpGetGlobal:    "OP_GET_GLOBAL",
	OpSetGlobal:    "OP_SET_GLOBAL",
	OpGetUpvalue:   "OP_GET_UPVALUE",
	OpSetUpvalue:   "OP_SET_UPVALUE",
	OpCloseUpvalue: "OP_CLOSE_UPVALUE",
	OpGetProperty:  "OP_GET_PROPERTY",
	OpSetProperty:  "OP_SET_PROPERTY",
	OpGetSuper:     "OP_GET_SUPER",
	OpEqual:        "OP_EQUAL",
	OpGreater:      "OP_GREATER",
	OpLess:         "OP_LESS",
	OpAdd:          "OP_ADD",
	OpSubtract:     "OP_SUBTRACT",
	OpMultiply:     "OP_MULTIPLY",
	OpDivide:       "OP_DIVIDE",
	OpNot:          "OP_NOT",
	OpNegate:       "OP_NEGATE",
	OpPrint:        "OP_PRINT",
	OpJump:         "OP_JUMP",
	OpJumpIfFalse:  "OP_JUMP_IF_FALSE",
	OpLoop:         "OP_LOOP",
	OpCall:         "OP_CALL",
	OpInvoke:       "OP_INVOKE",
	OpSuperInvoke:  "OP_SUPER_INVOKE",
	OpClosure:      "OP_CLOSURE",
	OpClass:        "OP_CLASS",
	OpInherit:      "OP_INHERIT",
	OpMethod:       "OP_METHOD",
	OpReturn:       "OP_RETURN",
}

func (op OpCode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_UNKNOWN(%d)", byte(op))
}

// MaxConstantsOneByte is the largest constant-pool index the one-byte
// OP_CONSTANT form can address; pools that grow past this must use
// OP_CONSTANT_LONG (spec §4.B).
const MaxConstantsOneByte = 255

// Chunk is an append-only bytecode buffer with a parallel per-byte
// line-number array and a constant pool (component B). Disassembly is
// a pure function of a Chunk (see disassemble.go).
type Chunk struct {
	Code      []byte
	Lines     []int
	Constants []Value
}

func NewChunk() *Chunk {
	return &Chunk{}
}

// WriteByte appends a raw byte, tagging it with the source line it
// came from.
func (c *Chunk) WriteByte(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// WriteOp appends an opcode.
func (c *Chunk) WriteOp(op OpCode, line int) {
	c.WriteByte(byte(op), line)
}

// AddConstant appends v to the constant pool and returns its index.
func (c *Chunk) AddConstant(v Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// ObjFunction is the compiled representation of a Sox function or the
// implicit top-level script function. Immutable once the compiler
// finishes emitting it.
type ObjFunction struct {
	ObjHeader
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
	Name         *ObjString // nil for the top-level script
}

func NewObjFunction() *ObjFunction {
	return &ObjFunction{ObjHeader: ObjHeader{Kind: KindFunction}, Chunk: NewChunk()}
}
