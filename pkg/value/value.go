// Package value implements Sox's tagged value union and heap-object
// graph (component C), plus the bytecode chunk that object functions
// own (component B). The two live in one package because an ObjFunction
// owns a *Chunk and a Chunk's constant pool holds Values that may in
// turn be object references — the mutual dependency is the same reason
// clox keeps them in one translation unit.
package value

import "fmt"

// Type is the tag of a Value's variant.
type Type uint8

const (
	Nil Type = iota
	Bool
	Number
	ObjectType
)

// Value is Sox's tagged union: nil, boolean, IEEE-754 double, or a
// pointer into the GC heap. Equality is structural for the scalar
// variants and pointer-identity for Obj (sufficient for strings
// because of interning).
type Value struct {
	Type Type
	boolean bool
	number  float64
	obj     Obj
}

func NilValue() Value                 { return Value{Type: Nil} }
func BoolValue(b bool) Value          { return Value{Type: Bool, boolean: b} }
func NumberValue(n float64) Value     { return Value{Type: Number, number: n} }
func ObjValue(o Obj) Value            { return Value{Type: ObjectType, obj: o} }

func (v Value) IsNil() bool    { return v.Type == Nil }
func (v Value) IsBool() bool   { return v.Type == Bool }
func (v Value) IsNumber() bool { return v.Type == Number }
func (v Value) IsObj() bool    { return v.Type == ObjectType }

func (v Value) AsBool() bool     { return v.boolean }
func (v Value) AsNumber() float64 { return v.number }
func (v Value) AsObj() Obj       { return v.obj }

// IsFalsey follows Sox's truthiness rule: nil and false are falsey,
// everything else (including 0 and "") is truthy.
func (v Value) IsFalsey() bool {
	return v.IsNil() || (v.IsBool() && !v.AsBool())
}

// Equal implements OP_EQUAL: different tagged kinds are never equal;
// nil equals nil; scalars compare by value; objects compare by
// pointer identity (which suffices for strings because of interning).
func Equal(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case Nil:
		return true
	case Bool:
		return a.boolean == b.boolean
	case Number:
		return a.number == b.number
	case ObjectType:
		return a.obj == b.obj
	default:
		return false
	}
}

// String renders a Value the way `print` does.
func (v Value) String() string {
	switch v.Type {
	case Nil:
		return "nil"
	case Bool:
		if v.boolean {
			return "true"
		}
		return "false"
	case Number:
		return formatNumber(v.number)
	case ObjectType:
		return ObjString_(v.obj)
	default:
		return "<unknown value>"
	}
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}
