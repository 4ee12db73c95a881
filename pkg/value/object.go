package value

import "fmt"

// Kind tags a heap object's runtime variant.
type Kind uint8

const (
	KindString Kind = iota
	KindFunction
	KindNative
	KindClosure
	KindUpvalue
	KindClass
	KindInstance
	KindBoundMethod
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindFunction:
		return "function"
	case KindNative:
		return "native"
	case KindClosure:
		return "closure"
	case KindUpvalue:
		return "upvalue"
	case KindClass:
		return "class"
	case KindInstance:
		return "instance"
	case KindBoundMethod:
		return "bound_method"
	default:
		return "unknown"
	}
}

// Obj is satisfied by every heap object variant. The GC mark flag and
// the intrusive allocation-list pointer live in the embedded Header,
// promoted by every concrete type below — a common header expressed
// through embedding rather than a tagged-union cast, since Go has no
// safe reinterpret-cast.
type Obj interface {
	Header() *ObjHeader
	ObjKind() Kind
}

// ObjHeader is embedded by every concrete object type.
type ObjHeader struct {
	Kind   Kind
	Marked bool
	Next   Obj // intrusive next-pointer; forms the VM's single allocation list
}

func (h *ObjHeader) Header() *ObjHeader { return h }
func (h *ObjHeader) ObjKind() Kind      { return h.Kind }

// ObjString is an interned, immutable byte string with a precomputed
// FNV-1a hash. Two strings with identical byte content are always the
// same *ObjString once interned (see pkg/gc's intern table).
type ObjString struct {
	ObjHeader
	Chars string
	Hash  uint32
}

// NewObjString builds an un-interned string object; callers that want
// the interning guarantee go through the GC's Intern method instead.
func NewObjString(s string) *ObjString {
	return &ObjString{ObjHeader: ObjHeader{Kind: KindString}, Chars: s, Hash: HashString(s)}
}

// HashString computes the FNV-1a hash used for interning and table
// lookups.
func HashString(s string) uint32 {
	var hash uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= 16777619
	}
	return hash
}

// NativeFn is the fixed call signature for a native function: it
// receives the argument slice and returns a value or a runtime error.
type NativeFn func(args []Value) (Value, error)

// ObjNative wraps a host-defined callable. Natives are defined at VM
// init and are never collected.
type ObjNative struct {
	ObjHeader
	Name string
	Fn   NativeFn
}

func NewObjNative(name string, fn NativeFn) *ObjNative {
	return &ObjNative{ObjHeader: ObjHeader{Kind: KindNative}, Name: name, Fn: fn}
}

// ObjUpvalue is a shared mutable cell standing in for a captured local.
// While open, Location points into the VM's value stack; once closed,
// the value is copied into the owned Closed field and Location is nil.
// All closures sharing the same captured slot hold a pointer to the
// same ObjUpvalue, so closing it in place is visible to every holder (spec §9, "open upvalues as shared mutable
// slots").
type ObjUpvalue struct {
	ObjHeader
	Location *Value
	Closed   Value
	NextOpen *ObjUpvalue // next entry in the VM's open-upvalue list, sorted by descending stack address
}

func NewObjUpvalue(slot *Value) *ObjUpvalue {
	return &ObjUpvalue{ObjHeader: ObjHeader{Kind: KindUpvalue}, Location: slot}
}

// Get reads the upvalue's current value, whichever storage it's in.
func (u *ObjUpvalue) Get() Value {
	if u.Location != nil {
		return *u.Location
	}
	return u.Closed
}

// Set writes through to whichever storage the upvalue currently uses.
func (u *ObjUpvalue) Set(v Value) {
	if u.Location != nil {
		*u.Location = v
		return
	}
	u.Closed = v
}

// Close copies the stack-resident value into owned storage and
// detaches the upvalue from the stack; every closure sharing this
// upvalue now observes the closed copy.
func (u *ObjUpvalue) Close() {
	u.Closed = *u.Location
	u.Location = nil
}

// ObjClosure pairs a function with the upvalues it captured. A closure
// owns the slice of upvalue references, but not the upvalues
// themselves (those may be shared with sibling closures).
type ObjClosure struct {
	ObjHeader
	Function *ObjFunction
	Upvalues []*ObjUpvalue
}

func NewObjClosure(fn *ObjFunction) *ObjClosure {
	return &ObjClosure{
		ObjHeader: ObjHeader{Kind: KindClosure},
		Function:  fn,
		Upvalues:  make([]*ObjUpvalue, fn.UpvalueCount),
	}
}

// ObjClass holds a name and its method table (selector -> *ObjClosure).
// Methods is populated by OP_METHOD; inheritance copies the parent's
// table into the child at OP_INHERIT time (a static, one-time copy —
// later parent mutations do not propagate to already-declared
// children).
type ObjClass struct {
	ObjHeader
	Name    *ObjString
	Methods *Table
}

func NewObjClass(name *ObjString) *ObjClass {
	return &ObjClass{ObjHeader: ObjHeader{Kind: KindClass}, Name: name, Methods: NewTable()}
}

// ObjInstance is a runtime object: a class reference plus a field
// table, set and read by OP_SET_PROPERTY/OP_GET_PROPERTY.
type ObjInstance struct {
	ObjHeader
	Class  *ObjClass
	Fields *Table
}

func NewObjInstance(class *ObjClass) *ObjInstance {
	return &ObjInstance{ObjHeader: ObjHeader{Kind: KindInstance}, Class: class, Fields: NewTable()}
}

// ObjBoundMethod pairs a receiver with the method closure it was
// bound to, produced when OP_GET_PROPERTY resolves to a method rather
// than a field.
type ObjBoundMethod struct {
	ObjHeader
	Receiver Value
	Method   *ObjClosure
}

func NewObjBoundMethod(receiver Value, method *ObjClosure) *ObjBoundMethod {
	return &ObjBoundMethod{ObjHeader: ObjHeader{Kind: KindBoundMethod}, Receiver: receiver, Method: method}
}

// ObjString_ renders any object the way `print` and string
// concatenation need it rendered. Named with a trailing underscore to
// avoid colliding with the ObjString type in this package.
func ObjString_(o Obj) string {
	switch obj := o.(type) {
	case *ObjString:
		return obj.Chars
	case *ObjFunction:
		if obj.Name == nil {
			return "<script>"
		}
		return fmt.Sprintf("<fn %s>", obj.Name.Chars)
	case *ObjNative:
		return fmt.Sprintf("<native fn %s>", obj.Name)
	case *ObjClosure:
		return ObjString_(obj.Function)
	case *ObjUpvalue:
		return "<upvalue>"
	case *ObjClass:
		return obj.Name.Chars
	case *ObjInstance:
		return fmt.Sprintf("<%s instance>", obj.Class.Name.Chars)
	case *ObjBoundMethod:
		return ObjString_(obj.Method.Function)
	default:
		return "<obj>"
	}
}
