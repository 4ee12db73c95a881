// Package gc implements Sox's tracing mark-sweep collector. It owns
// the single intrusive allocation list every heap object is threaded
// onto, the gray worklist used for tracing, and the strong intern
// table: interned strings are a strong root, never swept while
// referenced by the table.
//
// The collector never imports pkg/vm or pkg/compiler — the VM and the
// compiler instead register themselves as RootMarkers, so the root
// set is everything directly reachable without dereferencing another
// heap object, regardless of which package produced it.
package gc

import "github.com/kristofer/sox/pkg/value"

// RootMarker is implemented by anything that owns GC roots: the VM
// (stack, frames, globals, open upvalues, "init" string) and, while a
// compilation is in progress, the compiler (its in-progress function
// chain).
type RootMarker interface {
	MarkRoots(c *Collector)
}

// growFactor is the multiplier applied to bytesAllocated to compute
// the next collection threshold (spec §4.F).
const growFactor = 2

// initialNextGC is the first collection threshold, chosen generously
// so a short script never collects at all.
const initialNextGC = 1 << 20

// Collector is the single process-wide GC state.
type Collector struct {
	objects value.Obj // head of the intrusive allocation list
	gray    []value.Obj

	Strings *value.Table // intern table; strong root

	BytesAllocated int
	NextGC         int
	StressGC       bool // collect on every allocation, for testing root-set completeness

	roots []RootMarker
}

func New() *Collector {
	return &Collector{
		Strings: value.NewTable(),
		NextGC:  initialNextGC,
	}
}

// AddRoot registers a RootMarker (the VM at startup, a compiler while
// it is actively compiling) whose roots are walked on every collection
// until RemoveRoot is called.
func (c *Collector) AddRoot(r RootMarker) { c.roots = append(c.roots, r) }

// RemoveRoot unregisters a previously added RootMarker (used when a
// compiler.Compile call finishes).
func (c *Collector) RemoveRoot(r RootMarker) {
	for i, existing := range c.roots {
		if existing == r {
			c.roots = append(c.roots[:i], c.roots[i+1:]...)
			return
		}
	}
}

// objectSize is a rough per-object byte estimate used only to decide
// when to collect; it does not need to be exact.
func objectSize(o value.Obj) int {
	switch o.(type) {
	case *value.ObjString:
		return 32
	case *value.ObjFunction:
		return 64
	case *value.ObjClosure:
		return 48
	case *value.ObjUpvalue:
		return 32
	case *value.ObjClass:
		return 48
	case *value.ObjInstance:
		return 48
	case *value.ObjBoundMethod:
		return 32
	case *value.ObjNative:
		return 32
	default:
		return 16
	}
}

// Track registers a freshly allocated object with the collector,
// threading it onto the allocation list and triggering a collection if
// the byte budget (or stress mode) demands it. Every allocator in
// pkg/vm and pkg/compiler routes through this single method.
func (c *Collector) Track(o value.Obj) {
	h := o.Header()
	h.Next = c.objects
	c.objects = o
	c.BytesAllocated += objectSize(o)

	if c.StressGC || c.BytesAllocated > c.NextGC {
		c.Collect()
	}
}

// Intern returns the unique *ObjString for the given byte content,
// allocating and tracking a new one only if no equal string has been
// interned yet, so equal strings always compare equal by pointer.
func (c *Collector) Intern(chars string) *value.ObjString {
	hash := value.HashString(chars)
	if existing := c.Strings.FindInterned(chars, hash); existing != nil {
		return existing
	}
	s := value.NewObjString(chars)
	c.Track(s)
	c.Strings.Set(s, value.NilValue())
	return s
}

// MarkValue marks v's object payload, if it has one.
func (c *Collector) MarkValue(v value.Value) {
	if v.IsObj() {
		c.MarkObject(v.AsObj())
	}
}

// MarkObject grays o: an already-marked object is left alone (handles
// cycles for free, per spec §9 — "mark-reachability is cycle-safe by
// construction").
func (c *Collector) MarkObject(o value.Obj) {
	if o == nil {
		return
	}
	h := o.Header()
	if h.Marked {
		return
	}
	h.Marked = true
	c.gray = append(c.gray, o)
}

// MarkTable marks every live key and value in t (used for the globals
// table and, transitively, for any object's field/method table).
func (c *Collector) MarkTable(t *value.Table) {
	if t == nil {
		return
	}
	t.Each(func(key *value.ObjString, v value.Value) {
		c.MarkObject(key)
		c.MarkValue(v)
	})
}

// Collect runs one full mark-sweep cycle: mark roots, trace until the
// gray worklist is dry, sweep unmarked objects.
func (c *Collector) Collect() {
	for _, r := range c.roots {
		r.MarkRoots(c)
	}
	c.MarkTable(c.Strings)

	c.trace()
	c.sweep()

	c.NextGC = c.BytesAllocated * growFactor
	if c.NextGC < initialNextGC {
		c.NextGC = initialNextGC
	}
}

// trace pops gray objects and blackens them by marking their
// references, until the worklist is empty.
func (c *Collector) trace() {
	for len(c.gray) > 0 {
		o := c.gray[len(c.gray)-1]
		c.gray = c.gray[:len(c.gray)-1]
		c.blacken(o)
	}
}

func (c *Collector) blacken(o value.Obj) {
	switch obj := o.(type) {
	case *value.ObjString:
		// leaf: no outgoing references
	case *value.ObjFunction:
		c.MarkObject(obj.Name)
		for _, k := range obj.Chunk.Constants {
			c.MarkValue(k)
		}
	case *value.ObjNative:
		// leaf: natives are never collected but tolerate being marked
	case *value.ObjClosure:
		c.MarkObject(obj.Function)
		for _, up := range obj.Upvalues {
			c.MarkObject(up)
		}
	case *value.ObjUpvalue:
		if obj.Location == nil {
			c.MarkValue(obj.Closed)
		}
	case *value.ObjClass:
		c.MarkObject(obj.Name)
		c.MarkTable(obj.Methods)
	case *value.ObjInstance:
		c.MarkObject(obj.Class)
		c.MarkTable(obj.Fields)
	case *value.ObjBoundMethod:
		c.MarkValue(obj.Receiver)
		c.MarkObject(obj.Method)
	}
}

// sweep walks the allocation list, freeing unmarked objects and
// clearing the mark bit on survivors for the next cycle. Freed strings
// are also removed from the intern table.
func (c *Collector) sweep() {
	var prev value.Obj
	cur := c.objects
	freed := 0
	for cur != nil {
		h := cur.Header()
		next := h.Next
		if h.Marked {
			h.Marked = false
			prev = cur
		} else {
			if s, ok := cur.(*value.ObjString); ok {
				c.Strings.Delete(s)
			}
			freed += objectSize(cur)
			if prev == nil {
				c.objects = next
			} else {
				prev.Header().Next = next
			}
		}
		cur = next
	}
	c.BytesAllocated -= freed
	if c.BytesAllocated < 0 {
		c.BytesAllocated = 0
	}
}

// Objects exposes the live allocation list head for collaborators
// like the bytecode-cache serialiser.
func (c *Collector) Objects() value.Obj { return c.objects }
