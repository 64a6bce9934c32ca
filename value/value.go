// Package value implements Ry's tagged-union runtime value model (spec
// §3/§4.1): nil, bool, number, string, list, map, range, function,
// closure, native, class, instance, bound method. Lists, maps, closures,
// classes, instances, natives and bound methods are shared by reference;
// everything else is copied on assignment, matching pylevm's split
// between value-type Objs (NumberObj, StringObj, BooleanObj...) and
// pointer-type Objs (*ArrayObj, *MapObj, *ClosureObj...) in objects.go.
package value

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"ry/bytecode"
)

// Value is satisfied by every runtime value variant.
type Value interface {
	Type() string
	String() string
	Truthy() bool
}

// Hashable values may be used as map keys.
type Hashable interface {
	Hash() uint64
}

type Nil struct{}

func (Nil) Type() string   { return "nil" }
func (Nil) String() string { return "nil" }
func (Nil) Truthy() bool   { return false }
func (Nil) Hash() uint64   { return 0 }

type Bool bool

func (b Bool) Type() string   { return "bool" }
func (b Bool) Truthy() bool   { return bool(b) }
func (b Bool) String() string { return strconv.FormatBool(bool(b)) }
func (b Bool) Hash() uint64 {
	if b {
		return 1
	}
	return 2
}

// Number is IEEE-754 double precision throughout (spec §1). Bitwise and
// shift operators cast through int64 at the point of use, not here.
type Number float64

func (n Number) Type() string { return "number" }
func (n Number) Truthy() bool { return n != 0 }
func (n Number) String() string {
	s := strconv.FormatFloat(float64(n), 'f', -1, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}
func (n Number) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%x", float64(n))
	return h.Sum64()
}

type String string

func (s String) Type() string   { return "string" }
func (s String) Truthy() bool   { return len(s) > 0 }
func (s String) String() string { return string(s) }
func (s String) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// List is a shared mutable ordered sequence (spec §3).
type List struct {
	Elements []Value
}

func NewList(elems []Value) *List { return &List{Elements: elems} }

func (l *List) Type() string { return "list" }
func (l *List) Truthy() bool { return len(l.Elements) > 0 }
func (l *List) String() string {
	parts := make([]string, len(l.Elements))
	for i, e := range l.Elements {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// identity-keyed: two distinct lists are never map-key-equal to each other.
func (l *List) Hash() uint64 { return uintptrHash(l) }

// Len is the single helper both the len() native and the .len property
// read element counts through, per spec's GET_PROPERTY len case.
func Len(v Value) (int, error) {
	switch c := v.(type) {
	case String:
		return len([]rune(string(c))), nil
	case *List:
		return len(c.Elements), nil
	case *Tuple:
		return len(c.Elements), nil
	case *Map:
		return c.Len(), nil
	default:
		return 0, fmt.Errorf("cannot take len of type '%s'", v.Type())
	}
}

// Pair is one key/value entry of a Map.
type Pair struct {
	Key   Value
	Value Value
}

// Map is a shared mutable unordered dictionary keyed by any hashable
// value (spec §3). Collisions are resolved with a bucket slice, exactly
// like pylevm's MapObj.
type Map struct {
	buckets map[uint64][]Pair
}

func NewMap() *Map { return &Map{buckets: make(map[uint64][]Pair)} }

func (m *Map) Type() string { return "map" }
func (m *Map) Truthy() bool { return len(m.buckets) > 0 }
func (m *Map) String() string {
	var parts []string
	for _, k := range m.SortedHashes() {
		for _, p := range m.buckets[k] {
			parts = append(parts, fmt.Sprintf("%s: %s", p.Key.String(), p.Value.String()))
		}
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}
func (m *Map) Hash() uint64 { return uintptrHash(m) }

func (m *Map) Len() int {
	n := 0
	for _, b := range m.buckets {
		n += len(b)
	}
	return n
}

// Get looks a key up, requiring it to be Hashable (spec §3: "keyed by
// any hashable value").
func (m *Map) Get(key Value) (Value, bool, error) {
	hashable, ok := key.(Hashable)
	if !ok {
		return nil, false, fmt.Errorf("type '%s' is not hashable and cannot be a map key", key.Type())
	}
	for _, p := range m.buckets[hashable.Hash()] {
		if ValuesEqual(p.Key, key) {
			return p.Value, true, nil
		}
	}
	return nil, false, nil
}

func (m *Map) Set(key, val Value) error {
	hashable, ok := key.(Hashable)
	if !ok {
		return fmt.Errorf("type '%s' is not hashable and cannot be a map key", key.Type())
	}
	h := hashable.Hash()
	bucket := m.buckets[h]
	for i, p := range bucket {
		if ValuesEqual(p.Key, key) {
			bucket[i].Value = val
			return nil
		}
	}
	m.buckets[h] = append(bucket, Pair{Key: key, Value: val})
	return nil
}

// SortedHashes returns bucket hashes in ascending order, giving map
// iteration (keys/values/items) a deterministic-per-process but
// otherwise unspecified order, per spec §4.1.
func (m *Map) SortedHashes() []uint64 {
	hs := make([]uint64, 0, len(m.buckets))
	for h := range m.buckets {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Pairs returns every pair in deterministic order (see SortedHashes).
func (m *Map) Pairs() []Pair {
	var out []Pair
	for _, h := range m.SortedHashes() {
		out = append(out, m.buckets[h]...)
	}
	return out
}

// Range is the half-open {start, end} pair of spec §3; it is a value
// type, not shared by reference, because the spec groups it with the
// primitives rather than the explicitly-shared list/map/instance family.
type Range struct {
	Start, End float64
}

func (r Range) Type() string { return "range" }
func (r Range) Truthy() bool { return r.Start != r.End }
func (r Range) String() string {
	return fmt.Sprintf("%d..%d", int64(r.Start), int64(r.End))
}
func (r Range) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%x:%x", r.Start, r.End)
	return h.Sum64()
}

// Tuple is an internal, literal-free fixed-size {key, value} sequence
// produced by `each` iteration over a map (SPEC_FULL §4 supplement);
// grounded on pylevm's TupleObj.
type Tuple struct {
	Elements []Value
}

func (t *Tuple) Type() string { return "tuple" }
func (t *Tuple) Truthy() bool { return len(t.Elements) > 0 }
func (t *Tuple) String() string {
	parts := make([]string, len(t.Elements))
	for i, e := range t.Elements {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Function is the immutable, compiled representation of a `func`
// declaration or expression (spec §3).
type Function struct {
	Name         string
	Arity        int
	UpvalueCount int
	Chunk        *bytecode.Chunk
}

func (f *Function) Type() string   { return "function" }
func (f *Function) Truthy() bool   { return true }
func (f *Function) String() string { return "<function>" }

// Closure pairs a Function with its captured upvalues. Upvalue itself
// (open-vs-closed) is owned by the vm package since only the VM's stack
// gives it meaning; here it is an opaque reference type.
type Closure struct {
	Function *Function
	Upvalues []UpvalueRef
}

// UpvalueRef is implemented by *vm.Upvalue; kept as an interface here so
// the value package has no dependency on vm.
type UpvalueRef interface {
	Get() Value
	Set(Value)
}

func (c *Closure) Type() string   { return "closure" }
func (c *Closure) Truthy() bool   { return true }
func (c *Closure) String() string { return "<closure>" }

// NativeFn is the signature every host-implemented function satisfies
// (spec §4.3's CALL native contract). Globals is the VM's mutable global
// table, passed by reference so natives may read and write it.
type NativeFn func(args []Value, globals Globals) (Value, error)

// Globals abstracts the VM's global table for native functions so the
// value package does not depend on vm.
type Globals interface {
	Get(name string) (Value, bool)
	Set(name string, v Value)
}

type Native struct {
	Name string
	Fn   NativeFn
}

func (n *Native) Type() string   { return "native" }
func (n *Native) Truthy() bool   { return true }
func (n *Native) String() string { return "<native>" }

// Class holds a method table populated at OP_METHOD time and flattened
// from its superclass at OP_INHERIT time (value-level inheritance,
// spec §9).
type Class struct {
	Name       string
	Superclass *Class
	Methods    map[string]*Closure
}

func NewClass(name string) *Class {
	return &Class{Name: name, Methods: make(map[string]*Closure)}
}

func (c *Class) Type() string   { return "class" }
func (c *Class) Truthy() bool   { return true }
func (c *Class) String() string { return c.Name }

// Instance is an object created by calling a Class.
type Instance struct {
	Class  *Class
	Fields map[string]Value
}

func NewInstance(class *Class) *Instance {
	return &Instance{Class: class, Fields: make(map[string]Value)}
}

func (i *Instance) Type() string   { return i.Class.Name }
func (i *Instance) Truthy() bool   { return true }
func (i *Instance) String() string { return fmt.Sprintf("<%s instance>", i.Class.Name) }

// BoundMethod pairs a receiver with the closure to call on it; calling
// it installs receiver into slot 0 (spec §3).
type BoundMethod struct {
	Receiver Value
	Method   *Closure
}

func (b *BoundMethod) Type() string   { return "bound_method" }
func (b *BoundMethod) Truthy() bool   { return true }
func (b *BoundMethod) String() string { return "<bound method>" }

// Module is the namespace object produced by `use "path" as alias`
// (SPEC_FULL §4 supplement), grounded on pylevm's ModuleObj.
type Module struct {
	Name    string
	Globals *Map
}

func NewModule(name string) *Module {
	return &Module{Name: name, Globals: NewMap()}
}

func (m *Module) Type() string   { return "module" }
func (m *Module) Truthy() bool   { return true }
func (m *Module) String() string { return fmt.Sprintf("<module '%s'>", m.Name) }

// ValuesEqual implements spec §4.1's equality rule: structural for
// primitives, reference identity for lists/maps/closures/classes/
// instances/bound methods.
func ValuesEqual(a, b Value) bool {
	switch av := a.(type) {
	case Nil:
		_, ok := b.(Nil)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Range:
		bv, ok := b.(Range)
		return ok && av == bv
	default:
		return a == b
	}
}

func uintptrHash(p any) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%p", p)
	return h.Sum64()
}
