package stdlib_test

import (
	"testing"

	"ry/stdlib"
	"ry/value"
)

type fakeGlobals struct {
	vars map[string]value.Value
	out  string
}

func newFakeGlobals() *fakeGlobals { return &fakeGlobals{vars: map[string]value.Value{}} }

func (g *fakeGlobals) Get(name string) (value.Value, bool) { v, ok := g.vars[name]; return v, ok }
func (g *fakeGlobals) Set(name string, v value.Value)      { g.vars[name] = v }
func (g *fakeGlobals) WriteString(s string) (int, error) { g.out += s; return len(s), nil }

func TestLoadIntoRegistersEveryNative(t *testing.T) {
	g := newFakeGlobals()
	stdlib.LoadInto(g)
	for _, name := range stdlib.Names() {
		v, ok := g.Get(name)
		if !ok {
			t.Fatalf("expected %q to be registered", name)
		}
		if _, ok := v.(*value.Native); !ok {
			t.Fatalf("expected %q to be a *value.Native, got %T", name, v)
		}
	}
}

func TestPrintlnWritesThroughOutputWriter(t *testing.T) {
	g := newFakeGlobals()
	if _, err := stdlib.Natives["println"]([]value.Value{value.String("hi"), value.Number(2)}, g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.out != "hi 2\n" {
		t.Fatalf("expected %q, got %q", "hi 2\n", g.out)
	}
}

func TestLenOverStringListMap(t *testing.T) {
	g := newFakeGlobals()
	m := value.NewMap()
	m.Set(value.String("a"), value.Number(1))
	m.Set(value.String("b"), value.Number(2))
	m.Set(value.String("c"), value.Number(3))
	cases := []struct {
		name string
		v    value.Value
		want float64
	}{
		{"string", value.String("hello"), 5},
		{"list", value.NewList([]value.Value{value.Number(1), value.Number(2)}), 2},
		{"map", m, 3},
	}
	for _, c := range cases {
		v, err := stdlib.Natives["len"]([]value.Value{c.v}, g)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.name, err)
		}
		n, ok := v.(value.Number)
		if !ok || float64(n) != c.want {
			t.Fatalf("%s: expected %v, got %#v", c.name, c.want, v)
		}
	}
}

func TestNumConvertsStringAndBool(t *testing.T) {
	g := newFakeGlobals()
	v, err := stdlib.Natives["num"]([]value.Value{value.String("42")}, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, ok := v.(value.Number); !ok || n != 42 {
		t.Fatalf("expected 42, got %#v", v)
	}

	v, err = stdlib.Natives["num"]([]value.Value{value.Bool(true)}, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, ok := v.(value.Number); !ok || n != 1 {
		t.Fatalf("expected 1, got %#v", v)
	}
}

func TestNumRejectsUnparseableString(t *testing.T) {
	g := newFakeGlobals()
	if _, err := stdlib.Natives["num"]([]value.Value{value.String("not a number")}, g); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestTypeAndStr(t *testing.T) {
	g := newFakeGlobals()
	typ, err := stdlib.Natives["type"]([]value.Value{value.Number(3)}, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, ok := typ.(value.String); !ok || string(s) != "number" {
		t.Fatalf("expected 'number', got %#v", typ)
	}

	str, err := stdlib.Natives["str"]([]value.Value{value.Number(3)}, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := str.(value.String); !ok {
		t.Fatalf("expected a String, got %#v", str)
	}
}

func TestRangeBuildsRangeValue(t *testing.T) {
	g := newFakeGlobals()
	v, err := stdlib.Natives["range"]([]value.Value{value.Number(0), value.Number(3)}, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, ok := v.(value.Range)
	if !ok || r.Start != 0 || r.End != 3 {
		t.Fatalf("expected Range{0,3}, got %#v", v)
	}
}

func TestArgErrorOnWrongArity(t *testing.T) {
	g := newFakeGlobals()
	if _, err := stdlib.Natives["len"]([]value.Value{}, g); err == nil {
		t.Fatalf("expected an arity error")
	}
}
