package vm_test

import (
	"os"
	"path/filepath"
	"testing"

	"ry/compiler"
	"ry/lexer"
	"ry/parser"
	"ry/value"
	"ry/vm"
)

// run compiles and executes src on a fresh VM, grounded on the
// lex-then-parse-then-compile-then-interpret pipeline every caller in
// this codebase (cmd/ry, repl) drives the same way.
func run(t *testing.T, src string) (*vm.VM, value.Value) {
	t.Helper()
	toks, err := lexer.New("<test>", src).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	fn, err := compiler.Compile(prog)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	v := vm.New()
	res := v.Interpret(fn)
	if res.IsErr() {
		t.Fatalf("runtime error: %v", res.Err)
	}
	return v, res.Value
}

func global(t *testing.T, v *vm.VM, name string) value.Value {
	t.Helper()
	val, ok := v.Get(name)
	if !ok {
		t.Fatalf("global %q not defined", name)
	}
	return val
}

func TestArithmeticAndVariables(t *testing.T) {
	_, result := run(t, `
var x = 2
var y = 3
x + y * 2
`)
	n, ok := result.(value.Number)
	if !ok || n != 8 {
		t.Fatalf("expected 8, got %#v", result)
	}
}

// Comparison is total (spec's mismatched-type rule): comparing a string
// against a number never panics, it produces nil.
func TestComparisonMismatchYieldsNil(t *testing.T) {
	v, _ := run(t, `var r = "a" < 1`)
	r := global(t, v, "r")
	if _, ok := r.(value.Nil); !ok {
		t.Fatalf("expected nil, got %#v", r)
	}
}

// GREATER_EQUAL/LESS_EQUAL lower to LESS,NOT / GREATER,NOT. For a
// mismatched comparison that produces nil, NOT of nil stays nil instead
// of becoming true — a documented deviation from naive boolean negation,
// preserved rather than special-cased away.
func TestGreaterEqualOnMismatchStaysNil(t *testing.T) {
	v, _ := run(t, `var r = "a" >= 1`)
	r := global(t, v, "r")
	if _, ok := r.(value.Nil); !ok {
		t.Fatalf("expected nil (not true), got %#v", r)
	}
}

func TestNotOfBoolInvertsNormally(t *testing.T) {
	v, _ := run(t, `var r = not false`)
	r := global(t, v, "r")
	b, ok := r.(value.Bool)
	if !ok || !bool(b) {
		t.Fatalf("expected true, got %#v", r)
	}
}

// Postfix ++ evaluates to the pre-increment value, not the post-increment
// one (OP_COPY preserves it before the add/store).
func TestPostfixIncrementYieldsOldValue(t *testing.T) {
	v, _ := run(t, `
var x = 5
var old = x++
`)
	old := global(t, v, "old")
	x := global(t, v, "x")
	n, ok := old.(value.Number)
	if !ok || n != 5 {
		t.Fatalf("expected postfix result 5, got %#v", old)
	}
	xn, ok := x.(value.Number)
	if !ok || xn != 6 {
		t.Fatalf("expected x to become 6, got %#v", x)
	}
}

func TestPostfixDecrementYieldsOldValue(t *testing.T) {
	v, _ := run(t, `
var x = 5
var old = x--
`)
	old := global(t, v, "old")
	n, ok := old.(value.Number)
	if !ok || n != 5 {
		t.Fatalf("expected postfix result 5, got %#v", old)
	}
	xn := global(t, v, "x").(value.Number)
	if xn != 4 {
		t.Fatalf("expected x to become 4, got %v", xn)
	}
}

// skip jumps to the loop's condition recheck, not the increment clause:
// a for-loop that skips on every iteration never runs its increment, so
// the body advances i itself and the increment clause only counts how
// often it ran.
func TestSkipDoesNotRunForIncrement(t *testing.T) {
	v, _ := run(t, `
var seen = 0
var incr = 0
for (var i = 0; i < 3; incr = incr + 1) {
	i = i + 1
	seen = seen + 1
	skip
	seen = seen + 100
}
`)
	seen := global(t, v, "seen")
	n, ok := seen.(value.Number)
	if !ok || n != 3 {
		t.Fatalf("expected seen == 3 (skip bypasses the +100 on every pass), got %#v", seen)
	}
	incr := global(t, v, "incr")
	in, ok := incr.(value.Number)
	if !ok || in != 0 {
		t.Fatalf("expected incr == 0 (skip never runs the increment clause), got %#v", incr)
	}
}

func TestStopBreaksLoop(t *testing.T) {
	v, _ := run(t, `
var total = 0
for (var i = 0; i < 10; i = i + 1) {
	if (i == 3) {
		stop
	}
	total = total + 1
}
`)
	total := global(t, v, "total")
	n, ok := total.(value.Number)
	if !ok || n != 3 {
		t.Fatalf("expected total == 3, got %#v", total)
	}
}

// Stack slot == c.locals index throughout this compiler, so the loop
// variable's slot must land after the two anonymous collection/index
// locals FOR_EACH_NEXT itself manages — otherwise the body reads the
// collection (or the index) instead of each element.
func TestEachBindsElementNotCollection(t *testing.T) {
	v, _ := run(t, `
var sum = 0
each n in 1..4 {
	sum = sum + n
}
`)
	sum := global(t, v, "sum")
	n, ok := sum.(value.Number)
	if !ok || n != 6 {
		t.Fatalf("expected 1+2+3 == 6, got %#v", sum)
	}
}

func TestEachStopLeavesNoStrayStackValues(t *testing.T) {
	v, _ := run(t, `
var seen = 0
each n in 1..10 {
	if (n == 3) {
		stop
	}
	seen = seen + n
}
var after = "reached"
`)
	seen := global(t, v, "seen")
	n, ok := seen.(value.Number)
	if !ok || n != 3 {
		t.Fatalf("expected 1+2 == 3, got %#v", seen)
	}
	after := global(t, v, "after")
	s, ok := after.(value.String)
	if !ok || string(s) != "reached" {
		t.Fatalf("expected to reach code after the loop, got %#v", after)
	}
}

func TestLenProperty(t *testing.T) {
	v, _ := run(t, `
var xs = [1, 2, 3]
var a = xs.len
var b = "hello".len
`)
	a := global(t, v, "a").(value.Number)
	b := global(t, v, "b").(value.Number)
	if a != 3 || b != 5 {
		t.Fatalf("expected 3,5 got %v,%v", a, b)
	}
}

func TestPopProperty(t *testing.T) {
	v, _ := run(t, `
var xs = [1, 2, 3]
var last = xs.pop()
var remaining = xs.len
`)
	last := global(t, v, "last").(value.Number)
	remaining := global(t, v, "remaining").(value.Number)
	if last != 3 || remaining != 2 {
		t.Fatalf("expected last 3, remaining 2; got %v, %v", last, remaining)
	}
}

func TestMapKeyPropertyAccess(t *testing.T) {
	v, _ := run(t, `
var m = {"x": 10, "y": 20}
var x = m.x
`)
	x := global(t, v, "x").(value.Number)
	if x != 10 {
		t.Fatalf("expected 10, got %v", x)
	}
}

func TestClosureCapturesUpvalueByReference(t *testing.T) {
	v, _ := run(t, `
func makeCounter() {
	var count = 0
	func increment() {
		count = count + 1
		return count
	}
	return increment
}

var counter = makeCounter()
var a = counter()
var b = counter()
var c = counter()
`)
	a := global(t, v, "a").(value.Number)
	b := global(t, v, "b").(value.Number)
	c := global(t, v, "c").(value.Number)
	if a != 1 || b != 2 || c != 3 {
		t.Fatalf("expected 1,2,3 got %v,%v,%v", a, b, c)
	}
}

func TestClassInitAndMethodBinding(t *testing.T) {
	v, _ := run(t, `
class Counter {
	init(start) {
		this.value = start
	}

	bump() {
		this.value = this.value + 1
		return this.value
	}
}

var c = Counter(10)
var first = c.bump()
var second = c.bump()
`)
	first := global(t, v, "first").(value.Number)
	second := global(t, v, "second").(value.Number)
	if first != 11 || second != 12 {
		t.Fatalf("expected 11,12 got %v,%v", first, second)
	}
}

func TestAttemptRecoversFromPanic(t *testing.T) {
	v, _ := run(t, `
var result = "unset"
attempt {
	panic "boom"
} fail err {
	result = err
}
`)
	result := global(t, v, "result")
	s, ok := result.(value.String)
	if !ok || string(s) != "boom" {
		t.Fatalf("expected 'boom', got %#v", result)
	}
}

// importing the same path twice runs its top level exactly once; the
// global it defines on first import stays visible on the second.
func TestBareImportRunsTopLevelOnce(t *testing.T) {
	dir := t.TempDir()
	modPath := filepath.Join(dir, "counter.ry")
	if err := os.WriteFile(modPath, []byte(`
var loadCount = 0
loadCount = loadCount + 1
`), 0o644); err != nil {
		t.Fatal(err)
	}

	src := `
use "counter.ry"
use "counter.ry"
`
	toks, err := lexer.New("<test>", src).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	fn, err := compiler.Compile(prog)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	v := vm.New()
	v.SetBaseDir(dir)
	res := v.Interpret(fn)
	if res.IsErr() {
		t.Fatalf("runtime error: %v", res.Err)
	}

	loadCount := global(t, v, "loadCount")
	n, ok := loadCount.(value.Number)
	if !ok || n != 1 {
		t.Fatalf("expected loadCount == 1 (module ran once), got %#v", loadCount)
	}
}

// use "path" as alias does not leak the module's globals into the
// importer's own global table; they're only reachable through the
// resulting module value.
func TestNamespacedImportIsolatesGlobals(t *testing.T) {
	dir := t.TempDir()
	modPath := filepath.Join(dir, "math_helpers.ry")
	if err := os.WriteFile(modPath, []byte(`
var pi = 3
func double(n) {
	return n * 2
}
`), 0o644); err != nil {
		t.Fatal(err)
	}

	src := `
use "math_helpers.ry" as mh
var piCopy = mh.pi
var doubled = mh.double(21)
`
	toks, err := lexer.New("<test>", src).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	fn, err := compiler.Compile(prog)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	v := vm.New()
	v.SetBaseDir(dir)
	res := v.Interpret(fn)
	if res.IsErr() {
		t.Fatalf("runtime error: %v", res.Err)
	}

	if _, ok := v.Get("pi"); ok {
		t.Fatalf("expected 'pi' to not leak into the importer's globals")
	}

	piCopy := global(t, v, "piCopy").(value.Number)
	if piCopy != 3 {
		t.Fatalf("expected piCopy == 3, got %v", piCopy)
	}
	doubled := global(t, v, "doubled").(value.Number)
	if doubled != 42 {
		t.Fatalf("expected doubled == 42, got %v", doubled)
	}
}
