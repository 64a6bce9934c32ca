package compiler_test

import (
	"testing"

	"ry/compiler"
	"ry/lexer"
	"ry/parser"
	"ry/value"
)

func compile(t *testing.T, src string) *value.Function {
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
	return fn
}

// globalConstantNames returns every string constant in the chunk's
// constant pool. For the small scripts these tests compile, the only
// string constants are global variable names (DEFINE_GLOBAL/GET_GLOBAL/
// SET_GLOBAL operands all route through AddConstant), so this avoids
// needing a full disassembler to find them.
func globalConstantNames(fn *value.Function) []string {
	var names []string
	for _, c := range fn.Chunk.Constants {
		if s, ok := c.(value.String); ok {
			names = append(names, string(s))
		}
	}
	return names
}

func TestUndecoratedGlobalsAreNotQualifiedByDefault(t *testing.T) {
	fn := compile(t, `var x = 1`)
	names := globalConstantNames(fn)
	if len(names) != 1 || names[0] != "x" {
		t.Fatalf("expected [\"x\"], got %v", names)
	}
}

func TestCompileNamespacedQualifiesBareGlobals(t *testing.T) {
	toks, err := lexer.New("<test>", `var x = 1`).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	fn, err := compiler.CompileNamespaced(prog, "mymod", nil)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	names := globalConstantNames(fn)
	if len(names) != 1 || names[0] != "mymod::x" {
		t.Fatalf("expected [\"mymod::x\"], got %v", names)
	}
}

func TestCompileNamespacedSkipsKnownNatives(t *testing.T) {
	toks, err := lexer.New("<test>", `print(1)`).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	natives := map[string]struct{}{"print": {}}
	fn, err := compiler.CompileNamespaced(prog, "mymod", natives)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	names := globalConstantNames(fn)
	if len(names) != 1 || names[0] != "print" {
		t.Fatalf("expected native 'print' to stay unqualified, got %v", names)
	}
}

func TestCompileNamespacedLeavesLocalsUnqualified(t *testing.T) {
	// A local declared inside a block is never namespace-qualified,
	// regardless of current_namespace — namespacing only applies at
	// global scope (spec.md line 113).
	toks, err := lexer.New("<test>", `
{
	var y = 2
	y + 1
}
`).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	fn, err := compiler.CompileNamespaced(prog, "mymod", nil)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	names := globalConstantNames(fn)
	if len(names) != 0 {
		t.Fatalf("expected no global references for a locally scoped var, got %v", names)
	}
}
