package parser_test

import (
	"testing"

	"ry/ast"
	"ry/lexer"
	"ry/parser"
)

func parse(t *testing.T, src string) *ast.Block {
	t.Helper()
	toks, err := lexer.New("<test>", src).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return prog
}

func TestParseVarDecl(t *testing.T) {
	prog := parse(t, `var x = 1 + 2`)
	if len(prog.Statements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(prog.Statements))
	}
	decl, ok := prog.Statements[0].(*ast.VarDecl)
	if !ok {
		t.Fatalf("expected *ast.VarDecl, got %T", prog.Statements[0])
	}
	if decl.Name.Value != "x" {
		t.Fatalf("expected name 'x', got %q", decl.Name.Value)
	}
	if _, ok := decl.Init.(*ast.Binary); !ok {
		t.Fatalf("expected binary init expression, got %T", decl.Init)
	}
}

func TestParseFuncDecl(t *testing.T) {
	prog := parse(t, `
func add(a, b) {
	return a + b
}
`)
	if len(prog.Statements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(prog.Statements))
	}
	fn, ok := prog.Statements[0].(*ast.FuncDecl)
	if !ok {
		t.Fatalf("expected *ast.FuncDecl, got %T", prog.Statements[0])
	}
	if len(fn.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(fn.Params))
	}
}

func TestParseUseWithAlias(t *testing.T) {
	prog := parse(t, `use "mod.ry" as m`)
	use, ok := prog.Statements[0].(*ast.Use)
	if !ok {
		t.Fatalf("expected *ast.Use, got %T", prog.Statements[0])
	}
	if use.Path != "mod.ry" || use.Alias != "m" {
		t.Fatalf("expected path 'mod.ry' alias 'm', got path=%q alias=%q", use.Path, use.Alias)
	}
}

func TestParseReportsErrorOnMalformedInput(t *testing.T) {
	toks, err := lexer.New("<test>", `var = 1`).Tokenize()
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	if _, perr := parser.New(toks).Parse(); perr == nil {
		t.Fatalf("expected a parse error for a variable declaration with no name")
	}
}
