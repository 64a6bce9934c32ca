package lexer_test

import (
	"testing"

	"ry/lexer"
	"ry/token"
)

func kinds(t *testing.T, toks []token.Token) []token.Kind {
	t.Helper()
	out := make([]token.Kind, len(toks))
	for i, tok := range toks {
		out[i] = tok.Kind
	}
	return out
}

func TestTokenizeSimpleDeclaration(t *testing.T) {
	toks, err := lexer.New("<test>", `var x = 1 + 2`).Tokenize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ks := kinds(t, toks)
	want := []token.Kind{token.Keyword, token.Ident, token.Equal, token.Int, token.Plus, token.Int, token.EOF}
	if len(ks) != len(want) {
		t.Fatalf("expected %d tokens, got %d: %v", len(want), len(ks), ks)
	}
	for i := range want {
		if ks[i] != want[i] {
			t.Fatalf("token %d: expected %v, got %v", i, want[i], ks[i])
		}
	}
}

func TestTokenizeStringLiteral(t *testing.T) {
	toks, err := lexer.New("<test>", `"hello"`).Tokenize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(toks) < 1 || toks[0].Kind != token.String || toks[0].Value != "hello" {
		t.Fatalf("expected a String token with value 'hello', got %#v", toks)
	}
}

func TestTokenizeTracksLineAndColumn(t *testing.T) {
	toks, err := lexer.New("<test>", "var x = 1\nvar y = 2").Tokenize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var secondLineSeen bool
	for _, tok := range toks {
		if tok.Value == "y" {
			secondLineSeen = true
			if tok.Loc.Line != 2 {
				t.Fatalf("expected 'y' on line 2, got %d", tok.Loc.Line)
			}
		}
	}
	if !secondLineSeen {
		t.Fatalf("expected to find identifier 'y'")
	}
}

func TestTokenizeRejectsUnterminatedString(t *testing.T) {
	_, err := lexer.New("<test>", `"unterminated`).Tokenize()
	if err == nil {
		t.Fatalf("expected a lex error")
	}
}
