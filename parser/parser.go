// Package parser builds an AST from a token stream via recursive
// descent, grounded on pylevm's pyle/parser.go: a Pratt-free
// precedence-climbing grammar with one token of lookahead.
package parser

import (
	"fmt"
	"strconv"

	"ry/ast"
	"ry/ryerr"
	"ry/token"
)

type Parser struct {
	tokens []token.Token
	idx    int
}

func New(tokens []token.Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse consumes the whole token stream and returns the top-level block.
func (p *Parser) Parse() (*ast.Block, *ryerr.RyError) {
	block := &ast.Block{Statements: nil}
	for !p.isAtEnd() {
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		block.Statements = append(block.Statements, stmt)
		if p.check(token.Semicolon) {
			p.advance()
		}
	}
	return block, nil
}

// utils

func (p *Parser) current() *token.Token  { return &p.tokens[p.idx] }
func (p *Parser) previous() *token.Token { return &p.tokens[p.idx-1] }

func (p *Parser) peekAt(offset int) *token.Token {
	i := p.idx + offset
	if i >= len(p.tokens) {
		return &p.tokens[len(p.tokens)-1]
	}
	return &p.tokens[i]
}

func (p *Parser) isAtEnd() bool { return p.current().Kind == token.EOF }

func (p *Parser) check(kind token.Kind) bool {
	return !p.isAtEnd() && p.current().Kind == kind
}

func (p *Parser) advance() *token.Token {
	if !p.isAtEnd() {
		p.idx++
	}
	return p.previous()
}

func (p *Parser) match(kinds ...token.Kind) bool {
	for _, k := range kinds {
		if p.check(k) {
			p.advance()
			return true
		}
	}
	return false
}

func (p *Parser) matchKeyword(kw string) bool {
	if p.check(token.Keyword) && p.current().Value == kw {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) checkKeyword(kw string) bool {
	return p.check(token.Keyword) && p.current().Value == kw
}

func (p *Parser) consume(kind token.Kind, msg string) (*token.Token, *ryerr.RyError) {
	if p.check(kind) {
		return p.advance(), nil
	}
	return nil, p.errorHere(msg)
}

func (p *Parser) errorHere(msg string) *ryerr.RyError {
	return ryerr.New(ryerr.Parse, p.current().Loc, "%s (got %q)", msg, p.current().Value)
}

// grammar

func (p *Parser) statement() (ast.Stmt, *ryerr.RyError) {
	if p.check(token.Keyword) {
		switch p.current().Value {
		case "var", "const":
			p.advance()
			return p.varDecl()
		case "while":
			p.advance()
			return p.whileStmt()
		case "for":
			p.advance()
			return p.forStmt()
		case "each":
			p.advance()
			return p.eachStmt()
		case "func":
			p.advance()
			return p.funcDecl()
		case "class":
			p.advance()
			return p.classDecl()
		case "return":
			p.advance()
			return p.returnStmt()
		case "stop":
			tok := p.advance()
			p.match(token.Semicolon)
			return &ast.Stop{Token: tok}, nil
		case "skip":
			tok := p.advance()
			p.match(token.Semicolon)
			return &ast.Skip{Token: tok}, nil
		case "if":
			p.advance()
			return p.ifStmt()
		case "attempt":
			p.advance()
			return p.attemptStmt()
		case "panic":
			p.advance()
			return p.panicStmt()
		case "use":
			p.advance()
			return p.useStmt()
		}
	}

	if p.check(token.LBrace) {
		tok := p.advance()
		return p.block(tok)
	}

	if p.check(token.Ident) {
		peeked := p.peekAt(1)
		if peeked.Kind == token.Equal {
			return p.assignStmt()
		}
		if isCompoundAssignOp(peeked.Kind) {
			return p.compoundAssignStmt()
		}
	}

	exprTok := p.current()
	expr, err := p.expression()
	if err != nil {
		return nil, err
	}

	switch e := expr.(type) {
	case *ast.Index:
		if p.match(token.Equal) {
			val, err := p.expression()
			if err != nil {
				return nil, err
			}
			p.match(token.Semicolon)
			return &ast.IndexSet{Token: exprTok, Collection: e.Collection, Index: e.Index, Value: val}, nil
		}
	case *ast.GetProperty:
		if p.match(token.Equal) {
			val, err := p.expression()
			if err != nil {
				return nil, err
			}
			p.match(token.Semicolon)
			return &ast.SetProperty{Token: exprTok, Object: e.Object, Name: e.Name, Value: val}, nil
		}
	}

	p.match(token.Semicolon)
	return &ast.ExprStmt{Token: exprTok, Value: expr}, nil
}

func isCompoundAssignOp(k token.Kind) bool {
	switch k {
	case token.PlusEqual, token.MinusEqual, token.StarEqual, token.SlashEqual, token.PercentEqual:
		return true
	}
	return false
}

// block expects the opening '{' to already have been consumed; openTok is
// that token.
func (p *Parser) block(openTok *token.Token) (*ast.Block, *ryerr.RyError) {
	var stmts []ast.Stmt
	for !p.check(token.RBrace) && !p.isAtEnd() {
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	if _, err := p.consume(token.RBrace, "expected '}' after block"); err != nil {
		return nil, err
	}
	return &ast.Block{Token: openTok, Statements: stmts}, nil
}

func (p *Parser) requireBlock(afterMsg string) (*ast.Block, *ryerr.RyError) {
	open, err := p.consume(token.LBrace, "expected '{' "+afterMsg)
	if err != nil {
		return nil, err
	}
	return p.block(open)
}

func (p *Parser) varDecl() (ast.Stmt, *ryerr.RyError) {
	keywordTok := p.previous()
	isConst := keywordTok.Value == "const"

	name, err := p.consume(token.Ident, "expected variable name")
	if err != nil {
		return nil, err
	}

	var init ast.Expr
	if p.match(token.Equal) {
		init, err = p.expression()
		if err != nil {
			return nil, err
		}
	} else if isConst {
		return nil, p.errorHere("const declaration requires an initializer")
	}
	p.match(token.Semicolon)
	return &ast.VarDecl{Token: keywordTok, Name: name, IsConst: isConst, Init: init}, nil
}

func (p *Parser) assignStmt() (ast.Stmt, *ryerr.RyError) {
	name := p.advance()
	tok := p.advance() // '='
	val, err := p.expression()
	if err != nil {
		return nil, err
	}
	p.match(token.Semicolon)
	return &ast.Assign{Token: tok, Name: name, Value: val}, nil
}

func (p *Parser) compoundAssignStmt() (ast.Stmt, *ryerr.RyError) {
	name := p.advance()
	opTok := p.advance()
	val, err := p.expression()
	if err != nil {
		return nil, err
	}
	p.match(token.Semicolon)
	return &ast.CompoundAssign{Token: opTok, Name: name, Op: opTok.Kind, Value: val}, nil
}

func (p *Parser) whileStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	body, err := p.requireBlock("after while condition")
	if err != nil {
		return nil, err
	}
	return &ast.While{Token: tok, Cond: cond, Body: body}, nil
}

// forStmt parses `for (init; cond; incr) { body }`; all three clauses and
// the parens are optional, per spec.
func (p *Parser) forStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	hasParen := p.match(token.LParen)

	var initStmt ast.Stmt
	var err *ryerr.RyError
	if !p.check(token.Semicolon) {
		initStmt, err = p.statement()
		if err != nil {
			return nil, err
		}
	} else {
		p.advance()
	}

	var cond ast.Expr
	if !p.check(token.Semicolon) {
		cond, err = p.expression()
		if err != nil {
			return nil, err
		}
	}
	if _, err = p.consume(token.Semicolon, "expected ';' after for condition"); err != nil {
		return nil, err
	}

	var incr ast.Stmt
	closer := token.RParen
	if !hasParen {
		closer = token.LBrace
	}
	if !p.check(closer) {
		incr, err = p.statement()
		if err != nil {
			return nil, err
		}
	}

	if hasParen {
		if _, err = p.consume(token.RParen, "expected ')' after for clauses"); err != nil {
			return nil, err
		}
	}

	body, err := p.requireBlock("after for clauses")
	if err != nil {
		return nil, err
	}
	return &ast.For{Token: tok, Init: initStmt, Cond: cond, Incr: incr, Body: body}, nil
}

func (p *Parser) eachStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	name, err := p.consume(token.Ident, "expected loop variable name")
	if err != nil {
		return nil, err
	}
	if !p.matchKeyword("in") {
		return nil, p.errorHere("expected 'in' after each loop variable")
	}
	coll, err := p.expression()
	if err != nil {
		return nil, err
	}
	body, err := p.requireBlock("after each collection")
	if err != nil {
		return nil, err
	}
	return &ast.EachIn{Token: tok, Var: name, Collection: coll, Body: body}, nil
}

func (p *Parser) params() ([]ast.Param, *ryerr.RyError) {
	if _, err := p.consume(token.LParen, "expected '(' before parameter list"); err != nil {
		return nil, err
	}
	var params []ast.Param
	if !p.check(token.RParen) {
		for {
			name, err := p.consume(token.Ident, "expected parameter name")
			if err != nil {
				return nil, err
			}
			params = append(params, ast.Param{Name: name})
			if !p.match(token.Comma) {
				break
			}
		}
	}
	if _, err := p.consume(token.RParen, "expected ')' after parameters"); err != nil {
		return nil, err
	}
	return params, nil
}

func (p *Parser) funcDecl() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	name, err := p.consume(token.Ident, "expected function name")
	if err != nil {
		return nil, err
	}
	params, err := p.params()
	if err != nil {
		return nil, err
	}
	body, err := p.requireBlock("before function body")
	if err != nil {
		return nil, err
	}
	return &ast.FuncDecl{Token: tok, Name: name, Params: params, Body: body}, nil
}

func (p *Parser) funcExpr() (ast.Expr, *ryerr.RyError) {
	tok := p.advance()
	params, err := p.params()
	if err != nil {
		return nil, err
	}
	body, err := p.requireBlock("before function body")
	if err != nil {
		return nil, err
	}
	return &ast.FuncExpr{Token: tok, Params: params, Body: body}, nil
}

func (p *Parser) classDecl() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	name, err := p.consume(token.Ident, "expected class name")
	if err != nil {
		return nil, err
	}

	var super ast.Expr
	if p.matchKeyword("in") { // `class Dog in Animal { ... }`
		superName, err := p.consume(token.Ident, "expected superclass name")
		if err != nil {
			return nil, err
		}
		super = &ast.Ident{Token: superName, Name: superName.Value}
	}

	if _, err := p.consume(token.LBrace, "expected '{' before class body"); err != nil {
		return nil, err
	}

	var methods []*ast.FuncDecl
	for !p.check(token.RBrace) && !p.isAtEnd() {
		methodTok, err := p.consume(token.Ident, "expected method name")
		if err != nil {
			return nil, err
		}
		params, err := p.params()
		if err != nil {
			return nil, err
		}
		body, err := p.requireBlock("before method body")
		if err != nil {
			return nil, err
		}
		methods = append(methods, &ast.FuncDecl{Token: methodTok, Name: methodTok, Params: params, Body: body})
	}
	if _, err := p.consume(token.RBrace, "expected '}' after class body"); err != nil {
		return nil, err
	}

	return &ast.ClassDecl{Token: tok, Name: name, Superclass: super, Methods: methods}, nil
}

func (p *Parser) returnStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	var val ast.Expr
	if !p.check(token.Semicolon) && !p.check(token.RBrace) && !p.isAtEnd() {
		v, err := p.expression()
		if err != nil {
			return nil, err
		}
		val = v
	}
	p.match(token.Semicolon)
	return &ast.Return{Token: tok, Value: val}, nil
}

func (p *Parser) ifStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	then, err := p.requireBlock("after if condition")
	if err != nil {
		return nil, err
	}

	var elseBranch ast.Stmt
	if p.matchKeyword("else") {
		if p.matchKeyword("if") {
			elseBranch, err = p.ifStmt()
			if err != nil {
				return nil, err
			}
		} else {
			elseBranch, err = p.requireBlock("after else")
			if err != nil {
				return nil, err
			}
		}
	}
	return &ast.If{Token: tok, Cond: cond, Then: then, Else: elseBranch}, nil
}

// attemptStmt parses `attempt { body } fail err { handler }`.
func (p *Parser) attemptStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	body, err := p.requireBlock("after attempt")
	if err != nil {
		return nil, err
	}
	if !p.matchKeyword("fail") {
		return nil, p.errorHere("expected 'fail' after attempt block")
	}
	errName, err := p.consume(token.Ident, "expected error variable name")
	if err != nil {
		return nil, err
	}
	handler, err := p.requireBlock("after fail clause")
	if err != nil {
		return nil, err
	}
	return &ast.Attempt{Token: tok, Body: body, ErrName: errName, Handler: handler}, nil
}

func (p *Parser) panicStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	val, err := p.expression()
	if err != nil {
		return nil, err
	}
	p.match(token.Semicolon)
	return &ast.Panic{Token: tok, Value: val}, nil
}

func (p *Parser) useStmt() (ast.Stmt, *ryerr.RyError) {
	tok := p.previous()
	pathTok, err := p.consume(token.String, "expected module path string after 'use'")
	if err != nil {
		return nil, err
	}
	alias := ""
	if p.matchKeyword("as") {
		aliasTok, err := p.consume(token.Ident, "expected alias name after 'as'")
		if err != nil {
			return nil, err
		}
		alias = aliasTok.Value
	}
	p.match(token.Semicolon)
	return &ast.Use{Token: tok, Path: pathTok.Value, Alias: alias}, nil
}

// expressions, by ascending precedence

func (p *Parser) expression() (ast.Expr, *ryerr.RyError) { return p.logicalOr() }

func (p *Parser) logicalOr() (ast.Expr, *ryerr.RyError) {
	left, err := p.logicalAnd()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("or") {
		tok := p.previous()
		right, err := p.logicalAnd()
		if err != nil {
			return nil, err
		}
		left = &ast.Logical{Token: tok, Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) logicalAnd() (ast.Expr, *ryerr.RyError) {
	left, err := p.equality()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("and") {
		tok := p.previous()
		right, err := p.equality()
		if err != nil {
			return nil, err
		}
		left = &ast.Logical{Token: tok, Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) equality() (ast.Expr, *ryerr.RyError) {
	left, err := p.comparison()
	if err != nil {
		return nil, err
	}
	for p.match(token.EqualEqual, token.BangEqual) {
		tok := p.previous()
		right, err := p.comparison()
		if err != nil {
			return nil, err
		}
		left = &ast.Comparison{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

// comparison parses >=/<= into ordinary Comparison nodes; there are no
// matching opcodes, so the compiler lowers them to `not(<)`/`not(>)`
// (spec §4.3).
func (p *Parser) comparison() (ast.Expr, *ryerr.RyError) {
	left, err := p.bitwiseOr()
	if err != nil {
		return nil, err
	}
	for p.match(token.Greater, token.Less, token.GreaterEqual, token.LessEqual) {
		tok := p.previous()
		right, err := p.bitwiseOr()
		if err != nil {
			return nil, err
		}
		left = &ast.Comparison{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) bitwiseOr() (ast.Expr, *ryerr.RyError) {
	left, err := p.bitwiseXor()
	if err != nil {
		return nil, err
	}
	for p.match(token.Pipe) {
		tok := p.previous()
		right, err := p.bitwiseXor()
		if err != nil {
			return nil, err
		}
		left = &ast.Bitwise{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) bitwiseXor() (ast.Expr, *ryerr.RyError) {
	left, err := p.bitwiseAnd()
	if err != nil {
		return nil, err
	}
	for p.match(token.Caret) {
		tok := p.previous()
		right, err := p.bitwiseAnd()
		if err != nil {
			return nil, err
		}
		left = &ast.Bitwise{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) bitwiseAnd() (ast.Expr, *ryerr.RyError) {
	left, err := p.shift()
	if err != nil {
		return nil, err
	}
	for p.match(token.Amp) {
		tok := p.previous()
		right, err := p.shift()
		if err != nil {
			return nil, err
		}
		left = &ast.Bitwise{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) shift() (ast.Expr, *ryerr.RyError) {
	left, err := p.rangeExpr()
	if err != nil {
		return nil, err
	}
	for p.match(token.Shl, token.Shr) {
		tok := p.previous()
		right, err := p.rangeExpr()
		if err != nil {
			return nil, err
		}
		left = &ast.Bitwise{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

// rangeExpr parses `start..end`; not chainable (spec §3's Range is a pair,
// not a list of bounds).
func (p *Parser) rangeExpr() (ast.Expr, *ryerr.RyError) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	if p.match(token.DotDot) {
		tok := p.previous()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		return &ast.RangeExpr{Token: tok, Start: left, End: right}, nil
	}
	return left, nil
}

func (p *Parser) term() (ast.Expr, *ryerr.RyError) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for p.match(token.Plus, token.Minus) {
		tok := p.previous()
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) factor() (ast.Expr, *ryerr.RyError) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.match(token.Star, token.Slash, token.Percent) {
		tok := p.previous()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Token: tok, Op: tok.Kind, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) unary() (ast.Expr, *ryerr.RyError) {
	if p.match(token.Minus, token.Bang) || p.matchKeyword("not") {
		tok := p.previous()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &ast.Unary{Token: tok, Op: tok.Kind, Operand: operand}, nil
	}
	return p.postfix()
}

func (p *Parser) postfix() (ast.Expr, *ryerr.RyError) {
	expr, err := p.call()
	if err != nil {
		return nil, err
	}
	if p.match(token.PlusPlus, token.MinusMinus) {
		tok := p.previous()
		return &ast.Postfix{Token: tok, Op: tok.Kind, Operand: expr}, nil
	}
	return expr, nil
}

func (p *Parser) call() (ast.Expr, *ryerr.RyError) {
	expr, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.match(token.LParen):
			tok := p.previous()
			var args []ast.Expr
			if !p.check(token.RParen) {
				for {
					arg, err := p.expression()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if !p.match(token.Comma) {
						break
					}
				}
			}
			if _, err := p.consume(token.RParen, "expected ')' after call arguments"); err != nil {
				return nil, err
			}
			expr = &ast.Call{Token: tok, Callee: expr, Args: args}
		case p.match(token.LBracket):
			tok := p.previous()
			idx, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.consume(token.RBracket, "expected ']' after index expression"); err != nil {
				return nil, err
			}
			expr = &ast.Index{Token: tok, Collection: expr, Index: idx}
		case p.match(token.Dot):
			tok := p.previous()
			nameTok := p.advance()
			expr = &ast.GetProperty{Token: tok, Object: expr, Name: nameTok.Value}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) primary() (ast.Expr, *ryerr.RyError) {
	switch p.current().Kind {
	case token.Ident:
		tok := p.advance()
		return &ast.Ident{Token: tok, Name: tok.Value}, nil
	case token.Int, token.Float:
		tok := p.advance()
		val, _ := strconv.ParseFloat(tok.Value, 64)
		return &ast.NumberLit{Token: tok, Value: val}, nil
	case token.String:
		tok := p.advance()
		return &ast.StringLit{Token: tok, Value: tok.Value}, nil
	case token.LBracket:
		p.advance()
		return p.listLiteral()
	case token.LBrace:
		p.advance()
		return p.mapLiteral()
	case token.LParen:
		p.advance()
		expr, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.consume(token.RParen, "expected ')' after expression"); err != nil {
			return nil, err
		}
		return expr, nil
	case token.Keyword:
		switch p.current().Value {
		case "true", "false":
			tok := p.advance()
			return &ast.BoolLit{Token: tok, Value: tok.Value == "true"}, nil
		case "null":
			return &ast.NullLit{Token: p.advance()}, nil
		case "this":
			tok := p.advance()
			return &ast.Ident{Token: tok, Name: "this"}, nil
		case "func":
			return p.funcExpr()
		}
	}
	return nil, p.errorHere(fmt.Sprintf("expected an expression"))
}

func (p *Parser) listLiteral() (ast.Expr, *ryerr.RyError) {
	tok := p.previous()
	var elems []ast.Expr
	if !p.check(token.RBracket) {
		for {
			e, err := p.expression()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if !p.match(token.Comma) {
				break
			}
			if p.check(token.RBracket) {
				break
			}
		}
	}
	if _, err := p.consume(token.RBracket, "expected ']' after list elements"); err != nil {
		return nil, err
	}
	return &ast.ListExpr{Token: tok, Elements: elems}, nil
}

func (p *Parser) mapLiteral() (ast.Expr, *ryerr.RyError) {
	tok := p.previous()
	var pairs []ast.MapPair
	if !p.check(token.RBrace) {
		for {
			var key ast.Expr
			computed := false
			if p.match(token.LBracket) {
				computed = true
				k, err := p.expression()
				if err != nil {
					return nil, err
				}
				key = k
				if _, err := p.consume(token.RBracket, "expected ']' after computed map key"); err != nil {
					return nil, err
				}
			} else if p.check(token.Ident) {
				nameTok := p.advance()
				key = &ast.StringLit{Token: nameTok, Value: nameTok.Value}
			} else {
				k, err := p.primary()
				if err != nil {
					return nil, err
				}
				key = k
			}
			if _, err := p.consume(token.Colon, "expected ':' after map key"); err != nil {
				return nil, err
			}
			val, err := p.expression()
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, ast.MapPair{Key: key, Value: val, IsComputed: computed})
			if !p.match(token.Comma) {
				break
			}
			if p.check(token.RBrace) {
				break
			}
		}
	}
	if _, err := p.consume(token.RBrace, "expected '}' after map entries"); err != nil {
		return nil, err
	}
	return &ast.MapExpr{Token: tok, Pairs: pairs}, nil
}
