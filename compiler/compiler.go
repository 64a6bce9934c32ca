// Package compiler performs a single pass from AST to bytecode: no
// intermediate IR, no separate resolution pass. It tracks locals and
// upvalues the way pylevm's Compiler tracks scoped locals
// (pyle/compiler.go's VariableScoped/LoopScope), but targets a
// byte-addressed Chunk and slot-indexed stack frames instead of
// pylevm's environment-map interpreter, per the VM architecture this
// language requires.
package compiler

import (
	"strings"

	"ry/ast"
	"ry/bytecode"
	"ry/ryerr"
	"ry/token"
	"ry/value"
)

type funcType int

const (
	scriptFunc funcType = iota
	plainFunc
	methodFunc
)

type local struct {
	name     string
	depth    int
	isConst  bool
	captured bool
}

type upvalueRef struct {
	index   byte
	isLocal bool
}

// loopCtx tracks the jump patch sites a 'stop'/'skip' inside the loop
// body needs, grounded on pylevm's LoopScope (pyle/compiler.go).
type loopCtx struct {
	continueTarget int
	breakJumps     []int
	depthAtEntry   int
	localsAtEntry  int
}

type classCtx struct {
	enclosing *classCtx
	name      string
}

// Compiler compiles one function body (or the top-level script) into a
// Chunk. Nested functions get their own Compiler chained through
// enclosing, mirroring pylevm's funcBaseDepths stack but as an explicit
// linked structure instead of an index stack.
type Compiler struct {
	enclosing *Compiler
	chunk     *bytecode.Chunk
	kind      funcType
	name      string
	arity     int

	locals     []local
	scopeDepth int
	upvalues   []upvalueRef

	loops []*loopCtx
	class *classCtx

	// namespace and nativeNames implement the current_namespace/native_names
	// global-qualification scheme: an undecorated global name compiled under
	// a non-empty namespace is stored and looked up as "namespace::name",
	// unless it's already qualified, names a known native, or starts with
	// "native". Both are inherited by nested function compilers so a closure
	// defined inside a namespaced module still qualifies its globals.
	namespace  string
	nativeNames map[string]struct{}
}

func newCompiler(enclosing *Compiler, kind funcType, name string) *Compiler {
	c := &Compiler{
		enclosing: enclosing,
		chunk:     bytecode.New(),
		kind:      kind,
		name:      name,
	}
	if enclosing != nil {
		c.class = enclosing.class
		c.namespace = enclosing.namespace
		c.nativeNames = enclosing.nativeNames
	}
	slot0 := ""
	if kind == methodFunc {
		slot0 = "this"
	}
	c.locals = append(c.locals, local{name: slot0, depth: 0})
	return c
}

// Compile compiles a complete program into its top-level Function, with no
// namespace qualification.
func Compile(program *ast.Block) (*value.Function, *ryerr.RyError) {
	return CompileNamespaced(program, "", nil)
}

// CompileNamespaced is Compile, but every undecorated global declared or
// referenced at the top level (and in any function nested inside it) is
// qualified as "namespace::name" unless it's already qualified, names a
// native in nativeNames, or starts with "native". The import path does not
// call it: `use ... as alias` isolates a module in a sub-VM instead.
//
// A trailing expression statement is left on the stack and returned as the
// script's value; otherwise the script returns nil.
func CompileNamespaced(program *ast.Block, namespace string, nativeNames map[string]struct{}) (*value.Function, *ryerr.RyError) {
	c := newCompiler(nil, scriptFunc, "script")
	c.namespace = namespace
	c.nativeNames = nativeNames
	for i, stmt := range program.Statements {
		if es, ok := stmt.(*ast.ExprStmt); ok && i == len(program.Statements)-1 {
			if err := c.compileExpr(es.Value); err != nil {
				return nil, err
			}
			c.emit(bytecode.Return, es.Token)
			break
		}
		if err := c.compileStmt(stmt); err != nil {
			return nil, err
		}
	}
	c.emitReturnNil(nil)
	return &value.Function{Name: "script", Arity: 0, UpvalueCount: 0, Chunk: c.chunk}, nil
}

// qualify implements the global-name-qualification rule: a bare name is
// prefixed with "namespace::" unless it's empty-namespace, already
// qualified, a known native, or begins with "native".
func (c *Compiler) qualify(name string) string {
	if c.namespace == "" || strings.Contains(name, "::") {
		return name
	}
	if _, ok := c.nativeNames[name]; ok {
		return name
	}
	if strings.HasPrefix(name, "native") {
		return name
	}
	return c.namespace + "::" + name
}

// emit helpers

func (c *Compiler) lineCol(t *token.Token) (int, int) {
	if t == nil {
		return 0, 0
	}
	return t.Loc.Line, t.Loc.ColStart
}

func (c *Compiler) emit(op bytecode.Op, t *token.Token) int {
	line, col := c.lineCol(t)
	return c.chunk.WriteOp(op, line, col)
}

func (c *Compiler) emitByte(b byte, t *token.Token) {
	line, col := c.lineCol(t)
	c.chunk.Write(b, line, col)
}

func (c *Compiler) emitOpByte(op bytecode.Op, operand byte, t *token.Token) {
	c.emit(op, t)
	c.emitByte(operand, t)
}

func (c *Compiler) emitConstant(v any, t *token.Token) *ryerr.RyError {
	idx, err := c.chunk.AddConstant(v)
	if err != nil {
		return c.errAt(t, "%s", err.Error())
	}
	c.emitOpByte(bytecode.Constant, idx, t)
	return nil
}

func (c *Compiler) emitReturnNil(t *token.Token) {
	c.emit(bytecode.Null, t)
	c.emit(bytecode.Return, t)
}

func (c *Compiler) errAt(t *token.Token, format string, args ...any) *ryerr.RyError {
	var loc token.Loc
	if t != nil {
		loc = t.Loc
	}
	return ryerr.New(ryerr.Compile, loc, format, args...)
}

// scopes

func (c *Compiler) beginScope() { c.scopeDepth++ }

// endScope pops every local declared at or deeper than the current depth,
// one POP per slot, then decrements the depth. Matches pylevm's
// exitScope, minus the map-based environment it used to tear down.
func (c *Compiler) endScope(t *token.Token) {
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].depth >= c.scopeDepth {
		c.emit(bytecode.Pop, t)
		c.locals = c.locals[:len(c.locals)-1]
	}
	c.scopeDepth--
}

// addLocal declares a local slot. Namespacing only applies at global scope,
// so a name carrying a "namespace::" prefix (legal at global scope, where it
// can be written directly by a caller that already qualified it) has the
// prefix stripped before it's registered as a local.
func (c *Compiler) addLocal(name string, isConst bool, t *token.Token) (int, *ryerr.RyError) {
	if i := strings.LastIndex(name, "::"); i != -1 {
		name = name[i+2:]
	}
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].depth < c.scopeDepth {
			break
		}
		if c.locals[i].name == name {
			return 0, c.errAt(t, "variable %q already declared in this scope", name)
		}
	}
	c.locals = append(c.locals, local{name: name, depth: c.scopeDepth, isConst: isConst})
	return len(c.locals) - 1, nil
}

func (c *Compiler) resolveLocal(name string) int {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].name == name {
			return i
		}
	}
	return -1
}

func (c *Compiler) addUpvalue(index byte, isLocal bool) byte {
	for i, uv := range c.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return byte(i)
		}
	}
	c.upvalues = append(c.upvalues, upvalueRef{index: index, isLocal: isLocal})
	return byte(len(c.upvalues) - 1)
}

// resolveUpvalue walks enclosing compilers looking for name, capturing it
// through every intermediate function so nested closures chain correctly
// (descending-stack-address capture order is the VM's concern, not the
// compiler's; the compiler just records the path).
func (c *Compiler) resolveUpvalue(name string) int {
	if c.enclosing == nil {
		return -1
	}
	if slot := c.enclosing.resolveLocal(name); slot != -1 {
		c.enclosing.locals[slot].captured = true
		return int(c.addUpvalue(byte(slot), true))
	}
	if uv := c.enclosing.resolveUpvalue(name); uv != -1 {
		return int(c.addUpvalue(byte(uv), false))
	}
	return -1
}

type varKind int

const (
	varLocal varKind = iota
	varUpvalue
	varGlobal
)

func (c *Compiler) resolveVariable(name string) (varKind, int) {
	if slot := c.resolveLocal(name); slot != -1 {
		return varLocal, slot
	}
	if uv := c.resolveUpvalue(name); uv != -1 {
		return varUpvalue, uv
	}
	return varGlobal, 0
}

func (c *Compiler) emitGet(name string, t *token.Token) *ryerr.RyError {
	switch kind, idx := c.resolveVariable(name); kind {
	case varLocal:
		c.emitOpByte(bytecode.GetLocal, byte(idx), t)
	case varUpvalue:
		c.emitOpByte(bytecode.GetUpvalue, byte(idx), t)
	default:
		return c.emitGlobalOp(bytecode.GetGlobal, name, t)
	}
	return nil
}

func (c *Compiler) emitSet(name string, t *token.Token) *ryerr.RyError {
	switch kind, idx := c.resolveVariable(name); kind {
	case varLocal:
		if c.locals[idx].isConst {
			return c.errAt(t, "cannot assign to const variable %q", name)
		}
		c.emitOpByte(bytecode.SetLocal, byte(idx), t)
	case varUpvalue:
		c.emitOpByte(bytecode.SetUpvalue, byte(idx), t)
	default:
		return c.emitGlobalOp(bytecode.SetGlobal, name, t)
	}
	return nil
}

func (c *Compiler) emitGlobalOp(op bytecode.Op, name string, t *token.Token) *ryerr.RyError {
	switch op {
	case bytecode.GetGlobal, bytecode.SetGlobal, bytecode.DefineGlobal:
		name = c.qualify(name)
	}
	idx, err := c.chunk.AddConstant(value.String(name))
	if err != nil {
		return c.errAt(t, "%s", err.Error())
	}
	c.emitOpByte(op, idx, t)
	return nil
}

// statements

func (c *Compiler) compileStmt(s ast.Stmt) *ryerr.RyError {
	switch n := s.(type) {
	case *ast.Block:
		c.beginScope()
		for _, st := range n.Statements {
			if err := c.compileStmt(st); err != nil {
				return err
			}
		}
		c.endScope(n.Token)
		return nil
	case *ast.ExprStmt:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(bytecode.Pop, n.Token)
		return nil
	case *ast.VarDecl:
		return c.compileVarDecl(n)
	case *ast.Assign:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		if err := c.emitSet(n.Name.Value, n.Token); err != nil {
			return err
		}
		c.emit(bytecode.Pop, n.Token)
		return nil
	case *ast.CompoundAssign:
		if err := c.compileCompoundAssign(n.Name.Value, n.Op, n.Value, n.Token); err != nil {
			return err
		}
		c.emit(bytecode.Pop, n.Token)
		return nil
	case *ast.IndexSet:
		if err := c.compileExpr(n.Collection); err != nil {
			return err
		}
		if err := c.compileExpr(n.Index); err != nil {
			return err
		}
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(bytecode.SetIndex, n.Token)
		c.emit(bytecode.Pop, n.Token)
		return nil
	case *ast.SetProperty:
		if err := c.compileExpr(n.Object); err != nil {
			return err
		}
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		if err := c.emitGlobalOp(bytecode.SetProperty, n.Name, n.Token); err != nil {
			return err
		}
		c.emit(bytecode.Pop, n.Token)
		return nil
	case *ast.If:
		return c.compileIf(n)
	case *ast.While:
		return c.compileWhile(n)
	case *ast.For:
		return c.compileFor(n)
	case *ast.EachIn:
		return c.compileEachIn(n)
	case *ast.Stop:
		return c.compileStop(n)
	case *ast.Skip:
		return c.compileSkip(n)
	case *ast.Return:
		return c.compileReturn(n)
	case *ast.FuncDecl:
		return c.compileFuncDecl(n)
	case *ast.ClassDecl:
		return c.compileClassDecl(n)
	case *ast.Attempt:
		return c.compileAttempt(n)
	case *ast.Panic:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(bytecode.Panic, n.Token)
		return nil
	case *ast.Use:
		return c.compileUse(n)
	}
	return c.errAt(s.Tok(), "compiler: unhandled statement %T", s)
}

func (c *Compiler) compileVarDecl(n *ast.VarDecl) *ryerr.RyError {
	if n.Init != nil {
		if err := c.compileExpr(n.Init); err != nil {
			return err
		}
	} else {
		c.emit(bytecode.Null, n.Token)
	}
	if c.scopeDepth == 0 {
		return c.emitGlobalOp(bytecode.DefineGlobal, n.Name.Value, n.Token)
	}
	_, err := c.addLocal(n.Name.Value, n.IsConst, n.Token)
	return err
}

func binaryOpForToken(k token.Kind) bytecode.Op {
	switch k {
	case token.Plus:
		return bytecode.Add
	case token.Minus:
		return bytecode.Subtract
	case token.Star:
		return bytecode.Multiply
	case token.Slash:
		return bytecode.Divide
	case token.Percent:
		return bytecode.Modulo
	}
	return bytecode.Add
}

func (c *Compiler) compileCompoundAssign(name string, op token.Kind, rhs ast.Expr, t *token.Token) *ryerr.RyError {
	if err := c.emitGet(name, t); err != nil {
		return err
	}
	if err := c.compileExpr(rhs); err != nil {
		return err
	}
	c.emit(binaryOpForToken(op), t)
	return c.emitSet(name, t)
}

// compilePostfix lowers `x++`/`x--`: load, OP_COPY to preserve the prior
// value as the expression's result, push 1, add or subtract, store
// back, then pop the peeked post-value — leaving the pre-increment
// value as what the expression evaluates to.
func (c *Compiler) compilePostfix(n *ast.Postfix) *ryerr.RyError {
	ident, ok := n.Operand.(*ast.Ident)
	if !ok {
		return c.errAt(n.Token, "'++'/'--' can only be applied to a variable")
	}
	if err := c.emitGet(ident.Name, n.Token); err != nil {
		return err
	}
	c.emit(bytecode.Copy, n.Token)
	if err := c.emitConstant(value.Number(1), n.Token); err != nil {
		return err
	}
	if n.Op == token.MinusMinus {
		c.emit(bytecode.Subtract, n.Token)
	} else {
		c.emit(bytecode.Add, n.Token)
	}
	if err := c.emitSet(ident.Name, n.Token); err != nil {
		return err
	}
	c.emit(bytecode.Pop, n.Token)
	return nil
}

func (c *Compiler) compileIf(n *ast.If) *ryerr.RyError {
	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	thenJump := c.chunk.WriteJump(bytecode.JumpIfFalse, n.Token.Loc.Line, n.Token.Loc.ColStart)
	c.emit(bytecode.Pop, n.Token)
	if err := c.compileStmt(n.Then); err != nil {
		return err
	}
	elseJump := c.chunk.WriteJump(bytecode.Jump, n.Token.Loc.Line, n.Token.Loc.ColStart)
	if err := c.chunk.PatchJump(thenJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	c.emit(bytecode.Pop, n.Token)
	if n.Else != nil {
		if err := c.compileStmt(n.Else); err != nil {
			return err
		}
	}
	if err := c.chunk.PatchJump(elseJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	return nil
}

func (c *Compiler) pushLoop() *loopCtx {
	lc := &loopCtx{
		depthAtEntry:  c.scopeDepth,
		localsAtEntry: len(c.locals),
	}
	c.loops = append(c.loops, lc)
	return lc
}

func (c *Compiler) popLoop() *loopCtx {
	lc := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	return lc
}

func (c *Compiler) compileWhile(n *ast.While) *ryerr.RyError {
	lc := c.pushLoop()
	loopStart := len(c.chunk.Code)
	lc.continueTarget = loopStart

	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	exitJump := c.chunk.WriteJump(bytecode.JumpIfFalse, n.Token.Loc.Line, n.Token.Loc.ColStart)
	c.emit(bytecode.Pop, n.Token)

	if err := c.compileStmt(n.Body); err != nil {
		return err
	}
	if err := c.chunk.EmitLoop(loopStart, n.Token.Loc.Line, n.Token.Loc.ColStart); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	if err := c.chunk.PatchJump(exitJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	c.emit(bytecode.Pop, n.Token)

	lc = c.popLoop()
	for _, j := range lc.breakJumps {
		if err := c.chunk.PatchJump(j); err != nil {
			return c.errAt(n.Token, "%s", err.Error())
		}
	}
	return nil
}

func (c *Compiler) compileFor(n *ast.For) *ryerr.RyError {
	c.beginScope()
	if n.Init != nil {
		if err := c.compileStmt(n.Init); err != nil {
			return err
		}
	}

	lc := c.pushLoop()
	loopStart := len(c.chunk.Code)

	exitJump := -1
	if n.Cond != nil {
		if err := c.compileExpr(n.Cond); err != nil {
			return err
		}
		exitJump = c.chunk.WriteJump(bytecode.JumpIfFalse, n.Token.Loc.Line, n.Token.Loc.ColStart)
		c.emit(bytecode.Pop, n.Token)
	}

	bodyJump := c.chunk.WriteJump(bytecode.Jump, n.Token.Loc.Line, n.Token.Loc.ColStart)

	incrStart := len(c.chunk.Code)
	if n.Incr != nil {
		if err := c.compileStmt(n.Incr); err != nil {
			return err
		}
	}
	if err := c.chunk.EmitLoop(loopStart, n.Token.Loc.Line, n.Token.Loc.ColStart); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	if err := c.chunk.PatchJump(bodyJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	// skip's continue target is the condition recheck, not incrStart:
	// a for-loop's skip does not run the increment clause (spec open
	// question, preserved rather than given C-style semantics).
	lc.continueTarget = loopStart

	if err := c.compileStmt(n.Body); err != nil {
		return err
	}
	if err := c.chunk.EmitLoop(incrStart, n.Token.Loc.Line, n.Token.Loc.ColStart); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	if exitJump != -1 {
		if err := c.chunk.PatchJump(exitJump); err != nil {
			return c.errAt(n.Token, "%s", err.Error())
		}
		c.emit(bytecode.Pop, n.Token)
	}

	lc = c.popLoop()
	for _, j := range lc.breakJumps {
		if err := c.chunk.PatchJump(j); err != nil {
			return c.errAt(n.Token, "%s", err.Error())
		}
	}
	c.endScope(n.Token)
	return nil
}

// compileEachIn lowers `each x in coll { body }` onto FOR_EACH_NEXT,
// which inspects the {collection, index} pair sitting on the stack
// directly rather than materializing an iterator object (spec §4.3).
func (c *Compiler) compileEachIn(n *ast.EachIn) *ryerr.RyError {
	c.beginScope()
	if err := c.compileExpr(n.Collection); err != nil {
		return err
	}
	// Reserve the collection and index as real locals so the loop
	// variable's slot lands where FOR_EACH_NEXT actually pushes the
	// element: stack slot == c.locals index everywhere in this compiler.
	if _, err := c.addLocal("each:collection", false, n.Token); err != nil {
		return err
	}
	c.emitConstant(value.Number(0), n.Token)
	if _, err := c.addLocal("each:index", false, n.Token); err != nil {
		return err
	}

	lc := c.pushLoop()
	loopStart := len(c.chunk.Code)
	lc.continueTarget = loopStart

	exitJump := c.chunk.WriteJump(bytecode.ForEachNext, n.Token.Loc.Line, n.Token.Loc.ColStart)

	c.beginScope()
	if _, err := c.addLocal(n.Var.Value, false, n.Token); err != nil {
		return err
	}
	for _, st := range n.Body.Statements {
		if err := c.compileStmt(st); err != nil {
			return err
		}
	}
	c.endScope(n.Token)

	if err := c.chunk.EmitLoop(loopStart, n.Token.Loc.Line, n.Token.Loc.ColStart); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	if err := c.chunk.PatchJump(exitJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	lc = c.popLoop()
	for _, j := range lc.breakJumps {
		if err := c.chunk.PatchJump(j); err != nil {
			return c.errAt(n.Token, "%s", err.Error())
		}
	}
	c.endScope(n.Token) // pops index + collection; FOR_EACH_NEXT leaves both on exit
	return nil
}

func (c *Compiler) popLocalsTo(count int, t *token.Token) {
	for i := len(c.locals) - 1; i >= count; i-- {
		c.emit(bytecode.Pop, t)
	}
}

func (c *Compiler) compileStop(n *ast.Stop) *ryerr.RyError {
	if len(c.loops) == 0 {
		return c.errAt(n.Token, "'stop' used outside a loop")
	}
	lc := c.loops[len(c.loops)-1]
	c.popLocalsTo(lc.localsAtEntry, n.Token)
	j := c.chunk.WriteJump(bytecode.Jump, n.Token.Loc.Line, n.Token.Loc.ColStart)
	lc.breakJumps = append(lc.breakJumps, j)
	return nil
}

// compileSkip jumps to the loop's continue target. For a C-style for
// loop that target is the condition recheck, not the increment clause —
// skip does not run the increment (spec open question, preserved).
func (c *Compiler) compileSkip(n *ast.Skip) *ryerr.RyError {
	if len(c.loops) == 0 {
		return c.errAt(n.Token, "'skip' used outside a loop")
	}
	lc := c.loops[len(c.loops)-1]
	c.popLocalsTo(lc.localsAtEntry, n.Token)
	if err := c.chunk.EmitLoop(lc.continueTarget, n.Token.Loc.Line, n.Token.Loc.ColStart); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	return nil
}

func (c *Compiler) compileReturn(n *ast.Return) *ryerr.RyError {
	if c.kind == scriptFunc {
		return c.errAt(n.Token, "'return' used outside a function")
	}
	if n.Value == nil {
		c.emit(bytecode.Null, n.Token)
	} else if err := c.compileExpr(n.Value); err != nil {
		return err
	}
	c.emit(bytecode.Return, n.Token)
	return nil
}

// compileAttempt compiles `attempt { body } fail err { handler }` using
// a runtime handler stack the VM pushes/pops (ATTEMPT/END_ATTEMPT) and
// unwinds on PANIC, not Go panic/recover — the VM still needs to report
// structured RyErrors for uncaught cases.
func (c *Compiler) compileAttempt(n *ast.Attempt) *ryerr.RyError {
	handlerJump := c.chunk.WriteJump(bytecode.Attempt, n.Token.Loc.Line, n.Token.Loc.ColStart)

	c.beginScope()
	for _, st := range n.Body.Statements {
		if err := c.compileStmt(st); err != nil {
			return err
		}
	}
	c.endScope(n.Token)
	c.emit(bytecode.EndAttempt, n.Token)

	afterJump := c.chunk.WriteJump(bytecode.Jump, n.Token.Loc.Line, n.Token.Loc.ColStart)

	if err := c.chunk.PatchJump(handlerJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	c.beginScope()
	if _, err := c.addLocal(n.ErrName.Value, false, n.Token); err != nil {
		return err
	}
	for _, st := range n.Handler.Statements {
		if err := c.compileStmt(st); err != nil {
			return err
		}
	}
	c.endScope(n.Token)

	if err := c.chunk.PatchJump(afterJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	return nil
}

// compileUse lowers `use "path"` / `use "path" as alias`. IMPORT carries
// the path constant plus a one-byte mode: 0 runs the module inline,
// sharing this VM's global table directly (spec.md §4.3's literal
// IMPORT semantics — DEFINE_GLOBAL inside the imported script lands in
// the importer's own globals), 1 runs it in an isolated namespace and
// leaves a *value.Module on the stack for the alias to bind (SPEC_FULL
// §4's namespaced-import supplement).
func (c *Compiler) compileUse(n *ast.Use) *ryerr.RyError {
	idx, err := c.chunk.AddConstant(value.String(n.Path))
	if err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	c.emit(bytecode.Import, n.Token)
	c.emitByte(idx, n.Token)
	if n.Alias != "" {
		c.emitByte(1, n.Token)
		if c.scopeDepth == 0 {
			return c.emitGlobalOp(bytecode.DefineGlobal, n.Alias, n.Token)
		}
		_, err := c.addLocal(n.Alias, true, n.Token)
		return err
	}
	c.emitByte(0, n.Token)
	c.emit(bytecode.Pop, n.Token)
	return nil
}

// functions and classes

// compileFuncDecl reserves the name's slot before compiling the body so a
// nested function can reference itself recursively, either as a local
// (found directly) or as an upvalue (found through the enclosing
// compiler's locals) — the same trick pylevm's globals-by-name lookup
// gets for free, needed here because locals resolve by slot.
func (c *Compiler) compileFuncDecl(n *ast.FuncDecl) *ryerr.RyError {
	isLocal := c.scopeDepth > 0
	if isLocal {
		if _, err := c.addLocal(n.Name.Value, false, n.Token); err != nil {
			return err
		}
	}

	if err := c.compileFunctionBody(n.Name.Value, n.Params, n.Body, plainFunc); err != nil {
		return err
	}

	if isLocal {
		return nil
	}
	return c.emitGlobalOp(bytecode.DefineGlobal, n.Name.Value, n.Token)
}

// compileFunctionBody compiles params+body into a child Compiler, then
// emits CLOSURE in the parent chunk with the resulting Function as a
// constant, followed by each upvalue's (isLocal, index) pair — the same
// variable-length-instruction trick clox-style compilers use.
func (c *Compiler) compileFunctionBody(name string, params []ast.Param, body *ast.Block, kind funcType) *ryerr.RyError {
	fc := newCompiler(c, kind, name)
	fc.beginScope()
	for _, param := range params {
		if _, err := fc.addLocal(param.Name.Value, false, param.Name); err != nil {
			return err
		}
	}
	fc.arity = len(params)
	for _, st := range body.Statements {
		if err := fc.compileStmt(st); err != nil {
			return err
		}
	}
	fc.emitReturnNil(body.Token)

	fn := &value.Function{Name: name, Arity: fc.arity, UpvalueCount: len(fc.upvalues), Chunk: fc.chunk}
	if err := c.emitConstant(fn, body.Token); err != nil {
		return err
	}
	// rewrite the just-emitted CONSTANT into a CLOSURE carrying the same
	// operand, then append the upvalue table.
	c.chunk.Code[len(c.chunk.Code)-2] = byte(bytecode.Closure)
	for _, uv := range fc.upvalues {
		if uv.isLocal {
			c.emitByte(1, body.Token)
		} else {
			c.emitByte(0, body.Token)
		}
		c.emitByte(uv.index, body.Token)
	}
	return nil
}

func (c *Compiler) compileClassDecl(n *ast.ClassDecl) *ryerr.RyError {
	nameIdx, err := c.chunk.AddConstant(value.String(n.Name.Value))
	if err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}

	hasSuper := n.Superclass != nil
	if hasSuper {
		if err := c.compileExpr(n.Superclass); err != nil {
			return err
		}
	}
	c.emitOpByte(bytecode.Class, nameIdx, n.Token)
	if hasSuper {
		c.emit(bytecode.Inherit, n.Token)
	}

	c.class = &classCtx{enclosing: c.class, name: n.Name.Value}
	for _, m := range n.Methods {
		methodIdx, err := c.chunk.AddConstant(value.String(m.Name.Value))
		if err != nil {
			return c.errAt(m.Token, "%s", err.Error())
		}
		if err := c.compileFunctionBody(m.Name.Value, m.Params, m.Body, methodFunc); err != nil {
			return err
		}
		c.emitOpByte(bytecode.Method, methodIdx, m.Token)
	}
	c.class = c.class.enclosing

	if c.scopeDepth == 0 {
		return c.emitGlobalOp(bytecode.DefineGlobal, n.Name.Value, n.Token)
	}
	_, err2 := c.addLocal(n.Name.Value, false, n.Token)
	return err2
}

// expressions

func (c *Compiler) compileExpr(e ast.Expr) *ryerr.RyError {
	switch n := e.(type) {
	case *ast.NumberLit:
		return c.emitConstant(value.Number(n.Value), n.Token)
	case *ast.StringLit:
		return c.emitConstant(value.String(n.Value), n.Token)
	case *ast.BoolLit:
		if n.Value {
			c.emit(bytecode.True, n.Token)
		} else {
			c.emit(bytecode.False, n.Token)
		}
		return nil
	case *ast.NullLit:
		c.emit(bytecode.Null, n.Token)
		return nil
	case *ast.Ident:
		return c.emitGet(n.Name, n.Token)
	case *ast.ListExpr:
		for _, el := range n.Elements {
			if err := c.compileExpr(el); err != nil {
				return err
			}
		}
		if len(n.Elements) > 255 {
			return c.errAt(n.Token, "list literal has too many elements (max 255)")
		}
		c.emitOpByte(bytecode.BuildList, byte(len(n.Elements)), n.Token)
		return nil
	case *ast.MapExpr:
		for _, p := range n.Pairs {
			if err := c.compileExpr(p.Key); err != nil {
				return err
			}
			if err := c.compileExpr(p.Value); err != nil {
				return err
			}
		}
		if len(n.Pairs) > 255 {
			return c.errAt(n.Token, "map literal has too many entries (max 255)")
		}
		c.emitOpByte(bytecode.BuildMap, byte(len(n.Pairs)), n.Token)
		return nil
	case *ast.RangeExpr:
		if err := c.compileExpr(n.Start); err != nil {
			return err
		}
		if err := c.compileExpr(n.End); err != nil {
			return err
		}
		c.emit(bytecode.BuildRangeList, n.Token)
		return nil
	case *ast.Binary:
		if err := c.compileExpr(n.Left); err != nil {
			return err
		}
		if err := c.compileExpr(n.Right); err != nil {
			return err
		}
		c.emit(binaryOpForToken(n.Op), n.Token)
		return nil
	case *ast.Bitwise:
		if err := c.compileExpr(n.Left); err != nil {
			return err
		}
		if err := c.compileExpr(n.Right); err != nil {
			return err
		}
		switch n.Op {
		case token.Amp:
			c.emit(bytecode.BitwiseAnd, n.Token)
		case token.Pipe:
			c.emit(bytecode.BitwiseOr, n.Token)
		case token.Caret:
			c.emit(bytecode.BitwiseXor, n.Token)
		case token.Shl:
			c.emit(bytecode.LeftShift, n.Token)
		case token.Shr:
			c.emit(bytecode.RightShift, n.Token)
		}
		return nil
	case *ast.Comparison:
		return c.compileComparison(n)
	case *ast.Logical:
		return c.compileLogical(n)
	case *ast.Unary:
		if err := c.compileExpr(n.Operand); err != nil {
			return err
		}
		if n.Op == token.Minus {
			c.emit(bytecode.Negate, n.Token)
		} else {
			c.emit(bytecode.Not, n.Token)
		}
		return nil
	case *ast.Postfix:
		return c.compilePostfix(n)
	case *ast.Call:
		return c.compileCall(n)
	case *ast.Index:
		if err := c.compileExpr(n.Collection); err != nil {
			return err
		}
		if err := c.compileExpr(n.Index); err != nil {
			return err
		}
		c.emit(bytecode.GetIndex, n.Token)
		return nil
	case *ast.GetProperty:
		if err := c.compileExpr(n.Object); err != nil {
			return err
		}
		return c.emitGlobalOp(bytecode.GetProperty, n.Name, n.Token)
	case *ast.FuncExpr:
		return c.compileFunctionBody("", n.Params, n.Body, plainFunc)
	case *ast.Assign:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		return c.emitSet(n.Name.Value, n.Token)
	}
	return c.errAt(e.Tok(), "compiler: unhandled expression %T", e)
}

func (c *Compiler) compileComparison(n *ast.Comparison) *ryerr.RyError {
	if err := c.compileExpr(n.Left); err != nil {
		return err
	}
	if err := c.compileExpr(n.Right); err != nil {
		return err
	}
	switch n.Op {
	case token.EqualEqual:
		c.emit(bytecode.Equal, n.Token)
	case token.BangEqual:
		c.emit(bytecode.Equal, n.Token)
		c.emit(bytecode.Not, n.Token)
	case token.Greater:
		c.emit(bytecode.Greater, n.Token)
	case token.Less:
		c.emit(bytecode.Less, n.Token)
	case token.GreaterEqual:
		// a >= b  ==  not (a < b)
		c.emit(bytecode.Less, n.Token)
		c.emit(bytecode.Not, n.Token)
	case token.LessEqual:
		// a <= b  ==  not (a > b)
		c.emit(bytecode.Greater, n.Token)
		c.emit(bytecode.Not, n.Token)
	default:
		return c.errAt(n.Token, "compiler: unhandled comparison operator")
	}
	return nil
}

// compileLogical short-circuits: 'and' skips the right operand when the
// left is false, 'or' skips it when the left is true. Both leave exactly
// one value on the stack either way.
func (c *Compiler) compileLogical(n *ast.Logical) *ryerr.RyError {
	if err := c.compileExpr(n.Left); err != nil {
		return err
	}
	if n.Op == "and" {
		endJump := c.chunk.WriteJump(bytecode.JumpIfFalse, n.Token.Loc.Line, n.Token.Loc.ColStart)
		c.emit(bytecode.Pop, n.Token)
		if err := c.compileExpr(n.Right); err != nil {
			return err
		}
		if err := c.chunk.PatchJump(endJump); err != nil {
			return c.errAt(n.Token, "%s", err.Error())
		}
		return nil
	}
	elseJump := c.chunk.WriteJump(bytecode.JumpIfFalse, n.Token.Loc.Line, n.Token.Loc.ColStart)
	endJump := c.chunk.WriteJump(bytecode.Jump, n.Token.Loc.Line, n.Token.Loc.ColStart)
	if err := c.chunk.PatchJump(elseJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	c.emit(bytecode.Pop, n.Token)
	if err := c.compileExpr(n.Right); err != nil {
		return err
	}
	if err := c.chunk.PatchJump(endJump); err != nil {
		return c.errAt(n.Token, "%s", err.Error())
	}
	return nil
}

func (c *Compiler) compileCall(n *ast.Call) *ryerr.RyError {
	if err := c.compileExpr(n.Callee); err != nil {
		return err
	}
	for _, arg := range n.Args {
		if err := c.compileExpr(arg); err != nil {
			return err
		}
	}
	if len(n.Args) > 255 {
		return c.errAt(n.Token, "call has too many arguments (max 255)")
	}
	c.emitOpByte(bytecode.Call, byte(len(n.Args)), n.Token)
	return nil
}
