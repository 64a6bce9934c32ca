// Package vm executes compiled bytecode on a fixed-size value stack with
// slot-addressed call frames, grounded on pylevm's pyle/vm.go: a
// switch-dispatched run loop, Result-style error propagation, and a
// guarded-by-mutex VM so Call can be invoked from native code.
// Locals live on the stack by slot rather than in pylevm's environment
// maps, and closures capture upvalues rather than whole environments,
// per this language's call-frame design.
package vm

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ry/bytecode"
	"ry/compiler"
	"ry/lexer"
	"ry/parser"
	"ry/ryerr"
	"ry/rymodule"
	"ry/token"
	"ry/value"
)

const (
	StackMax  = 256
	FramesMax = 64
)

type frame struct {
	closure  *value.Closure
	ip       int
	slotBase int
	isInit   bool
}

// Upvalue is the concrete implementation of value.UpvalueRef: open
// upvalues read/write straight into the VM's stack slot; closing copies
// the current value out so the slot can be reused after the frame that
// owned it returns (spec: closed only on OP_RETURN).
type Upvalue struct {
	vm       *VM
	slot     int
	isClosed bool
	closed   value.Value
	next     *Upvalue
}

func (u *Upvalue) Get() value.Value {
	if u.isClosed {
		return u.closed
	}
	return u.vm.stack[u.slot]
}

func (u *Upvalue) Set(v value.Value) {
	if u.isClosed {
		u.closed = v
		return
	}
	u.vm.stack[u.slot] = v
}

// handler is a pending attempt block's unwind target.
type handler struct {
	frameDepth int
	stackDepth int
	handlerIP  int
}

type VM struct {
	mu sync.Mutex

	stack [StackMax]value.Value
	sp    int

	frames     [FramesMax]frame
	frameCount int

	globals map[string]value.Value

	openUpvalues *Upvalue
	handlers     []handler

	// moduleCache holds namespaced (`use ... as alias`) imports, keyed by
	// absolute path. importedInline records bare `use` paths already run
	// inline, so a repeated bare import runs its top level at most once
	// (spec §8's module-caching invariant) without re-executing it.
	moduleCache    map[string]*value.Module
	importedInline map[string]bool
	functionCache  map[string]*value.Function
	baseDir        string
	installNatives func(value.Globals)

	Stdout interface {
		WriteString(string) (int, error)
	}
}

type stdoutWriter struct{}

func (stdoutWriter) WriteString(s string) (int, error) { return os.Stdout.WriteString(s) }

func New() *VM {
	return &VM{
		globals:        make(map[string]value.Value),
		moduleCache:    make(map[string]*value.Module),
		importedInline: make(map[string]bool),
		functionCache:  make(map[string]*value.Function),
		Stdout:         stdoutWriter{},
	}
}

// value.Globals

func (vm *VM) Get(name string) (value.Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

func (vm *VM) Set(name string, v value.Value) { vm.globals[name] = v }

// WriteString forwards to Stdout so natives holding only a value.Globals
// (the VM, in practice) can still print without this package depending
// on stdlib.
func (vm *VM) WriteString(s string) (int, error) { return vm.Stdout.WriteString(s) }

func (vm *VM) SetBaseDir(dir string) { vm.baseDir = dir }

// SetNativeInstaller registers the hook used to populate a VM's globals
// with the standard library. importNamespaced calls it again for every
// freshly created sub-VM so imported modules see the same builtins as
// the importing script, without this package depending on stdlib.
func (vm *VM) SetNativeInstaller(install func(value.Globals)) { vm.installNatives = install }

// stack

func (vm *VM) push(v value.Value) *ryerr.RyError {
	if vm.sp >= StackMax {
		return vm.runtimeErr("stack overflow")
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() value.Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = nil
	return v
}

func (vm *VM) peek(distance int) value.Value { return vm.stack[vm.sp-1-distance] }

// Interpret runs a freshly compiled top-level script to completion and
// returns its final expression value (nil for a script with no trailing
// expression).
func (vm *VM) Interpret(fn *value.Function) ryerr.Result[value.Value] {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	closure := &value.Closure{Function: fn}
	if err := vm.push(closure); err != nil {
		return ryerr.Err[value.Value](err)
	}
	vm.frames[0] = frame{closure: closure, ip: 0, slotBase: 0}
	vm.frameCount = 1

	return vm.run(0)
}

// Call invokes an arbitrary callable value from Go code (native
// functions that take callbacks, e.g. a future 'sort by' builtin),
// mirroring pylevm's CallFunction.
func (vm *VM) Call(callee value.Value, args []value.Value) (value.Value, *ryerr.RyError) {
	stackBottom := vm.sp
	if err := vm.push(callee); err != nil {
		return nil, err
	}
	for _, a := range args {
		if err := vm.push(a); err != nil {
			return nil, err
		}
	}
	depthBefore := vm.frameCount
	if err := vm.callValue(len(args)); err != nil {
		return nil, err
	}
	if vm.frameCount == depthBefore {
		// Natives and init-less classes finish inside callValue.
		v := vm.pop()
		vm.sp = stackBottom
		return v, nil
	}
	targetDepth := vm.frameCount - 1
	res := vm.run(targetDepth)
	if res.IsErr() {
		return nil, res.Err.(*ryerr.RyError)
	}
	if vm.sp > stackBottom {
		v := vm.pop()
		vm.sp = stackBottom
		return v, nil
	}
	return value.Nil{}, nil
}

// run executes until the frame stack unwinds back to targetDepth
// (Interpret passes -1-equivalent 0 meaning "run the whole program";
// Call passes the depth to return to once the callee's frame pops).
func (vm *VM) run(targetDepth int) ryerr.Result[value.Value] {
	fr := &vm.frames[vm.frameCount-1]
	code := fr.closure.Function.Chunk.Code

	for {
		if fr.ip >= len(code) {
			return ryerr.Ok[value.Value](value.Nil{})
		}
		op := bytecode.Op(code[fr.ip])
		loc := vm.currentLoc(fr)
		fr.ip++

		switch op {
		case bytecode.Constant:
			idx := code[fr.ip]
			fr.ip++
			if err := vm.push(asValue(fr.closure.Function.Chunk.Constants[idx])); err != nil {
				return ryerr.Err[value.Value](err)
			}

		case bytecode.Null:
			vm.push(value.Nil{})
		case bytecode.True:
			vm.push(value.Bool(true))
		case bytecode.False:
			vm.push(value.Bool(false))
		case bytecode.Pop:
			vm.pop()

		case bytecode.Copy:
			vm.push(vm.peek(0))

		case bytecode.DefineGlobal:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			vm.globals[name] = vm.pop()

		case bytecode.GetGlobal:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			v, ok := vm.globals[name]
			if !ok {
				if err := vm.handleOrFail(vm.undefinedGlobalErr(name, loc)); err != nil {
					return ryerr.Err[value.Value](err)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(v)

		case bytecode.SetGlobal:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			if _, ok := vm.globals[name]; !ok {
				if err := vm.handleOrFail(vm.undefinedGlobalErr(name, loc)); err != nil {
					return ryerr.Err[value.Value](err)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.globals[name] = vm.peek(0)

		case bytecode.GetLocal:
			slot := code[fr.ip]
			fr.ip++
			vm.push(vm.stack[fr.slotBase+int(slot)])

		case bytecode.SetLocal:
			slot := code[fr.ip]
			fr.ip++
			vm.stack[fr.slotBase+int(slot)] = vm.peek(0)

		case bytecode.GetUpvalue:
			idx := code[fr.ip]
			fr.ip++
			vm.push(fr.closure.Upvalues[idx].(*Upvalue).Get())

		case bytecode.SetUpvalue:
			idx := code[fr.ip]
			fr.ip++
			fr.closure.Upvalues[idx].(*Upvalue).Set(vm.peek(0))

		case bytecode.Add, bytecode.Subtract, bytecode.Multiply, bytecode.Divide, bytecode.Modulo:
			b := vm.pop()
			a := vm.pop()
			res, err := arith(op, a, b, loc)
			if err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(res)

		case bytecode.Negate:
			v := vm.pop()
			n, ok := v.(value.Number)
			if !ok {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "cannot negate a %s", v.Type())); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(-n)

		case bytecode.Not:
			v := vm.pop()
			if _, isNil := v.(value.Nil); isNil {
				// GREATER_EQUAL/LESS_EQUAL lower to LESS,NOT / GREATER,NOT;
				// NOT of the nil a mismatched comparison produces stays nil
				// rather than becoming true (spec open question, preserved).
				vm.push(value.Nil{})
			} else {
				vm.push(value.Bool(!v.Truthy()))
			}

		case bytecode.Equal:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.Bool(value.ValuesEqual(a, b)))

		case bytecode.Greater, bytecode.Less:
			b := vm.pop()
			a := vm.pop()
			res, err := compare(op, a, b, loc)
			if err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(res)

		case bytecode.BitwiseAnd, bytecode.BitwiseOr, bytecode.BitwiseXor, bytecode.LeftShift, bytecode.RightShift:
			b := vm.pop()
			a := vm.pop()
			res, err := bitwise(op, a, b, loc)
			if err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(res)

		case bytecode.Jump:
			offset := bytecode.ReadUint16(code, fr.ip)
			fr.ip += 2 + int(offset)

		case bytecode.JumpIfFalse:
			offset := bytecode.ReadUint16(code, fr.ip)
			fr.ip += 2
			if !vm.peek(0).Truthy() {
				fr.ip += int(offset)
			}

		case bytecode.Loop:
			offset := bytecode.ReadUint16(code, fr.ip)
			fr.ip += 2 - int(offset)

		case bytecode.BuildList:
			n := int(code[fr.ip])
			fr.ip++
			elems := make([]value.Value, n)
			copy(elems, vm.stack[vm.sp-n:vm.sp])
			vm.sp -= n
			vm.push(value.NewList(elems))

		case bytecode.BuildMap:
			n := int(code[fr.ip])
			fr.ip++
			m := value.NewMap()
			base := vm.sp - 2*n
			var setErr error
			for i := 0; i < n && setErr == nil; i++ {
				setErr = m.Set(vm.stack[base+2*i], vm.stack[base+2*i+1])
			}
			if setErr != nil {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "%v", setErr)); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.sp = base
			vm.push(m)

		case bytecode.BuildRangeList:
			end := vm.pop()
			start := vm.pop()
			sn, ok1 := start.(value.Number)
			en, ok2 := end.(value.Number)
			if !ok1 || !ok2 {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "range bounds must be numbers")); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(value.Range{Start: float64(sn), End: float64(en)})

		case bytecode.GetIndex:
			idx := vm.pop()
			coll := vm.pop()
			v, err := getIndex(coll, idx, loc)
			if err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(v)

		case bytecode.SetIndex:
			v := vm.pop()
			idx := vm.pop()
			coll := vm.pop()
			if err := setIndex(coll, idx, v, loc); err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(v)

		case bytecode.GetProperty:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			obj := vm.pop()
			v, err := vm.getProperty(obj, name, loc)
			if err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			vm.push(v)

		case bytecode.SetProperty:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			v := vm.pop()
			obj := vm.pop()
			inst, ok := obj.(*value.Instance)
			if !ok {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "cannot set property on a %s", obj.Type())); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			inst.Fields[name] = v
			vm.push(v)

		case bytecode.ForEachNext:
			offset := bytecode.ReadUint16(code, fr.ip)
			fr.ip += 2
			idxVal := vm.peek(0)
			collVal := vm.peek(1)
			i, ok := idxVal.(value.Number)
			if !ok {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "each: internal index corrupted")); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			length, lerr := eachLen(collVal)
			if lerr != nil {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "%v", lerr)); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			ii := int(i)
			if ii >= length {
				// Leaves collection and index on the stack; the compiled
				// loop epilogue's own POPs (compileEachIn's final
				// endScope) retire those two slots, same as it does for
				// a C-style for loop's init-clause locals.
				fr.ip += int(offset)
			} else {
				elem := eachGet(collVal, ii)
				vm.stack[vm.sp-1] = value.Number(ii + 1)
				vm.push(elem)
			}

		case bytecode.Call:
			argCount := int(code[fr.ip])
			fr.ip++
			if err := vm.callValue(argCount); err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			fr = &vm.frames[vm.frameCount-1]
			code = fr.closure.Function.Chunk.Code

		case bytecode.Return:
			result := vm.pop()
			if fr.isInit {
				result = vm.stack[fr.slotBase]
			}
			returningBase := fr.slotBase
			vm.closeUpvalues(returningBase)
			vm.frameCount--
			vm.sp = returningBase
			if err := vm.push(result); err != nil {
				return ryerr.Err[value.Value](err)
			}
			if vm.frameCount <= targetDepth {
				return ryerr.Ok[value.Value](result)
			}
			fr = &vm.frames[vm.frameCount-1]
			code = fr.closure.Function.Chunk.Code

		case bytecode.Closure:
			idx := code[fr.ip]
			fr.ip++
			fn := fr.closure.Function.Chunk.Constants[idx].(*value.Function)
			cl := &value.Closure{Function: fn, Upvalues: make([]value.UpvalueRef, fn.UpvalueCount)}
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal := code[fr.ip] == 1
				idx := code[fr.ip+1]
				fr.ip += 2
				if isLocal {
					cl.Upvalues[i] = vm.captureUpvalue(fr.slotBase + int(idx))
				} else {
					cl.Upvalues[i] = fr.closure.Upvalues[idx]
				}
			}
			vm.push(cl)

		case bytecode.Class:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			vm.push(value.NewClass(name))

		case bytecode.Inherit:
			class := vm.pop().(*value.Class)
			superVal := vm.pop()
			super, ok := superVal.(*value.Class)
			if !ok {
				if herr := vm.handleOrFail(vm.runtimeErrAt(loc, "superclass must be a class, got %s", superVal.Type())); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			class.Superclass = super
			for name, m := range super.Methods {
				class.Methods[name] = m
			}
			vm.push(class)

		case bytecode.Method:
			idx := code[fr.ip]
			fr.ip++
			name := string(fr.closure.Function.Chunk.Constants[idx].(value.String))
			closure := vm.pop().(*value.Closure)
			class := vm.peek(0).(*value.Class)
			class.Methods[name] = closure

		case bytecode.Attempt:
			offset := bytecode.ReadUint16(code, fr.ip)
			fr.ip += 2
			vm.handlers = append(vm.handlers, handler{
				frameDepth: vm.frameCount,
				stackDepth: vm.sp,
				handlerIP:  fr.ip + int(offset),
			})

		case bytecode.EndAttempt:
			if len(vm.handlers) > 0 {
				vm.handlers = vm.handlers[:len(vm.handlers)-1]
			}

		case bytecode.Panic:
			val := vm.pop()
			if len(vm.handlers) == 0 {
				return ryerr.Err[value.Value](vm.runtimeErrAt(loc, "uncaught panic: %s", val.String()))
			}
			h := vm.handlers[len(vm.handlers)-1]
			vm.handlers = vm.handlers[:len(vm.handlers)-1]
			vm.frameCount = h.frameDepth
			vm.sp = h.stackDepth
			vm.push(val)
			fr = &vm.frames[vm.frameCount-1]
			fr.ip = h.handlerIP
			code = fr.closure.Function.Chunk.Code

		case bytecode.Import:
			idx := code[fr.ip]
			mode := code[fr.ip+1]
			fr.ip += 2
			path := string(fr.closure.Function.Chunk.Constants[idx].(value.String))

			if mode == 1 {
				mod, err := vm.importNamespaced(path)
				if err != nil {
					if herr := vm.handleOrFail(err); herr != nil {
						return ryerr.Err[value.Value](herr)
					}
					fr = &vm.frames[vm.frameCount-1]
					code = fr.closure.Function.Chunk.Code
					continue
				}
				vm.push(mod)
				continue
			}

			closure, alreadyRan, err := vm.importInline(path)
			if err != nil {
				if herr := vm.handleOrFail(err); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
				fr = &vm.frames[vm.frameCount-1]
				code = fr.closure.Function.Chunk.Code
				continue
			}
			if alreadyRan {
				vm.push(value.Nil{})
				continue
			}
			calleeIdx := vm.sp
			vm.push(closure)
			if cerr := vm.callClosure(closure, calleeIdx, 0, false); cerr != nil {
				if herr := vm.handleOrFail(cerr); herr != nil {
					return ryerr.Err[value.Value](herr)
				}
			}
			fr = &vm.frames[vm.frameCount-1]
			code = fr.closure.Function.Chunk.Code
			continue

		default:
			return ryerr.Err[value.Value](vm.runtimeErrAt(loc, "unknown opcode %v", op))
		}
	}
}

func (vm *VM) currentLoc(fr *frame) token.Loc {
	chunk := fr.closure.Function.Chunk
	if fr.ip < len(chunk.Lines) {
		return token.Loc{Line: chunk.Lines[fr.ip], ColStart: chunk.Columns[fr.ip]}
	}
	return token.Loc{}
}

func (vm *VM) runtimeErr(format string, args ...any) *ryerr.RyError {
	return ryerr.New(ryerr.Runtime, token.Loc{}, format, args...)
}

func (vm *VM) runtimeErrAt(loc token.Loc, format string, args ...any) *ryerr.RyError {
	return ryerr.New(ryerr.Runtime, loc, format, args...)
}

// handleOrFail converts a runtime error into a catchable panic if an
// attempt block is active; returns nil when handled (caller must
// continue its loop from the refreshed frame) or the original error
// when uncaught.
func (vm *VM) handleOrFail(err *ryerr.RyError) *ryerr.RyError {
	if len(vm.handlers) == 0 {
		return err
	}
	h := vm.handlers[len(vm.handlers)-1]
	vm.handlers = vm.handlers[:len(vm.handlers)-1]
	vm.frameCount = h.frameDepth
	vm.sp = h.stackDepth
	vm.push(value.String(err.Error()))
	vm.frames[vm.frameCount-1].ip = h.handlerIP
	return nil
}

func (vm *VM) undefinedGlobalErr(name string, loc token.Loc) *ryerr.RyError {
	if suggestion := vm.didYouMean(name); suggestion != "" {
		return vm.runtimeErrAt(loc, "undefined variable %q (did you mean %q?)", name, suggestion)
	}
	return vm.runtimeErrAt(loc, "undefined variable %q", name)
}

// didYouMean finds the closest global name within edit distance 2,
// the same threshold pylevm-adjacent tooling uses for typo suggestions.
func (vm *VM) didYouMean(name string) string {
	best := ""
	bestDist := 3
	for k := range vm.globals {
		d := levenshtein(name, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur := make([]int, len(rb)+1)
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev = cur
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func asValue(c any) value.Value {
	if v, ok := c.(value.Value); ok {
		return v
	}
	panic(fmt.Sprintf("constant %v is not a value.Value", c))
}

// calls

func (vm *VM) callValue(argCount int) *ryerr.RyError {
	calleeIdx := vm.sp - 1 - argCount
	if calleeIdx < 0 {
		return vm.runtimeErr("stack underflow during call")
	}
	callee := vm.stack[calleeIdx]

	switch c := callee.(type) {
	case *value.Closure:
		return vm.callClosure(c, calleeIdx, argCount, false)

	case *value.BoundMethod:
		vm.stack[calleeIdx] = c.Receiver
		return vm.callClosure(c.Method, calleeIdx, argCount, false)

	case *value.Native:
		args := make([]value.Value, argCount)
		copy(args, vm.stack[calleeIdx+1:vm.sp])
		result, err := c.Fn(args, vm)
		if err != nil {
			return vm.runtimeErr("%v", err)
		}
		vm.sp = calleeIdx
		return vm.push(result)

	case *value.Class:
		inst := value.NewInstance(c)
		vm.stack[calleeIdx] = inst
		if init, ok := c.Methods["init"]; ok {
			return vm.callClosure(init, calleeIdx, argCount, true)
		}
		if argCount != 0 {
			return vm.runtimeErr("class %q takes no arguments", c.Name)
		}
		vm.sp = calleeIdx + 1
		return nil

	default:
		return vm.runtimeErr("%s is not callable", callee.Type())
	}
}

func (vm *VM) callClosure(c *value.Closure, calleeIdx, argCount int, isInit bool) *ryerr.RyError {
	if argCount != c.Function.Arity {
		return vm.runtimeErr("%s expected %d arguments, got %d", describeFn(c.Function.Name), c.Function.Arity, argCount)
	}
	if vm.frameCount >= FramesMax {
		return vm.runtimeErr("call stack overflow")
	}
	vm.frames[vm.frameCount] = frame{closure: c, ip: 0, slotBase: calleeIdx, isInit: isInit}
	vm.frameCount++
	return nil
}

// loadModuleFunction resolves and compiles a `use`d file into a bare
// zero-arity function wrapping its top-level code, grounded on spec.md
// §4.3's IMPORT: "wraps the resulting chunk as a zero-arity function
// named after the path". It does not run anything.
func (vm *VM) loadModuleFunction(path string) (string, *value.Function, *ryerr.RyError) {
	abs, rerr := rymodule.Resolve(path, vm.baseDir)
	if rerr != nil {
		return "", nil, vm.runtimeErr("%v", rerr)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, vm.runtimeErr("could not open script file '%s'", path)
	}
	toks, lerr := lexer.New(abs, string(src)).Tokenize()
	if lerr != nil {
		return "", nil, vm.runtimeErr("%v", lerr)
	}
	prog, perr := parser.New(toks).Parse()
	if perr != nil {
		return "", nil, vm.runtimeErr("%v", perr)
	}
	fn, cerr := compiler.Compile(prog)
	if cerr != nil {
		return "", nil, vm.runtimeErr("%v", cerr)
	}
	fn.Name = path
	return abs, fn, nil
}

// importInline implements bare `use "path"` (spec.md §4.3's literal
// IMPORT semantics): the module's top-level code runs as a new frame in
// *this* VM, so its OP_DEFINE_GLOBAL instructions populate this VM's own
// global table directly rather than a separate namespace. A path
// already imported this way returns alreadyRan=true instead of a
// closure, satisfying the "runs its top level exactly once" invariant
// (spec §8) without re-executing it on a repeated import.
func (vm *VM) importInline(path string) (closure *value.Closure, alreadyRan bool, rerr *ryerr.RyError) {
	abs, fn, err := vm.loadModuleFunctionCached(path)
	if err != nil {
		return nil, false, err
	}
	if vm.importedInline[abs] {
		return nil, true, nil
	}
	vm.importedInline[abs] = true
	return &value.Closure{Function: fn}, false, nil
}

// importNamespaced implements `use "path" as alias` (SPEC_FULL §4's
// namespacing supplement): the module runs to completion in an isolated
// sub-VM with its own global table, and the result is wrapped as a
// *value.Module so it does not leak into the importer's globals.
func (vm *VM) importNamespaced(path string) (*value.Module, *ryerr.RyError) {
	abs, fn, err := vm.loadModuleFunctionCached(path)
	if err != nil {
		return nil, err
	}
	if mod, ok := vm.moduleCache[abs]; ok {
		return mod, nil
	}

	sub := New()
	sub.Stdout = vm.Stdout
	sub.SetBaseDir(filepath.Dir(abs))
	if vm.installNatives != nil {
		vm.installNatives(sub)
		sub.installNatives = vm.installNatives
	}

	res := sub.Interpret(fn)
	if res.IsErr() {
		return nil, vm.runtimeErr("while importing %q: %v", path, res.Err)
	}

	mod := value.NewModule(path)
	for k, v := range sub.globals {
		if err := mod.Globals.Set(value.String(k), v); err != nil {
			return nil, vm.runtimeErr("%v", err)
		}
	}
	vm.moduleCache[abs] = mod
	return mod, nil
}

// loadModuleFunctionCached caches compiled modules by resolved absolute
// path; repeated imports (inline or namespaced) of the same file do not
// re-read or recompile it.
func (vm *VM) loadModuleFunctionCached(path string) (string, *value.Function, *ryerr.RyError) {
	abs, rerr := rymodule.Resolve(path, vm.baseDir)
	if rerr != nil {
		return "", nil, vm.runtimeErr("%v", rerr)
	}
	if fn, ok := vm.functionCache[abs]; ok {
		return abs, fn, nil
	}
	_, fn, err := vm.loadModuleFunction(path)
	if err != nil {
		return "", nil, err
	}
	vm.functionCache[abs] = fn
	return abs, fn, nil
}

func describeFn(name string) string {
	if name == "" {
		return "function"
	}
	return fmt.Sprintf("function %q", name)
}

// upvalues

func (vm *VM) captureUpvalue(slot int) *Upvalue {
	var prev *Upvalue
	cur := vm.openUpvalues
	for cur != nil && cur.slot > slot {
		prev = cur
		cur = cur.next
	}
	if cur != nil && cur.slot == slot {
		return cur
	}
	created := &Upvalue{vm: vm, slot: slot}
	created.next = cur
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

func (vm *VM) closeUpvalues(fromSlot int) {
	for vm.openUpvalues != nil && vm.openUpvalues.slot >= fromSlot {
		uv := vm.openUpvalues
		uv.closed = uv.Get()
		uv.isClosed = true
		vm.openUpvalues = uv.next
		uv.next = nil
	}
}

// properties

// getProperty walks GET_PROPERTY's priority chain (spec §4.3): len,
// then pop, then a map's own keys, then instance fields/methods, then
// class methods, panicking only once none of those apply.
func (vm *VM) getProperty(obj value.Value, name string, loc token.Loc) (value.Value, *ryerr.RyError) {
	if name == "len" {
		if n, err := value.Len(obj); err == nil {
			return value.Number(n), nil
		}
	}
	if name == "pop" {
		if list, ok := obj.(*value.List); ok {
			return listPopNative(list), nil
		}
	}
	if m, ok := obj.(*value.Map); ok {
		if v, found, err := m.Get(value.String(name)); err == nil && found {
			return v, nil
		}
	}

	switch o := obj.(type) {
	case *value.Instance:
		if v, ok := o.Fields[name]; ok {
			return v, nil
		}
		if m, ok := o.Class.Methods[name]; ok {
			return &value.BoundMethod{Receiver: o, Method: m}, nil
		}
		return nil, vm.runtimeErrAt(loc, "undefined property %q on %s instance", name, o.Class.Name)
	case *value.Module:
		v, ok, err := o.Globals.Get(value.String(name))
		if err != nil || !ok {
			return nil, vm.runtimeErrAt(loc, "module %q has no member %q", o.Name, name)
		}
		return v, nil
	case *value.Class:
		if m, ok := o.Methods[name]; ok {
			return m, nil
		}
		return nil, vm.runtimeErrAt(loc, "class %q has no method %q", o.Name, name)
	default:
		return nil, vm.runtimeErrAt(loc, "cannot access property %q on a %s", name, obj.Type())
	}
}

// listPopNative backs the .pop property. GET_PROPERTY has already
// popped the receiver off the stack by the time getProperty runs, so
// rather than putting it back for CALL to remove a second time, the
// native closes over it directly — CALL's ordinary native contract
// (pop the callee, push its result) already nets out to the single
// slot the spec's two-pop version would also leave behind.
func listPopNative(list *value.List) *value.Native {
	return &value.Native{Name: "pop", Fn: func(args []value.Value, globals value.Globals) (value.Value, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("pop expected 0 arguments, got %d", len(args))
		}
		if len(list.Elements) == 0 {
			return nil, fmt.Errorf("pop from an empty list")
		}
		last := list.Elements[len(list.Elements)-1]
		list.Elements = list.Elements[:len(list.Elements)-1]
		return last, nil
	}}
}

// indexing

func getIndex(coll, idx value.Value, loc token.Loc) (value.Value, *ryerr.RyError) {
	switch c := coll.(type) {
	case *value.List:
		i, err := indexToInt(idx, len(c.Elements), loc)
		if err != nil {
			return nil, err
		}
		return c.Elements[i], nil
	case value.String:
		runes := []rune(string(c))
		i, err := indexToInt(idx, len(runes), loc)
		if err != nil {
			return nil, err
		}
		return value.String(string(runes[i])), nil
	case *value.Map:
		v, ok, err := c.Get(idx)
		if err != nil {
			return nil, ryerr.New(ryerr.Runtime, loc, "%v", err)
		}
		if !ok {
			return value.Nil{}, nil
		}
		return v, nil
	case *value.Tuple:
		i, err := indexToInt(idx, len(c.Elements), loc)
		if err != nil {
			return nil, err
		}
		return c.Elements[i], nil
	default:
		return nil, ryerr.New(ryerr.Runtime, loc, "cannot index a %s", coll.Type())
	}
}

func setIndex(coll, idx, v value.Value, loc token.Loc) *ryerr.RyError {
	switch c := coll.(type) {
	case *value.List:
		i, err := indexToInt(idx, len(c.Elements), loc)
		if err != nil {
			return err
		}
		c.Elements[i] = v
		return nil
	case *value.Map:
		if err := c.Set(idx, v); err != nil {
			return ryerr.New(ryerr.Runtime, loc, "%v", err)
		}
		return nil
	default:
		return ryerr.New(ryerr.Runtime, loc, "cannot index-assign into a %s", coll.Type())
	}
}

func indexToInt(idx value.Value, length int, loc token.Loc) (int, *ryerr.RyError) {
	n, ok := idx.(value.Number)
	if !ok {
		return 0, ryerr.New(ryerr.Runtime, loc, "index must be a number, got %s", idx.Type())
	}
	i := int(n)
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, ryerr.New(ryerr.Runtime, loc, "index %d out of bounds (length %d)", int(n), length)
	}
	return i, nil
}

// iteration

func eachLen(v value.Value) (int, error) {
	switch c := v.(type) {
	case *value.List:
		return len(c.Elements), nil
	case *value.Tuple:
		return len(c.Elements), nil
	case value.String:
		return len([]rune(string(c))), nil
	case *value.Map:
		return c.Len(), nil
	case value.Range:
		if c.Start == c.End {
			return 0, nil
		}
		if c.Start < c.End {
			return int(c.End - c.Start), nil
		}
		return int(c.Start - c.End), nil
	default:
		return 0, fmt.Errorf("%s is not iterable with 'each'", v.Type())
	}
}

func eachGet(v value.Value, i int) value.Value {
	switch c := v.(type) {
	case *value.List:
		return c.Elements[i]
	case *value.Tuple:
		return c.Elements[i]
	case value.String:
		return value.String(string([]rune(string(c))[i]))
	case *value.Map:
		p := c.Pairs()[i]
		return &value.Tuple{Elements: []value.Value{p.Key, p.Value}}
	case value.Range:
		if c.Start <= c.End {
			return value.Number(c.Start + float64(i))
		}
		return value.Number(c.Start - float64(i))
	}
	return value.Nil{}
}

// arithmetic and comparison

func arith(op bytecode.Op, a, b value.Value, loc token.Loc) (value.Value, *ryerr.RyError) {
	if an, ok := a.(value.Number); ok {
		if bn, ok := b.(value.Number); ok {
			switch op {
			case bytecode.Add:
				return an + bn, nil
			case bytecode.Subtract:
				return an - bn, nil
			case bytecode.Multiply:
				return an * bn, nil
			case bytecode.Divide:
				if bn == 0 {
					return nil, ryerr.New(ryerr.Runtime, loc, "division by zero")
				}
				return an / bn, nil
			case bytecode.Modulo:
				if bn == 0 {
					return nil, ryerr.New(ryerr.Runtime, loc, "modulo by zero")
				}
				return value.Number(math.Mod(float64(an), float64(bn))), nil
			}
		}
	}
	if op == bytecode.Add {
		if as, ok := a.(value.String); ok {
			if bs, ok := b.(value.String); ok {
				return as + bs, nil
			}
		}
		if al, ok := a.(*value.List); ok {
			if bl, ok := b.(*value.List); ok {
				elems := make([]value.Value, 0, len(al.Elements)+len(bl.Elements))
				elems = append(elems, al.Elements...)
				elems = append(elems, bl.Elements...)
				return value.NewList(elems), nil
			}
		}
	}
	return nil, ryerr.New(ryerr.Runtime, loc, "unsupported operand types for %v: %s and %s", op, a.Type(), b.Type())
}

func compare(op bytecode.Op, a, b value.Value, loc token.Loc) (value.Value, *ryerr.RyError) {
	an, aok := a.(value.Number)
	bn, bok := b.(value.Number)
	if aok && bok {
		if op == bytecode.Greater {
			return value.Bool(an > bn), nil
		}
		return value.Bool(an < bn), nil
	}
	as, aok := a.(value.String)
	bs, bok := b.(value.String)
	if aok && bok {
		if op == bytecode.Greater {
			return value.Bool(strings.Compare(string(as), string(bs)) > 0), nil
		}
		return value.Bool(strings.Compare(string(as), string(bs)) < 0), nil
	}
	// Comparison is total: mismatched operand types produce nil rather
	// than panicking, which is what makes GREATER_EQUAL/LESS_EQUAL's
	// LESS,NOT / GREATER,NOT lowering misbehave on them (nil-then-NOT
	// stays nil instead of becoming true) — preserved, not fixed.
	return value.Nil{}, nil
}

func bitwise(op bytecode.Op, a, b value.Value, loc token.Loc) (value.Value, *ryerr.RyError) {
	an, aok := a.(value.Number)
	bn, bok := b.(value.Number)
	if !aok || !bok {
		return nil, ryerr.New(ryerr.Runtime, loc, "bitwise operators require numbers, got %s and %s", a.Type(), b.Type())
	}
	ai, bi := int64(an), int64(bn)
	switch op {
	case bytecode.BitwiseAnd:
		return value.Number(ai & bi), nil
	case bytecode.BitwiseOr:
		return value.Number(ai | bi), nil
	case bytecode.BitwiseXor:
		return value.Number(ai ^ bi), nil
	case bytecode.LeftShift:
		return value.Number(ai << uint(bi)), nil
	case bytecode.RightShift:
		return value.Number(ai >> uint(bi)), nil
	}
	return nil, ryerr.New(ryerr.Runtime, loc, "unreachable bitwise op")
}
