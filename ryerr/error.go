// Package ryerr carries diagnostics between the lexer, parser, compiler
// and VM. It mirrors pylevm's PyleError/Result[T] pair so every stage of
// the pipeline reports failures the same way.
package ryerr

import (
	"fmt"

	"ry/report"
	"ry/token"
)

type Kind int

const (
	Lex Kind = iota
	Parse
	Compile
	Runtime
)

func (k Kind) String() string {
	return [...]string{"LexError", "ParseError", "CompileError", "RuntimeError"}[k]
}

// Error is the interface every diagnostic in the pipeline satisfies.
type Error interface {
	error
	Location() token.Loc
}

type RyError struct {
	Kind Kind
	Msg  string
	Loc  token.Loc
}

func New(kind Kind, loc token.Loc, format string, args ...any) *RyError {
	return &RyError{Kind: kind, Msg: fmt.Sprintf(format, args...), Loc: loc}
}

func (e *RyError) Error() string {
	if e.Loc.File != "" {
		return fmt.Sprintf("%s: %s at %s:%s", e.Kind, e.Msg, e.Loc.File, e.Loc.String())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *RyError) Location() token.Loc { return e.Loc }

// ShowSource renders the error alongside the offending source line with a
// caret underline via the report package (spec.md §6's report contract).
func (e *RyError) ShowSource(source string) string {
	where := e.Kind.String()
	if e.Loc.File != "" {
		where = fmt.Sprintf("%s (%s)", where, e.Loc.File)
	}
	end := e.Loc.ColStart + 1
	if e.Loc.ColEnd != nil {
		end = *e.Loc.ColEnd
	}
	return report.Span(e.Loc.Line, e.Loc.ColStart, end, where, e.Msg, source)
}

// Result bundles a value with an Error, matching pylevm's Result[T]. The
// VM's Interpret returns one; the lexer, parser and compiler return a
// plain *RyError alongside their result instead.
type Result[T any] struct {
	Value T
	Err   Error
}

func Ok[T any](v T) Result[T]       { return Result[T]{Value: v} }
func Err[T any](e Error) Result[T]  { return Result[T]{Err: e} }
func (r Result[T]) IsOk() bool      { return r.Err == nil }
func (r Result[T]) IsErr() bool     { return r.Err != nil }
