// Package stdlib implements Ry's native standard library: the flat set
// of host functions spec.md §1 treats as an external collaborator,
// grounded on pylevm's pyle/builtins.go + pyle/native_func.go registry
// (minus its reflection machinery — Ry natives speak value.NativeFn
// directly, so there is nothing to adapt at call time).
package stdlib

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ry/value"
)

// LoadInto registers every native under its name in globals, the
// "native registry" spec.md §4.2 says the compiler's native_names set
// is populated from at construction.
func LoadInto(globals value.Globals) {
	for name, fn := range Natives {
		globals.Set(name, &value.Native{Name: name, Fn: fn})
	}
}

// Names returns the registered native names, letting the compiler build
// its native_names set without this package depending on compiler.
func Names() []string {
	names := make([]string, 0, len(Natives))
	for name := range Natives {
		names = append(names, name)
	}
	return names
}

// Natives is the flat function table LoadInto installs. Each entry is
// grounded on the pylevm builtin named in its comment.
var Natives = map[string]value.NativeFn{
	"print":   nativePrint,
	"println": nativePrintln,
	"len":     nativeLen,
	"type":    nativeType,
	"str":     nativeStr,
	"num":     nativeNum,
	"bool":    nativeBool,
	"range":   nativeRange,
	"keys":    nativeKeys,
	"values":  nativeValues,
	"exit":    nativeExit,
	"clock":   nativeClock,
}

func argError(name string, want, got int) error {
	return fmt.Errorf("%s expected %d arguments, got %d", name, want, got)
}

// nativePrint writes its arguments space-joined with no trailing
// newline, grounded on pylevm's builtinEcho minus the implicit newline.
func nativePrint(args []value.Value, globals value.Globals) (value.Value, error) {
	w, ok := globals.(outputWriter)
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	out := joinSpace(parts)
	if ok {
		w.WriteString(out)
	} else {
		fmt.Fprint(os.Stdout, out)
	}
	return value.Nil{}, nil
}

// nativePrintln is print plus a trailing newline, grounded on pylevm's
// builtinEcho (which always appends one via fmt.Fprintln).
func nativePrintln(args []value.Value, globals value.Globals) (value.Value, error) {
	w, ok := globals.(outputWriter)
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	out := joinSpace(parts) + "\n"
	if ok {
		w.WriteString(out)
	} else {
		fmt.Fprint(os.Stdout, out)
	}
	return value.Nil{}, nil
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// outputWriter is satisfied by *vm.VM (whose WriteString method forwards
// to its Stdout field) without stdlib importing vm and creating a cycle.
type outputWriter interface {
	WriteString(string) (int, error)
}

// nativeLen mirrors the `.len` property (spec.md §4.3), grounded on
// pylevm's len-ish accessors over ArrayObj/StringObj/MapObj.
func nativeLen(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 1 {
		return nil, argError("len", 1, len(args))
	}
	n, err := value.Len(args[0])
	if err != nil {
		return nil, err
	}
	return value.Number(n), nil
}

// nativeType is pylevm's nativeType verbatim in shape.
func nativeType(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 1 {
		return nil, argError("type", 1, len(args))
	}
	return value.String(args[0].Type()), nil
}

// nativeStr is pylevm's nativeString.
func nativeStr(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 1 {
		return nil, argError("str", 1, len(args))
	}
	return value.String(args[0].String()), nil
}

// nativeNum coerces numeric strings/bools to number, grounded on
// pylevm's nativeFloat (this language has no separate int/float tag).
func nativeNum(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 1 {
		return nil, argError("num", 1, len(args))
	}
	switch v := args[0].(type) {
	case value.Number:
		return v, nil
	case value.String:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert string '%s' to number", v)
		}
		return value.Number(f), nil
	case value.Bool:
		if v {
			return value.Number(1), nil
		}
		return value.Number(0), nil
	default:
		return nil, fmt.Errorf("cannot convert type '%s' to number", v.Type())
	}
}

// nativeBool is pylevm's nativeBool.
func nativeBool(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 1 {
		return nil, argError("bool", 1, len(args))
	}
	return value.Bool(args[0].Truthy()), nil
}

// nativeRange builds the same range value OP_BUILD_RANGE_LIST produces
// (spec.md §4.1), as a native constructor for dynamically-computed
// bounds.
func nativeRange(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 2 {
		return nil, argError("range", 2, len(args))
	}
	start, ok := args[0].(value.Number)
	if !ok {
		return nil, fmt.Errorf("range start must be a number, got '%s'", args[0].Type())
	}
	end, ok := args[1].(value.Number)
	if !ok {
		return nil, fmt.Errorf("range end must be a number, got '%s'", args[1].Type())
	}
	return value.Range{Start: float64(start), End: float64(end)}, nil
}

// nativeKeys/nativeValues return a map's keys/values as a list in the
// map's deterministic iteration order, grounded on pylevm's map
// iterator modes (`keys`/`values`).
func nativeKeys(args []value.Value, globals value.Globals) (value.Value, error) {
	m, err := asMap("keys", args)
	if err != nil {
		return nil, err
	}
	pairs := m.Pairs()
	out := make([]value.Value, len(pairs))
	for i, p := range pairs {
		out[i] = p.Key
	}
	return value.NewList(out), nil
}

func nativeValues(args []value.Value, globals value.Globals) (value.Value, error) {
	m, err := asMap("values", args)
	if err != nil {
		return nil, err
	}
	pairs := m.Pairs()
	out := make([]value.Value, len(pairs))
	for i, p := range pairs {
		out[i] = p.Value
	}
	return value.NewList(out), nil
}

func asMap(name string, args []value.Value) (*value.Map, error) {
	if len(args) != 1 {
		return nil, argError(name, 1, len(args))
	}
	m, ok := args[0].(*value.Map)
	if !ok {
		return nil, fmt.Errorf("%s expected a map, got '%s'", name, args[0].Type())
	}
	return m, nil
}

// nativeExit terminates the process; spec.md §5: "the only exit is
// process termination (typically via the exit native)", grounded on
// pylevm's nativeExit.
func nativeExit(args []value.Value, globals value.Globals) (value.Value, error) {
	code := 0
	if len(args) == 1 {
		n, ok := args[0].(value.Number)
		if !ok {
			return nil, fmt.Errorf("exit code must be a number, got '%s'", args[0].Type())
		}
		code = int(n)
	} else if len(args) > 1 {
		return nil, argError("exit", 1, len(args))
	}
	os.Exit(code)
	return value.Nil{}, nil
}

// nativeClock returns wall-clock seconds as a float, grounded on
// pylevm's nativeTimeMs/nativeTime.
func nativeClock(args []value.Value, globals value.Globals) (value.Value, error) {
	if len(args) != 0 {
		return nil, argError("clock", 0, len(args))
	}
	return value.Number(float64(time.Now().UnixNano()) / 1e9), nil
}
