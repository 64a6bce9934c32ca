package main

import (
	"fmt"
	"os"
	"path/filepath"

	"ry/compiler"
	"ry/lexer"
	"ry/parser"
	"ry/repl"
	"ry/ryerr"
	"ry/stdlib"
	"ry/vm"
)

const version = "ry 0.1.0"

func main() {
	args := os.Args[1:]

	if len(args) == 0 {
		repl.Run(newVM())
		return
	}

	switch args[0] {
	case "-v", "--version":
		fmt.Println(version)
		return
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: ry run <path>")
			os.Exit(1)
		}
		runFile(args[1])
		return
	}

	runFile(args[0])
}

func newVM() *vm.VM {
	v := vm.New()
	v.SetNativeInstaller(stdlib.LoadInto)
	stdlib.LoadInto(v)
	return v
}

// runFile mirrors cmd/pyle/main.go's script-running main: read, run, show
// the diagnostic with its source on failure. Exit code 1 on file-open
// failure or any pipeline error (spec.md §6).
func runFile(path string) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading file: %s\n", err)
		os.Exit(1)
	}

	v := newVM()
	v.SetBaseDir(filepath.Dir(path))

	if err := run(v, path, string(source)); err != nil {
		if re, ok := err.(*ryerr.RyError); ok {
			fmt.Fprintln(os.Stderr, re.ShowSource(string(source)))
		} else {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}
}

func run(v *vm.VM, path, source string) ryerr.Error {
	toks, err := lexer.New(path, source).Tokenize()
	if err != nil {
		return err
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		return err
	}
	fn, err := compiler.Compile(prog)
	if err != nil {
		return err
	}
	res := v.Interpret(fn)
	if res.IsErr() {
		return res.Err
	}
	return nil
}
