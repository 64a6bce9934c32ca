// Package repl is the interactive shell spec.md §6 treats as an external
// collaborator: it supplies source strings to the pipeline and tracks
// indentation (brace depth, for this language) itself rather than asking
// the lexer/parser to do it. Grounded on cmd/pyle/main.go's script-running
// main, extended with the buffering/command loop spec.md §6 describes.
package repl

import (
	"bufio"
	"fmt"
	"os"

	"ry/compiler"
	"ry/lexer"
	"ry/parser"
	"ry/ryerr"
	"ry/vm"
)

const prompt = "ry> "
const contPrompt = "... "

// Run starts the read-accumulate-submit loop against v until the user
// types `quit` or sends EOF.
func Run(v *vm.VM) {
	scanner := bufio.NewScanner(os.Stdin)
	buf := ""
	depth := 0

	fmt.Print(prompt)
	for scanner.Scan() {
		line := scanner.Text()

		switch line {
		case "quit":
			if depth == 0 {
				return
			}
		case "clear":
			clearScreen()
			buf = ""
			depth = 0
			fmt.Print(prompt)
			continue
		case "!!":
			buf = ""
			depth = 0
			fmt.Print(prompt)
			continue
		}

		depth += braceDelta(line)
		if buf == "" {
			buf = line
		} else {
			buf = buf + "\n" + line
		}

		if depth > 0 {
			fmt.Print(contPrompt)
			continue
		}
		if depth < 0 {
			// Unbalanced closing brace: submit what we have and let the
			// parser report the mismatch, rather than buffering forever.
			depth = 0
		}

		submit(v, buf)
		buf = ""
		fmt.Print(prompt)
	}
}

// braceDelta counts the net change in brace depth a line contributes,
// the "external counter" spec.md §6 assigns to the REPL shell.
func braceDelta(line string) int {
	delta := 0
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inString = !inString
		case '{':
			if !inString {
				delta++
			}
		case '}':
			if !inString {
				delta--
			}
		}
	}
	return delta
}

func submit(v *vm.VM, source string) {
	if source == "" {
		return
	}
	toks, err := lexer.New("<repl>", source).Tokenize()
	if err != nil {
		report(err, source)
		return
	}
	prog, err := parser.New(toks).Parse()
	if err != nil {
		report(err, source)
		return
	}
	fn, err := compiler.Compile(prog)
	if err != nil {
		report(err, source)
		return
	}
	res := v.Interpret(fn)
	if res.IsErr() {
		report(res.Err, source)
	}
}

func report(err ryerr.Error, source string) {
	if re, ok := err.(*ryerr.RyError); ok {
		fmt.Fprintln(os.Stderr, re.ShowSource(source))
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}
