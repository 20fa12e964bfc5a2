// Package cli implements the command-line driver shared by the module's
// root binary and cmd/loom: flag parsing, file/eval execution, and REPL
// launch.
package cli

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loomlang/loom/code"
	"github.com/loomlang/loom/compiler"
	"github.com/loomlang/loom/lexer"
	"github.com/loomlang/loom/parser"
	"github.com/loomlang/loom/repl"
	"github.com/loomlang/loom/vm"
)

const version = "0.1.0"

// Exit codes distinguish where in the pipeline a run failed, so scripts
// driving `loom` can tell a syntax mistake from a runtime failure.
const (
	ExitOK = iota
	ExitUsage
	ExitParseError
	ExitCompileError
	ExitRuntimeError
)

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, `Loom v%s

USAGE:
    %s [OPTIONS] [script]

DESCRIPTION:
    Loom compiles source code into bytecode and runs it on a stack-based
    virtual machine. Without a script argument, it starts an interactive
    REPL (Read-Eval-Print-Loop).

ARGS:
    script                  Path to a Loom script file to run

OPTIONS:
    -e, --eval <code>       Compile and run a literal expression, print the result
    -d, --debug             Print compiled bytecode and structured trace logging
    -v, --version           Show version information
    --no-color              Disable ANSI styling in the REPL and in printed errors
    -h, --help              Show this help message

EXAMPLES:
    # Start interactive REPL
    %s

    # Run a script file
    %s script.loom

    # Evaluate an expression
    %s -e "let x = 5; x * 2"

    # Run with debug tracing
    %s -d script.loom
`, version, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

// Main parses command-line flags and dispatches to the REPL, a script file,
// or a literal expression, returning a process exit code.
func Main() int {
	flag.Usage = printUsage

	evalFlag := flag.String("eval", "", "Compile and run a literal expression, print the result")
	debugFlag := flag.Bool("debug", false, "Print compiled bytecode and structured trace logging")
	versionFlag := flag.Bool("version", false, "Show version information")
	noColorFlag := flag.Bool("no-color", false, "Disable ANSI styling")

	flag.StringVar(evalFlag, "e", "", "Compile and run a literal expression, print the result")
	flag.BoolVar(debugFlag, "d", false, "Print compiled bytecode and structured trace logging")
	flag.BoolVar(versionFlag, "v", false, "Show version information")

	flag.Parse()

	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *versionFlag {
		fmt.Printf("Loom v%s\n", version)
		return ExitOK
	}

	args := flag.Args()

	if *evalFlag != "" && len(args) > 0 {
		_, _ = fmt.Fprintln(os.Stderr, "error: -e/--eval cannot be combined with a script argument")
		flag.Usage()
		return ExitUsage
	}

	if len(args) > 1 {
		_, _ = fmt.Fprintf(os.Stderr, "error: expected at most one script argument, got %d\n", len(args))
		flag.Usage()
		return ExitUsage
	}

	if *evalFlag != "" {
		return run(*evalFlag, *debugFlag)
	}

	if len(args) == 1 {
		return runFile(args[0], *debugFlag)
	}

	username := "unknown"
	if usr, err := user.Current(); err == nil {
		username = usr.Username
	}

	fmt.Println("Hello", username+",", "welcome to Loom!")
	fmt.Println("Feel free to type in Loom code. (Ctrl+D or Ctrl+C to exit)")

	repl.Start(username, repl.Options{NoColor: *noColorFlag, Debug: *debugFlag})
	return ExitOK
}

// runFile reads a script file from disk and runs it, returning a process
// exit code.
func runFile(filename string, debug bool) int {
	cleaned := filepath.Clean(filename)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error resolving path: %s\n", err)
		return ExitUsage
	}

	//nolint:gosec // the path comes from a trusted command-line argument, not untrusted input
	content, err := os.ReadFile(absolute)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error reading file: %s\n", err)
		return ExitUsage
	}

	return run(string(content), debug)
}

// run compiles and executes src, printing the result of the last
// expression statement, and returns a process exit code.
func run(src string, debug bool) int {
	start := time.Now()

	l := lexer.New(src)
	p := parser.New(l)
	program := p.ParseProgram()

	if len(p.Errors()) != 0 {
		printParserErrors(p.Errors())
		return ExitParseError
	}

	comp := compiler.New()
	if err := comp.Compile(program); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "compilation error: %s\n", err)
		return ExitCompileError
	}

	bytecode := comp.Bytecode()

	if debug {
		log.Debug().Dur("compile_time", time.Since(start)).Int("constants", len(bytecode.Constants)).Msg("compiled program")
		fmt.Println("=== bytecode ===")
		fmt.Print(code.Instructions(bytecode.Instructions).String())
		fmt.Println("================")
	}

	runStart := time.Now()
	machine := vm.New(bytecode)
	if err := machine.Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "runtime error: %s\n", err)
		return ExitRuntimeError
	}

	if debug {
		log.Debug().Dur("run_time", time.Since(runStart)).Dur("total_time", time.Since(start)).Msg("finished running program")
	}

	if result := machine.LastPoppedStackElem(); result != nil {
		fmt.Println(result.Inspect())
	}

	return ExitOK
}

func printParserErrors(errors []string) {
	_, _ = fmt.Fprintln(os.Stderr, "parser errors:")
	for _, msg := range errors {
		_, _ = fmt.Fprintln(os.Stderr, "\t"+msg)
	}
}
