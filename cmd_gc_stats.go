package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"loxvm/compiler"
	"loxvm/lexer"
	"loxvm/parser"
	"loxvm/vm"

	"github.com/google/subcommands"
)

// gcStatsCmd runs a file through the compiled pipeline and reports heap and
// GC counters to stderr after the run completes, for inspecting allocation
// and collection behavior without instrumenting the program itself.
type gcStatsCmd struct{}

func (*gcStatsCmd) Name() string     { return "gc-stats" }
func (*gcStatsCmd) Synopsis() string { return "Run a file and report heap/GC counters to stderr" }
func (*gcStatsCmd) Usage() string {
	return `nilan gc-stats <file>`
}
func (*gcStatsCmd) SetFlags(f *flag.FlagSet) {}

func (r *gcStatsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	args := f.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "💥 File not provided\n")
		return subcommands.ExitUsageError
	}
	filename := args[0]

	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to read file: %v\n", err)
		return subcommands.ExitFailure
	}

	lex := lexer.New(string(data))
	tokens, err := lex.Scan()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lexing error: %v\n", err)
		return subcommands.ExitFailure
	}

	p := parser.Make(tokens)
	statements, parseErrs := p.Parse()
	if len(parseErrs) > 0 {
		for _, pErr := range parseErrs {
			fmt.Fprintln(os.Stderr, pErr)
		}
		return subcommands.ExitFailure
	}

	astCompiler := compiler.NewASTCompiler()
	bytecode, err := astCompiler.CompileAST(statements)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return subcommands.ExitFailure
	}

	m := vm.New()
	if err := m.Run(bytecode); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return subcommands.ExitFailure
	}

	heap := m.Heap()
	fmt.Fprintf(os.Stderr, "heap slots: %d\n", heap.Len())
	fmt.Fprintf(os.Stderr, "free list: %d\n", heap.FreeListLen())
	fmt.Fprintf(os.Stderr, "allocations since last collection: %d\n", heap.AllocatedSinceLastGC())

	return subcommands.ExitSuccess
}
