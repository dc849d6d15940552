package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"loxvm/interpreter"
	"loxvm/lexer"
	"loxvm/parser"
)

// runCmd implements the `run` command
type runCmd struct {
	dumpAST bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "Execute Nilan code from a source file" }
func (*runCmd) Usage() string {
	return `run:
  Execute Nilan code.
`
}
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dumpAST, "dump-ast", false, "Writes the AST as JSON to ast.json before executing")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
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

	interp := interpreter.Make()
	lex := lexer.New(string(data))
	tokens, err := lex.Scan()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lexing error: %v\n", err)
		return subcommands.ExitFailure
	}
	p := parser.Make(tokens)
	statements, errors := p.Parse()
	if len(errors) > 0 {
		for _, error := range errors {
			fmt.Fprintln(os.Stderr, error)
		}
		return subcommands.ExitFailure
	}

	if r.dumpAST {
		if err := parser.WriteASTJSONToFile(statements, "ast.json"); err != nil {
			fmt.Fprintf(os.Stderr, "💥 Dump AST error: %s\n", err.Error())
			return subcommands.ExitFailure
		}
	}

	interp.Interpret(statements)
	return subcommands.ExitSuccess
}
