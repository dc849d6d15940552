package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"loxvm/interpreter"
	"loxvm/lexer"
	"loxvm/parser"
)

// replCmd implements the REPL command
type replCmd struct {
	dumpAST bool
}

func (*replCmd) Name() string     { return "repl" }
func (*replCmd) Synopsis() string { return "Start REPL session" }
func (*replCmd) Usage() string {
	return `repl:
  Start interactive REPL session.
`
}
func (r *replCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dumpAST, "dump-ast", false, "Print the AST as JSON after parsing each line")
}

func repl(in io.Reader, out io.Writer, dumpAST bool) {
	scanner := bufio.NewScanner(in)
	interp := interpreter.Make()

	for {
		fmt.Fprintf(out, ">>> ")
		scanned := scanner.Scan()
		if !scanned {
			return
		}
		line := scanner.Text()
		if line == "exit" {
			os.Exit(0)
		}
		lex := lexer.New(line)
		tokens, err := lex.Scan()
		if err != nil {
			fmt.Println(err)
			continue
		}
		p := parser.Make(tokens)
		statements, errors := p.Parse()
		if len(errors) > 0 {
			for _, error := range errors {
				fmt.Fprintln(os.Stderr, error)
			}
			continue
		}
		if dumpAST {
			if _, err := parser.PrintASTJSON(statements); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
		interp.Interpret(statements)

	}
}

func (r *replCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fmt.Println("\n\nWelcome to Nilan!")
	repl(os.Stdin, os.Stdout, r.dumpAST)
	return subcommands.ExitSuccess
}
