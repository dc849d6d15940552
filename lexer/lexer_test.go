package lexer

import (
	"loxvm/token"
	"testing"
)

func tokenTypes(tokens []token.Token) []token.TokenType {
	types := make([]token.TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.TokenType
	}
	return types
}

func assertTokenTypes(t *testing.T, got []token.TokenType, want []token.TokenType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d tokens, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOperatorsSuccess(t *testing.T) {
	expected := []token.TokenType{
		token.EQUAL_EQUAL,
		token.DIV,
		token.ASSIGN,
		token.MULT,
		token.ADD,
		token.LARGER,
		token.SUB,
		token.LESS,
		token.NOT_EQUAL,
		token.LESS_EQUAL,
		token.LARGER_EQUAL,
		token.BANG,
		token.BANG,
		token.EOF,
	}

	scanner := New("==/=*+>-<!=<=>=!!")
	got, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan() raised an error: %v", err)
	}
	assertTokenTypes(t, tokenTypes(got), expected)
}

func TestScanSuccess(t *testing.T) {
	expected := []token.TokenType{
		token.LPA,
		token.RPA,
		token.LCUR,
		token.RCUR,
		token.MULT,
		token.MULT,
		token.SEMICOLON,
		token.ADD,
		token.NOT_EQUAL,
		token.LESS_EQUAL,
		token.EOF,
	}

	scanner := New("(){}**;+!=<=")
	got, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan() raised an error: %v", err)
	}
	assertTokenTypes(t, tokenTypes(got), expected)
}

func TestScanIntLiteral(t *testing.T) {
	scanner := New("42")
	got, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan() raised an error: %v", err)
	}
	assertTokenTypes(t, tokenTypes(got), []token.TokenType{token.INT, token.EOF})
	if got[0].Literal != int64(42) {
		t.Errorf("got literal %v, want int64(42)", got[0].Literal)
	}
}

func TestScanKeywordsAndIdentifiers(t *testing.T) {
	scanner := New("let x = true")
	got, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan() raised an error: %v", err)
	}
	assertTokenTypes(t, tokenTypes(got), []token.TokenType{
		token.LET, token.IDENTIFIER, token.ASSIGN, token.TRUE, token.EOF,
	})
}

func TestScanDoesNotOverread(t *testing.T) {
	// A single-character program exercises the Scan special case for
	// totalChars <= 1, and must not panic or read past the buffer.
	scanner := New(";")
	got, err := scanner.Scan()
	if err != nil {
		t.Fatalf("Scan() raised an error: %v", err)
	}
	assertTokenTypes(t, tokenTypes(got), []token.TokenType{token.SEMICOLON, token.EOF})
}
