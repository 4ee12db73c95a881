package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(src string) []Token {
	l := New(src)
	var toks []Token
	for {
		tok := l.Next()
		toks = append(toks, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return toks
}

func TestPunctuationAndOperators(t *testing.T) {
	toks := scanAll("(){};,.+-*/ ! != = == < <= > >=")
	types := make([]TokenType, 0, len(toks))
	for _, tk := range toks {
		types = append(types, tk.Type)
	}
	require.Equal(t, []TokenType{
		TokenLeftParen, TokenRightParen, TokenLeftBrace, TokenRightBrace,
		TokenSemicolon, TokenComma, TokenDot, TokenPlus, TokenMinus,
		TokenStar, TokenSlash, TokenBang, TokenBangEqual, TokenEqual,
		TokenEqualEqual, TokenLess, TokenLessEqual, TokenGreater,
		TokenGreaterEqual, TokenEOF,
	}, types)
}

func TestKeywordsAndFunFnSynonym(t *testing.T) {
	toks := scanAll("and class else false for fun fn if nil or print return super this true var while")
	want := []TokenType{
		TokenAnd, TokenClass, TokenElse, TokenFalse, TokenFor, TokenFun,
		TokenFun, TokenIf, TokenNil, TokenOr, TokenPrint, TokenReturn,
		TokenSuper, TokenThis, TokenTrue, TokenVar, TokenWhile, TokenEOF,
	}
	got := make([]TokenType, 0, len(toks))
	for _, tk := range toks {
		got = append(got, tk.Type)
	}
	assert.Equal(t, want, got)
}

func TestStringLiteralNoEscapes(t *testing.T) {
	toks := scanAll(`"hello\nworld"`)
	require.Len(t, toks, 2)
	assert.Equal(t, TokenString, toks[0].Type)
	assert.Equal(t, `hello\nworld`, toks[0].Lexeme)
}

func TestUnterminatedString(t *testing.T) {
	toks := scanAll(`"oops`)
	require.Len(t, toks, 1)
	assert.Equal(t, TokenError, toks[0].Type)
	assert.Contains(t, toks[0].Lexeme, "Unterminated")
}

func TestNumbers(t *testing.T) {
	toks := scanAll("123 4.5 6.")
	require.Len(t, toks, 5)
	assert.Equal(t, "123", toks[0].Lexeme)
	assert.Equal(t, "4.5", toks[1].Lexeme)
	// trailing '.' with no following digit is not part of the number
	assert.Equal(t, "6", toks[2].Lexeme)
	assert.Equal(t, TokenDot, toks[3].Type)
}

func TestLineComment(t *testing.T) {
	toks := scanAll("1 // comment\n2")
	require.Len(t, toks, 3)
	assert.Equal(t, "1", toks[0].Lexeme)
	assert.Equal(t, 1, toks[0].Line)
	assert.Equal(t, "2", toks[1].Lexeme)
	assert.Equal(t, 2, toks[1].Line)
}

func TestUnexpectedCharacter(t *testing.T) {
	toks := scanAll("@")
	require.Len(t, toks, 1)
	assert.Equal(t, TokenError, toks[0].Type)
}
