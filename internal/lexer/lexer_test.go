package lexer

import (
	"testing"
)

func tokenTypes(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Type
	}
	return out
}

func expectTypes(t *testing.T, tokens []Token, expected []string) {
	t.Helper()
	types := tokenTypes(tokens)
	if len(types) != len(expected) {
		t.Fatalf("token count: got %d, want %d; types: %v", len(types), len(expected), types)
	}
	for i, exp := range expected {
		if types[i] != exp {
			t.Errorf("token[%d]: got %s, want %s (value=%q)", i, types[i], exp, tokens[i].Value)
		}
	}
}

func TestKeywordsAndIdentifiers(t *testing.T) {
	tokens, errs := Lex("func const var if if0 goto call ret t.0 Fac.ComputeFac _tmp vmt_A")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expected := []struct {
		typ string
		val string
	}{
		{FUNC, "func"},
		{CONST, "const"},
		{VAR, "var"},
		{IF, "if"},
		{IF0, "if0"},
		{GOTO, "goto"},
		{CALL, "call"},
		{RET, "ret"},
		{IDENT, "t.0"},
		{IDENT, "Fac.ComputeFac"},
		{IDENT, "_tmp"},
		{IDENT, "vmt_A"},
		{EOF, ""},
	}
	if len(tokens) != len(expected) {
		t.Fatalf("token count: got %d, want %d", len(tokens), len(expected))
	}
	for i, exp := range expected {
		if tokens[i].Type != exp.typ || tokens[i].Value != exp.val {
			t.Errorf("token[%d]: got (%s, %q), want (%s, %q)",
				i, tokens[i].Type, tokens[i].Value, exp.typ, exp.val)
		}
	}
}

func TestIntegerLiterals(t *testing.T) {
	tokens, errs := Lex("0 42 0xFF 0X1A")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expected := []string{"0", "42", "0xFF", "0X1A"}
	for i, exp := range expected {
		if tokens[i].Type != INT || tokens[i].Value != exp {
			t.Errorf("token[%d]: got (%s, %q), want (INT, %q)",
				i, tokens[i].Type, tokens[i].Value, exp)
		}
	}
}

func TestNegativeIntegerIsMinusThenInt(t *testing.T) {
	tokens, errs := Lex("-4")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{MINUS, INT, EOF})
}

func TestRegistersAndLabelRefs(t *testing.T) {
	tokens, errs := Lex("$t0 = :vmt_Fac")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{REGISTER, ASSIGN, LABELREF, EOF})
	if tokens[0].Value != "$t0" {
		t.Errorf("register value: got %q, want %q", tokens[0].Value, "$t0")
	}
	if tokens[2].Value != "vmt_Fac" {
		t.Errorf("label ref value: got %q, want %q", tokens[2].Value, "vmt_Fac")
	}
}

func TestLabelDefinition(t *testing.T) {
	tokens, errs := Lex("if1_else:\n")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{IDENT, COLON, NEWLINE, EOF})
}

func TestMemoryReferenceTokens(t *testing.T) {
	tokens, errs := Lex("t.1 = [t.0+4]")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{IDENT, ASSIGN, LBRACKET, IDENT, PLUS, INT, RBRACKET, EOF})
}

func TestFrameHeaderTokens(t *testing.T) {
	tokens, errs := Lex("func Main [in 0, out 1, local 2]")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{
		FUNC, IDENT, LBRACKET,
		IDENT, INT, COMMA,
		IDENT, INT, COMMA,
		IDENT, INT, RBRACKET, EOF,
	})
}

func TestStringLiteral(t *testing.T) {
	tokens, errs := Lex(`Error("null pointer")`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{IDENT, LPAREN, STRING, RPAREN, EOF})
	if tokens[2].Value != `"null pointer"` {
		t.Errorf("got %q, want %q", tokens[2].Value, `"null pointer"`)
	}
}

func TestStringEscapeSequences(t *testing.T) {
	input := `"esc: \n\r\t\\\""`
	tokens, errs := Lex(input)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if tokens[0].Type != STRING || tokens[0].Value != input {
		t.Errorf("got (%s, %q), want (STRING, %q)", tokens[0].Type, tokens[0].Value, input)
	}
}

func TestNewlinesAreTokens(t *testing.T) {
	tokens, errs := Lex("ret\n\nret\n")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{RET, NEWLINE, NEWLINE, RET, NEWLINE, EOF})
}

func TestSingleLineComment(t *testing.T) {
	tokens, errs := Lex("ret // done\nret")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{RET, NEWLINE, RET, EOF})
}

func TestBlockCommentKeepsLinesApart(t *testing.T) {
	tokens, errs := Lex("ret /* one\ntwo */ ret")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{RET, NEWLINE, RET, EOF})
	if tokens[2].Line != 2 {
		t.Errorf("second ret line: got %d, want 2", tokens[2].Line)
	}
}

func TestLineColumnTracking(t *testing.T) {
	tokens, errs := Lex("func Main()\n  t.0 = 1")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	// func Main ( ) NEWLINE t.0
	tok := tokens[5]
	if tok.Value != "t.0" || tok.Line != 2 || tok.Column != 3 {
		t.Errorf("got %q at %d:%d, want \"t.0\" at 2:3", tok.Value, tok.Line, tok.Column)
	}
}

func TestUnterminatedString(t *testing.T) {
	_, errs := Lex(`Error("oops`)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
}

func TestNewlineInString(t *testing.T) {
	_, errs := Lex("\"abc\ndef\"")
	if len(errs) == 0 {
		t.Fatal("expected an error for newline inside string")
	}
}

func TestUnterminatedBlockComment(t *testing.T) {
	_, errs := Lex("/* never closed")
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
}

func TestUnknownCharacter(t *testing.T) {
	tokens, errs := Lex("t.0 = 1 @ 2")
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].Lexeme != "@" {
		t.Errorf("lexeme: got %q, want %q", errs[0].Lexeme, "@")
	}
	expectTypes(t, tokens, []string{IDENT, ASSIGN, INT, INT, EOF})
}

func TestEmptyInput(t *testing.T) {
	tokens, errs := Lex("")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	expectTypes(t, tokens, []string{EOF})
}
