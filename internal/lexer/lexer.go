package lexer

import "fmt"

const (
	// Special
	EOF     = "EOF"
	ILLEGAL = "ILLEGAL"
	NEWLINE = "NEWLINE" // statements are line-delimited

	// Literals
	IDENT    = "IDENT"    // identifiers: t.0, Fac.ComputeFac, vmt_A, …
	INT      = "INT"      // integer literals: 0, 42, 0xFF, …
	STRING   = "STRING"   // string literals: "null pointer"
	REGISTER = "REGISTER" // physical registers: $t0, $a1, $v0, …
	LABELREF = "LABELREF" // label references: :loop, :vmt_A

	// Keywords
	FUNC  = "FUNC"
	CONST = "CONST"
	VAR   = "VAR"
	IF    = "IF"
	IF0   = "IF0"
	GOTO  = "GOTO"
	CALL  = "CALL"
	RET   = "RET"

	// Delimiters
	LPAREN   = "LPAREN"   // (
	RPAREN   = "RPAREN"   // )
	LBRACKET = "LBRACKET" // [
	RBRACKET = "RBRACKET" // ]
	COLON    = "COLON"    // :
	COMMA    = "COMMA"    // ,

	// Operators
	ASSIGN = "ASSIGN" // =
	PLUS   = "PLUS"   // +
	MINUS  = "MINUS"  // -
)

// keywords maps reserved words to their token types.
var keywords = map[string]string{
	"func":  FUNC,
	"const": CONST,
	"var":   VAR,
	"if":    IF,
	"if0":   IF0,
	"goto":  GOTO,
	"call":  CALL,
	"ret":   RET,
}

// Token represents a single lexical token produced by the lexer.
type Token struct {
	Type   string
	Value  string
	Line   int
	Column int
}

// LexError represents a recoverable error encountered during lexing.
type LexError struct {
	Message string
	Lexeme  string
	Line    int
	Column  int
}

func (e LexError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s (got %q)", e.Line, e.Column, e.Message, e.Lexeme)
}

// Lex splits IR source text into tokens.  Every line break produces a
// NEWLINE token so the parser can treat lines as statements.  Recoverable
// problems (unterminated strings, stray characters) are returned as
// LexErrors and lexing continues.
func Lex(input string) ([]Token, []LexError) {
	var tokens []Token
	var errors []LexError
	line, col, i := 1, 1, 0

	for i < len(input) {
		ch := input[i]
		if ch == '\n' {
			tokens = append(tokens, Token{NEWLINE, "\n", line, col})
			line++
			col = 1
			i++
			continue
		}
		if isWhitespace(ch) {
			if ch != '\r' {
				col++
			}
			i++
			continue
		}

		// Ignore comments
		if ch == '/' && i+1 < len(input) {
			if input[i+1] == '/' {
				i, col = skipLineComment(input, i, col)
				continue
			}
			if input[i+1] == '*' {
				var err *LexError
				var newline bool
				i, line, col, newline, err = skipBlockComment(input, i, line, col)
				if err != nil {
					errors = append(errors, *err)
				}
				if newline {
					tokens = append(tokens, Token{NEWLINE, "\n", line, col})
				}
				continue
			}
		}

		if ch == '"' {
			tok, errs, newI, newCol := lexString(input, i, line, col)
			i, col = newI, newCol
			errors = append(errors, errs...)
			if tok != nil {
				tokens = append(tokens, *tok)
			}
			continue
		}

		if isDigit(ch) {
			tok, newI, newCol := lexNumber(input, i, line, col)
			tokens = append(tokens, tok)
			i, col = newI, newCol
			continue
		}

		if isIdentStart(ch) {
			tok, newI, newCol := lexIdentifier(input, i, line, col)
			tokens = append(tokens, tok)
			i, col = newI, newCol
			continue
		}

		// $reg
		if ch == '$' {
			if i+1 < len(input) && isIdentPart(input[i+1]) {
				tok, newI, newCol := lexIdentifier(input, i+1, line, col+1)
				tokens = append(tokens, Token{REGISTER, "$" + tok.Value, line, col})
				i, col = newI, newCol
				continue
			}
		}

		// A colon glued to an identifier is a label reference (:label).  A
		// colon followed by anything else ends a label definition.
		if ch == ':' && i+1 < len(input) && isIdentStart(input[i+1]) {
			tok, newI, newCol := lexIdentifier(input, i+1, line, col+1)
			tokens = append(tokens, Token{LABELREF, tok.Value, line, col})
			i, col = newI, newCol
			continue
		}

		if tok, width := lexDelimiter(input, i, line, col); width > 0 {
			tokens = append(tokens, tok)
			i += width
			col += width
			continue
		}

		// Unknown characters
		errors = append(errors, LexError{
			Message: "unexpected character",
			Lexeme:  string(ch),
			Line:    line,
			Column:  col,
		})
		i++
		col++
	}

	tokens = append(tokens, Token{EOF, "", line, col})
	return tokens, errors
}

func skipLineComment(input string, i int, col int) (int, int) {
	for i < len(input) && input[i] != '\n' {
		i++
		col++
	}
	return i, col
}

// skipBlockComment also reports whether the comment spanned a line break,
// so the caller can keep statements on either side apart.
func skipBlockComment(input string, i int, line int, col int) (int, int, int, bool, *LexError) {
	startLine, startCol := line, col
	newline := false
	i += 2
	col += 2

	for i < len(input) {
		if input[i] == '*' && i+1 < len(input) && input[i+1] == '/' {
			i += 2
			col += 2
			return i, line, col, newline, nil
		}
		if input[i] == '\n' {
			line++
			col = 1
			newline = true
		} else if input[i] != '\r' {
			col++
		}
		i++
	}

	return i, line, col, newline, &LexError{
		Message: "unterminated block comment",
		Lexeme:  "/*",
		Line:    startLine,
		Column:  startCol,
	}
}

func lexString(input string, start int, line int, col int) (*Token, []LexError, int, int) {
	startCol := col
	var errs []LexError
	i := start + 1
	col++

	for i < len(input) {
		ch := input[i]

		if ch == '\n' || ch == '\r' {
			errs = append(errs, LexError{
				Message: "unterminated string literal (newline in string)",
				Lexeme:  input[start:i],
				Line:    line,
				Column:  startCol,
			})
			return nil, errs, i, col
		}

		if ch == '\\' {
			if i+1 >= len(input) {
				errs = append(errs, LexError{
					Message: "unterminated escape sequence at end of input",
					Lexeme:  "\\",
					Line:    line,
					Column:  col,
				})
				return nil, errs, i + 1, col + 1
			}
			next := input[i+1]
			if !isValidEscape(next) {
				errs = append(errs, LexError{
					Message: fmt.Sprintf("invalid escape sequence '\\%c'", next),
					Lexeme:  string([]byte{'\\', next}),
					Line:    line,
					Column:  col,
				})
			}
			i += 2
			col += 2
			continue
		}

		if ch == '"' {
			tok := Token{
				Type:   STRING,
				Value:  input[start : i+1],
				Line:   line,
				Column: startCol,
			}
			return &tok, errs, i + 1, col + 1
		}

		i++
		col++
	}

	errs = append(errs, LexError{
		Message: "unterminated string literal (reached end of input)",
		Lexeme:  input[start:],
		Line:    line,
		Column:  startCol,
	})
	return nil, errs, i, col
}

// lexNumber scans a decimal or hexadecimal integer literal.  The sign of a
// negative literal is a separate MINUS token.
func lexNumber(input string, start int, line int, col int) (Token, int, int) {
	i := start
	startCol := col

	if input[i] == '0' && i+1 < len(input) && (input[i+1] == 'x' || input[i+1] == 'X') {
		i += 2
		col += 2
		for i < len(input) && isHexDigit(input[i]) {
			i++
			col++
		}
		return Token{INT, input[start:i], line, startCol}, i, col
	}

	for i < len(input) && isDigit(input[i]) {
		i++
		col++
	}
	return Token{INT, input[start:i], line, startCol}, i, col
}

func lexIdentifier(input string, start int, line int, col int) (Token, int, int) {
	i := start
	startCol := col
	for i < len(input) && isIdentPart(input[i]) {
		i++
		col++
	}
	word := input[start:i]
	tokType := IDENT
	if kw, ok := keywords[word]; ok {
		tokType = kw
	}
	return Token{tokType, word, line, startCol}, i, col
}

// lexDelimiter matches a single-character delimiter or operator at
// input[i].  Returns the number of characters consumed (0 if nothing
// matched).
func lexDelimiter(input string, i int, line int, col int) (Token, int) {
	switch input[i] {
	case '(':
		return Token{LPAREN, "(", line, col}, 1
	case ')':
		return Token{RPAREN, ")", line, col}, 1
	case '[':
		return Token{LBRACKET, "[", line, col}, 1
	case ']':
		return Token{RBRACKET, "]", line, col}, 1
	case ':':
		return Token{COLON, ":", line, col}, 1
	case ',':
		return Token{COMMA, ",", line, col}, 1
	case '=':
		return Token{ASSIGN, "=", line, col}, 1
	case '+':
		return Token{PLUS, "+", line, col}, 1
	case '-':
		return Token{MINUS, "-", line, col}, 1
	}
	return Token{}, 0
}

func isWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentStart(ch byte) bool {
	return isLetter(ch) || ch == '_'
}

// Identifiers may contain dots: the front end names methods Class.method
// and temporaries t.N.
func isIdentPart(ch byte) bool {
	return isLetter(ch) || isDigit(ch) || ch == '_' || ch == '.'
}

func isValidEscape(ch byte) bool {
	switch ch {
	case 'n', 'r', 't', '\\', '"':
		return true
	default:
		return false
	}
}
