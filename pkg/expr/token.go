package expr

import "fmt"

// TokenType identifies a lexical token kind.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenInt
	TokenFloat
	TokenString
	TokenIdent
	TokenTrue
	TokenFalse
	TokenNull

	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenPercent

	TokenEq
	TokenNeq
	TokenLt
	TokenGt
	TokenLte
	TokenGte

	TokenAnd
	TokenOr
	TokenNot
	TokenIn

	TokenDot
	TokenComma
	TokenColon
	TokenLParen
	TokenRParen
	TokenLBracket
	TokenRBracket
	TokenLBrace
	TokenRBrace
)

var tokenNames = map[TokenType]string{
	TokenEOF: "EOF", TokenInt: "INT", TokenFloat: "FLOAT", TokenString: "STRING",
	TokenIdent: "IDENT", TokenTrue: "true", TokenFalse: "false", TokenNull: "null",
	TokenPlus: "+", TokenMinus: "-", TokenStar: "*", TokenSlash: "/", TokenPercent: "%",
	TokenEq: "==", TokenNeq: "!=", TokenLt: "<", TokenGt: ">", TokenLte: "<=", TokenGte: ">=",
	TokenAnd: "and", TokenOr: "or", TokenNot: "not", TokenIn: "in",
	TokenDot: ".", TokenComma: ",", TokenColon: ":",
	TokenLParen: "(", TokenRParen: ")", TokenLBracket: "[", TokenRBracket: "]",
	TokenLBrace: "{", TokenRBrace: "}",
}

func (t TokenType) String() string {
	if n, ok := tokenNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

// Token is a single lexical token with its source position (for error
// messages only; the grammar itself is unambiguous without line/col).
type Token struct {
	Type   TokenType
	Pos    int
	IntVal int64
	FltVal float64
	StrVal string
}

var keywords = map[string]TokenType{
	"true": TokenTrue, "false": TokenFalse, "null": TokenNull,
	"and": TokenAnd, "or": TokenOr, "not": TokenNot, "in": TokenIn,
}
