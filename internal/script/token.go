// Package script implements a small, deterministic, dynamically-typed
// expression language: the "deterministic subset of a dynamically-typed
// expression language" user jig code is restricted to (spec.md §1, §4.3).
// It has no wall-clock, randomness, network, or locale access, and its
// only iteration order is the one the determinism layer defines.
package script

import "fmt"

// TokenKind enumerates lexical token kinds.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokNumber
	TokString
	TokIdent
	TokKeyword
	TokPunct
)

// Token is one lexical unit with its source position (1-based line) for
// error messages.
type Token struct {
	Kind TokenKind
	Text string
	Num  float64
	Line int
}

func (t Token) String() string {
	return fmt.Sprintf("%v(%q)@%d", t.Kind, t.Text, t.Line)
}

var keywords = map[string]bool{
	"class": true, "constructor": true, "function": true, "return": true,
	"if": true, "else": true, "for": true, "while": true, "var": true,
	"let": true, "const": true, "new": true, "this": true, "true": true,
	"false": true, "null": true, "undefined": true, "throw": true,
	"break": true, "continue": true, "in": true, "of": true, "typeof": true,
	"static": true, "extends": true, "super": true, "delete": true,
}
