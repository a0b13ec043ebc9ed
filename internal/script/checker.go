package script

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrMultipleDeclarations, ErrForIn and ErrUnbalancedBraces are the
// checker-level rejections, made before a parse is attempted; the parser
// itself reports trailing content after the first declaration, or a
// for-in, with errors of its own.
var (
	ErrMultipleDeclarations = fmt.Errorf("script: source must contain exactly one top-level class or function declaration")
	ErrForIn                = fmt.Errorf("script: for-in is forbidden (unstable iteration order)")
	ErrUnbalancedBraces     = fmt.Errorf("script: unbalanced braces")
)

var topLevelDeclRe = regexp.MustCompile(`\b(class|function)\s+\w`)
var forInRe = regexp.MustCompile(`\bfor\s*\(\s*(?:var|let|const)?\s*\w+\s+in\s`)

// Check runs the source checker: strip comments and string contents so
// their text can't fool the brace/declaration scan, then verify braces
// balance and exactly one top-level declaration exists, and reject for-in
// outright by lexical pattern before a full parse is attempted.
func Check(src string) error {
	stripped := stripCommentsAndStrings(src)

	if !bracesBalanced(stripped) {
		return ErrUnbalancedBraces
	}

	decls := 0
	for _, m := range topLevelDeclRe.FindAllStringIndex(stripped, -1) {
		prefix := stripped[:m[0]]
		if strings.Count(prefix, "{") == strings.Count(prefix, "}") {
			decls++
		}
	}
	if decls != 1 {
		return ErrMultipleDeclarations
	}

	if forInRe.MatchString(stripped) {
		return ErrForIn
	}

	return nil
}

// stripCommentsAndStrings replaces comment and string-literal contents with
// spaces (preserving length and line breaks so later regexes keyed on
// position/newlines still line up), matching how the checker's reference
// implementation strips before scanning.
func stripCommentsAndStrings(src string) string {
	var b strings.Builder
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				b.WriteByte(' ')
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteByte(' ')
			b.WriteByte(' ')
			i += 2
			for i < len(runes) && !(runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/') {
				if runes[i] == '\n' {
					b.WriteByte('\n')
				} else {
					b.WriteByte(' ')
				}
				i++
			}
			if i < len(runes) {
				b.WriteByte(' ')
				b.WriteByte(' ')
				i += 2
			}
		case r == '"' || r == '\'' || r == '`':
			quote := r
			b.WriteByte(' ')
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' && i+1 < len(runes) {
					b.WriteByte(' ')
					i++
				}
				if runes[i] == '\n' {
					b.WriteByte('\n')
				} else {
					b.WriteByte(' ')
				}
				i++
			}
			if i < len(runes) {
				b.WriteByte(' ')
				i++
			}
		default:
			b.WriteRune(r)
			i++
		}
	}
	return b.String()
}

func bracesBalanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// Compile runs the checker and, if it passes, parses src into a Program.
func Compile(src string) (*Program, error) {
	if err := Check(src); err != nil {
		return nil, err
	}
	p, err := NewParser(src)
	if err != nil {
		return nil, err
	}
	return p.ParseProgram()
}
