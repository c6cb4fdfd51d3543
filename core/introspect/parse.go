package introspect

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
)

// createTableLexer tokenizes stored CREATE TABLE text. Quoted strings and
// identifiers are single tokens, so commas inside a quoted default never
// split a column definition.
var createTableLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*|/\*(?s:.*?)\*/`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"|` + "`(?:[^`]|``)*`" + `|\[[^\]]*\]`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Number", Pattern: `[0-9]+(?:\.[0-9]*)?(?:[eE][-+]?[0-9]+)?|\.[0-9]+`},
	{Name: "Punct", Pattern: `[(),;.]`},
	{Name: "Operator", Pattern: `[-+*/<>=!|&%~]+`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Other", Pattern: `.`},
})

var (
	symbols        = createTableLexer.Symbols()
	tokWhitespace  = symbols["Whitespace"]
	tokComment     = symbols["Comment"]
	tokIdent       = symbols["Ident"]
	tokQuotedIdent = symbols["QuotedIdent"]
	tokString      = symbols["String"]
)

// table-level constraints that can open a definition in place of a column
var constraintKeywords = map[string]bool{
	"CONSTRAINT": true,
	"PRIMARY":    true,
	"UNIQUE":     true,
	"CHECK":      true,
	"FOREIGN":    true,
}

// ParseCreateTable extracts the table name and the ordered column list from a
// CREATE TABLE statement. Each column spec is the definition text after the
// column name, exactly as stored. Table-level constraints are skipped.
func ParseCreateTable(sql string) (string, []schema.Column, error) {
	toks, err := significantTokens(sql)
	if err != nil {
		return "", nil, &dberrors.ParseError{Format: "create table", Message: err.Error(), Err: err}
	}

	i := 0
	keyword := func(word string) bool {
		if i < len(toks) && toks[i].Type == tokIdent && strings.EqualFold(toks[i].Value, word) {
			i++
			return true
		}
		return false
	}
	if !keyword("CREATE") {
		return "", nil, dberrors.NewParse("create table", "", "missing CREATE")
	}
	if !keyword("TEMP") {
		keyword("TEMPORARY")
	}
	if !keyword("TABLE") {
		return "", nil, dberrors.NewParse("create table", "", "missing TABLE")
	}
	if keyword("IF") {
		if !keyword("NOT") || !keyword("EXISTS") {
			return "", nil, dberrors.NewParse("create table", "", "malformed IF NOT EXISTS")
		}
	}
	if i >= len(toks) || !isName(toks[i]) {
		return "", nil, dberrors.NewParse("create table", "", "missing table name")
	}
	name := unquoteIdent(toks[i].Value)
	i++
	if i+1 < len(toks) && toks[i].Value == "." && isName(toks[i+1]) {
		name = unquoteIdent(toks[i+1].Value)
		i += 2
	}
	if i >= len(toks) || toks[i].Value != "(" {
		return name, nil, dberrors.NewParse("create table", name, "missing column list")
	}

	// split the column list at depth-one commas
	type span struct{ from, to int }
	var segments []span
	depth := 0
	segStart := toks[i].Pos.Offset + 1
	closed := false
	for ; i < len(toks) && !closed; i++ {
		switch toks[i].Value {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				segments = append(segments, span{segStart, toks[i].Pos.Offset})
				closed = true
			}
		case ",":
			if depth == 1 {
				segments = append(segments, span{segStart, toks[i].Pos.Offset})
				segStart = toks[i].Pos.Offset + 1
			}
		}
	}
	if !closed {
		return name, nil, dberrors.NewParse("create table", name, "unterminated column list")
	}

	var cols []schema.Column
	for _, seg := range segments {
		first, ok := firstTokenIn(toks, seg.from, seg.to)
		if !ok {
			return name, nil, dberrors.NewParse("create table", name, "empty column definition")
		}
		if first.Type == tokIdent && constraintKeywords[strings.ToUpper(first.Value)] {
			continue
		}
		if !isName(first) {
			return name, nil, dberrors.NewParse("create table", name, "unexpected "+first.Value)
		}
		specFrom := first.Pos.Offset + len(first.Value)
		cols = append(cols, schema.Column{
			Name: unquoteIdent(first.Value),
			Spec: strings.TrimSpace(sql[specFrom:seg.to]),
		})
	}
	if len(cols) == 0 {
		return name, nil, dberrors.NewParse("create table", name, "no columns")
	}
	return name, cols, nil
}

func significantTokens(sql string) ([]lexer.Token, error) {
	lex, err := createTableLexer.LexString("", sql)
	if err != nil {
		return nil, err
	}
	all, err := lexer.ConsumeAll(lex)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.EOF() || t.Type == tokWhitespace || t.Type == tokComment {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func firstTokenIn(toks []lexer.Token, from, to int) (lexer.Token, bool) {
	for _, t := range toks {
		if t.Pos.Offset >= from && t.Pos.Offset < to {
			return t, true
		}
	}
	return lexer.Token{}, false
}

func isName(t lexer.Token) bool {
	// a single-quoted string is accepted as an identifier by the engine
	return t.Type == tokIdent || t.Type == tokQuotedIdent || t.Type == tokString
}

func unquoteIdent(s string) string {
	if len(s) < 2 {
		return s
	}
	switch s[0] {
	case '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	case '`':
		return strings.ReplaceAll(s[1:len(s)-1], "``", "`")
	case '\'':
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	case '[':
		return s[1 : len(s)-1]
	}
	return s
}

// Identifiers returns every identifier token in sql, unquoted, in order of
// appearance. Keywords are included; callers match against known names.
func Identifiers(sql string) ([]string, error) {
	toks, err := significantTokens(sql)
	if err != nil {
		return nil, &dberrors.ParseError{Format: "statement", Message: err.Error(), Err: err}
	}
	var out []string
	for _, t := range toks {
		if t.Type == tokIdent || t.Type == tokQuotedIdent {
			out = append(out, unquoteIdent(t.Value))
		}
	}
	return out, nil
}
