// Package stmt builds the SQL text issued by the migration engine. Identifier
// and literal quoting live here so every DDL path quotes the same way.
package stmt

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/sqlite3schema/core/schema"
)

// QuoteIdent quotes an identifier with double quotes, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdents quotes and comma-joins identifiers.
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// QuoteString renders a string literal, doubling embedded single quotes.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ColumnDef renders one column definition.
func ColumnDef(c schema.Column) string {
	return QuoteIdent(c.Name) + " " + c.Spec
}

// CreateTable renders CREATE TABLE with the given columns in order.
func CreateTable(table string, columns []schema.Column) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = ColumnDef(c)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(table), strings.Join(defs, ", "))
}

// AddColumn renders ALTER TABLE .. ADD COLUMN.
func AddColumn(table string, c schema.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(table), ColumnDef(c))
}

// specLexer splits a column spec so keywords inside quoted literals and
// identifiers are never mistaken for constraints.
var specLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"|` + "`(?:[^`]|``)*`" + `|\[[^\]]*\]`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Other", Pattern: `.`},
})

var specIdent = specLexer.Symbols()["Ident"]

// keywords returns the bare words of spec upper-cased, in order. Any other
// token is kept as an empty entry so only adjacent words pair up.
func keywords(spec string) ([]string, error) {
	lx, err := specLexer.LexString("", spec)
	if err != nil {
		return nil, err
	}
	toks, err := lexer.ConsumeAll(lx)
	if err != nil {
		return nil, err
	}
	words := make([]string, 0, len(toks))
	for _, t := range toks {
		switch {
		case t.EOF():
		case t.Type == specIdent:
			words = append(words, strings.ToUpper(t.Value))
		case strings.TrimSpace(t.Value) != "":
			words = append(words, "")
		}
	}
	return words, nil
}

// CanAddColumn reports whether the engine's ADD COLUMN accepts spec: no
// PRIMARY KEY or UNIQUE constraint, and NOT NULL only with a default.
// Text inside quoted literals is ignored. A spec that cannot be tokenized
// is reported as not addable so it goes through a rebuild.
func CanAddColumn(spec string) bool {
	words, err := keywords(spec)
	if err != nil {
		return false
	}
	var notNull, hasDefault bool
	for i, w := range words {
		next := ""
		if i+1 < len(words) {
			next = words[i+1]
		}
		switch {
		case w == "PRIMARY" && next == "KEY", w == "UNIQUE":
			return false
		case w == "NOT" && next == "NULL":
			notNull = true
		case w == "DEFAULT":
			hasDefault = true
		}
	}
	return !notNull || hasDefault
}

// CreateIndex renders CREATE [UNIQUE] INDEX.
func CreateIndex(table string, idx schema.Index) string {
	kind := "INDEX"
	if idx.Unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, QuoteIdent(idx.Name), QuoteIdent(table), QuoteIdents(idx.Columns))
}

// DropIndex renders DROP INDEX IF EXISTS.
func DropIndex(name string) string {
	return "DROP INDEX IF EXISTS " + QuoteIdent(name)
}

// InsertSelect renders the copy step of a rebuild. target and source are
// parallel; a source column whose name differs from its target is aliased.
func InsertSelect(to, from string, target, source []string) string {
	sel := make([]string, len(source))
	for i, s := range source {
		sel[i] = QuoteIdent(s)
		if s != target[i] {
			sel[i] += " AS " + QuoteIdent(target[i])
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		QuoteIdent(to), QuoteIdents(target), strings.Join(sel, ", "), QuoteIdent(from))
}

// DropTable renders DROP TABLE.
func DropTable(table string) string {
	return "DROP TABLE " + QuoteIdent(table)
}

// RenameTable renders ALTER TABLE .. RENAME TO.
func RenameTable(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", QuoteIdent(from), QuoteIdent(to))
}

// DeleteFrom renders an unconditional DELETE.
func DeleteFrom(table string) string {
	return "DELETE FROM " + QuoteIdent(table)
}
