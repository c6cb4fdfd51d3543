package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
)

// FieldKind is the closed set of logical field kinds the renderer knows.
type FieldKind int

const (
	KindInvalid FieldKind = iota
	KindBoolean
	KindInt
	KindDecimal
	KindFloat
	KindDouble
	KindText
	KindDate
	KindDatetime
	KindTime
	KindYear
	KindVarchar
	KindEnum
	KindIdentity
)

var kindNames = map[FieldKind]string{
	KindBoolean:  "Boolean",
	KindInt:      "Int",
	KindDecimal:  "Decimal",
	KindFloat:    "Float",
	KindDouble:   "Double",
	KindText:     "Text",
	KindDate:     "Date",
	KindDatetime: "Datetime",
	KindTime:     "Time",
	KindYear:     "Year",
	KindVarchar:  "Varchar",
	KindEnum:     "Enum",
	KindIdentity: "Identity",
}

// aliases accepted in schema files in addition to the canonical names.
var kindAliases = map[string]FieldKind{
	"bool":        KindBoolean,
	"integer":     KindInt,
	"numeric":     KindDecimal,
	"real":        KindFloat,
	"ss_datetime": KindDatetime,
	"timestamp":   KindDatetime,
	"idcolumn":    KindIdentity,
	"id":          KindIdentity,
	"enumeration": KindEnum,
}

func (k FieldKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// Valid reports whether k is one of the known kinds.
func (k FieldKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (k FieldKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, dberrors.NewUnsupported("field kind", k.String())
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FieldKind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind resolves a kind name, case-insensitively.
func ParseKind(s string) (FieldKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if strings.ToLower(n) == name {
			return k, nil
		}
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	return KindInvalid, dberrors.NewUnsupported("field kind", s)
}

// fieldTypeGrammar parses type strings such as "Varchar(255)",
// "Enum('Draft,Published', 'Draft')" or "Boolean(1)".
//
//nolint:govet // participle grammar tags are not standard struct tags
type fieldTypeGrammar struct {
	Name string     `@Ident`
	Args []*typeArg `( "(" ( @@ ( "," @@ )* )? ")" )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type typeArg struct {
	Str   *string `  @String`
	Num   *string `| @Number`
	Ident *string `| @Ident`
}

func (a *typeArg) value() string {
	switch {
	case a.Str != nil:
		return unquote(*a.Str)
	case a.Num != nil:
		return *a.Num
	case a.Ident != nil:
		return *a.Ident
	}
	return ""
}

var fieldTypeLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:[^"]|"")*"|'(?:[^']|'')*'`},
	{Name: "Number", Pattern: `[-+]?[0-9]+(?:\.[0-9]+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[(),]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var fieldTypeParser = participle.MustBuild[fieldTypeGrammar](
	participle.Lexer(fieldTypeLexer),
	participle.Elide("Whitespace"),
)

// ParseFieldType builds a FieldSpec from a type string. Arguments are
// interpreted per kind: Varchar(size[, default]), Int([default]),
// Boolean([default]), Decimal([precision[, scale[, default]]]),
// Enum("a,b,c"[, default]).
func ParseFieldType(name, typeString string) (FieldSpec, error) {
	parsed, err := fieldTypeParser.ParseString("", strings.TrimSpace(typeString))
	if err != nil {
		return FieldSpec{}, &dberrors.ParseError{Format: "field type", Path: name, Message: typeString, Err: err}
	}
	kind, err := ParseKind(parsed.Name)
	if err != nil {
		return FieldSpec{}, err
	}
	args := make([]string, len(parsed.Args))
	for i, a := range parsed.Args {
		args[i] = a.value()
	}

	f := FieldSpec{Name: name, Kind: kind}
	setDefault := func(i int) {
		if len(args) > i {
			v := args[i]
			f.Default = &v
		}
	}
	switch kind {
	case KindVarchar:
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return FieldSpec{}, dberrors.NewParse("field type", name, fmt.Sprintf("varchar size %q", args[0]))
			}
			f.Size = n
		}
		setDefault(1)
	case KindInt, KindBoolean:
		setDefault(0)
	case KindDecimal:
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				f.Size = n
			}
		}
		setDefault(2)
	case KindEnum:
		if len(args) == 0 {
			return FieldSpec{}, dberrors.NewValidation(name, "enum requires a value list")
		}
		for _, v := range strings.Split(args[0], ",") {
			if v = strings.TrimSpace(v); v != "" {
				f.EnumValues = append(f.EnumValues, v)
			}
		}
		setDefault(1)
	default:
		setDefault(0)
	}
	return f, f.Validate()
}

// ParseIndexSpec accepts "(A, B)", "unique (A)", "fulltext (Title, Content)"
// or an empty spec, which indexes the column named like the index.
func ParseIndexSpec(name, spec string) (IndexSpec, error) {
	idx := IndexSpec{Name: name}
	s := strings.TrimSpace(spec)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "unique"):
		idx.Unique = true
		s = strings.TrimSpace(s[len("unique"):])
	case strings.HasPrefix(lower, "fulltext"):
		idx.Fulltext = true
		s = strings.TrimSpace(s[len("fulltext"):])
	}
	if s == "" {
		idx.Columns = []string{name}
		return idx, nil
	}
	open := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if open < 0 || end < open {
		return IndexSpec{}, dberrors.NewParse("index spec", name, spec)
	}
	for _, c := range strings.Split(s[open+1:end], ",") {
		c = strings.Trim(strings.TrimSpace(c), `"`+"`")
		if c != "" {
			idx.Columns = append(idx.Columns, c)
		}
	}
	if len(idx.Columns) == 0 {
		return IndexSpec{}, dberrors.NewParse("index spec", name, spec)
	}
	return idx, nil
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return s
	}
	inner := s[1 : len(s)-1]
	return strings.ReplaceAll(inner, string([]byte{q, q}), string(q))
}
