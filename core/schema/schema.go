// Package schema defines the logical and observed table model shared by the
// migration engine: declared fields and indexes on one side, introspected
// column specs and catalog indexes on the other.
package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
)

// IdentityColumn is the name of the row identity column present as the first
// column of every managed table.
const IdentityColumn = "ID"

// FieldSpec is a logical attribute of a table.
type FieldSpec struct {
	Name       string    `json:"name" yaml:"name"`
	Kind       FieldKind `json:"kind" yaml:"kind"`
	Size       int       `json:"size,omitempty" yaml:"size,omitempty"` // varchar size or integer precision
	Default    *string   `json:"default,omitempty" yaml:"default,omitempty"`
	Nullable   bool      `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	EnumValues []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`

	// RenamedFrom names the existing column whose data this field takes over.
	RenamedFrom string `json:"renamed_from,omitempty" yaml:"renamed_from,omitempty"`
}

// DefaultValue returns the declared default and whether one was set.
func (f FieldSpec) DefaultValue() (string, bool) {
	if f.Default == nil {
		return "", false
	}
	return *f.Default, true
}

// Validate checks the kind-specific invariants of a field.
func (f FieldSpec) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return dberrors.NewValidation("name", "field name must not be empty")
	}
	if !f.Kind.Valid() {
		return dberrors.NewUnsupported("field kind", fmt.Sprintf("%s has kind %d", f.Name, int(f.Kind)))
	}
	def, hasDefault := f.DefaultValue()
	switch f.Kind {
	case KindEnum:
		if len(f.EnumValues) == 0 {
			return dberrors.NewValidation(f.Name, "enum values must not be empty")
		}
		for _, v := range f.EnumValues {
			if strings.Contains(v, ",") {
				return dberrors.NewValidation(f.Name, fmt.Sprintf("enum value %q must not contain a comma", v))
			}
		}
		if hasDefault && def != "" && !contains(f.EnumValues, def) {
			return dberrors.NewValidation(f.Name, fmt.Sprintf("default %q is not one of the enum values", def))
		}
	case KindBoolean:
		if hasDefault {
			if _, err := ParseBool(def); err != nil {
				return dberrors.NewValidation(f.Name, fmt.Sprintf("boolean default %q", def))
			}
		}
	case KindInt:
		if hasDefault {
			if _, err := strconv.ParseInt(strings.TrimSpace(def), 10, 64); err != nil {
				return dberrors.NewValidation(f.Name, fmt.Sprintf("integer default %q", def))
			}
		}
	case KindDecimal, KindFloat, KindDouble:
		if hasDefault {
			if _, err := strconv.ParseFloat(strings.TrimSpace(def), 64); err != nil {
				return dberrors.NewValidation(f.Name, fmt.Sprintf("numeric default %q", def))
			}
		}
	case KindVarchar:
		if f.Size < 0 {
			return dberrors.NewValidation(f.Name, "varchar size must not be negative")
		}
	}
	return nil
}

// ParseBool accepts the boolean spellings used in schema definitions.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// IndexSpec is a desired index.
type IndexSpec struct {
	Name     string   `json:"name" yaml:"name"`
	Columns  []string `json:"columns" yaml:"columns"`
	Unique   bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	Fulltext bool     `json:"fulltext,omitempty" yaml:"fulltext,omitempty"`
}

// CatalogName is the engine-side index name, disambiguated with the owning
// table.
func (i IndexSpec) CatalogName(table string) string {
	return table + "." + i.Name
}

// TableDef is the logical schema description of one table.
type TableDef struct {
	Name    string      `json:"name" yaml:"name"`
	Fields  []FieldSpec `json:"fields" yaml:"fields"`
	Indexes []IndexSpec `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// Validate checks name uniqueness and each field.
func (d TableDef) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return dberrors.NewValidation("table", "table name must not be empty")
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if err := f.Validate(); err != nil {
			return dberrors.Wrapf(err, "table %s", d.Name)
		}
		// column names are compared case-insensitively by the engine
		key := strings.ToLower(f.Name)
		if seen[key] {
			return dberrors.NewValidation(f.Name, fmt.Sprintf("duplicate field in table %s", d.Name))
		}
		seen[key] = true
	}
	idx := make(map[string]bool, len(d.Indexes))
	for _, i := range d.Indexes {
		if i.Name == "" {
			return dberrors.NewValidation("index", fmt.Sprintf("index name must not be empty in table %s", d.Name))
		}
		if idx[i.Name] {
			return dberrors.NewValidation(i.Name, fmt.Sprintf("duplicate index in table %s", d.Name))
		}
		idx[i.Name] = true
	}
	return nil
}

// Fingerprint returns a BLAKE3 digest of the definition. Two definitions with
// the same fingerprint reconcile to the same table.
func (d TableDef) Fingerprint() string {
	data, err := json.Marshal(d)
	if err != nil {
		// TableDef holds only strings, ints and bools.
		panic(fmt.Sprintf("schema: marshal table definition: %v", err))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Column is one observed column: its name and the column-definition text the
// engine stored for it.
type Column struct {
	Name string
	Spec string
}

// Index is one observed catalog index.
type Index struct {
	Name    string
	Columns []string // "" for an expression term
	Unique  bool
	Partial bool

	// SQL is the stored CREATE INDEX text, empty for indexes built from a
	// desired IndexSpec.
	SQL string
}

// Expression reports whether any indexed term is an expression rather than a
// plain column.
func (i Index) Expression() bool {
	for _, c := range i.Columns {
		if c == "" {
			return true
		}
	}
	return false
}

// SameAs reports whether two indexes cover the same ordered columns with the
// same uniqueness.
func (i Index) SameAs(o Index) bool {
	if i.Unique != o.Unique || i.Partial != o.Partial || len(i.Columns) != len(o.Columns) {
		return false
	}
	for n := range i.Columns {
		if !strings.EqualFold(i.Columns[n], o.Columns[n]) {
			return false
		}
	}
	return true
}

// TableSchema is the observed state of a table. It is recomputed on demand
// and must not be reused across a schema-modifying statement.
type TableSchema struct {
	Name    string
	Columns []Column
	Indexes map[string]Index
}

// Column returns the column with the given name.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns column names in table order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IndexNames returns index names sorted.
func (s TableSchema) IndexNames() []string {
	names := make([]string, 0, len(s.Indexes))
	for n := range s.Indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NormalizeSpec collapses runs of whitespace outside quoted sections and
// trims the result, so specs that differ only in layout compare equal.
func NormalizeSpec(spec string) string {
	var b strings.Builder
	b.Grow(len(spec))
	var quote rune
	space := false
	for _, r := range strings.TrimSpace(spec) {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			quote = r
		case '[':
			quote = ']'
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SpecsEqual compares two column specs after whitespace normalization.
func SpecsEqual(a, b string) bool {
	return NormalizeSpec(a) == NormalizeSpec(b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
