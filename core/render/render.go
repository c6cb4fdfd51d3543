// Package render maps logical field kinds onto engine column definitions.
package render

import (
	"context"
	"strconv"
	"strings"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/core/stmt"
)

// IdentitySpec is the fixed definition of the row identity column.
const IdentitySpec = "INTEGER PRIMARY KEY AUTOINCREMENT"

const (
	defaultIntPrecision = 11
	defaultVarcharSize  = 255
)

// EnumRegistrar records enum value sets and returns their column definition.
type EnumRegistrar interface {
	Register(ctx context.Context, table string, f schema.FieldSpec) (string, error)
}

// Renderer renders field specs. Enum fields are delegated to the registrar,
// which is the only rendering path with a side effect.
type Renderer struct {
	enums EnumRegistrar
}

// New creates a Renderer. enums may be nil when no enum fields are rendered.
func New(enums EnumRegistrar) *Renderer {
	return &Renderer{enums: enums}
}

// IdentityColumn returns the identity column placed first in every table.
func IdentityColumn() schema.Column {
	return schema.Column{Name: schema.IdentityColumn, Spec: IdentitySpec}
}

// Render returns the column definition for f in table.
func (r *Renderer) Render(ctx context.Context, table string, f schema.FieldSpec) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	def, hasDefault := f.DefaultValue()

	switch f.Kind {
	case schema.KindIdentity:
		return IdentitySpec, nil

	case schema.KindBoolean:
		v, _ := schema.ParseBool(def)
		if v {
			return "BOOL NOT NULL DEFAULT 1", nil
		}
		return "BOOL NOT NULL DEFAULT 0", nil

	case schema.KindInt:
		precision := f.Size
		if precision <= 0 {
			precision = defaultIntPrecision
		}
		spec := "INTEGER(" + strconv.Itoa(precision) + ")"
		if f.Nullable {
			if !hasDefault {
				def = "NULL"
			}
			return spec + " NULL DEFAULT " + strings.TrimSpace(def), nil
		}
		if !hasDefault {
			def = "0"
		}
		return spec + " NOT NULL DEFAULT " + strings.TrimSpace(def), nil

	case schema.KindDecimal:
		return numeric("NUMERIC", f.Nullable, def, hasDefault), nil

	case schema.KindFloat, schema.KindDouble:
		return numeric("REAL", f.Nullable, def, hasDefault), nil

	case schema.KindText, schema.KindDate, schema.KindDatetime, schema.KindTime, schema.KindYear:
		return withDefault("TEXT", def, hasDefault), nil

	case schema.KindVarchar:
		size := f.Size
		if size <= 0 {
			size = defaultVarcharSize
		}
		return withDefault("VARCHAR("+strconv.Itoa(size)+") COLLATE NOCASE", def, hasDefault), nil

	case schema.KindEnum:
		if r.enums == nil {
			return "", dberrors.NewUnsupported("enum field", f.Name+": no enum registry configured")
		}
		return r.enums.Register(ctx, table, f)
	}
	return "", dberrors.NewUnsupported("field kind", f.Kind.String())
}

// Columns renders every field of def in order, with the identity column
// first. An identity-kind field in the list takes its place; otherwise it is
// prepended.
func (r *Renderer) Columns(ctx context.Context, def schema.TableDef) ([]schema.Column, error) {
	cols := []schema.Column{IdentityColumn()}
	for _, f := range def.Fields {
		if f.Kind == schema.KindIdentity || f.Name == schema.IdentityColumn {
			continue
		}
		spec, err := r.Render(ctx, def.Name, f)
		if err != nil {
			return nil, dberrors.Wrapf(err, "render %s.%s", def.Name, f.Name)
		}
		cols = append(cols, schema.Column{Name: f.Name, Spec: spec})
	}
	return cols, nil
}

func numeric(typ string, nullable bool, def string, hasDefault bool) string {
	if nullable {
		if hasDefault {
			return typ + " DEFAULT " + strings.TrimSpace(def)
		}
		return typ
	}
	if !hasDefault {
		def = "0"
	}
	return typ + " NOT NULL DEFAULT " + strings.TrimSpace(def)
}

func withDefault(spec, def string, hasDefault bool) string {
	if !hasDefault {
		return spec
	}
	return spec + " DEFAULT " + stmt.QuoteString(def)
}
