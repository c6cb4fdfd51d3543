package reconcile

import (
	"fmt"
	"strings"
)

// ChangeKind classifies a reconciliation change.
type ChangeKind string

const (
	TableCreated ChangeKind = "table created"
	TableChanged ChangeKind = "table changed"
	TableCleared ChangeKind = "table cleared"
	TableRenamed ChangeKind = "table renamed"
	FieldCreated ChangeKind = "field created"
	FieldChanged ChangeKind = "field changed"
	FieldRenamed ChangeKind = "field renamed"
	IndexCreated ChangeKind = "index created"
	IndexChanged ChangeKind = "index changed"
)

// Change is one applied (or, in a dry run, planned) schema change.
type Change struct {
	Kind  ChangeKind
	Table string
	Name  string // field or index name; empty for table changes
	Spec  string // new column spec or index column list
	From  string // previous spec, previous name, or previous table name
}

// String renders the change for logs and audit output.
func (c Change) String() string {
	switch c.Kind {
	case TableCreated:
		return fmt.Sprintf("Table %s: created", c.Table)
	case TableChanged:
		return fmt.Sprintf("Table %s: changed", c.Table)
	case TableCleared:
		return fmt.Sprintf("Table %s: cleared", c.Table)
	case TableRenamed:
		return fmt.Sprintf("Table %s: renamed from %s", c.Table, c.From)
	case FieldCreated:
		return fmt.Sprintf("Field %s.%s: created as %s", c.Table, c.Name, c.Spec)
	case FieldChanged:
		return fmt.Sprintf("Field %s.%s: changed to %s (from %s)", c.Table, c.Name, c.Spec, c.From)
	case FieldRenamed:
		return fmt.Sprintf("Field %s.%s: renamed from %s", c.Table, c.Name, c.From)
	case IndexCreated:
		return fmt.Sprintf("Index %s.%s: created as %s", c.Table, c.Name, c.Spec)
	case IndexChanged:
		return fmt.Sprintf("Index %s.%s: changed to %s (from %s)", c.Table, c.Name, c.Spec, c.From)
	}
	return fmt.Sprintf("%s %s.%s", c.Kind, c.Table, c.Name)
}

// Strings renders a change list.
func Strings(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.String()
	}
	return out
}

func indexColumns(cols []string) string {
	return "(" + strings.Join(cols, ", ") + ")"
}
