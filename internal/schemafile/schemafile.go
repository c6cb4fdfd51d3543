// Package schemafile loads logical table definitions from YAML, JSON or XML
// files.
//
// A field is declared either with a type string such as "Varchar(255)" or
// Enum("Draft,Published", "Draft"), or with explicit kind, size and default
// attributes. An index is declared with a spec string such as "unique (A, B)"
// or with explicit columns.
package schemafile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/internal/validation"
)

type rawFile struct {
	Tables []rawTable `yaml:"tables" json:"tables"`
}

type rawTable struct {
	Name    string     `yaml:"name" json:"name"`
	Fields  []rawField `yaml:"fields" json:"fields"`
	Indexes []rawIndex `yaml:"indexes" json:"indexes"`
}

type rawField struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Kind        string   `yaml:"kind" json:"kind"`
	Size        int      `yaml:"size" json:"size"`
	Default     *string  `yaml:"default" json:"default"`
	Nullable    bool     `yaml:"nullable" json:"nullable"`
	EnumValues  []string `yaml:"enum_values" json:"enum_values"`
	RenamedFrom string   `yaml:"renamed_from" json:"renamed_from"`
}

type rawIndex struct {
	Name     string   `yaml:"name" json:"name"`
	Spec     string   `yaml:"spec" json:"spec"`
	Columns  []string `yaml:"columns" json:"columns"`
	Unique   bool     `yaml:"unique" json:"unique"`
	Fulltext bool     `yaml:"fulltext" json:"fulltext"`
}

// Load reads and parses the schema file at path. The format is detected from
// the extension, or from the content when the extension is unknown.
func Load(path string) ([]schema.TableDef, error) {
	if err := validation.ValidatePath(path); err != nil {
		return nil, errors.NewValidation("schema file", err.Error())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()
	return Read(f, path)
}

// Read parses a schema document. name is used for format detection and in
// error messages.
func Read(r io.Reader, name string) ([]schema.TableDef, error) {
	data, err := io.ReadAll(io.LimitReader(r, validation.MaxFileSize+1))
	if err != nil {
		return nil, errors.NewIO("read", name, err)
	}
	if len(data) > validation.MaxFileSize {
		return nil, errors.NewValidation("schema file", fmt.Sprintf("%s exceeds %d bytes", name, validation.MaxFileSize))
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return Parse(data, validation.DetectFileType(head, name), name)
}

// Parse decodes data in the given format.
func Parse(data []byte, format validation.FileType, name string) ([]schema.TableDef, error) {
	var raw rawFile
	switch format {
	case validation.FileTypeYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.NewParse("yaml", name, err.Error())
		}
	case validation.FileTypeJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.NewParse("json", name, err.Error())
		}
	case validation.FileTypeXML:
		r, err := parseXML(data, name)
		if err != nil {
			return nil, err
		}
		raw = *r
	default:
		return nil, errors.NewUnsupported("schema file format", fmt.Sprintf("%s (%s)", name, format))
	}
	return raw.definitions()
}

var (
	tablePath = xpath.MustCompile("/schema/table")
	fieldPath = xpath.MustCompile("field")
	indexPath = xpath.MustCompile("index")
)

// parseXML reads
//
//	<schema>
//	  <table name="Page">
//	    <field name="Title" type="Varchar(255)"/>
//	    <index name="Title" spec="unique (Title)"/>
//	  </table>
//	</schema>
func parseXML(data []byte, name string) (*rawFile, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewParse("xml", name, err.Error())
	}
	if xmlquery.FindOne(doc, "/schema") == nil {
		return nil, errors.NewParse("xml", name, "missing <schema> root element")
	}

	var raw rawFile
	for _, tn := range xmlquery.QuerySelectorAll(doc, tablePath) {
		t := rawTable{Name: tn.SelectAttr("name")}
		for _, fn := range xmlquery.QuerySelectorAll(tn, fieldPath) {
			f := rawField{
				Name:        fn.SelectAttr("name"),
				Type:        fn.SelectAttr("type"),
				Kind:        fn.SelectAttr("kind"),
				RenamedFrom: fn.SelectAttr("renamed-from"),
			}
			if v := fn.SelectAttr("size"); v != "" {
				if _, err := fmt.Sscanf(v, "%d", &f.Size); err != nil {
					return nil, errors.NewParse("xml", name, fmt.Sprintf("field %s: size %q", f.Name, v))
				}
			}
			if hasAttr(fn, "default") {
				v := fn.SelectAttr("default")
				f.Default = &v
			}
			if v := fn.SelectAttr("nullable"); v != "" {
				b, err := schema.ParseBool(v)
				if err != nil {
					return nil, errors.NewParse("xml", name, fmt.Sprintf("field %s: nullable %q", f.Name, v))
				}
				f.Nullable = b
			}
			for _, vn := range xmlquery.Find(fn, "value") {
				f.EnumValues = append(f.EnumValues, strings.TrimSpace(vn.InnerText()))
			}
			t.Fields = append(t.Fields, f)
		}
		for _, in := range xmlquery.QuerySelectorAll(tn, indexPath) {
			idx := rawIndex{Name: in.SelectAttr("name"), Spec: in.SelectAttr("spec")}
			for _, cn := range xmlquery.Find(in, "column") {
				idx.Columns = append(idx.Columns, strings.TrimSpace(cn.InnerText()))
			}
			if v := in.SelectAttr("unique"); v != "" {
				idx.Unique, _ = schema.ParseBool(v)
			}
			t.Indexes = append(t.Indexes, idx)
		}
		raw.Tables = append(raw.Tables, t)
	}
	return &raw, nil
}

func hasAttr(n *xmlquery.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Name.Local == name {
			return true
		}
	}
	return false
}

func (r rawFile) definitions() ([]schema.TableDef, error) {
	defs := make([]schema.TableDef, 0, len(r.Tables))
	seen := make(map[string]bool, len(r.Tables))
	for _, t := range r.Tables {
		def, err := t.definition()
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(def.Name)
		if seen[key] {
			return nil, errors.NewValidation(def.Name, "table declared twice")
		}
		seen[key] = true
		defs = append(defs, def)
	}
	return defs, nil
}

func (t rawTable) definition() (schema.TableDef, error) {
	if err := validation.ValidateIdentifier(t.Name); err != nil {
		return schema.TableDef{}, errors.NewValidation("table", err.Error())
	}
	def := schema.TableDef{Name: t.Name}
	for _, rf := range t.Fields {
		f, err := rf.spec()
		if err != nil {
			return schema.TableDef{}, errors.Wrapf(err, "table %s", t.Name)
		}
		def.Fields = append(def.Fields, f)
	}
	for _, ri := range t.Indexes {
		idx, err := ri.spec()
		if err != nil {
			return schema.TableDef{}, errors.Wrapf(err, "table %s", t.Name)
		}
		def.Indexes = append(def.Indexes, idx)
	}
	if err := def.Validate(); err != nil {
		return schema.TableDef{}, err
	}
	return def, nil
}

func (rf rawField) spec() (schema.FieldSpec, error) {
	if err := validation.ValidateIdentifier(rf.Name); err != nil {
		return schema.FieldSpec{}, errors.NewValidation("field", err.Error())
	}
	if rf.RenamedFrom != "" {
		if err := validation.ValidateIdentifier(rf.RenamedFrom); err != nil {
			return schema.FieldSpec{}, errors.NewValidation(rf.Name+".renamed_from", err.Error())
		}
	}

	var f schema.FieldSpec
	switch {
	case rf.Type != "" && rf.Kind != "":
		return schema.FieldSpec{}, errors.NewValidation(rf.Name, "declare either type or kind, not both")
	case rf.Type != "":
		parsed, err := schema.ParseFieldType(rf.Name, rf.Type)
		if err != nil {
			return schema.FieldSpec{}, err
		}
		f = parsed
		if rf.Default != nil {
			f.Default = rf.Default
		}
		if len(rf.EnumValues) > 0 {
			f.EnumValues = rf.EnumValues
		}
	case rf.Kind != "":
		kind, err := schema.ParseKind(rf.Kind)
		if err != nil {
			return schema.FieldSpec{}, err
		}
		f = schema.FieldSpec{
			Name:       rf.Name,
			Kind:       kind,
			Size:       rf.Size,
			Default:    rf.Default,
			EnumValues: rf.EnumValues,
		}
	default:
		return schema.FieldSpec{}, errors.NewValidation(rf.Name, "field needs a type or a kind")
	}
	f.Nullable = rf.Nullable
	f.RenamedFrom = rf.RenamedFrom
	return f, f.Validate()
}

func (ri rawIndex) spec() (schema.IndexSpec, error) {
	if err := validation.ValidateIdentifier(ri.Name); err != nil {
		return schema.IndexSpec{}, errors.NewValidation("index", err.Error())
	}
	if len(ri.Columns) == 0 {
		return schema.ParseIndexSpec(ri.Name, ri.Spec)
	}
	if ri.Spec != "" {
		return schema.IndexSpec{}, errors.NewValidation(ri.Name, "declare either spec or columns, not both")
	}
	return schema.IndexSpec{
		Name:     ri.Name,
		Columns:  ri.Columns,
		Unique:   ri.Unique,
		Fulltext: ri.Fulltext,
	}, nil
}
