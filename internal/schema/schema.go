// Package schema loads the definitions of sync-enabled tables.
//
// Tables are declared in CUE:
//
//	table: todos: {
//		columns: {
//			title: "string"
//			done:  "bool"
//		}
//		required: ["title"]
//	}
//
// The store consults the Registry at its write boundary so that a patch
// carrying an unknown table, an unknown column or a mistyped value is
// rejected before it reaches the dataset.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/lofisync/internal/ir"
)

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeBool   ColumnType = "bool"
	TypeArray  ColumnType = "array"
	TypeObject ColumnType = "object"
)

// validTypes has NO "float": floats break byte-level patch comparison.
var validTypes = map[ColumnType]bool{
	TypeString: true,
	TypeInt:    true,
	TypeBool:   true,
	TypeArray:  true,
	TypeObject: true,
}

// Table is one sync-enabled table.
type Table struct {
	Name     string                `json:"name"`
	Columns  map[string]ColumnType `json:"columns"`
	Required []string              `json:"required,omitempty"`
}

// Error is a schema definition or row validation failure.
type Error struct {
	Table   string
	Column  string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	where := e.Table
	if e.Column != "" {
		where += "." + e.Column
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// Registry holds the declared tables.
// A nil *Registry accepts every table and row.
type Registry struct {
	tables map[string]Table
}

// New builds a registry from already-constructed tables.
func New(tables ...Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		if t.Name == "" {
			return nil, &Error{Message: "table name is required"}
		}
		for col, typ := range t.Columns {
			if !validTypes[typ] {
				return nil, &Error{Table: t.Name, Column: col, Message: fmt.Sprintf("invalid column type %q", typ)}
			}
		}
		for _, col := range t.Required {
			if _, ok := t.Columns[col]; !ok {
				return nil, &Error{Table: t.Name, Column: col, Message: "required column is not declared"}
			}
		}
		r.tables[t.Name] = t
	}
	return r, nil
}

// LoadString compiles CUE source text.
func LoadString(src string) (*Registry, error) {
	v := cuecontext.New().CompileString(src)
	return Compile(v)
}

// LoadDir loads every .cue file in dir as one CUE instance.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(dir)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		return LoadString(string(data))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", err)
	}
	return Compile(cuecontext.New().BuildInstance(instances[0]))
}

// Compile extracts table definitions from the `table` field of v.
func Compile(v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}

	tablesVal := v.LookupPath(cue.ParsePath("table"))
	if !tablesVal.Exists() {
		return nil, &Error{Message: "no tables declared", Pos: v.Pos()}
	}

	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterating tables: %w", err)
	}

	var tables []Table
	for iter.Next() {
		t, err := compileTable(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return New(tables...)
}

func compileTable(name string, v cue.Value) (Table, error) {
	t := Table{Name: name, Columns: map[string]ColumnType{}}

	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return t, &Error{Table: name, Message: "columns are required", Pos: v.Pos()}
	}
	iter, err := colsVal.Fields()
	if err != nil {
		return t, fmt.Errorf("table %s columns: %w", name, err)
	}
	for iter.Next() {
		typ, err := iter.Value().String()
		if err != nil {
			return t, &Error{Table: name, Column: iter.Label(), Message: "column type must be a string", Pos: iter.Value().Pos()}
		}
		if typ == "float" {
			return t, &Error{
				Table:   name,
				Column:  iter.Label(),
				Message: "float types are forbidden, use int instead",
				Pos:     iter.Value().Pos(),
			}
		}
		if !validTypes[ColumnType(typ)] {
			return t, &Error{Table: name, Column: iter.Label(), Message: fmt.Sprintf("invalid column type %q", typ), Pos: iter.Value().Pos()}
		}
		t.Columns[iter.Label()] = ColumnType(typ)
	}

	reqVal := v.LookupPath(cue.ParsePath("required"))
	if reqVal.Exists() {
		if err := reqVal.Decode(&t.Required); err != nil {
			return t, &Error{Table: name, Message: "required must be a list of column names", Pos: reqVal.Pos()}
		}
	}
	return t, nil
}

// Table returns the definition of name.
func (r *Registry) Table(name string) (Table, bool) {
	if r == nil {
		return Table{}, false
	}
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns the declared table names in sorted order.
func (r *Registry) Tables() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateRow checks a full row image against the table definition.
// Null is accepted for any column that is not required.
func (r *Registry) ValidateRow(table string, row ir.Object) error {
	if r == nil {
		return nil
	}
	t, ok := r.tables[table]
	if !ok {
		return &Error{Table: table, Message: "table is not sync-enabled"}
	}
	for _, col := range t.Required {
		v, present := row[col]
		if !present {
			return &Error{Table: table, Column: col, Message: "required column is missing"}
		}
		if _, isNull := v.(ir.Null); isNull {
			return &Error{Table: table, Column: col, Message: "required column is null"}
		}
	}
	for _, col := range row.SortedKeys() {
		typ, ok := t.Columns[col]
		if !ok {
			return &Error{Table: table, Column: col, Message: "unknown column"}
		}
		if !matches(typ, row[col]) {
			return &Error{Table: table, Column: col, Message: fmt.Sprintf("value is not %s", typ)}
		}
	}
	return nil
}

func matches(typ ColumnType, v ir.Value) bool {
	switch v.(type) {
	case ir.Null:
		return true
	case ir.String:
		return typ == TypeString
	case ir.Int:
		return typ == TypeInt
	case ir.Bool:
		return typ == TypeBool
	case ir.Array:
		return typ == TypeArray
	case ir.Object:
		return typ == TypeObject
	}
	return false
}
