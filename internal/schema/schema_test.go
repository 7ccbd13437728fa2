package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/ir"
)

func TestLoadDir(t *testing.T) {
	reg, err := LoadDir("testdata")
	require.NoError(t, err)

	assert.Equal(t, []string{"lists", "todos"}, reg.Tables())

	todos, ok := reg.Table("todos")
	require.True(t, ok)
	assert.Equal(t, TypeBool, todos.Columns["done"])
	assert.Equal(t, []string{"title"}, todos.Required)
}

func TestLoadString_RejectsFloat(t *testing.T) {
	_, err := LoadString(`table: t: columns: price: "float"`)

	require.Error(t, err)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "price", se.Column)
	assert.Contains(t, se.Message, "float")
}

func TestLoadString_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no tables", `other: 1`},
		{"no columns", `table: t: {}`},
		{"bad type", `table: t: columns: a: "uuid"`},
		{"non-string type", `table: t: columns: a: 5`},
		{"undeclared required", `table: t: {columns: a: "int", required: ["b"]}`},
		{"invalid cue", `table: t: columns: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestValidateRow(t *testing.T) {
	reg, err := LoadDir("testdata")
	require.NoError(t, err)

	tests := []struct {
		name    string
		table   string
		row     ir.Object
		wantErr string
	}{
		{"valid", "todos", ir.Object{"title": ir.String("milk"), "done": ir.Bool(false)}, ""},
		{"null optional", "todos", ir.Object{"title": ir.String("milk"), "position": ir.Null{}}, ""},
		{"unknown table", "notes", ir.Object{}, "not sync-enabled"},
		{"unknown column", "todos", ir.Object{"title": ir.String("x"), "color": ir.String("red")}, "unknown column"},
		{"wrong type", "todos", ir.Object{"title": ir.String("x"), "done": ir.String("yes")}, "not bool"},
		{"missing required", "todos", ir.Object{"done": ir.Bool(true)}, "required column is missing"},
		{"null required", "todos", ir.Object{"title": ir.Null{}}, "required column is null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.ValidateRow(tt.table, tt.row)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNilRegistryAcceptsEverything(t *testing.T) {
	var reg *Registry
	assert.NoError(t, reg.ValidateRow("anything", ir.Object{"x": ir.Int(1)}))
	assert.Nil(t, reg.Tables())
}
