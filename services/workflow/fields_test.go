package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsFor_KnownType(t *testing.T) {
	fields := FieldsFor("order")
	require.NotEmpty(t, fields)

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"due_date", "total", "paid", "status", "client_id", "recurring_order_id"}, names)
}

func TestFieldsFor_UnknownTypeIsEmpty(t *testing.T) {
	assert.Empty(t, FieldsFor("spaceship"))
	assert.Empty(t, ForeignKeyFieldsFor("spaceship"))
}

func TestFieldsFor_ReturnsCopy(t *testing.T) {
	fields := FieldsFor("client")
	fields[0].Name = "mutated"
	assert.Equal(t, "name", FieldsFor("client")[0].Name)
}

func TestForeignKeyFieldsFor(t *testing.T) {
	fks := ForeignKeyFieldsFor("order_item")
	require.Len(t, fks, 2)
	assert.Equal(t, "order", fks[0].ForeignKeyTarget)
	assert.Equal(t, "product", fks[1].ForeignKeyTarget)

	assert.Empty(t, ForeignKeyFieldsFor("product"))
}

func TestKnownResourceTypes(t *testing.T) {
	types := KnownResourceTypes()
	assert.ElementsMatch(t, []string{
		"order", "client", "product", "task", "task_state", "recurring_order", "invoice", "order_item",
	}, types)

	for _, rt := range types {
		assert.NotEmpty(t, FieldsFor(rt), rt)
	}
}

func TestLookupTable(t *testing.T) {
	tbl, err := LookupTable("invoice")
	require.NoError(t, err)
	assert.Equal(t, "invoice", tbl.Name)

	f, ok := tbl.Field("details")
	require.True(t, ok)
	assert.Equal(t, FieldJSON, f.Type)

	id, ok := tbl.Field("id")
	require.True(t, ok)
	assert.Equal(t, FieldUUID, id.Type)

	_, ok = tbl.Field("company_id")
	assert.False(t, ok)

	_, err = LookupTable("nope")
	assert.True(t, errors.Is(err, ErrUnknownResourceType))
}

func TestField_Coerce(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		in    any
		want  any
	}{
		{"number from float", Field{Name: "total", Type: FieldNumber}, 12.5, 12.5},
		{"number from string", Field{Name: "total", Type: FieldNumber}, " 7 ", 7.0},
		{"bool from bool", Field{Name: "paid", Type: FieldBoolean}, true, true},
		{"bool from string", Field{Name: "paid", Type: FieldBoolean}, "false", false},
		{"uuid normalised", Field{Name: "client_id", Type: FieldUUID}, "AAAAAAAA-AAAA-4AAA-8AAA-AAAAAAAAAAAA", "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"},
		{"string from number", Field{Name: "status", Type: FieldString}, 3.0, "3"},
		{"nil stays nil", Field{Name: "status", Type: FieldString}, nil, nil},
		{"json marshalled", Field{Name: "details", Type: FieldJSON}, map[string]any{"a": 1.0}, []byte(`{"a":1}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.field.Coerce(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestField_Coerce_Date(t *testing.T) {
	f := Field{Name: "due_date", Type: FieldDate}

	got, err := f.Coerce("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = f.Coerce("2024-03-01T10:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), got)
}

func TestField_Coerce_Rejects(t *testing.T) {
	_, err := Field{Name: "total", Type: FieldNumber}.Coerce("lots")
	assert.Error(t, err)

	_, err = Field{Name: "paid", Type: FieldBoolean}.Coerce("maybe")
	assert.Error(t, err)

	_, err = Field{Name: "client_id", Type: FieldUUID}.Coerce("not-a-uuid")
	assert.Error(t, err)

	_, err = Field{Name: "due_date", Type: FieldDate}.Coerce("yesterday")
	assert.Error(t, err)

	_, err = Field{Name: "due_date", Type: FieldDate}.Coerce(42.0)
	assert.Error(t, err)
}

func TestField_Normalize(t *testing.T) {
	assert.Equal(t, true, Field{Type: FieldBoolean}.Normalize(int64(1)))
	assert.Equal(t, 3.0, Field{Type: FieldNumber}.Normalize(int64(3)))
	assert.Equal(t, map[string]any{"a": 1.0}, Field{Type: FieldJSON}.Normalize([]byte(`{"a":1}`)))
	assert.Equal(t, map[string]any{"a": 1.0}, Field{Type: FieldJSON}.Normalize(`{"a":1}`))
	assert.Equal(t, "plain", Field{Type: FieldString}.Normalize([]byte("plain")))
	assert.Equal(t, "2024-03-01T08:30:00Z",
		Field{Type: FieldDate}.Normalize(time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001",
		Field{Type: FieldUUID}.Normalize([16]byte{15: 1}))
	assert.Nil(t, Field{Type: FieldString}.Normalize(nil))
}
