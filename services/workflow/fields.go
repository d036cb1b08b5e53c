package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldType is the semantic type tag of an entity field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldUUID    FieldType = "uuid"
	FieldJSON    FieldType = "json"
)

// Field describes one engine-visible column of an entity type.
type Field struct {
	Name             string    `json:"name"`
	Type             FieldType `json:"type"`
	ForeignKeyTarget string    `json:"fk_to,omitempty"`
}

var resourceTypes = []string{
	"order", "client", "product", "task", "task_state", "recurring_order", "invoice", "order_item",
}

var resourceFields = map[string][]Field{
	"order": {
		{Name: "due_date", Type: FieldDate},
		{Name: "total", Type: FieldNumber},
		{Name: "paid", Type: FieldBoolean},
		{Name: "status", Type: FieldString},
		{Name: "client_id", Type: FieldUUID, ForeignKeyTarget: "client"},
		{Name: "recurring_order_id", Type: FieldUUID, ForeignKeyTarget: "recurring_order"},
	},
	"client": {
		{Name: "name", Type: FieldString},
		{Name: "tax_id", Type: FieldString},
		{Name: "address", Type: FieldString},
		{Name: "phone", Type: FieldString},
		{Name: "email", Type: FieldString},
		{Name: "contact", Type: FieldString},
		{Name: "observations", Type: FieldString},
		{Name: "advisor_id", Type: FieldUUID},
	},
	"product": {
		{Name: "name", Type: FieldString},
		{Name: "price", Type: FieldNumber},
		{Name: "description", Type: FieldString},
		{Name: "stock", Type: FieldNumber},
	},
	"task": {
		{Name: "name", Type: FieldString},
		{Name: "description", Type: FieldString},
		{Name: "position", Type: FieldNumber},
		{Name: "due_date", Type: FieldDate},
		{Name: "task_state_id", Type: FieldUUID, ForeignKeyTarget: "task_state"},
	},
	"task_state": {
		{Name: "name", Type: FieldString},
		{Name: "color", Type: FieldString},
		{Name: "position", Type: FieldNumber},
	},
	"recurring_order": {
		{Name: "recurrence", Type: FieldString},
		{Name: "recurrence_end", Type: FieldDate},
		{Name: "status", Type: FieldString},
		{Name: "client_id", Type: FieldUUID, ForeignKeyTarget: "client"},
	},
	"invoice": {
		{Name: "issue_date", Type: FieldDate},
		{Name: "subtotal", Type: FieldNumber},
		{Name: "tax", Type: FieldNumber},
		{Name: "total", Type: FieldNumber},
		{Name: "details", Type: FieldJSON},
		{Name: "is_valid", Type: FieldBoolean},
		{Name: "order_id", Type: FieldUUID, ForeignKeyTarget: "order"},
	},
	"order_item": {
		{Name: "order_id", Type: FieldUUID, ForeignKeyTarget: "order"},
		{Name: "product_id", Type: FieldUUID, ForeignKeyTarget: "product"},
		{Name: "quantity", Type: FieldNumber},
	},
}

// FieldsFor returns the engine-visible fields of resourceType. An unknown
// resource type yields an empty list.
func FieldsFor(resourceType string) []Field {
	fields := resourceFields[resourceType]
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}

// ForeignKeyFieldsFor returns the fields of resourceType that reference another resource.
func ForeignKeyFieldsFor(resourceType string) []Field {
	var out []Field
	for _, f := range resourceFields[resourceType] {
		if f.ForeignKeyTarget != "" {
			out = append(out, f)
		}
	}
	return out
}

// KnownResourceTypes lists every resource type the registry describes.
func KnownResourceTypes() []string {
	out := make([]string, len(resourceTypes))
	copy(out, resourceTypes)
	return out
}

// Table is the typed accessor the step interpreter uses for one entity table.
// Besides the registry fields every table carries id and company_id.
type Table struct {
	Name   string
	Fields []Field
	byName map[string]Field
}

var tables = buildTables()

func buildTables() map[string]*Table {
	m := make(map[string]*Table, len(resourceTypes))
	for _, rt := range resourceTypes {
		t := &Table{Name: rt, Fields: resourceFields[rt], byName: make(map[string]Field)}
		for _, f := range t.Fields {
			t.byName[f.Name] = f
		}
		m[rt] = t
	}
	return m
}

// LookupTable resolves a resource type to its table.
func LookupTable(resourceType string) (*Table, error) {
	t, ok := tables[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResourceType, resourceType)
	}
	return t, nil
}

// Field returns the registry field for a column. "id" resolves to a uuid field.
func (t *Table) Field(name string) (Field, bool) {
	if name == "id" {
		return Field{Name: "id", Type: FieldUUID}, true
	}
	f, ok := t.byName[name]
	return f, ok
}

// Columns returns the registry column names in declaration order.
func (t *Table) Columns() []string {
	cols := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Coerce converts a JSON-decoded value into the Go value stored for this field.
func (f Field) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case FieldNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a number", f.Name, n)
			}
			return x, nil
		}
	case FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			x, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a boolean", f.Name, b)
			}
			return x, nil
		case float64:
			return b != 0, nil
		case int64:
			return b != 0, nil
		}
	case FieldDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC(), nil
		case string:
			return parseDate(f.Name, d)
		}
	case FieldUUID:
		s, ok := v.(string)
		if !ok {
			break
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not a uuid", f.Name, s)
		}
		return id.String(), nil
	case FieldJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return b, nil
	default:
		return stringify(v), nil
	}
	return nil, fmt.Errorf("field %s: cannot store %T as %s", f.Name, v, f.Type)
}

// Normalize maps a value scanned from the database back to its JSON-safe form.
func (f Field) Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		if f.Type == FieldJSON {
			var out any
			if err := json.Unmarshal(x, &out); err == nil {
				return out
			}
		}
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case int64:
		if f.Type == FieldBoolean {
			return x != 0
		}
		return float64(x)
	case int32:
		return float64(x)
	case string:
		if f.Type == FieldJSON {
			var out any
			if err := json.Unmarshal([]byte(x), &out); err == nil {
				return out
			}
		}
		return x
	}
	return v
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("field %s: %q is not a date", field, s)
}
