package sqlite

import (
	"fmt"
	"strings"
)

// ValueType is the declared SQLite type of a column, parsed from the type
// token of the table definition following SQLite's affinity rules.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeInteger
	TypeReal
	TypeText
	TypeBlob
)

func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	default:
		return "NULL"
	}
}

// ParseDeclType maps a declared column type token to a ValueType using the
// same substring rules SQLite uses for type affinity.
func ParseDeclType(decl string) ValueType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "INT"):
		return TypeInteger
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return TypeText
	case d == "" || strings.Contains(d, "BLOB"):
		return TypeBlob
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return TypeReal
	default:
		// NUMERIC affinity; treated as real for projection purposes.
		return TypeReal
	}
}

// Column describes one result column of a statement.
type Column struct {
	Name     string
	DeclType ValueType
}

// Row is a single result row. Rows of the same statement share one column
// vector, assembled once when the statement is stepped.
type Row struct {
	values []any
	cols   *[]Column
}

// Rows is the materialized result of a query.
type Rows struct {
	rows []Row
	cols *[]Column
}

func newRows(cols []Column, values [][]any) Rows {
	shared := &cols
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		rows = append(rows, Row{values: v, cols: shared})
	}
	return Rows{rows: rows, cols: shared}
}

func (r *Rows) Len() int {
	return len(r.rows)
}

func (r *Rows) Row(idx int) *Row {
	return &r.rows[idx]
}

func (r *Rows) Last() (*Row, bool) {
	if len(r.rows) == 0 {
		return nil, false
	}
	return &r.rows[len(r.rows)-1], true
}

func (r *Rows) ColumnCount() int {
	return len(*r.cols)
}

func (r *Rows) ColumnName(idx int) string {
	return (*r.cols)[idx].Name
}

func (r *Rows) ColumnType(idx int) ValueType {
	return (*r.cols)[idx].DeclType
}

func (r *Rows) ColumnNames() []string {
	names := make([]string, len(*r.cols))
	for i, c := range *r.cols {
		names[i] = c.Name
	}
	return names
}

func (r *Row) Len() int {
	return len(r.values)
}

// Get returns the raw SQLite value at idx: one of int64, float64, string,
// []byte or nil.
func (r *Row) Get(idx int) (any, error) {
	if idx < 0 || idx >= len(r.values) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx, len(r.values))
	}
	return r.values[idx], nil
}

// Values returns the raw value slice backing the row.
func (r *Row) Values() []any {
	return r.values
}

func (r *Row) GetInt64(idx int) (int64, error) {
	v, err := r.Get(idx)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("column %d: expected INTEGER, got %T", idx, v)
	}
	return i, nil
}

func (r *Row) GetString(idx int) (string, error) {
	v, err := r.Get(idx)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("column %d: expected TEXT, got %T", idx, v)
}

func (r *Row) GetBytes(idx int) ([]byte, error) {
	v, err := r.Get(idx)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("column %d: expected BLOB, got %T", idx, v)
}

func (r *Row) GetFloat64(idx int) (float64, error) {
	v, err := r.Get(idx)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case int64:
		return float64(f), nil
	}
	return 0, fmt.Errorf("column %d: expected REAL, got %T", idx, v)
}
