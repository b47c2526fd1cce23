package sqlite

import (
	"context"
	"fmt"
)

// QueryValue runs a query expected to produce a single value and converts
// the first column of the first row into T.
func QueryValue[T any](ctx context.Context, c *Conn, sql string, args ...any) (T, error) {
	var zero T
	row, err := c.QueryRow(ctx, sql, args...)
	if err != nil {
		return zero, err
	}
	return convertValue[T](row, 0)
}

// QueryValues runs a query and converts the first column of every row
// into T.
func QueryValues[T any](ctx context.Context, c *Conn, sql string, args ...any) ([]T, error) {
	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		v, err := convertValue[T](rows.Row(i), 0)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func convertValue[T any](row *Row, idx int) (T, error) {
	var zero T
	raw, err := row.Get(idx)
	if err != nil {
		return zero, err
	}
	if raw == nil {
		return zero, nil
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}
	// TEXT arrives as either string or []byte depending on the driver path.
	if b, ok := raw.([]byte); ok {
		if v, ok := any(string(b)).(T); ok {
			return v, nil
		}
	}
	if s, ok := raw.(string); ok {
		if v, ok := any([]byte(s)).(T); ok {
			return v, nil
		}
	}
	return zero, fmt.Errorf("cannot convert %T into %T", raw, zero)
}
