package records

import (
	"encoding/base64"
	"strings"

	"github.com/litebase-eu/litebase/internal/schema"
)

// projectableColumn reports whether a column may be shown to clients.
// Underscore-prefixed columns are reserved internals.
func projectableColumn(name string) bool {
	return !strings.HasPrefix(name, "_")
}

// ValueToJSON converts a raw SQLite value to its JSON projection. Blobs
// are encoded base64url without padding, matching record-id serialization.
func ValueToJSON(v any) any {
	switch t := v.(type) {
	case []byte:
		return base64.RawURLEncoding.EncodeToString(t)
	default:
		return t
	}
}

// RowToJSON projects one row through the column filter.
func RowToJSON(cols []schema.ColumnMetadata, values []any) map[string]any {
	obj := make(map[string]any, len(cols))
	for i, col := range cols {
		if i >= len(values) || !projectableColumn(col.Name) {
			continue
		}
		obj[col.Name] = ValueToJSON(values[i])
	}
	return obj
}

// splitListRow takes one result row of a list query apart by position:
// base columns, per-expansion blocks, optional total count, trailing rowid.
// Expanded foreign rows are nested under their local column name.
func splitListRow(api *RecordAPI, expanded []ExpandTarget, values []any) map[string]any {
	obj := RowToJSON(api.Columns, values[:len(api.Columns)])

	cursor := len(api.Columns)
	for _, e := range expanded {
		width := len(e.Meta.Columns)
		block := values[cursor : cursor+width]
		cursor += width

		// A missed LEFT JOIN leaves the raw local value in place.
		if allNil(block) {
			continue
		}
		obj[e.LocalColumn] = RowToJSON(e.Meta.Columns, block)
	}
	return obj
}

func allNil(values []any) bool {
	for _, v := range values {
		if v != nil {
			return false
		}
	}
	return true
}
