package records

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

// UserTable is the principals table _USER_ resolves against.
const UserTable = "_user"

// listPlan is a fully rendered list SELECT plus everything the response
// builder needs to take the result rows apart again.
type listPlan struct {
	SQL      string
	Params   map[string]any
	Expanded []ExpandTarget
	Count    bool
	Offset   bool
}

// buildListQuery renders the single SELECT serving a list request: access
// rule, filters, cursor, order and expansions in one statement. User values
// are always bound, never interpolated; the access rule is trusted config
// and injected verbatim.
func buildListQuery(
	api *RecordAPI,
	q *ListQuery,
	user *auth.User,
	codec *CursorCodec,
	defaultLimit, maxLimit int64,
) (*listPlan, error) {
	params := map[string]any{
		"__limit":   limitOrDefault(q.Limit, defaultLimit, maxLimit),
		"__user_id": userID(user),
	}

	filterClause, err := renderFilter(api, q.Filter, params)
	if err != nil {
		return nil, err
	}

	cursorClause, err := buildCursorClause(api, q, codec, params)
	if err != nil {
		return nil, err
	}

	if q.Offset != nil {
		params["__offset"] = *q.Offset
	}

	expanded, err := resolveExpansions(api, q.Expand)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	writeProjection(&b, api, expanded, q.Count)

	// A direct table alias: _rowid_ does not survive a derived-table
	// subquery, and the projection's trailing rowid marker depends on it.
	fmt.Fprintf(&b, " FROM %s AS _ROW_", qident(api.Table))
	fmt.Fprintf(&b, " LEFT JOIN (SELECT * FROM %s WHERE %s.\"id\" = :__user_id) AS _USER_ ON TRUE",
		qident(UserTable), qident(UserTable))
	for _, e := range expanded {
		alias := e.alias()
		fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON _ROW_.%s = %s.%s",
			qident(e.Meta.Name), alias, qident(e.LocalColumn), alias, qident(e.ForeignPK))
	}

	readRule := api.ReadRule
	if readRule == "" {
		readRule = "TRUE"
	}
	fmt.Fprintf(&b, " WHERE (%s) AND (%s)", filterClause, readRule)
	if cursorClause != "" {
		b.WriteString(" AND ")
		b.WriteString(cursorClause)
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(renderOrder(api, q.Order))

	b.WriteString(" LIMIT :__limit")
	if q.Offset != nil {
		b.WriteString(" OFFSET :__offset")
	}

	return &listPlan{
		SQL:      b.String(),
		Params:   params,
		Expanded: expanded,
		Count:    q.Count,
		Offset:   q.Offset != nil,
	}, nil
}

func limitOrDefault(limit *int64, defaultLimit, maxLimit int64) int64 {
	if limit == nil {
		return defaultLimit
	}
	if *limit > maxLimit {
		return maxLimit
	}
	return *limit
}

func userID(user *auth.User) any {
	if user == nil {
		return nil
	}
	return user.ID
}

// writeProjection renders the select list: base columns in config order,
// then each expansion's column block, then the optional window count, then
// the rowid marker stripped by position later.
func writeProjection(b *strings.Builder, api *RecordAPI, expanded []ExpandTarget, count bool) {
	for i, col := range api.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("_ROW_.")
		b.WriteString(qident(col.Name))
	}
	for _, e := range expanded {
		alias := e.alias()
		for _, col := range e.Meta.Columns {
			b.WriteString(", ")
			b.WriteString(alias)
			b.WriteString(".")
			b.WriteString(qident(col.Name))
		}
	}
	if count {
		b.WriteString(", COUNT(*) OVER() AS _total_count_")
	}
	b.WriteString(", _ROW_._rowid_ AS _rowid_")
}

func buildCursorClause(api *RecordAPI, q *ListQuery, codec *CursorCodec, params map[string]any) (string, error) {
	if q.Cursor == "" {
		return "", nil
	}

	plaintext, err := codec.Open(api.Name, q.Cursor)
	if err != nil {
		return "", BadRequest("Bad cursor")
	}
	rowid, err := strconv.ParseInt(plaintext, 10, 64)
	if err != nil {
		return "", BadRequest("Invalid integer cursor")
	}

	// Cursoring keys on the integer _rowid_. Ascending only works when the
	// primary order column is the INTEGER primary key, which SQLite aliases
	// to _rowid_.
	ascending := false
	if len(q.Order) > 0 && !q.Order[0].Desc {
		pk := api.PKColumn()
		if q.Order[0].Column != pk.Name || pk.DeclType != sqlite.TypeInteger {
			return "", BadRequest("Cannot cursor on queries where the primary order criterion is not an integer primary key")
		}
		ascending = true
	}

	params["cursor"] = rowid
	if ascending {
		return "_ROW_._rowid_ > :cursor", nil
	}
	return "_ROW_._rowid_ < :cursor", nil
}

func renderOrder(api *RecordAPI, order []OrderColumn) string {
	var parts []string
	for _, o := range order {
		if api.ColumnIndex(o.Column) < 0 {
			// Unknown columns never reach the rendered clause.
			continue
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("_ROW_.%s %s", qident(o.Column), dir))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("_ROW_.%s DESC", qident(api.PKColumn().Name))
	}
	return strings.Join(parts, ",")
}

// renderFilter renders the filter tree to SQL, binding every value into
// params. Filters on unknown or reserved columns are silently dropped.
func renderFilter(api *RecordAPI, node *FilterNode, params map[string]any) (string, error) {
	if node == nil {
		return "TRUE", nil
	}
	counter := 0
	clause, err := renderFilterNode(api, node, params, &counter)
	if err != nil {
		return "", err
	}
	if clause == "" {
		return "TRUE", nil
	}
	return clause, nil
}

func renderFilterNode(api *RecordAPI, node *FilterNode, params map[string]any, counter *int) (string, error) {
	if node.isLeaf() {
		return renderFilterLeaf(api, node, params, counter)
	}

	var parts []string
	for i := range node.Children {
		child := &node.Children[i]
		clause, err := renderFilterNode(api, child, params, counter)
		if err != nil {
			return "", err
		}
		if clause != "" {
			parts = append(parts, clause)
		}
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	}
	sep := " AND "
	if node.Or {
		sep = " OR "
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func renderFilterLeaf(api *RecordAPI, node *FilterNode, params map[string]any, counter *int) (string, error) {
	idx := api.ColumnIndex(node.Column)
	if idx < 0 || strings.HasPrefix(node.Column, "_") {
		return "", nil
	}
	col := api.Columns[idx]

	if node.Op == OpIn {
		values := strings.Split(node.Value, ",")
		names := make([]string, 0, len(values))
		for _, v := range values {
			bound, err := convertFilterValue(col, v)
			if err != nil {
				return "", err
			}
			name := nextParam(params, counter, bound)
			names = append(names, ":"+name)
		}
		return fmt.Sprintf("_ROW_.%s IN (%s)", qident(col.Name), strings.Join(names, ",")), nil
	}

	op, ok := sqlForOp[node.Op]
	if !ok {
		return "", BadRequest("Invalid filter params")
	}
	bound, err := convertFilterValue(col, node.Value)
	if err != nil {
		return "", err
	}
	name := nextParam(params, counter, bound)
	return fmt.Sprintf("_ROW_.%s %s :%s", qident(col.Name), op, name), nil
}

func nextParam(params map[string]any, counter *int, value any) string {
	name := fmt.Sprintf("__filter_p%d", *counter)
	*counter++
	params[name] = value
	return name
}

// convertFilterValue coerces a query-string value to the column's declared
// type so comparisons use SQLite's native affinity.
func convertFilterValue(col schema.ColumnMetadata, raw string) (any, error) {
	switch col.DeclType {
	case sqlite.TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, BadRequest("Invalid filter params")
		}
		return n, nil
	case sqlite.TypeReal:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, BadRequest("Invalid filter params")
		}
		return f, nil
	case sqlite.TypeBlob:
		b, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return nil, BadRequest("Invalid filter params")
		}
		return b, nil
	default:
		return raw, nil
	}
}

func resolveExpansions(api *RecordAPI, expand []string) ([]ExpandTarget, error) {
	if len(expand) == 0 {
		return nil, nil
	}
	targets := make([]ExpandTarget, 0, len(expand))
	for _, col := range expand {
		target, ok := api.ExpandTargets[col]
		if !ok {
			return nil, BadRequest("Invalid expansion")
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// qident quotes a SQL identifier with double quotes, escaping embedded
// quotes.
func qident(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
