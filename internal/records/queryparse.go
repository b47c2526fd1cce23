package records

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// FilterOp is a comparison operator accepted in filter[col][$op]=v.
type FilterOp string

const (
	OpEqual          FilterOp = "$eq"
	OpNotEqual       FilterOp = "$ne"
	OpLessThan       FilterOp = "$lt"
	OpLessOrEqual    FilterOp = "$le"
	OpGreaterThan    FilterOp = "$gt"
	OpGreaterOrEqual FilterOp = "$ge"
	OpLike           FilterOp = "$like"
	OpRegexp         FilterOp = "$re"
	OpIn             FilterOp = "$in"
)

var sqlForOp = map[FilterOp]string{
	OpEqual:          "=",
	OpNotEqual:       "<>",
	OpLessThan:       "<",
	OpLessOrEqual:    "<=",
	OpGreaterThan:    ">",
	OpGreaterOrEqual: ">=",
	OpLike:           "LIKE",
	OpRegexp:         "REGEXP",
}

// FilterNode is one node of the parsed filter tree: either a column leaf or
// an $and/$or composite.
type FilterNode struct {
	// Leaf fields.
	Column string
	Op     FilterOp
	Value  string

	// Composite fields.
	Or       bool
	Children []FilterNode
}

func (n *FilterNode) isLeaf() bool {
	return n.Column != ""
}

// OrderColumn is one entry of the order clause.
type OrderColumn struct {
	Column string
	Desc   bool
}

// ListQuery is the structured form of a list request's query string.
type ListQuery struct {
	Limit  *int64
	Offset *int64
	Cursor string
	Count  bool
	Order  []OrderColumn
	Expand []string
	Filter *FilterNode
}

// ParseListQuery parses the raw query string of a list request. Filter
// columns are kept verbatim here; unknown ones are dropped later against
// the API's column list.
func ParseListQuery(rawQuery string) (*ListQuery, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, BadRequest("Invalid query")
	}

	q := &ListQuery{}
	filterRoot := FilterNode{}

	// Map iteration is randomized; sort keys so the rendered SQL (and thus
	// statement caching) is deterministic for a given query string.
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := values[key]
		if len(vals) == 0 {
			continue
		}
		value := vals[0]

		path, ok := splitBracketPath(key)
		if !ok {
			return nil, BadRequest("Invalid query")
		}

		switch path[0] {
		case "limit":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, BadRequest("Invalid limit")
			}
			q.Limit = &n
		case "offset":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, BadRequest("Invalid offset")
			}
			q.Offset = &n
		case "cursor":
			q.Cursor = value
		case "count":
			q.Count = value == "true" || value == "1"
		case "order":
			for _, part := range strings.Split(value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				col := OrderColumn{Column: part}
				switch part[0] {
				case '-':
					col = OrderColumn{Column: part[1:], Desc: true}
				case '+', ' ':
					// "+" arrives as a space when not percent-encoded.
					col = OrderColumn{Column: part[1:]}
				}
				if col.Column == "" {
					return nil, BadRequest("Invalid order")
				}
				q.Order = append(q.Order, col)
			}
		case "expand":
			for _, col := range strings.Split(value, ",") {
				if col = strings.TrimSpace(col); col != "" {
					q.Expand = append(q.Expand, col)
				}
			}
		case "filter":
			if len(path) < 2 {
				return nil, BadRequest("Invalid filter params")
			}
			for _, v := range vals {
				if err := insertFilter(&filterRoot, path[1:], v); err != nil {
					return nil, err
				}
			}
		default:
			// Unknown top-level keys are ignored.
		}
	}

	if len(filterRoot.Children) > 0 {
		q.Filter = &filterRoot
	}
	return q, nil
}

// splitBracketPath splits "filter[$or][0][col][$op]" into its segments.
func splitBracketPath(key string) ([]string, bool) {
	head, rest, found := strings.Cut(key, "[")
	if !found {
		return []string{key}, true
	}
	path := []string{head}
	for rest != "" {
		seg, tail, found := strings.Cut(rest, "]")
		if !found || seg == "" {
			return nil, false
		}
		path = append(path, seg)
		rest = strings.TrimPrefix(tail, "[")
		if tail != "" && rest == tail {
			// "]" not followed by "[" mid-key.
			return nil, false
		}
	}
	return path, true
}

// insertFilter places one filter entry into the tree rooted at node.
// Grammar per path segment: a composite marker ($and/$or) followed by an
// index, or a column name optionally followed by an operator.
func insertFilter(node *FilterNode, path []string, value string) error {
	switch path[0] {
	case "$and", "$or":
		if len(path) < 3 {
			return BadRequest("Invalid filter params")
		}
		idx, err := strconv.Atoi(path[1])
		if err != nil || idx < 0 || idx > 63 {
			return BadRequest("Invalid filter params")
		}

		composite := findComposite(node, path[0] == "$or")
		for len(composite.Children) <= idx {
			composite.Children = append(composite.Children, FilterNode{})
		}
		return insertFilter(&composite.Children[idx], path[2:], value)

	default:
		column := path[0]
		if strings.HasPrefix(column, "$") {
			return BadRequest("Invalid filter params")
		}
		op := OpEqual
		switch len(path) {
		case 1:
		case 2:
			op = FilterOp(path[1])
			if _, known := sqlForOp[op]; !known && op != OpIn {
				return BadRequest("Invalid filter params")
			}
		default:
			return BadRequest("Invalid filter params")
		}
		node.Children = append(node.Children, FilterNode{Column: column, Op: op, Value: value})
		return nil
	}
}

// findComposite returns the $and/$or child composite of node, creating it
// on first use. Entries at the same level share one composite so
// filter[$or][0] and filter[$or][1] land in the same disjunction.
func findComposite(node *FilterNode, or bool) *FilterNode {
	for i := range node.Children {
		child := &node.Children[i]
		if !child.isLeaf() && child.Or == or && len(child.Children) > 0 {
			return child
		}
	}
	node.Children = append(node.Children, FilterNode{Or: or})
	return &node.Children[len(node.Children)-1]
}
