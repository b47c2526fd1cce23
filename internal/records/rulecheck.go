package records

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/litebase-eu/litebase/internal/auth"
)

// userJoin is the _USER_ alias every access rule may reference: a
// single-row subquery over the principals table keyed by :__user_id.
const userJoin = ` LEFT JOIN (SELECT * FROM "` + UserTable + `" WHERE "` + UserTable + `"."id" = :__user_id) AS _USER_ ON TRUE`

// checkRowAccess evaluates the verb's access rule against the stored row
// identified by recordID. An empty rule allows.
func (s *Service) checkRowAccess(ctx context.Context, api *RecordAPI, verb Verb, recordID any, user *auth.User) error {
	rule := api.accessRule(verb)
	if rule == "" {
		return nil
	}

	sql := fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM (SELECT * FROM %s WHERE %s = :__record_id) AS _ROW_%s WHERE (%s))",
		qident(api.Table), qident(api.PKColumn().Name), userJoin, rule)
	row, err := s.conn.QueryRow(ctx, sql, map[string]any{
		"__record_id": recordID,
		"__user_id":   userID(user),
	})
	if err != nil {
		return Internal(err)
	}
	allowed, err := row.GetInt64(0)
	if err != nil {
		return Internal(err)
	}
	if allowed == 0 {
		return ErrForbidden()
	}
	return nil
}

// checkCandidateAccess evaluates the create rule against the candidate row
// assembled from the request body. Columns absent from the body are NULL.
func (s *Service) checkCandidateAccess(ctx context.Context, api *RecordAPI, columns []string, values []any, user *auth.User) error {
	rule := api.CreateRule
	if rule == "" {
		return nil
	}

	byName := make(map[string]any, len(columns))
	for i, col := range columns {
		byName[col] = values[i]
	}

	params := map[string]any{"__user_id": userID(user)}
	selects := make([]string, len(api.Columns))
	for i, col := range api.Columns {
		name := fmt.Sprintf("__cand_p%d", i)
		params[name] = byName[col.Name]
		selects[i] = fmt.Sprintf(":%s AS %s", name, qident(col.Name))
	}

	sql := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM (SELECT %s) AS _ROW_%s WHERE (%s))",
		strings.Join(selects, ", "), userJoin, rule)
	row, err := s.conn.QueryRow(ctx, sql, params)
	if err != nil {
		return Internal(err)
	}
	allowed, err := row.GetInt64(0)
	if err != nil {
		return Internal(err)
	}
	if allowed == 0 {
		return ErrForbidden()
	}
	return nil
}

// EvalRuleOnRow evaluates the API's read rule against an in-memory row
// image, synchronously on the native connection. Used by the subscription
// manager's hook continuation, which already runs on the DB worker.
func EvalRuleOnRow(native *sqlite3.SQLiteConn, api *RecordAPI, columnNames []string, values []any, user *auth.User) (bool, error) {
	rule := api.ReadRule
	if rule == "" {
		return true, nil
	}

	nvs := make([]driver.NamedValue, 0, len(values)+1)
	selects := make([]string, len(columnNames))
	for i, name := range columnNames {
		param := fmt.Sprintf("__v%d", i)
		selects[i] = fmt.Sprintf(":%s AS %s", param, qident(name))
		nvs = append(nvs, driver.NamedValue{Name: param, Ordinal: i + 1, Value: values[i]})
	}
	nvs = append(nvs, driver.NamedValue{Name: "__user_id", Ordinal: len(nvs) + 1, Value: userIDValue(user)})

	sql := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM (SELECT %s) AS _ROW_%s WHERE (%s))",
		strings.Join(selects, ", "), userJoin, rule)
	rows, err := native.QueryContext(context.Background(), sql, nvs)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	dest := make([]driver.Value, len(rows.Columns()))
	if err := rows.Next(dest); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	allowed, _ := dest[0].(int64)
	return allowed != 0, nil
}

func userIDValue(user *auth.User) driver.Value {
	if user == nil {
		return nil
	}
	return user.ID
}

func positionalValues(values []any) []driver.NamedValue {
	nvs := make([]driver.NamedValue, len(values))
	for i, v := range values {
		nvs[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return nvs
}

// scanSingleValue reads the first column of the first row and drains the
// result.
func scanSingleValue(rows driver.Rows) (any, error) {
	defer func() { _ = rows.Close() }()
	dest := make([]driver.Value, len(rows.Columns()))
	if err := rows.Next(dest); err != nil {
		return nil, err
	}
	v := dest[0]
	if b, ok := v.([]byte); ok {
		v = append([]byte(nil), b...)
	}
	return v, nil
}
