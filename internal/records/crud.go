package records

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/config"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

// ListResponse is the JSON shape of a list request.
type ListResponse struct {
	Cursor     string           `json:"cursor,omitempty"`
	TotalCount *int64           `json:"total_count,omitempty"`
	Records    []map[string]any `json:"records"`
}

// Service coordinates record CRUD against the database.
type Service struct {
	conn     *sqlite.Conn
	registry *Registry
	codec    *CursorCodec

	defaultLimit int64
	maxLimit     int64
}

func NewService(conn *sqlite.Conn, registry *Registry, codec *CursorCodec, list config.RecordListConfig) *Service {
	return &Service{
		conn:         conn,
		registry:     registry,
		codec:        codec,
		defaultLimit: int64(list.DefaultLimit),
		maxLimit:     int64(list.MaxLimit),
	}
}

// Registry exposes the compiled API registry (used by the subscription
// manager and the HTTP surface).
func (s *Service) Registry() *Registry {
	return s.registry
}

// Lookup resolves an API or fails with ApiNotFound.
func (s *Service) Lookup(apiName string) (*RecordAPI, error) {
	api, ok := s.registry.Lookup(apiName)
	if !ok {
		return nil, ErrApiNotFound()
	}
	return api, nil
}

// List returns records matching the query string. The read access rule is
// applied as a filter: no access means empty results, not a rejection.
func (s *Service) List(ctx context.Context, apiName, rawQuery string, user *auth.User) (*ListResponse, error) {
	api, err := s.Lookup(apiName)
	if err != nil {
		return nil, err
	}
	if err := api.CheckTableAccess(VerbList, user); err != nil {
		return nil, err
	}

	q, err := ParseListQuery(rawQuery)
	if err != nil {
		return nil, asRecordError(err)
	}

	plan, err := buildListQuery(api, q, user, s.codec, s.defaultLimit, s.maxLimit)
	if err != nil {
		return nil, asRecordError(err)
	}

	rows, err := s.conn.Query(ctx, plan.SQL, plan.Params)
	if err != nil {
		return nil, Internal(err)
	}

	resp := &ListResponse{Records: []map[string]any{}}
	if rows.Len() == 0 {
		if plan.Count {
			var zero int64
			resp.TotalCount = &zero
		}
		return resp, nil
	}

	// The trailing _rowid_ of the last row becomes the next page's cursor.
	last, _ := rows.Last()
	if rowid, err := last.GetInt64(last.Len() - 1); err == nil {
		sealed, err := s.codec.Seal(api.Name, strconv.FormatInt(rowid, 10))
		if err != nil {
			return nil, Internal(err)
		}
		resp.Cursor = sealed
	}

	if plan.Count {
		first := rows.Row(0)
		total, err := first.GetInt64(first.Len() - 2)
		if err != nil {
			return nil, Internal(fmt.Errorf("expected count column: %w", err))
		}
		resp.TotalCount = &total
	}

	for i := 0; i < rows.Len(); i++ {
		resp.Records = append(resp.Records, splitListRow(api, plan.Expanded, rows.Row(i).Values()))
	}
	return resp, nil
}

// Read returns a single record by id.
func (s *Service) Read(ctx context.Context, apiName, id string, user *auth.User) (map[string]any, error) {
	api, err := s.Lookup(apiName)
	if err != nil {
		return nil, err
	}
	if err := api.CheckTableAccess(VerbRead, user); err != nil {
		return nil, err
	}
	recordID, err := ParseRecordID(api, id)
	if err != nil {
		return nil, asRecordError(err)
	}

	row, err := s.fetchRecord(ctx, api, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRowAccess(ctx, api, VerbRead, recordID, user); err != nil {
		return nil, err
	}
	return RowToJSON(api.Columns, row.Values()), nil
}

// Create inserts one record and returns its id.
func (s *Service) Create(ctx context.Context, apiName string, body []byte, user *auth.User) (string, error) {
	ids, err := s.CreateBulk(ctx, apiName, body, user)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", BadRequest("Empty body")
	}
	return ids[0], nil
}

// CreateBulk inserts one record or, for an array body, several records in
// one transaction. Returns the created ids in order.
func (s *Service) CreateBulk(ctx context.Context, apiName string, body []byte, user *auth.User) ([]string, error) {
	api, err := s.Lookup(apiName)
	if err != nil {
		return nil, err
	}
	if err := api.CheckTableAccess(VerbCreate, user); err != nil {
		return nil, err
	}

	objects, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	type insert struct {
		columns []string
		values  []any
	}
	inserts := make([]insert, 0, len(objects))
	for _, obj := range objects {
		if err := api.ValidateBody(obj); err != nil {
			return nil, asRecordError(err)
		}
		columns, values, err := bindBody(api, obj)
		if err != nil {
			return nil, asRecordError(err)
		}
		if err := s.checkCandidateAccess(ctx, api, columns, values, user); err != nil {
			return nil, err
		}
		inserts = append(inserts, insert{columns: columns, values: values})
	}

	pk := api.PKColumn().Name
	ids := make([]string, 0, len(inserts))
	err = s.conn.Call(ctx, func(conn *sqlite3.SQLiteConn) error {
		if _, err := conn.ExecContext(context.Background(), "BEGIN", nil); err != nil {
			return err
		}
		for _, ins := range inserts {
			sql := insertSQL(api.Table, pk, ins.columns)
			nvs := positionalValues(ins.values)
			rows, err := conn.QueryContext(context.Background(), sql, nvs)
			if err != nil {
				_, _ = conn.ExecContext(context.Background(), "ROLLBACK", nil)
				return err
			}
			id, err := scanSingleValue(rows)
			if err != nil {
				_, _ = conn.ExecContext(context.Background(), "ROLLBACK", nil)
				return err
			}
			ids = append(ids, FormatRecordID(id))
		}
		_, err := conn.ExecContext(context.Background(), "COMMIT", nil)
		return err
	})
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, BadRequest("Constraint violation")
		}
		return nil, Internal(err)
	}
	return ids, nil
}

// Update patches a record by id with the fields present in body.
func (s *Service) Update(ctx context.Context, apiName, id string, body []byte, user *auth.User) error {
	api, err := s.Lookup(apiName)
	if err != nil {
		return err
	}
	if err := api.CheckTableAccess(VerbUpdate, user); err != nil {
		return err
	}
	recordID, err := ParseRecordID(api, id)
	if err != nil {
		return asRecordError(err)
	}

	objects, err := decodeBody(body)
	if err != nil {
		return err
	}
	if len(objects) != 1 {
		return BadRequest("Expected a single object")
	}
	obj := objects[0]
	if err := api.ValidateBody(obj); err != nil {
		return asRecordError(err)
	}
	columns, values, err := bindBody(api, obj)
	if err != nil {
		return asRecordError(err)
	}

	if _, err := s.fetchRecord(ctx, api, recordID); err != nil {
		return err
	}
	if err := s.checkRowAccess(ctx, api, VerbUpdate, recordID, user); err != nil {
		return err
	}
	if len(columns) == 0 {
		return nil
	}

	var sets []string
	params := map[string]any{"__record_id": recordID}
	for i, col := range columns {
		name := fmt.Sprintf("__set_p%d", i)
		sets = append(sets, fmt.Sprintf("%s = :%s", qident(col), name))
		params[name] = values[i]
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = :__record_id",
		qident(api.Table), strings.Join(sets, ", "), qident(api.PKColumn().Name))
	if _, err := s.conn.Execute(ctx, sql, params); err != nil {
		return Internal(err)
	}
	return nil
}

// Delete removes a record by id. Deleting an already-deleted id reports
// RecordNotFound.
func (s *Service) Delete(ctx context.Context, apiName, id string, user *auth.User) error {
	api, err := s.Lookup(apiName)
	if err != nil {
		return err
	}
	if err := api.CheckTableAccess(VerbDelete, user); err != nil {
		return err
	}
	recordID, err := ParseRecordID(api, id)
	if err != nil {
		return asRecordError(err)
	}

	if _, err := s.fetchRecord(ctx, api, recordID); err != nil {
		return err
	}
	if err := s.checkRowAccess(ctx, api, VerbDelete, recordID, user); err != nil {
		return err
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = :__record_id",
		qident(api.Table), qident(api.PKColumn().Name))
	affected, err := s.conn.Execute(ctx, sql, map[string]any{"__record_id": recordID})
	if err != nil {
		return Internal(err)
	}
	if affected == 0 {
		return ErrRecordNotFound()
	}
	return nil
}

// ResolveRowID maps a record id onto its _rowid_, for subscriptions.
func (s *Service) ResolveRowID(ctx context.Context, api *RecordAPI, id string) (int64, error) {
	recordID, err := ParseRecordID(api, id)
	if err != nil {
		return 0, asRecordError(err)
	}
	sql := fmt.Sprintf("SELECT _rowid_ FROM %s WHERE %s = :__record_id",
		qident(api.Table), qident(api.PKColumn().Name))
	row, err := s.conn.QueryRow(ctx, sql, map[string]any{"__record_id": recordID})
	if err != nil {
		if errors.Is(err, sqlite.ErrNoRows) {
			return 0, ErrRecordNotFound()
		}
		return 0, Internal(err)
	}
	rowid, err := row.GetInt64(0)
	if err != nil {
		return 0, Internal(err)
	}
	return rowid, nil
}

// CheckRowAccessByID evaluates the verb's row rule with the given id bound.
func (s *Service) CheckRowAccessByID(ctx context.Context, api *RecordAPI, verb Verb, id string, user *auth.User) error {
	recordID, err := ParseRecordID(api, id)
	if err != nil {
		return asRecordError(err)
	}
	return s.checkRowAccess(ctx, api, verb, recordID, user)
}

func (s *Service) fetchRecord(ctx context.Context, api *RecordAPI, recordID any) (*sqlite.Row, error) {
	cols := make([]string, len(api.Columns))
	for i, c := range api.Columns {
		cols[i] = qident(c.Name)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :__record_id",
		strings.Join(cols, ", "), qident(api.Table), qident(api.PKColumn().Name))
	row, err := s.conn.QueryRow(ctx, sql, map[string]any{"__record_id": recordID})
	if err != nil {
		if errors.Is(err, sqlite.ErrNoRows) {
			return nil, ErrRecordNotFound()
		}
		return nil, Internal(err)
	}
	return row, nil
}

func decodeBody(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, BadRequest("Empty body")
	}
	if trimmed[0] == '[' {
		var objects []map[string]any
		if err := json.Unmarshal(trimmed, &objects); err != nil {
			return nil, BadRequest("Invalid JSON body")
		}
		return objects, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, BadRequest("Invalid JSON body")
	}
	return []map[string]any{obj}, nil
}

// bindBody maps a decoded JSON object onto column names and SQLite values.
func bindBody(api *RecordAPI, obj map[string]any) ([]string, []any, error) {
	columns := make([]string, 0, len(obj))
	values := make([]any, 0, len(obj))
	// Iterate config column order for deterministic statements.
	for _, col := range api.Columns {
		v, present := obj[col.Name]
		if !present {
			continue
		}
		if !projectableColumn(col.Name) {
			return nil, nil, BadRequest("Invalid column")
		}
		bound, err := convertJSONValue(col, v)
		if err != nil {
			return nil, nil, err
		}
		columns = append(columns, col.Name)
		values = append(values, bound)
	}
	for key := range obj {
		if api.ColumnIndex(key) < 0 {
			return nil, nil, BadRequest("Invalid column")
		}
	}
	return columns, values, nil
}

// convertJSONValue coerces a decoded JSON value to the column's SQLite
// shape.
func convertJSONValue(col schema.ColumnMetadata, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.DeclType {
	case sqlite.TypeInteger:
		switch t := v.(type) {
		case float64:
			return int64(t), nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case sqlite.TypeReal:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case sqlite.TypeBlob:
		if s, ok := v.(string); ok {
			b, err := base64.RawURLEncoding.DecodeString(s)
			if err != nil {
				return nil, BadRequest("Invalid blob encoding")
			}
			return b, nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, BadRequest("Invalid record")
}

func insertSQL(table, pk string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = qident(col)
		placeholders[i] = "?"
	}
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", qident(table), qident(pk))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		qident(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "), qident(pk))
}

// ParseRecordID interprets a path id according to the primary-key column's
// declared type: decimal for integers, base64url for blobs, verbatim text
// otherwise.
func ParseRecordID(api *RecordAPI, id string) (any, error) {
	switch api.PKColumn().DeclType {
	case sqlite.TypeInteger:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, BadRequest("Invalid id")
		}
		return n, nil
	case sqlite.TypeBlob:
		b, err := base64.RawURLEncoding.DecodeString(id)
		if err != nil {
			return nil, BadRequest("Invalid id")
		}
		return b, nil
	default:
		return id, nil
	}
}

// FormatRecordID renders a primary-key value for URLs and responses.
func FormatRecordID(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// asRecordError coerces lower-level errors into the RecordError taxonomy.
func asRecordError(err error) *RecordError {
	var re *RecordError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, ErrBadCursor) {
		return BadRequest("Bad cursor")
	}
	return Internal(err)
}
