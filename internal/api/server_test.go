package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/config"
	"github.com/litebase-eu/litebase/internal/realtime"
	"github.com/litebase-eu/litebase/internal/records"
	"github.com/litebase-eu/litebase/internal/runtime"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

var jwtSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestServer(t *testing.T) (*Server, *sqlite.Conn) {
	t.Helper()
	conn, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	_, err = conn.ExecuteBatch(ctx, `
		CREATE TABLE _user (id BLOB PRIMARY KEY, email TEXT);
		CREATE TABLE message (mid INTEGER PRIMARY KEY, data TEXT NOT NULL, _owner BLOB);
		SELECT 1;
	`)
	require.NoError(t, err)

	cfg := &config.Config{
		List: config.RecordListConfig{DefaultLimit: 100, MaxLimit: 1024},
		Records: []config.RecordAPIConfig{
			{
				Name:     "messages_api",
				Table:    "message",
				ACLWorld: []string{"list", "read", "create", "update", "delete", "subscribe"},
			},
			{
				Name:             "private_api",
				Table:            "message",
				ACLAuthenticated: []string{"list", "read"},
			},
		},
	}

	store := config.NewStore(cfg)
	cache := schema.NewCache(conn)
	registry := records.NewRegistry(store, cache)
	codec, err := records.NewCursorCodec()
	require.NoError(t, err)
	service := records.NewService(conn, registry, codec, cfg.List)
	manager := realtime.NewManager(conn, cache, registry)

	pool := runtime.NewPool(1, 5*time.Second)
	require.NoError(t, pool.LoadModule(ctx, "hello.js", `
		addRoute("GET", "/hello", () => "hello");
	`))
	pool.SetConn(conn)

	validator := auth.NewValidator(jwtSecret)
	return NewServer(service, manager, pool, validator, nil), conn
}

func doJSON(t *testing.T, s *Server, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func TestHTTPCreateListReadDelete(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := doJSON(t, s, "POST", "/api/records/v1/messages_api", `{"data": "hello"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "1", created.ID)

	resp, body = doJSON(t, s, "GET", "/api/records/v1/messages_api", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list records.ListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Records, 1)
	assert.Equal(t, "hello", list.Records[0]["data"])
	assert.NotContains(t, list.Records[0], "_owner")

	resp, body = doJSON(t, s, "GET", "/api/records/v1/messages_api/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var record map[string]any
	require.NoError(t, json.Unmarshal(body, &record))
	assert.Equal(t, "hello", record["data"])

	resp, _ = doJSON(t, s, "PATCH", "/api/records/v1/messages_api/1", `{"data": "patched"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, "DELETE", "/api/records/v1/messages_api/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, "GET", "/api/records/v1/messages_api/1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPBulkCreate(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := doJSON(t, s, "POST", "/api/records/v1/messages_api",
		`[{"data": "a"}, {"data": "b"}]`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var created struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, []string{"1", "2"}, created.IDs)
}

func TestHTTPApiNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	resp, _ := doJSON(t, s, "GET", "/api/records/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPTableACL(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := doJSON(t, s, "GET", "/api/records/v1/private_api", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.NotContains(t, string(body), "records")

	token, err := auth.MintForTest(jwtSecret, uuid.New(), "u@test", time.Hour)
	require.NoError(t, err)
	resp, _ = doJSON(t, s, "GET", "/api/records/v1/private_api", "",
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPInvalidToken(t *testing.T) {
	s, _ := newTestServer(t)

	resp, _ := doJSON(t, s, "GET", "/api/records/v1/messages_api", "",
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := auth.MintForTest(jwtSecret, uuid.New(), "u@test", -time.Hour)
	require.NoError(t, err)
	resp, _ = doJSON(t, s, "GET", "/api/records/v1/messages_api", "",
		map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPBadCursor(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := doJSON(t, s, "GET", "/api/records/v1/messages_api?cursor=tampered", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Bad cursor")
}

func TestHTTPScriptRoute(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := doJSON(t, s, "GET", "/hello", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
}

func TestHTTPSubscribeErrors(t *testing.T) {
	s, _ := newTestServer(t)

	resp, _ := doJSON(t, s, "GET", "/api/records/v1/nope/subscribe/*", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, s, "GET", "/api/records/v1/messages_api/subscribe/999", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := doJSON(t, s, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}
