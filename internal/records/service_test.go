package records

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/config"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

var (
	userX = &auth.User{ID: []byte("user-x-0000000000")}
	userY = &auth.User{ID: []byte("user-y-0000000000")}
)

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func newTestService(t *testing.T) (*Service, *sqlite.Conn) {
	t.Helper()
	conn, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	_, err = conn.ExecuteBatch(ctx, `
		CREATE TABLE _user (id BLOB PRIMARY KEY, email TEXT);
		CREATE TABLE message (
			mid   BLOB PRIMARY KEY NOT NULL,
			data  TEXT NOT NULL,
			room  BLOB,
			_owner BLOB
		);
		CREATE TABLE room_members (room BLOB, user BLOB);
		CREATE TABLE profile (pid INTEGER PRIMARY KEY, name TEXT, _secret TEXT);
		CREATE TABLE post (
			id     INTEGER PRIMARY KEY,
			author INTEGER REFERENCES profile(pid),
			body   TEXT
		);
		SELECT 1;
	`)
	require.NoError(t, err)

	for _, u := range []*auth.User{userX, userY} {
		_, err = conn.Execute(ctx, "INSERT INTO _user (id, email) VALUES (?, ?)", u.ID, "u@test")
		require.NoError(t, err)
	}

	aclRule := `(_ROW_."_owner" = _USER_."id" OR EXISTS(
		SELECT 1 FROM room_members WHERE room = _ROW_."room" AND user = _USER_."id"))`

	cfg := &config.Config{
		List: config.RecordListConfig{DefaultLimit: 100, MaxLimit: 1024},
		Records: []config.RecordAPIConfig{
			{
				Name:     "messages_api",
				Table:    "message",
				ACLWorld: []string{"list", "read", "create", "update", "delete", "subscribe"},
			},
			{
				Name:             "messages_acl_api",
				Table:            "message",
				ACLWorld:         []string{"list", "read"},
				ACLAuthenticated: []string{"list", "read"},
				ReadAccessRule:   aclRule,
			},
			{
				Name:             "closed_api",
				Table:            "message",
				ACLAuthenticated: []string{"list", "read"},
			},
			{
				Name:             "guarded_api",
				Table:            "message",
				ACLWorld:         []string{"create"},
				CreateAccessRule: `_ROW_."data" <> 'blocked'`,
			},
			{
				Name:     "posts_api",
				Table:    "post",
				ACLWorld: []string{"list", "read", "create"},
				Expand:   []string{"author"},
			},
		},
	}

	store := config.NewStore(cfg)
	registry := NewRegistry(store, schema.NewCache(conn))
	codec, err := NewCursorCodec()
	require.NoError(t, err)

	return NewService(conn, registry, codec, cfg.List), conn
}

// insertMessages inserts m1, m2, m3 in that order: m1 owned by X in room
// r0, m2 owned by Y in room r0, m3 owned by Y in room r1. X is a member of
// r0; Y of r0 and r1.
func insertMessages(t *testing.T, conn *sqlite.Conn) {
	t.Helper()
	ctx := context.Background()
	r0, r1 := []byte("room0"), []byte("room1")

	rows := []struct {
		mid   []byte
		data  string
		room  []byte
		owner []byte
	}{
		{[]byte{0x01}, "m1", r0, userX.ID},
		{[]byte{0x02}, "m2", r0, userY.ID},
		{[]byte{0x03}, "m3", r1, userY.ID},
	}
	for _, r := range rows {
		_, err := conn.Execute(ctx,
			"INSERT INTO message (mid, data, room, _owner) VALUES (?, ?, ?, ?)",
			r.mid, r.data, r.room, r.owner)
		require.NoError(t, err)
	}
	_, err := conn.Execute(ctx, "INSERT INTO room_members (room, user) VALUES (?, ?)", r0, userX.ID)
	require.NoError(t, err)
	for _, room := range [][]byte{r0, r1} {
		_, err := conn.Execute(ctx, "INSERT INTO room_members (room, user) VALUES (?, ?)", room, userY.ID)
		require.NoError(t, err)
	}
}

func listData(resp *ListResponse) []string {
	out := make([]string, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, r["data"].(string))
	}
	return out
}

func TestListOrder(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)
	ctx := context.Background()

	resp, err := svc.List(ctx, "messages_api", "order=%2Bmid", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, listData(resp))

	resp, err = svc.List(ctx, "messages_api", "order=-mid", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, listData(resp))

	// Default order is primary key descending.
	resp, err = svc.List(ctx, "messages_api", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, listData(resp))
}

func TestListHidesReservedColumns(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)

	resp, err := svc.List(context.Background(), "messages_api", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Records)
	for _, r := range resp.Records {
		assert.NotContains(t, r, "_owner")
	}
}

func TestListCursorPaginationWithCount(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)
	ctx := context.Background()

	page1, err := svc.List(ctx, "messages_api", "count=1&limit=1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, listData(page1))
	require.NotNil(t, page1.TotalCount)
	assert.Equal(t, int64(3), *page1.TotalCount)
	require.NotEmpty(t, page1.Cursor)

	page2, err := svc.List(ctx, "messages_api", "count=1&limit=1&cursor="+page1.Cursor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, listData(page2))
	require.NotNil(t, page2.TotalCount)
	require.NotEmpty(t, page2.Cursor)

	page3, err := svc.List(ctx, "messages_api", "limit=1&cursor="+page2.Cursor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, listData(page3))
	require.NotEmpty(t, page3.Cursor)

	empty, err := svc.List(ctx, "messages_api", "limit=1&cursor="+page3.Cursor, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Records)
	assert.Empty(t, empty.Cursor)
}

func TestListCursorTampered(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)
	ctx := context.Background()

	page, err := svc.List(ctx, "messages_api", "limit=1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, page.Cursor)

	// The final char may carry discarded padding bits; 'A' and 'Q' differ
	// in bits that survive decoding regardless.
	last := page.Cursor[len(page.Cursor)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'Q'
	}
	tampered := page.Cursor[:len(page.Cursor)-1] + string(replacement)

	_, err = svc.List(ctx, "messages_api", "limit=1&cursor="+tampered, nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)
	assert.Equal(t, "Bad cursor", re.Reason)
}

func TestListRowLevelACL(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)
	ctx := context.Background()

	// X owns m1 and is a member of room0: m1, m2.
	resp, err := svc.List(ctx, "messages_acl_api", "order=%2Bmid", userX)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, listData(resp))

	// Y is a member of both rooms: all three.
	resp, err = svc.List(ctx, "messages_acl_api", "order=%2Bmid", userY)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, listData(resp))

	// Anonymous: the rule filters everything; not an error.
	resp, err = svc.List(ctx, "messages_acl_api", "", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Records)
}

func TestListTableACL(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)
	ctx := context.Background()

	_, err := svc.List(ctx, "closed_api", "", nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindForbidden, re.Kind)

	resp, err := svc.List(ctx, "closed_api", "", userX)
	require.NoError(t, err)
	assert.Len(t, resp.Records, 3)
}

func TestListApiNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.List(context.Background(), "nope", "", nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindApiNotFound, re.Kind)
}

func TestListFilters(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)
	ctx := context.Background()

	resp, err := svc.List(ctx, "messages_api", "filter[data]=m2", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, listData(resp))

	resp, err = svc.List(ctx, "messages_api", "filter[data][$like]=m%25&order=%2Bmid", nil)
	require.NoError(t, err)
	assert.Len(t, resp.Records, 3)

	resp, err = svc.List(ctx, "messages_api",
		"filter[$or][0][data]=m1&filter[$or][1][data]=m3&order=%2Bmid", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, listData(resp))

	// Unknown filter columns are dropped, not errors.
	resp, err = svc.List(ctx, "messages_api", "filter[bogus]=1", nil)
	require.NoError(t, err)
	assert.Len(t, resp.Records, 3)
}

func TestListLimitZero(t *testing.T) {
	svc, conn := newTestService(t)
	insertMessages(t, conn)

	resp, err := svc.List(context.Background(), "messages_api", "limit=0", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Records)
	assert.Empty(t, resp.Cursor)
}

func TestCreateReadUpdateDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mid := b64([]byte{0x10})
	id, err := svc.Create(ctx, "messages_api",
		[]byte(`{"mid": "`+mid+`", "data": "hello"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, mid, id)

	record, err := svc.Read(ctx, "messages_api", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", record["data"])
	assert.NotContains(t, record, "_owner")

	err = svc.Update(ctx, "messages_api", id, []byte(`{"data": "patched"}`), nil)
	require.NoError(t, err)
	record, err = svc.Read(ctx, "messages_api", id, nil)
	require.NoError(t, err)
	assert.Equal(t, "patched", record["data"])

	require.NoError(t, svc.Delete(ctx, "messages_api", id, nil))

	_, err = svc.Read(ctx, "messages_api", id, nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindRecordNotFound, re.Kind)

	// Deleting an already-deleted id reports RecordNotFound, stably.
	err = svc.Delete(ctx, "messages_api", id, nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindRecordNotFound, re.Kind)
}

func TestCreateBulk(t *testing.T) {
	svc, _ := newTestService(t)

	body := []byte(`[
		{"mid": "` + b64([]byte{0x20}) + `", "data": "a"},
		{"mid": "` + b64([]byte{0x21}) + `", "data": "b"}
	]`)
	ids, err := svc.CreateBulk(context.Background(), "messages_api", body, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{b64([]byte{0x20}), b64([]byte{0x21})}, ids)
}

func TestCreateRejectsBadBodies(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var re *RecordError

	_, err := svc.Create(ctx, "messages_api", []byte(`{"bogus": 1, "data": "x"}`), nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)

	_, err = svc.Create(ctx, "messages_api", []byte(`{"data": 42}`), nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)

	_, err = svc.Create(ctx, "messages_api", []byte(`not json`), nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)
}

func TestCreateAccessRule(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "guarded_api",
		[]byte(`{"mid": "`+b64([]byte{0x30})+`", "data": "fine"}`), nil)
	require.NoError(t, err)

	_, err = svc.Create(ctx, "guarded_api",
		[]byte(`{"mid": "`+b64([]byte{0x31})+`", "data": "blocked"}`), nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindForbidden, re.Kind)
}

func TestExpansion(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "INSERT INTO profile (pid, name, _secret) VALUES (1, 'ada', 'hidden')")
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "INSERT INTO post (author, body) VALUES (1, 'post-1'), (NULL, 'post-2')")
	require.NoError(t, err)

	resp, err := svc.List(ctx, "posts_api", "expand=author&order=%2Bid", nil)
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)

	expanded, ok := resp.Records[0]["author"].(map[string]any)
	require.True(t, ok, "author should be expanded into an object")
	assert.Equal(t, "ada", expanded["name"])
	assert.NotContains(t, expanded, "_secret")

	// A NULL foreign key stays unexpanded.
	_, isObj := resp.Records[1]["author"].(map[string]any)
	assert.False(t, isObj)

	// Expanding a column not enabled in config is a 400.
	_, err = svc.List(ctx, "posts_api", "expand=body", nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)
}

func TestReadIntegerIDs(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "INSERT INTO post (body) VALUES ('p')")
	require.NoError(t, err)

	record, err := svc.Read(ctx, "posts_api", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "p", record["body"])

	_, err = svc.Read(ctx, "posts_api", "not-a-number", nil)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)
}
