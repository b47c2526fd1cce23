package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litebase-eu/litebase/internal/sqlite"
)

func setupCache(t *testing.T) (*sqlite.Conn, *Cache) {
	t.Helper()
	conn, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	_, err = conn.Execute(ctx, `CREATE TABLE rooms (rid INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, `CREATE TABLE messages (
		mid INTEGER PRIMARY KEY,
		data TEXT NOT NULL,
		room INTEGER REFERENCES rooms(rid),
		_owner BLOB DEFAULT x'00'
	)`)
	require.NoError(t, err)

	return conn, NewCache(conn)
}

func TestGetIntrospectsTable(t *testing.T) {
	_, cache := setupCache(t)

	meta, ok := cache.Get(context.Background(), "messages")
	require.True(t, ok)
	assert.Equal(t, "messages", meta.Name)
	require.Len(t, meta.Columns, 4)
	assert.Equal(t, []string{"mid", "data", "room", "_owner"}, meta.ColumnNames())

	assert.Equal(t, 0, meta.PKIndex)
	assert.Equal(t, "mid", meta.PKColumn().Name)
	assert.Equal(t, sqlite.TypeInteger, meta.PKColumn().DeclType)

	data := meta.Columns[1]
	assert.True(t, data.NotNull)
	assert.False(t, data.HasDefault)

	owner := meta.Columns[3]
	assert.True(t, owner.HasDefault)
	assert.Equal(t, sqlite.TypeBlob, owner.DeclType)
}

func TestForeignKeyResolution(t *testing.T) {
	_, cache := setupCache(t)

	meta, ok := cache.Get(context.Background(), "messages")
	require.True(t, ok)

	fk, found := meta.ForeignKeyFor("room")
	require.True(t, found)
	assert.Equal(t, "rooms", fk.ForeignTable)
	assert.Equal(t, "rid", fk.ForeignColumn)

	_, found = meta.ForeignKeyFor("data")
	assert.False(t, found)
}

func TestGetUnknownTable(t *testing.T) {
	_, cache := setupCache(t)

	_, ok := cache.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	conn, cache := setupCache(t)
	ctx := context.Background()

	meta, ok := cache.Get(ctx, "rooms")
	require.True(t, ok)
	require.Len(t, meta.Columns, 2)

	_, err := conn.Execute(ctx, "ALTER TABLE rooms ADD COLUMN topic TEXT")
	require.NoError(t, err)

	// Stale until invalidated.
	meta, ok = cache.Get(ctx, "rooms")
	require.True(t, ok)
	assert.Len(t, meta.Columns, 2)

	cache.Invalidate("rooms")
	meta, ok = cache.Get(ctx, "rooms")
	require.True(t, ok)
	assert.Len(t, meta.Columns, 3)
}
