// Package schema introspects SQLite table shapes and caches them for the
// record API and the subscription manager.
package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/litebase-eu/litebase/internal/sqlite"
)

const cacheSize = 256

// ColumnMetadata describes one column of a user table.
type ColumnMetadata struct {
	Name       string
	DeclType   sqlite.ValueType
	NotNull    bool
	HasDefault bool
	IsPrimary  bool
}

// ForeignKey describes an outgoing single-column foreign key.
type ForeignKey struct {
	LocalColumn   string
	ForeignTable  string
	ForeignColumn string
}

// TableMetadata is the cached shape of one table.
type TableMetadata struct {
	Name        string
	Columns     []ColumnMetadata
	PKIndex     int // index into Columns; -1 when the table has no explicit PK
	ForeignKeys []ForeignKey
}

// ColumnIndex returns the index of the named column, or -1.
func (t *TableMetadata) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// PKColumn returns the primary-key column. Falls back to the first column
// for tables without an explicit PK (rowid tables still cursor on _rowid_).
func (t *TableMetadata) PKColumn() ColumnMetadata {
	if t.PKIndex >= 0 {
		return t.Columns[t.PKIndex]
	}
	return t.Columns[0]
}

// ColumnNames returns all column names in declaration order.
func (t *TableMetadata) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ForeignKeyFor resolves the foreign key departing from the given local
// column, if any.
func (t *TableMetadata) ForeignKeyFor(localColumn string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.LocalColumn == localColumn {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// Cache is a thread-safe metadata cache with explicit invalidation. Misses
// introspect through the DB worker; entries are evicted LRU.
type Cache struct {
	conn *sqlite.Conn

	mu      sync.Mutex
	entries *lru.Cache[string, *TableMetadata]
}

// NewCache creates a metadata cache backed by conn.
func NewCache(conn *sqlite.Conn) *Cache {
	entries, _ := lru.New[string, *TableMetadata](cacheSize)
	return &Cache{conn: conn, entries: entries}
}

// Get returns the metadata for table, introspecting on miss. Returns false
// when the table does not exist.
func (c *Cache) Get(ctx context.Context, table string) (*TableMetadata, bool) {
	c.mu.Lock()
	if meta, ok := c.entries.Get(table); ok {
		c.mu.Unlock()
		return meta, true
	}
	c.mu.Unlock()

	meta, err := c.introspect(ctx, table)
	if err != nil {
		log.Debug().Err(err).Str("table", table).Msg("Table introspection failed")
		return nil, false
	}

	c.mu.Lock()
	c.entries.Add(table, meta)
	c.mu.Unlock()
	return meta, true
}

// Peek returns the cached metadata for table without introspecting on
// miss. Safe to call from the DB worker itself (e.g. the preupdate hook),
// where a blocking introspection would deadlock.
func (c *Cache) Peek(table string) (*TableMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(table)
}

// Invalidate drops the cached entry for table.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(table)
}

// InvalidateAll drops every cached entry, e.g. after migrations ran.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	log.Debug().Msg("Schema cache invalidated")
}

func (c *Cache) introspect(ctx context.Context, table string) (*TableMetadata, error) {
	rows, err := c.conn.Query(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}

	meta := &TableMetadata{Name: table, PKIndex: -1}
	for i := 0; i < rows.Len(); i++ {
		row := rows.Row(i)
		name, err := row.GetString(1)
		if err != nil {
			return nil, err
		}
		decl, err := row.GetString(2)
		if err != nil {
			return nil, err
		}
		notNull, err := row.GetInt64(3)
		if err != nil {
			return nil, err
		}
		hasDefault, err := row.Get(4)
		if err != nil {
			return nil, err
		}
		pk, err := row.GetInt64(5)
		if err != nil {
			return nil, err
		}

		if pk > 0 && meta.PKIndex < 0 {
			meta.PKIndex = i
		}
		meta.Columns = append(meta.Columns, ColumnMetadata{
			Name:       name,
			DeclType:   sqlite.ParseDeclType(decl),
			NotNull:    notNull != 0,
			HasDefault: hasDefault != nil,
			IsPrimary:  pk > 0,
		})
	}

	fks, err := c.conn.Query(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, quoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	for i := 0; i < fks.Len(); i++ {
		row := fks.Row(i)
		foreignTable, err := row.GetString(2)
		if err != nil {
			return nil, err
		}
		localColumn, err := row.GetString(3)
		if err != nil {
			return nil, err
		}
		// The "to" column is NULL when the FK references the parent PK.
		foreignColumn := ""
		if v, err := row.Get(4); err == nil && v != nil {
			foreignColumn, _ = row.GetString(4)
		}
		meta.ForeignKeys = append(meta.ForeignKeys, ForeignKey{
			LocalColumn:   localColumn,
			ForeignTable:  foreignTable,
			ForeignColumn: foreignColumn,
		})
	}

	return meta, nil
}

// quoteIdentifier quotes a SQLite identifier, escaping embedded quotes.
func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
