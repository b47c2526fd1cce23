package api

import (
	"context"
	"database/sql/driver"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/litebase-eu/litebase/internal/sqlite"
)

const requestLogSchema = `CREATE TABLE IF NOT EXISTS _request_log (
	id      INTEGER PRIMARY KEY,
	created INTEGER NOT NULL,
	method  TEXT NOT NULL,
	path    TEXT NOT NULL,
	status  INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL
)`

// RequestLogger records every request into the logs database. Inserts are
// fire-and-forget on the logs DB worker so the request path never waits.
func RequestLogger(logs *sqlite.Conn) (fiber.Handler, error) {
	if _, err := logs.Execute(context.Background(), requestLogSchema); err != nil {
		return nil, err
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		entry := []driver.NamedValue{
			{Ordinal: 1, Value: start.Unix()},
			{Ordinal: 2, Value: string(c.Method())},
			{Ordinal: 3, Value: c.Path()},
			{Ordinal: 4, Value: int64(c.Response().StatusCode())},
			{Ordinal: 5, Value: time.Since(start).Milliseconds()},
		}
		logs.CallAndForget(func(conn *sqlite3.SQLiteConn) {
			_, execErr := conn.ExecContext(context.Background(),
				"INSERT INTO _request_log (created, method, path, status, latency_ms) VALUES (?, ?, ?, ?, ?)",
				entry)
			if execErr != nil {
				log.Debug().Err(execErr).Msg("Request log insert failed")
			}
		})
		return err
	}, nil
}
