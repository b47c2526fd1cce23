package sqlite

import (
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Action is the kind of mutation a preupdate hook observed.
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// PreUpdateCase gives hook callbacks access to the affected row: the
// post-image for inserts and updates, the pre-image for deletes.
type PreUpdateCase struct {
	data *sqlite3.SQLitePreUpdateData
	act  Action
}

// RowID returns the rowid of the affected row.
func (c *PreUpdateCase) RowID() int64 {
	if c.act == ActionDelete {
		return c.data.OldRowID
	}
	return c.data.NewRowID
}

// Values extracts the affected row's column values.
func (c *PreUpdateCase) Values() ([]any, error) {
	vals := make([]any, c.data.Count())
	var err error
	if c.act == ActionDelete {
		err = c.data.Old(vals...)
	} else {
		err = c.data.New(vals...)
	}
	if err != nil {
		return nil, wrapSqlite(err)
	}
	return vals, nil
}

// PreUpdateHook is invoked on the DB worker inside the mutating statement.
// It must be short and non-blocking; forward heavy work via CallAndForget.
type PreUpdateHook func(action Action, db, table string, c *PreUpdateCase)

// AddPreUpdateHook installs hook on the native connection, replacing any
// previous hook.
func (c *Conn) AddPreUpdateHook(hook PreUpdateHook) error {
	ok := c.queue.push(func(conn *sqlite3.SQLiteConn) {
		conn.RegisterPreUpdateHook(func(d sqlite3.SQLitePreUpdateData) {
			var act Action
			switch d.Op {
			case sqlite3.SQLITE_INSERT:
				act = ActionInsert
			case sqlite3.SQLITE_UPDATE:
				act = ActionUpdate
			case sqlite3.SQLITE_DELETE:
				act = ActionDelete
			default:
				log.Error().Int("op", d.Op).Msg("Unknown preupdate action")
				return
			}
			hook(act, d.DatabaseName, d.TableName, &PreUpdateCase{data: &d, act: act})
		})
	})
	if !ok {
		return ErrConnClosed
	}
	return nil
}

// RemovePreUpdateHook clears the installed hook.
func (c *Conn) RemovePreUpdateHook() {
	c.queue.push(func(conn *sqlite3.SQLiteConn) {
		conn.RegisterPreUpdateHook(nil)
	})
}

// RemovePreUpdateHookOn clears the hook from inside a worker task, where
// the native connection is already held. Used by hook continuations running
// via CallAndForget.
func RemovePreUpdateHookOn(conn *sqlite3.SQLiteConn) {
	conn.RegisterPreUpdateHook(nil)
}
