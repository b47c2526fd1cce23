package runtime

import (
	"context"
	"encoding/base64"
	"math"
	"sort"
	"time"

	"github.com/dop251/goja"
)

// registerHostFunctions installs the host bindings into the isolate. Runs
// once per worker, before the bootstrap script.
func (w *worker) registerHostFunctions(vm *goja.Runtime) {
	mustSet(vm, "isolate_id", func() int {
		return w.id
	})

	mustSet(vm, "__installRoute", func(method, path string) {
		w.routes = append(w.routes, Route{Method: method, Path: path})
	})

	mustSet(vm, "setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout requires a function"))
		}
		ms := call.Argument(1).ToInteger()
		if ms < 0 {
			ms = 0
		}
		id := w.timers.add(fn, time.Duration(ms)*time.Millisecond)
		return vm.ToValue(id)
	})

	mustSet(vm, "clearTimeout", func(id int64) {
		w.timers.remove(id)
	})

	// query and execute run synchronously on this worker's goroutine. A
	// handler awaiting them holds the isolate until the database replies;
	// the other workers keep serving.
	mustSet(vm, "query", func(call goja.FunctionCall) goja.Value {
		rows, err := w.hostQuery(vm, call)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(rows)
	})

	mustSet(vm, "execute", func(call goja.FunctionCall) goja.Value {
		affected, err := w.hostExecute(vm, call)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(affected)
	})
}

func mustSet(vm *goja.Runtime, name string, v any) {
	if err := vm.Set(name, v); err != nil {
		panic(err)
	}
}

func (w *worker) hostQuery(vm *goja.Runtime, call goja.FunctionCall) ([]any, error) {
	sql, params, err := w.sqlArgs(call)
	if err != nil {
		return nil, err
	}
	rows, err := w.conn.Query(context.Background(), sql, params...)
	if err != nil {
		return nil, internalErr("query failed: %v", err)
	}

	out := make([]any, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		values := rows.Row(i).Values()
		converted := make([]any, len(values))
		for j, v := range values {
			if b, ok := v.([]byte); ok {
				converted[j] = base64.RawURLEncoding.EncodeToString(b)
			} else {
				converted[j] = v
			}
		}
		out = append(out, converted)
	}
	return out, nil
}

func (w *worker) hostExecute(vm *goja.Runtime, call goja.FunctionCall) (int64, error) {
	sql, params, err := w.sqlArgs(call)
	if err != nil {
		return 0, err
	}
	affected, err := w.conn.Execute(context.Background(), sql, params...)
	if err != nil {
		return 0, internalErr("execute failed: %v", err)
	}
	return affected, nil
}

func (w *worker) sqlArgs(call goja.FunctionCall) (string, []any, error) {
	if w.conn == nil {
		return "", nil, internalErr("database connection not set")
	}
	sql := call.Argument(0).String()

	var raw []any
	if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		exported, ok := arg.Export().([]any)
		if !ok {
			return "", nil, preconditionErr("params must be an array")
		}
		raw = exported
	}

	params := make([]any, len(raw))
	for i, v := range raw {
		converted, err := jsonParamToValue(v)
		if err != nil {
			return "", nil, err
		}
		params[i] = converted
	}
	return sql, params, nil
}

// jsonParamToValue maps a JSON-shaped JS value onto a SQLite parameter:
// null → NULL, bool → 0|1, string → TEXT, number → INTEGER when integral
// else REAL. Arrays and objects are unsupported.
func jsonParamToValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return t, nil
	case int64:
		return t, nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return int64(t), nil
		}
		return t, nil
	default:
		return nil, internalErr("Array/Object unsupported")
	}
}

// timerQueue holds the isolate's pending setTimeout callbacks. Owned by
// the worker goroutine; never shared.
type timerQueue struct {
	nextID  int64
	pending map[int64]*timer
}

type timer struct {
	id  int64
	fn  goja.Callable
	due time.Time
}

func newTimerQueue() *timerQueue {
	return &timerQueue{pending: make(map[int64]*timer)}
}

func (q *timerQueue) add(fn goja.Callable, delay time.Duration) int64 {
	q.nextID++
	q.pending[q.nextID] = &timer{id: q.nextID, fn: fn, due: time.Now().Add(delay)}
	return q.nextID
}

func (q *timerQueue) remove(id int64) {
	delete(q.pending, id)
}

// nextDelay returns the wait until the earliest pending timer.
func (q *timerQueue) nextDelay() (time.Duration, bool) {
	if len(q.pending) == 0 {
		return 0, false
	}
	var earliest time.Time
	for _, t := range q.pending {
		if earliest.IsZero() || t.due.Before(earliest) {
			earliest = t.due
		}
	}
	delay := time.Until(earliest)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// runDue fires every timer whose deadline passed, in id order.
func (q *timerQueue) runDue(vm *goja.Runtime) {
	now := time.Now()
	var due []*timer
	for _, t := range q.pending {
		if !t.due.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, t := range due {
		delete(q.pending, t.id)
		if _, err := t.fn(goja.Undefined()); err != nil {
			// A throwing timer callback is the handler's bug; keep looping.
			continue
		}
	}
}
