package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/observability"
	"github.com/litebase-eu/litebase/internal/records"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

// channelCapacity bounds each subscriber's event channel. Delivery from
// the DB worker never blocks: full channels drop.
const channelCapacity = 16

// Subscription is one SSE consumer. The API is stored by name, not by
// reference, and re-resolved on every event so config swaps stay safe.
type Subscription struct {
	id      int64
	apiName string
	user    *auth.User

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events is the bounded channel the SSE handler drains.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// ID uniquely identifies the subscription.
func (s *Subscription) ID() int64 {
	return s.id
}

// Close marks the subscription dead. Idempotent; called by the SSE handler
// on disconnect and by the manager on delete-reap.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done resolves when the subscription was reaped server-side.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Manager maintains the subscriber registries and the dynamic preupdate
// hook lifecycle. Lock ordering is recordMu before tableMu everywhere.
type Manager struct {
	conn     *sqlite.Conn
	cache    *schema.Cache
	registry *records.Registry
	metrics  *observability.Metrics

	recordMu   sync.RWMutex
	recordSubs map[string]map[int64][]*Subscription

	tableMu   sync.RWMutex
	tableSubs map[string][]*Subscription

	idCounter atomic.Int64
}

func NewManager(conn *sqlite.Conn, cache *schema.Cache, registry *records.Registry) *Manager {
	return &Manager{
		conn:       conn,
		cache:      cache,
		registry:   registry,
		recordSubs: make(map[string]map[int64][]*Subscription),
		tableSubs:  make(map[string][]*Subscription),
	}
}

// SetMetrics sets the metrics instance for event accounting.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// SubscribeRecord registers a subscriber for a single row, installing the
// preupdate hook if both registries were empty.
func (m *Manager) SubscribeRecord(api *records.RecordAPI, rowid int64, user *auth.User) (*Subscription, error) {
	sub := m.newSubscription(api, user)

	m.recordMu.Lock()
	m.tableMu.Lock()
	wasEmpty := len(m.recordSubs) == 0 && len(m.tableSubs) == 0
	byRow, ok := m.recordSubs[api.Table]
	if !ok {
		byRow = make(map[int64][]*Subscription)
		m.recordSubs[api.Table] = byRow
	}
	byRow[rowid] = append(byRow[rowid], sub)
	m.tableMu.Unlock()
	m.recordMu.Unlock()

	if wasEmpty {
		if err := m.installHook(); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// SubscribeTable registers a subscriber for every row of the table.
func (m *Manager) SubscribeTable(api *records.RecordAPI, user *auth.User) (*Subscription, error) {
	sub := m.newSubscription(api, user)

	m.recordMu.Lock()
	m.tableMu.Lock()
	wasEmpty := len(m.recordSubs) == 0 && len(m.tableSubs) == 0
	m.tableSubs[api.Table] = append(m.tableSubs[api.Table], sub)
	m.tableMu.Unlock()
	m.recordMu.Unlock()

	if wasEmpty {
		if err := m.installHook(); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (m *Manager) newSubscription(api *records.RecordAPI, user *auth.User) *Subscription {
	return &Subscription{
		id:      m.idCounter.Add(1),
		apiName: api.Name,
		user:    user,
		ch:      make(chan Event, channelCapacity),
		done:    make(chan struct{}),
	}
}

// ScheduleRecordCleanup removes a record subscription on the DB worker,
// serialized with hook continuations so cleanup cannot race delivery.
func (m *Manager) ScheduleRecordCleanup(table string, rowid int64, subID int64) {
	m.conn.CallAndForget(func(conn *sqlite3.SQLiteConn) {
		m.recordMu.Lock()
		if byRow, ok := m.recordSubs[table]; ok {
			if pruned, changed := removeByID(byRow[rowid], subID); changed {
				if len(pruned) == 0 {
					delete(byRow, rowid)
				} else {
					byRow[rowid] = pruned
				}
			}
			if len(byRow) == 0 {
				delete(m.recordSubs, table)
			}
		}
		m.recordMu.Unlock()
		m.removeHookIfIdle(conn)
	})
}

// ScheduleTableCleanup removes a table subscription on the DB worker.
func (m *Manager) ScheduleTableCleanup(table string, subID int64) {
	m.conn.CallAndForget(func(conn *sqlite3.SQLiteConn) {
		m.tableMu.Lock()
		if pruned, changed := removeByID(m.tableSubs[table], subID); changed {
			if len(pruned) == 0 {
				delete(m.tableSubs, table)
			} else {
				m.tableSubs[table] = pruned
			}
		}
		m.tableMu.Unlock()
		m.removeHookIfIdle(conn)
	})
}

// NumRecordSubscriptions counts record subscribers across all tables.
func (m *Manager) NumRecordSubscriptions() int {
	m.recordMu.RLock()
	defer m.recordMu.RUnlock()
	count := 0
	for _, byRow := range m.recordSubs {
		for _, subs := range byRow {
			count += len(subs)
		}
	}
	return count
}

// NumTableSubscriptions counts table subscribers.
func (m *Manager) NumTableSubscriptions() int {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	count := 0
	for _, subs := range m.tableSubs {
		count += len(subs)
	}
	return count
}

func (m *Manager) installHook() error {
	return m.conn.AddPreUpdateHook(m.hook)
}

// hook runs on the DB worker inside the mutating statement. It only checks
// subscriber presence and extracts the row image; everything else is
// forwarded as a continuation behind the statement.
func (m *Manager) hook(action sqlite.Action, db, table string, c *sqlite.PreUpdateCase) {
	rowid := c.RowID()

	m.recordMu.RLock()
	_, recordCandidate := m.recordSubs[table][rowid]
	m.recordMu.RUnlock()

	m.tableMu.RLock()
	_, tableCandidate := m.tableSubs[table]
	m.tableMu.RUnlock()

	// The hook may fire after the registries emptied but before removal;
	// finding nothing and returning is the contract.
	if !recordCandidate && !tableCandidate {
		return
	}

	values, err := c.Values()
	if err != nil {
		log.Error().Err(err).Str("table", table).Msg("Failed to extract preupdate row image")
		return
	}

	// Peek only: introspecting through the worker from inside the hook
	// would deadlock. Configured tables are cached at API compile time.
	meta, _ := m.cache.Peek(table)

	// The driver hands TEXT values of the row image over as []byte; restore
	// them to strings by declared column type so events and rule checks see
	// text rather than blobs.
	if meta != nil {
		for i, v := range values {
			if b, ok := v.([]byte); ok && i < len(meta.Columns) && meta.Columns[i].DeclType == sqlite.TypeText {
				values[i] = string(b)
			}
		}
	}

	st := continuationState{
		meta:   meta,
		action: action,
		table:  table,
		rowid:  rowid,
		values: values,
	}
	m.conn.CallAndForget(func(conn *sqlite3.SQLiteConn) {
		m.continuation(conn, st)
	})
}

type continuationState struct {
	meta   *schema.TableMetadata
	action sqlite.Action
	table  string
	rowid  int64
	values []any
}

// continuation runs on the DB worker strictly after the statement that
// fired the hook.
func (m *Manager) continuation(conn *sqlite3.SQLiteConn, st continuationState) {
	// Missing metadata means the schema changed under us: purge all
	// subscriptions for the table.
	if st.meta == nil {
		log.Warn().Str("table", st.table).Msg("Table metadata gone, purging subscriptions")
		m.recordMu.Lock()
		for _, subs := range m.recordSubs[st.table] {
			closeAll(subs)
		}
		delete(m.recordSubs, st.table)
		m.recordMu.Unlock()

		m.tableMu.Lock()
		closeAll(m.tableSubs[st.table])
		delete(m.tableSubs, st.table)
		m.tableMu.Unlock()

		m.removeHookIfIdle(conn)
		return
	}

	columnNames := st.meta.ColumnNames()
	event, err := buildEvent(st.action, st.meta.Columns, st.values)
	if err != nil {
		log.Error().Err(err).Str("table", st.table).Msg("Failed to encode event")
		return
	}
	if m.metrics != nil {
		m.metrics.RecordEvent(st.action.String())
	}

	m.deliverRecordSubs(conn, st, columnNames, event)
	m.deliverTableSubs(conn, st, columnNames, event)
	m.removeHookIfIdle(conn)
}

func buildEvent(action sqlite.Action, cols []schema.ColumnMetadata, values []any) (Event, error) {
	obj := records.RowToJSON(cols, values)
	switch action {
	case sqlite.ActionInsert:
		return NewEvent(DbEvent{Insert: obj})
	case sqlite.ActionUpdate:
		return NewEvent(DbEvent{Update: obj})
	default:
		return NewEvent(DbEvent{Delete: obj})
	}
}

func (m *Manager) deliverRecordSubs(conn *sqlite3.SQLiteConn, st continuationState, columnNames []string, event Event) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	byRow, ok := m.recordSubs[st.table]
	if !ok {
		return
	}
	subs, ok := byRow[st.rowid]
	if !ok {
		return
	}

	dead := m.broker(conn, subs, columnNames, st.values, event)

	if st.action == sqlite.ActionDelete {
		// Deletes reap the whole record entry; closing ends the SSE
		// responses after the Delete event drains.
		closeAll(subs)
		delete(byRow, st.rowid)
	} else if len(dead) > 0 {
		pruned := subs[:0]
		for _, sub := range subs {
			if !dead[sub.id] {
				pruned = append(pruned, sub)
			}
		}
		if len(pruned) == 0 {
			delete(byRow, st.rowid)
		} else {
			byRow[st.rowid] = pruned
		}
	}
	if len(byRow) == 0 {
		delete(m.recordSubs, st.table)
	}
}

func (m *Manager) deliverTableSubs(conn *sqlite3.SQLiteConn, st continuationState, columnNames []string, event Event) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	subs, ok := m.tableSubs[st.table]
	if !ok {
		return
	}

	dead := m.broker(conn, subs, columnNames, st.values, event)
	if len(dead) > 0 {
		pruned := subs[:0]
		for _, sub := range subs {
			if !dead[sub.id] {
				pruned = append(pruned, sub)
			}
		}
		if len(pruned) == 0 {
			delete(m.tableSubs, st.table)
		} else {
			m.tableSubs[st.table] = pruned
		}
	}
}

// broker delivers one event to a subscriber list, re-resolving the API and
// re-checking the read rule per subscriber. Returns the dead subscriber
// ids.
func (m *Manager) broker(conn *sqlite3.SQLiteConn, subs []*Subscription, columnNames []string, values []any, event Event) map[int64]bool {
	dead := map[int64]bool{}

	for _, sub := range subs {
		select {
		case <-sub.done:
			dead[sub.id] = true
			continue
		default:
		}

		api, ok := m.registry.Lookup(sub.apiName)
		if !ok {
			// The API vanished in a config swap.
			dead[sub.id] = true
			sub.Close()
			continue
		}

		allowed, err := records.EvalRuleOnRow(conn, api, columnNames, values, sub.user)
		if err != nil {
			log.Error().Err(err).Str("api", sub.apiName).Msg("Access re-check failed")
			dead[sub.id] = true
			sub.Close()
			continue
		}
		if !allowed {
			// Access was revoked since subscribing: a final error event,
			// then the subscription dies.
			if ev, err := NewEvent(DbEvent{Error: "Access denied"}); err == nil {
				select {
				case sub.ch <- ev:
				default:
				}
			}
			dead[sub.id] = true
			sub.Close()
			continue
		}

		select {
		case sub.ch <- event:
		default:
			log.Warn().Int64("subscription", sub.id).Msg("Channel full, dropping event")
			if m.metrics != nil {
				m.metrics.RecordDroppedEvent()
			}
		}
	}
	return dead
}

// removeHookIfIdle removes the preupdate hook when both registries are
// empty. Must run on the DB worker. Both locks are consulted, in the
// global order.
func (m *Manager) removeHookIfIdle(conn *sqlite3.SQLiteConn) {
	m.recordMu.RLock()
	recordEmpty := len(m.recordSubs) == 0
	m.recordMu.RUnlock()
	if !recordEmpty {
		return
	}
	m.tableMu.RLock()
	tableEmpty := len(m.tableSubs) == 0
	m.tableMu.RUnlock()
	if tableEmpty {
		sqlite.RemovePreUpdateHookOn(conn)
	}
}

func removeByID(subs []*Subscription, id int64) ([]*Subscription, bool) {
	for i, sub := range subs {
		if sub.id == id {
			sub.Close()
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

func closeAll(subs []*Subscription) {
	for _, sub := range subs {
		sub.Close()
	}
}

// ResolveAndSubscribe is the entry point used by the HTTP surface: checks
// the table ACL and row rule, resolves the rowid for record subscriptions
// and registers the subscriber. id is the record id or "*" for the whole
// table.
func (m *Manager) ResolveAndSubscribe(ctx context.Context, svc *records.Service, apiName, id string, user *auth.User) (*Subscription, func(), error) {
	api, err := svc.Lookup(apiName)
	if err != nil {
		return nil, nil, err
	}
	if err := api.CheckTableAccess(records.VerbSubscribe, user); err != nil {
		return nil, nil, err
	}

	if id == "*" {
		sub, err := m.SubscribeTable(api, user)
		if err != nil {
			return nil, nil, records.Internal(err)
		}
		cleanup := func() {
			sub.Close()
			m.ScheduleTableCleanup(api.Table, sub.id)
		}
		return sub, cleanup, nil
	}

	if err := svc.CheckRowAccessByID(ctx, api, records.VerbRead, id, user); err != nil {
		return nil, nil, err
	}
	rowid, err := svc.ResolveRowID(ctx, api, id)
	if err != nil {
		return nil, nil, err
	}
	sub, err := m.SubscribeRecord(api, rowid, user)
	if err != nil {
		return nil, nil, records.Internal(err)
	}
	cleanup := func() {
		sub.Close()
		m.ScheduleRecordCleanup(api.Table, rowid, sub.id)
	}
	return sub, cleanup, nil
}
