// Package runtime owns the pool of single-threaded JavaScript isolates
// serving user-defined request handlers.
//
// Each worker goroutine owns one goja runtime and drives a cooperative
// event loop: a multiplexed select over a private channel (setup work) and
// the pool's shared channel (request dispatch), draining the isolate's
// timers and microtasks after every message. A handler that never yields
// blocks its worker only; the other N-1 keep serving.
package runtime

import (
	"context"
	_ "embed"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/litebase-eu/litebase/internal/observability"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

//go:embed bootstrap.js
var bootstrapSource string

// Route is one HTTP route registered by a user module.
type Route struct {
	Method string
	Path   string
}

// JsUser is the principal shape passed into dispatches.
type JsUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	CSRF  string `json:"csrf"`
}

// DispatchArgs carries one HTTP request into an isolate.
type DispatchArgs struct {
	Method     string
	RoutePath  string
	URI        string
	PathParams [][2]string
	Headers    [][2]string
	User       *JsUser
	Body       []byte
}

// DispatchResult is the handler's reply.
type DispatchResult struct {
	Status  int
	Headers [][2]string
	Body    []byte
}

type msgKind int

const (
	msgRun msgKind = iota
	msgLoadModule
	msgCallFunction
	msgDispatch
)

type result struct {
	value  any
	routes []Route
	err    error
}

type message struct {
	kind msgKind

	run func(vm *goja.Runtime) error

	moduleName   string
	moduleSource string

	fnName string
	fnArgs []any

	dispatch *DispatchArgs

	reply chan result
}

// Pool is the process-wide isolate pool: N workers behind one shared
// dispatch channel plus a private channel per worker.
type Pool struct {
	workers []*worker
	shared  chan *message
	timeout time.Duration
	metrics *observability.Metrics

	routesMu sync.RWMutex
	routes   []Route
}

var (
	globalOnce sync.Once
	globalPool *Pool
)

// Global returns the lazily-initialized process-wide pool. The first call
// fixes the worker count and dispatch timeout.
func Global(workers int, timeout time.Duration) *Pool {
	globalOnce.Do(func() {
		globalPool = NewPool(workers, timeout)
	})
	return globalPool
}

// NewPool starts workers goroutines, each owning one isolate. workers <= 0
// selects the detected hardware parallelism.
func NewPool(workers int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &Pool{
		shared:  make(chan *message),
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		w := &worker{
			id:      i,
			pool:    p,
			private: make(chan *message),
		}
		p.workers = append(p.workers, w)
		go w.run()
	}
	log.Info().Int("workers", workers).Msg("JS runtime pool started")
	return p
}

// NumWorkers returns the pool size.
func (p *Pool) NumWorkers() int {
	return len(p.workers)
}

// SetMetrics sets the metrics instance for dispatch accounting.
func (p *Pool) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// SetConn injects the database handle into every isolate's slot. Setting a
// slot twice is a programmer error and panics.
func (p *Pool) SetConn(conn *sqlite.Conn) {
	for _, w := range p.workers {
		w := w
		if err := p.runOn(w, func(*goja.Runtime) error {
			if w.conn != nil {
				panic("runtime: connection slot set twice")
			}
			w.conn = conn
			return nil
		}); err != nil {
			panic(fmt.Sprintf("runtime: failed to set connection: %v", err))
		}
	}
}

// runOn executes fn on the worker's goroutine and waits.
func (p *Pool) runOn(w *worker, fn func(vm *goja.Runtime) error) error {
	reply := make(chan result, 1)
	w.private <- &message{kind: msgRun, run: fn, reply: reply}
	return (<-reply).err
}

// LoadModule compiles and evaluates a user module on every worker.
// Route registration is assumed deterministic across isolates; worker 0's
// router is kept as the canonical routing table.
func (p *Pool) LoadModule(ctx context.Context, name, source string) error {
	for i, w := range p.workers {
		reply := make(chan result, 1)
		select {
		case w.private <- &message{kind: msgLoadModule, moduleName: name, moduleSource: source, reply: reply}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case res := <-reply:
			if res.err != nil {
				return res.err
			}
			if i == 0 {
				// Registration is deterministic across isolates; worker 0's
				// registrations are the canonical routing table.
				p.routesMu.Lock()
				p.routes = append(p.routes, res.routes...)
				p.routesMu.Unlock()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CallFunction invokes an exported function by name on the given worker
// with JSON-shaped arguments and returns the JSON-shaped result.
func (p *Pool) CallFunction(ctx context.Context, workerID int, fnName string, args ...any) (any, error) {
	if workerID < 0 || workerID >= len(p.workers) {
		return nil, internalErr("no such worker %d", workerID)
	}
	w := p.workers[workerID]
	reply := make(chan result, 1)
	select {
	case w.private <- &message{kind: msgCallFunction, fnName: fnName, fnArgs: args, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch routes one HTTP request to whichever worker picks it up first.
func (p *Pool) Dispatch(ctx context.Context, args *DispatchArgs) (*DispatchResult, error) {
	start := time.Now()
	reply := make(chan result, 1)
	select {
	case p.shared <- &message{kind: msgDispatch, dispatch: args, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var res result
	select {
	case res = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.metrics != nil {
		p.metrics.RecordDispatch(args.RoutePath, time.Since(start))
	}
	if res.err != nil {
		return nil, res.err
	}
	dr, ok := res.value.(*DispatchResult)
	if !ok {
		return nil, internalErr("unexpected dispatch result type %T", res.value)
	}
	return dr, nil
}

// Routes returns the canonical routing table assembled from worker 0.
func (p *Pool) Routes() []Route {
	p.routesMu.RLock()
	defer p.routesMu.RUnlock()
	return append([]Route(nil), p.routes...)
}

// worker is one isolate plus its cooperative event loop. All fields are
// owned by the worker goroutine after construction, except the channels.
type worker struct {
	id      int
	pool    *Pool
	private chan *message

	// conn is the isolate's database slot, set exactly once via SetConn.
	conn *sqlite.Conn

	routes []Route
	timers *timerQueue
}

func (w *worker) run() {
	vm := goja.New()
	w.timers = newTimerQueue()
	w.registerHostFunctions(vm)

	if _, err := vm.RunScript("bootstrap.js", bootstrapSource); err != nil {
		// Without the bootstrap nothing can dispatch; this is fatal.
		panic(fmt.Sprintf("runtime: bootstrap failed: %v", err))
	}

	for {
		var timerC <-chan time.Time
		if delay, ok := w.timers.nextDelay(); ok {
			timerC = time.After(delay)
		}

		select {
		case msg := <-w.private:
			w.handle(vm, msg)
		case msg := <-w.pool.shared:
			w.handle(vm, msg)
		case <-timerC:
			w.timers.runDue(vm)
		}
	}
}

func (w *worker) handle(vm *goja.Runtime, msg *message) {
	switch msg.kind {
	case msgRun:
		msg.reply <- result{err: msg.run(vm)}

	case msgLoadModule:
		before := len(w.routes)
		_, err := vm.RunScript(msg.moduleName, msg.moduleSource)
		if err != nil {
			msg.reply <- result{err: internalErr("module %s: %v", msg.moduleName, err)}
			return
		}
		msg.reply <- result{routes: append([]Route(nil), w.routes[before:]...)}

	case msgCallFunction:
		value, err := w.callFunction(vm, msg.fnName, msg.fnArgs)
		msg.reply <- result{value: value, err: err}

	case msgDispatch:
		value, err := w.dispatchRequest(vm, msg.dispatch)
		msg.reply <- result{value: value, err: err}
	}
}

func (w *worker) callFunction(vm *goja.Runtime, name string, args []any) (any, error) {
	fn, ok := goja.AssertFunction(vm.Get(name))
	if !ok {
		return nil, preconditionErr("no such function %q", name)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}
	value, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, internalErr("%v", err)
	}
	settled, err := w.awaitValue(vm, value)
	if err != nil {
		return nil, err
	}
	return settled.Export(), nil
}

func (w *worker) dispatchRequest(vm *goja.Runtime, args *DispatchArgs) (*DispatchResult, error) {
	dispatchFn, ok := goja.AssertFunction(vm.Get("__dispatch"))
	if !ok {
		return nil, internalErr("dispatcher not installed")
	}

	var user goja.Value = goja.Null()
	if args.User != nil {
		user = vm.ToValue(map[string]any{
			"id":    args.User.ID,
			"email": args.User.Email,
			"csrf":  args.User.CSRF,
		})
	}

	value, err := dispatchFn(goja.Undefined(),
		vm.ToValue(args.Method),
		vm.ToValue(args.RoutePath),
		vm.ToValue(args.URI),
		vm.ToValue(args.PathParams),
		vm.ToValue(args.Headers),
		user,
		vm.ToValue(string(args.Body)),
	)
	if err != nil {
		return nil, internalErr("%v", err)
	}

	settled, err := w.awaitValue(vm, value)
	if err != nil {
		return nil, err
	}
	return exportDispatchResult(settled)
}

// awaitValue resolves a possibly-promise value by cooperatively driving
// the isolate's timers. goja drains microtasks whenever the call stack
// empties, so a pending state only persists while timers are outstanding.
func (w *worker) awaitValue(vm *goja.Runtime, value goja.Value) (goja.Value, error) {
	deadline := time.Now().Add(w.pool.timeout)
	for {
		promise, ok := value.Export().(*goja.Promise)
		if !ok {
			return value, nil
		}
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, internalErr("%s", promiseRejection(promise))
		}

		delay, pending := w.timers.nextDelay()
		if !pending {
			return nil, internalErr("handler returned a promise that can never settle")
		}
		if time.Now().Add(delay).After(deadline) {
			return nil, &JSError{Kind: KindTimeout, Message: "handler did not settle before the deadline"}
		}
		time.Sleep(delay)
		w.timers.runDue(vm)
	}
}

func promiseRejection(p *goja.Promise) string {
	res := p.Result()
	if res == nil {
		return "rejected"
	}
	return res.String()
}

func exportDispatchResult(value goja.Value) (*DispatchResult, error) {
	out := &DispatchResult{Status: 200}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return out, nil
	}

	exported := value.Export()
	obj, ok := exported.(map[string]any)
	if !ok {
		if s, isString := exported.(string); isString {
			out.Body = []byte(s)
			return out, nil
		}
		return nil, internalErr("handler returned unsupported response type %T", exported)
	}

	if status, ok := obj["status"]; ok {
		switch s := status.(type) {
		case int64:
			out.Status = int(s)
		case float64:
			out.Status = int(s)
		}
	}
	if headers, ok := obj["headers"].(map[string]any); ok {
		for name, v := range headers {
			out.Headers = append(out.Headers, [2]string{name, fmt.Sprintf("%v", v)})
		}
	}
	if body, ok := obj["body"]; ok && body != nil {
		switch b := body.(type) {
		case string:
			out.Body = []byte(b)
		case []byte:
			out.Body = b
		default:
			return nil, internalErr("handler body must be a string")
		}
	}
	return out, nil
}
