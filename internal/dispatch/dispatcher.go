package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"bassethound/internal/conn"
	"bassethound/internal/logger"
	"bassethound/internal/protocol"
	"bassethound/internal/registry"
	"bassethound/internal/rules"
	"bassethound/pkg/model"
)

// HandlerFunc executes one command. The context carries the command
// deadline and is cancelled on explicit cancel or target teardown.
type HandlerFunc func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error)

// Spec describes one entry in the closed command registry.
type Spec struct {
	Kind string
	// NeedsTarget routes through the target registry and waits for
	// readiness; target-agnostic kinds execute immediately.
	NeedsTarget bool
	// Serialize runs same-target commands one at a time. Read-only kinds
	// leave this off.
	Serialize bool
	// Deadline overrides the dispatcher default when non-zero. A
	// params.timeout value (milliseconds) overrides both.
	Deadline time.Duration
	Validate func(params gjson.Result) error
	Handler  HandlerFunc
}

// Error carries an explicit taxonomy kind out of a handler.
type Error struct {
	Kind    model.ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Errorf builds a typed handler error.
func Errorf(kind model.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

type pending struct {
	id      string
	kind    string
	target  model.TargetID
	issued  time.Time
	timer   *time.Timer
	cancel  context.CancelFunc
	started bool
}

// Dispatcher validates inbound envelopes against the typed command
// registry, correlates them in the pending table, routes them through the
// target registry and guarantees exactly one terminal response per
// correlation ID.
type Dispatcher struct {
	mu      sync.Mutex
	kinds   map[string]Spec
	pend    map[string]*pending
	lanes   map[model.TargetID]*sync.Mutex
	sender  conn.Sender
	reg     *registry.Registry
	defDead time.Duration
	log     logger.Logger
	base    context.Context
	stop    context.CancelFunc
}

func New(sender conn.Sender, reg *registry.Registry, defaultDeadline time.Duration, l logger.Logger) *Dispatcher {
	if defaultDeadline <= 0 {
		defaultDeadline = 30 * time.Second
	}
	if l == nil {
		l = logger.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		kinds:   make(map[string]Spec),
		pend:    make(map[string]*pending),
		lanes:   make(map[model.TargetID]*sync.Mutex),
		sender:  sender,
		reg:     reg,
		defDead: defaultDeadline,
		log:     l,
		base:    base,
		stop:    stop,
	}
	reg.SetHooks(d.onTargetFlush, d.onQueueDropped)
	return d
}

// Register adds a command kind. Duplicate registration is a programming
// error.
func (d *Dispatcher) Register(spec Spec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.kinds[spec.Kind]; dup {
		panic("dispatch: duplicate command kind " + spec.Kind)
	}
	d.kinds[spec.Kind] = spec
}

// Kinds lists registered command kinds, for the hello capability set.
func (d *Dispatcher) Kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.kinds))
	for k := range d.kinds {
		out = append(out, k)
	}
	return out
}

// Shutdown cancels every in-flight handler.
func (d *Dispatcher) Shutdown() { d.stop() }

// HandleCommand consumes one inbound envelope. Implements conn.Receiver.
func (d *Dispatcher) HandleCommand(cmd protocol.Command) {
	d.mu.Lock()
	spec, known := d.kinds[cmd.Kind]
	_, dup := d.pend[cmd.ID]
	d.mu.Unlock()

	if dup {
		// Responding would produce a second terminal for the live ID.
		d.log.Warn("duplicate correlation id, dropping", "id", cmd.ID, "kind", cmd.Kind)
		d.event("duplicate-command", map[string]string{"id": cmd.ID, "kind": cmd.Kind})
		return
	}
	if !known {
		d.respond(protocol.Fail(cmd.ID, model.ErrInvalidCommand, fmt.Sprintf("unknown command kind %q", cmd.Kind)))
		return
	}
	params := gjson.ParseBytes(cmd.Params)
	if spec.Validate != nil {
		if err := spec.Validate(params); err != nil {
			d.respond(protocol.Fail(cmd.ID, model.ErrInvalidParams, err.Error()))
			return
		}
	}
	if spec.NeedsTarget && cmd.Target == "" {
		d.respond(protocol.Fail(cmd.ID, model.ErrInvalidParams, "command requires a target"))
		return
	}

	deadline := d.defDead
	if spec.Deadline > 0 {
		deadline = spec.Deadline
	}
	if t := params.Get("timeout"); t.Exists() && t.Int() > 0 {
		deadline = time.Duration(t.Int()) * time.Millisecond
	}

	p := &pending{
		id:     cmd.ID,
		kind:   cmd.Kind,
		target: model.TargetID(cmd.Target),
		issued: time.Now(),
	}
	p.timer = time.AfterFunc(deadline, func() { d.timeout(cmd.ID) })
	d.mu.Lock()
	d.pend[cmd.ID] = p
	d.mu.Unlock()

	if !spec.NeedsTarget {
		go d.execute(spec, cmd)
		return
	}

	switch d.reg.Route(p.target, registry.Queued{Cmd: cmd, At: p.issued}) {
	case registry.RouteReady:
		go d.execute(spec, cmd)
	case registry.RouteQueued:
		d.log.Debug("command queued for target readiness", "id", cmd.ID, "target", cmd.Target)
	case registry.RouteNotFound:
		d.finish(cmd.ID, protocol.Fail(cmd.ID, model.ErrTargetNotFound, fmt.Sprintf("target %q is gone", cmd.Target)))
	}
}

// HandleParseError drops the malformed frame and surfaces it as an
// observability event. Implements conn.Receiver.
func (d *Dispatcher) HandleParseError(raw []byte, err error) {
	d.log.Warn("malformed inbound frame dropped", "error", err.Error(), "size", len(raw))
	d.event("parse-error", map[string]any{"error": err.Error()})
}

// ConnectionUp re-announces target state after every (re)connect.
// Implements conn.Receiver.
func (d *Dispatcher) ConnectionUp() {
	d.event("connection-status", map[string]any{"state": string(model.ConnConnected)})
	d.event("targets", d.reg.List())
}

// ConnectionDown marks the outage. Anything sent but unacknowledged is
// unresolved, not delivered; buffered responses follow the replay policy
// inside the connection manager. Implements conn.Receiver.
func (d *Dispatcher) ConnectionDown(reason error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	d.log.Warn("controller link down", "reason", msg)
}

// execute runs the handler with panic isolation; a handler failure never
// takes down the dispatch loop.
func (d *Dispatcher) execute(spec Spec, cmd protocol.Command) {
	ctx, ok := d.start(cmd.ID)
	if !ok {
		// already timed out, cancelled or torn down while queued
		return
	}
	if spec.Serialize && cmd.Target != "" {
		lane := d.lane(model.TargetID(cmd.Target))
		lane.Lock()
		defer lane.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "kind", cmd.Kind, "id", cmd.ID, "panic", fmt.Sprint(r))
			d.finish(cmd.ID, protocol.Fail(cmd.ID, model.ErrExecution, fmt.Sprintf("handler panic: %v", r)))
		}
	}()

	result, err := spec.Handler(ctx, cmd)
	if err != nil {
		d.finish(cmd.ID, protocol.Fail(cmd.ID, classify(err), err.Error()))
		return
	}
	d.finish(cmd.ID, protocol.OK(cmd.ID, result))
}

// start marks the pending command as executing and hands out its context.
func (d *Dispatcher) start(id string) (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pend[id]
	if !ok || p.started {
		return nil, false
	}
	p.started = true
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(d.base)
	return ctx, true
}

// finish retires the correlation ID and emits the terminal response.
// Exactly one terminal wins; the rest are logged as late and discarded.
func (d *Dispatcher) finish(id string, res protocol.Response) {
	d.mu.Lock()
	p, ok := d.pend[id]
	if ok {
		delete(d.pend, id)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug("late terminal discarded", "id", id)
		return
	}
	p.timer.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	d.respond(res)
}

func (d *Dispatcher) timeout(id string) {
	d.mu.Lock()
	p, ok := d.pend[id]
	var kind string
	if ok {
		kind = p.kind
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.log.Warn("command deadline exceeded", "id", id, "kind", kind)
	d.finish(id, protocol.Fail(id, model.ErrTargetTimeout, "command deadline exceeded"))
}

// Cancel retires a command explicitly, signalling its handler to stop.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	_, ok := d.pend[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.finish(id, protocol.Fail(id, model.ErrCancelled, "cancelled by controller"))
	return true
}

// TargetReady is called by the host when a page context finishes loading.
func (d *Dispatcher) TargetReady(id model.TargetID) {
	d.event("target-ready", map[string]string{"target": string(id)})
	d.reg.MarkReady(id)
}

// TargetTornDown cancels queued and in-flight commands for the target.
// Still-queued commands fail TARGET_NOT_FOUND; commands already executing
// are cancelled mid-flight.
func (d *Dispatcher) TargetTornDown(id model.TargetID) {
	d.event("target-torn-down", map[string]string{"target": string(id)})
	for _, q := range d.reg.Teardown(id) {
		d.finish(q.Cmd.ID, protocol.Fail(q.Cmd.ID, model.ErrTargetNotFound, "target torn down"))
	}

	d.mu.Lock()
	var inflight []string
	for cid, p := range d.pend {
		if p.target == id && p.started {
			inflight = append(inflight, cid)
		}
	}
	delete(d.lanes, id)
	d.mu.Unlock()

	for _, cid := range inflight {
		d.finish(cid, protocol.Fail(cid, model.ErrCancelled, "target torn down mid-flight"))
	}
}

// onTargetFlush executes queued commands in FIFO order after readiness.
// One goroutine drains the whole batch so readiness signaling never
// blocks on a slow handler while the batch itself stays ordered.
func (d *Dispatcher) onTargetFlush(id model.TargetID, flushed []registry.Queued) {
	go func() {
		for _, q := range flushed {
			d.mu.Lock()
			spec, ok := d.kinds[q.Cmd.Kind]
			d.mu.Unlock()
			if !ok {
				continue
			}
			d.execute(spec, q.Cmd)
		}
	}()
}

func (d *Dispatcher) onQueueDropped(q registry.Queued, kind model.ErrorKind, msg string) {
	d.finish(q.Cmd.ID, protocol.Fail(q.Cmd.ID, kind, msg))
}

func (d *Dispatcher) lane(id model.TargetID) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[id]
	if !ok {
		l = &sync.Mutex{}
		d.lanes[id] = l
	}
	return l
}

func (d *Dispatcher) respond(res protocol.Response) {
	if err := d.sender.SendResponse(res); err != nil {
		d.log.Warn("response not sent", "id", res.ID, "error", err.Error())
	}
}

func (d *Dispatcher) event(name string, data any) {
	if err := d.sender.SendEvent(name, data); err != nil {
		d.log.Debug("event not sent", "event", name, "error", err.Error())
	}
}

// classify maps handler errors onto the response taxonomy.
func classify(err error) model.ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, rules.ErrInvalidPattern):
		return model.ErrInvalidPattern
	case errors.Is(err, rules.ErrInvalidSpec):
		return model.ErrInvalidParams
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrTargetTimeout
	case errors.Is(err, context.Canceled):
		return model.ErrCancelled
	default:
		return model.ErrExecution
	}
}
