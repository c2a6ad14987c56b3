package registry

import (
	"sync"
	"time"

	"bassethound/internal/logger"
	"bassethound/internal/protocol"
	"bassethound/pkg/model"
)

// Queued is one command held for a target that has not signaled readiness.
type Queued struct {
	Cmd protocol.Command
	At  time.Time
}

// RouteResult tells the dispatcher what happened to a routed command.
type RouteResult int

const (
	RouteReady RouteResult = iota
	RouteQueued
	RouteNotFound
)

type target struct {
	info     model.TargetInfo
	state    model.TargetState
	queue    []Queued
	implicit bool // created by routing before the host reported it
	expire   *time.Timer
}

// Registry tracks per-page execution contexts: creation, readiness and
// teardown. Commands routed to a Pending target wait in a bounded FIFO
// queue; overflow drops the oldest entry. A target addressed before the
// host has reported it is held as an implicit Pending entry for the
// retention window, then expired.
type Registry struct {
	mu        sync.Mutex
	targets   map[model.TargetID]*target
	queueCap  int
	retention time.Duration
	log       logger.Logger

	// onDropped receives commands shed from a full queue or an expired
	// implicit target; the dispatcher turns them into terminal errors.
	onDropped func(q Queued, kind model.ErrorKind, msg string)
	// onReady receives the flushed queue, in FIFO order.
	onReady func(id model.TargetID, flushed []Queued)
}

func New(queueCap int, retention time.Duration, l logger.Logger) *Registry {
	if queueCap <= 0 {
		queueCap = 64
	}
	if retention <= 0 {
		retention = time.Minute
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{
		targets:   make(map[model.TargetID]*target),
		queueCap:  queueCap,
		retention: retention,
		log:       l,
	}
}

// SetHooks wires the dispatcher callbacks. Must be called before routing.
func (r *Registry) SetHooks(
	onReady func(id model.TargetID, flushed []Queued),
	onDropped func(q Queued, kind model.ErrorKind, msg string),
) {
	r.onReady = onReady
	r.onDropped = onDropped
}

// Upsert records a target reported by the host environment. A matching
// implicit entry is promoted in place, keeping its queue.
func (r *Registry) Upsert(info model.TargetInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[info.ID]
	if !ok {
		r.targets[info.ID] = &target{info: info, state: model.TargetPending}
		r.log.Info("target created", "target", string(info.ID), "url", info.URL)
		return
	}
	if t.state == model.TargetTornDown {
		return
	}
	t.info = info
	if t.implicit {
		t.implicit = false
		if t.expire != nil {
			t.expire.Stop()
			t.expire = nil
		}
		r.log.Info("implicit target confirmed", "target", string(info.ID))
	}
}

// MarkReady transitions a target to Ready and flushes its queue FIFO.
func (r *Registry) MarkReady(id model.TargetID) {
	r.mu.Lock()
	t, ok := r.targets[id]
	if !ok || t.state == model.TargetTornDown {
		r.mu.Unlock()
		return
	}
	t.state = model.TargetReady
	t.implicit = false
	if t.expire != nil {
		t.expire.Stop()
		t.expire = nil
	}
	flushed := t.queue
	t.queue = nil
	r.mu.Unlock()

	r.log.Info("target ready", "target", string(id), "flushed", len(flushed))
	if len(flushed) > 0 && r.onReady != nil {
		r.onReady(id, flushed)
	}
}

// Teardown marks the target gone and returns any still-queued commands.
// The entry is kept as a tombstone so late routes fail TARGET_NOT_FOUND
// instead of re-queueing, then expires after the retention window so the
// map does not grow with every page a long-lived agent ever opened.
func (r *Registry) Teardown(id model.TargetID) []Queued {
	r.mu.Lock()
	t, ok := r.targets[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	t.state = model.TargetTornDown
	if t.expire != nil {
		t.expire.Stop()
	}
	t.expire = time.AfterFunc(r.retention, func() { r.expireTombstone(id) })
	orphaned := t.queue
	t.queue = nil
	r.mu.Unlock()

	r.log.Info("target torn down", "target", string(id), "orphaned", len(orphaned))
	return orphaned
}

func (r *Registry) expireTombstone(id model.TargetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok || t.state != model.TargetTornDown {
		return
	}
	delete(r.targets, id)
}

// Route decides how a targeted command proceeds. Pending and not-yet-seen
// targets queue the command; torn-down targets refuse it.
func (r *Registry) Route(id model.TargetID, q Queued) RouteResult {
	r.mu.Lock()
	t, ok := r.targets[id]
	if !ok {
		t = &target{
			info:     model.TargetInfo{ID: id},
			state:    model.TargetPending,
			implicit: true,
		}
		t.expire = time.AfterFunc(r.retention, func() { r.expireImplicit(id) })
		r.targets[id] = t
		r.log.Debug("implicit pending target", "target", string(id))
	}
	switch t.state {
	case model.TargetTornDown:
		r.mu.Unlock()
		return RouteNotFound
	case model.TargetReady:
		r.mu.Unlock()
		return RouteReady
	}

	var dropped *Queued
	if len(t.queue) >= r.queueCap {
		d := t.queue[0]
		t.queue = t.queue[1:]
		dropped = &d
	}
	t.queue = append(t.queue, q)
	r.mu.Unlock()

	if dropped != nil {
		r.log.Warn("readiness queue overflow, dropping oldest", "target", string(id), "command", dropped.Cmd.ID)
		if r.onDropped != nil {
			r.onDropped(*dropped, model.ErrCancelled, "readiness queue overflow")
		}
	}
	return RouteQueued
}

// expireImplicit fails queued commands for a target the host never
// reported within the retention window.
func (r *Registry) expireImplicit(id model.TargetID) {
	r.mu.Lock()
	t, ok := r.targets[id]
	if !ok || !t.implicit || t.state != model.TargetPending {
		r.mu.Unlock()
		return
	}
	expired := t.queue
	delete(r.targets, id)
	r.mu.Unlock()

	r.log.Warn("implicit target never appeared", "target", string(id), "expired", len(expired))
	if r.onDropped != nil {
		for _, q := range expired {
			r.onDropped(q, model.ErrTargetNotFound, "target never appeared")
		}
	}
}

// State returns the current lifecycle state of a target.
func (r *Registry) State(id model.TargetID) (model.TargetState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return "", false
	}
	return t.state, true
}

// List returns a snapshot of all non-tombstone targets.
func (r *Registry) List() []model.TargetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TargetInfo, 0, len(r.targets))
	for _, t := range r.targets {
		if t.state == model.TargetTornDown {
			continue
		}
		info := t.info
		info.State = t.state
		out = append(out, info)
	}
	return out
}
