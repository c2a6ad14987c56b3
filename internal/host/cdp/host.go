// Package cdp implements the host boundary against a Chrome DevTools
// endpoint: target discovery, per-target page operations, and the fetch
// interception stream feeding the request pipeline.
package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp/devtool"

	"bassethound/internal/host"
	"bassethound/internal/logger"
	"bassethound/internal/pipeline"
	"bassethound/pkg/model"
)

// Host attaches to every page target the browser exposes and keeps one
// session per target until the browser drops it.
type Host struct {
	dt     *devtool.DevTools
	hook   *pipeline.Hook
	events host.Events
	log    logger.Logger

	pollInterval  time.Duration
	attachTimeout time.Duration

	mu       sync.Mutex
	sessions map[model.TargetID]*session
}

func NewHost(devtoolsURL string, hook *pipeline.Hook, events host.Events, l logger.Logger) *Host {
	if l == nil {
		l = logger.NewNop()
	}
	return &Host{
		dt:           devtool.New(devtoolsURL),
		hook:         hook,
		events:       events,
		log:          l,
		pollInterval:  2 * time.Second,
		attachTimeout: 10 * time.Second,
		sessions:      make(map[model.TargetID]*session),
	}
}

// Watch polls the DevTools target list until ctx is cancelled, attaching
// new page targets and tearing down vanished ones.
func (h *Host) Watch(ctx context.Context) error {
	t := time.NewTicker(h.pollInterval)
	defer t.Stop()
	for {
		if err := h.sync(ctx); err != nil {
			h.log.Warn("target list unavailable", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (h *Host) sync(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	targets, err := h.dt.List(listCtx)
	cancel()
	if err != nil {
		return err
	}

	seen := make(map[model.TargetID]*devtool.Target, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		seen[model.TargetID(t.ID)] = t
	}

	h.mu.Lock()
	var gone []*session
	for id, s := range h.sessions {
		if _, ok := seen[id]; !ok {
			gone = append(gone, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range gone {
		s.close()
		h.events.TargetTornDown(s.id)
	}

	for id, t := range seen {
		h.mu.Lock()
		_, attached := h.sessions[id]
		h.mu.Unlock()
		if attached {
			continue
		}
		h.events.TargetSeen(model.TargetInfo{
			ID:    id,
			URL:   t.URL,
			Title: t.Title,
			Type:  string(t.Type),
			State: model.TargetPending,
		})
		s, err := h.attach(ctx, id, t)
		if err != nil {
			h.log.Err(err, "target attach failed", "target", string(id))
			continue
		}
		h.mu.Lock()
		h.sessions[id] = s
		h.mu.Unlock()
		h.events.TargetReady(id)
	}
	return nil
}

func (h *Host) session(id model.TargetID) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no session for target %q", id)
	}
	return s, nil
}

// onSessionLost removes a session whose event stream died before the
// poll loop noticed the target vanishing.
func (h *Host) onSessionLost(s *session, err error) {
	h.mu.Lock()
	cur, ok := h.sessions[s.id]
	if ok && cur == s {
		delete(h.sessions, s.id)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.log.Warn("target session lost", "target", string(s.id), "error", err.Error())
	s.close()
	h.events.TargetTornDown(s.id)
}

func (h *Host) closeAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[model.TargetID]*session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
