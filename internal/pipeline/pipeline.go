package pipeline

import (
	"context"
	"time"

	"bassethound/internal/logger"
	"bassethound/internal/rules"
	"bassethound/pkg/model"
	"bassethound/pkg/traffic"
)

// Applier carries a disposition back into the host environment for one
// paused request.
type Applier interface {
	// Continue releases the request, optionally with a redirect URL and a
	// header diff.
	Continue(ctx context.Context, requestID string, d *rules.Disposition) error
	// Block aborts the request before it leaves the browser.
	Block(ctx context.Context, requestID string) error
	// Fulfill short-circuits the network and answers with a synthetic
	// response.
	Fulfill(ctx context.Context, requestID string, res *traffic.Response) error
}

// Observation is what the monitoring store records per intercepted
// request.
type Observation struct {
	Target       model.TargetID
	URL          string
	Method       string
	ResourceType string
	Disposition  string
	RuleID       model.RuleID
	At           time.Time
	Duration     time.Duration
}

// Recorder consumes observations; it must never block the hook.
type Recorder interface {
	Observe(obs Observation)
}

// Hook sits on the critical path of every outbound page request: it asks
// the rule engine for a disposition and applies it before the request
// proceeds. Evaluation is synchronous and bounded; only the host apply
// call does I/O.
type Hook struct {
	engine *rules.Engine
	rec    Recorder
	log    logger.Logger
}

func New(engine *rules.Engine, rec Recorder, l logger.Logger) *Hook {
	if l == nil {
		l = logger.NewNop()
	}
	return &Hook{engine: engine, rec: rec, log: l}
}

// OnRequest evaluates one paused request and applies the outcome.
func (h *Hook) OnRequest(ctx context.Context, target model.TargetID, req *traffic.Request, app Applier) {
	start := time.Now()
	d := h.engine.Evaluate(req)

	var (
		label string
		rid   model.RuleID
		err   error
	)
	switch {
	case d.Blocked:
		label, rid = "blocked", d.BlockedBy
		err = app.Block(ctx, req.ID)
	case d.Mock != nil:
		label, rid = "mocked", d.MockedBy
		err = app.Fulfill(ctx, req.ID, d.Mock)
	case d.RedirectURL != "":
		label = "redirected"
		err = app.Continue(ctx, req.ID, &d)
	case d.Mutates():
		label = "modified"
		err = app.Continue(ctx, req.ID, &d)
	default:
		label = "passed"
		err = app.Continue(ctx, req.ID, nil)
	}
	if err != nil {
		h.log.Err(err, "disposition apply failed", "request", req.ID, "url", req.URL, "disposition", label)
	} else {
		h.log.Debug("request dispatched", "url", req.URL, "disposition", label)
	}

	if h.rec != nil {
		h.rec.Observe(Observation{
			Target:       target,
			URL:          req.URL,
			Method:       req.Method,
			ResourceType: req.ResourceType,
			Disposition:  label,
			RuleID:       rid,
			At:           start,
			Duration:     time.Since(start),
		})
	}
}
