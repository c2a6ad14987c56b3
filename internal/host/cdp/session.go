package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	"bassethound/internal/rules"
	"bassethound/pkg/model"
	"bassethound/pkg/traffic"
)

// session is one attached page target: its own websocket to the browser,
// page domain enabled, and the fetch interception stream running.
type session struct {
	id     model.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// attach dials the target's debugger socket and enables the page and
// fetch domains. Requests pause at the request stage only; responses are
// out of interception scope. Every setup call shares one bounded
// context, so a wedged debugger endpoint cannot stall the watch loop.
func (h *Host) attach(ctx context.Context, id model.TargetID, t *devtool.Target) (*session, error) {
	sctx, cancel := context.WithCancel(context.Background())
	setupCtx, setupCancel := context.WithTimeout(ctx, h.attachTimeout)
	defer setupCancel()
	conn, err := rpcc.DialContext(setupCtx, t.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &session{
		id:     id,
		conn:   conn,
		client: cdp.NewClient(conn),
		ctx:    sctx,
		cancel: cancel,
	}
	if err := s.client.Page.Enable(setupCtx); err != nil {
		s.close()
		return nil, err
	}
	if err := s.client.Network.Enable(setupCtx, nil); err != nil {
		s.close()
		return nil, err
	}
	all := "*"
	err = s.client.Fetch.Enable(setupCtx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{
			{URLPattern: &all, RequestStage: fetch.RequestStageRequest},
		},
	})
	if err != nil {
		s.close()
		return nil, err
	}
	go h.consume(s)
	h.log.Info("target attached", "target", string(id), "url", t.URL)
	return s, nil
}

// consume drains the paused-request stream, handing each request to the
// pipeline hook. One goroutine per request keeps a slow disposition from
// stalling unrelated requests on the same target.
func (h *Host) consume(s *session) {
	rp, err := s.client.Fetch.RequestPaused(s.ctx)
	if err != nil {
		h.onSessionLost(s, err)
		return
	}
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			if s.ctx.Err() == nil {
				h.onSessionLost(s, err)
			}
			return
		}
		go h.handlePaused(s, ev)
	}
}

func (h *Host) handlePaused(s *session, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	h.hook.OnRequest(ctx, s.id, toTrafficRequest(ev), &pausedApplier{s: s, ev: ev})
}

func (s *session) close() {
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
}

// pausedApplier applies one disposition to one paused request.
type pausedApplier struct {
	s  *session
	ev *fetch.RequestPausedReply
}

func (a *pausedApplier) Continue(ctx context.Context, _ string, d *rules.Disposition) error {
	return a.s.client.Fetch.ContinueRequest(ctx, continueArgs(a.ev, d))
}

func (a *pausedApplier) Block(ctx context.Context, _ string) error {
	return a.s.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
		RequestID:   a.ev.RequestID,
		ErrorReason: network.ErrorReasonBlockedByClient,
	})
}

func (a *pausedApplier) Fulfill(ctx context.Context, _ string, res *traffic.Response) error {
	return a.s.client.Fetch.FulfillRequest(ctx, fulfillArgs(a.ev, res))
}
