package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/devtool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bassethound/internal/pipeline"
	"bassethound/internal/rules"
	"bassethound/pkg/model"
)

type nopEvents struct{}

func (nopEvents) TargetSeen(model.TargetInfo)  {}
func (nopEvents) TargetReady(model.TargetID)   {}
func (nopEvents) TargetTornDown(model.TargetID) {}

// fakeDebugger is a page debugger endpoint that acknowledges every RPC
// call, or swallows them all when mute.
func fakeDebugger(t *testing.T, mute bool) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mute {
				continue
			}
			var req struct {
				ID uint64 `json:"id"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			reply, _ := json.Marshal(map[string]any{"id": req.ID, "result": map[string]any{}})
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func debuggerTarget(srv *httptest.Server) *devtool.Target {
	return &devtool.Target{
		ID:                   "t1",
		Type:                 devtool.Page,
		WebSocketDebuggerURL: strings.Replace(srv.URL, "http", "ws", 1),
	}
}

func testHost(t *testing.T) *Host {
	t.Helper()
	hook := pipeline.New(rules.New(nil), nil, nil)
	return NewHost("http://127.0.0.1:9222", hook, nopEvents{}, nil)
}

func TestAttachEnablesDomains(t *testing.T) {
	srv := fakeDebugger(t, false)
	h := testHost(t)

	s, err := h.attach(context.Background(), "t1", debuggerTarget(srv))
	require.NoError(t, err)
	defer s.close()
	assert.Equal(t, model.TargetID("t1"), s.id)
}

func TestAttachBoundedAgainstWedgedEndpoint(t *testing.T) {
	srv := fakeDebugger(t, true)
	h := testHost(t)
	h.attachTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := h.attach(context.Background(), "t1", debuggerTarget(srv))
	require.Error(t, err, "setup against a silent endpoint must fail")
	assert.Less(t, time.Since(start), 2*time.Second, "setup must not hang past its timeout")
}
