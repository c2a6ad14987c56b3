package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/protocol"
	"bassethound/internal/registry"
	"bassethound/internal/rules"
	"bassethound/internal/storage"
	"bassethound/pkg/model"
)

type captureSender struct {
	responses chan protocol.Response
}

func (c *captureSender) SendResponse(res protocol.Response) error {
	c.responses <- res
	return nil
}

func (c *captureSender) SendEvent(string, any) error { return nil }

type fakeOps struct {
	mu        sync.Mutex
	navigated []string
	closed    []model.TargetID
	clicked   []string
	filled    map[string]any
	submitted bool
}

func (f *fakeOps) Navigate(_ context.Context, id model.TargetID, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return url, nil
}

func (f *fakeOps) Evaluate(_ context.Context, id model.TargetID, expr string) (json.RawMessage, error) {
	return json.RawMessage(`{"answer":42}`), nil
}

func (f *fakeOps) Screenshot(_ context.Context, id model.TargetID, format string, quality int) (string, error) {
	return "data:image/png;base64,AAAA", nil
}

func (f *fakeOps) Cookies(_ context.Context, id model.TargetID, url string) ([]model.Cookie, error) {
	return []model.Cookie{{Name: "sid", Value: "s3cr3t", Domain: "example.com"}}, nil
}

func (f *fakeOps) Click(_ context.Context, id model.TargetID, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector == "#missing" {
		return errors.New(`no element matches selector "#missing"`)
	}
	f.clicked = append(f.clicked, selector)
	return nil
}

func (f *fakeOps) FillForm(_ context.Context, id model.TargetID, fields map[string]any, submit bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = fields
	f.submitted = submit
	results := make(map[string]bool, len(fields))
	for sel := range fields {
		results[sel] = true
	}
	raw, err := json.Marshal(map[string]any{"fields": results, "submitted": submit})
	return raw, err
}

func (f *fakeOps) WaitForElement(ctx context.Context, id model.TargetID, selector string) (json.RawMessage, error) {
	if selector == "#never" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"found":true,"tag":"div","visible":true}`), nil
}

func (f *fakeOps) PageState(_ context.Context, id model.TargetID) (json.RawMessage, error) {
	return json.RawMessage(`{"url":"https://example.com/","forms":[{"id":"login","fields":[{"selector":"#user","type":"text"}]}],"links":[],"buttons":[],"inputs":[]}`), nil
}

func (f *fakeOps) CreateTarget(_ context.Context, url string) (model.TargetID, error) {
	return "t-new", nil
}

func (f *fakeOps) CloseTarget(_ context.Context, id model.TargetID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

type fixture struct {
	d      *dispatch.Dispatcher
	sender *captureSender
	engine *rules.Engine
	ops    *fakeOps
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sender := &captureSender{responses: make(chan protocol.Response, 32)}
	reg := registry.New(8, time.Minute, nil)
	d := dispatch.New(sender, reg, 5*time.Second, nil)
	t.Cleanup(d.Shutdown)
	engine := rules.New(nil)
	ops := &fakeOps{}
	store, err := storage.Open(filepath.Join(t.TempDir(), "traffic.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	Register(d, engine, ops, store, reg)
	return &fixture{d: d, sender: sender, engine: engine, ops: ops, reg: reg}
}

func (fx *fixture) run(t *testing.T, id, kind, target, params string) protocol.Response {
	t.Helper()
	cmd := protocol.Command{ID: id, Kind: kind, Target: target}
	if params != "" {
		cmd.Params = json.RawMessage(params)
	}
	fx.d.HandleCommand(cmd)
	select {
	case res := <-fx.sender.responses:
		require.Equal(t, id, res.ID)
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no response for %s", kind)
		return protocol.Response{}
	}
}

func TestRuleLifecycle(t *testing.T) {
	fx := newFixture(t)

	res := fx.run(t, "c1", "add_rule", "", `{"pattern":"*://ads.example.com/*","kind":"block"}`)
	require.True(t, res.Success, "%v", res.Error)
	ruleID := gjson.GetBytes(res.Result, "ruleId").String()
	require.NotEmpty(t, ruleID)

	res = fx.run(t, "c2", "list_rules", "", "")
	require.True(t, res.Success)
	list := gjson.GetBytes(res.Result, "rules").Array()
	require.Len(t, list, 1)
	assert.Equal(t, ruleID, list[0].Get("id").String())
	assert.Equal(t, "block", list[0].Get("kind").String())

	res = fx.run(t, "c3", "get_statistics", "", `{"ruleId":"`+ruleID+`"}`)
	require.True(t, res.Success)
	assert.Equal(t, int64(0), gjson.GetBytes(res.Result, "rules.0.matchedCount").Int())

	res = fx.run(t, "c4", "remove_rule", "", `{"ruleId":"`+ruleID+`"}`)
	require.True(t, res.Success)

	res = fx.run(t, "c5", "remove_rule", "", `{"ruleId":"`+ruleID+`"}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind)
}

func TestAddRuleRejectsBadPattern(t *testing.T) {
	fx := newFixture(t)
	res := fx.run(t, "c1", "add_rule", "", `{"pattern":"","kind":"block"}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind, "empty pattern fails string validation")

	res = fx.run(t, "c2", "add_rule", "", `{"pattern":"*","kind":"warp"}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind)

	res = fx.run(t, "c3", "list_rules", "", "")
	assert.Empty(t, gjson.GetBytes(res.Result, "rules").Array())
}

func TestAddRuleControllerFilterNames(t *testing.T) {
	fx := newFixture(t)
	res := fx.run(t, "c1", "add_rule", "",
		`{"pattern":"*","kind":"block","methodFilter":["POST"],"resourceTypeFilter":["xhr"]}`)
	require.True(t, res.Success, "%v", res.Error)

	res = fx.run(t, "c2", "list_rules", "", "")
	list := gjson.GetBytes(res.Result, "rules").Array()
	require.Len(t, list, 1)
	assert.Equal(t, "POST", list[0].Get("methods.0").String())
	assert.Equal(t, "xhr", list[0].Get("resources.0").String())
}

func TestClearRules(t *testing.T) {
	fx := newFixture(t)
	fx.run(t, "c1", "add_rule", "", `{"pattern":"*","kind":"block"}`)
	fx.run(t, "c2", "add_rule", "", `{"pattern":"*","kind":"mock"}`)

	res := fx.run(t, "c3", "clear_rules", "", "")
	require.True(t, res.Success)
	assert.Equal(t, int64(2), gjson.GetBytes(res.Result, "removed").Int())
}

func TestNavigateFlow(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "navigate", "t1", `{"url":"https://example.com/"}`)
	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, "https://example.com/", gjson.GetBytes(res.Result, "url").String())
	assert.True(t, gjson.GetBytes(res.Result, "loaded").Bool())

	res = fx.run(t, "c2", "navigate", "t1", `{}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind, "url is required")
}

func TestExecuteScript(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "execute_script", "t1", `{"script":"6*7"}`)
	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, int64(42), gjson.GetBytes(res.Result, "result.answer").Int())
}

func TestClick(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "click", "t1", `{"selector":"#submit"}`)
	require.True(t, res.Success, "%v", res.Error)
	assert.True(t, gjson.GetBytes(res.Result, "clicked").Bool())
	fx.ops.mu.Lock()
	assert.Equal(t, []string{"#submit"}, fx.ops.clicked)
	fx.ops.mu.Unlock()

	res = fx.run(t, "c2", "click", "t1", `{"selector":"#missing"}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrExecution, res.Error.Kind)

	res = fx.run(t, "c3", "click", "t1", `{}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind, "selector is required")
}

func TestFillForm(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "fill_form", "t1",
		`{"fields":{"#user":"alice","#remember":true},"submit":true}`)
	require.True(t, res.Success, "%v", res.Error)
	assert.True(t, gjson.GetBytes(res.Result, "submitted").Bool())
	assert.True(t, gjson.GetBytes(res.Result, `fields.\#user`).Bool())

	fx.ops.mu.Lock()
	assert.Equal(t, "alice", fx.ops.filled["#user"])
	assert.Equal(t, true, fx.ops.filled["#remember"])
	assert.True(t, fx.ops.submitted)
	fx.ops.mu.Unlock()

	res = fx.run(t, "c2", "fill_form", "t1", `{"fields":"not-an-object"}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind)
}

func TestWaitForElement(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "wait_for_element", "t1", `{"selector":"#content"}`)
	require.True(t, res.Success, "%v", res.Error)
	assert.True(t, gjson.GetBytes(res.Result, "found").Bool())
	assert.Equal(t, "div", gjson.GetBytes(res.Result, "tag").String())

	// an element that never appears times out on the command deadline
	res = fx.run(t, "c2", "wait_for_element", "t1", `{"selector":"#never","timeout":50}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrTargetTimeout, res.Error.Kind)
}

func TestGetPageState(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "get_page_state", "t1", "")
	require.True(t, res.Success, "%v", res.Error)
	forms := gjson.GetBytes(res.Result, "forms").Array()
	require.Len(t, forms, 1)
	assert.Equal(t, "login", forms[0].Get("id").String())
	assert.Equal(t, "#user", forms[0].Get("fields.0.selector").String())
}

func TestCookiesAndScreenshot(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "get_cookies", "t1", "")
	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, "sid", gjson.GetBytes(res.Result, "cookies.0.name").String())

	res = fx.run(t, "c2", "screenshot", "t1", `{"format":"png"}`)
	require.True(t, res.Success, "%v", res.Error)
	assert.Contains(t, gjson.GetBytes(res.Result, "screenshot").String(), "base64")
}

func TestTargetCommands(t *testing.T) {
	fx := newFixture(t)
	fx.reg.Upsert(model.TargetInfo{ID: "t1", URL: "https://example.com"})
	fx.reg.MarkReady("t1")

	res := fx.run(t, "c1", "list_targets", "", "")
	require.True(t, res.Success)
	targets := gjson.GetBytes(res.Result, "targets").Array()
	require.Len(t, targets, 1)
	assert.Equal(t, "ready", targets[0].Get("state").String())

	res = fx.run(t, "c2", "create_target", "", `{"url":"https://example.com/new"}`)
	require.True(t, res.Success)
	assert.Equal(t, "t-new", gjson.GetBytes(res.Result, "target").String())

	res = fx.run(t, "c3", "close_target", "t1", "")
	require.True(t, res.Success, "%v", res.Error)
	fx.ops.mu.Lock()
	assert.Equal(t, []model.TargetID{"t1"}, fx.ops.closed)
	fx.ops.mu.Unlock()
}

func TestMonitoringCommands(t *testing.T) {
	fx := newFixture(t)

	res := fx.run(t, "c1", "start_network_monitoring", "", "")
	require.True(t, res.Success)
	assert.True(t, gjson.GetBytes(res.Result, "monitoring").Bool())

	res = fx.run(t, "c2", "get_network_logs", "", `{"limit":10}`)
	require.True(t, res.Success)
	assert.Zero(t, gjson.GetBytes(res.Result, "total").Int())
	assert.True(t, gjson.GetBytes(res.Result, "logs").IsArray())

	res = fx.run(t, "c3", "export_network_har", "", "")
	require.True(t, res.Success)
	assert.Equal(t, "1.2", gjson.GetBytes(res.Result, "har.log.version").String())

	res = fx.run(t, "c4", "stop_network_monitoring", "", "")
	require.True(t, res.Success)
	assert.False(t, gjson.GetBytes(res.Result, "monitoring").Bool())
}

func TestCancelCommand(t *testing.T) {
	fx := newFixture(t)
	res := fx.run(t, "c1", "cancel_command", "", `{"commandId":"nope"}`)
	require.False(t, res.Success)
	assert.Equal(t, model.ErrInvalidParams, res.Error.Kind)
}
