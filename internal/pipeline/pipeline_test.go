package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bassethound/internal/rules"
	"bassethound/pkg/model"
	"bassethound/pkg/traffic"
)

type fakeApplier struct {
	mu        sync.Mutex
	continued []*rules.Disposition
	blocked   []string
	fulfilled []*traffic.Response
}

func (f *fakeApplier) Continue(_ context.Context, id string, d *rules.Disposition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, d)
	return nil
}

func (f *fakeApplier) Block(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, id)
	return nil
}

func (f *fakeApplier) Fulfill(_ context.Context, id string, res *traffic.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, res)
	return nil
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []Observation
}

func (f *fakeRecorder) Observe(o Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, o)
}

func request(url string) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = "r1"
	req.URL = url
	req.Method = "GET"
	req.ResourceType = "script"
	return req
}

func hookWith(t *testing.T, specs ...rules.Spec) (*Hook, *fakeApplier, *fakeRecorder) {
	t.Helper()
	engine := rules.New(nil)
	for _, s := range specs {
		_, err := engine.Add(s)
		require.NoError(t, err)
	}
	app := &fakeApplier{}
	rec := &fakeRecorder{}
	return New(engine, rec, nil), app, rec
}

func TestOnRequestPassesThrough(t *testing.T) {
	h, app, rec := hookWith(t)
	h.OnRequest(context.Background(), "t1", request("https://example.com/app.js"), app)

	require.Len(t, app.continued, 1)
	assert.Nil(t, app.continued[0], "pass-through carries no disposition")
	require.Len(t, rec.obs, 1)
	assert.Equal(t, "passed", rec.obs[0].Disposition)
	assert.Equal(t, model.TargetID("t1"), rec.obs[0].Target)
}

func TestOnRequestBlocks(t *testing.T) {
	h, app, rec := hookWith(t, rules.Spec{Pattern: "*://ads.example.com/*", Kind: rules.KindBlock})
	h.OnRequest(context.Background(), "t1", request("https://ads.example.com/b.js"), app)

	assert.Equal(t, []string{"r1"}, app.blocked)
	assert.Empty(t, app.continued)
	require.Len(t, rec.obs, 1)
	assert.Equal(t, "blocked", rec.obs[0].Disposition)
	assert.NotEmpty(t, rec.obs[0].RuleID)
}

func TestOnRequestMocks(t *testing.T) {
	h, app, rec := hookWith(t, rules.Spec{
		Pattern:    "*/api/*",
		Kind:       rules.KindMock,
		MockStatus: 503,
		MockBody:   "down",
	})
	h.OnRequest(context.Background(), "t1", request("https://example.com/api/v1"), app)

	require.Len(t, app.fulfilled, 1)
	assert.Equal(t, 503, app.fulfilled[0].StatusCode)
	assert.Equal(t, "down", string(app.fulfilled[0].Body))
	assert.Equal(t, "mocked", rec.obs[0].Disposition)
}

func TestOnRequestRedirects(t *testing.T) {
	h, app, rec := hookWith(t, rules.Spec{
		Pattern:     "https://old.example.com/*",
		Kind:        rules.KindRedirect,
		RedirectURL: "https://new.example.com/",
	})
	h.OnRequest(context.Background(), "t1", request("https://old.example.com/x"), app)

	require.Len(t, app.continued, 1)
	require.NotNil(t, app.continued[0])
	assert.Equal(t, "https://new.example.com/", app.continued[0].RedirectURL)
	assert.Equal(t, "redirected", rec.obs[0].Disposition)
}

func TestOnRequestModifiesHeaders(t *testing.T) {
	h, app, rec := hookWith(t,
		rules.Spec{Pattern: "*", Kind: rules.KindHeaderAdd, Header: "X-Token", Value: "abc"},
		rules.Spec{Pattern: "*", Kind: rules.KindHeaderRemove, Header: "Cookie"},
	)
	h.OnRequest(context.Background(), "t1", request("https://example.com/"), app)

	require.Len(t, app.continued, 1)
	d := app.continued[0]
	require.NotNil(t, d)
	assert.Equal(t, "abc", d.SetHeaders.Get("X-Token"))
	assert.Equal(t, []string{"cookie"}, d.RemoveHeaders)
	assert.Equal(t, "modified", rec.obs[0].Disposition)
}
