// Package host defines the boundary to the environment that executes
// commands inside page contexts and exposes their network traffic. The
// runtime consumes these capabilities; it never reimplements them.
package host

import (
	"context"
	"encoding/json"

	"bassethound/pkg/model"
)

// PageOps executes operations inside a target's page context. All calls
// honor the command deadline carried by ctx.
type PageOps interface {
	Navigate(ctx context.Context, id model.TargetID, url string) (string, error)
	Evaluate(ctx context.Context, id model.TargetID, expression string) (json.RawMessage, error)
	Screenshot(ctx context.Context, id model.TargetID, format string, quality int) (string, error)
	Cookies(ctx context.Context, id model.TargetID, url string) ([]model.Cookie, error)
	Click(ctx context.Context, id model.TargetID, selector string) error
	FillForm(ctx context.Context, id model.TargetID, fields map[string]any, submit bool) (json.RawMessage, error)
	WaitForElement(ctx context.Context, id model.TargetID, selector string) (json.RawMessage, error)
	PageState(ctx context.Context, id model.TargetID) (json.RawMessage, error)
	CreateTarget(ctx context.Context, url string) (model.TargetID, error)
	CloseTarget(ctx context.Context, id model.TargetID) error
}

// Events receives target lifecycle notifications from the host.
type Events interface {
	TargetSeen(info model.TargetInfo)
	TargetReady(id model.TargetID)
	TargetTornDown(id model.TargetID)
}
