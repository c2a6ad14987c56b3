package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/host"
	"bassethound/internal/protocol"
	"bassethound/pkg/model"
)

func registerPages(d *dispatch.Dispatcher, ops host.PageOps) {
	d.Register(dispatch.Spec{
		Kind:        "navigate",
		NeedsTarget: true,
		Serialize:   true,
		Validate:    requireStrings("url"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			url := gjson.GetBytes(cmd.Params, "url").String()
			finalURL, err := ops.Navigate(ctx, model.TargetID(cmd.Target), url)
			if err != nil {
				return nil, err
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "url", finalURL)
			out, _ = sjson.SetBytes(out, "target", cmd.Target)
			out, _ = sjson.SetBytes(out, "loaded", true)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "execute_script",
		NeedsTarget: true,
		Serialize:   true,
		Validate:    requireStrings("script"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			script := gjson.GetBytes(cmd.Params, "script").String()
			value, err := ops.Evaluate(ctx, model.TargetID(cmd.Target), script)
			if err != nil {
				return nil, err
			}
			return sjson.SetRawBytes([]byte(`{}`), "result", value)
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "click",
		NeedsTarget: true,
		Serialize:   true,
		Validate:    requireStrings("selector"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			params := gjson.ParseBytes(cmd.Params)
			selector := params.Get("selector").String()
			if err := ops.Click(ctx, model.TargetID(cmd.Target), selector); err != nil {
				return nil, err
			}
			if wait := params.Get("wait_after").Int(); wait > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(wait) * time.Millisecond):
				}
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "clicked", true)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "fill_form",
		NeedsTarget: true,
		Serialize:   true,
		Validate: func(params gjson.Result) error {
			if !params.Get("fields").IsObject() {
				return fmt.Errorf("param %q must be an object of selector to value", "fields")
			}
			return nil
		},
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			params := gjson.ParseBytes(cmd.Params)
			var fields map[string]any
			if err := json.Unmarshal([]byte(params.Get("fields").Raw), &fields); err != nil {
				return nil, dispatch.Errorf(model.ErrInvalidParams, "bad fields: %v", err)
			}
			return ops.FillForm(ctx, model.TargetID(cmd.Target), fields, params.Get("submit").Bool())
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "wait_for_element",
		NeedsTarget: true,
		Validate:    requireStrings("selector"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			selector := gjson.GetBytes(cmd.Params, "selector").String()
			return ops.WaitForElement(ctx, model.TargetID(cmd.Target), selector)
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "get_page_state",
		NeedsTarget: true,
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			return ops.PageState(ctx, model.TargetID(cmd.Target))
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "screenshot",
		NeedsTarget: true,
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			params := gjson.ParseBytes(cmd.Params)
			format := params.Get("format").String()
			quality := int(params.Get("quality").Int())
			data, err := ops.Screenshot(ctx, model.TargetID(cmd.Target), format, quality)
			if err != nil {
				return nil, err
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "screenshot", data)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "get_cookies",
		NeedsTarget: true,
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			url := gjson.GetBytes(cmd.Params, "url").String()
			cookies, err := ops.Cookies(ctx, model.TargetID(cmd.Target), url)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(cookies)
			if err != nil {
				return nil, err
			}
			return sjson.SetRawBytes([]byte(`{}`), "cookies", raw)
		},
	})
}
