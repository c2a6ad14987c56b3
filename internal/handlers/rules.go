package handlers

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/protocol"
	"bassethound/internal/rules"
	"bassethound/pkg/model"
)

func registerRules(d *dispatch.Dispatcher, engine *rules.Engine) {
	d.Register(dispatch.Spec{
		Kind:     "add_rule",
		Validate: requireStrings("pattern", "kind"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			var spec rules.Spec
			if err := json.Unmarshal(cmd.Params, &spec); err != nil {
				return nil, dispatch.Errorf(model.ErrInvalidParams, "bad rule spec: %v", err)
			}
			// The wire names from the controller API take precedence over
			// the snapshot-style field names.
			params := gjson.ParseBytes(cmd.Params)
			if f := params.Get("methodFilter"); f.IsArray() {
				spec.Methods = toStrings(f)
			}
			if f := params.Get("resourceTypeFilter"); f.IsArray() {
				spec.Resources = toStrings(f)
			}
			id, err := engine.Add(spec)
			if err != nil {
				return nil, err
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "ruleId", string(id))
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind:     "remove_rule",
		Validate: requireStrings("ruleId"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			id := model.RuleID(gjson.GetBytes(cmd.Params, "ruleId").String())
			if !engine.Remove(id) {
				return nil, dispatch.Errorf(model.ErrInvalidParams, "unknown ruleId %q", id)
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "removed", true)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind: "list_rules",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			list := engine.List()
			raw, err := json.Marshal(list)
			if err != nil {
				return nil, err
			}
			return sjson.SetRawBytes([]byte(`{}`), "rules", raw)
		},
	})

	d.Register(dispatch.Spec{
		Kind: "clear_rules",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			n := engine.Clear()
			out, _ := sjson.SetBytes([]byte(`{}`), "removed", n)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind: "get_statistics",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			id := model.RuleID(gjson.GetBytes(cmd.Params, "ruleId").String())
			stats, ok := engine.Stats(id)
			if !ok {
				return nil, dispatch.Errorf(model.ErrInvalidParams, "unknown ruleId %q", id)
			}
			return json.Marshal(stats)
		},
	})
}

func toStrings(arr gjson.Result) []string {
	var out []string
	arr.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}
