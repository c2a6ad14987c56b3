package handlers

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/host"
	"bassethound/internal/protocol"
	"bassethound/internal/registry"
	"bassethound/pkg/model"
)

func registerTargets(d *dispatch.Dispatcher, ops host.PageOps, reg *registry.Registry) {
	d.Register(dispatch.Spec{
		Kind: "list_targets",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			raw, err := json.Marshal(reg.List())
			if err != nil {
				return nil, err
			}
			return sjson.SetRawBytes([]byte(`{}`), "targets", raw)
		},
	})

	d.Register(dispatch.Spec{
		Kind: "create_target",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			url := gjson.GetBytes(cmd.Params, "url").String()
			id, err := ops.CreateTarget(ctx, url)
			if err != nil {
				return nil, err
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "target", string(id))
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind:        "close_target",
		NeedsTarget: true,
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			if err := ops.CloseTarget(ctx, model.TargetID(cmd.Target)); err != nil {
				return nil, err
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "closed", true)
			return out, nil
		},
	})
}
