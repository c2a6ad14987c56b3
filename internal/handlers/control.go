package handlers

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/protocol"
	"bassethound/pkg/model"
)

func registerControl(d *dispatch.Dispatcher) {
	d.Register(dispatch.Spec{
		Kind:     "cancel_command",
		Validate: requireStrings("commandId"),
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			id := gjson.GetBytes(cmd.Params, "commandId").String()
			if !d.Cancel(id) {
				return nil, dispatch.Errorf(model.ErrInvalidParams, "no in-flight command %q", id)
			}
			out, _ := sjson.SetBytes([]byte(`{}`), "cancelled", true)
			return out, nil
		},
	})
}
