package handlers

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/protocol"
	"bassethound/internal/storage"
	"bassethound/pkg/model"
)

// Monitoring commands accept an optional target: scoped when present,
// global when absent.
func registerMonitoring(d *dispatch.Dispatcher, store *storage.Store) {
	d.Register(dispatch.Spec{
		Kind: "start_network_monitoring",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			store.StartMonitoring(model.TargetID(cmd.Target))
			out, _ := sjson.SetBytes([]byte(`{}`), "monitoring", true)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind: "stop_network_monitoring",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			store.StopMonitoring(model.TargetID(cmd.Target))
			out, _ := sjson.SetBytes([]byte(`{}`), "monitoring", false)
			return out, nil
		},
	})

	d.Register(dispatch.Spec{
		Kind: "get_network_logs",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			params := gjson.ParseBytes(cmd.Params)
			limit := int(params.Get("limit").Int())
			offset := int(params.Get("offset").Int())
			logs, total, err := store.Logs(model.TargetID(cmd.Target), limit, offset)
			if err != nil {
				return nil, err
			}
			if logs == nil {
				logs = []storage.TrafficRecord{}
			}
			raw, err := json.Marshal(logs)
			if err != nil {
				return nil, err
			}
			out, err := sjson.SetRawBytes([]byte(`{}`), "logs", raw)
			if err != nil {
				return nil, err
			}
			return sjson.SetBytes(out, "total", total)
		},
	})

	d.Register(dispatch.Spec{
		Kind: "export_network_har",
		Handler: func(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
			har, err := store.ExportHAR(model.TargetID(cmd.Target))
			if err != nil {
				return nil, err
			}
			return sjson.SetRawBytes([]byte(`{}`), "har", har)
		},
	})
}
