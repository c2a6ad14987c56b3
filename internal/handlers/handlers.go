// Package handlers wires the command surface into the dispatcher's typed
// registry: rule configuration, page operations, target management and
// network monitoring.
package handlers

import (
	"fmt"

	"github.com/tidwall/gjson"

	"bassethound/internal/dispatch"
	"bassethound/internal/host"
	"bassethound/internal/registry"
	"bassethound/internal/rules"
	"bassethound/internal/storage"
)

// Register installs every command kind. Must run before the connection
// accepts traffic.
func Register(
	d *dispatch.Dispatcher,
	engine *rules.Engine,
	ops host.PageOps,
	store *storage.Store,
	reg *registry.Registry,
) {
	registerRules(d, engine)
	registerPages(d, ops)
	registerTargets(d, ops, reg)
	registerMonitoring(d, store)
	registerControl(d)
}

// requireStrings validates that each named param is a non-empty string.
func requireStrings(names ...string) func(params gjson.Result) error {
	return func(params gjson.Result) error {
		for _, name := range names {
			v := params.Get(name)
			if !v.Exists() || v.Type != gjson.String || v.String() == "" {
				return fmt.Errorf("param %q must be a non-empty string", name)
			}
		}
		return nil
	}
}
