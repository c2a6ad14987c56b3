// Package agent assembles the runtime: controller link, dispatcher,
// target registry, rule engine, request pipeline, traffic store and the
// DevTools host, wired together and supervised as one unit.
package agent

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"bassethound/internal/config"
	"bassethound/internal/conn"
	"bassethound/internal/dispatch"
	"bassethound/internal/handlers"
	"bassethound/internal/host/cdp"
	"bassethound/internal/logger"
	"bassethound/internal/pipeline"
	"bassethound/internal/protocol"
	"bassethound/internal/registry"
	"bassethound/internal/rules"
	"bassethound/internal/storage"
	"bassethound/pkg/model"
)

// Version is stamped at build time.
var Version = "dev"

// Agent owns every component of the runtime. It stands in the middle of
// the wiring: the connection manager delivers inbound traffic to it, the
// host reports target lifecycle to it, and both are forwarded to the
// dispatcher and registry.
type Agent struct {
	cfg *config.Config
	log logger.Logger

	mgr    *conn.Manager
	disp   *dispatch.Dispatcher
	reg    *registry.Registry
	engine *rules.Engine
	store  *storage.Store
	host   *cdp.Host
}

// New builds a fully wired agent from configuration.
func New(cfg *config.Config) (*Agent, error) {
	log := newLogger(cfg)
	a := &Agent{cfg: cfg, log: log}

	a.engine = rules.New(log.With("component", "rules"))
	a.reg = registry.New(cfg.Dispatch.QueueCapacity, cfg.Dispatch.QueueRetention, log.With("component", "registry"))
	a.disp = dispatch.New(a, a.reg, cfg.Dispatch.CommandDeadline, log.With("component", "dispatch"))

	store, err := storage.Open(cfg.Sqlite.Dsn, log.With("component", "storage"))
	if err != nil {
		return nil, err
	}
	a.store = store

	hook := pipeline.New(a.engine, store, log.With("component", "pipeline"))
	a.host = cdp.NewHost(cfg.DevToolsURL, hook, a, log.With("component", "cdp"))

	handlers.Register(a.disp, a.engine, a.host, store, a.reg)

	a.mgr = conn.New(conn.Options{
		URL:               cfg.ControllerURL,
		AgentID:           cfg.AgentID,
		Version:           Version,
		Capabilities:      a.disp.Kinds(),
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		BackoffMin:        cfg.Connection.BackoffMin,
		BackoffMax:        cfg.Connection.BackoffMax,
		Jitter:            cfg.Connection.Jitter,
		MaxAttempts:       cfg.Connection.MaxAttempts,
		ReplayPolicy:      cfg.Connection.ReplayPolicy,
	}, a, log.With("component", "conn"))

	return a, nil
}

// Run drives the controller link and the DevTools watch loop until ctx
// is cancelled or the link gives up for good.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		"controller", a.cfg.ControllerURL,
		"devtools", a.cfg.DevToolsURL,
		"agent", a.cfg.AgentID,
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.mgr.Run(ctx) })
	g.Go(func() error { return a.host.Watch(ctx) })

	err := g.Wait()
	a.disp.Shutdown()
	a.mgr.Close()
	a.store.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// conn.Receiver: inbound traffic and connectivity transitions go to the
// dispatcher.

func (a *Agent) HandleCommand(cmd protocol.Command)     { a.disp.HandleCommand(cmd) }
func (a *Agent) HandleParseError(raw []byte, err error) { a.disp.HandleParseError(raw, err) }
func (a *Agent) ConnectionUp()                          { a.disp.ConnectionUp() }
func (a *Agent) ConnectionDown(reason error)            { a.disp.ConnectionDown(reason) }

// conn.Sender: the dispatcher emits through the connection manager.

func (a *Agent) SendResponse(res protocol.Response) error { return a.mgr.SendResponse(res) }
func (a *Agent) SendEvent(name string, data any) error    { return a.mgr.SendEvent(name, data) }

// host.Events: target lifecycle goes to the registry and dispatcher.

func (a *Agent) TargetSeen(info model.TargetInfo) { a.reg.Upsert(info) }
func (a *Agent) TargetReady(id model.TargetID)    { a.disp.TargetReady(id) }
func (a *Agent) TargetTornDown(id model.TargetID) { a.disp.TargetTornDown(id) }

func newLogger(cfg *config.Config) logger.Logger {
	var writers []io.Writer
	for _, w := range cfg.Log.Writer {
		switch w {
		case "file":
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    20, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			})
		default:
			writers = append(writers, os.Stderr)
		}
	}
	return logger.New(cfg.Log.Level, writers...)
}
