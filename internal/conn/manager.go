package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"bassethound/internal/logger"
	"bassethound/internal/protocol"
	"bassethound/pkg/model"
)

// Sender is the narrow capability handed to the dispatcher so it can emit
// traffic without holding a reference to the full manager.
type Sender interface {
	SendResponse(res protocol.Response) error
	SendEvent(name string, data any) error
}

// Receiver consumes inbound traffic and connectivity transitions. The
// manager treats it purely as an observer.
type Receiver interface {
	HandleCommand(cmd protocol.Command)
	HandleParseError(raw []byte, err error)
	ConnectionUp()
	ConnectionDown(reason error)
}

const (
	ReplayPolicyReplay = "replay"
	ReplayPolicyFail   = "fail"
)

type Options struct {
	URL          string
	AgentID      string
	Version      string
	Capabilities []string

	// HeartbeatInterval is how often a ping is sent on an idle link. A
	// connection with no pong for twice this interval is declared dead.
	HeartbeatInterval time.Duration

	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Jitter      float64
	MaxAttempts int // 0 = unbounded

	// ReplayPolicy governs frames buffered while disconnected: "replay"
	// flushes them after reconnect, "fail" drops them with a log line.
	ReplayPolicy string

	OutboundCapacity int
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.Jitter == 0 {
		o.Jitter = 0.2
	}
	if o.ReplayPolicy == "" {
		o.ReplayPolicy = ReplayPolicyReplay
	}
	if o.OutboundCapacity <= 0 {
		o.OutboundCapacity = 256
	}
	if o.Version == "" {
		o.Version = "dev"
	}
}

// Manager owns the persistent duplex link to the remote controller:
// dial, framed send/receive, heartbeat liveness, and reconnection with
// exponential backoff. Messages are delivered in send order on a single
// connection instance; nothing is guaranteed across a reconnect.
type Manager struct {
	opts     Options
	log      logger.Logger
	receiver Receiver

	mu    sync.Mutex
	state model.ConnState
	ws    *websocket.Conn

	outbound chan []byte // survives reconnects under the replay policy
	control  chan []byte // per-session liveness frames, never replayed

	lastPong atomic.Int64 // unix-nano of the last pong received
}

func New(opts Options, receiver Receiver, l logger.Logger) *Manager {
	opts.defaults()
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		opts:     opts,
		log:      l,
		receiver: receiver,
		state:    model.ConnDisconnected,
		outbound: make(chan []byte, opts.OutboundCapacity),
		control:  make(chan []byte, 8),
	}
}

// State returns the current connection state.
func (m *Manager) State() model.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s model.ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.log.Debug("connection state", "state", string(s))
}

// SendResponse queues a terminal response for delivery.
func (m *Manager) SendResponse(res protocol.Response) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return m.enqueue(raw)
}

// SendEvent queues an unsolicited event for delivery.
func (m *Manager) SendEvent(name string, data any) error {
	raw, err := json.Marshal(protocol.Event{Event: name, Data: data})
	if err != nil {
		return err
	}
	return m.enqueue(raw)
}

func (m *Manager) enqueue(frame []byte) error {
	m.mu.Lock()
	closing := m.state == model.ConnClosing
	m.mu.Unlock()
	if closing {
		return errors.New("connection closing")
	}
	for {
		select {
		case m.outbound <- frame:
			return nil
		default:
		}
		// full: shed the oldest frame so the newest terminal responses win
		select {
		case old := <-m.outbound:
			m.log.Warn("outbound buffer full, dropping oldest frame", "size", len(old))
		default:
		}
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled. Backoff
// resets once a session survives a full heartbeat interval, so a link
// that drops immediately keeps escalating.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setState(model.ConnDisconnected)
			return ctx.Err()
		}
		if attempt == 0 {
			m.setState(model.ConnConnecting)
		} else {
			m.setState(model.ConnReconnecting)
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, m.opts.URL, nil)
		if err != nil {
			attempt++
			if m.opts.MaxAttempts > 0 && attempt > m.opts.MaxAttempts {
				m.setState(model.ConnDisconnected)
				return fmt.Errorf("giving up after %d attempts: %w", attempt-1, err)
			}
			delay := Backoff(m.opts.BackoffMin, m.opts.BackoffMax, m.opts.Jitter, attempt)
			m.log.Warn("connect failed", "attempt", attempt, "backoff", delay.String(), "error", err.Error())
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				m.setState(model.ConnDisconnected)
				return ctx.Err()
			}
		}

		m.mu.Lock()
		m.ws = ws
		m.state = model.ConnConnected
		m.mu.Unlock()

		started := time.Now()
		sessErr := m.session(ctx, ws)

		m.mu.Lock()
		m.ws = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			m.setState(model.ConnClosing)
			m.setState(model.ConnDisconnected)
			return ctx.Err()
		}

		m.receiver.ConnectionDown(sessErr)
		if m.opts.ReplayPolicy == ReplayPolicyFail {
			m.shedOutbound()
		}
		if time.Since(started) > m.opts.HeartbeatInterval {
			attempt = 0
		}
		attempt++
		delay := Backoff(m.opts.BackoffMin, m.opts.BackoffMax, m.opts.Jitter, attempt)
		m.log.Warn("connection lost", "error", sessErr.Error(), "backoff", delay.String(), "attempt", attempt)
		m.setState(model.ConnReconnecting)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.setState(model.ConnDisconnected)
			return ctx.Err()
		}
	}
}

// shedOutbound drops everything buffered during the outage (fail policy).
func (m *Manager) shedOutbound() {
	n := 0
	for {
		select {
		case <-m.outbound:
			n++
		default:
			if n > 0 {
				m.log.Warn("dropped outbound frames per replay policy", "count", n)
			}
			return
		}
	}
}

// session runs one connection instance: identify, then pump frames until
// the link fails or liveness lapses.
func (m *Manager) session(ctx context.Context, ws *websocket.Conn) error {
	hello := protocol.Hello{
		Type:         protocol.ControlHello,
		AgentID:      m.opts.AgentID,
		Version:      m.opts.Version,
		Capabilities: m.opts.Capabilities,
	}
	raw, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	m.lastPong.Store(time.Now().UnixNano())
	m.receiver.ConnectionUp()
	m.log.Info("connected", "url", m.opts.URL)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)

	// reader
	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				errc <- fmt.Errorf("read: %w", err)
				return
			}
			m.handleFrame(raw)
		}
	}()

	// writer: the only goroutine that touches the socket after hello,
	// preserving send order. Control frames take priority.
	go func() {
		for {
			var frame []byte
			select {
			case <-sessCtx.Done():
				return
			case frame = <-m.control:
			default:
				select {
				case <-sessCtx.Done():
					return
				case frame = <-m.control:
				case frame = <-m.outbound:
				}
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				errc <- fmt.Errorf("write: %w", err)
				return
			}
		}
	}()

	// heartbeat: ping on every idle interval, declare the link dead when
	// no pong arrives within twice the interval. This is the only
	// liveness signal a half-open socket gives us.
	go func() {
		ping, _ := json.Marshal(protocol.Control{Type: protocol.ControlPing})
		t := time.NewTicker(m.opts.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-t.C:
				if time.Since(time.Unix(0, m.lastPong.Load())) > 2*m.opts.HeartbeatInterval {
					errc <- errors.New("heartbeat timeout")
					return
				}
				select {
				case m.control <- ping:
				default:
				}
			}
		}
	}()

	select {
	case err := <-errc:
		ws.Close()
		return err
	case <-ctx.Done():
		ws.Close()
		return ctx.Err()
	}
}

func (m *Manager) handleFrame(raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		m.receiver.HandleParseError(raw, err)
		return
	}
	switch {
	case in.Control == protocol.ControlPong:
		m.lastPong.Store(time.Now().UnixNano())
	case in.Control == protocol.ControlPing:
		pong, _ := json.Marshal(protocol.Control{Type: protocol.ControlPong})
		select {
		case m.control <- pong:
		default:
		}
	case in.Command != nil:
		m.receiver.HandleCommand(*in.Command)
	}
}

// Close marks the manager closing and tears down the active socket. The
// Run loop exits once its context is cancelled by the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	m.state = model.ConnClosing
	ws := m.ws
	m.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}
