// Package push owns the client side of the push channel: one websocket
// connection shared by all consumers, a room/presence tracker scoped to the
// active production, and schema validation of inbound payloads.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// State is the connection lifecycle state of the shared push channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type Status struct {
	State       State `json:"state"`
	IsConnected bool  `json:"isConnected"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// Validator checks an inbound payload against the schema registered for its
// event. Invalid payloads are dropped before reaching subscribers.
type Validator interface {
	Validate(event string, payload json.RawMessage) error
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ManagerOptions struct {
	URL         string
	Logger      Logger
	HTTPClient  *http.Client
	Validator   Validator
	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Manager maintains the process's single push-channel connection. Consumers
// reference-count it through Connect/Disconnect; subscriptions live on the
// manager, not the connection, so they survive reconnects. The default
// policy retries forever with capped exponential backoff; only Disconnect by
// the last consumer abandons it.
type Manager struct {
	url         string
	logger      Logger
	httpClient  *http.Client
	validator   Validator
	dialTimeout time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration

	mu         sync.Mutex
	refs       int
	status     Status
	conn       *websocket.Conn
	handlers   map[string]map[int]func(json.RawMessage)
	statusSubs map[int]func(Status)
	nextID     int
	cancel     context.CancelFunc
	done       chan struct{}

	writeMu sync.Mutex
}

func NewManager(opts ManagerOptions) *Manager {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	backoffCap := opts.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	return &Manager{
		url:         opts.URL,
		logger:      opts.Logger,
		httpClient:  opts.HTTPClient,
		validator:   opts.Validator,
		dialTimeout: dialTimeout,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		status:      Status{State: StateDisconnected},
		handlers:    map[string]map[int]func(json.RawMessage){},
		statusSubs:  map[int]func(Status){},
	}
}

// Connect acquires a reference to the shared connection, starting the
// connect/reconnect loop on the first acquisition. Idempotent for callers
// that already hold a reference via refcounting.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.refs++
	if m.refs > 1 {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	m.setStatus(StateConnecting)
	go m.run(ctx, done)
}

// Disconnect releases one reference; the shared connection is torn down only
// when the last caller releases.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		return
	}
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	conn := m.conn
	m.conn = nil
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a handler for an event. Handlers are re-attached to
// every new connection automatically; the returned function unsubscribes.
func (m *Manager) Subscribe(event string, handler func(payload json.RawMessage)) func() {
	if event == "" || handler == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[event] == nil {
		m.handlers[event] = map[int]func(json.RawMessage){}
	}
	m.handlers[event][id] = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if handlers, ok := m.handlers[event]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(m.handlers, event)
			}
		}
		m.mu.Unlock()
	}
}

// SubscribeStatus registers a handler notified synchronously on every status
// transition, starting with the current status.
func (m *Manager) SubscribeStatus(handler func(Status)) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.statusSubs[id] = handler
	current := m.status
	m.mu.Unlock()
	handler(current)
	return func() {
		m.mu.Lock()
		delete(m.statusSubs, id)
		m.mu.Unlock()
	}
}

// Emit sends an event to the server, fire-and-forget. When the channel is
// not connected the payload is logged and dropped; there is no outbound
// queue.
func (m *Manager) Emit(event string, payload any) {
	m.mu.Lock()
	conn := m.conn
	connected := m.status.IsConnected
	m.mu.Unlock()
	if conn == nil || !connected {
		m.logf("emit %q dropped: not connected", event)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logf("emit %q dropped: marshal payload: %v", event, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	m.writeMu.Lock()
	err = wsjson.Write(ctx, conn, envelope{Event: event, Payload: data})
	m.writeMu.Unlock()
	if err != nil {
		m.logf("emit %q failed: %v", event, err)
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, m.url, &websocket.DialOptions{HTTPClient: m.httpClient})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(StateDisconnected)
				return
			}
			attempt++
			m.logf("dial %s failed (attempt %d): %v", m.url, attempt, err)
			if !m.wait(ctx, m.retryDelay(attempt)) {
				m.setStatus(StateDisconnected)
				return
			}
			continue
		}
		attempt = 0
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setStatus(StateConnected)

		readErr := m.readLoop(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			m.setStatus(StateDisconnected)
			return
		}
		m.logf("connection lost: %v", readErr)
		m.setStatus(StateReconnecting)
		attempt++
		if !m.wait(ctx, m.retryDelay(attempt)) {
			m.setStatus(StateDisconnected)
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env envelope) {
	if env.Event == "" {
		return
	}
	if m.validator != nil {
		if err := m.validator.Validate(env.Event, env.Payload); err != nil {
			m.logf("drop %q: invalid payload: %v", env.Event, err)
			return
		}
	}
	m.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(m.handlers[env.Event]))
	for _, handler := range m.handlers[env.Event] {
		handlers = append(handlers, handler)
	}
	m.mu.Unlock()
	for _, handler := range handlers {
		handler(env.Payload)
	}
}

func (m *Manager) setStatus(state State) {
	m.mu.Lock()
	if m.status.State == state {
		m.mu.Unlock()
		return
	}
	status := Status{State: state, IsConnected: state == StateConnected}
	m.status = status
	subs := make([]func(Status), 0, len(m.statusSubs))
	for _, sub := range m.statusSubs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub(status)
	}
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.backoffCap {
			return m.backoffCap
		}
	}
	if delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}

func (m *Manager) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
