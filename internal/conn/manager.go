// Package conn owns the single WebSocket connection to the backend: dialing,
// keep-alive pings, reconnect with exponential backoff and the terminal
// unconnectable state.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/devsync/internal/bus"
	otelPkg "github.com/basket/devsync/internal/otel"
)

var (
	// ErrUnconnectable is returned by Connect after the retry budget is spent.
	// Reconnect clears it.
	ErrUnconnectable = errors.New("connection is unconnectable")
	// ErrNotConnected is returned by Send without an open socket.
	ErrNotConnected = errors.New("not connected")
)

// State is the connection state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateUnconnectable State = "unconnectable"
)

// Status is a snapshot passed to listeners.
type Status struct {
	State   State
	Attempt int
}

const (
	defaultPingInterval   = 30 * time.Second
	defaultSettleDelay    = 250 * time.Millisecond
	defaultDialTimeout    = 15 * time.Second
	defaultPingWriteLimit = 5 * time.Second
)

// Options configures a Manager. URL, Dialer and Handler are required.
type Options struct {
	URL    string
	Dialer Dialer
	// Handler receives every inbound frame on the read goroutine, one at a
	// time, in arrival order.
	Handler      func([]byte)
	PingInterval time.Duration
	Backoff      BackoffConfig
	// SettleDelay is the pause between the forced disconnect and the new
	// dial in Reconnect.
	SettleDelay time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *otelPkg.Metrics
	Bus         *bus.Bus
}

// Manager maintains one live connection. It is safe for concurrent use.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	backoff *Backoff

	mu            sync.Mutex
	state         State
	sock          Socket
	gen           uint64
	attempts      int
	noReconnect   bool
	unconnectable bool
	retryTimer    *time.Timer
	stopPing      chan struct{}
	cancelRead    context.CancelFunc
	nextListener  int
	listeners     map[int]func(Status)
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("conn: URL is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("conn: Dialer is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("conn: Handler is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	opts.Backoff = opts.Backoff.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		logger:    logger.With("component", "conn"),
		backoff:   NewBackoff(opts.Backoff),
		state:     StateDisconnected,
		listeners: make(map[int]func(Status)),
	}, nil
}

// Connect opens the connection. It is a no-op while connected or
// connecting, and fails with ErrUnconnectable in the terminal state. A dial
// failure is returned and also schedules a retry like an unexpected close.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.unconnectable {
		m.mu.Unlock()
		return ErrUnconnectable
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.noReconnect = false
	m.stopRetryLocked()
	stale := m.detachLocked()
	m.gen++
	gen := m.gen
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	closeSocket(stale, "reconnecting")
	notify()
	return m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	sock, err := m.opts.Dialer.Dial(dctx, m.opts.URL)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect or a newer Connect won the race.
		m.mu.Unlock()
		closeSocket(sock, "superseded")
		return nil
	}
	if err != nil {
		m.logger.Warn("dial failed", "url", m.opts.URL, "error", err)
		notify := m.lostLocked()
		m.mu.Unlock()
		notify()
		return fmt.Errorf("connect %s: %w", m.opts.URL, err)
	}

	m.sock = sock
	m.attempts = 0
	m.backoff.Reset()
	readCtx, cancelRead := context.WithCancel(context.Background())
	m.cancelRead = cancelRead
	stop := make(chan struct{})
	m.stopPing = stop
	notify := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.opts.URL)
	m.opts.Metrics.SetConnected(context.Background(), true)
	go m.readLoop(readCtx, sock, gen)
	go m.pingLoop(sock, stop)
	notify()
	return nil
}

func (m *Manager) readLoop(ctx context.Context, sock Socket, gen uint64) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			m.closed(gen, err)
			return
		}
		m.opts.Handler(data)
	}
}

func (m *Manager) pingLoop(sock Socket, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultPingWriteLimit)
			err := sock.WriteJSON(ctx, pingFrame{Type: "ping"})
			cancel()
			if err != nil {
				m.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

type pingFrame struct {
	Type string `json:"type"`
}

// closed handles the end of a read loop. Closes from sockets that were
// already replaced or deliberately torn down are ignored.
func (m *Manager) closed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection lost", "error", err)
	stale := m.detachLocked()
	notify := m.lostLocked()
	m.mu.Unlock()

	closeSocket(stale, "read failed")
	m.opts.Metrics.SetConnected(context.Background(), false)
	notify()
}

// lostLocked is the single reconnect driver: it counts the attempt and either
// schedules a retry or enters the unconnectable state.
func (m *Manager) lostLocked() func() {
	if m.noReconnect {
		return m.setStateLocked(StateDisconnected)
	}
	m.attempts++
	if limit := m.opts.Backoff.MaxAttempts; limit > 0 && m.attempts > limit {
		m.unconnectable = true
		m.logger.Error("giving up on connection", "attempts", m.attempts-1)
		return m.setStateLocked(StateUnconnectable)
	}

	delay := m.backoff.Next()
	attempt := m.attempts
	gen := m.gen
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	m.opts.Metrics.Reconnect(context.Background(), attempt)
	return m.setStateLocked(StateReconnecting)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.noReconnect || m.unconnectable || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.gen++
	next := m.gen
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	notify()
	_ = m.dial(context.Background(), next)
}

// Disconnect closes the connection with a normal closure and suppresses
// automatic reconnects until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.noReconnect = true
	m.stopRetryLocked()
	m.gen++
	wasUp := m.state == StateConnected
	sock := m.detachLocked()
	notify := func() {}
	if !m.unconnectable {
		notify = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	closeSocket(sock, "client disconnect")
	if wasUp {
		m.opts.Metrics.SetConnected(context.Background(), false)
	}
	notify()
}

// Reconnect clears the unconnectable state, forces a disconnect and dials
// again after SettleDelay.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.unconnectable = false
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()

	m.Disconnect()

	t := time.NewTimer(m.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return m.Connect(ctx)
}

// Send writes v as a JSON text frame.
func (m *Manager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	if err := sock.WriteJSON(ctx, v); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// detachLocked stops the ping and read loops and returns the socket to close.
func (m *Manager) detachLocked() Socket {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	sock := m.sock
	m.sock = nil
	return sock
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func closeSocket(sock Socket, reason string) {
	if sock != nil {
		_ = sock.Close(reason)
	}
}

// setStateLocked records the new state and returns a function that notifies
// listeners; call it after releasing the lock.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	st := Status{State: s, Attempt: m.attempts}
	fns := make([]func(Status), 0, len(m.listeners))
	for id := 1; id <= m.nextListener; id++ {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	return func() {
		m.opts.Bus.Publish(bus.TopicConnectionState, bus.ConnectionStateEvent{State: string(st.State), Attempt: st.Attempt})
		for _, fn := range fns {
			fn(st)
		}
	}
}

// Subscribe registers fn for state transitions.
func (m *Manager) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Status returns the current state and attempt counter.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempt: m.attempts}
}

// IsConnected reports whether a socket is open.
func (m *Manager) IsConnected() bool { return m.Status().State == StateConnected }

// IsReconnecting reports whether a retry is pending or in progress.
func (m *Manager) IsReconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReconnecting || (m.state == StateConnecting && m.attempts > 0)
}

// IsUnconnectable reports whether the manager has given up.
func (m *Manager) IsUnconnectable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unconnectable
}
