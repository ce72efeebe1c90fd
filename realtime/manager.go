// Package realtime maintains the push channel: one managed connection with
// bounded exponential reconnect, and a registry that restores topic
// subscriptions on every fresh connection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ecostock/storefront-core/internal/config"
	serrors "github.com/ecostock/storefront-core/internal/errors"
	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/internal/signals"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/session"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("channel manager closed")
	// ErrDisconnected settles a connect attempt interrupted by Disconnect.
	ErrDisconnected = errors.New("channel disconnected")
)

// connectAttempt is the shared outcome of one handshake. Every Connect call
// made while it is in progress waits on the same attempt.
type connectAttempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{done: make(chan struct{})}
}

func (a *connectAttempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTimer replaces time.After for reconnect delays.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) { m.after = after }
}

// Manager owns the connection state. Reconnect attempts are strictly
// sequential: a new attempt is only scheduled once the previous one has
// resolved.
type Manager struct {
	cfg        config.RealtimeConfig
	dialer     Dialer
	creds      CredentialSource
	reconciler Reconciler
	log        *logger.Logger
	metrics    *metrics.Collector
	after      func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	attempt  int
	conn     Conn
	current  *connectAttempt
	terminal error
	// gen invalidates scheduled reconnects and in-flight dials whenever the
	// connection is explicitly re-triggered or torn down.
	gen uint64
	// dialing is closed when the most recent handshake goroutine returns;
	// the next handshake does not start before it is.
	dialing    chan struct{}
	cancelDial context.CancelFunc
	scheduled  bool
	stopped    bool
	closed     bool
	listeners map[int]func(State)
	nextID    int
	unwatch   []func()
}

// NewManager creates a disconnected manager.
func NewManager(cfg config.RealtimeConfig, dialer Dialer, creds CredentialSource, reconciler Reconciler, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		dialer:     dialer,
		creds:      creds,
		reconciler: reconciler,
		after:      time.After,
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.NewDefault("realtime")
	}
	if m.reconciler == nil {
		m.reconciler = NewRegistry(m.log.Named("subscriptions"))
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnects scheduled since the last
// successful connect.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Terminal returns the error that stopped automatic reconnection, either a
// fatal handshake rejection or exhausted attempts. It is nil otherwise.
func (m *Manager) Terminal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Connect establishes the connection. It is idempotent: while connecting it
// joins the attempt in progress, and when connected it returns nil at once.
// From a terminal state it starts over with a fresh attempt budget.
// Cancelling ctx stops waiting but not the handshake.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		a := m.current
		m.mu.Unlock()
		return a.wait(ctx)
	}

	m.gen++
	m.stopped = false
	if m.terminal != nil {
		m.terminal = nil
		m.attempt = 0
	}
	a, start := m.beginLocked()
	m.mu.Unlock()

	start()
	return a.wait(ctx)
}

// WaitForConnection starts a connect if needed and reports whether the
// manager reached Connected within timeout. Scheduled reconnects count; the
// timeout never cancels an attempt.
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connected := make(chan struct{}, 1)
	stop := m.OnStateChange(func(s State) {
		if s == StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer stop()

	if err := m.Connect(ctx); err == nil {
		return true
	}
	if m.Terminal() != nil {
		return false
	}

	select {
	case <-connected:
		return true
	case <-ctx.Done():
		return m.State() == StateConnected
	}
}

// Disconnect closes the connection and cancels any scheduled reconnect.
// Nothing reconnects until the next Connect.
func (m *Manager) Disconnect() {
	m.disconnect(true)
}

// Close disconnects and detaches every watcher. The manager cannot be
// reused.
func (m *Manager) Close() {
	m.disconnect(true)

	m.mu.Lock()
	m.closed = true
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()

	for _, fn := range unwatch {
		fn()
	}
	m.cancel()
}

// Watch reconnects when src reports the application became visible again,
// unless the manager was disconnected on purpose or the handshake was
// rejected.
func (m *Manager) Watch(src signals.Source) (cancel func()) {
	cancel = src.Subscribe(func(s signals.Signal) {
		if s.Kind != signals.KindVisibility || !s.Visible {
			return
		}
		m.mu.Lock()
		resume := !m.closed && !m.stopped && m.state == StateDisconnected && !isFatal(m.terminal)
		m.mu.Unlock()
		if !resume {
			return
		}
		m.log.Debug("visible again, reconnecting")
		go func() { _ = m.Connect(m.ctx) }()
	})
	m.track(cancel)
	return cancel
}

// FollowSession ties the connection to store: a cleared session disconnects,
// and a new credential reconnects a manager that is not connected. A
// credential change during a scheduled backoff leaves the schedule alone.
func (m *Manager) FollowSession(store *session.Store) (cancel func()) {
	cancel = store.OnChange(func(c session.Change) {
		if c.Status != session.StatusAuthenticated {
			m.log.WithField("reason", c.Reason).Info("session ended, closing channel")
			m.disconnect(false)
			return
		}

		m.mu.Lock()
		resume := !m.closed && m.state == StateDisconnected && !m.scheduled && (!m.stopped || isFatal(m.terminal))
		m.mu.Unlock()
		if !resume {
			return
		}
		m.log.WithField("reason", c.Reason).Info("new credential, reconnecting")
		go func() { _ = m.Connect(m.ctx) }()
	})
	m.track(cancel)
	return cancel
}

func (m *Manager) track(cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwatch = append(m.unwatch, cancel)
}

func (m *Manager) disconnect(stop bool) {
	m.mu.Lock()
	m.gen++
	m.scheduled = false
	if stop {
		m.stopped = true
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	var pending *connectAttempt
	if m.state == StateConnecting {
		pending = m.current
	}
	notify := m.setStateLocked(StateDisconnected)
	m.reconciler.Discard()
	m.mu.Unlock()

	if pending != nil {
		pending.settle(ErrDisconnected)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.WithError(err).Debug("close channel connection")
		}
	}
	notify()
}

// beginLocked enters Connecting. The returned start func notifies listeners
// and launches the handshake; call it after releasing the lock. The
// handshake waits for the previous one to return, so at most one dial is
// ever in flight.
func (m *Manager) beginLocked() (*connectAttempt, func()) {
	a := newConnectAttempt()
	m.current = a
	m.scheduled = false
	notify := m.setStateLocked(StateConnecting)
	gen := m.gen

	prev := m.dialing
	done := make(chan struct{})
	m.dialing = done
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel

	return a, func() {
		notify()
		go func() {
			defer close(done)
			defer cancel()
			if prev != nil {
				<-prev
			}
			m.dial(ctx, a, gen)
		}()
	}
}

func (m *Manager) dial(ctx context.Context, a *connectAttempt, gen uint64) {
	m.mu.Lock()
	stale := m.closed || gen != m.gen
	m.mu.Unlock()
	if stale {
		a.settle(ErrDisconnected)
		return
	}

	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	credential := ""
	if m.creds != nil {
		credential = m.creds.Credential()
	}
	conn, err := m.dialer.Dial(ctx, credential)

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		a.settle(ErrDisconnected)
		return
	}

	if err != nil {
		m.conn = nil
		notify := m.setStateLocked(StateDisconnected)
		if isFatal(err) {
			m.metrics.RecordHandshakeFailure("fatal")
		} else {
			m.metrics.RecordHandshakeFailure("transient")
		}
		m.connectionLostLocked(err)
		m.mu.Unlock()

		notify()
		a.settle(err)
		return
	}

	m.conn = conn
	m.attempt = 0
	notify := m.setStateLocked(StateConnected)
	// Reconcile inside the critical section so a concurrent loss or
	// disconnect cannot interleave its Discard with this restore.
	if err := m.reconciler.Reconcile(conn); err != nil {
		m.log.WithError(err).Warn("some subscriptions could not be restored")
	}
	m.mu.Unlock()

	m.log.Info("channel connected")
	notify()
	a.settle(nil)
	go m.monitor(conn)
}

func (m *Manager) monitor(conn Conn) {
	<-conn.Done()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	cause := conn.Err()
	if cause == nil {
		cause = serrors.ConnectionTransient("connection closed", nil)
	}
	notify := m.setStateLocked(StateDisconnected)
	m.reconciler.Discard()
	m.log.WithError(cause).Warn("channel connection lost")
	m.connectionLostLocked(cause)
	m.mu.Unlock()

	notify()
}

// connectionLostLocked decides what follows a failed handshake or a lost
// connection: nothing for a fatal rejection, otherwise a scheduled
// reconnect until the attempt budget is spent.
func (m *Manager) connectionLostLocked(cause error) {
	if isFatal(cause) {
		m.terminal = cause
		m.log.WithError(cause).Error("handshake rejected, not reconnecting until the session is renewed")
		return
	}
	if m.attempt >= m.cfg.ReconnectMaxAttempts {
		m.terminal = &serrors.ServiceError{
			Kind:    serrors.KindConnectionTransient,
			Code:    serrors.CodeReconnectExhausted,
			Message: fmt.Sprintf("gave up after %d reconnect attempts", m.attempt),
			Err:     cause,
		}
		m.log.WithError(cause).Error("reconnect attempts exhausted")
		return
	}

	delay := DelayFor(m.attempt, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)
	m.attempt++
	m.scheduled = true
	m.metrics.RecordReconnectScheduled()
	m.log.WithError(cause).
		WithField("attempt", m.attempt).
		WithField("delay", delay.String()).
		Info("reconnect scheduled")

	go m.reconnectAfter(delay, m.gen)
}

func (m *Manager) reconnectAfter(delay time.Duration, gen uint64) {
	select {
	case <-m.after(delay):
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	_, start := m.beginLocked()
	m.mu.Unlock()
	start()
}

func (m *Manager) setStateLocked(s State) (notify func()) {
	if m.state == s {
		return func() {}
	}
	m.state = s
	m.metrics.SetConnectionState(int(s))

	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(s)
		}
	}
}

func isFatal(err error) bool {
	return err != nil && serrors.IsKind(err, serrors.KindConnectionFatal)
}
