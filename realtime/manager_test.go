package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecostock/storefront-core/internal/config"
	serrors "github.com/ecostock/storefront-core/internal/errors"
	"github.com/ecostock/storefront-core/internal/signals"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/session"
)

var errRefused = serrors.ConnectionTransient("websocket dial", errors.New("connection refused"))

func testConfig() config.RealtimeConfig {
	cfg := config.Default().Realtime
	cfg.HandshakeTimeout = time.Second
	return cfg
}

type managerHarness struct {
	mgr      *Manager
	dialer   *fakeDialer
	registry *Registry
	timer    *recordingTimer
}

func newManagerHarness(t *testing.T, cfg config.RealtimeConfig, dialer *fakeDialer) *managerHarness {
	t.Helper()
	h := &managerHarness{
		dialer:   dialer,
		registry: NewRegistry(logger.NewDiscard("subscriptions")),
		timer:    &recordingTimer{},
	}
	h.mgr = NewManager(cfg, dialer, staticCredential("tok"), h.registry,
		WithLogger(logger.NewDiscard("realtime")),
		WithTimer(h.timer.after),
	)
	t.Cleanup(h.mgr.Close)
	return h
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestManager_ConnectReconcilesAndResetsAttempt(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{})
	require.NoError(t, h.registry.Subscribe("/topic/stock1/update", func(Message) {}))

	require.NoError(t, h.mgr.Connect(context.Background()))
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.Zero(t, h.mgr.Attempt())
	assert.True(t, h.registry.IsLive("/topic/stock1/update"))
	assert.Equal(t, []string{"tok"}, h.dialer.credentials())
}

func TestManager_BackoffThenGiveUp(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Second
	cfg.ReconnectMaxDelay = 30 * time.Second
	cfg.ReconnectMaxAttempts = 5

	script := make([]error, 10)
	for i := range script {
		script[i] = errRefused
	}
	h := newManagerHarness(t, cfg, &fakeDialer{script: script})

	err := h.mgr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindConnectionTransient))

	require.Eventually(t, func() bool { return h.mgr.Terminal() != nil }, 5*time.Second, time.Millisecond)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, h.timer.recorded())
	assert.Equal(t, 6, h.dialer.dials())
	assert.Equal(t, serrors.CodeReconnectExhausted, serrors.CodeOf(h.mgr.Terminal()))
	assert.Equal(t, StateDisconnected, h.mgr.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 6, h.dialer.dials())
}

func TestManager_ReconnectRestoresOnlyDesiredTopics(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{})
	require.NoError(t, h.registry.Subscribe("/topic/stock1/update", func(Message) {}))
	require.NoError(t, h.registry.Subscribe("/topic/stock2/update", func(Message) {}))

	require.NoError(t, h.mgr.Connect(context.Background()))
	first := h.dialer.conn(0)
	assert.Equal(t, []string{"/topic/stock1/update", "/topic/stock2/update"}, first.topics())

	h.registry.Unsubscribe("/topic/stock2/update")
	first.kill(serrors.ConnectionTransient("connection closed", nil))

	require.Eventually(t, func() bool {
		return h.dialer.conn(1) != nil && h.mgr.State() == StateConnected
	}, 5*time.Second, time.Millisecond)

	second := h.dialer.conn(1)
	assert.Equal(t, []string{"/topic/stock1/update"}, second.topics())
	assert.Equal(t, []string{"/topic/stock1/update"}, h.registry.LiveTopics())
	assert.Zero(t, h.mgr.Attempt())
	assert.Equal(t, []time.Duration{time.Second}, h.timer.recorded())
}

func TestManager_SubscribeWhileDisconnectedBecomesLive(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{})

	got := make(chan Message, 1)
	require.NoError(t, h.registry.Subscribe(StockTopic("1"), func(m Message) { got <- m }))
	assert.False(t, h.registry.IsLive(StockTopic("1")))

	require.NoError(t, h.mgr.Connect(context.Background()))
	assert.True(t, h.registry.IsLive(StockTopic("1")))

	require.True(t, h.dialer.conn(0).publish(StockTopic("1"), `{"price":1200}`))
	msg := <-got
	assert.Equal(t, int64(1200), msg.Get("price").Int())
}

func TestManager_FatalHandshakeDoesNotReconnect(t *testing.T) {
	fatal := serrors.ConnectionFatal("handshake rejected with status 401", nil)
	h := newManagerHarness(t, testConfig(), &fakeDialer{script: []error{fatal}})

	err := h.mgr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, serrors.IsKind(err, serrors.KindConnectionFatal))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, h.mgr.State())
	assert.Equal(t, 1, h.dialer.dials())
	assert.Empty(t, h.timer.recorded())
	assert.True(t, serrors.IsKind(h.mgr.Terminal(), serrors.KindConnectionFatal))

	require.NoError(t, h.mgr.Connect(context.Background()))
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.Nil(t, h.mgr.Terminal())
}

func TestManager_FatalCloseDoesNotReconnect(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{})
	require.NoError(t, h.mgr.Connect(context.Background()))

	h.dialer.conn(0).kill(serrors.ConnectionFatal("stomp error: ACCESS_TOKEN_EXPIRED", nil))
	require.Eventually(t, func() bool { return h.mgr.State() == StateDisconnected }, 5*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Empty(t, h.registry.LiveTopics())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	h := newManagerHarness(t, testConfig(), &fakeDialer{gate: gate})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.mgr.Connect(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return h.dialer.dials() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, h.mgr.State())

	close(gate)
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	require.NoError(t, h.mgr.Connect(context.Background()))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestManager_WaitForConnection(t *testing.T) {
	gate := make(chan struct{})
	h := newManagerHarness(t, testConfig(), &fakeDialer{gate: gate})

	assert.False(t, h.mgr.WaitForConnection(context.Background(), 20*time.Millisecond))
	assert.Equal(t, StateConnecting, h.mgr.State())

	close(gate)
	assert.True(t, h.mgr.WaitForConnection(context.Background(), time.Second))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestManager_WaitForConnectionAcrossReconnect(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{script: []error{errRefused}})

	assert.True(t, h.mgr.WaitForConnection(context.Background(), 5*time.Second))
	assert.Equal(t, 2, h.dialer.dials())
}

func TestManager_DisconnectCancelsScheduledReconnect(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{script: []error{errRefused}})
	h.timer.hold = true
	h.timer.fire = make(chan time.Time, 1)

	require.Error(t, h.mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(h.timer.recorded()) == 1 }, time.Second, time.Millisecond)

	h.mgr.Disconnect()
	h.timer.fire <- time.Now()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, StateDisconnected, h.mgr.State())
}

func TestManager_ReconnectWaitsForAbandonedHandshake(t *testing.T) {
	gate := make(chan struct{})
	h := newManagerHarness(t, testConfig(), &fakeDialer{gate: gate})

	first := make(chan error, 1)
	go func() { first <- h.mgr.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.dialer.dials() == 1 }, time.Second, time.Millisecond)

	h.mgr.Disconnect()
	assert.ErrorIs(t, <-first, ErrDisconnected)

	second := make(chan error, 1)
	go func() { second <- h.mgr.Connect(context.Background()) }()
	assert.Never(t, func() bool { return h.dialer.dials() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, h.mgr.State())

	close(gate)
	require.NoError(t, <-second)
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, 1, h.dialer.peakConcurrent())

	// The abandoned handshake's connection was closed, not adopted.
	require.NotNil(t, h.dialer.conn(0))
	select {
	case <-h.dialer.conn(0).Done():
	case <-time.After(time.Second):
		t.Fatal("abandoned connection left open")
	}
}

func TestManager_DisconnectAndClose(t *testing.T) {
	h := newManagerHarness(t, testConfig(), &fakeDialer{})

	var states []State
	var mu sync.Mutex
	h.mgr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, h.mgr.Connect(context.Background()))
	h.mgr.Disconnect()

	conn := h.dialer.conn(0)
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection not closed")
	}
	assert.Empty(t, h.registry.LiveTopics())

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
	mu.Unlock()

	h.mgr.Close()
	assert.ErrorIs(t, h.mgr.Connect(context.Background()), ErrClosed)
}

func TestManager_WatchVisibility(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 0
	h := newManagerHarness(t, cfg, &fakeDialer{script: []error{errRefused}})
	src := signals.NewBroadcaster()
	h.mgr.Watch(src)

	require.Error(t, h.mgr.Connect(context.Background()))
	require.NotNil(t, h.mgr.Terminal())

	src.Emit(signals.Signal{Kind: signals.KindVisibility, Visible: false})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())

	src.Emit(signals.Signal{Kind: signals.KindVisibility, Visible: true})
	require.Eventually(t, func() bool { return h.mgr.State() == StateConnected }, 5*time.Second, time.Millisecond)

	h.mgr.Disconnect()
	src.Emit(signals.Signal{Kind: signals.KindVisibility, Visible: true})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateDisconnected, h.mgr.State())
	assert.Equal(t, 2, h.dialer.dials())
}

func TestManager_FollowSession(t *testing.T) {
	store := session.NewStore(logger.NewDiscard("session"))
	store.SetCredential("expired", session.ReasonLogin)

	fatal := serrors.ConnectionFatal("handshake rejected with status 401", nil)
	dialer := &fakeDialer{script: []error{fatal}}
	registry := NewRegistry(logger.NewDiscard("subscriptions"))
	mgr := NewManager(testConfig(), dialer, store, registry, WithLogger(logger.NewDiscard("realtime")))
	defer mgr.Close()
	mgr.FollowSession(store)

	require.Error(t, mgr.Connect(context.Background()))

	store.SetCredential("fresh", session.ReasonRefresh)
	require.Eventually(t, func() bool { return mgr.State() == StateConnected }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"expired", "fresh"}, dialer.credentials())

	store.Clear(session.ReasonLogout)
	require.Eventually(t, func() bool { return mgr.State() == StateDisconnected }, 5*time.Second, time.Millisecond)
	assert.Nil(t, mgr.Terminal())
}

func TestManager_FollowSessionKeepsScheduledBackoff(t *testing.T) {
	store := session.NewStore(logger.NewDiscard("session"))
	store.SetCredential("first", session.ReasonLogin)

	dialer := &fakeDialer{script: []error{errRefused}}
	timer := &recordingTimer{hold: true, fire: make(chan time.Time, 1)}
	mgr := NewManager(testConfig(), dialer, store, NewRegistry(logger.NewDiscard("subscriptions")),
		WithLogger(logger.NewDiscard("realtime")),
		WithTimer(timer.after),
	)
	defer mgr.Close()
	mgr.FollowSession(store)

	require.Error(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(timer.recorded()) == 1 }, time.Second, time.Millisecond)

	store.SetCredential("second", session.ReasonRefresh)
	assert.Never(t, func() bool { return dialer.dials() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, mgr.Attempt())

	timer.fire <- time.Now()
	require.Eventually(t, func() bool { return mgr.State() == StateConnected }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, dialer.credentials())
}
