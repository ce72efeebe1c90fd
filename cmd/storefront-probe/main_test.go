package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecostock/storefront-core/internal/config"
	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/pkg/testutil"
	"github.com/ecostock/storefront-core/realtime"
	"github.com/ecostock/storefront-core/session"
)

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "30"}, splitCSV(" 1, 2,,30 "))
	assert.Nil(t, splitCSV(""))
}

func TestAdminRouter(t *testing.T) {
	broker := testutil.NewStompBroker()
	defer broker.Close()

	cfg := config.Default().Realtime
	cfg.URL = broker.WSURL()

	collector := metrics.NewCollector("probe_test")
	store := session.NewStore(logger.NewDiscard("session"))
	registry := realtime.NewRegistry(logger.NewDiscard("subscriptions"), realtime.WithRegistryMetrics(collector))
	mgr := realtime.NewManager(cfg, realtime.NewStompDialer(cfg, logger.NewDiscard("stomp")), store, registry,
		realtime.WithLogger(logger.NewDiscard("realtime")),
		realtime.WithMetrics(collector),
	)
	defer mgr.Close()

	require.NoError(t, registry.Subscribe(realtime.StockTopic("1"), func(realtime.Message) {}))
	require.NoError(t, registry.Subscribe(realtime.StockTopic("2"), func(realtime.Message) {}))
	require.NoError(t, mgr.Connect(context.Background()))
	registry.Unsubscribe(realtime.StockTopic("2"))

	srv := httptest.NewServer(newAdminRouter(logger.NewDiscard("admin"), collector, mgr, registry, store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "connected", health.Channel)
	assert.Equal(t, "anonymous", health.Session)
	assert.Equal(t, 1, health.LiveTopics)

	resp, err = http.Get(srv.URL + "/topics")
	require.NoError(t, err)
	var topics topicsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&topics))
	resp.Body.Close()
	assert.Equal(t, []string{realtime.StockTopic("1")}, topics.Desired)
	assert.Equal(t, []string{realtime.StockTopic("1")}, topics.Live)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRouter_DegradedAfterFatalHandshake(t *testing.T) {
	broker := testutil.NewStompBroker()
	defer broker.Close()
	broker.RejectHandshake(http.StatusUnauthorized)

	cfg := config.Default().Realtime
	cfg.URL = broker.WSURL()

	store := session.NewStore(logger.NewDiscard("session"))
	registry := realtime.NewRegistry(logger.NewDiscard("subscriptions"))
	mgr := realtime.NewManager(cfg, realtime.NewStompDialer(cfg, logger.NewDiscard("stomp")), store, registry,
		realtime.WithLogger(logger.NewDiscard("realtime")))
	defer mgr.Close()
	require.Error(t, mgr.Connect(context.Background()))

	rec := httptest.NewRecorder()
	newAdminRouter(logger.NewDiscard("admin"), metrics.NewCollector(""), mgr, registry, store).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.NotEmpty(t, health.Terminal)
}

func TestRun(t *testing.T) {
	auth := testutil.NewAuthServer()
	defer auth.Close()
	broker := testutil.NewStompBroker()
	defer broker.Close()

	path := filepath.Join(t.TempDir(), "storefront.yaml")
	yaml := fmt.Sprintf(`gateway:
  base_url: %s
realtime:
  url: %s
  handshake_timeout: 2s
metrics:
  listen_addr: 127.0.0.1:0
log:
  level: error
`, auth.URL, broker.WSURL())
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{
			configPath: path,
			email:      testutil.TestEmail,
			password:   testutil.TestPassword,
			stocks:     "1,2",
		})
	}()

	require.Eventually(t, func() bool {
		return broker.Subscribers(realtime.StockTopic("1")) == 1 &&
			broker.Subscribers(realtime.StockTopic("2")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	bearers := broker.Bearers()
	require.NotEmpty(t, bearers)
	assert.NotEmpty(t, bearers[0])
	assert.Len(t, auth.CallsTo(testutil.LoginPath), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRun_LoginFailure(t *testing.T) {
	auth := testutil.NewAuthServer()
	defer auth.Close()

	path := filepath.Join(t.TempDir(), "storefront.yaml")
	yaml := fmt.Sprintf("gateway:\n  base_url: %s\nlog:\n  level: error\n", auth.URL)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	err := run(context.Background(), options{configPath: path, email: testutil.TestEmail, password: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
}
