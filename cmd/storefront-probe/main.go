// Package main is an operator probe: it signs in to a storefront backend,
// follows stock updates on the push channel, and serves its own state on an
// admin port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ecostock/storefront-core/gateway"
	"github.com/ecostock/storefront-core/internal/config"
	"github.com/ecostock/storefront-core/internal/metrics"
	"github.com/ecostock/storefront-core/internal/signals"
	"github.com/ecostock/storefront-core/pkg/logger"
	"github.com/ecostock/storefront-core/realtime"
	"github.com/ecostock/storefront-core/session"
)

type options struct {
	configPath string
	envFile    string
	email      string
	password   string
	stocks     string
	admin      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to YAML config (default: "+config.DefaultPath+" when present)")
	flag.StringVar(&opts.envFile, "env", "", "Optional .env file loaded before environment overrides")
	flag.StringVar(&opts.email, "email", os.Getenv("STOREFRONT_EMAIL"), "Login email")
	flag.StringVar(&opts.password, "password", os.Getenv("STOREFRONT_PASSWORD"), "Login password")
	flag.StringVar(&opts.stocks, "stocks", "", "Comma-separated stock ids to follow")
	flag.StringVar(&opts.admin, "admin", "", "Admin listen address (overrides metrics.listen_addr)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("storefront-probe: %v", err)
	}
}

// loginNavigator logs where a UI would route to the login screen.
type loginNavigator struct {
	log *logger.Logger
}

func (n loginNavigator) RequireLogin(reason session.Reason) {
	n.log.WithField("reason", reason).Warn("re-authentication required")
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadWithEnvFile(opts.configPath, opts.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.admin != "" {
		cfg.Metrics.ListenAddr = opts.admin
	}

	plog := logger.New("probe", logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	collector := metrics.NewCollector(cfg.Metrics.Namespace)
	store := session.NewStore(plog.Named("session"))

	if cfg.Signals.RedisAddr != "" {
		client := signals.NewRedisClient(cfg.Signals.RedisAddr, cfg.Signals.RedisPassword, cfg.Signals.RedisDB)
		defer client.Close()

		relay := signals.NewRedisSource(client, cfg.Signals.Channel, plog.Named("signals"))
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("start signal relay: %w", err)
		}
		store.WatchSignals(relay)
		store.OnChange(shareCredential(ctx, relay, plog))
	}

	gw, err := gateway.New(cfg.Gateway, store,
		gateway.WithLogger(plog.Named("gateway")),
		gateway.WithMetrics(collector),
		gateway.WithNavigator(loginNavigator{log: plog}),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if opts.email != "" {
		if _, err := gw.Login(ctx, map[string]string{"email": opts.email, "password": opts.password}); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	registry := realtime.NewRegistry(plog.Named("subscriptions"), realtime.WithRegistryMetrics(collector))
	mgr := realtime.NewManager(cfg.Realtime,
		realtime.NewStompDialer(cfg.Realtime, plog.Named("stomp")),
		store, registry,
		realtime.WithLogger(plog.Named("realtime")),
		realtime.WithMetrics(collector),
	)
	defer mgr.Close()
	mgr.FollowSession(store)

	for _, id := range splitCSV(opts.stocks) {
		if err := registry.Subscribe(realtime.StockTopic(id), logUpdate(plog)); err != nil {
			return fmt.Errorf("subscribe stock %s: %w", id, err)
		}
	}

	if !mgr.WaitForConnection(ctx, cfg.Realtime.HandshakeTimeout) {
		plog.WithField("state", mgr.State().String()).Warn("channel not connected yet, retrying in background")
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           newAdminRouter(plog.Named("admin"), collector, mgr, registry, store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			plog.WithError(err).Error("admin server stopped")
		}
	}()
	plog.WithField("addr", cfg.Metrics.ListenAddr).Info("probe running")

	<-ctx.Done()
	plog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// shareCredential publishes local credential changes so other instances
// follow them. Changes adopted from other instances are not re-published.
func shareCredential(ctx context.Context, relay *signals.RedisSource, plog *logger.Logger) func(session.Change) {
	return func(c session.Change) {
		if c.Reason == session.ReasonExternal {
			return
		}
		err := relay.Publish(ctx, signals.Signal{
			Kind:  signals.KindStorageChange,
			Key:   signals.CredentialKey,
			Value: c.Credential,
		})
		if err != nil {
			plog.WithError(err).Warn("share credential change")
		}
	}
}

func logUpdate(plog *logger.Logger) realtime.Callback {
	return func(m realtime.Message) {
		plog.WithField("topic", m.Topic).
			WithField("price", m.Get("price").String()).
			Info("stock update")
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
