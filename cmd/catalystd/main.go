// Command catalystd boots the Catalyst forward-auth gateway: it loads
// configuration, wires a store/cache/IdP/policy backend, starts the
// forward-auth HTTP surface, and runs the webhook delivery worker
// alongside it until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ccollier86/catalyst-auth/internal/config"
	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/cache"
	"github.com/ccollier86/catalyst-auth/pkg/cache/memcache"
	"github.com/ccollier86/catalyst-auth/pkg/cache/rediscache"
	"github.com/ccollier86/catalyst-auth/pkg/catalyst"
	"github.com/ccollier86/catalyst-auth/pkg/forwardauth/httpapi"
	"github.com/ccollier86/catalyst-auth/pkg/idp"
	"github.com/ccollier86/catalyst-auth/pkg/policy/cedarengine"
	"github.com/ccollier86/catalyst-auth/pkg/store"
	"github.com/ccollier86/catalyst-auth/pkg/store/memstore"
	"github.com/ccollier86/catalyst-auth/pkg/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional; env vars always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalystd: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("catalystd: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(ctx context.Context, cfg config.Config) error {
	stores, closeStore, err := buildStores(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}
	defer closeStore()

	decisionCache, err := buildCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("building cache: %w", err)
	}

	idpAdapter, err := buildIdP(cfg.IdP)
	if err != nil {
		return fmt.Errorf("building idp adapter: %w", err)
	}

	engine, err := buildPolicyEngine(cfg.Policy)
	if err != nil {
		return fmt.Errorf("building policy engine: %w", err)
	}

	cat := catalyst.New(catalyst.Dependencies{
		Stores: stores,
		Cache:  decisionCache,
		IdP:    idpAdapter,
		Policy: engine,
	})
	cat.Service.Config.CachePrefix = cfg.ForwardAuth.CachePrefix
	cat.Service.Config.DecisionTTLSeconds = cfg.ForwardAuth.DecisionTTLSecs

	cat.Worker.Config.BatchSize = cfg.Webhook.BatchSize
	cat.Worker.Config.PollInterval = config.ParseDurationOr(cfg.Webhook.PollInterval, cat.Worker.Config.PollInterval)
	cat.Worker.Config.StaleAfter = config.ParseDurationOr(cfg.Webhook.StaleAfter, cat.Worker.Config.StaleAfter)
	cat.Worker.Config.RequestTimeout = config.ParseDurationOr(cfg.Webhook.RequestTimeout, cat.Worker.Config.RequestTimeout)

	handler := &httpapi.Handler{
		Service: cat.Service,
		Probes:  buildHealthProbes(decisionCache),
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("catalystd: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go cat.RunWebhookWorker(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildStores(ctx context.Context, cfg config.StoreConfig) (*store.Stores, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		s := memstore.New(time.Now)
		return s.Stores(), func() {}, nil
	case "sqlite":
		s, err := sqlstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s.Stores(), func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return memcache.New(time.Now), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return rediscache.New(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func buildIdP(cfg config.IdPConfig) (idp.Port, error) {
	return idp.NewAdapter(idp.Config{
		IssuerURL:            cfg.IssuerURL,
		AdminToken:           cfg.AdminToken,
		IntrospectionTimeout: config.ParseDurationOr(cfg.IntrospectionTimeout, 2*time.Second),
	}), nil
}

func buildPolicyEngine(cfg config.PolicyConfig) (*cedarengine.Engine, error) {
	src, err := os.ReadFile(cfg.CedarPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("reading cedar policy file %q: %w", cfg.CedarPolicyPath, err)
	}
	return cedarengine.New(src, []byte(cfg.MintSecret))
}

func buildHealthProbes(c cache.Cache) []httpapi.HealthProbe {
	if c == nil {
		return nil
	}
	return []httpapi.HealthProbe{
		{Name: c.Name(), Check: c.Healthy},
	}
}
