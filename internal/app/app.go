// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, optional ClickHouse)
//  2. initProviders — upstream adapters
//  3. initServices — key store, usage queue, dispatcher, settlement, metrics
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/edge-gateway/internal/archive"
	"github.com/nulpointcorp/edge-gateway/internal/authority"
	"github.com/nulpointcorp/edge-gateway/internal/config"
	"github.com/nulpointcorp/edge-gateway/internal/keystore"
	"github.com/nulpointcorp/edge-gateway/internal/kv"
	"github.com/nulpointcorp/edge-gateway/internal/metrics"
	"github.com/nulpointcorp/edge-gateway/internal/providers"
	"github.com/nulpointcorp/edge-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/edge-gateway/internal/providers/testprovider"
	"github.com/nulpointcorp/edge-gateway/internal/proxy"
	"github.com/nulpointcorp/edge-gateway/internal/settlement"
	"github.com/nulpointcorp/edge-gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb     *redis.Client
	kvStore *kv.RedisStore
	sink    *archive.Sink

	auth       *authority.Client
	keys       *keystore.Store
	queue      *usage.Queue
	dispatcher *usage.Dispatcher
	consumer   *settlement.Consumer

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the settlement consumer and blocks until
// ctx is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.provs)),
		slog.Bool("settlement", a.auth.Configured()),
		slog.Bool("archive", a.sink != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		return a.consumer.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; calls are not synchronized with each other.
func (a *App) Close() {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.log.Error("dispatcher close error", slog.String("error", err.Error()))
		}
		a.dispatcher = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("archive close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function for GET /readiness.
// Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates the provider map from non-empty API keys.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.DeepSeek.APIKey != "" {
		// DeepSeek rejects typed content parts on tool results.
		provs["deepseek"] = openaicompat.New(
			"deepseek", cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL,
			openaicompat.WithToolContentMerging(),
		)
	}
	if cfg.Moonshot.APIKey != "" {
		provs["moonshot"] = openaicompat.New("moonshot", cfg.Moonshot.APIKey, cfg.Moonshot.BaseURL)
	}
	if cfg.Zai.APIKey != "" {
		provs["zai"] = openaicompat.New("zai", cfg.Zai.APIKey, cfg.Zai.BaseURL)
	}

	if cfg.TestProvider.Enabled {
		var opts []testprovider.Option
		if cfg.TestProvider.Response != "" {
			opts = append(opts, testprovider.WithFixedResponse(cfg.TestProvider.Response))
		}
		if cfg.TestProvider.Chunks > 0 {
			opts = append(opts, testprovider.WithStreamChunks(cfg.TestProvider.Chunks))
		}
		if cfg.TestProvider.ChunkDelay > 0 {
			opts = append(opts, testprovider.WithStreamChunkDelay(cfg.TestProvider.ChunkDelay))
		}
		provs["test"] = testprovider.New(opts...)
	}

	return provs
}

// buildAllowLists compiles the per-provider model allow-lists.
func buildAllowLists(cfg *config.Config) (map[string]*proxy.AllowList, error) {
	lists := make(map[string]*proxy.AllowList)

	for name, pc := range map[string]config.ProviderConfig{
		"deepseek": cfg.DeepSeek,
		"moonshot": cfg.Moonshot,
		"zai":      cfg.Zai,
	} {
		if len(pc.AllowedModels) == 0 && len(pc.AllowedModelPatterns) == 0 {
			continue
		}
		al, err := proxy.NewAllowList(pc.AllowedModels, pc.AllowedModelPatterns)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		lists[name] = al
	}

	return lists, nil
}
