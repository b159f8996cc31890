package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/nulpointcorp/edge-gateway/internal/archive"
	"github.com/nulpointcorp/edge-gateway/internal/authority"
	"github.com/nulpointcorp/edge-gateway/internal/keystore"
	"github.com/nulpointcorp/edge-gateway/internal/kv"
	"github.com/nulpointcorp/edge-gateway/internal/metrics"
	"github.com/nulpointcorp/edge-gateway/internal/proxy"
	"github.com/nulpointcorp/edge-gateway/internal/settlement"
	"github.com/nulpointcorp/edge-gateway/internal/usage"
)

// initInfra establishes the external connections. Redis carries both the
// edge KV and the usage queue, so it is mandatory; ClickHouse is optional.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	if a.cfg.ClickHouseURL != "" {
		sink, err := archive.Open(ctx, a.cfg.ClickHouseURL, a.log)
		if err != nil {
			// The archive is analytics-only; a dead ClickHouse must not keep
			// the edge from serving.
			a.log.Warn("clickhouse unavailable, archive disabled",
				slog.String("error", err.Error()),
			)
		} else {
			a.sink = sink
			a.log.Info("clickhouse archive enabled")
		}
	}

	return nil
}

// initProviders builds the upstream adapter map. At least one provider must
// be configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no providers configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the metrics registry, the key store, and the usage
// accounting chain (queue → dispatcher → settlement consumer).
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.kvStore = kv.NewRedisStoreFromClient(a.rdb)

	a.auth = authority.New(a.cfg.Backend.URL, a.cfg.Backend.InternalSecret)
	if !a.auth.Configured() {
		a.log.Warn("authority not configured; all API keys will be rejected and settlement will nack")
	}

	a.keys = keystore.New(a.kvStore, a.auth, a.log, a.prom)

	a.queue = usage.NewQueue(a.rdb)
	if err := a.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("usage queue: %w", err)
	}

	dispatcher, err := usage.NewDispatcher(a.baseCtx, a.queue, a.log)
	if err != nil {
		return fmt.Errorf("usage dispatcher: %w", err)
	}
	a.dispatcher = dispatcher

	var sink settlement.Archiver
	if a.sink != nil {
		sink = a.sink
	}
	a.consumer = settlement.New(a.queue, a.auth, a.log, settlement.Options{
		BatchSize:     a.cfg.Settlement.BatchSize,
		FlushInterval: a.cfg.Settlement.FlushInterval,
		MaxDeliveries: int64(a.cfg.Settlement.MaxDeliveries),
		Archive:       sink,
		Observer:      a.prom,
	})

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	allowLists, err := buildAllowLists(a.cfg)
	if err != nil {
		return fmt.Errorf("allow lists: %w", err)
	}

	gw := proxy.NewGateway(a.baseCtx, a.provs, a.keys, a.kvStore, a.dispatcher, proxy.GatewayOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		AllowLists:     allowLists,
		CacheReady:     redisPinger(a.baseCtx, a.rdb),
		InternalSecret: a.cfg.Backend.InternalSecret,
	})
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetVersion(a.version)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL hides credentials embedded in a connection URL before logging:
// "redis://:secret@localhost:6379" becomes "redis://%2A%2A%2A@localhost:6379"
// (the "***" placeholder is percent-encoded by url.URL.String).
// URLs that don't parse or carry no userinfo are returned as-is.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
