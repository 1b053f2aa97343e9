package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/job"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/secrets"
	"github.com/anbu0809/strata-migrate/internal/server"
	"github.com/anbu0809/strata-migrate/internal/telemetry"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

// runtime is everything a job command needs: the state store, the
// controller and, for long-running commands, the ops server.
type runtime struct {
	cfg     *config.Config
	metrics *metrics.Store
	store   *job.Store
	ctrl    *job.Controller

	stopServer context.CancelFunc
	serverDone chan struct{}
}

func openRuntime(ctx context.Context, cfg *config.Config, serve bool) (*runtime, error) {
	log := logger.Log
	if err := telemetry.Init(cfg.SentryDSN, "cli", getVersion()); err != nil {
		log.Warn("Sentry reporting disabled", zap.Error(err))
	}

	resolver, err := newResolver(cfg, log)
	if err != nil {
		return nil, err
	}
	overrides, err := config.LoadTypeOverrides(cfg.TypeOverridesFile)
	if err != nil {
		return nil, err
	}
	m := metrics.NewStore()
	store, err := job.OpenStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	opts := job.Options{Config: cfg, Resolver: resolver, Store: store, Overrides: overrides, Metrics: m, Logger: log}
	client, err := newTranslator(ctx, cfg, resolver, m)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	if client != nil {
		opts.Service = client
	}

	rt := &runtime{cfg: cfg, metrics: m, store: store, ctrl: job.New(opts)}
	if serve && cfg.MetricsPort > 0 {
		sctx, cancel := context.WithCancel(context.Background())
		rt.stopServer, rt.serverDone = cancel, make(chan struct{})
		router := server.NewRouter(cfg, m, rt.ctrl, map[string]server.Check{"state": store.Ping}, log)
		go func() {
			defer close(rt.serverDone)
			server.RunHTTPServer(sctx, cfg, router, log)
		}()
	}
	return rt, nil
}

// Close interrupts running jobs, leaving them resumable, and releases
// everything openRuntime acquired.
func (rt *runtime) Close() {
	log := logger.Log
	err := rt.ctrl.Close()
	if rt.stopServer != nil {
		rt.stopServer()
		<-rt.serverDone
	}
	err = multierr.Append(err, rt.store.Close())
	if err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
	}
	telemetry.Flush(2 * time.Second)
}

// newResolver serves env: references always and vault: references when
// Vault is enabled.
func newResolver(cfg *config.Config, log *zap.Logger) (secrets.Resolver, error) {
	chain := secrets.Chain{"env": secrets.EnvResolver{}}
	vaultMgr, err := secrets.NewVaultManager(cfg, log)
	if err != nil {
		if cfg.VaultEnabled {
			return nil, fmt.Errorf("initializing vault secret manager: %w", err)
		}
		log.Warn("Could not initialize Vault secret manager", zap.Error(err))
	}
	if vaultMgr.IsEnabled() {
		chain["vault"] = vaultMgr
	}
	return chain, nil
}

// newTranslator returns the translation client, or nil when translation is
// disabled.
func newTranslator(ctx context.Context, cfg *config.Config, resolver secrets.Resolver, m *metrics.Store) (*translate.Client, error) {
	if cfg.TranslatorProvider == config.TranslatorNone {
		return nil, nil
	}
	var apiKey string
	if cfg.TranslatorAPIKeyRef != "" {
		creds, err := resolver.Resolve(ctx, cfg.TranslatorAPIKeyRef, "", "")
		if err != nil {
			return nil, fmt.Errorf("resolving translator API key: %s", logger.Redact(err.Error()))
		}
		apiKey = creds.Password
	}
	return translate.NewClientFromConfig(cfg, apiKey, m), nil
}
