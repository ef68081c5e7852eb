package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/decision"
	"github.com/Rajchodisetti/premium-engine/internal/engine"
	"github.com/Rajchodisetti/premium-engine/internal/execution"
	"github.com/Rajchodisetti/premium-engine/internal/lifecycle"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/outbox"
	"github.com/Rajchodisetti/premium-engine/internal/portfolio"
	"github.com/Rajchodisetti/premium-engine/internal/reconcile"
	"github.com/Rajchodisetti/premium-engine/internal/regime"
	"github.com/Rajchodisetti/premium-engine/internal/resilience"
	"github.com/Rajchodisetti/premium-engine/internal/risk"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

// journalDedupeSecs is how far back the order journal looks for a repeated
// client order id.
const journalDedupeSecs = 24 * 60 * 60

// app holds every wired component of one process.
type app struct {
	cfg        config.Root
	store      *store.Store
	gateway    adapters.Gateway
	executor   *execution.Executor
	gate       *risk.TradingGate
	alerter    alerts.Alerter
	lifecycle  *lifecycle.Manager
	reconciler *reconcile.Service
	status     *portfolio.Manager
	engine     *engine.Engine

	closers []func()
}

func build(ctx context.Context, cfg config.Root) (*app, error) {
	a := &app{cfg: cfg}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() { st.Close() })

	a.alerter = alerts.New(cfg.Alerts)
	if sa, ok := a.alerter.(*alerts.SlackAlerter); ok {
		a.closers = append(a.closers, sa.Close)
	}

	gw, err := a.buildGateway(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.gateway = gw

	broker, err := buildBroker(cfg.Broker)
	if err != nil {
		a.close()
		return nil, err
	}
	journal, err := outbox.New(cfg.Broker.OutboxPath, journalDedupeSecs)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open order journal: %w", err)
	}
	brokerGuard := resilience.NewGuard(resilience.FromConfig("broker", cfg.Resilience.Broker), a.breakerAlert)
	a.executor = execution.NewExecutor(broker, brokerGuard, journal, execution.ConfigFrom(cfg.Broker))
	a.gate = risk.NewTradingGate(a.executor.Breaker())

	a.lifecycle = lifecycle.NewManager(lifecycle.Deps{
		Store:    st,
		Executor: a.executor,
		Gateway:  gw,
		Gate:     a.gate,
		Alerter:  a.alerter,
		Config:   cfg,
	})
	a.reconciler = reconcile.NewService(st, a.executor, a.alerter, cfg.Spread)
	a.status = portfolio.NewManager(st, a.gate, filepath.Join(cfg.Store.Dir, "status.json"))

	var advisor adapters.Advisor = adapters.NoopAdvisor{}
	if cfg.Advisor.Enabled {
		advisor = adapters.NewHTTPAdvisor(adapters.HTTPAdvisorConfig{
			BaseURL: cfg.Advisor.BaseURL,
			APIKey:  cfg.Advisor.APIKey,
			Model:   cfg.Advisor.Model,
		}, resilience.NewGuard(resilience.FromConfig("advisor", cfg.Resilience.Advisor), nil))
	}

	calendar, err := risk.NewMarketCalendar(cfg.Session)
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine = engine.New(engine.Deps{
		Lifecycle:  a.lifecycle,
		Funnel:     decision.NewFunnel(gw, advisor, cfg.Funnel, cfg.Advisor.MinSkipConfidence),
		Regime:     regime.NewDetector(gw, cfg.Regime),
		Reconciler: a.reconciler,
		Store:      st,
		Status:     a.status,
		Gate:       a.gate,
		Calendar:   calendar,
		Alerter:    a.alerter,
		Config:     cfg,
	})
	return a, nil
}

func (a *app) buildGateway(cfg config.Root) (adapters.Gateway, error) {
	if cfg.Gateway.UseMock {
		observ.Warn("gateway_mock_enabled", nil)
		return adapters.NewMockGateway(), nil
	}
	var cache adapters.Cache = adapters.NewMemoryCache()
	if cfg.Cache.RedisURL != "" {
		rc, err := adapters.NewRedisCache(cfg.Cache.RedisURL, cfg.Cache.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis cache: %w", err)
		}
		a.closers = append(a.closers, func() { rc.Close() })
		cache = rc
	}
	guard := resilience.NewGuard(resilience.FromConfig("gateway", cfg.Resilience.Gateway), nil)
	return adapters.NewHTTPGateway(adapters.HTTPGatewayConfig{
		BaseURL:           cfg.Gateway.BaseURL,
		APIKey:            cfg.Gateway.APIKey,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		ChainTTL:          time.Duration(cfg.Gateway.ChainCacheTTLSecs) * time.Second,
	}, guard, cache), nil
}

func buildBroker(cfg config.Broker) (adapters.Broker, error) {
	switch cfg.Mode {
	case "paper":
		return adapters.NewPaperBroker(cfg.Paper.StartingEquity, cfg.Paper.SlippageBps), nil
	case "alpaca":
		return adapters.NewAlpacaBroker(adapters.AlpacaConfig{
			BaseURL:   cfg.BaseURL,
			KeyID:     cfg.KeyID,
			SecretKey: cfg.SecretKey,
		}), nil
	}
	return nil, fmt.Errorf("unknown broker mode %q", cfg.Mode)
}

// breakerAlert pages the operator when the execution breaker trips.
func (a *app) breakerAlert(name string, from, to gobreaker.State) {
	if to != gobreaker.StateOpen {
		return
	}
	a.alerter.Send(context.Background(), alerts.Alert{
		Severity: alerts.SeverityCritical,
		Title:    "execution breaker open",
		Message:  fmt.Sprintf("%s breaker moved %s -> %s; new entries are suspended", name, from, to),
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
