// Package engine schedules scan and monitor cycles per strategy kind, runs
// reconciliation and the expiration sweep on cron, and handles shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/decision"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/lifecycle"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/portfolio"
	"github.com/Rajchodisetti/premium-engine/internal/reconcile"
	"github.com/Rajchodisetti/premium-engine/internal/regime"
	"github.com/Rajchodisetti/premium-engine/internal/risk"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

var (
	// ErrUnknownKind is returned for a kind with no enabled loop.
	ErrUnknownKind = errors.New("unknown or disabled strategy kind")
	// ErrCycleRunning means a cycle of the same loop is already in flight.
	ErrCycleRunning = errors.New("cycle already running")
)

// Lifecycle is the order-producing side the engine drives.
type Lifecycle interface {
	OpenWheel(ctx context.Context, c *decision.Candidate) (*domain.Position, error)
	OpenSpread(ctx context.Context, c *decision.Candidate) (*domain.Position, error)
	MonitorWheel(ctx context.Context) (lifecycle.MonitorReport, error)
	MonitorSpreads(ctx context.Context) (lifecycle.MonitorReport, error)
}

type Shortlister interface {
	BuildShortlist(ctx context.Context, cycle *decision.Cycle, sources []decision.UniverseSource, limit int) (*decision.Shortlist, error)
}

type RegimeSource interface {
	ForCycle(ctx context.Context) regime.Regime
}

type Reconciler interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatusSource interface {
	Refresh(ctx context.Context) (portfolio.Summary, error)
}

// Deps wires an Engine. Reconciler and Status are optional; a nil Calendar
// scans at any hour.
type Deps struct {
	Lifecycle  Lifecycle
	Funnel     Shortlister
	Regime     RegimeSource
	Reconciler Reconciler
	Store      Pinger
	Status     StatusSource
	Gate       *risk.TradingGate
	Calendar   *risk.MarketCalendar
	Alerter    alerts.Alerter
	Config     config.Root
}

// ScanReport summarizes one scan cycle.
type ScanReport struct {
	Kind        domain.Kind `json:"kind"`
	CycleID     string      `json:"cycle_id"`
	Regime      string      `json:"regime"`
	Universe    int         `json:"universe"`
	Shortlisted int         `json:"shortlisted"`
	Opened      []string    `json:"opened"`
	Skipped     []string    `json:"skipped"`
	DryRun      bool        `json:"dry_run"`
	Halted      string      `json:"halted,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	Duration    string      `json:"duration"`
}

type Engine struct {
	deps    Deps
	cfg     config.Engine
	sources []decision.UniverseSource
	kinds   []domain.Kind
	now     func() time.Time

	scans    map[domain.Kind]*loop
	monitors map[domain.Kind]*loop

	cron *cron.Cron

	mu          sync.RWMutex
	lastScan    map[domain.Kind]ScanReport
	lastMonitor map[domain.Kind]lifecycle.MonitorReport
	lastRecon   *reconcile.Report
	startedAt   time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(d Deps) *Engine {
	if d.Alerter == nil {
		d.Alerter = alerts.LogAlerter{}
	}
	e := &Engine{
		deps:        d,
		cfg:         d.Config.Engine,
		sources:     decision.SourcesFromConfig(d.Config.Funnel.Sources),
		now:         time.Now,
		scans:       map[domain.Kind]*loop{},
		monitors:    map[domain.Kind]*loop{},
		lastScan:    map[domain.Kind]ScanReport{},
		lastMonitor: map[domain.Kind]lifecycle.MonitorReport{},
		stop:        make(chan struct{}),
	}
	if d.Config.Wheel.Enabled {
		e.kinds = append(e.kinds, domain.KindWheel)
	}
	if d.Config.Spread.Enabled {
		e.kinds = append(e.kinds, domain.KindSpread)
	}
	scanEvery := time.Duration(e.cfg.ScanIntervalSecs) * time.Second
	monitorEvery := time.Duration(e.cfg.MonitorIntervalSecs) * time.Second
	for _, kind := range e.kinds {
		kind := kind
		e.scans[kind] = newLoop("scan_"+string(kind), scanEvery, func(ctx context.Context) error {
			_, err := e.scan(ctx, kind)
			return err
		})
		e.monitors[kind] = newLoop("monitor_"+string(kind), monitorEvery, func(ctx context.Context) error {
			_, err := e.monitor(ctx, kind)
			return err
		})
	}
	return e
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Kinds lists the enabled strategy kinds.
func (e *Engine) Kinds() []domain.Kind {
	return e.kinds
}

// Run reconciles once, starts every loop and the cron jobs, and blocks until
// ctx is done or Shutdown is called. In-flight cycles finish before it
// returns.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.startedAt = e.now()
	e.mu.Unlock()

	if _, err := e.Reconcile(ctx); err != nil {
		observ.Error("startup_reconcile_failed", err, nil)
	}

	c := cron.New(cron.WithSeconds())
	if e.deps.Reconciler != nil && e.cfg.ReconcileCron != "" {
		if _, err := c.AddFunc(e.cfg.ReconcileCron, func() {
			if _, err := e.Reconcile(ctx); err != nil {
				observ.Error("reconcile_failed", err, nil)
			}
		}); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", e.cfg.ReconcileCron, err)
		}
	}
	if e.cfg.ExpirationSweepCron != "" {
		if _, err := c.AddFunc(e.cfg.ExpirationSweepCron, func() {
			observ.Log("expiration_sweep_triggered", map[string]any{"kinds": len(e.kinds)})
			for _, kind := range e.kinds {
				e.monitors[kind].trigger()
			}
		}); err != nil {
			return fmt.Errorf("invalid expiration sweep schedule %q: %w", e.cfg.ExpirationSweepCron, err)
		}
	}
	e.mu.Lock()
	e.cron = c
	e.mu.Unlock()
	c.Start()

	for _, kind := range e.kinds {
		for _, l := range []*loop{e.monitors[kind], e.scans[kind]} {
			e.wg.Add(1)
			go func(l *loop) {
				defer e.wg.Done()
				l.run(ctx)
			}(l)
		}
	}
	observ.Log("engine_started", map[string]any{
		"kinds":            e.kinds,
		"scan_interval":    e.cfg.ScanIntervalSecs,
		"monitor_interval": e.cfg.MonitorIntervalSecs,
		"dry_run":          e.cfg.DryRun,
	})

	select {
	case <-ctx.Done():
	case <-e.stop:
	}
	cancel()

	stopped := c.Stop()
	<-stopped.Done()
	e.wg.Wait()
	observ.Log("engine_stopped", nil)
	return nil
}

// Shutdown asks Run to return. It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		observ.Log("engine_shutdown_requested", nil)
		close(e.stop)
	})
}

// TriggerScan wakes the scan loop of kind, or of every kind when kind is
// empty. A trigger during a running cycle coalesces into one follow-up run.
func (e *Engine) TriggerScan(kind domain.Kind) error {
	return e.triggerAll(e.scans, kind)
}

func (e *Engine) TriggerMonitor(kind domain.Kind) error {
	return e.triggerAll(e.monitors, kind)
}

func (e *Engine) triggerAll(loops map[domain.Kind]*loop, kind domain.Kind) error {
	if kind == "" {
		for _, k := range e.kinds {
			loops[k].trigger()
		}
		return nil
	}
	l, ok := loops[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	l.trigger()
	return nil
}

// ScanNow runs one scan cycle synchronously. It fails with ErrCycleRunning
// when the loop is mid-cycle.
func (e *Engine) ScanNow(ctx context.Context, kind domain.Kind) (ScanReport, error) {
	l, ok := e.scans[kind]
	if !ok {
		return ScanReport{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if !l.busy.TryLock() {
		return ScanReport{}, ErrCycleRunning
	}
	defer l.busy.Unlock()
	return e.scan(ctx, kind)
}

// MonitorNow runs one monitor cycle synchronously.
func (e *Engine) MonitorNow(ctx context.Context, kind domain.Kind) (lifecycle.MonitorReport, error) {
	l, ok := e.monitors[kind]
	if !ok {
		return lifecycle.MonitorReport{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if !l.busy.TryLock() {
		return lifecycle.MonitorReport{}, ErrCycleRunning
	}
	defer l.busy.Unlock()
	return e.monitor(ctx, kind)
}

// Reconcile runs the reconciliation service once. Without a reconciler it is
// a no-op.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Report, error) {
	if e.deps.Reconciler == nil {
		return reconcile.Report{}, nil
	}
	report, err := e.deps.Reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	e.mu.Lock()
	e.lastRecon = &report
	e.mu.Unlock()
	return report, nil
}

func (e *Engine) scan(ctx context.Context, kind domain.Kind) (report ScanReport, err error) {
	start := time.Now()
	report = ScanReport{Kind: kind, StartedAt: e.now(), DryRun: e.cfg.DryRun}
	defer func() {
		report.Duration = time.Since(start).String()
		e.mu.Lock()
		e.lastScan[kind] = report
		e.mu.Unlock()
		observ.RecordDuration("scan_cycle", time.Since(start), map[string]string{"kind": string(kind)})
	}()

	if !e.healthy(ctx) {
		report.Halted = "store_unavailable"
		return report, nil
	}
	if now := e.now(); !e.cfg.DryRun && !e.deps.Calendar.IsOpen(now) {
		report.Halted = "market_closed"
		observ.Log("scan_skipped", map[string]any{
			"kind":      string(kind),
			"reason":    report.Halted,
			"next_open": e.deps.Calendar.NextOpen(now),
		})
		observ.IncCounter("scan_cycles_total", map[string]string{"kind": string(kind), "result": "market_closed"})
		return report, nil
	}
	if ok, reason := e.deps.Gate.CanTrade(risk.IntentOpen); !ok && !e.cfg.DryRun {
		report.Halted = reason
		observ.Log("scan_skipped", map[string]any{"kind": string(kind), "reason": reason})
		observ.IncCounter("scan_cycles_total", map[string]string{"kind": string(kind), "result": "halted"})
		return report, nil
	}

	cycle := decision.NewCycle(kind, e.deps.Regime.ForCycle(ctx), report.StartedAt)
	report.CycleID = cycle.ID
	report.Regime = cycle.Regime.String()

	shortlist, err := e.deps.Funnel.BuildShortlist(ctx, cycle, e.sources, e.cfg.ShortlistLimit)
	if err != nil {
		observ.IncCounter("scan_cycles_total", map[string]string{"kind": string(kind), "result": "error"})
		return report, fmt.Errorf("scan %s: %w", kind, err)
	}
	report.Universe = shortlist.Universe
	report.Shortlisted = len(shortlist.Candidates)

	open := e.deps.Lifecycle.OpenWheel
	if kind == domain.KindSpread {
		open = e.deps.Lifecycle.OpenSpread
	}
	for _, c := range shortlist.Candidates {
		if len(report.Opened) >= e.cfg.MaxNewPositionsPerCycle {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if e.cfg.DryRun {
			observ.Log("dry_run_candidate", map[string]any{"cycle_id": cycle.ID, "kind": string(kind), "symbol": c.Symbol, "score": c.Score})
			report.Opened = append(report.Opened, c.Symbol)
			continue
		}
		p, err := open(ctx, c)
		if err != nil {
			report.Skipped = append(report.Skipped, c.Symbol)
			if stop := e.entryError(cycle, kind, c, err); stop {
				break
			}
			continue
		}
		if p != nil && p.State != domain.StateEntryFailed && p.State != domain.StateInconsistent {
			report.Opened = append(report.Opened, c.Symbol)
		} else {
			report.Skipped = append(report.Skipped, c.Symbol)
		}
	}

	observ.IncCounter("scan_cycles_total", map[string]string{"kind": string(kind), "result": "ok"})
	observ.IncCounterBy("scan_candidates_opened_total", map[string]string{"kind": string(kind), "dry_run": strconv.FormatBool(report.DryRun)}, float64(len(report.Opened)))
	observ.Log("scan_completed", map[string]any{
		"cycle_id":    cycle.ID,
		"kind":        string(kind),
		"regime":      report.Regime,
		"universe":    report.Universe,
		"shortlisted": report.Shortlisted,
		"opened":      report.Opened,
		"skipped":     len(report.Skipped),
		"dry_run":     report.DryRun,
	})
	e.refreshStatus(ctx)
	return report, nil
}

// entryError logs a failed entry and reports whether the rest of the
// shortlist should be abandoned.
func (e *Engine) entryError(cycle *decision.Cycle, kind domain.Kind, c *decision.Candidate, err error) bool {
	kv := map[string]any{"cycle_id": cycle.ID, "kind": string(kind), "symbol": c.Symbol, "stage": "entry"}
	switch {
	case errors.Is(err, store.ErrDuplicatePosition),
		errors.Is(err, lifecycle.ErrNoContract),
		errors.Is(err, lifecycle.ErrNotSized):
		kv["reason"] = err.Error()
		observ.Log("entry_skipped", kv)
		return false
	case errors.Is(err, store.ErrCapitalCeiling),
		errors.Is(err, lifecycle.ErrTradingHalted),
		errors.Is(err, context.Canceled):
		kv["reason"] = err.Error()
		observ.Warn("entry_stopped", kv)
		return true
	}
	observ.Error("entry_failed", err, kv)
	return false
}

func (e *Engine) monitor(ctx context.Context, kind domain.Kind) (lifecycle.MonitorReport, error) {
	start := time.Now()
	defer func() {
		observ.RecordDuration("monitor_cycle", time.Since(start), map[string]string{"kind": string(kind)})
	}()

	if !e.healthy(ctx) {
		return lifecycle.MonitorReport{Kind: kind}, nil
	}
	run := e.deps.Lifecycle.MonitorWheel
	if kind == domain.KindSpread {
		run = e.deps.Lifecycle.MonitorSpreads
	}
	report, err := run(ctx)
	e.mu.Lock()
	e.lastMonitor[kind] = report
	e.mu.Unlock()
	e.refreshStatus(ctx)
	if err != nil {
		return report, fmt.Errorf("monitor %s: %w", kind, err)
	}
	return report, nil
}

// healthy pings the store and feeds the result to the trading gate.
func (e *Engine) healthy(ctx context.Context) bool {
	if e.deps.Store == nil {
		return true
	}
	if err := e.deps.Store.Ping(ctx); err != nil {
		wasHealthy := e.deps.Gate.State() != risk.StateEmergency
		e.deps.Gate.ReportSystemic(true, err.Error())
		observ.Error("store_unavailable", err, nil)
		if wasHealthy {
			e.deps.Alerter.Send(ctx, alerts.Alert{
				Severity: alerts.SeverityCritical,
				Title:    "store unavailable",
				Message:  fmt.Sprintf("trading halted: %v", err),
			})
		}
		return false
	}
	e.deps.Gate.ReportSystemic(false, "")
	return true
}

func (e *Engine) refreshStatus(ctx context.Context) {
	if e.deps.Status == nil {
		return
	}
	if _, err := e.deps.Status.Refresh(ctx); err != nil {
		observ.Error("status_refresh_failed", err, nil)
	}
}

// Status is the engine part of the status report.
type Status struct {
	StartedAt     time.Time                               `json:"started_at"`
	Kinds         []domain.Kind                           `json:"kinds"`
	DryRun        bool                                    `json:"dry_run"`
	LastScan      map[domain.Kind]ScanReport              `json:"last_scan"`
	LastMonitor   map[domain.Kind]lifecycle.MonitorReport `json:"last_monitor"`
	LastReconcile *reconcile.Report                       `json:"last_reconcile,omitempty"`
	Gate          map[string]any                          `json:"gate"`
	MarketOpen    bool                                    `json:"market_open"`
	Cron          []time.Time                             `json:"cron_next,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	s := Status{
		StartedAt:     e.startedAt,
		Kinds:         e.kinds,
		DryRun:        e.cfg.DryRun,
		LastScan:      make(map[domain.Kind]ScanReport, len(e.lastScan)),
		LastMonitor:   make(map[domain.Kind]lifecycle.MonitorReport, len(e.lastMonitor)),
		LastReconcile: e.lastRecon,
	}
	c := e.cron
	for k, v := range e.lastScan {
		s.LastScan[k] = v
	}
	for k, v := range e.lastMonitor {
		s.LastMonitor[k] = v
	}
	e.mu.RUnlock()
	s.Gate = e.deps.Gate.Status()
	s.MarketOpen = e.deps.Calendar.IsOpen(e.now())
	if c != nil {
		for _, entry := range c.Entries() {
			s.Cron = append(s.Cron, entry.Next)
		}
	}
	return s
}
