// Package execution submits orders to the broker under the resilience policy,
// waits for a terminal state and journals every step.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/outbox"
	"github.com/Rajchodisetti/premium-engine/internal/resilience"
)

var (
	// ErrBreakerOpen means opening orders are suspended.
	ErrBreakerOpen = errors.New("execution breaker open")
	// ErrNotFilled means the order reached a terminal state with nothing filled.
	ErrNotFilled = errors.New("order not filled")
)

// LegMismatchError reports a multi-leg order where only some legs filled.
type LegMismatchError struct {
	ClientOrderID string
	Filled        []adapters.LegFill
	Unfilled      []adapters.LegFill
}

func (e *LegMismatchError) Error() string {
	names := func(legs []adapters.LegFill) string {
		out := make([]string, 0, len(legs))
		for _, l := range legs {
			out = append(out, l.Symbol)
		}
		return strings.Join(out, ",")
	}
	return fmt.Sprintf("leg mismatch on order %s: filled [%s], unfilled [%s]",
		e.ClientOrderID, names(e.Filled), names(e.Unfilled))
}

// compensationSlack is how far through the fill price a compensating close
// is priced so that it executes.
const compensationSlack = 0.10

type Config struct {
	FillTimeout          time.Duration
	PollInterval         time.Duration
	CompensationAttempts int
}

func ConfigFrom(b config.Broker) Config {
	return Config{
		FillTimeout:          time.Duration(b.FillTimeoutSecs) * time.Second,
		PollInterval:         time.Duration(b.PollIntervalMs) * time.Millisecond,
		CompensationAttempts: b.CompensationAttempts,
	}
}

// Request is one order on behalf of a position.
type Request struct {
	PositionID string
	Kind       domain.Kind
	Symbol     string
	Intent     string // e.g. "open_put", "close_spread"
	Attempt    int
	Order      adapters.Order
}

// Executor is the only path to the broker for order flow.
type Executor struct {
	broker  adapters.Broker
	guard   *resilience.Guard
	journal *outbox.Outbox
	cfg     Config
}

func NewExecutor(broker adapters.Broker, guard *resilience.Guard, journal *outbox.Outbox, cfg Config) *Executor {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = 3
	}
	return &Executor{broker: broker, guard: guard, journal: journal, cfg: cfg}
}

// Breaker exposes the broker guard to the trading gate.
func (e *Executor) Breaker() *resilience.Guard {
	return e.guard
}

// Positions lists broker holdings under the retry policy.
func (e *Executor) Positions(ctx context.Context) ([]adapters.BrokerPosition, error) {
	var out []adapters.BrokerPosition
	err := e.guard.Retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.broker.ListPositions(ctx)
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("list broker positions: %w", err)
	}
	return out, nil
}

// Account reads balances under the retry policy.
func (e *Executor) Account(ctx context.Context) (adapters.Account, error) {
	var out adapters.Account
	err := e.guard.Retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.broker.Account(ctx)
		return classify(err)
	})
	if err != nil {
		return out, fmt.Errorf("read broker account: %w", err)
	}
	return out, nil
}

// Open submits an order that adds exposure. It is refused while the breaker
// is open.
func (e *Executor) Open(ctx context.Context, req Request) (adapters.OrderStatus, error) {
	return e.execute(ctx, req, true)
}

// Close submits an order that removes exposure. It bypasses the breaker gate
// but still retries transient failures.
func (e *Executor) Close(ctx context.Context, req Request) (adapters.OrderStatus, error) {
	return e.execute(ctx, req, false)
}

func (e *Executor) execute(ctx context.Context, req Request, opening bool) (adapters.OrderStatus, error) {
	start := time.Now()
	if req.Order.ClientOrderID == "" {
		req.Order.ClientOrderID = outbox.GenerateIdempotencyKey(req.PositionID, req.Intent, req.Attempt)
	}
	if e.journal != nil {
		// the broker dedupes on client order id, so a resubmission returns
		// the original order
		if seen, err := e.journal.HasRecentOrder(req.Order.ClientOrderID); err == nil && seen {
			observ.IncCounter("orders_resubmitted_total", map[string]string{"intent": req.Intent})
			observ.Warn("order_resubmitted", map[string]any{
				"position_id": req.PositionID, "symbol": req.Symbol, "intent": req.Intent, "client_order_id": req.Order.ClientOrderID,
			})
		}
	}
	e.journalOrder(req, "submitted")

	var st adapters.OrderStatus
	submit := func(ctx context.Context) error {
		var err error
		st, err = e.broker.SubmitOrder(ctx, req.Order)
		return classify(err)
	}
	var err error
	if opening {
		err = e.guard.Do(ctx, submit)
	} else {
		err = e.guard.Retry(ctx, submit)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, resilience.ErrOpen) {
			result = "breaker_open"
			err = fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		e.journalOrder(req, result)
		observ.IncCounter("orders_total", map[string]string{"intent": req.Intent, "result": result})
		observ.Error("order_submit_failed", err, map[string]any{
			"position_id": req.PositionID, "symbol": req.Symbol, "intent": req.Intent, "client_order_id": req.Order.ClientOrderID,
		})
		return st, fmt.Errorf("submit %s for %s: %w", req.Intent, req.Symbol, err)
	}

	st = e.await(ctx, st)
	e.journalFill(req, st, time.Since(start))
	observ.RecordDuration("order_fill", time.Since(start), map[string]string{"intent": req.Intent})

	if filled, unfilled, ok := legMismatch(st); ok {
		observ.IncCounter("orders_total", map[string]string{"intent": req.Intent, "result": "leg_mismatch"})
		return st, &LegMismatchError{ClientOrderID: req.Order.ClientOrderID, Filled: filled, Unfilled: unfilled}
	}
	if st.FilledQty <= 0 {
		observ.IncCounter("orders_total", map[string]string{"intent": req.Intent, "result": string(st.State)})
		return st, fmt.Errorf("%w: %s for %s ended %s", ErrNotFilled, req.Intent, req.Symbol, st.State)
	}

	observ.IncCounter("orders_total", map[string]string{"intent": req.Intent, "result": "filled"})
	observ.Log("order_filled", map[string]any{
		"position_id":     req.PositionID,
		"symbol":          req.Symbol,
		"intent":          req.Intent,
		"client_order_id": req.Order.ClientOrderID,
		"broker_order_id": st.ID,
		"filled_qty":      st.FilledQty,
		"avg_price":       st.AvgPrice,
	})
	return st, nil
}

// classify marks broker refusals as permanent so they are not retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var berr *adapters.BrokerError
	if errors.As(err, &berr) && !berr.Retryable() {
		return resilience.Permanent(err)
	}
	return err
}

// await polls until the order is terminal. Polling survives cancellation of
// ctx so an in-flight order is never abandoned; it is bounded by the fill
// timeout, after which the order is cancelled.
func (e *Executor) await(ctx context.Context, st adapters.OrderStatus) adapters.OrderStatus {
	if st.State.Terminal() {
		return st
	}
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FillTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pollCtx.Done():
			return e.cancel(context.WithoutCancel(ctx), st)
		case <-ticker.C:
			var latest adapters.OrderStatus
			err := e.guard.Retry(pollCtx, func(ctx context.Context) error {
				var err error
				latest, err = e.broker.GetOrder(ctx, st.ID)
				return classify(err)
			})
			if err != nil {
				observ.Warn("order_poll_failed", map[string]any{"broker_order_id": st.ID, "error": err.Error()})
				continue
			}
			st = latest
			if st.State.Terminal() {
				return st
			}
		}
	}
}

func (e *Executor) cancel(ctx context.Context, st adapters.OrderStatus) adapters.OrderStatus {
	observ.Warn("order_fill_timeout", map[string]any{"broker_order_id": st.ID, "timeout": e.cfg.FillTimeout.String()})
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FillTimeout)
	defer cancel()

	if err := e.guard.Retry(ctx, func(ctx context.Context) error {
		return classify(e.broker.CancelOrder(ctx, st.ID))
	}); err != nil {
		observ.Error("order_cancel_failed", err, map[string]any{"broker_order_id": st.ID})
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		latest, err := e.broker.GetOrder(ctx, st.ID)
		if err == nil {
			st = latest
			if st.State.Terminal() {
				return st
			}
		}
		select {
		case <-ctx.Done():
			return st
		case <-ticker.C:
		}
	}
}

// legMismatch splits a multi-leg status into filled and unfilled legs and
// reports whether both sets are non-empty.
func legMismatch(st adapters.OrderStatus) (filled, unfilled []adapters.LegFill, mismatch bool) {
	if len(st.Legs) < 2 {
		return nil, nil, false
	}
	for _, l := range st.Legs {
		if l.FilledQty > 0 {
			filled = append(filled, l)
		} else {
			unfilled = append(unfilled, l)
		}
	}
	return filled, unfilled, len(filled) > 0 && len(unfilled) > 0
}

// Compensate unwinds legs that filled without their partners, retrying up to
// the configured number of attempts. marks supplies the current per-share
// price of each leg when known; otherwise the fill price is used.
func (e *Executor) Compensate(ctx context.Context, req Request, legs []adapters.LegFill, marks map[string]float64) error {
	var errs []error
	for _, leg := range legs {
		ref := leg.AvgPrice
		if m, ok := marks[leg.Symbol]; ok && m > 0 {
			ref = m
		}
		if _, err := e.resubmit(ctx, req, "compensate", leg.Symbol, leg.Side.Closing(), leg.FilledQty, ref); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", leg.Symbol, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		observ.IncCounter("compensation_failures_total", nil)
		return err
	}
	observ.Log("compensation_completed", map[string]any{"position_id": req.PositionID, "legs": len(legs)})
	return nil
}

// Complete finishes a multi-leg order whose listed legs did not fill by
// resubmitting each of them alone on its original side, retrying up to the
// configured number of attempts. It returns the legs as they finally filled.
// A leg without a positive mark cannot be priced and fails.
func (e *Executor) Complete(ctx context.Context, req Request, legs []adapters.LegFill, marks map[string]float64) ([]adapters.LegFill, error) {
	var (
		done []adapters.LegFill
		errs []error
	)
	for _, leg := range legs {
		ref := marks[leg.Symbol]
		if ref <= 0 {
			errs = append(errs, fmt.Errorf("complete %s: no mark to price the order", leg.Symbol))
			continue
		}
		qty := req.Order.Quantity
		for _, ol := range req.Order.Legs {
			if ol.Symbol == leg.Symbol && ol.Ratio > 1 {
				qty *= ol.Ratio
			}
		}
		st, err := e.resubmit(ctx, req, "complete", leg.Symbol, leg.Side, qty, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("complete %s: %w", leg.Symbol, err))
			continue
		}
		done = append(done, adapters.LegFill{
			Symbol:    leg.Symbol,
			Side:      leg.Side,
			State:     st.State,
			FilledQty: st.FilledQty,
			AvgPrice:  st.AvgPrice,
		})
	}
	if err := errors.Join(errs...); err != nil {
		observ.IncCounter("compensation_failures_total", nil)
		return done, err
	}
	observ.Log("order_completed", map[string]any{"position_id": req.PositionID, "intent": req.Intent, "legs": len(legs)})
	return done, nil
}

// resubmit sends one single-leg order priced through ref by
// compensationSlack, retrying with a fresh client order id per attempt.
func (e *Executor) resubmit(ctx context.Context, req Request, intent, symbol string, side adapters.Side, qty int, ref float64) (adapters.OrderStatus, error) {
	price := ref * (1 - compensationSlack)
	if buying(side) {
		price = ref * (1 + compensationSlack)
	}
	price = math.Max(math.Round(price*100)/100, 0.01)

	var lastErr error
	for attempt := 0; attempt < e.cfg.CompensationAttempts; attempt++ {
		st, err := e.Close(ctx, Request{
			PositionID: req.PositionID,
			Kind:       req.Kind,
			Symbol:     req.Symbol,
			Intent:     intent + "_" + symbol,
			Attempt:    attempt,
			Order: adapters.Order{
				Underlying: req.Order.Underlying,
				Legs:       []adapters.OrderLeg{{Symbol: symbol, Side: side}},
				Quantity:   qty,
				LimitPrice: price,
				Credit:     !buying(side),
			},
		})
		if err != nil {
			lastErr = err
			continue
		}
		return st, nil
	}
	return adapters.OrderStatus{}, lastErr
}

func buying(side adapters.Side) bool {
	return side == adapters.Buy || side == adapters.BuyToOpen || side == adapters.BuyToClose
}

func (e *Executor) journalOrder(req Request, status string) {
	if e.journal == nil {
		return
	}
	legs := make([]string, 0, len(req.Order.Legs))
	for _, l := range req.Order.Legs {
		legs = append(legs, string(l.Side)+":"+l.Symbol)
	}
	err := e.journal.WriteOrder(outbox.Order{
		ClientOrderID:  req.Order.ClientOrderID,
		PositionID:     req.PositionID,
		Kind:           string(req.Kind),
		Symbol:         req.Symbol,
		Intent:         req.Intent,
		Legs:           legs,
		Quantity:       req.Order.Quantity,
		LimitPrice:     req.Order.LimitPrice,
		Credit:         req.Order.Credit,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		IdempotencyKey: req.Order.ClientOrderID,
	})
	if err != nil {
		observ.Error("journal_write_failed", err, map[string]any{"client_order_id": req.Order.ClientOrderID})
	}
}

func (e *Executor) journalFill(req Request, st adapters.OrderStatus, latency time.Duration) {
	if e.journal == nil {
		return
	}
	var legStates []string
	for _, l := range st.Legs {
		legStates = append(legStates, l.Symbol+":"+string(l.State))
	}
	err := e.journal.WriteFill(outbox.Fill{
		ClientOrderID: req.Order.ClientOrderID,
		BrokerOrderID: st.ID,
		PositionID:    req.PositionID,
		Symbol:        req.Symbol,
		State:         string(st.State),
		FilledQty:     st.FilledQty,
		AvgPrice:      st.AvgPrice,
		LegStates:     legStates,
		Timestamp:     time.Now().UTC(),
		LatencyMs:     latency.Milliseconds(),
	})
	if err != nil {
		observ.Error("journal_write_failed", err, map[string]any{"client_order_id": req.Order.ClientOrderID})
	}
}
