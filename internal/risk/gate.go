package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

// GateState is the trading gate's current mode.
type GateState string

const (
	StateNormal    GateState = "normal"    // all orders allowed
	StateHalted    GateState = "halted"    // execution breaker open, closing orders only
	StateEmergency GateState = "emergency" // manual halt or systemic failure, closing orders only
)

// Intents understood by CanTrade.
const (
	IntentOpen  = "OPEN"
	IntentClose = "CLOSE"
)

// BreakerView is the part of the execution breaker the gate reads.
type BreakerView interface {
	Open() bool
	State() string
}

// GateEvent records a gate state change.
type GateEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	From      GateState `json:"from"`
	To        GateState `json:"to"`
	UserID    string    `json:"user_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

const maxGateEvents = 100

// TradingGate decides whether new orders may be submitted. Monitoring and
// risk-reducing orders are never blocked.
type TradingGate struct {
	mu sync.RWMutex

	breaker BreakerView

	manualHalt     bool
	overrideUser   string
	overrideReason string

	systemicFailure bool
	systemicReason  string

	lastState      GateState
	stateEnteredAt time.Time
	events         []GateEvent
	lastEventID    int64
}

// NewTradingGate creates a gate over the execution breaker.
func NewTradingGate(breaker BreakerView) *TradingGate {
	return &TradingGate{
		breaker:        breaker,
		lastState:      StateNormal,
		stateEnteredAt: time.Now(),
	}
}

func (g *TradingGate) stateLocked() GateState {
	if g.manualHalt || g.systemicFailure {
		return StateEmergency
	}
	if g.breaker != nil && g.breaker.Open() {
		return StateHalted
	}
	return StateNormal
}

// State returns the current gate state.
func (g *TradingGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.observeLocked("breaker", "")
}

// observeLocked records a transition when the derived state moved.
func (g *TradingGate) observeLocked(cause, user string) GateState {
	state := g.stateLocked()
	if state == g.lastState {
		return state
	}
	g.lastEventID++
	ev := GateEvent{
		ID:        fmt.Sprintf("gate_%d", g.lastEventID),
		Timestamp: time.Now(),
		Type:      "state_changed",
		From:      g.lastState,
		To:        state,
		UserID:    user,
		Reason:    cause,
	}
	g.events = append(g.events, ev)
	if len(g.events) > maxGateEvents {
		g.events = g.events[len(g.events)-maxGateEvents:]
	}
	observ.Observe("trading_gate_state_duration", time.Since(g.stateEnteredAt).Seconds(),
		map[string]string{"state": string(g.lastState)})
	observ.IncCounter("trading_gate_transitions_total", map[string]string{
		"from": string(g.lastState),
		"to":   string(state),
	})
	observ.Warn("trading_gate_state_changed", map[string]any{
		"from":   string(g.lastState),
		"to":     string(state),
		"reason": cause,
		"user":   user,
	})
	g.lastState = state
	g.stateEnteredAt = time.Now()
	return state
}

// CanTrade checks whether an order with the given intent may be submitted.
func (g *TradingGate) CanTrade(intent string) (bool, string) {
	state := g.State()
	switch state {
	case StateNormal:
		return true, ""
	case StateHalted, StateEmergency:
		if intent == IntentClose {
			return true, ""
		}
		return false, fmt.Sprintf("trading_gate_%s", state)
	default:
		return false, "trading_gate_unknown_state"
	}
}

// ManualHalt stops new submissions until Resume.
func (g *TradingGate) ManualHalt(userID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.manualHalt = true
	g.overrideUser = userID
	g.overrideReason = reason
	g.observeLocked("manual_halt", userID)
}

// Resume clears a manual halt. Breaker and systemic state still apply.
func (g *TradingGate) Resume(userID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.manualHalt = false
	g.overrideUser = userID
	g.overrideReason = reason
	g.observeLocked("manual_resume", userID)
}

// ReportSystemic marks a systemic failure (e.g. store unreachable) or clears it.
func (g *TradingGate) ReportSystemic(failed bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.systemicFailure == failed {
		return
	}
	g.systemicFailure = failed
	g.systemicReason = reason
	cause := "systemic_recovered"
	if failed {
		cause = "systemic_failure"
	}
	g.observeLocked(cause, "")
}

// Events returns recent gate transitions, oldest first.
func (g *TradingGate) Events() []GateEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GateEvent, len(g.events))
	copy(out, g.events)
	return out
}

// Status returns a snapshot for the status endpoint.
func (g *TradingGate) Status() map[string]any {
	state := g.State()
	g.mu.RLock()
	defer g.mu.RUnlock()
	status := map[string]any{
		"state":            string(state),
		"state_entered_at": g.stateEnteredAt,
		"manual_halt":      g.manualHalt,
		"override_user":    g.overrideUser,
		"override_reason":  g.overrideReason,
		"systemic_failure": g.systemicFailure,
		"systemic_reason":  g.systemicReason,
	}
	if g.breaker != nil {
		status["execution_breaker"] = g.breaker.State()
	}
	return status
}
