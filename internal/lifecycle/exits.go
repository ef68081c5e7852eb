package lifecycle

import (
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

// Exit reasons recorded on closed positions.
const (
	ReasonProfitTarget       = "profit_target"
	ReasonTimeExit           = "time_exit"
	ReasonExpirationManaged  = "expiration_managed"
	ReasonStopLoss           = "stop_loss"
	ReasonExpired            = "expired"
	ReasonExpiredWorthless   = "expired_worthless"
	ReasonCalledAway         = "called_away"
	ReasonEntryFailed        = "entry_failed"
	ReasonCompensated        = "leg_mismatch_compensated"
	ReasonCompensationFailed = "compensation_failed"
)

// Exit is a decision to leave a position or its open option.
type Exit struct {
	To     domain.State
	Reason string
	// Settlement is the per-share cost to close, set for expirations that
	// settle without an order.
	Settlement float64
	NeedsOrder bool
}

// WheelOptionExit decides whether to buy back a wheel's short option. A put
// closed early ends the wheel; a call closed early keeps the shares.
func WheelOptionExit(p *domain.Position, mark float64, now time.Time, cfg config.Wheel) (Exit, bool) {
	if !p.HasOpenOption() || p.EntryCredit <= 0 || mark < 0 {
		return Exit{}, false
	}
	to := domain.StateClosedEarly
	if p.State == domain.StateSellingCall {
		to = domain.StateSellingCall
	}
	gain := domain.ProfitFraction(p.EntryCredit, mark)
	if cfg.ProfitTargetFraction > 0 && gain >= cfg.ProfitTargetFraction {
		return Exit{To: to, Reason: ReasonProfitTarget, NeedsOrder: true}, true
	}
	if p.DTE(now) <= cfg.TimeExitDTE && gain >= cfg.TimeExitMinProfit {
		return Exit{To: to, Reason: ReasonTimeExit, NeedsOrder: true}, true
	}
	return Exit{}, false
}

// SpreadExit evaluates an open credit spread. underlying is only used once
// the spread is past expiration.
func SpreadExit(p *domain.Position, shortMark, longMark, underlying float64, now time.Time, cfg config.Spread) (Exit, bool) {
	if p.DTE(now) < 0 {
		if underlying <= 0 {
			return Exit{}, false
		}
		return Exit{
			To:         domain.StateExpired,
			Reason:     ReasonExpired,
			Settlement: domain.SpreadSettlement(p.ShortStrike, p.LongStrike, underlying),
		}, true
	}
	if shortMark < 0 || longMark < 0 {
		return Exit{}, false
	}
	value := domain.SpreadValue(shortMark, longMark)
	gain := domain.ProfitFraction(p.EntryCredit, value)
	if cfg.ProfitTargetFraction > 0 && gain >= cfg.ProfitTargetFraction {
		return Exit{To: domain.StateClosedProfitTarget, Reason: ReasonProfitTarget, NeedsOrder: true}, true
	}
	if cfg.StopLossFraction > 0 && p.EntryCredit > 0 && -gain >= cfg.StopLossFraction {
		return Exit{To: domain.StateClosedStopLoss, Reason: ReasonStopLoss, NeedsOrder: true}, true
	}
	if p.DTE(now) <= cfg.ForceCloseDTE && gain > 0 {
		return Exit{To: domain.StateClosedExpirationManaged, Reason: ReasonExpirationManaged, NeedsOrder: true}, true
	}
	return Exit{}, false
}
