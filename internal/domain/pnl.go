package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(SharesPerContract)

func d(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// PremiumDollars converts a per-share premium into dollars for n contracts.
func PremiumDollars(perShare float64, contracts int) float64 {
	return d(perShare).Mul(hundred).Mul(decimal.NewFromInt(int64(contracts))).InexactFloat64()
}

// CostBasisAfterAssignment returns strike minus premium collected per share.
func CostBasisAfterAssignment(strike, premiumCollected float64, shares int) float64 {
	if shares <= 0 {
		return strike
	}
	perShare := d(premiumCollected).Div(decimal.NewFromInt(int64(shares)))
	return d(strike).Sub(perShare).InexactFloat64()
}

// CalledAwayPnL is the realized result of a full wheel cycle: every premium
// collected plus the stock gain from put strike to call strike.
func CalledAwayPnL(premiumCollected, putStrike, callStrike float64, shares int) float64 {
	stock := d(callStrike).Sub(d(putStrike)).Mul(decimal.NewFromInt(int64(shares)))
	return d(premiumCollected).Add(stock).InexactFloat64()
}

// OptionClosePnL is the result of buying back a short option: credit minus
// cost to close, in dollars.
func OptionClosePnL(credit, closeCost float64, contracts int) float64 {
	return d(credit).Sub(d(closeCost)).Mul(hundred).Mul(decimal.NewFromInt(int64(contracts))).InexactFloat64()
}

// ProfitFraction returns the captured share of maximum profit for a short
// premium position: (credit - cost) / credit.
func ProfitFraction(credit, closeCost float64) float64 {
	if credit <= 0 {
		return 0
	}
	return d(credit).Sub(d(closeCost)).Div(d(credit)).InexactFloat64()
}

// SpreadValue is the cost to close a credit spread: short mark - long mark.
func SpreadValue(shortMark, longMark float64) float64 {
	return d(shortMark).Sub(d(longMark)).InexactFloat64()
}

// SpreadSettlement is the intrinsic value of a put credit spread at expiry.
func SpreadSettlement(shortStrike, longStrike, underlying float64) float64 {
	width := d(shortStrike).Sub(d(longStrike))
	intrinsic := d(shortStrike).Sub(d(underlying))
	if intrinsic.IsNegative() {
		return 0
	}
	if intrinsic.GreaterThan(width) {
		return width.InexactFloat64()
	}
	return intrinsic.InexactFloat64()
}

// SpreadMaxRisk is the capital at risk of a put credit spread in dollars.
func SpreadMaxRisk(shortStrike, longStrike, credit float64, contracts int) float64 {
	return d(shortStrike).Sub(d(longStrike)).Sub(d(credit)).Mul(hundred).Mul(decimal.NewFromInt(int64(contracts))).InexactFloat64()
}

// SecuredCapital is the cash securing a short put in dollars.
func SecuredCapital(strike float64, contracts int) float64 {
	return d(strike).Mul(hundred).Mul(decimal.NewFromInt(int64(contracts))).InexactFloat64()
}
