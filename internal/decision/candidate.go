package decision

import (
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/regime"
)

// Cycle carries the state of one scan: its regime and the advisor output.
// It is passed explicitly to every stage.
type Cycle struct {
	ID        string
	Kind      domain.Kind
	StartedAt time.Time
	Regime    regime.Regime
	Advice    map[string]adapters.Advice
}

func NewCycle(kind domain.Kind, r regime.Regime, now time.Time) *Cycle {
	return &Cycle{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: now,
		Regime:    r,
		Advice:    map[string]adapters.Advice{},
	}
}

// UniverseSource is one discovery input: a static symbol list, a gateway
// discovery list, or both. Cluster groups sources for the diversification cap.
type UniverseSource struct {
	Name     string
	Cluster  string
	Symbols  []string
	Discover string
	Limit    int
}

type Liquidity struct {
	Volume       int64   `json:"volume"`        // underlying shares
	OptionVolume int64   `json:"option_volume"` // all listed contracts
	OpenInterest int64   `json:"open_interest"`
	AvgSpreadPct float64 `json:"avg_spread_pct"`
}

type OptionsData struct {
	IVRank       float64 `json:"iv_rank"`
	ImpliedVol   float64 `json:"implied_vol"`
	PutCallRatio float64 `json:"put_call_ratio"`
}

type Earnings struct {
	Date      time.Time `json:"date"`
	DaysUntil int       `json:"days_until"`
}

// ScoreBreakdown records each weighted component (0..100) and every
// adjustment applied on top.
type ScoreBreakdown struct {
	Liquidity   float64 `json:"liquidity"`
	Spread      float64 `json:"spread"`
	Signals     float64 `json:"signals"`
	Volatility  float64 `json:"volatility"`
	Recency     float64 `json:"recency"`
	Base        float64 `json:"base"`
	Multiplier  float64 `json:"multiplier"`
	Directional float64 `json:"directional"`
	HighVol     float64 `json:"high_vol"`
	Earnings    float64 `json:"earnings"`
	Stale       float64 `json:"stale"`
	Degraded    float64 `json:"degraded"`
}

// Candidate is one symbol under evaluation in a cycle. Optional sub-records
// are nil when their source returned nothing.
type Candidate struct {
	Symbol    string   `json:"symbol"`
	Sector    string   `json:"sector"`
	Price     float64  `json:"price"`
	ChangePct float64  `json:"change_pct"`
	Sources   []string `json:"sources"`
	Clusters  []string `json:"clusters"`

	Liquidity *Liquidity   `json:"liquidity,omitempty"`
	Options   *OptionsData `json:"options,omitempty"`
	Earnings  *Earnings    `json:"earnings,omitempty"`
	Signals   []string     `json:"signals,omitempty"`
	Warnings  []string     `json:"warnings,omitempty"`

	DataAsOf    time.Time `json:"data_as_of"`
	EnrichError string    `json:"enrich_error,omitempty"`

	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`

	Chain *adapters.Chain `json:"-"`
}

// Direction is the sign of the day's move: 1, -1 or 0.
func (c *Candidate) Direction() int {
	switch {
	case c.ChangePct > 0:
		return 1
	case c.ChangePct < 0:
		return -1
	}
	return 0
}

// Rejection explains why a candidate left the funnel.
type Rejection struct {
	Symbol string  `json:"symbol"`
	Stage  string  `json:"stage"`
	Reason string  `json:"reason"`
	Score  float64 `json:"score"`
}

const (
	StageEnrich          = "enrich"
	StageFilter          = "filter"
	StageQualityGate     = "quality_gate"
	StageDiversification = "diversification"
	StageAdvisor         = "advisor"
	StageLimit           = "limit"
)

// Shortlist is the funnel output of one cycle.
type Shortlist struct {
	CycleID    string        `json:"cycle_id"`
	Regime     regime.Regime `json:"regime"`
	Universe   int           `json:"universe"`
	Candidates []*Candidate  `json:"candidates"`
	Rejected   []Rejection   `json:"rejected"`
}

// Symbols lists shortlisted symbols in rank order.
func (s *Shortlist) Symbols() []string {
	out := make([]string, 0, len(s.Candidates))
	for _, c := range s.Candidates {
		out = append(out, c.Symbol)
	}
	return out
}
