// Package decision turns raw discovery lists into a ranked, diversified
// shortlist of premium-selling candidates.
package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/risk"
)

// chainHorizon bounds the expirations fetched during enrichment.
const chainHorizon = 60 * 24 * time.Hour

// Funnel builds shortlists. It is safe for concurrent use; all per-cycle
// state lives on the Cycle passed in.
type Funnel struct {
	gateway           adapters.Gateway
	advisor           adapters.Advisor
	cfg               config.Funnel
	sectors           *risk.SectorMap
	minSkipConfidence float64
}

func NewFunnel(gateway adapters.Gateway, advisor adapters.Advisor, cfg config.Funnel, minSkipConfidence float64) *Funnel {
	if advisor == nil {
		advisor = adapters.NoopAdvisor{}
	}
	return &Funnel{
		gateway:           gateway,
		advisor:           advisor,
		cfg:               cfg,
		sectors:           risk.NewSectorMap(cfg.Sectors),
		minSkipConfidence: minSkipConfidence,
	}
}

// SourcesFromConfig converts configured sources.
func SourcesFromConfig(in []config.Source) []UniverseSource {
	out := make([]UniverseSource, 0, len(in))
	for _, s := range in {
		out = append(out, UniverseSource{
			Name:     s.Name,
			Cluster:  s.Cluster,
			Symbols:  s.Symbols,
			Discover: s.Discover,
			Limit:    s.Limit,
		})
	}
	return out
}

// BuildShortlist runs the full funnel for one cycle and returns at most limit
// candidates. Only context cancellation aborts it; every other failure is
// isolated to a source or a candidate.
func (f *Funnel) BuildShortlist(ctx context.Context, cycle *Cycle, sources []UniverseSource, limit int) (*Shortlist, error) {
	start := time.Now()
	out := &Shortlist{CycleID: cycle.ID, Regime: cycle.Regime}

	cands := f.universe(ctx, sources)
	out.Universe = len(cands)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := f.enrich(ctx, cycle, cands); err != nil {
		return nil, err
	}

	var scored []*Candidate
	for _, c := range cands {
		if c.Price <= 0 {
			out.Rejected = append(out.Rejected, Rejection{Symbol: c.Symbol, Stage: StageEnrich, Reason: "no price: " + c.EnrichError})
			continue
		}
		if reason, rejected := applyFilters(c, f.cfg.Filters); rejected {
			out.Rejected = append(out.Rejected, Rejection{Symbol: c.Symbol, Stage: StageFilter, Reason: reason})
			continue
		}
		scoreCandidate(c, f.cfg, cycle.Regime, cycle.StartedAt)
		scored = append(scored, c)
	}

	gated, rej := qualityGate(scored, f.cfg.QualityGateSize, f.cfg.MinScore)
	out.Rejected = append(out.Rejected, rej...)

	admitted, rej := diversify(gated, f.cfg.SectorCap, f.cfg.SourceCap, f.cfg.NearDuplicateTolerance)
	out.Rejected = append(out.Rejected, rej...)

	admitted, rej = f.review(ctx, cycle, admitted)
	out.Rejected = append(out.Rejected, rej...)

	if limit > 0 && len(admitted) > limit {
		for _, c := range admitted[limit:] {
			out.Rejected = append(out.Rejected, Rejection{Symbol: c.Symbol, Stage: StageLimit,
				Reason: fmt.Sprintf("beyond shortlist limit %d", limit), Score: c.Score})
		}
		admitted = admitted[:limit]
	}
	out.Candidates = admitted

	for _, r := range out.Rejected {
		observ.Log("candidate_rejected", map[string]any{
			"cycle_id": cycle.ID, "symbol": r.Symbol, "stage": r.Stage, "reason": r.Reason, "score": r.Score,
		})
		observ.IncCounter("candidates_rejected_total", map[string]string{"stage": r.Stage})
	}
	observ.Log("shortlist_built", map[string]any{
		"cycle_id":    cycle.ID,
		"kind":        string(cycle.Kind),
		"regime":      cycle.Regime.String(),
		"universe":    out.Universe,
		"shortlisted": out.Symbols(),
		"rejected":    len(out.Rejected),
	})
	observ.SetGauge("shortlist_size", float64(len(out.Candidates)), map[string]string{"kind": string(cycle.Kind)})
	observ.RecordDuration("shortlist_build", time.Since(start), map[string]string{"kind": string(cycle.Kind)})
	return out, nil
}

// universe unions every source into one candidate per symbol, keeping sorted
// source and cluster tags. A failing source is skipped.
func (f *Funnel) universe(ctx context.Context, sources []UniverseSource) []*Candidate {
	bySymbol := map[string]*Candidate{}
	tag := func(sym string, src UniverseSource) {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return
		}
		c, ok := bySymbol[sym]
		if !ok {
			c = &Candidate{Symbol: sym}
			bySymbol[sym] = c
		}
		cluster := src.Cluster
		if cluster == "" {
			cluster = src.Name
		}
		c.Sources = appendUnique(c.Sources, src.Name)
		c.Clusters = appendUnique(c.Clusters, cluster)
	}

	for _, src := range sources {
		syms := src.Symbols
		if src.Discover != "" {
			found, err := f.gateway.Discover(ctx, src.Discover, src.Limit)
			if err != nil {
				observ.Warn("universe_source_failed", map[string]any{"source": src.Name, "list": src.Discover, "error": err.Error()})
				observ.IncCounter("universe_source_failures_total", map[string]string{"source": src.Name})
			} else {
				syms = append(append([]string(nil), syms...), found...)
			}
		}
		if src.Limit > 0 && len(syms) > src.Limit {
			syms = syms[:src.Limit]
		}
		for _, s := range syms {
			tag(s, src)
		}
	}

	out := make([]*Candidate, 0, len(bySymbol))
	for _, c := range bySymbol {
		sort.Strings(c.Sources)
		sort.Strings(c.Clusters)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// enrich fetches quote, profile and chain per candidate with bounded
// concurrency. Failures are recorded on the candidate.
func (f *Funnel) enrich(ctx context.Context, cycle *Cycle, cands []*Candidate) error {
	limit := f.cfg.EnrichConcurrency
	if limit <= 0 {
		limit = 8
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			f.enrichOne(ctx, cycle, c)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (f *Funnel) enrichOne(ctx context.Context, cycle *Cycle, c *Candidate) {
	now := cycle.StartedAt
	var errs []error
	var asOf []time.Time
	var reportedSector string

	quote, err := f.gateway.GetQuote(ctx, c.Symbol)
	if err == nil {
		err = adapters.ValidateQuote(quote)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("quote: %w", err))
	} else {
		c.Price = quote.Last
		c.ChangePct = quote.ChangePct
		c.Liquidity = &Liquidity{Volume: quote.Volume}
		asOf = append(asOf, quote.Timestamp)
	}

	profile, err := f.gateway.GetProfile(ctx, c.Symbol)
	if err != nil {
		errs = append(errs, fmt.Errorf("profile: %w", err))
	} else {
		reportedSector = profile.Sector
		if profile.NextEarnings != nil {
			days := int(math.Floor(profile.NextEarnings.Sub(now).Hours() / 24))
			c.Earnings = &Earnings{Date: *profile.NextEarnings, DaysUntil: days}
		}
	}
	c.Sector = f.sectors.GetSector(c.Symbol, reportedSector)

	chain, err := f.gateway.GetChain(ctx, c.Symbol, now, now.Add(chainHorizon))
	if err != nil {
		errs = append(errs, fmt.Errorf("chain: %w", err))
	} else {
		c.Chain = chain
		volume, oi, spread := chain.Liquidity()
		if c.Liquidity == nil {
			c.Liquidity = &Liquidity{}
		}
		c.Liquidity.OptionVolume = volume
		c.Liquidity.OpenInterest = oi
		c.Liquidity.AvgSpreadPct = spread
		c.Options = optionsData(chain)
		if c.Price <= 0 {
			c.Price = chain.UnderlyingPrice
		}
		asOf = append(asOf, chain.AsOf)
	}

	c.DataAsOf = oldest(asOf)
	c.Signals = f.signals(c)

	if len(errs) > 0 {
		c.EnrichError = errors.Join(errs...).Error()
		observ.Warn("candidate_enrich_degraded", map[string]any{
			"cycle_id": cycle.ID, "symbol": c.Symbol, "error": c.EnrichError,
		})
		observ.IncCounter("candidate_enrich_failures_total", nil)
	}
}

func optionsData(ch *adapters.Chain) *OptionsData {
	od := &OptionsData{IVRank: ch.IVRank, PutCallRatio: ch.PutCallRatio}
	var ivSum float64
	var ivN int
	var putVol, callVol int64
	for _, c := range ch.Contracts {
		if c.ImpliedVol > 0 {
			ivSum += c.ImpliedVol
			ivN++
		}
		if c.Type == adapters.Put {
			putVol += c.Volume
		} else {
			callVol += c.Volume
		}
	}
	if ivN > 0 {
		od.ImpliedVol = ivSum / float64(ivN)
	}
	if od.PutCallRatio == 0 && callVol > 0 {
		od.PutCallRatio = float64(putVol) / float64(callVol)
	}
	return od
}

func oldest(ts []time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}

// signals derives the discrete flags counted by the scorer.
func (f *Funnel) signals(c *Candidate) []string {
	var out []string
	adj := f.cfg.Adjustments
	if o := c.Options; o != nil {
		if o.IVRank >= 50 {
			out = append(out, "high_iv_rank")
		}
		if o.PutCallRatio > 0 && o.PutCallRatio < adj.BullishPutCall {
			out = append(out, "call_heavy")
		}
		if o.PutCallRatio > adj.BearishPutCall {
			out = append(out, "put_heavy")
		}
	}
	if math.Abs(c.ChangePct) >= 2 {
		out = append(out, "momentum")
	}
	if l := c.Liquidity; l != nil {
		if f.cfg.PreferredVolume > 0 && float64(l.Volume) >= f.cfg.PreferredVolume {
			out = append(out, "volume_surge")
		}
		if f.cfg.PreferredOpenInterest > 0 && float64(l.OpenInterest) >= f.cfg.PreferredOpenInterest {
			out = append(out, "deep_open_interest")
		}
	}
	sort.Strings(out)
	return out
}

// review asks the advisor about the admitted list. Only a confident SKIP
// removes a candidate; advisor failure means no advice.
func (f *Funnel) review(ctx context.Context, cycle *Cycle, cands []*Candidate) ([]*Candidate, []Rejection) {
	if len(cands) == 0 {
		return cands, nil
	}
	summaries := make([]adapters.FeatureSummary, 0, len(cands))
	for _, c := range cands {
		fs := adapters.FeatureSummary{
			Symbol:    c.Symbol,
			Sector:    c.Sector,
			Price:     c.Price,
			ChangePct: c.ChangePct,
			Score:     c.Score,
			Signals:   c.Signals,
			Regime:    cycle.Regime.String(),
		}
		if c.Options != nil {
			fs.IVRank = c.Options.IVRank
			fs.PutCallRatio = c.Options.PutCallRatio
		}
		summaries = append(summaries, fs)
	}

	advice, err := f.advisor.Advise(ctx, string(cycle.Kind), summaries)
	if err != nil {
		observ.Warn("advisor_unavailable", map[string]any{"cycle_id": cycle.ID, "error": err.Error()})
		observ.IncCounter("advisor_failures_total", nil)
		return cands, nil
	}

	var kept []*Candidate
	var rejected []Rejection
	for _, c := range cands {
		adv, ok := advice[c.Symbol]
		if ok {
			cycle.Advice[c.Symbol] = adv
		}
		if ok && adv.Action == adapters.AdviceSkip && adv.Confidence >= f.minSkipConfidence {
			rejected = append(rejected, Rejection{Symbol: c.Symbol, Stage: StageAdvisor,
				Reason: fmt.Sprintf("skip %.2f: %s", adv.Confidence, adv.Rationale), Score: c.Score})
			continue
		}
		kept = append(kept, c)
	}
	return kept, rejected
}
