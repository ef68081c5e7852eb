package decision

import (
	"fmt"
	"math"
	"sort"
)

// rank orders candidates by score descending with symbol as the tie-break.
func rank(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Symbol < cands[j].Symbol
	})
}

// qualityGate keeps the top size candidates and then drops anything under
// floor, so a thin universe is never padded with weak names.
func qualityGate(cands []*Candidate, size int, floor float64) (kept []*Candidate, rejected []Rejection) {
	rank(cands)
	for i, c := range cands {
		switch {
		case size > 0 && i >= size:
			rejected = append(rejected, Rejection{Symbol: c.Symbol, Stage: StageQualityGate,
				Reason: fmt.Sprintf("outside top %d", size), Score: c.Score})
		case c.Score < floor:
			rejected = append(rejected, Rejection{Symbol: c.Symbol, Stage: StageQualityGate,
				Reason: fmt.Sprintf("score %.2f below floor %.2f", c.Score, floor), Score: c.Score})
		default:
			kept = append(kept, c)
		}
	}
	return kept, rejected
}

type diversifier struct {
	sectorCap int
	sourceCap int
	tolerance float64

	sectors  map[string]int
	clusters map[string]int
	admitted []*Candidate
}

// diversify walks ranked candidates in order, admitting each unless its
// sector or one of its source clusters is full, or it nearly duplicates an
// admitted candidate.
func diversify(cands []*Candidate, sectorCap, sourceCap int, tolerance float64) (kept []*Candidate, rejected []Rejection) {
	d := &diversifier{
		sectorCap: sectorCap,
		sourceCap: sourceCap,
		tolerance: tolerance,
		sectors:   map[string]int{},
		clusters:  map[string]int{},
	}
	for _, c := range cands {
		if reason := d.check(c); reason != "" {
			rejected = append(rejected, Rejection{Symbol: c.Symbol, Stage: StageDiversification, Reason: reason, Score: c.Score})
			continue
		}
		d.admit(c)
	}
	return d.admitted, rejected
}

func (d *diversifier) check(c *Candidate) string {
	if d.sectorCap > 0 && d.sectors[c.Sector] >= d.sectorCap {
		return fmt.Sprintf("sector %s at cap %d", c.Sector, d.sectorCap)
	}
	if d.sourceCap > 0 {
		for _, cl := range c.Clusters {
			if d.clusters[cl] >= d.sourceCap {
				return fmt.Sprintf("source cluster %s at cap %d", cl, d.sourceCap)
			}
		}
	}
	for _, a := range d.admitted {
		if nearDuplicate(a, c, d.tolerance) {
			return fmt.Sprintf("near duplicate of %s", a.Symbol)
		}
	}
	return ""
}

func (d *diversifier) admit(c *Candidate) {
	d.sectors[c.Sector]++
	for _, cl := range c.Clusters {
		d.clusters[cl]++
	}
	d.admitted = append(d.admitted, c)
}

// nearDuplicate: same sector, same non-zero direction, and day moves within
// tolerance of each other relative to the larger one.
func nearDuplicate(a, b *Candidate, tolerance float64) bool {
	if tolerance <= 0 || a.Sector != b.Sector {
		return false
	}
	if a.Direction() == 0 || a.Direction() != b.Direction() {
		return false
	}
	x, y := math.Abs(a.ChangePct), math.Abs(b.ChangePct)
	return math.Abs(x-y)/math.Max(x, y) <= tolerance
}
