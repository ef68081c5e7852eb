package decision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(symbol, sector string, score, change float64, clusters ...string) *Candidate {
	if len(clusters) == 0 {
		clusters = []string{"static"}
	}
	return &Candidate{Symbol: symbol, Sector: sector, Score: score, ChangePct: change, Clusters: clusters}
}

func symbols(cs []*Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Symbol)
	}
	return out
}

func TestDiversify_SectorCapRejectsFifth(t *testing.T) {
	ranked := []*Candidate{
		cand("T1", "x", 95, 1),
		cand("T2", "x", 90, 2),
		cand("E1", "energy", 88, 1),
		cand("T3", "x", 85, 4),
		cand("T4", "x", 80, 8),
		cand("T5", "x", 75, 16),
	}
	kept, rejected := diversify(ranked, 3, 0, 0.15)

	assert.Equal(t, []string{"T1", "T2", "E1", "T3"}, symbols(kept))
	require.Len(t, rejected, 2)
	assert.Equal(t, "T5", rejected[1].Symbol)
	assert.Equal(t, StageDiversification, rejected[1].Stage)
	assert.Contains(t, rejected[1].Reason, "sector x")
}

func TestDiversify_NearDuplicate(t *testing.T) {
	ranked := []*Candidate{
		cand("A", "tech", 90, 2.0),
		cand("B", "tech", 85, 2.2),  // same direction, within 15%
		cand("C", "tech", 80, -2.1), // opposite direction
		cand("D", "energy", 75, 2.1),
		cand("E", "tech", 70, 0), // no direction
	}
	kept, rejected := diversify(ranked, 0, 0, 0.15)

	assert.Equal(t, []string{"A", "C", "D", "E"}, symbols(kept))
	require.Len(t, rejected, 1)
	assert.True(t, strings.HasPrefix(rejected[0].Reason, "near duplicate of A"))
}

func TestDiversify_SourceClusterCountsEveryTag(t *testing.T) {
	ranked := []*Candidate{
		cand("A", "s1", 90, 1, "flow", "static"),
		cand("B", "s2", 85, 2, "flow"),
		cand("C", "s3", 80, 4, "static"),
		cand("D", "s4", 75, 8, "news"),
	}
	kept, rejected := diversify(ranked, 0, 2, 0)

	assert.Equal(t, []string{"A", "B", "C", "D"}, symbols(kept))
	assert.Empty(t, rejected)

	ranked = append(ranked, cand("E", "s5", 70, 16, "news", "flow"))
	kept, rejected = diversify(ranked, 0, 2, 0)
	assert.Len(t, kept, 4)
	require.Len(t, rejected, 1)
	assert.Equal(t, "E", rejected[0].Symbol)
	assert.Contains(t, rejected[0].Reason, "flow")
}

func TestQualityGate_TruncatesThenAppliesFloor(t *testing.T) {
	cands := []*Candidate{
		cand("LOW", "a", 30, 0),
		cand("MID", "a", 40, 0),
		cand("BBB", "a", 80, 0),
		cand("AAA", "a", 80, 0),
		cand("TOP", "a", 90, 0),
	}
	kept, rejected := qualityGate(cands, 4, 50)

	assert.Equal(t, []string{"TOP", "AAA", "BBB"}, symbols(kept), "ties break by symbol")
	require.Len(t, rejected, 2)
	assert.Equal(t, "MID", rejected[0].Symbol)
	assert.Contains(t, rejected[0].Reason, "below floor")
	assert.Equal(t, "LOW", rejected[1].Symbol)
	assert.Contains(t, rejected[1].Reason, "outside top 4")
}
