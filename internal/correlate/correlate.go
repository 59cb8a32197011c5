// Package correlate groups normalized activities from different
// providers into activity groups, each representing one real-world
// activity.
package correlate

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/model"
)

// Config holds the matching tolerances and the provider priority order
// used as a tiebreak. Tolerances are operator policy, not correctness
// constants.
type Config struct {
	// TimeTolerance is the symmetric start-time window; two activities
	// further apart than this never match.
	TimeTolerance time.Duration

	// DistanceTolerance is the maximum relative distance delta when
	// both activities report distance. An activity without a distance
	// matches on time alone.
	DistanceTolerance float64

	// Priority lists providers highest-priority first; used only to
	// break exact score ties deterministically.
	Priority []model.ProviderName
}

// DefaultConfig returns the stock tolerances: ±15 minutes, ±10%.
func DefaultConfig() Config {
	return Config{
		TimeTolerance:     15 * time.Minute,
		DistanceTolerance: 0.10,
	}
}

// Group is a set of activities believed to be the same real event, at
// most one per provider.
type Group struct {
	// CanonicalTime is the earliest member start time.
	CanonicalTime time.Time `json:"canonical_time"`

	Members map[model.ProviderName]model.NormalizedActivity `json:"members"`

	// centroid values drive matching as the group grows.
	centroidTime time.Time
	centroidDist *float64
}

// Member returns the group's activity for a provider, if present.
func (g *Group) Member(p model.ProviderName) (model.NormalizedActivity, bool) {
	a, ok := g.Members[p]
	return a, ok
}

// Providers returns the member provider names sorted for deterministic
// iteration.
func (g *Group) Providers() []model.ProviderName {
	out := make([]model.ProviderName, 0, len(g.Members))
	for p := range g.Members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Correlator matches activities across providers.
type Correlator struct {
	cfg  Config
	rank map[model.ProviderName]int
}

// New creates a Correlator. Zero tolerances fall back to the defaults.
func New(cfg Config) *Correlator {
	def := DefaultConfig()
	if cfg.TimeTolerance <= 0 {
		cfg.TimeTolerance = def.TimeTolerance
	}
	if cfg.DistanceTolerance <= 0 {
		cfg.DistanceTolerance = def.DistanceTolerance
	}
	rank := make(map[model.ProviderName]int, len(cfg.Priority))
	for i, p := range cfg.Priority {
		rank[p] = i
	}
	return &Correlator{cfg: cfg, rank: rank}
}

// Run groups the given activities. Every input activity lands in
// exactly one group; activities with no match within tolerance become
// singleton groups. Deterministic given stable input ordering: inputs
// are sorted by start time (provider rank, then ID, as tiebreaks)
// before matching.
func (c *Correlator) Run(acts []model.NormalizedActivity) []Group {
	sorted := make([]model.NormalizedActivity, len(acts))
	copy(sorted, acts)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if ra, rb := c.providerRank(a.Provider), c.providerRank(b.Provider); ra != rb {
			return ra < rb
		}
		return a.ProviderID < b.ProviderID
	})

	used := make([]bool, len(sorted))
	var groups []Group

	for i := range sorted {
		if used[i] {
			continue
		}
		used[i] = true
		g := newGroup(sorted[i])

		// Greedily absorb the best remaining candidate until none fits,
		// re-evaluating against the group's centroid after each merge.
		for {
			best := -1
			bestScore := math.Inf(1)
			for j := range sorted {
				if used[j] {
					continue
				}
				// One member per provider: a later same-provider
				// activity stays behind and seeds its own group.
				if _, taken := g.Members[sorted[j].Provider]; taken {
					continue
				}
				score, ok := c.score(&g, sorted[j])
				if !ok {
					continue
				}
				if score < bestScore || (score == bestScore && best >= 0 && c.providerRank(sorted[j].Provider) < c.providerRank(sorted[best].Provider)) {
					best = j
					bestScore = score
				}
			}
			if best < 0 {
				break
			}
			used[best] = true
			g.absorb(sorted[best])
		}

		groups = append(groups, g)
	}

	zap.L().Debug("correlated activities",
		zap.Int("activities", len(sorted)),
		zap.Int("groups", len(groups)),
	)
	return groups
}

// score returns the combined normalized time+distance delta between the
// group centroid and the candidate, or ok=false when the candidate is
// outside tolerance.
func (c *Correlator) score(g *Group, a model.NormalizedActivity) (float64, bool) {
	timeDelta := g.centroidTime.Sub(a.StartTime).Abs()
	if timeDelta > c.cfg.TimeTolerance {
		return 0, false
	}
	score := float64(timeDelta) / float64(c.cfg.TimeTolerance)

	if g.centroidDist != nil && a.DistanceMeters != nil {
		distDelta := relDelta(*g.centroidDist, *a.DistanceMeters)
		if distDelta > c.cfg.DistanceTolerance {
			return 0, false
		}
		score += distDelta / c.cfg.DistanceTolerance
	}
	return score, true
}

func (c *Correlator) providerRank(p model.ProviderName) int {
	if r, ok := c.rank[p]; ok {
		return r
	}
	return len(c.rank) + 1
}

func newGroup(a model.NormalizedActivity) Group {
	g := Group{
		CanonicalTime: a.StartTime,
		Members:       map[model.ProviderName]model.NormalizedActivity{a.Provider: a},
		centroidTime:  a.StartTime,
	}
	if a.DistanceMeters != nil {
		d := *a.DistanceMeters
		g.centroidDist = &d
	}
	return g
}

// absorb adds a to the group and recomputes the centroid time (mean of
// member starts) and distance (mean of reported distances).
func (g *Group) absorb(a model.NormalizedActivity) {
	g.Members[a.Provider] = a
	if a.StartTime.Before(g.CanonicalTime) {
		g.CanonicalTime = a.StartTime
	}

	var sum int64
	var distSum float64
	var distN int
	for _, m := range g.Members {
		sum += m.StartTime.Unix()
		if m.DistanceMeters != nil {
			distSum += *m.DistanceMeters
			distN++
		}
	}
	g.centroidTime = time.Unix(sum/int64(len(g.Members)), 0).UTC()
	if distN > 0 {
		mean := distSum / float64(distN)
		g.centroidDist = &mean
	}
}

func relDelta(a, b float64) float64 {
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 0
	}
	return diff / scale
}
