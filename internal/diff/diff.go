// Package diff computes the per-field comparison table for one
// activity group: which providers agree, which disagree, and what value
// the reconciler proposes. Conflicts are never auto-resolved — rows with
// NeedsDecision set must be confirmed by the user before any write-back.
package diff

import (
	"context"
	"sort"

	"golang.org/x/text/cases"

	"github.com/fitsync/fitsync/internal/correlate"
	"github.com/fitsync/fitsync/internal/model"
)

// Agreement classifies a field row.
type Agreement string

const (
	// Unanimous: every reporting member agrees (within epsilon).
	Unanimous Agreement = "unanimous"

	// SingleSource: exactly one member reports the field.
	SingleSource Agreement = "single_source"

	// Conflict: reporting members disagree; requires a user decision.
	Conflict Agreement = "conflict"
)

// FieldDiff is one row of the comparison table.
type FieldDiff struct {
	Field     model.FieldName                        `json:"field"`
	Values    map[model.ProviderName]model.FieldValue `json:"values"`
	Agreement Agreement                              `json:"agreement"`

	// Proposed is the builder's suggestion; ProposedBy names the
	// provider it came from.
	Proposed   model.FieldValue   `json:"proposed"`
	ProposedBy model.ProviderName `json:"proposed_by"`

	// NeedsDecision is set on conflicts only: the proposal must not be
	// applied without explicit user confirmation.
	NeedsDecision bool `json:"needs_decision"`

	// Epsilon is the relative tolerance this row was classified with;
	// change planning reuses it so members already within tolerance of
	// the proposal are not rewritten.
	Epsilon float64 `json:"-"`
}

// ResolutionLookup is the slice of the store the builder needs.
type ResolutionLookup interface {
	GetResolution(ctx context.Context, provider model.ProviderName, providerID string, field model.FieldName) (*model.FieldResolution, error)
}

// Config holds the comparison policy.
type Config struct {
	// Priority lists providers highest-priority first; the conflict
	// proposal comes from the highest-priority reporter.
	Priority []model.ProviderName

	// DistanceEpsilon is the relative tolerance for distance, default 1%.
	DistanceEpsilon float64

	// NumericEpsilon is the relative tolerance for other numeric
	// fields, default 1%.
	NumericEpsilon float64
}

// Builder computes field diffs for activity groups.
type Builder struct {
	cfg  Config
	res  ResolutionLookup
	rank map[model.ProviderName]int
	fold cases.Caser
}

// New creates a Builder. res may be nil, in which case no applied
// write-backs are suppressed.
func New(cfg Config, res ResolutionLookup) *Builder {
	if cfg.DistanceEpsilon <= 0 {
		cfg.DistanceEpsilon = 0.01
	}
	if cfg.NumericEpsilon <= 0 {
		cfg.NumericEpsilon = 0.01
	}
	rank := make(map[model.ProviderName]int, len(cfg.Priority))
	for i, p := range cfg.Priority {
		rank[p] = i
	}
	return &Builder{cfg: cfg, res: res, rank: rank, fold: cases.Fold()}
}

// Build returns one row per known field that still needs attention.
// Omitted: fields no member reports, fields unanimous and reported by
// every member, and rows of any agreement fully covered by recorded
// write-backs that the providers have not contradicted since.
func (b *Builder) Build(ctx context.Context, g *correlate.Group) ([]FieldDiff, error) {
	var out []FieldDiff
	for _, field := range b.fieldOrder(g) {
		row, keep, err := b.buildField(ctx, g, field)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, row)
		}
	}
	return out, nil
}

// fieldOrder collects every field any member reports, first-class
// columns first, then bag fields in name order.
func (b *Builder) fieldOrder(g *correlate.Group) []model.FieldName {
	seen := map[model.FieldName]bool{}
	var bag []model.FieldName
	for _, a := range g.Members {
		for name := range a.Fields {
			if !seen[name] {
				seen[name] = true
				bag = append(bag, name)
			}
		}
	}
	sort.Slice(bag, func(i, j int) bool { return bag[i] < bag[j] })
	return append([]model.FieldName{model.FieldDistance, model.FieldDuration, model.FieldActivityType}, bag...)
}

func (b *Builder) buildField(ctx context.Context, g *correlate.Group, field model.FieldName) (FieldDiff, bool, error) {
	values := map[model.ProviderName]model.FieldValue{}
	for p, a := range g.Members {
		if v, ok := reportedValue(&a, field); ok {
			values[p] = v
		}
	}
	if len(values) == 0 {
		return FieldDiff{}, false, nil
	}

	// All-null reports carry nothing to reconcile.
	allNull := true
	for _, v := range values {
		if !v.IsNull() {
			allNull = false
			break
		}
	}
	if allNull {
		return FieldDiff{}, false, nil
	}

	eps := b.epsilon(field)
	row := FieldDiff{Field: field, Values: values, Epsilon: eps}
	reporters := b.byPriority(values)

	unanimous := true
	first := values[reporters[0]]
	for _, p := range reporters[1:] {
		if !first.EqualFold(values[p], eps, b.fold.String) {
			unanimous = false
			break
		}
	}

	switch {
	case len(values) == 1:
		row.Agreement = SingleSource
	case unanimous:
		row.Agreement = Unanimous
	default:
		row.Agreement = Conflict
		row.NeedsDecision = true
	}
	row.ProposedBy = reporters[0]
	row.Proposed = values[reporters[0]]

	// Nothing to do when every member already reports the same value.
	if row.Agreement == Unanimous && len(values) == len(g.Members) {
		return FieldDiff{}, false, nil
	}

	// Rows already written back (and not since contradicted by a
	// fresher pull) stay hidden, whatever their agreement.
	if b.res != nil {
		covered, err := b.rowCovered(ctx, g, row, eps)
		if err != nil {
			return FieldDiff{}, false, err
		}
		if covered {
			return FieldDiff{}, false, nil
		}
	}

	return row, true, nil
}

// rowCovered reports whether every member a write would target, one
// disagreeing with the proposal or missing the field entirely, has a
// recorded resolution equal to the proposed value, dated no earlier
// than the member's last pull. A member re-pulled after the write-back
// that still diverges reopens the row.
func (b *Builder) rowCovered(ctx context.Context, g *correlate.Group, row FieldDiff, eps float64) (bool, error) {
	for p, member := range g.Members {
		if p == row.ProposedBy {
			continue
		}
		if v, ok := row.Values[p]; ok && v.EqualFold(row.Proposed, eps, b.fold.String) {
			continue
		}
		res, err := b.res.GetResolution(ctx, p, member.ProviderID, row.Field)
		if err != nil {
			return false, err
		}
		if res == nil {
			return false, nil
		}
		if !res.Value.EqualFold(row.Proposed, eps, b.fold.String) {
			return false, nil
		}
		if member.PulledAt.After(res.ResolvedAt) {
			return false, nil
		}
	}
	return true, nil
}

// byPriority returns the reporting providers ordered by configured
// priority, name as tiebreak.
func (b *Builder) byPriority(values map[model.ProviderName]model.FieldValue) []model.ProviderName {
	out := make([]model.ProviderName, 0, len(values))
	for p := range values {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := b.providerRank(out[i]), b.providerRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

func (b *Builder) providerRank(p model.ProviderName) int {
	if r, ok := b.rank[p]; ok {
		return r
	}
	return len(b.rank) + 1
}

func (b *Builder) epsilon(field model.FieldName) float64 {
	switch {
	case field == model.FieldDistance:
		return b.cfg.DistanceEpsilon
	case field == model.FieldDuration, model.NumericFields[field]:
		return b.cfg.NumericEpsilon
	default:
		return 0
	}
}

// reportedValue projects first-class columns and bag fields uniformly.
func reportedValue(a *model.NormalizedActivity, field model.FieldName) (model.FieldValue, bool) {
	switch field {
	case model.FieldDistance:
		if a.DistanceMeters == nil {
			return model.FieldValue{}, false
		}
		return model.Number(*a.DistanceMeters), true
	case model.FieldDuration:
		if a.DurationSeconds == nil {
			return model.FieldValue{}, false
		}
		return model.Number(*a.DurationSeconds), true
	case model.FieldActivityType:
		if a.ActivityType == "" {
			return model.FieldValue{}, false
		}
		return model.Text(string(a.ActivityType)), true
	default:
		return a.Field(field)
	}
}
