// Package review assembles the month comparison report: load the
// month's activities, correlate them into groups, diff each group, and
// fold the result into the cached per-month review state.
package review

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/correlate"
	"github.com/fitsync/fitsync/internal/diff"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/store"
)

// GroupReport is one correlated group plus its field diffs.
type GroupReport struct {
	CanonicalTime time.Time                                       `json:"canonical_time"`
	Members       map[model.ProviderName]model.NormalizedActivity `json:"members"`
	Rows          []diff.FieldDiff                                `json:"rows,omitempty"`

	group *correlate.Group
}

// Group exposes the underlying correlation group for change planning.
func (g *GroupReport) Group() *correlate.Group { return g.group }

// Report is the full month view.
type Report struct {
	Month  model.Month        `json:"month"`
	State  model.ReviewState  `json:"state"`
	Groups []GroupReport      `json:"groups"`
	Status []model.SyncStatus `json:"status,omitempty"`
}

// Service runs comparisons. It owns no state beyond its collaborators.
type Service struct {
	store      store.Store
	correlator *correlate.Correlator
	builder    *diff.Builder
	log        *zap.Logger
}

// NewService creates the comparison service.
func NewService(st store.Store, c *correlate.Correlator, b *diff.Builder) *Service {
	return &Service{
		store:      st,
		correlator: c,
		builder:    b,
		log:        zap.L().With(zap.String("component", "review")),
	}
}

// MonthReport builds the comparison for month and refreshes the cached
// review state. The state is requires_action when any row still needs a
// decision, synced otherwise.
func (s *Service) MonthReport(ctx context.Context, month model.Month) (*Report, error) {
	acts, err := s.store.ListMonth(ctx, month)
	if err != nil {
		return nil, eris.Wrapf(err, "review: load %s", month)
	}

	report := &Report{Month: month, State: model.ReviewSynced}
	groups := s.correlator.Run(acts)
	for i := range groups {
		g := &groups[i]
		rows, err := s.builder.Build(ctx, g)
		if err != nil {
			return nil, eris.Wrapf(err, "review: diff %s", month)
		}
		report.Groups = append(report.Groups, GroupReport{
			CanonicalTime: g.CanonicalTime,
			Members:       g.Members,
			Rows:          rows,
			group:         g,
		})
		for _, row := range rows {
			if row.NeedsDecision {
				report.State = model.ReviewRequiresAction
			}
		}
	}
	sort.Slice(report.Groups, func(i, j int) bool {
		return report.Groups[i].CanonicalTime.Before(report.Groups[j].CanonicalTime)
	})

	if statuses, err := s.store.ListMonthStatuses(ctx, month); err == nil {
		report.Status = statuses
	} else {
		s.log.Warn("status list failed", zap.Error(err))
	}

	if err := s.store.SetMonthReview(ctx, month, report.State); err != nil {
		s.log.Warn("review cache write failed", zap.Error(err))
	}
	return report, nil
}

// CachedState returns the stored review judgement without recomputing.
func (s *Service) CachedState(ctx context.Context, month model.Month) (model.ReviewState, error) {
	return s.store.GetMonthReview(ctx, month)
}
