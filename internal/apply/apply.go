// Package apply pushes confirmed field values back to providers. Writes
// are independent per provider: a throttled or de-authorized provider
// stops its own remaining changes and nothing else. There is no
// cross-provider rollback; partial application is the designed outcome.
package apply

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/fitsync/fitsync/internal/correlate"
	"github.com/fitsync/fitsync/internal/diff"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/provider"
	"github.com/fitsync/fitsync/internal/store"
)

// Op distinguishes the two change shapes. Empty means update.
type Op string

const (
	// OpUpdate writes one field value to an existing provider activity.
	OpUpdate Op = "update"

	// OpCreate pushes a whole new activity to a provider that has no
	// member in the group.
	OpCreate Op = "create"
)

// Change is one write destined for one provider: a field update on an
// existing activity, or a whole-activity create.
type Change struct {
	Op         Op                 `json:"op,omitempty"`
	Provider   model.ProviderName `json:"provider"`
	ProviderID string             `json:"provider_id,omitempty"`
	Field      model.FieldName    `json:"field,omitempty"`
	Value      model.FieldValue   `json:"value,omitempty"`

	// Activity carries the create payload; unset on updates.
	Activity *model.NormalizedActivity `json:"activity,omitempty"`
}

// Outcome classifies what happened to a change.
type Outcome string

const (
	Applied Outcome = "applied"

	// Skipped: policy opt-out, unsupported operation, or an earlier
	// rate-limit/auth stop on the same provider.
	Skipped Outcome = "skipped"

	Failed Outcome = "failed"
)

// Result pairs a change with its outcome.
type Result struct {
	Change  Change  `json:"change"`
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

// WritePolicy holds a provider's configured write opt-outs.
type WritePolicy struct {
	SyncName      bool
	SyncEquipment bool
}

// Allows reports whether policy permits writing field.
func (p WritePolicy) Allows(field model.FieldName) bool {
	switch field {
	case model.FieldTitle:
		return p.SyncName
	case model.FieldEquipment:
		return p.SyncEquipment
	default:
		return true
	}
}

// Applier executes change sets against registered providers.
type Applier struct {
	store    store.Store
	reg      *provider.Registry
	policies map[model.ProviderName]WritePolicy
	now      func() time.Time
	log      *zap.Logger
}

// New creates an Applier. Providers absent from policies get a
// permissive default.
func New(st store.Store, reg *provider.Registry, policies map[model.ProviderName]WritePolicy) *Applier {
	if policies == nil {
		policies = map[model.ProviderName]WritePolicy{}
	}
	return &Applier{
		store:    st,
		reg:      reg,
		policies: policies,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "apply")),
	}
}

// Plan turns confirmed diff rows into the change set that brings every
// group member to the proposed value. Members already within the row's
// tolerance of the proposal get no change. Providers in creatable that
// have no member in the group get one create change carrying the
// group's merged activity. Write policy checks happen at apply time,
// not here.
func Plan(g *correlate.Group, rows []diff.FieldDiff, creatable []model.ProviderName) []Change {
	fold := cases.Fold()
	var out []Change
	for _, p := range creatable {
		if _, ok := g.Members[p]; ok {
			continue
		}
		act := mergedActivity(g, rows)
		act.Provider = p
		out = append(out, Change{Op: OpCreate, Provider: p, Activity: &act})
	}
	for _, row := range rows {
		for _, p := range sortedProviders(g) {
			if p == row.ProposedBy {
				continue
			}
			member := g.Members[p]
			if current, ok := row.Values[p]; ok && current.EqualFold(row.Proposed, row.Epsilon, fold.String) {
				continue
			}
			out = append(out, Change{
				Provider:   p,
				ProviderID: member.ProviderID,
				Field:      row.Field,
				Value:      row.Proposed,
			})
		}
	}
	return out
}

// CreateTargets lists registered providers that accept new activities.
func CreateTargets(reg *provider.Registry) []model.ProviderName {
	var out []model.ProviderName
	for _, p := range reg.All() {
		if p.Capabilities().CreateActivity {
			out = append(out, p.Name())
		}
	}
	return out
}

// mergedActivity is the create payload: the earliest member's record
// with every proposed row value overlaid, provider identity cleared.
func mergedActivity(g *correlate.Group, rows []diff.FieldDiff) model.NormalizedActivity {
	var base model.NormalizedActivity
	for i, p := range sortedProviders(g) {
		m := g.Members[p]
		if i == 0 || m.StartTime.Before(base.StartTime) {
			base = m
		}
	}

	act := base
	act.ProviderID = ""
	act.PulledAt = time.Time{}
	act.Fields = base.Fields.Clone()
	if act.Fields == nil {
		act.Fields = model.Fields{}
	}
	for _, row := range rows {
		switch row.Field {
		case model.FieldDistance:
			if row.Proposed.Kind == model.KindNumber {
				act.DistanceMeters = model.Float64(row.Proposed.Number)
			}
		case model.FieldDuration:
			if row.Proposed.Kind == model.KindNumber {
				act.DurationSeconds = model.Float64(row.Proposed.Number)
			}
		case model.FieldActivityType:
			if row.Proposed.Kind == model.KindText {
				act.ActivityType = model.ActivityType(row.Proposed.Text)
			}
		default:
			act.Fields[row.Field] = row.Proposed
		}
	}
	return act
}

func sortedProviders(g *correlate.Group) []model.ProviderName {
	out := make([]model.ProviderName, 0, len(g.Members))
	for p := range g.Members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply executes changes grouped by provider. The month is only used to
// record rate-limit and auth outcomes on the provider's sync status.
func (a *Applier) Apply(ctx context.Context, month model.Month, changes []Change) []Result {
	byProvider := map[model.ProviderName][]Change{}
	var order []model.ProviderName
	for _, c := range changes {
		if _, seen := byProvider[c.Provider]; !seen {
			order = append(order, c.Provider)
		}
		byProvider[c.Provider] = append(byProvider[c.Provider], c)
	}

	var results []Result
	for _, p := range order {
		results = append(results, a.applyProvider(ctx, month, p, byProvider[p])...)
	}
	return results
}

// applyProvider runs one provider's changes in order, stopping that
// provider at the first rate-limit or auth error.
func (a *Applier) applyProvider(ctx context.Context, month model.Month, name model.ProviderName, changes []Change) []Result {
	log := a.log.With(zap.String("provider", string(name)))
	results := make([]Result, 0, len(changes))

	adapter, err := a.reg.Get(name)
	if err != nil {
		for _, c := range changes {
			results = append(results, Result{Change: c, Outcome: Skipped, Message: "provider not registered"})
		}
		return results
	}
	policy, hasPolicy := a.policies[name]
	if !hasPolicy {
		policy = WritePolicy{SyncName: true, SyncEquipment: true}
	}

	stopped := ""
	for _, c := range changes {
		if stopped != "" {
			results = append(results, Result{Change: c, Outcome: Skipped, Message: stopped})
			continue
		}

		var createdID string
		var err error
		if c.Op == OpCreate {
			createdID, err = a.createActivity(ctx, adapter, c)
		} else {
			if !policy.Allows(c.Field) {
				results = append(results, Result{Change: c, Outcome: Skipped, Message: "disabled by provider policy"})
				continue
			}
			err = adapter.ApplyChange(ctx, c.ProviderID, c.Field, c.Value)
		}

		switch {
		case err == nil:
			if c.Op == OpCreate {
				results = append(results, Result{Change: c, Outcome: Applied, Message: createdID})
				log.Info("activity created", zap.String("activity", createdID))
				continue
			}
			res := &model.FieldResolution{
				Provider:   c.Provider,
				ProviderID: c.ProviderID,
				Field:      c.Field,
				Value:      c.Value,
				ResolvedAt: a.now(),
			}
			if upErr := a.store.UpsertResolution(ctx, res); upErr != nil {
				log.Warn("resolution record failed", zap.Error(upErr))
			}
			results = append(results, Result{Change: c, Outcome: Applied})
			log.Info("change applied",
				zap.String("activity", c.ProviderID),
				zap.String("field", string(c.Field)))

		case provider.IsUnsupported(err):
			results = append(results, Result{Change: c, Outcome: Skipped, Message: err.Error()})

		default:
			if rl, ok := provider.AsRateLimit(err); ok {
				stopped = "provider rate limited"
				a.recordRateLimit(ctx, month, name, rl)
				results = append(results, Result{Change: c, Outcome: Failed, Message: err.Error()})
				log.Warn("write-back rate limited", zap.String("kind", string(rl.Kind)))
				continue
			}
			if _, ok := provider.AsAuth(err); ok {
				stopped = "provider authorization expired"
				a.recordAuthFailure(ctx, month, name, err)
				results = append(results, Result{Change: c, Outcome: Failed, Message: err.Error()})
				log.Error("write-back auth failure", zap.Error(err))
				continue
			}
			// Plain failures do not stop the provider's remaining writes.
			results = append(results, Result{Change: c, Outcome: Failed, Message: err.Error()})
			log.Warn("write-back failed",
				zap.String("activity", c.ProviderID),
				zap.String("field", string(c.Field)),
				zap.Error(err))
		}
	}
	return results
}

// createActivity pushes a create change through the optional Creator
// interface, refusing providers that do not advertise the capability.
func (a *Applier) createActivity(ctx context.Context, adapter provider.Provider, c Change) (string, error) {
	creator, ok := adapter.(provider.Creator)
	if !ok || !adapter.Capabilities().CreateActivity {
		return "", &provider.UnsupportedError{Provider: c.Provider, Operation: "create activity"}
	}
	if c.Activity == nil {
		return "", eris.New("create change carries no activity")
	}
	return creator.CreateActivity(ctx, *c.Activity)
}

func (a *Applier) recordRateLimit(ctx context.Context, month model.Month, name model.ProviderName, rl *provider.RateLimitError) {
	key := model.SyncKey{Provider: name, Month: month}
	st, err := a.store.GetSyncStatus(ctx, key)
	if err != nil {
		a.log.Warn("status load failed", zap.Error(err))
		return
	}
	if st == nil {
		st = &model.SyncStatus{Key: key, State: model.SyncUnknown}
	}
	now := a.now()
	reset := rl.ResetAt
	if reset.IsZero() {
		if rl.Kind == model.RateLimitLongTerm {
			reset = provider.NextMidnightUTC(now)
		} else {
			reset = provider.NextQuarterHour(now)
		}
	}
	st.RateLimitKind = rl.Kind
	st.RateLimitReset = reset
	st.LastOperationAt = now
	st.LastMessage = rl.Error()
	if err := a.store.UpsertSyncStatus(ctx, st); err != nil {
		a.log.Warn("status write failed", zap.Error(err))
	}
}

func (a *Applier) recordAuthFailure(ctx context.Context, month model.Month, name model.ProviderName, cause error) {
	key := model.SyncKey{Provider: name, Month: month}
	st, err := a.store.GetSyncStatus(ctx, key)
	if err != nil {
		a.log.Warn("status load failed", zap.Error(err))
		return
	}
	if st == nil {
		st = &model.SyncStatus{Key: key, RateLimitKind: model.RateLimitNone}
	}
	st.State = model.SyncError
	st.LastOperationAt = a.now()
	st.LastMessage = cause.Error()
	if err := a.store.UpsertSyncStatus(ctx, st); err != nil {
		a.log.Warn("status write failed", zap.Error(err))
	}
}
