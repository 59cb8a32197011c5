package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fitsync/fitsync/internal/apply"
	"github.com/fitsync/fitsync/internal/correlate"
	"github.com/fitsync/fitsync/internal/diff"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/provider"
	"github.com/fitsync/fitsync/internal/review"
	"github.com/fitsync/fitsync/internal/scheduler"
	"github.com/fitsync/fitsync/internal/store"
)

// openStore builds the configured backend and brings its schema
// current. The caller owns Close.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "", "sqlite":
		st, err = store.NewSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// engine bundles the collaborators most commands need.
type engine struct {
	store    store.Store
	registry *provider.Registry
	sched    *scheduler.Scheduler
	reviews  *review.Service
	applier  *apply.Applier
}

func buildEngine(ctx context.Context) (*engine, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := provider.FromConfig(cfg)
	priority := cfg.PriorityOrder()

	sched := scheduler.New(scheduler.Config{
		Workers:             cfg.Scheduler.Workers,
		MaxAttempts:         cfg.Scheduler.MaxAttempts,
		BackoffBase:         time.Duration(cfg.Scheduler.BackoffBaseSecs) * time.Second,
		BackoffCap:          time.Duration(cfg.Scheduler.BackoffCapSecs) * time.Second,
		RateLimitAlertAfter: cfg.Scheduler.RateLimitAlertAfter,
	}, st, reg)

	correlator := correlate.New(correlate.Config{
		TimeTolerance:     cfg.Correlate.TimeTolerance(),
		DistanceTolerance: cfg.Correlate.DistanceTolerance,
		Priority:          priority,
	})
	builder := diff.New(diff.Config{
		Priority:        priority,
		DistanceEpsilon: cfg.Diff.DistanceEpsilon,
		NumericEpsilon:  cfg.Diff.NumericEpsilon,
	}, st)

	policies := map[model.ProviderName]apply.WritePolicy{}
	for name, pc := range cfg.Providers {
		policies[model.ProviderName(name)] = apply.WritePolicy{
			SyncName:      pc.SyncName,
			SyncEquipment: pc.SyncEquipment,
		}
	}

	return &engine{
		store:    st,
		registry: reg,
		sched:    sched,
		reviews:  review.NewService(st, correlator, builder),
		applier:  apply.New(st, reg, policies),
	}, nil
}

func (e *engine) Close() {
	_ = e.store.Close()
}
