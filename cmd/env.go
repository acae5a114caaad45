package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/parcelscope/property-research/internal/cost"
	"github.com/parcelscope/property-research/internal/research"
	"github.com/parcelscope/property-research/internal/store"
	"github.com/parcelscope/property-research/pkg/perplexity"
)

// researchEnv bundles the wired subsystems a command needs. Callers
// should defer env.Close().
type researchEnv struct {
	Store        store.Store
	Client       perplexity.Client
	Orchestrator *research.Orchestrator
	Calc         *cost.Calculator
}

func (e *researchEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "property-research.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initResearch sets up the store, the provider client, and the
// orchestrator with the configured role set.
func initResearch(ctx context.Context) (*researchEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	client := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)

	roles := research.DefaultRoles()
	if cfg.Research.RolesFile != "" {
		roles, err = research.LoadRolesFile(cfg.Research.RolesFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	calc := cost.NewCalculator(cfg.Pricing)

	var opts []research.Option
	if cfg.Research.RatePerSecond > 0 {
		opts = append(opts, research.WithLimiter(
			rate.NewLimiter(rate.Limit(cfg.Research.RatePerSecond), len(roles)),
		))
	}

	orch, err := research.New(client, roles, research.Config{
		Deadline:    time.Duration(cfg.Research.DeadlineSecs) * time.Second,
		CallTimeout: time.Duration(cfg.Research.CallTimeoutSecs) * time.Second,
		Temperature: cfg.Research.Temperature,
		MaxTokens:   cfg.Research.MaxTokens,
		Recency:     cfg.Research.Recency,
		UnitCostUSD: calc.PerplexityQuery(),
	}, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &researchEnv{
		Store:        st,
		Client:       client,
		Orchestrator: orch,
		Calc:         calc,
	}, nil
}
