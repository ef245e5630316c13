// Package pipeline drives a reconciliation run: one worker per page source
// feeding the normalizer and resolver, checkpointing after every page,
// followed by an optional enrichment pass.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/registry-cli/internal/checkpoint"
	"github.com/sells-group/registry-cli/internal/connector"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/internal/resolver"
	"github.com/sells-group/registry-cli/internal/store"
)

// Budget bounds how much of one source a run may consume. Zero values are
// unlimited.
type Budget struct {
	MaxPages   int
	TimeBudget time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	Budgets map[model.SourceID]Budget
	// MaxCircuitTrips is how many times a worker waits out an open circuit
	// before it stops its source for this run. Default: 3.
	MaxCircuitTrips int
	// EnrichBatchSize is the number of ids per lookup batch. Default: 50.
	EnrichBatchSize int
	// AssignFallbackKeys promotes entries still unresolved at the end of
	// the run under synthetic ids.
	AssignFallbackKeys bool
	Filter             resolver.Filter
	Resolver           resolver.Config
	Weights            normalize.Weights
}

// Options selects what one invocation does.
type Options struct {
	// Fresh starts a new run even when the latest one is unfinished.
	Fresh bool
	// Enrich runs the enrichment pass after the page sources.
	Enrich bool
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Resumed  bool
	Status   model.RunStatus
	Admitted []*model.CanonicalCompany
	Stats    model.RunStats
}

// Orchestrator owns the connectors, controllers and store of a run.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	pages       []connector.PageConnector
	enricher    connector.EnrichmentConnector
	resolvers   []connector.NameResolver
	controllers *resilience.Controllers
	normalizer  *normalize.Normalizer

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. enricher may be nil; page connectors that
// also implement connector.NameResolver take part in name resolution.
func New(cfg Config, st store.Store, controllers *resilience.Controllers, pages []connector.PageConnector, enricher connector.EnrichmentConnector) *Orchestrator {
	if cfg.MaxCircuitTrips <= 0 {
		cfg.MaxCircuitTrips = 3
	}
	if cfg.EnrichBatchSize <= 0 {
		cfg.EnrichBatchSize = 50
	}
	if controllers == nil {
		controllers = resilience.NewControllers()
	}
	var resolvers []connector.NameResolver
	if enricher != nil {
		resolvers = append(resolvers, enricher)
	}
	for _, p := range pages {
		if r, ok := p.(connector.NameResolver); ok {
			resolvers = append(resolvers, r)
		}
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		pages:       pages,
		enricher:    enricher,
		resolvers:   resolvers,
		controllers: controllers,
		normalizer:  normalize.New(cfg.Weights),
		nowFunc:     time.Now,
		sleepFunc:   sleepCtx,
	}
}

// runState is the mutable state shared by the workers of one run.
type runState struct {
	run      *model.Run
	cp       *checkpoint.Manager
	resolver *resolver.Resolver
	stats    *statsRecorder
}

// Run executes one reconciliation run. It resumes the latest unfinished run
// unless opts.Fresh is set. Only storage failures are returned as errors;
// a cancelled ctx ends the run as interrupted with everything merged so far
// committed.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	rs, resumed, err := o.begin(ctx, opts.Fresh)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("run_id", rs.run.ID))
	log.Info("pipeline: run started", zap.Bool("resumed", resumed), zap.Int("sources", len(o.pages)))

	g, gctx := errgroup.WithContext(ctx)
	exhausted := make([]bool, len(o.pages))
	for i, conn := range o.pages {
		g.Go(func() error {
			done, err := o.runSource(gctx, rs, conn)
			exhausted[i] = done
			return err
		})
	}
	err = g.Wait()

	if err == nil && ctx.Err() == nil && opts.Enrich {
		err = o.enrich(ctx, rs)
	}
	if err == nil && ctx.Err() == nil && o.cfg.AssignFallbackKeys {
		err = o.assignFallbackKeys(ctx, rs)
	}

	status := model.RunStatusComplete
	switch {
	case err != nil:
		status = model.RunStatusFailed
	case ctx.Err() != nil:
		status = model.RunStatusInterrupted
	default:
		for _, done := range exhausted {
			if !done {
				// Budget or circuit stopped a source; the next invocation resumes it.
				status = model.RunStatusInterrupted
			}
		}
	}

	res, finishErr := o.finish(ctx, rs, status, err)
	res.Resumed = resumed
	if err != nil {
		return res, err
	}
	return res, finishErr
}

// Enrich runs only the enrichment pass over the stored canonical set,
// under a run of its own.
func (o *Orchestrator) Enrich(ctx context.Context) (*Result, error) {
	if o.enricher == nil {
		return nil, eris.New("pipeline: no enrichment connector configured")
	}
	rs, _, err := o.begin(ctx, true)
	if err != nil {
		return nil, err
	}
	err = o.enrich(ctx, rs)

	status := model.RunStatusComplete
	switch {
	case err != nil:
		status = model.RunStatusFailed
	case ctx.Err() != nil:
		status = model.RunStatusInterrupted
	}
	res, finishErr := o.finish(ctx, rs, status, err)
	if err != nil {
		return res, err
	}
	return res, finishErr
}

// begin resumes or creates the run record and loads persisted state.
func (o *Orchestrator) begin(ctx context.Context, fresh bool) (*runState, bool, error) {
	var run *model.Run
	resumed := false
	if !fresh {
		latest, err := o.store.LatestRun(ctx)
		if err != nil {
			return nil, false, eris.Wrap(err, "pipeline: latest run")
		}
		if latest != nil && !latest.Status.Finished() {
			run = latest
			run.Status = model.RunStatusRunning
			run.Error = ""
			run.FinishedAt = nil
			if err := o.store.UpdateRun(ctx, run); err != nil {
				return nil, false, eris.Wrap(err, "pipeline: resume run")
			}
			resumed = true
		}
	}
	if run == nil {
		created, err := o.store.CreateRun(ctx)
		if err != nil {
			return nil, false, eris.Wrap(err, "pipeline: create run")
		}
		run = created
	}

	companies, err := o.store.ListCompanies(ctx, store.CompanyFilter{})
	if err != nil {
		return nil, false, eris.Wrap(err, "pipeline: load companies")
	}
	unresolved, err := o.store.ListUnresolved(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "pipeline: load unresolved")
	}
	res := resolver.New(o.cfg.Resolver)
	res.Load(companies, unresolved)

	return &runState{
		run:      run,
		cp:       checkpoint.New(o.store, run.ID),
		resolver: res,
		stats:    newStatsRecorder(run.Stats),
	}, resumed, nil
}

// finish records the final status and builds the result. It runs even
// when ctx is cancelled.
func (o *Orchestrator) finish(ctx context.Context, rs *runState, status model.RunStatus, runErr error) (*Result, error) {
	admitted := rs.resolver.Admitted(o.cfg.Filter)
	companies, unresolved := rs.resolver.Counts()
	stats := rs.stats.finalize(unresolved, len(admitted))

	now := o.nowFunc().UTC()
	rs.run.Status = status
	rs.run.Stats = stats
	rs.run.FinishedAt = &now
	if runErr != nil {
		rs.run.Error = runErr.Error()
	}

	zap.L().Info("pipeline: run finished",
		zap.String("run_id", rs.run.ID),
		zap.String("status", string(status)),
		zap.Int("companies", companies),
		zap.Int("unresolved", unresolved),
		zap.Int("admitted", len(admitted)),
	)

	res := &Result{RunID: rs.run.ID, Status: status, Admitted: admitted, Stats: stats}
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), rs.run); err != nil {
		return res, eris.Wrap(err, "pipeline: update run")
	}
	return res, nil
}

// assignFallbackKeys promotes the remaining unresolved entries under
// synthetic ids and persists the promotion.
func (o *Orchestrator) assignFallbackKeys(ctx context.Context, rs *runState) error {
	promoted := rs.resolver.AssignFallbackKeys()
	if len(promoted) == 0 {
		return nil
	}
	keys := make([]string, 0, len(promoted))
	ids := make([]string, 0, len(promoted))
	for k, id := range promoted {
		keys = append(keys, k)
		ids = append(ids, id)
	}
	b := store.Batch{Companies: rs.resolver.Snapshot(ids), Promoted: keys}
	if err := o.store.CommitBatch(context.WithoutCancel(ctx), b); err != nil {
		return eris.Wrap(err, "pipeline: commit fallback keys")
	}
	rs.stats.update(func(s *model.RunStats) { s.Promoted += len(keys) })
	zap.L().Info("pipeline: assigned fallback keys", zap.Int("count", len(keys)))
	return nil
}

// awaitCircuit parks the caller until the open circuit in err admits a
// trial request. It returns false when the trip budget is spent or ctx
// ends.
func (o *Orchestrator) awaitCircuit(ctx context.Context, err error, trips int) bool {
	var su *resilience.SourceUnavailableError
	if !errors.As(err, &su) {
		return false
	}
	if trips > o.cfg.MaxCircuitTrips {
		zap.L().Warn("pipeline: source stopped after repeated circuit trips",
			zap.String("source", string(su.Source)),
			zap.Int("trips", trips),
		)
		return false
	}
	wait := su.RetryAt.Sub(o.nowFunc())
	zap.L().Info("pipeline: source unavailable, waiting for circuit cooldown",
		zap.String("source", string(su.Source)),
		zap.Duration("wait", wait),
		zap.Int("trip", trips),
	)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	return o.sleepFunc(ctx, wait) == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
