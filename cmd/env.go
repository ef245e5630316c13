package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/connector"
	"github.com/sells-group/registry-cli/internal/fetcher"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/pipeline"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/internal/resolver"
	"github.com/sells-group/registry-cli/internal/store"
	"github.com/sells-group/registry-cli/pkg/dadata"
	"github.com/sells-group/registry-cli/pkg/employers"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "registry.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// pipelineEnv holds the store and the orchestrator built from config.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Controllers  *resilience.Controllers
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and wires the
// connectors of every enabled source. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	controllers := buildControllers(cfg.Sources)
	pages, enricher := buildConnectors(cfg.Sources, controllers)
	if mode == "enrich" && enricher == nil {
		_ = st.Close()
		return nil, eris.New("enrichment source is disabled")
	}

	orch := pipeline.New(pipelineConfig(cfg), st, controllers, pages, enricher)
	return &pipelineEnv{Store: st, Orchestrator: orch, Controllers: controllers}, nil
}

func sourceBlocks(s config.SourcesConfig) map[model.SourceID]config.SourceConfig {
	return map[model.SourceID]config.SourceConfig{
		model.SourceRegistryAPI: s.RegistryAPI,
		model.SourceScrapeSite:  s.ScrapeSite,
		model.SourceEnrichment:  s.Enrichment,
	}
}

func buildControllers(s config.SourcesConfig) *resilience.Controllers {
	var cfgs []resilience.ControllerConfig
	for src, sc := range sourceBlocks(s) {
		circuit := resilience.FromCircuitConfig(sc.CircuitThreshold, sc.CircuitCooldownSecs)
		cfgs = append(cfgs, resilience.FromControllerConfig(src,
			sc.RatePerSec, sc.Burst, sc.BackoffBaseMs, sc.BackoffMaxMs, sc.JitterFraction, circuit))
	}
	return resilience.NewControllers(cfgs...)
}

func retryFor(sc config.SourceConfig) resilience.RetryConfig {
	return resilience.FromRetryConfig(sc.MaxAttempts, sc.BackoffBaseMs, sc.BackoffMaxMs, sc.JitterFraction)
}

func httpFetcher(sc config.SourceConfig) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: sc.UserAgent,
		Timeout:   time.Duration(sc.TimeoutSecs) * time.Second,
	})
}

// buildConnectors returns the page connectors of the enabled sources and
// the enrichment connector, which is nil when that source is disabled.
func buildConnectors(s config.SourcesConfig, controllers *resilience.Controllers) ([]connector.PageConnector, connector.EnrichmentConnector) {
	var pages []connector.PageConnector

	if api := s.RegistryAPI; api.Enabled {
		segments := make([]connector.Segment, 0, len(api.Segments))
		for _, seg := range api.Segments {
			segments = append(segments, connector.ParseSegment(seg))
		}
		opts := []employers.Option{employers.WithFetcher(httpFetcher(api))}
		if api.BaseURL != "" {
			opts = append(opts, employers.WithBaseURL(api.BaseURL))
		}
		if api.UserAgent != "" {
			opts = append(opts, employers.WithUserAgent(api.UserAgent))
		}
		client := employers.NewClient(opts...)
		pages = append(pages, connector.NewAPI(client, controllers.Get(model.SourceRegistryAPI), retryFor(api), connector.APIConfig{
			Segments:    segments,
			Area:        api.Area,
			PerPage:     api.PerPage,
			SkipDetails: api.SkipDetails,
		}))
	}

	if site := s.ScrapeSite; site.Enabled {
		pages = append(pages, connector.NewScrape(httpFetcher(site), controllers.Get(model.SourceScrapeSite), retryFor(site), connector.ScrapeConfig{
			BaseURL:       site.BaseURL,
			ActivityCodes: site.ActivityCodes,
		}))
	}

	var enricher connector.EnrichmentConnector
	if en := s.Enrichment; en.Enabled && en.APIKey != "" {
		opts := []dadata.Option{dadata.WithAPIKey(en.APIKey), dadata.WithFetcher(httpFetcher(en))}
		if en.BaseURL != "" {
			opts = append(opts, dadata.WithBaseURL(en.BaseURL))
		}
		client := dadata.NewClient(opts...)
		enricher = connector.NewEnrichment(client, controllers.Get(model.SourceEnrichment), retryFor(en), connector.EnrichmentConfig{
			Concurrency: en.Concurrency,
		})
	}
	return pages, enricher
}

func pipelineConfig(c *config.Config) pipeline.Config {
	budgets := make(map[model.SourceID]pipeline.Budget)
	weights := normalize.DefaultWeights()
	for src, sc := range sourceBlocks(c.Sources) {
		budgets[src] = pipeline.Budget{
			MaxPages:   sc.MaxPages,
			TimeBudget: time.Duration(sc.TimeBudgetSecs) * time.Second,
		}
		if sc.Confidence > 0 {
			weights[src] = sc.Confidence
		}
	}
	return pipeline.Config{
		Budgets:            budgets,
		MaxCircuitTrips:    c.Pipeline.MaxCircuitTrips,
		EnrichBatchSize:    c.Enrichment.BatchSize,
		AssignFallbackKeys: c.Pipeline.AssignFallbackKeys,
		Filter:             resolver.Filter{ActivityPrefixes: c.Pipeline.ActivityPrefixes, Keywords: c.Pipeline.Keywords},
		Resolver: resolver.Config{
			AdmissionThreshold:  c.Pipeline.AdmissionThreshold,
			SimilarityThreshold: c.Pipeline.SimilarityThreshold,
		},
		Weights: weights,
	}
}
