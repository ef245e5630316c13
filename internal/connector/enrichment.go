package connector

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/pkg/dadata"
)

// EnrichmentConfig configures the lookup connector.
type EnrichmentConfig struct {
	// Concurrency bounds in-flight lookups; the controller still paces them.
	Concurrency int
	// Candidates is the number of suggestions considered by Resolve.
	Candidates int
}

// Enrichment looks organizations up in the party lookup service.
type Enrichment struct {
	base
	client dadata.Client
	cfg    EnrichmentConfig
}

// NewEnrichment creates the lookup connector.
func NewEnrichment(client dadata.Client, ctl *resilience.Controller, retry resilience.RetryConfig, cfg EnrichmentConfig) *Enrichment {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 5
	}
	return &Enrichment{
		base:   newBase(model.SourceEnrichment, ctl, retry),
		client: client,
		cfg:    cfg,
	}
}

// LookupBatch looks up every id. An open circuit stops the batch: the ids
// not yet attempted are reported in LookupError.Skipped.
func (e *Enrichment) LookupBatch(ctx context.Context, ids []string) (map[string]model.Payload, error) {
	var (
		mu      sync.Mutex
		found   = make(map[string]model.Payload, len(ids))
		failed  = make(map[string]error)
		skipped []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				skipped = append(skipped, id)
				mu.Unlock()
				return nil
			}
			party, err := resilience.DoVal(gctx, e.ctl, e.retryFor("lookup"), func(ctx context.Context) (*dadata.Party, error) {
				return e.client.FindByID(ctx, id)
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case IsUnavailable(err):
				skipped = append(skipped, id)
				return err
			case err != nil && gctx.Err() != nil:
				skipped = append(skipped, id)
			case err != nil:
				failed[id] = err
			case party != nil:
				found[id] = e.payload(party)
			}
			return nil
		})
	}
	cause := g.Wait()
	if err := ctx.Err(); err != nil && cause == nil {
		cause = err
	}

	if len(failed) > 0 || len(skipped) > 0 || cause != nil {
		zap.L().Warn("enrichment: batch incomplete",
			zap.Int("requested", len(ids)),
			zap.Int("found", len(found)),
			zap.Int("failed", len(failed)),
			zap.Int("skipped", len(skipped)),
		)
		return found, &LookupError{Failed: failed, Skipped: skipped, Cause: cause}
	}
	return found, nil
}

// Resolve searches by name and accepts a suggestion only when its
// match-normalized name equals the query's and, when a locality is given,
// its city agrees.
func (e *Enrichment) Resolve(ctx context.Context, name, locality string) (string, error) {
	want := normalize.MatchName(name)
	if want == "" {
		return "", nil
	}
	parties, err := resilience.DoVal(ctx, e.ctl, e.retryFor("resolve"), func(ctx context.Context) ([]dadata.Party, error) {
		return e.client.Suggest(ctx, dadata.SuggestRequest{Query: name, Count: e.cfg.Candidates, City: locality})
	})
	if err != nil {
		return "", eris.Wrapf(err, "enrichment: resolve %q", name)
	}

	wantLocality := normalize.Locality(locality)
	match := ""
	for _, p := range parties {
		id, err := normalize.RegistryID(p.Data.INN)
		if err != nil || id == "" {
			continue
		}
		if wantLocality != "" && p.Data.City() != "" && normalize.Locality(p.Data.City()) != wantLocality {
			continue
		}
		if !nameMatches(want, p) {
			continue
		}
		if match != "" && match != id {
			// Two different organizations answer to the same name.
			return "", nil
		}
		match = id
	}
	return match, nil
}

func nameMatches(want string, p dadata.Party) bool {
	for _, n := range []string{p.Value, p.Data.Name.ShortWithOPF, p.Data.Name.FullWithOPF, p.Data.Name.Short, p.Data.Name.Full} {
		if n != "" && normalize.MatchName(n) == want {
			return true
		}
	}
	return false
}

func (e *Enrichment) payload(p *dadata.Party) model.EnrichmentPayload {
	d := p.Data
	short := d.Name.ShortWithOPF
	if short == "" {
		short = p.Value
	}
	out := model.EnrichmentPayload{
		INN:           d.INN,
		OGRN:          d.OGRN,
		FullName:      d.Name.FullWithOPF,
		ShortName:     short,
		Okved:         d.Okved,
		Address:       d.AddressValue(),
		Region:        d.Region(),
		City:          d.City(),
		Status:        d.Status(),
		EmployeeCount: d.EmployeeCount.String(),
		FetchedAt:     e.nowFunc().UTC(),
	}
	if d.Management != nil {
		out.ManagementName = d.Management.Name
		out.ManagementPost = d.Management.Post
	}
	return out
}
