package pipeline

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/connector"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/store"
)

// enrichmentFields are the fields whose absence makes a canonical company a
// lookup candidate.
var enrichmentFields = []model.FieldKey{
	model.FieldLegalName,
	model.FieldRegistrationNumber,
	model.FieldActivityCode,
	model.FieldEmployees,
	model.FieldAddress,
}

// resolveAttemptPrefix namespaces name-resolution attempts in the
// enrichment status table, which is otherwise keyed by registry id.
const resolveAttemptPrefix = "resolve:"

func needsEnrichment(c *model.CanonicalCompany) bool {
	if !normalize.ValidRegistryID(c.RegistryID) {
		return false
	}
	for _, k := range enrichmentFields {
		if c.Fields[k] == "" {
			return true
		}
	}
	return false
}

// enrich runs the enrichment pass: unresolved entries are first matched
// against canonical names already known, then resolved by name through the
// name resolvers; finally canonical companies missing key fields are
// looked up by id. Entries settled earlier in the same run are skipped;
// failed attempts are tried again.
func (o *Orchestrator) enrich(ctx context.Context, rs *runState) error {
	attempted, err := o.store.EnrichmentStatuses(ctx, rs.run.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load enrichment status")
	}
	if err := o.promoteKnownNames(ctx, rs); err != nil {
		return err
	}
	if len(o.resolvers) > 0 {
		if err := o.resolveUnresolved(ctx, rs, attempted); err != nil {
			return err
		}
	}
	if o.enricher == nil {
		return nil
	}
	return o.lookupCompanies(ctx, rs, attempted)
}

// settled reports whether an earlier attempt in this run decided the
// outcome for good.
func settled(attempted map[string]model.EnrichmentStatus, key string) bool {
	switch attempted[key] {
	case model.EnrichmentFound, model.EnrichmentNotFound:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) commitEnrichment(ctx context.Context, rs *runState, b store.Batch) error {
	if b.Empty() {
		return nil
	}
	if _, err := rs.cp.Commit(ctx, model.SourceEnrichment, b); err != nil {
		return eris.Wrap(err, "pipeline: commit enrichment")
	}
	return nil
}

// promoteKnownNames promotes unresolved entries whose fallback key matches
// exactly one canonical company.
func (o *Orchestrator) promoteKnownNames(ctx context.Context, rs *runState) error {
	index := rs.resolver.NameIndex()
	var b store.Batch
	var ids []string
	for _, u := range rs.resolver.Unresolved() {
		candidates := index[u.FallbackKey]
		if len(candidates) != 1 || !normalize.ValidRegistryID(candidates[0]) {
			continue
		}
		out, err := rs.resolver.Promote(u.FallbackKey, candidates[0])
		if err != nil {
			zap.L().Warn("pipeline: local promotion failed", zap.String("fallback_key", u.FallbackKey), zap.Error(err))
			continue
		}
		b.Promoted = append(b.Promoted, u.FallbackKey)
		if !slices.Contains(ids, out.Key) {
			ids = append(ids, out.Key)
		}
	}
	b.Companies = rs.resolver.Snapshot(ids)
	if err := o.commitEnrichment(ctx, rs, b); err != nil {
		return err
	}
	rs.stats.update(func(s *model.RunStats) { s.Promoted += len(b.Promoted) })
	if len(b.Promoted) > 0 {
		zap.L().Info("pipeline: promoted unresolved entries by known name", zap.Int("count", len(b.Promoted)))
	}
	return nil
}

// resolveUnresolved asks the name resolvers, in order, for the registry id
// of every remaining unresolved entry and promotes the confident matches.
// A resolver whose circuit stays open is dropped for the rest of the pass.
func (o *Orchestrator) resolveUnresolved(ctx context.Context, rs *runState, attempted map[string]model.EnrichmentStatus) error {
	var pending []*model.UnresolvedCompany
	for _, u := range rs.resolver.Unresolved() {
		if !settled(attempted, resolveAttemptPrefix+u.FallbackKey) {
			pending = append(pending, u)
		}
	}

	var b store.Batch
	var ids []string
	flush := func() error {
		b.Companies = rs.resolver.Snapshot(ids)
		err := o.commitEnrichment(ctx, rs, b)
		rs.stats.update(func(s *model.RunStats) { s.Promoted += len(b.Promoted) })
		b, ids = store.Batch{}, nil
		return err
	}

	active := slices.Clone(o.resolvers)
	trips := make(map[model.SourceID]int)
	for _, u := range pending {
		if len(active) == 0 {
			break
		}
		name := u.Company.Fields[model.FieldName]
		if name == "" {
			name = u.Company.Fields[model.FieldLegalName]
		}
		if name == "" {
			name = u.NormalizedName
		}
		locality := u.Company.Fields[model.FieldLocality]

		id, failed := "", false
		for i := 0; i < len(active) && id == ""; {
			r := active[i]
			got, err := r.Resolve(ctx, name, locality)
			if ctx.Err() != nil {
				return flush()
			}
			if connector.IsUnavailable(err) {
				trips[r.Source()]++
				if o.awaitCircuit(ctx, err, trips[r.Source()]) {
					continue
				}
				if ctx.Err() != nil {
					return flush()
				}
				active = slices.Delete(active, i, i+1)
				failed = true
				continue
			}
			trips[r.Source()] = 0
			if err != nil {
				failed = true
				zap.L().Warn("pipeline: resolve failed",
					zap.String("fallback_key", u.FallbackKey),
					zap.String("resolver", string(r.Source())),
					zap.Error(err),
				)
			}
			id = got
			i++
		}

		attempt := model.EnrichmentAttempt{
			RegistryID:  resolveAttemptPrefix + u.FallbackKey,
			RunID:       rs.run.ID,
			AttemptedAt: o.nowFunc().UTC(),
		}
		switch {
		case id != "":
			if _, perr := rs.resolver.Promote(u.FallbackKey, id); perr != nil {
				attempt.Status = model.EnrichmentFailed
				break
			}
			attempt.Status = model.EnrichmentFound
			b.Promoted = append(b.Promoted, u.FallbackKey)
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		case failed:
			attempt.Status = model.EnrichmentFailed
		default:
			attempt.Status = model.EnrichmentNotFound
		}
		b.Enrichment = append(b.Enrichment, attempt)

		if len(b.Enrichment) >= o.cfg.EnrichBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// lookupCompanies fetches lookup payloads for canonical companies missing
// key fields and merges them.
func (o *Orchestrator) lookupCompanies(ctx context.Context, rs *runState, attempted map[string]model.EnrichmentStatus) error {
	var pending []string
	for _, c := range rs.resolver.Companies() {
		if settled(attempted, c.RegistryID) {
			continue
		}
		if needsEnrichment(c) {
			pending = append(pending, c.RegistryID)
		}
	}
	zap.L().Info("pipeline: enrichment lookups pending", zap.Int("companies", len(pending)))

	trips := 0
	for len(pending) > 0 {
		n := min(o.cfg.EnrichBatchSize, len(pending))
		chunk := pending[:n]
		pending = pending[n:]

		found, err := o.enricher.LookupBatch(ctx, chunk)
		var lerr *connector.LookupError
		errors.As(err, &lerr)

		var ids []string
		for _, id := range slices.Sorted(maps.Keys(found)) {
			res := o.normalizer.Normalize(found[id])
			out := rs.resolver.Apply(res.Record)
			rs.stats.update(func(s *model.RunStats) {
				s.ValidationErrors += len(res.Errors)
				s.ConflictAnomalies += len(out.Anomalies)
			})
			if out.Changed && out.Resolved && !slices.Contains(ids, out.Key) {
				ids = append(ids, out.Key)
			}
		}

		b := store.Batch{Companies: rs.resolver.Snapshot(ids)}
		now := o.nowFunc().UTC()
		for _, id := range chunk {
			attempt := model.EnrichmentAttempt{RegistryID: id, RunID: rs.run.ID, AttemptedAt: now}
			switch {
			case found[id] != nil:
				attempt.Status = model.EnrichmentFound
			case lerr != nil && slices.Contains(lerr.Skipped, id):
				continue
			case lerr != nil && lerr.Failed[id] != nil:
				attempt.Status = model.EnrichmentFailed
			default:
				attempt.Status = model.EnrichmentNotFound
			}
			b.Enrichment = append(b.Enrichment, attempt)
		}
		if err := o.commitEnrichment(ctx, rs, b); err != nil {
			return err
		}
		failed := 0
		if lerr != nil {
			failed = len(lerr.Failed)
		}
		rs.stats.update(func(s *model.RunStats) { s.Enriched += len(found) })
		rs.stats.source(model.SourceEnrichment, func(s *model.SourceStats) {
			s.Records += len(found)
			s.RecordFailures += failed
		})

		if lerr == nil || len(lerr.Skipped) == 0 {
			trips = 0
			continue
		}
		if ctx.Err() != nil || !connector.IsUnavailable(err) {
			return nil
		}
		trips++
		rs.stats.source(model.SourceEnrichment, func(s *model.SourceStats) { s.CircuitTrips++ })
		if !o.awaitCircuit(ctx, err, trips) {
			return nil
		}
		pending = append(slices.Clone(lerr.Skipped), pending...)
	}
	return nil
}
