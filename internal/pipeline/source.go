package pipeline

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/connector"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/internal/store"
)

// runSource walks one page connector from its checkpoint until the source
// is exhausted, a budget is spent, the circuit gives up or ctx ends. It
// reports whether the source was exhausted. Only checkpoint failures are
// returned.
func (o *Orchestrator) runSource(ctx context.Context, rs *runState, conn connector.PageConnector) (bool, error) {
	src := conn.Source()
	log := zap.L().With(zap.String("run_id", rs.run.ID), zap.String("source", string(src)))
	ctl := o.controllers.Get(src)

	cur, err := rs.cp.Load(ctx, src)
	if err != nil {
		return false, err
	}
	if cur.Exhausted {
		log.Info("pipeline: source already exhausted in this run")
		rs.stats.source(src, func(s *model.SourceStats) { s.Exhausted = true })
		return true, nil
	}
	ctl.Restore(cur.ConsecutiveFailures)

	token := cur.Token
	if token == "" {
		token = conn.Start()
	}
	budget := o.cfg.Budgets[src]
	started := o.nowFunc()
	pages, trips := 0, 0

	for {
		if ctx.Err() != nil {
			return false, nil
		}
		if (budget.MaxPages > 0 && pages >= budget.MaxPages) ||
			(budget.TimeBudget > 0 && o.nowFunc().Sub(started) >= budget.TimeBudget) {
			log.Info("pipeline: source budget reached", zap.Int("pages", pages), zap.String("token", token))
			rs.stats.source(src, func(s *model.SourceStats) { s.BudgetReached = true })
			return false, nil
		}

		page, fetchErr := conn.FetchNextPage(ctx, token)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			if connector.IsUnavailable(fetchErr) {
				trips++
				rs.stats.source(src, func(s *model.SourceStats) { s.CircuitTrips++ })
				if o.awaitCircuit(ctx, fetchErr, trips) {
					continue
				}
				return false, nil
			}

			next, ok := conn.Skip(token)
			gap := resilience.NewGapMarker(rs.run.ID, src, token, next, fetchErr, o.nowFunc())
			log.Warn("pipeline: page skipped",
				zap.String("token", token),
				zap.String("next", next),
				zap.String("kind", string(gap.Kind)),
				zap.String("signature", gap.Signature),
				zap.Error(fetchErr),
			)
			cursor := cur
			cursor.Token = next
			cursor.Exhausted = !ok
			cursor.ConsecutiveFailures = ctl.Snapshot().ConsecutiveFailures
			if !ok {
				cursor.Token = token
			}
			if _, err := rs.cp.Commit(ctx, src, store.Batch{Gap: &gap, Cursor: &cursor}); err != nil {
				return false, eris.Wrap(err, "pipeline: commit gap")
			}
			cur = cursor
			pages++
			rs.stats.source(src, func(s *model.SourceStats) {
				s.Gaps++
				s.Exhausted = !ok
			})
			if !ok {
				return true, nil
			}
			token = next
			continue
		}
		trips = 0

		batch := o.mergePage(rs, src, page)
		now := o.nowFunc().UTC()
		cursor := cur
		cursor.LastSuccessAt = &now
		cursor.ConsecutiveFailures = ctl.Snapshot().ConsecutiveFailures
		cursor.Exhausted = page.Exhausted()
		cursor.Token = token
		if page.Next != nil {
			cursor.Token = *page.Next
		}
		batch.Cursor = &cursor

		marker, err := rs.cp.Commit(ctx, src, batch)
		if err != nil {
			return false, eris.Wrap(err, "pipeline: commit page")
		}
		cur = cursor
		pages++
		rs.stats.source(src, func(s *model.SourceStats) {
			s.Pages++
			s.Records += len(page.Payloads)
			s.RecordFailures += len(page.RecordFailures)
			s.Exhausted = page.Exhausted()
		})
		log.Debug("pipeline: page committed",
			zap.String("token", token),
			zap.String("batch", marker),
			zap.Int("records", len(page.Payloads)),
			zap.Int("companies", len(batch.Companies)),
			zap.Int("unresolved", len(batch.Unresolved)),
		)

		if page.Exhausted() {
			log.Info("pipeline: source exhausted", zap.Int("pages", pages))
			return true, nil
		}
		token = *page.Next
	}
}

// mergePage normalizes and merges every payload of page and returns the
// snapshots of what changed.
func (o *Orchestrator) mergePage(rs *runState, src model.SourceID, page *connector.Page) store.Batch {
	var ids, keys []string
	validation, anomalies, merged := 0, 0, 0

	for _, p := range page.Payloads {
		res := o.normalizer.Normalize(p)
		validation += len(res.Errors)
		for _, verr := range res.Errors {
			zap.L().Debug("pipeline: field dropped",
				zap.String("source", string(src)),
				zap.String("external_id", res.Record.ExternalID),
				zap.Error(verr),
			)
		}

		out := rs.resolver.Apply(res.Record)
		anomalies += len(out.Anomalies)
		if out.Skipped || !out.Changed {
			continue
		}
		merged++
		if out.Resolved {
			if !slices.Contains(ids, out.Key) {
				ids = append(ids, out.Key)
			}
		} else if !slices.Contains(keys, out.Key) {
			keys = append(keys, out.Key)
		}
	}

	rs.stats.update(func(s *model.RunStats) {
		s.Merged += merged
		s.ValidationErrors += validation
		s.ConflictAnomalies += anomalies
	})
	return store.Batch{
		Companies:  rs.resolver.Snapshot(ids),
		Unresolved: rs.resolver.SnapshotUnresolved(keys),
	}
}
